/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

package gpuvm

import (
	"sync"
	"sync/atomic"

	"github.com/intel/intel-gpu-iov-manager/pkg/fence"
)

// Tile is one device tile: a primary GT, optionally a media GT, a
// migration queue for PT jobs and the TLB invalidation paths.
type Tile struct {
	ID int

	// PrimaryTLB and MediaTLB acknowledge range invalidations; MediaTLB
	// is nil on single-GT tiles.
	PrimaryTLB fence.Invalidator
	MediaTLB   fence.Invalidator

	// Migrate runs PT-update jobs in submission order.
	Migrate *Migrator

	ptBoAddr atomic.Uint64
}

// NewTile wires a tile with its own ordered migration queue.
func NewTile(id int, primary, media fence.Invalidator) *Tile {
	t := &Tile{
		ID:         id,
		PrimaryTLB: primary,
		MediaTLB:   media,
		Migrate:    newMigrator(),
	}
	t.ptBoAddr.Store(1 << 20)
	return t
}

// Stop drains the migration queue.
func (t *Tile) Stop() { t.Migrate.stop() }

// allocPtBo carves GPU-visible memory for one page-table node.
func (t *Tile) allocPtBo() *Bo {
	return &Bo{
		Addr:   t.ptBoAddr.Add(PageSize) - PageSize,
		qwords: make([]uint64, Pdes),
	}
}

// scratchPde points directory levels at the shared scratch tables.
func (t *Tile) scratchPde(level int) uint64 {
	return PtePresent | PteRW
}

// Migrator executes PT-update jobs strictly in submission order, the
// ordering guarantee every same-tile commit relies on.
type Migrator struct {
	mu     sync.Mutex
	queue  chan *job
	closed bool
	done   chan struct{}
}

type job struct {
	run   func() error
	fence *fence.Fence
}

func newMigrator() *Migrator {
	m := &Migrator{
		queue: make(chan *job, 64),
		done:  make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Migrator) run() {
	for j := range m.queue {
		j.fence.Signal(j.run())
	}
	close(m.done)
}

func (m *Migrator) stop() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()
	<-m.done
}

// Submit queues work and returns its completion fence. Dependencies
// must already be resolved by the caller; the queue preserves order.
func (m *Migrator) Submit(deps []*fence.Fence, run func() error) *fence.Fence {
	f := fence.New()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		f.Signal(errMigratorStopped)
		return f
	}
	m.queue <- &job{
		run: func() error {
			for _, dep := range deps {
				<-dep.Done()
				if err := dep.Err(); err != nil {
					return err
				}
			}
			return run()
		},
		fence: f,
	}
	m.mu.Unlock()
	return f
}

var errMigratorStopped = errStopped{}

type errStopped struct{}

func (errStopped) Error() string { return "gpuvm: migrator stopped" }
