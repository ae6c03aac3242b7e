/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

// Package vfstate runs the per-VF control state machine: FLR, pause,
// resume, stop and save/restore, driven by asynchronous GuC events.
package vfstate

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"github.com/intel/intel-gpu-iov-manager/pkg/guc"
	"github.com/intel/intel-gpu-iov-manager/pkg/provisioning"
)

// State bits of one VF on one GT.
const (
	bitFlrInProgress = 1 << iota
	bitNeedsFlrStart
	bitFlrDoneReceived
	bitNeedsFlrDoneSync
	bitNeedsFlrFinish
	bitFlrFailed
	bitPauseInProgress
	bitPauseBySuspend
)

// PauseTimeout bounds the wait for a VF_PAUSE_DONE event.
const PauseTimeout = 500 * time.Millisecond

type vfData struct {
	state  atomic.Uint32
	paused atomic.Bool

	adverseEvents [provisioning.NumThresholds]atomic.Uint32
}

func (d *vfData) test(bit uint32) bool { return d.state.Load()&bit != 0 }
func (d *vfData) set(bit uint32)       { d.state.Or(bit) }
func (d *vfData) clear(bit uint32)     { d.state.And(^bit) }

func (d *vfData) testAndClear(bit uint32) bool {
	return d.state.And(^bit)&bit != 0
}

func (d *vfData) testAndSet(bit uint32) bool {
	return d.state.Or(bit)&bit != 0
}

// Manager is the state machine of one GT. On multi-tile parts every GT
// has a manager; the root (primary) one coordinates FLR across its
// peers so that FLR_FINISH is only sent once every GT saw FLR_DONE.
type Manager struct {
	name      string
	root      bool
	media     bool
	totalVFs  uint32
	transport guc.Transport
	buffers   guc.BufferAllocator
	prov      *provisioning.Engine

	data  []vfData
	peers []*Manager // all managers of the device, self included

	trigger chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

// New creates the manager for one GT. Callers wire the peer list with
// SetPeers before any event can arrive.
func New(name string, root, media bool, totalVFs uint32,
	transport guc.Transport, buffers guc.BufferAllocator, prov *provisioning.Engine) *Manager {
	m := &Manager{
		name:      name,
		root:      root,
		media:     media,
		totalVFs:  totalVFs,
		transport: transport,
		buffers:   buffers,
		prov:      prov,
		data:      make([]vfData, 1+totalVFs),
		trigger:   make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	m.peers = []*Manager{m}
	go m.run()
	return m
}

// SetPeers installs the device-wide manager list (one per GT).
func (m *Manager) SetPeers(peers []*Manager) { m.peers = peers }

// Stop terminates the worker. Events arriving afterwards are ignored.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}

// Reset drops all VF state, used after a full device reset.
func (m *Manager) Reset() {
	for n := range m.data {
		m.data[n].state.Store(0)
		m.data[n].paused.Store(false)
	}
}

func (m *Manager) checkVFID(vfid uint32) error {
	if vfid == 0 || vfid > m.totalVFs {
		return fmt.Errorf("vfstate: bad VF%d of %d", vfid, m.totalVFs)
	}
	return nil
}

func (m *Manager) kick() {
	select {
	case m.trigger <- struct{}{}:
	case <-m.stop:
	default:
	}
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		case <-m.trigger:
			if m.processAllVFs() {
				// Some VF still needs attention; requeue after a
				// short breather instead of spinning on a busy GuC.
				time.Sleep(time.Millisecond)
				m.kick()
			}
		}
	}
}

func (m *Manager) processAllVFs() bool {
	more := false
	for n := uint32(1); n <= m.totalVFs; n++ {
		more = m.processVF(n) || more
	}
	return more
}

// processVF advances one VF's FLR sequence by at most one step.
// Returns true when more processing is needed.
func (m *Manager) processVF(vfid uint32) bool {
	ctx := context.Background()
	data := &m.data[vfid]

	if data.testAndClear(bitNeedsFlrStart) {
		err := guc.VfControl(ctx, m.transport, vfid, guc.VfControlFlrStart)
		if errors.Is(err, guc.ErrBusy) {
			data.set(bitNeedsFlrStart)
			return true
		}
		if err != nil {
			klog.Errorf("%s: failed to start FLR for VF%d: %v", m.name, vfid, err)
			data.set(bitFlrFailed)
			data.clear(bitFlrInProgress)
			return false
		}
		data.clear(bitPauseInProgress)
		return true
	}

	if data.test(bitNeedsFlrDoneSync) {
		for _, peer := range m.peers {
			if !peer.data[vfid].test(bitFlrDoneReceived) {
				return true
			}
		}
		data.clear(bitNeedsFlrDoneSync)
		return true
	}

	if data.test(bitFlrDoneReceived) {
		for _, peer := range m.peers {
			if peer.data[vfid].test(bitNeedsFlrDoneSync) {
				return true
			}
		}
	}

	if data.testAndClear(bitFlrDoneReceived) {
		data.set(bitNeedsFlrFinish)
		return true
	}

	if data.testAndClear(bitNeedsFlrFinish) {
		err := m.processFlrFinish(ctx, vfid)
		if errors.Is(err, guc.ErrBusy) {
			data.set(bitNeedsFlrFinish)
			return true
		}
		if err != nil {
			klog.Errorf("%s: failed to confirm FLR for VF%d: %v", m.name, vfid, err)
			data.set(bitFlrFailed)
			data.clear(bitFlrInProgress)
			return false
		}
		return true
	}

	if data.test(bitFlrInProgress) {
		if m.root {
			for _, peer := range m.peers {
				if peer == m {
					continue
				}
				if peer.data[vfid].test(bitFlrInProgress) {
					return true
				}
			}
		}
		data.clear(bitFlrInProgress)
		return false
	}

	return false
}

// processFlrFinish performs the PF-side FLR cleanups: drop the event
// counters, return the VF's GGTT space to the PF, then confirm to the
// GuC.
func (m *Manager) processFlrFinish(ctx context.Context, vfid uint32) error {
	m.ResetEvents(vfid)
	if m.prov != nil {
		m.prov.ClearVFGgttOwnership(vfid)
	}
	return guc.VfControl(ctx, m.transport, vfid, guc.VfControlFlrFinish)
}

func (m *Manager) initVfFlr(vfid uint32, deviceHasMedia bool) {
	data := &m.data[vfid]
	data.set(bitFlrInProgress)
	if deviceHasMedia {
		data.set(bitNeedsFlrDoneSync)
	}
	data.set(bitNeedsFlrStart)
	m.kick()
}

// StartFLR begins the FLR sequence for a VF, as if the PCI FLR event
// had arrived.
func (m *Manager) StartFLR(vfid uint32) error {
	if err := m.checkVFID(vfid); err != nil {
		return err
	}
	m.handleVfFlr(vfid)
	return nil
}

// NoFLR reports whether no FLR is pending nor in progress.
func (m *Manager) NoFLR(vfid uint32) bool {
	return !m.data[vfid].test(bitFlrInProgress)
}

// FLRFailed reports whether the last FLR wedged the VF.
func (m *Manager) FLRFailed(vfid uint32) bool {
	return m.data[vfid].test(bitFlrFailed)
}
