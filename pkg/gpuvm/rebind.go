/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

package gpuvm

import (
	"context"

	"k8s.io/klog/v2"
)

// RebindWorker re-binds VMAs whose backing was invalidated while the
// VM kept running (userptr notifier races outside fault mode, preempt
// fence kicks). It is the only context allowed to commit without
// re-kicking itself.
type RebindWorker struct {
	vm    *VM
	tiles []*Tile

	trigger  chan struct{}
	stopping chan struct{}
	done     chan struct{}
}

// NewRebindWorker wires the worker as the VM's rebind kick target.
func NewRebindWorker(vm *VM, tiles []*Tile) *RebindWorker {
	w := &RebindWorker{
		vm:       vm,
		tiles:    tiles,
		trigger:  make(chan struct{}, 1),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
	vm.SetRebindKick(w.kick)
	go w.run()
	return w
}

func (w *RebindWorker) kick() {
	select {
	case w.trigger <- struct{}{}:
	case <-w.stopping:
	default:
	}
}

// Kick schedules a rebind pass.
func (w *RebindWorker) Kick() { w.kick() }

// Stop terminates the worker.
func (w *RebindWorker) Stop() {
	close(w.stopping)
	<-w.done
}

func (w *RebindWorker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stopping:
			return
		case <-w.trigger:
			w.rebindAll()
		}
	}
}

func (w *RebindWorker) rebindAll() {
	vm := w.vm
	ctx := context.Background()

	for _, vma := range vm.RebindList() {
		// Re-pin: pick up the current notifier sequence before the
		// commit-time re-check.
		if vma.IsUserptr() {
			vma.Userptr.BoundSeq = vma.Userptr.NotifierSeq.Load()
		}

		ops := NewVmaOps(vm)
		ops.Add(&Op{Type: OpMap, MapVMA: vma, MapImmediate: true})

		vm.Lock()
		vm.workerContext = true
		vm.Unlock()

		_, err := ops.Exec(ctx, w.tiles)

		vm.Lock()
		vm.workerContext = false
		if err == nil {
			vm.removeFromRebindList(vma)
		}
		vm.Unlock()

		if err != nil {
			klog.Errorf("gpuvm: rebind of [%#x, %#x) failed: %v", vma.Start, vma.End-1, err)
		}
	}
}
