/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

package gpuvm

import (
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/intel/intel-gpu-iov-manager/pkg/fence"
)

// MaxTiles bounds the per-tile state arrays.
const MaxTiles = 2

// ResvUsage selects the reservation slot class a fence attaches to.
type ResvUsage int

const (
	// UsageKernel fences gate kernel-internal work; everything waits
	// on them.
	UsageKernel ResvUsage = iota
	// UsageBookkeep fences only track; nothing implicitly waits.
	UsageBookkeep
)

// Resv is the reservation object of a bo or VM: lists of fences by
// usage class.
type Resv struct {
	mu       sync.Mutex
	kernel   []*fence.Fence
	bookkeep []*fence.Fence
}

func (r *Resv) Add(usage ResvUsage, f *fence.Fence) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch usage {
	case UsageKernel:
		r.kernel = append(r.kernel, f)
	case UsageBookkeep:
		r.bookkeep = append(r.bookkeep, f)
	}
}

// Kernel returns the unsignaled kernel fences.
func (r *Resv) Kernel() []*fence.Fence {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*fence.Fence
	for _, f := range r.kernel {
		if !f.Signaled() {
			out = append(out, f)
		}
	}
	return out
}

// Bookkeep returns the unsignaled bookkeep fences.
func (r *Resv) Bookkeep() []*fence.Fence {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*fence.Fence
	for _, f := range r.bookkeep {
		if !f.Signaled() {
			out = append(out, f)
		}
	}
	return out
}

// Mode flags of a VM.
type Mode struct {
	// LR: long-running (compute) mode with preempt fences instead of
	// end-of-batch fences.
	LR bool
	// Fault: page faults are serviced on demand.
	Fault bool
	// PreemptFence: rebinds must kick the rebind worker so preempt
	// fences cannot deadlock the VM.
	PreemptFence bool
	// Scratch: unmapped addresses read scratch pages instead of
	// faulting.
	Scratch bool
}

// VM is one GPU virtual address space with a page-table tree per tile.
type VM struct {
	// mu is the VM write lock: tree connectivity, resv attachment and
	// the rebind list are only mutated under it.
	mu sync.Mutex

	resv *Resv
	mode Mode
	asid uint32

	scratch    bool
	scratchPte uint64

	ptRoot [MaxTiles]*Node
	rftree [MaxTiles]*fence.RangeTree

	// userptrNotifier orders commits against userptr invalidation;
	// commit takes it for reading, the invalidation callback for
	// writing.
	userptrNotifier sync.RWMutex
	// svmNotifier is the SVM counterpart.
	svmNotifier sync.Mutex

	rebindList []*VMA

	// rebindKick is called when a commit under preempt-fence mode
	// attaches a bookkeep wait; wired to the rebind worker.
	rebindKick func()
	// workerContext marks commits running inside the rebind worker
	// itself, which must not re-kick.
	workerContext bool

	killed bool

	tlbFlushSeqno uint64
}

// NewVM creates a VM with a page-table root on every given tile.
func NewVM(mode Mode, asid uint32, tiles []*Tile) (*VM, error) {
	vm := &VM{
		resv:    &Resv{},
		mode:    mode,
		asid:    asid,
		scratch: mode.Scratch,
	}
	if mode.Scratch {
		vm.scratchPte = PtePresent | PteRW // scratch page at dma 0
	}
	for _, tile := range tiles {
		if tile.ID >= MaxTiles {
			return nil, fmt.Errorf("gpuvm: tile id %d out of range", tile.ID)
		}
		root, err := vm.newNode(tile, RootLevel)
		if err != nil {
			return nil, err
		}
		vm.populateEmpty(tile, root)
		vm.ptRoot[tile.ID] = root
		vm.rftree[tile.ID] = fence.NewRangeTree()
	}
	return vm, nil
}

func (vm *VM) Resv() *Resv { return vm.resv }

func (vm *VM) Root(tileID int) *Node { return vm.ptRoot[tileID] }

func (vm *VM) RangeTree(tileID int) *fence.RangeTree { return vm.rftree[tileID] }

// SetRebindKick wires the rebind worker trigger.
func (vm *VM) SetRebindKick(kick func()) { vm.rebindKick = kick }

// Lock takes the VM write lock.
func (vm *VM) Lock()   { vm.mu.Lock() }
func (vm *VM) Unlock() { vm.mu.Unlock() }

// Kill wedges the VM: every subsequent operation fails. Used when a
// commit passed its point of no return and then failed.
func (vm *VM) Kill() {
	vm.killed = true
	klog.Errorf("vm %d killed", vm.asid)
}

func (vm *VM) Killed() bool { return vm.killed }

// InvalidateUserptr bumps the notifier sequence of a userptr VMA under
// the notifier write lock, the way the MMU notifier callback does.
func (vm *VM) InvalidateUserptr(v *VMA) {
	if v.Userptr == nil {
		return
	}
	vm.userptrNotifier.Lock()
	v.Userptr.NotifierSeq.Add(1)
	v.tileInvalidated.Store(v.tilePresent.Load())
	vm.userptrNotifier.Unlock()
}

// RebindList snapshots the VMAs queued for rebind.
func (vm *VM) RebindList() []*VMA {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]*VMA(nil), vm.rebindList...)
}

func (vm *VM) addToRebindList(v *VMA) {
	if v.onRebindList {
		return
	}
	v.onRebindList = true
	vm.rebindList = append(vm.rebindList, v)
}

func (vm *VM) removeFromRebindList(v *VMA) {
	if !v.onRebindList {
		return
	}
	v.onRebindList = false
	for i, cur := range vm.rebindList {
		if cur == v {
			vm.rebindList = append(vm.rebindList[:i], vm.rebindList[i+1:]...)
			return
		}
	}
}
