/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

package gpuvm

import (
	"context"

	"k8s.io/klog/v2"

	"github.com/intel/intel-gpu-iov-manager/pkg/fence"
)

// populateJob writes every staged qword of the batch into its target
// pagetable memory. Runs on the tile's ordered migration queue, so
// same-tile commits are observed by the GPU in submission order. The
// values are captured at submission, since FiniOps drops the staged
// scratch before the queued job has necessarily run.
func populateJob(vm *VM, tile *Tile, ops []*ptOp) func() error {
	type write struct {
		bo  *Bo
		ofs int
		pte uint64
	}
	var writes []write
	for _, op := range ops {
		for _, entry := range op.entries {
			empty := vm.emptyPte(tile, entry.Node.level)
			for j := 0; j < entry.Qwords; j++ {
				pte := empty
				if op.bind {
					pte = entry.Entries[j].Pte
				}
				writes = append(writes, write{entry.Node.bo, entry.Ofs + j, pte})
			}
		}
	}
	return func() error {
		for _, w := range writes {
			w.bo.Write(w.ofs, w.pte)
		}
		return nil
	}
}

// jobDeps collects the fences the PT job must wait for.
func (v *VmaOps) jobDeps(pt *updateOps) []*fence.Fence {
	var deps []*fence.Fence
	if pt.waitVMKernel {
		deps = append(deps, v.VM.resv.Kernel()...)
	}
	if pt.waitVMBookkeep {
		deps = append(deps, v.VM.resv.Bookkeep()...)
	}
	return deps
}

// RunOps commits the staged updates of one tile: submit the PT job,
// swap the shadow tree in (point of no return), order the range fence,
// compose the TLB-invalidation fence and attach it to the
// reservations. Caller holds the VM lock.
func (v *VmaOps) RunOps(ctx context.Context, tile *Tile) (*fence.Fence, error) {
	vm := v.VM
	pt := v.pt[tile.ID]

	if vm.killed {
		return nil, ErrKilled
	}
	if len(pt.ops) == 0 {
		// Everything was deferred to fault handling.
		return fence.Stub(), nil
	}

	// Pre-commit re-validation under the notifier locks, which stay
	// held across the commit and side effects.
	if pt.needsSvmLock {
		vm.svmNotifier.Lock()
		if err := v.checkSvm(pt); err != nil {
			vm.svmNotifier.Unlock()
			return nil, err
		}
	} else if pt.needsUserptrLock {
		vm.userptrNotifier.RLock()
		if err := v.checkUserptr(pt); err != nil {
			vm.userptrNotifier.RUnlock()
			return nil, err
		}
	}
	unlockNotifiers := func() {
		if pt.needsSvmLock {
			vm.svmNotifier.Unlock()
		} else if pt.needsUserptrLock {
			vm.userptrNotifier.RUnlock()
		}
	}

	job := tile.Migrate.Submit(v.jobDeps(pt), populateJob(vm, tile, pt.ops))

	// Point of no return: a failure on the queued job wedges the VM
	// rather than attempting a rollback.
	job.AddCallback(func(err error) {
		if err != nil {
			vm.Kill()
		}
	})
	for _, op := range pt.ops {
		commit(op.entries, &pt.deferred)
	}

	// Order against other updates touching the same address range.
	if err := vm.rftree[tile.ID].Insert(ctx, pt.start, pt.last, job); err != nil {
		unlockNotifiers()
		vm.Kill()
		return nil, err
	}

	// TLB invalidation must complete before anything that waits on
	// the composed fence may proceed; with a media GT both flushes
	// combine into a fence array and the job fence is consumed twice.
	final := job
	if pt.needsInvalidation {
		ifence := fence.NewInvalidation(tile.PrimaryTLB, job, pt.start, pt.last, vm.asid)
		if tile.MediaTLB != nil {
			mfence := fence.NewInvalidation(tile.MediaTLB, job, pt.start, pt.last, vm.asid)
			final = fence.Array(ifence, mfence)
		} else {
			final = ifence
		}
	}

	usage := UsageBookkeep
	if pt.waitVMBookkeep {
		usage = UsageKernel
	}
	vm.resv.Add(usage, final)

	for _, op := range v.List {
		v.opCommit(tile, pt, op, final, usage)
	}

	unlockNotifiers()
	return final, nil
}

func (v *VmaOps) bindOpCommit(tile *Tile, pt *updateOps, vma *VMA, f *fence.Fence,
	usage ResvUsage, invalidateOnBind bool) {
	vm := v.VM
	bit := uint32(1) << tile.ID

	if vma.ExternalResv != nil {
		vma.ExternalResv.Add(usage, f)
	}
	vma.tilePresent.Or(bit)
	if invalidateOnBind {
		vma.tileInvalidated.Or(bit)
	} else {
		vma.tileInvalidated.And(^bit)
	}
	vma.tileStaged &^= bit
	if vma.IsUserptr() {
		vma.Userptr.InitialBind = true
	}

	// Kick the rebind worker if this bind triggers preempt fences and
	// is not already running inside the worker.
	if pt.waitVMBookkeep && vm.mode.PreemptFence && !vm.workerContext && vm.rebindKick != nil {
		vm.rebindKick()
	}
}

func (v *VmaOps) unbindOpCommit(tile *Tile, vma *VMA, f *fence.Fence, usage ResvUsage) {
	vm := v.VM
	bit := uint32(1) << tile.ID

	if vma.ExternalResv != nil {
		vma.ExternalResv.Add(usage, f)
	}
	vma.tilePresent.And(^bit)
	if vma.tilePresent.Load() == 0 {
		vm.removeFromRebindList(vma)
	}
}

func rangeCommit(rng *SVMRange, tileID int, present bool) {
	bit := uint32(1) << tileID
	if present {
		rng.tilePresent.Or(bit)
		rng.tileInvalidated.And(^bit)
	} else {
		rng.tilePresent.And(^bit)
	}
}

func (v *VmaOps) opCommit(tile *Tile, pt *updateOps, op *Op, f *fence.Fence, usage ResvUsage) {
	vm := v.VM

	switch op.Type {
	case OpMap:
		if (!op.MapImmediate && vm.mode.Fault && !op.InvalidateOnBind) ||
			op.MapVMA.CpuAddrMirror {
			return
		}
		v.bindOpCommit(tile, pt, op.MapVMA, f, usage, op.InvalidateOnBind)
	case OpRemap:
		if op.RemapUnmap.CpuAddrMirror {
			return
		}
		v.unbindOpCommit(tile, op.RemapUnmap, f, usage)
		if op.RemapPrev != nil {
			v.bindOpCommit(tile, pt, op.RemapPrev, f, usage, false)
		}
		if op.RemapNext != nil {
			v.bindOpCommit(tile, pt, op.RemapNext, f, usage, false)
		}
	case OpUnmap:
		if !op.UnmapVMA.CpuAddrMirror {
			v.unbindOpCommit(tile, op.UnmapVMA, f, usage)
		}
	case OpPrefetch:
		if op.PrefetchVMA.CpuAddrMirror {
			for _, rng := range op.PrefetchRanges {
				rangeCommit(rng, tile.ID, true)
			}
		} else {
			v.bindOpCommit(tile, pt, op.PrefetchVMA, f, usage, false)
		}
	case OpDriver:
		switch op.Sub {
		case SubOpMapRange:
			rangeCommit(op.MapRange, tile.ID, true)
		case SubOpUnmapRange:
			rangeCommit(op.UnmapRange, tile.ID, false)
		}
	default:
		klog.Errorf("gpuvm: impossible op %d at commit", op.Type)
	}
}

// FiniOps releases the staged scratch of a completed batch and
// destroys the pagetables displaced past the commit point.
func (v *VmaOps) FiniOps(tile *Tile) {
	pt := v.pt[tile.ID]
	if pt == nil {
		return
	}
	for _, op := range pt.ops {
		freeEntries(op.entries)
	}
	for _, node := range pt.deferred {
		node.destroy(nil)
	}
	pt.deferred = nil
}

// AbortOps unwinds staging that did not reach the commit point, LIFO.
func (v *VmaOps) AbortOps(tile *Tile) {
	pt := v.pt[tile.ID]
	if pt == nil {
		return
	}
	for i := len(pt.ops) - 1; i >= 0; i-- {
		op := pt.ops[i]
		if op.bind {
			abortBind(op.entries, op.rebind)
		} else {
			abortUnbind(op.entries)
		}
	}
	v.FiniOps(tile)
}

// Exec runs the whole batch across the given tiles: prepare each,
// run each, abort everything on failure. Returns the composed fence
// per tile.
func (v *VmaOps) Exec(ctx context.Context, tiles []*Tile) ([]*fence.Fence, error) {
	vm := v.VM
	vm.Lock()
	defer vm.Unlock()

	prepared := 0
	for _, tile := range tiles {
		if err := v.PrepareOps(tile); err != nil {
			for i := 0; i < prepared; i++ {
				v.AbortOps(tiles[i])
			}
			v.AbortOps(tile)
			return nil, err
		}
		prepared++
	}

	var fences []*fence.Fence
	for i, tile := range tiles {
		f, err := v.RunOps(ctx, tile)
		if err != nil {
			// Tiles not yet run can still be unwound; committed ones
			// cannot.
			for j := i; j < len(tiles); j++ {
				v.AbortOps(tiles[j])
			}
			return nil, err
		}
		fences = append(fences, f)
	}
	for _, tile := range tiles {
		v.FiniOps(tile)
	}
	return fences, nil
}
