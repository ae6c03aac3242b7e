/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

package gpuvm

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"
)

// ErrAgain asks fault-mode callers to retry the whole operation after
// the racing invalidation settles.
var ErrAgain = errors.New("gpuvm: operation raced with invalidation, retry")

// ErrKilled is returned for any operation on a wedged VM.
var ErrKilled = errors.New("gpuvm: vm is wedged")

// OpType enumerates the VM operations.
type OpType int

const (
	OpMap OpType = iota
	OpRemap
	OpUnmap
	OpPrefetch
	OpDriver
)

// SubOp refines OpDriver for mirrored-address ranges.
type SubOp int

const (
	SubOpNone SubOp = iota
	SubOpMapRange
	SubOpUnmapRange
)

// Op is one queued VM operation.
type Op struct {
	Type OpType

	// OpMap
	MapVMA           *VMA
	MapImmediate     bool
	InvalidateOnBind bool

	// OpRemap: unmap plus optional prev/next splits.
	RemapUnmap *VMA
	RemapPrev  *VMA
	RemapNext  *VMA

	// OpUnmap / OpPrefetch
	UnmapVMA    *VMA
	PrefetchVMA *VMA
	// PrefetchRanges: SVM ranges a mirror prefetch touches.
	PrefetchRanges []*SVMRange

	// OpDriver
	Sub         SubOp
	MapRangeVMA *VMA
	MapRange    *SVMRange
	UnmapRange  *SVMRange
}

// VmaOps is the batch of operations prepared and run against one or
// more tiles.
type VmaOps struct {
	VM   *VM
	List []*Op

	pt [MaxTiles]*updateOps
}

func NewVmaOps(vm *VM) *VmaOps { return &VmaOps{VM: vm} }

func (v *VmaOps) Add(op *Op) { v.List = append(v.List, op) }

// ptOp is one operation's staged updates on one tile.
type ptOp struct {
	vma     *VMA
	rng     *SVMRange
	bind    bool
	rebind  bool
	entries []*Update
}

// updateOps aggregates one tile's staged state across the batch.
type updateOps struct {
	ops   []*ptOp
	start uint64
	last  uint64

	needsInvalidation bool
	needsUserptrLock  bool
	needsSvmLock      bool
	waitVMKernel      bool
	waitVMBookkeep    bool

	deferred []*Node
}

func newUpdateOps() *updateOps {
	return &updateOps{start: ^uint64(0)}
}

// rfenceInterval grows the tile's fence interval to the page-aligned
// span of the highest level the op's entries touch.
func (pt *updateOps) rfenceInterval(entries []*Update, start, end uint64) {
	level := 0
	for _, entry := range entries {
		if entry.Node.level > level {
			level = entry.Node.level
		}
	}
	size := uint64(1) << normalShifts[level]
	start = alignDown(start, size)
	last := alignUp(end, size) - 1

	if start < pt.start {
		pt.start = start
	}
	if last > pt.last {
		pt.last = last
	}
}

func (vm *VM) bindOpPrepare(tile *Tile, pt *updateOps, vma *VMA, invalidateOnBind bool) error {
	bit := uint32(1) << tile.ID
	rebind := vma.tilePresent.Load()&bit != 0

	klog.V(5).Infof("preparing bind, range [%#x...%#x)", vma.Start, vma.End-1)

	entries, err := vm.stageBind(tile, vma, nil, invalidateOnBind)
	if err != nil {
		cancelBind(entries)
		return err
	}

	pt.rfenceInterval(entries, vma.Start, vma.End)
	pt.needsUserptrLock = pt.needsUserptrLock || vma.IsUserptr()

	// A fresh bind on a scratch-enabled long-running VM may have its
	// scratch PTE cached; a rebind outside LR mode points cached PTEs
	// at freed memory. Both need the TLB flushed.
	if !rebind && vm.mode.Scratch && vm.mode.LR {
		pt.needsInvalidation = true
	} else if rebind && !vm.mode.LR {
		pt.needsInvalidation = true
		vm.tlbFlushSeqno++
	}

	vma.tileStaged |= bit
	commitPrepareBind(entries, rebind)
	pt.ops = append(pt.ops, &ptOp{vma: vma, bind: true, rebind: rebind, entries: entries})
	return nil
}

func (vm *VM) bindRangePrepare(tile *Tile, pt *updateOps, vma *VMA, rng *SVMRange) error {
	bit := uint32(1) << tile.ID
	rebind := rng.tilePresent.Load()&bit != 0

	entries, err := vm.stageBind(tile, vma, rng, false)
	if err != nil {
		cancelBind(entries)
		return err
	}

	pt.rfenceInterval(entries, rng.Start, rng.End)
	pt.needsSvmLock = true

	commitPrepareBind(entries, rebind)
	pt.ops = append(pt.ops, &ptOp{vma: vma, rng: rng, bind: true, rebind: rebind, entries: entries})
	return nil
}

func (vm *VM) unbindOpPrepare(tile *Tile, pt *updateOps, vma *VMA) error {
	bit := uint32(1) << tile.ID
	if (vma.tilePresent.Load()|vma.tileStaged)&bit == 0 {
		return nil
	}

	klog.V(5).Infof("preparing unbind, range [%#x...%#x)", vma.Start, vma.End-1)

	entries := vm.stageUnbind(tile, vma, nil)

	pt.rfenceInterval(entries, vma.Start, vma.End)
	pt.needsUserptrLock = pt.needsUserptrLock || vma.IsUserptr()
	pt.needsInvalidation = true

	commitPrepareUnbind(entries)
	pt.ops = append(pt.ops, &ptOp{vma: vma, bind: false, entries: entries})
	return nil
}

// rangeSkipInvalidation: removing exactly the PTEs of the range (one
// level-0 update, or one level-1 update for a ≥2 MiB range) cannot
// leave stale translations beyond what the caller already flushed.
func rangeSkipInvalidation(entries []*Update, rng *SVMRange) bool {
	if len(entries) != 1 {
		return false
	}
	switch entries[0].Node.level {
	case 0:
		return true
	case 1:
		return rng.Size() >= 2<<20
	default:
		return false
	}
}

func (vm *VM) unbindRangePrepare(tile *Tile, pt *updateOps, rng *SVMRange) error {
	bit := uint32(1) << tile.ID
	if rng.tilePresent.Load()&bit == 0 {
		return nil
	}

	entries := vm.stageUnbind(tile, nil2vma(rng), rng)

	pt.rfenceInterval(entries, rng.Start, rng.End)
	pt.needsSvmLock = true
	pt.needsInvalidation = pt.needsInvalidation || vm.mode.Scratch ||
		rng.tilePresent.Load()&^rng.tileInvalidated.Load()&bit != 0 ||
		!rangeSkipInvalidation(entries, rng)

	commitPrepareUnbind(entries)
	pt.ops = append(pt.ops, &ptOp{rng: rng, bind: false, entries: entries})
	return nil
}

// nil2vma adapts an SVM-only op to the staging interfaces that take a
// vma for range bounds.
func nil2vma(rng *SVMRange) *VMA {
	return &VMA{Start: rng.Start, End: rng.End}
}

func (vm *VM) opPrepare(tile *Tile, pt *updateOps, op *Op) error {
	switch op.Type {
	case OpMap:
		if (!op.MapImmediate && vm.mode.Fault && !op.InvalidateOnBind) ||
			op.MapVMA.CpuAddrMirror {
			return nil
		}
		if err := vm.bindOpPrepare(tile, pt, op.MapVMA, op.InvalidateOnBind); err != nil {
			return err
		}
		pt.waitVMKernel = true
		return nil

	case OpRemap:
		if op.RemapUnmap.CpuAddrMirror {
			return nil
		}
		if err := vm.unbindOpPrepare(tile, pt, op.RemapUnmap); err != nil {
			return err
		}
		if op.RemapPrev != nil {
			if err := vm.bindOpPrepare(tile, pt, op.RemapPrev, false); err != nil {
				return err
			}
			pt.waitVMBookkeep = true
		}
		if op.RemapNext != nil {
			if err := vm.bindOpPrepare(tile, pt, op.RemapNext, false); err != nil {
				return err
			}
			pt.waitVMBookkeep = true
		}
		return nil

	case OpUnmap:
		if op.UnmapVMA.CpuAddrMirror {
			return nil
		}
		return vm.unbindOpPrepare(tile, pt, op.UnmapVMA)

	case OpPrefetch:
		if op.PrefetchVMA.CpuAddrMirror {
			for _, rng := range op.PrefetchRanges {
				if err := vm.bindRangePrepare(tile, pt, op.PrefetchVMA, rng); err != nil {
					return err
				}
			}
			return nil
		}
		if err := vm.bindOpPrepare(tile, pt, op.PrefetchVMA, false); err != nil {
			return err
		}
		pt.waitVMKernel = true
		return nil

	case OpDriver:
		switch op.Sub {
		case SubOpMapRange:
			return vm.bindRangePrepare(tile, pt, op.MapRangeVMA, op.MapRange)
		case SubOpUnmapRange:
			return vm.unbindRangePrepare(tile, pt, op.UnmapRange)
		}
		return fmt.Errorf("gpuvm: driver op without subop")

	default:
		return fmt.Errorf("gpuvm: impossible op %d", op.Type)
	}
}

// PrepareOps stages every op of the batch for one tile: internal PT
// state is updated, fresh tables built, and leaf updates recorded for
// the PT job. Caller holds the VM lock.
func (v *VmaOps) PrepareOps(tile *Tile) error {
	vm := v.VM
	if vm.killed {
		return ErrKilled
	}

	pt := newUpdateOps()
	v.pt[tile.ID] = pt

	for _, op := range v.List {
		if err := vm.opPrepare(tile, pt, op); err != nil {
			return err
		}
	}
	return nil
}

// checkUserptr re-validates every userptr VMA against its notifier
// sequence under the notifier read lock. In fault mode a race aborts
// the commit; otherwise the rebind worker picks the VMA up later.
func (v *VmaOps) checkUserptr(pt *updateOps) error {
	vm := v.VM
	for _, op := range pt.ops {
		if op.vma == nil || !op.vma.IsUserptr() || !op.bind {
			continue
		}
		if op.vma.Userptr.NotifierSeq.Load() == op.vma.Userptr.BoundSeq {
			continue
		}
		if vm.mode.Fault {
			return ErrAgain
		}
		// The rebind worker takes care of this VMA.
		vm.addToRebindList(op.vma)
	}
	return nil
}

// checkSvm re-validates every SVM range's pages under the notifier
// lock.
func (v *VmaOps) checkSvm(pt *updateOps) error {
	for _, op := range pt.ops {
		if op.rng == nil || !op.bind {
			continue
		}
		if !op.rng.PagesValid() {
			return ErrAgain
		}
	}
	return nil
}
