/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

package gpuvm

import (
	"fmt"
)

// bindWalk builds a disconnected page-table tree for an address range:
// fresh subtrees are attached into the staging shadow of preexisting
// parents, and writes into preexisting (shared) tables are staged as
// update entries for the PT job.
type bindWalk struct {
	w *walker

	vm   *VM
	tile *Tile
	vma  *VMA

	defaultVramPte   uint64
	defaultSystemPte uint64
	needs64K         bool
	clearPt          bool

	curs        *cursor
	vaCursStart uint64

	wupd walkUpdates

	l0EndAddr uint64
	addr64K   uint64
	found64K  bool
}

// insertEntry places one PTE either directly into a freshly built
// (non-preexisting) parent, or as a staged update on a shared one.
func (b *bindWalk) insertEntry(parent *Node, offset int, child *Node, pte uint64) error {
	upd, err := b.wupd.newShared(parent, offset, true)
	if err != nil {
		return err
	}

	// Register the new pagetable so a later insertion at its level
	// does not mistake it for a shared one.
	if child != nil {
		childUpd := &b.wupd.updates[child.level]
		childUpd.update = nil
		childUpd.parent = child
		childUpd.preexisting = false
	}

	if !upd.preexisting {
		// Continue building a non-connected subtree.
		if child != nil {
			parent.children[offset] = child
			parent.staging[offset] = child
		}
		parent.bo.Write(offset, pte)
		parent.numLive++
		return nil
	}

	// Shared pagetable: stage the write.
	entry := upd.update
	idx := offset - entry.Ofs
	entry.Entries[idx] = StagedEntry{Pte: pte, Child: child}
	entry.Qwords++
	return nil
}

// hugeptePossible reports whether [addr, next) can be mapped by one
// huge leaf at this level.
func (b *bindWalk) hugeptePossible(addr, next uint64, level int) bool {
	if level > MaxHugepteLevel {
		return false
	}
	if !ptCovers(addr, next, level, b.w.shifts) {
		return false
	}
	// The DMA segment must cover the whole pte.
	if !b.vma.IsNull() && !b.clearPt {
		if next-addr > b.curs.remaining() {
			return false
		}
		size := next - addr
		if !isAligned(b.curs.dma(), size) {
			return false
		}
	}
	return true
}

// scan64K checks whether [addr, next) is backed by 64 KiB-aligned
// contiguous memory throughout, without moving the walk cursor.
func (b *bindWalk) scan64K(addr, next uint64) bool {
	if !isAligned(addr, Size64K) {
		return false
	}
	if next > b.l0EndAddr {
		return false
	}
	if b.vma.IsNull() || b.clearPt {
		return true
	}

	curs := b.curs.clone()
	curs.advance(addr - b.vaCursStart)
	for ; addr < next; addr += Size64K {
		if !isAligned(curs.dma(), Size64K) || curs.remaining() < Size64K {
			return false
		}
		curs.advance(Size64K)
	}
	return true
}

// isPtePs64K groups 4 KiB leaves into 64 KiB runs for the PS64 hint,
// caching the last found run.
func (b *bindWalk) isPtePs64K(addr uint64) bool {
	if b.found64K && addr-b.addr64K < Size64K {
		return true
	}
	b.found64K = b.scan64K(addr, addr+Size64K)
	b.addr64K = addr
	return b.found64K
}

func (b *bindWalk) leafPte(addr, next uint64, level int) (uint64, error) {
	if b.clearPt {
		return 0, nil
	}

	isNull := b.vma.IsNull()
	var pte uint64
	if !isNull {
		pte = b.curs.dma() & pteAddrMask
		if b.curs.vram() {
			pte |= b.defaultVramPte
		} else {
			pte |= b.defaultSystemPte
		}
	}
	pte |= PtePresent | PteRW
	return pte, nil
}

func (b *bindWalk) enter(parent *Node, offset int, level int, addr, next uint64, child **Node) (walkAction, error) {
	// Leaf entry, either level 0 or a huge pte further up.
	if level == 0 || b.hugeptePossible(addr, next, level) {
		pte, err := b.leafPte(addr, next, level)
		if err != nil {
			return actionContinue, err
		}

		isVram := !b.vma.IsNull() && !b.clearPt && b.curs.vram()

		// The PS64 hint applies to normal 4K level-0 tables only;
		// devices that require 64K VRAM pages fail hard instead of
		// silently mapping small pages.
		if !b.clearPt && level == 0 && !parent.isCompact {
			if b.isPtePs64K(addr) {
				b.vma.pteFlags |= vmaPte64K
				pte |= PtePs64
			} else if b.needs64K && isVram {
				return actionContinue, fmt.Errorf("gpuvm: vram leaf at %#x is not 64K backed", addr)
			}
		}

		if err := b.insertEntry(parent, offset, nil, pte); err != nil {
			return actionContinue, err
		}

		if !b.vma.IsNull() && !b.clearPt {
			b.curs.advance(next - addr)
		}
		b.vaCursStart = next
		b.vma.pteFlags |= vmaPte4K << level
		return actionContinue, nil
	}

	// Descending: the level-0 boundary resets any compact layout from
	// an earlier sibling subtree.
	if level == 1 {
		b.w.shifts = normalShifts
		b.l0EndAddr = next
	}

	covers := ptCovers(addr, next, level, b.w.shifts)
	if covers || *child == nil {
		node, err := b.vm.newNode(b.tile, level-1)
		if err != nil {
			return actionContinue, err
		}
		if !covers {
			b.vm.populateEmpty(b.tile, node)
		}
		*child = node

		var flags uint64
		// Compact layout for a fully covered 2 MiB region of 64 KiB
		// pages: the level-0 table shrinks to 32 live entries.
		if level == 1 && covers && b.scan64K(addr, next) {
			b.w.shifts = compactShifts
			b.vma.pteFlags |= vmaPteCompact
			flags |= PdePs64K
			node.isCompact = true
		}

		pde := node.bo.Addr&pteAddrMask | PtePresent | PteRW | flags
		if err := b.insertEntry(parent, offset, node, pde); err != nil {
			return actionContinue, err
		}
	}
	return actionSubtree, nil
}

func (b *bindWalk) exit(parent *Node, offset int, level int, addr, next uint64, child **Node) error {
	return nil
}

// stageBind builds the staged updates mapping [start, end) of the vma
// (or SVM range) on one tile. With clearPt set, the walk emits zero
// PTEs instead of mappings. The produced entries connect the new
// subtree to the main tree at commit.
func (vm *VM) stageBind(tile *Tile, vma *VMA, rng *SVMRange, clearPt bool) ([]*Update, error) {
	start, end := vma.Start, vma.End
	backing := vma.Backing
	if rng != nil {
		start, end = rng.Start, rng.End
		backing = rng.Backing
	}
	if start >= end || !isAligned(start, PageSize) || !isAligned(end, PageSize) {
		return nil, fmt.Errorf("gpuvm: bad bind range [%#x, %#x)", start, end)
	}

	b := &bindWalk{
		vm:       vm,
		tile:     tile,
		vma:      vma,
		needs64K: vma.Needs64K,
		clearPt:  clearPt,

		defaultVramPte:   PteVram,
		defaultSystemPte: 0,

		curs:        newCursor(backing),
		vaCursStart: start,
	}
	if vma.Atomic {
		b.defaultVramPte |= PteAtomic
		b.defaultSystemPte |= PteAtomic
	}
	b.w = &walker{
		shifts:   normalShifts,
		maxLevel: HighestLevel,
		staging:  true,
		ops:      b,
	}

	root := vm.ptRoot[tile.ID]
	if err := b.w.walkShared(root, root.level, start, end); err != nil {
		return nil, err
	}
	if len(b.wupd.entries) == 0 {
		return nil, fmt.Errorf("gpuvm: bind of [%#x, %#x) staged nothing", start, end)
	}
	return b.wupd.entries, nil
}
