/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

package gpuvm

// unbindWalk builds the staged updates removing [start, end): whole
// subtrees that the range is the only user of are marked destructible
// and their parent slot zeroed; partially covered tables get
// per-entry zeroing updates.
type unbindWalk struct {
	w *walker

	tile *Tile

	// modifiedStart/End widen the walk range to swallow pagetables
	// the range is the sole user of, so higher levels do not treat
	// them as shared.
	modifiedStart uint64
	modifiedEnd   uint64

	wupd walkUpdates
}

// checkKill reports whether child (at the given level) is populated
// only by the walked range and can be destroyed wholesale. The walk
// bounds widen to the enclosing entry so the parent level records the
// removal.
func (u *unbindWalk) checkKill(addr, next uint64, level int, child *Node) bool {
	shift := u.w.shifts[level]
	size := uint64(1) << shift

	if isAligned(addr, size) && isAligned(next, size) &&
		int((next-addr)>>shift) == child.numLive {
		parentSize := uint64(1) << u.w.shifts[level+1]

		if u.modifiedStart >= addr {
			u.modifiedStart = alignDown(addr, parentSize)
		}
		if u.modifiedEnd <= next {
			u.modifiedEnd = alignUp(next, parentSize)
		}
		return true
	}
	return false
}

// nonsharedOffsets computes the entry span of [addr, end) at a level
// that no other range shares. Level 0 spans are never shared below.
func (u *unbindWalk) nonsharedOffsets(addr, end uint64, level int) (int, int, bool) {
	size := uint64(1) << u.w.shifts[level]
	offset := ptOffset(addr, level, u.w.shifts)
	endOffset := ptNumEntries(addr, end, level, u.w.shifts) + offset

	if level == 0 {
		return offset, endOffset, true
	}
	if !isAligned(addr, size) {
		offset++
	}
	if !isAligned(end, size) {
		endOffset--
	}
	return offset, endOffset, endOffset > offset
}

func (u *unbindWalk) enter(parent *Node, offset int, level int, addr, next uint64, child **Node) (walkAction, error) {
	node := *child
	if node == nil {
		return actionContinue, nil
	}
	if u.checkKill(addr, next, level-1, node) {
		return actionContinue, nil
	}
	return actionSubtree, nil
}

func (u *unbindWalk) exit(parent *Node, offset int, level int, addr, next uint64, child **Node) error {
	node := *child
	if node == nil {
		return nil
	}

	// parent aliases *child exactly when this is the root's own exit;
	// the root records updates at its own level and is never killed.
	childLevel := level - 1
	root := node == parent
	if root {
		childLevel = level
	}

	size := uint64(1) << u.w.shifts[childLevel]
	if !isAligned(addr, size) {
		addr = u.modifiedStart
	}
	if !isAligned(next, size) {
		next = u.modifiedEnd
	}

	if !root && u.checkKill(addr, next, childLevel, node) {
		return nil
	}

	ofs, endOfs, ok := u.nonsharedOffsets(addr, next, childLevel)
	if !ok {
		return nil
	}

	upd, err := u.wupd.newShared(node, ofs, true)
	if err != nil {
		return err
	}
	upd.update.Qwords = endOfs - ofs
	return nil
}

// stageUnbind builds the update structures removing the vma's (or SVM
// range's) mapping on one tile. The removal of private subtrees must
// be committed in the same critical section that blocks racing binds.
func (vm *VM) stageUnbind(tile *Tile, vma *VMA, rng *SVMRange) []*Update {
	start, end := vma.Start, vma.End
	if rng != nil {
		start, end = rng.Start, rng.End
	}

	u := &unbindWalk{
		tile:          tile,
		modifiedStart: start,
		modifiedEnd:   end,
	}
	u.w = &walker{
		shifts:   normalShifts,
		maxLevel: HighestLevel,
		staging:  true,
		ops:      u,
	}

	root := vm.ptRoot[tile.ID]
	_ = u.w.walkShared(root, root.level, start, end)
	return u.wupd.entries
}
