/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

package gpuvm

import "fmt"

// StagedEntry is one staged qword: the PTE value the job will write
// and, for directory entries, the child node the value points at
// (repurposed to hold the displaced child between prepare and abort).
type StagedEntry struct {
	Pte   uint64
	Child *Node
}

// Update is one staged update: Qwords entries of Node starting at Ofs
// will be written by the PT job, with staged child pointers swapped in
// at commit.
type Update struct {
	Node    *Node
	Ofs     int
	Qwords  int
	Entries []StagedEntry
}

// ptUpdate tracks the active update per level during a walk.
type ptUpdate struct {
	update      *Update
	parent      *Node
	preexisting bool
}

// walkUpdates collects the staged updates of one walk.
type walkUpdates struct {
	entries []*Update // caller-provided storage semantics, cap MaxStagedEntries
	updates [VMMaxLevel + 1]ptUpdate
}

// newShared opens (or reuses) the update entry for a shared parent.
// For each level only one update can be active at a time; moving to a
// new parent at a level closes the previous one.
func (wupd *walkUpdates) newShared(parent *Node, offset int, allocEntries bool) (*ptUpdate, error) {
	upd := &wupd.updates[parent.level]
	if upd.parent == parent {
		return upd, nil
	}

	if len(wupd.entries) == MaxStagedEntries {
		return nil, fmt.Errorf("gpuvm: more than %d staged updates", MaxStagedEntries)
	}

	entry := &Update{
		Node: parent,
		Ofs:  offset,
	}
	if allocEntries {
		entry.Entries = make([]StagedEntry, Pdes)
	}
	wupd.entries = append(wupd.entries, entry)

	upd.parent = parent
	upd.preexisting = true
	upd.update = entry
	return upd, nil
}
