/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

package gpuvm

// cancelBind throws away staging that never reached prepare: freshly
// built children are destroyed and the entries dropped.
func cancelBind(entries []*Update) {
	for _, entry := range entries {
		if entry.Node == nil {
			continue
		}
		if entry.Node.level > 0 {
			for j := 0; j < entry.Qwords; j++ {
				if child := entry.Entries[j].Child; child != nil {
					child.destroy(nil)
				}
			}
		}
		entry.Entries = nil
		entry.Qwords = 0
	}
}

// commitPrepareBind stages the new child pointers into the shadow
// tree before the PT job runs, remembering each displaced child in
// the entry so abort can put it back.
func commitPrepareBind(entries []*Update, rebind bool) {
	for _, entry := range entries {
		node := entry.Node

		if !rebind {
			node.numLive += entry.Qwords
		}
		if node.level == 0 {
			continue
		}
		for j := 0; j < entry.Qwords; j++ {
			idx := entry.Ofs + j
			newChild := entry.Entries[j].Child
			oldChild := node.staging[idx]
			node.staging[idx] = newChild
			entry.Entries[j].Child = oldChild
		}
	}
}

// commitPrepareUnbind detaches the removed children from the shadow
// tree, remembering them for abort or deferred destruction.
func commitPrepareUnbind(entries []*Update) {
	for _, entry := range entries {
		node := entry.Node

		node.numLive -= entry.Qwords
		if node.level == 0 {
			continue
		}
		for j := 0; j < entry.Qwords; j++ {
			idx := entry.Ofs + j
			entry.Entries[j].Child = node.staging[idx]
			node.staging[idx] = nil
		}
	}
}

// commit is the point-of-no-return swap: the shadow slots become the
// active tree and every displaced child is queued for destruction
// once its covering fences allow.
func commit(entries []*Update, deferred *[]*Node) {
	for _, entry := range entries {
		node := entry.Node
		if node.level == 0 {
			continue
		}
		for j := 0; j < entry.Qwords; j++ {
			idx := entry.Ofs + j
			displaced := entry.Entries[j].Child
			node.children[idx] = node.staging[idx]
			if displaced != nil {
				displaced.destroy(deferred)
			}
		}
	}
}

// abortBind unwinds commitPrepareBind in LIFO order: restore the
// displaced children and destroy the freshly staged ones.
func abortBind(entries []*Update, rebind bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		node := entry.Node

		if !rebind {
			node.numLive -= entry.Qwords
		}
		if node.level == 0 {
			continue
		}
		for j := 0; j < entry.Qwords; j++ {
			idx := entry.Ofs + j
			staged := node.staging[idx]
			node.staging[idx] = entry.Entries[j].Child
			if staged != nil {
				staged.destroy(nil)
			}
		}
	}
}

// abortUnbind restores the detached children, LIFO.
func abortUnbind(entries []*Update) {
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		node := entry.Node

		node.numLive += entry.Qwords
		if node.level == 0 {
			continue
		}
		for j := 0; j < entry.Qwords; j++ {
			idx := entry.Ofs + j
			node.staging[idx] = entry.Entries[j].Child
		}
	}
}

// freeEntries drops the staged scratch of a finished op.
func freeEntries(entries []*Update) {
	for _, entry := range entries {
		entry.Entries = nil
	}
}
