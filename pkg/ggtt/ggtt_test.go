/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

package ggtt

import (
	"testing"
)

const (
	wopcm = 4 << 20
	total = wopcm + 256<<20
)

func TestInsertPrefersHighAddresses(t *testing.T) {
	g := New(total, wopcm)

	var a, b Node
	if err := g.Insert(&a, 16<<20, 4096); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if a.End() != total {
		t.Errorf("first insert must sit at the top, end %#x != %#x", a.End(), uint64(total))
	}

	if err := g.Insert(&b, 16<<20, 4096); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if b.End() != a.Start {
		t.Errorf("second insert must stack below the first, end %#x != %#x", b.End(), a.Start)
	}
}

func TestInsertRespectsWopcm(t *testing.T) {
	g := New(total, wopcm)

	var node Node
	if err := g.Insert(&node, 256<<20, 4096); err != nil {
		t.Fatalf("full-size insert: %v", err)
	}
	if node.Start < wopcm {
		t.Errorf("allocation at %#x dips into WOPCM", node.Start)
	}

	var tooBig Node
	if err := g.Insert(&tooBig, 4096, 4096); err == nil {
		t.Error("insert into a full GGTT must fail")
	}
}

func TestRemoveReturnsSpace(t *testing.T) {
	g := New(total, wopcm)

	var node Node
	if err := g.Insert(&node, 64<<20, 4096); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if free := g.Free(4096); free != 192<<20 {
		t.Errorf("free after insert: %#x", free)
	}

	g.Remove(&node)
	if node.Allocated() {
		t.Error("node still allocated after remove")
	}
	if free := g.Free(4096); free != 256<<20 {
		t.Errorf("free after remove: %#x", free)
	}
}

func TestMaxHoleWithFragmentation(t *testing.T) {
	g := New(total, wopcm)

	// Carve two regions leaving a known largest hole.
	var top, mid Node
	if err := g.Insert(&top, 32<<20, 4096); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := g.Insert(&mid, 32<<20, 4096); err != nil {
		t.Fatalf("insert: %v", err)
	}
	g.Remove(&top)

	// Holes: 192 MiB at the bottom, 32 MiB at the top.
	if max := g.MaxHole(4096); max != 192<<20 {
		t.Errorf("max hole: expected %#x, got %#x", 192<<20, max)
	}
	if free := g.Free(4096); free != 224<<20 {
		t.Errorf("total free: expected %#x, got %#x", 224<<20, free)
	}
}

func TestSpaceOwnership(t *testing.T) {
	g := New(total, wopcm)

	var node Node
	if err := g.Insert(&node, 8<<20, 4096); err != nil {
		t.Fatalf("insert: %v", err)
	}

	g.SetSpaceOwner(3, &node)
	if owner := g.SpaceOwner(node.Start); owner != 3 {
		t.Errorf("owner: expected 3, got %d", owner)
	}
	if owner := g.SpaceOwner(node.End() - 1); owner != 3 {
		t.Errorf("last page owner: expected 3, got %d", owner)
	}

	g.SetSpaceOwner(PFID, &node)
	if owner := g.SpaceOwner(node.Start); owner != PFID {
		t.Errorf("owner after reset: expected PF, got %d", owner)
	}
}

func TestSaveRestorePTEs(t *testing.T) {
	g := New(total, wopcm)

	var node Node
	if err := g.Insert(&node, 1<<20, 4096); err != nil {
		t.Fatalf("insert: %v", err)
	}
	g.SetSpaceOwner(2, &node)

	buf := make([]byte, node.Size/PageSize*8)
	n, err := g.SavePTEs(&node, buf)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("short save: %d of %d", n, len(buf))
	}

	if err := g.RestorePTEs(4, &node, buf[:n]); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if owner := g.SpaceOwner(node.Start); owner != 4 {
		t.Errorf("restore must retag ownership, got %d", owner)
	}

	// Undersized buffers are rejected.
	if _, err := g.SavePTEs(&node, buf[:8]); err == nil {
		t.Error("undersized save buffer must fail")
	}
}
