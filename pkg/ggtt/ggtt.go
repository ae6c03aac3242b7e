/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

// Package ggtt models the Global Graphics Translation Table address
// space that the PF partitions between itself and the VFs.
package ggtt

import (
	"fmt"
	"sort"
	"sync"

	"k8s.io/klog/v2"

	"github.com/intel/intel-gpu-iov-manager/pkg/guc"
)

const (
	// PageSize is the granularity of one GGTT PTE.
	PageSize = 4096

	// PFID tags PTEs owned by the physical function.
	PFID = 0
)

// Node is an allocated region of the GGTT. The zero value is an
// unallocated node.
type Node struct {
	Start uint64
	Size  uint64
}

func (n *Node) Allocated() bool { return n.Size != 0 }
func (n *Node) End() uint64     { return n.Start + n.Size }

// GGTT is one tile's global address space. The WOPCM base is excluded
// from allocation; everything between base and total belongs to the PF
// until inserted.
type GGTT struct {
	mu    sync.Mutex
	total uint64
	base  uint64 // bottom reserved region (WOPCM); allocations start here
	nodes []*Node

	// owners tags each PTE page with the VFID it is provisioned to.
	owners []uint32
}

// New creates a GGTT covering [0, total) with [0, wopcm) reserved.
func New(total, wopcm uint64) *GGTT {
	return &GGTT{
		total:  total,
		base:   wopcm,
		owners: make([]uint32, total/PageSize),
	}
}

func (g *GGTT) Total() uint64 { return g.total }
func (g *GGTT) Base() uint64  { return g.base }

// holes calls fn(start, end) for every free range above base, in
// address order.
func (g *GGTT) holes(fn func(start, end uint64)) {
	cursor := g.base
	for _, node := range g.nodes {
		if node.Start > cursor {
			fn(cursor, node.Start)
		}
		if node.End() > cursor {
			cursor = node.End()
		}
	}
	if cursor < g.total {
		fn(cursor, g.total)
	}
}

func alignUp(v, a uint64) uint64   { return (v + a - 1) / a * a }
func alignDown(v, a uint64) uint64 { return v / a * a }

// Free returns the total free space counted in alignment-sized steps.
func (g *GGTT) Free(alignment uint64) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	var free uint64
	g.holes(func(start, end uint64) {
		start = alignUp(start, alignment)
		end = alignDown(end, alignment)
		if start < end {
			free += end - start
		}
	})
	return free
}

// MaxHole returns the largest free hole usable for provisioning.
func (g *GGTT) MaxHole(alignment uint64) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	var max uint64
	g.holes(func(start, end uint64) {
		start = alignUp(start, alignment)
		end = alignDown(end, alignment)
		if start >= end {
			return
		}
		size := end - start
		klog.V(5).Infof("ggtt hole %#x size %dK", start, size/1024)
		if size > max {
			max = size
		}
	})
	return max
}

// Insert allocates size bytes into node, preferring the highest
// suitable address (the PF keeps low addresses for its own pins).
func (g *GGTT) Insert(node *Node, size, alignment uint64) error {
	if node.Allocated() {
		return fmt.Errorf("ggtt: node %#x already allocated", node.Start)
	}
	if size == 0 || size%alignment != 0 {
		return fmt.Errorf("ggtt: bad size %#x (alignment %#x): %w", size, alignment, guc.ErrNoSpace)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var bestStart uint64
	found := false
	g.holes(func(start, end uint64) {
		start = alignUp(start, alignment)
		end = alignDown(end, alignment)
		if start >= end || end-start < size {
			return
		}
		// Top of the hole, highest hole wins.
		candidate := end - size
		if !found || candidate > bestStart {
			bestStart = candidate
			found = true
		}
	})
	if !found {
		return fmt.Errorf("ggtt: no hole for %#x bytes: %w", size, guc.ErrNoSpace)
	}

	node.Start = bestStart
	node.Size = size
	g.nodes = append(g.nodes, node)
	sort.Slice(g.nodes, func(i, j int) bool { return g.nodes[i].Start < g.nodes[j].Start })
	return nil
}

// Remove releases a node allocated with Insert.
func (g *GGTT) Remove(node *Node) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, n := range g.nodes {
		if n == node {
			g.nodes = append(g.nodes[:i], g.nodes[i+1:]...)
			break
		}
	}
	node.Start = 0
	node.Size = 0
}

// SetSpaceOwner tags every PTE page in the node with vfid. FLR finish
// uses this to return a VF's region to the PF before the range can be
// reassigned.
func (g *GGTT) SetSpaceOwner(vfid uint32, node *Node) {
	if !node.Allocated() {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	for page := node.Start / PageSize; page < node.End()/PageSize; page++ {
		g.owners[page] = vfid
	}
}

// SpaceOwner reports the owner of the PTE page containing addr.
func (g *GGTT) SpaceOwner(addr uint64) uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.owners[addr/PageSize]
}

// SavePTEs serializes the ownership-stripped PTEs of a node; one dword
// pair per page. RestorePTEs takes such an image back and retags the
// region with vfid.
func (g *GGTT) SavePTEs(node *Node, buf []byte) (int, error) {
	if !node.Allocated() {
		return 0, fmt.Errorf("ggtt: save of unallocated node: %w", guc.ErrNoData)
	}
	need := int(node.Size / PageSize * 8)
	if len(buf) < need {
		return 0, fmt.Errorf("ggtt: buffer %d for %d bytes of ptes: %w", len(buf), need, guc.ErrNoBufs)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	out := 0
	for page := node.Start / PageSize; page < node.End()/PageSize; page++ {
		pte := page * PageSize // identity PTE without the VFID tag
		for b := 0; b < 8; b++ {
			buf[out] = byte(pte >> (8 * b))
			out++
		}
	}
	return out, nil
}

// RestorePTEs checks that a previously saved PTE image covers the node
// and retags the region's ownership to vfid. The model keeps no PTE
// values besides ownership, so the image contents are not applied.
func (g *GGTT) RestorePTEs(vfid uint32, node *Node, buf []byte) error {
	if !node.Allocated() {
		return fmt.Errorf("ggtt: restore of unallocated node: %w", guc.ErrNoData)
	}
	need := int(node.Size / PageSize * 8)
	if len(buf) < need {
		return fmt.Errorf("ggtt: buffer %d for %d bytes of ptes: %w", len(buf), need, guc.ErrNoBufs)
	}
	g.mu.Lock()
	for page := node.Start / PageSize; page < node.End()/PageSize; page++ {
		g.owners[page] = vfid
	}
	g.mu.Unlock()
	return nil
}
