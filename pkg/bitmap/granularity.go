/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

package bitmap

// Granularity maps between allocator bits and resource IDs when every
// bit represents a package of Size IDs. When the ID space is not an
// exact multiple of Size, the first package is smaller by Delta so that
// the bit count stays integral; the first slot always belongs to the PF.
type Granularity struct {
	Size  int // IDs per bit
	Delta int // shortfall of the first package
}

// NewGranularity describes an ID space of max IDs packaged Size at a
// time.
func NewGranularity(max, size int) Granularity {
	delta := 0
	if max%size != 0 {
		delta = size - max%size
	}
	return Granularity{Size: size, Delta: delta}
}

// TotalBits is the number of allocator bits covering the ID space.
func (g Granularity) TotalBits(max int) int {
	return (max + g.Delta) / g.Size
}

// EncodeCountFirst converts an ID count to bits for the first package
// holder (the PF).
func (g Granularity) EncodeCountFirst(numIDs int) int {
	return (numIDs + g.Delta) / g.Size
}

// EncodeCountOther converts an ID count to bits for any other holder.
func (g Granularity) EncodeCountOther(numIDs int) int {
	return numIDs / g.Size
}

// DecodeCountFirst converts bits back to an ID count for the first
// package holder.
func (g Granularity) DecodeCountFirst(numBits int) int {
	return numBits*g.Size - g.Delta
}

// DecodeCountOther converts bits back to an ID count for other holders.
func (g Granularity) DecodeCountOther(numBits int) int {
	return numBits * g.Size
}

// EncodeStart converts a start ID to a bit index. Start 0 is the PF
// package.
func (g Granularity) EncodeStart(startID int) int {
	if startID == 0 {
		return 0
	}
	return (startID + g.Delta) / g.Size
}

// DecodeStart converts a bit index back to a start ID.
func (g Granularity) DecodeStart(startBit int) int {
	if startBit == 0 {
		return 0
	}
	return startBit*g.Size - g.Delta
}

// AlignCount rounds an ID count up to the granularity; first is true
// for the PF whose package is Delta short.
func (g Granularity) AlignCount(numIDs int, first bool) int {
	if numIDs == 0 {
		return 0
	}
	aligned := (numIDs + g.Size - 1) / g.Size * g.Size
	if first {
		return aligned - g.Delta
	}
	return aligned
}
