/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

// Package bitmap implements the range allocator used for GuC doorbell
// and context-ID provisioning.
package bitmap

import (
	"errors"
	"fmt"
	"math/bits"
)

var ErrOutOfSpace = errors.New("bitmap: out of space")

// Bitmap tracks allocation of a contiguous ID space. A set bit means
// the slot is owned by some VF (or the PF). Not safe for concurrent
// use; callers hold the provisioning mutex.
type Bitmap struct {
	words []uint64
	size  int
	spare int
}

// New returns an allocator over [0, size).
func New(size int) *Bitmap {
	return &Bitmap{
		words: make([]uint64, (size+63)/64),
		size:  size,
	}
}

func (b *Bitmap) Size() int { return b.size }

// SetSpare reserves n slots that Reserve(..., true) refuses to hand out.
func (b *Bitmap) SetSpare(n int) { b.spare = n }

func (b *Bitmap) Spare() int { return b.spare }

func (b *Bitmap) test(i int) bool {
	return b.words[i/64]&(1<<(i%64)) != 0
}

// Set marks [start, start+num) allocated. Used to pre-seed PF-owned
// ranges; it is not an error to set bits twice.
func (b *Bitmap) Set(start, num int) {
	for i := start; i < start+num; i++ {
		b.words[i/64] |= 1 << (i % 64)
	}
}

// Release clears [start, start+num). Releasing clear bits indicates broken
// bookkeeping in the caller.
func (b *Bitmap) Release(start, num int) error {
	if start < 0 || start+num > b.size {
		return fmt.Errorf("release [%d, %d) out of range [0, %d)", start, start+num, b.size)
	}
	for i := start; i < start+num; i++ {
		if !b.test(i) {
			return fmt.Errorf("release of clear slot %d", i)
		}
		b.words[i/64] &^= 1 << (i % 64)
	}
	return nil
}

// clearRanges calls fn(start, end) for every maximal clear range.
func (b *Bitmap) clearRanges(fn func(start, end int)) {
	start := -1
	for i := 0; i < b.size; i++ {
		if !b.test(i) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			fn(start, i)
			start = -1
		}
	}
	if start >= 0 {
		fn(start, b.size)
	}
}

// Reserve finds num clear slots using best-fit selection: among clear
// ranges exactly num wide, the one with the greatest start wins;
// otherwise the smallest range wider than num is used and the slots are
// taken from its tail. With reserveSpare the allocation fails unless
// the configured spare remains free afterwards.
func (b *Bitmap) Reserve(num int, reserveSpare bool) (int, error) {
	if num <= 0 || num > b.size {
		return 0, fmt.Errorf("reserve %d of %d: %w", num, b.size, ErrOutOfSpace)
	}
	if reserveSpare && b.TotalFree(false)-num < b.spare {
		return 0, fmt.Errorf("reserve %d would consume %d spare slots: %w",
			num, b.spare, ErrOutOfSpace)
	}

	index := -1
	bestSize := b.size + 1
	lastEqual := -1
	b.clearRanges(func(start, end int) {
		size := end - start
		if size == num {
			lastEqual = start
		} else if size > num && size < bestSize {
			index = end - num
			bestSize = size
		}
	})
	if lastEqual >= 0 {
		index = lastEqual
	}
	if index < 0 {
		return 0, fmt.Errorf("no clear range of %d slots: %w", num, ErrOutOfSpace)
	}

	b.Set(index, num)
	return index, nil
}

// LargestFree reports the widest clear range, minus the spare when
// requested.
func (b *Bitmap) LargestFree(reserveSpare bool) int {
	largest := 0
	b.clearRanges(func(start, end int) {
		if end-start > largest {
			largest = end - start
		}
	})
	if reserveSpare {
		if largest <= b.spare {
			return 0
		}
		return largest - b.spare
	}
	return largest
}

// TotalFree reports the number of clear slots, minus the spare when
// requested.
func (b *Bitmap) TotalFree(reserveSpare bool) int {
	free := 0
	for i, w := range b.words {
		free += 64 - bits.OnesCount64(w)
		if i == len(b.words)-1 && b.size%64 != 0 {
			free -= 64 - b.size%64
		}
	}
	if reserveSpare {
		if free <= b.spare {
			return 0
		}
		return free - b.spare
	}
	return free
}
