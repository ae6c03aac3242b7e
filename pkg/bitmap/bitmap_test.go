/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

package bitmap

import (
	"errors"
	"testing"
)

func TestReserveBestFit(t *testing.T) {
	// Layout: [0,8) free, [8,12) set, [12,16) free, [16,20) set, [20,24) free.
	b := New(24)
	b.Set(8, 4)
	b.Set(16, 4)

	// Two equal-size holes of 4: the one with the greatest start wins.
	start, err := b.Reserve(4, false)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if start != 20 {
		t.Errorf("expected highest equal hole at 20, got %d", start)
	}

	// No 2-hole exists; the smallest larger hole is [12,16), which gives
	// up its tail.
	start, err = b.Reserve(2, false)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if start != 12+2 {
		t.Errorf("expected tail of the smallest larger hole (14), got %d", start)
	}
}

func TestReserveSetsRange(t *testing.T) {
	b := New(64)
	start, err := b.Reserve(16, false)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	for i := start; i < start+16; i++ {
		if !b.test(i) {
			t.Fatalf("slot %d not set after reserve", i)
		}
	}
	if free := b.TotalFree(false); free != 48 {
		t.Errorf("expected 48 free, got %d", free)
	}
}

func TestReserveHonorsSpare(t *testing.T) {
	b := New(32)
	b.SetSpare(8)

	if _, err := b.Reserve(30, true); !errors.Is(err, ErrOutOfSpace) {
		t.Errorf("expected ErrOutOfSpace, got %v", err)
	}
	if _, err := b.Reserve(24, true); err != nil {
		t.Errorf("24 of 32 with 8 spare should fit: %v", err)
	}
}

func TestReleaseRoundTrip(t *testing.T) {
	b := New(16)
	start, err := b.Reserve(8, false)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := b.Release(start, 8); err != nil {
		t.Fatalf("release: %v", err)
	}
	if free := b.TotalFree(false); free != 16 {
		t.Errorf("expected all free after release, got %d", free)
	}
	if err := b.Release(start, 8); err == nil {
		t.Error("double release should fail")
	}
}

func TestLargestFree(t *testing.T) {
	b := New(40)
	b.Set(10, 5)
	if largest := b.LargestFree(false); largest != 25 {
		t.Errorf("expected 25, got %d", largest)
	}
	b.SetSpare(10)
	if largest := b.LargestFree(true); largest != 15 {
		t.Errorf("expected 15 with spare, got %d", largest)
	}
}

func TestGranularityEncodeDecode(t *testing.T) {
	// GuC context IDs: 65535 total in packages of 128, delta = 1.
	g := NewGranularity(65535, 128)
	if g.Delta != 1 {
		t.Fatalf("expected delta 1, got %d", g.Delta)
	}
	if bits := g.TotalBits(65535); bits != 512 {
		t.Errorf("expected 512 bits, got %d", bits)
	}

	tests := []struct {
		name string
		got  int
		want int
	}{
		{"encode count other", g.EncodeCountOther(256), 2},
		{"encode count first", g.EncodeCountFirst(127), 1},
		{"decode count other", g.DecodeCountOther(2), 256},
		{"decode count first", g.DecodeCountFirst(1), 127},
		{"encode start", g.EncodeStart(127), 1},
		{"decode start", g.DecodeStart(1), 127},
		{"align other", g.AlignCount(100, false), 128},
		{"align first", g.AlignCount(100, true), 127},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: expected %d, got %d", tt.name, tt.want, tt.got)
		}
	}

	// Round trips on package boundaries.
	for _, n := range []int{128, 256, 1024} {
		if back := g.DecodeCountOther(g.EncodeCountOther(n)); back != n {
			t.Errorf("count round trip %d -> %d", n, back)
		}
	}
}
