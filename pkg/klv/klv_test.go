/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

package klv

import (
	"errors"
	"testing"
)

func TestAppendU32Layout(t *testing.T) {
	blob := AppendU32(nil, KeyNumContexts, 128)
	if len(blob) != 2 {
		t.Fatalf("expected 2 dwords, got %d", len(blob))
	}
	if blob[0] != 0x0004_0001 {
		t.Errorf("header: expected 0x00040001, got %#08x", blob[0])
	}
	if blob[1] != 128 {
		t.Errorf("value: expected 128, got %d", blob[1])
	}
}

func TestAppendU64Order(t *testing.T) {
	blob := AppendU64(nil, KeyGgttSize, 0x1_2345_6789)
	if len(blob) != 3 {
		t.Fatalf("expected 3 dwords, got %d", len(blob))
	}
	if HeaderLen(blob[0]) != 2 {
		t.Errorf("expected len 2, got %d", HeaderLen(blob[0]))
	}
	if blob[1] != 0x2345_6789 || blob[2] != 0x1 {
		t.Errorf("expected (low, high) order, got %#x %#x", blob[1], blob[2])
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	blob := AppendGgtt(nil, 0x1000_0000, 0x4000_0000)
	blob = AppendU32(blob, KeyNumContexts, 1024)
	blob = AppendU32(blob, KeyBeginContextID, 511)
	blob = AppendU64(blob, KeyLmemSize, 2<<30)

	decoded, err := Decode(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	expected := map[uint16]uint64{
		KeyGgttStart:      0x1000_0000,
		KeyGgttSize:       0x4000_0000,
		KeyNumContexts:    1024,
		KeyBeginContextID: 511,
		KeyLmemSize:       2 << 30,
	}
	if len(decoded) != len(expected) {
		t.Fatalf("expected %d keys, got %d", len(expected), len(decoded))
	}
	for key, value := range expected {
		if decoded[key] != value {
			t.Errorf("key %#04x: expected %#x, got %#x", key, value, decoded[key])
		}
	}
}

func TestCount(t *testing.T) {
	tests := []struct {
		name     string
		blob     []uint32
		expected int
		wantErr  bool
	}{
		{
			name:     "empty",
			blob:     nil,
			expected: 0,
		},
		{
			name:     "two entries",
			blob:     AppendU64(AppendU32(nil, KeyNumDoorbells, 16), KeyGgttSize, 1<<20),
			expected: 2,
		},
		{
			name:    "zero length entry",
			blob:    []uint32{Header(KeyNumContexts, 0)},
			wantErr: true,
		},
		{
			name:    "truncated value",
			blob:    []uint32{Header(KeyGgttStart, 2), 0x1000},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := Count(tt.blob)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedBlob) {
					t.Errorf("expected ErrMalformedBlob, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("count: %v", err)
			}
			if n != tt.expected {
				t.Errorf("expected %d entries, got %d", tt.expected, n)
			}
		})
	}
}
