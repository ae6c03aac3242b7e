/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

// Package klv encodes and decodes the {key, length, value} blobs used
// for every configuration and policy push to the GuC.
//
// A blob is a flat sequence of 32-bit words. Each entry starts with a
// header word, (key:16 << 16) | (length in dwords:16), followed by the
// value words. 32-bit values occupy one dword, 64-bit values two in
// (low, high) order. Key namespaces (self-config, VGT policy, per-VF
// config) are disjoint but enforced by the caller, not here.
package klv

import (
	"errors"
	"fmt"
)

var ErrMalformedBlob = errors.New("klv: malformed blob")

const (
	headerKeyShift = 16
	headerLenMask  = 0xffff
)

// Header builds the first dword of one KLV entry.
func Header(key uint16, lenDw uint16) uint32 {
	return uint32(key)<<headerKeyShift | uint32(lenDw)
}

// HeaderKey and HeaderLen split an entry header dword.
func HeaderKey(header uint32) uint16 { return uint16(header >> headerKeyShift) }
func HeaderLen(header uint32) uint16 { return uint16(header & headerLenMask) }

// AppendU32 appends one 32-bit KLV entry.
func AppendU32(blob []uint32, key uint16, value uint32) []uint32 {
	return append(blob, Header(key, 1), value)
}

// AppendU64 appends one 64-bit KLV entry as (low, high).
func AppendU64(blob []uint32, key uint16, value uint64) []uint32 {
	return append(blob, Header(key, 2), uint32(value), uint32(value>>32))
}

// AppendGgtt appends the GGTT_START + GGTT_SIZE pair describing one
// GGTT region.
func AppendGgtt(blob []uint32, start, size uint64) []uint32 {
	blob = AppendU64(blob, KeyGgttStart, start)
	return AppendU64(blob, KeyGgttSize, size)
}

// Count walks the blob and returns the number of well-formed entries.
// Used for logging and for checking push parity against the count the
// firmware reports.
func Count(blob []uint32) (int, error) {
	n := 0
	for len(blob) > 0 {
		length := int(HeaderLen(blob[0]))
		if length < 1 || 1+length > len(blob) {
			return n, fmt.Errorf("entry %d len %d of %d remaining dwords: %w",
				n, length, len(blob), ErrMalformedBlob)
		}
		blob = blob[1+length:]
		n++
	}
	return n, nil
}

// Decode parses a blob into a key -> raw value map. 1-dword values
// decode as the u32 widened, 2-dword values as u64. Longer values are
// rejected; the provisioning blobs never use them.
func Decode(blob []uint32) (map[uint16]uint64, error) {
	out := map[uint16]uint64{}
	for len(blob) > 0 {
		key := HeaderKey(blob[0])
		length := int(HeaderLen(blob[0]))
		if length < 1 || 1+length > len(blob) {
			return nil, fmt.Errorf("key %#04x len %d: %w", key, length, ErrMalformedBlob)
		}
		switch length {
		case 1:
			out[key] = uint64(blob[1])
		case 2:
			out[key] = uint64(blob[1]) | uint64(blob[2])<<32
		default:
			return nil, fmt.Errorf("key %#04x len %d unsupported: %w", key, length, ErrMalformedBlob)
		}
		blob = blob[1+length:]
	}
	return out, nil
}
