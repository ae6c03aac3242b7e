/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

package klv

// Per-VF configuration keys.
const (
	KeyGgttStart      = 0x0001 // u64
	KeyGgttSize       = 0x0002 // u64
	KeyLmemSize       = 0x0003 // u64
	KeyNumContexts    = 0x0004 // u32
	KeyTileMask       = 0x0005 // u32
	KeyNumDoorbells   = 0x0006 // u32
	KeyExecQuantum    = 0x8a01 // u32, milliseconds, 0 = infinite
	KeyPreemptTimeout = 0x8a02 // u32, microseconds, 0 = infinite

	KeyThresholdCatErr        = 0x8a03
	KeyThresholdEngineReset   = 0x8a04
	KeyThresholdPageFault     = 0x8a05
	KeyThresholdH2gStorm      = 0x8a06
	KeyThresholdIrqStorm      = 0x8a07
	KeyThresholdDoorbellStorm = 0x8a08

	KeyBeginDoorbellID = 0x8a0a // u32
	KeyBeginContextID  = 0x8a0b // u32
	KeySchedPriority   = 0x8a0c // u32
)

// VGT policy keys, pushed once for the whole device.
const (
	KeyPolicySchedIfIdle        = 0x8001 // u32 bool
	KeyPolicySamplePeriod       = 0x8002 // u32, milliseconds
	KeyPolicyResetAfterVfSwitch = 0x8d00 // u32 bool
)

// Scheduling priorities for KeySchedPriority.
const (
	SchedPriorityLow    = 0
	SchedPriorityNormal = 1
	SchedPriorityHigh   = 2
)
