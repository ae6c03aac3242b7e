/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

package guc

// GuC action codes consumed by the PF control plane.
const (
	ActionGuc2PfRelayFromVF    = 0x5100
	ActionPf2GucRelayToVF      = 0x5101
	ActionGuc2VfRelayFromPF    = 0x5102
	ActionVf2GucRelayToPF      = 0x5103
	ActionGuc2PfAdverseEvent   = 0x5104
	ActionGuc2PfVfStateNotify  = 0x5106
	ActionPf2GucUpdateVgtPolicy = 0x5502
	ActionPf2GucUpdateVfCfg    = 0x5503
	ActionPf2GucVfControl      = 0x5506
	ActionPf2GucSaveRestoreVf  = 0x550B
)

// PF2GUC_VF_CONTROL commands.
const (
	VfControlPause     = 1
	VfControlResume    = 2
	VfControlStop      = 3
	VfControlFlrStart  = 4
	VfControlFlrFinish = 5
)

// GUC2PF_VF_STATE_NOTIFY events.
const (
	NotifyVfEnable    = 1
	NotifyVfFlr       = 1
	NotifyVfFlrDone   = 2
	NotifyVfPauseDone = 3
	NotifyVfFixupDone = 4
)

// PF2GUC_SAVE_RESTORE_VF opcodes.
const (
	OpcodeVfSave    = 0
	OpcodeVfRestore = 1
)

// Relay frame geometry (lengths in dwords).
const (
	// Transport header of a relay frame: HXG header + VFID + RELAY_ID
	// on the PF side, HXG header + RELAY_ID on the VF side.
	Guc2PfRelayMsgMinLen = 3
	Guc2VfRelayMsgMinLen = 2
	Pf2GucRelayMsgMinLen = 3
	Vf2GucRelayMsgMinLen = 2

	// Embedded message payload limit.
	RelayPayloadMaxLen = 60
)

// Save/restore buffer floor, in bytes. The GuC rejects smaller buffers.
const SaveRestoreBufMinSize = 4096
