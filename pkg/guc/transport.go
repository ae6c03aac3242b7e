/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

package guc

import (
	"context"
	"fmt"
)

// Transport is the H2G command channel of one GuC instance.
//
// Send submits a request and blocks for the reply. On RESPONSE_SUCCESS
// it returns the 28-bit data0 field; the meaning of the value is per
// action. NO_RESPONSE_BUSY surfaces as ErrBusy, NO_RESPONSE_RETRY as
// ErrRetry and RESPONSE_FAILURE as *Error with the wire code.
//
// SendNonBlocking submits without queueing; if the channel is full it
// returns ErrBusy and the message was not sent.
type Transport interface {
	Send(ctx context.Context, request []uint32) (uint32, error)
	SendNonBlocking(request []uint32) error
}

// Buffer is a GuC-addressable staging allocation, the stand-in for a
// pinned GGTT-mapped vma. Words aliases the backing storage that the
// firmware reads, Addr is the GGTT offset the firmware is given.
type Buffer struct {
	Addr  uint64
	Words []uint32
}

// BufferAllocator hands out GPU-visible scratch buffers for KLV blobs
// and save/restore images.
type BufferAllocator interface {
	AllocBuffer(bytes int) (*Buffer, error)
	FreeBuffer(buf *Buffer)
}

// UpdateVfCfg pushes a KLV blob for one VF. The returned count is the
// number of KLVs the firmware applied.
func UpdateVfCfg(ctx context.Context, t Transport, vfid uint32, addr uint64, dwords uint32) (uint32, error) {
	request := []uint32{
		HxgHeader(HxgOriginHost, HxgTypeRequest, 0, ActionPf2GucUpdateVfCfg),
		vfid,
		uint32(addr),
		uint32(addr >> 32),
		dwords,
	}
	return t.Send(ctx, request)
}

// UpdateVgtPolicy pushes a policy KLV blob shared by all VFs.
func UpdateVgtPolicy(ctx context.Context, t Transport, addr uint64, dwords uint32) (uint32, error) {
	request := []uint32{
		HxgHeader(HxgOriginHost, HxgTypeRequest, 0, ActionPf2GucUpdateVgtPolicy),
		uint32(addr),
		uint32(addr >> 32),
		dwords,
	}
	return t.Send(ctx, request)
}

// VfControl issues one PF2GUC_VF_CONTROL command. A non-zero success
// data0 is a protocol violation.
func VfControl(ctx context.Context, t Transport, vfid, command uint32) error {
	request := []uint32{
		HxgHeader(HxgOriginHost, HxgTypeRequest, 0, ActionPf2GucVfControl),
		vfid,
		command,
	}
	ret, err := t.Send(ctx, request)
	if err != nil {
		return err
	}
	if ret != 0 {
		return fmt.Errorf("vf control command %d reply %#x: %w", command, ret, ErrProto)
	}
	return nil
}

// SaveRestoreVf issues PF2GUC_SAVE_RESTORE_VF. With addr == 0 and
// sizeDw == 0 it is a size query; the returned count is in dwords.
func SaveRestoreVf(ctx context.Context, t Transport, opcode, vfid uint32, addr uint64, sizeDw uint32) (uint32, error) {
	request := []uint32{
		HxgHeader(HxgOriginHost, HxgTypeRequest, opcode, ActionPf2GucSaveRestoreVf),
		vfid,
		uint32(addr),
		uint32(addr >> 32),
		sizeDw,
	}
	ret, err := t.Send(ctx, request)
	if err != nil {
		return 0, err
	}
	if addr != 0 && ret > sizeDw {
		return 0, fmt.Errorf("save/restore reply %d exceeds buffer %d: %w", ret, sizeDw, ErrProto)
	}
	return ret, nil
}
