/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

package provisioning

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/intel/intel-gpu-iov-manager/pkg/guc"
	"github.com/intel/intel-gpu-iov-manager/pkg/klv"
)

// stagingBufSize is one page, enough for the largest consolidated
// per-VF blob.
const stagingBufSize = 4096

// pushBlob stages a KLV blob into GuC-visible memory and submits it as
// an UPDATE_VF_CFG for vfid. The firmware replies with the number of
// KLVs it applied.
func (e *Engine) pushBlob(ctx context.Context, vfid uint32, blob []uint32) (uint32, error) {
	buf, err := e.buffers.AllocBuffer(4 * len(blob))
	if err != nil {
		return 0, fmt.Errorf("staging buffer: %v", err)
	}
	defer e.buffers.FreeBuffer(buf)

	copy(buf.Words, blob)
	return guc.UpdateVfCfg(ctx, e.transport, vfid, buf.Addr, uint32(len(blob)))
}

// pushVfKlv pushes a single-entry blob and enforces parity: exactly
// one KLV must parse. Zero means the firmware does not know the key.
func (e *Engine) pushVfKlv(ctx context.Context, vfid uint32, blob []uint32) error {
	ret, err := e.pushBlob(ctx, vfid, blob)
	if err != nil {
		return err
	}
	switch {
	case ret == 0:
		return fmt.Errorf("key %#04x: %w", klv.HeaderKey(blob[0]), guc.ErrNoKey)
	case ret > 1:
		return fmt.Errorf("key %#04x parsed %d times: %w", klv.HeaderKey(blob[0]), ret, guc.ErrProto)
	}
	return nil
}

func (e *Engine) pushVfKlv32(ctx context.Context, vfid uint32, key uint16, value uint32) error {
	return e.pushVfKlv(ctx, vfid, klv.AppendU32(nil, key, value))
}

func (e *Engine) pushVfKlv64(ctx context.Context, vfid uint32, key uint16, value uint64) error {
	return e.pushVfKlv(ctx, vfid, klv.AppendU64(nil, key, value))
}

// EncodeConfig emits every populated field of one record as a KLV
// blob, skipping an unallocated GGTT region entirely.
func EncodeConfig(config *Config) []uint32 {
	var blob []uint32

	if config.GgttRegion.Allocated() {
		blob = klv.AppendGgtt(blob, config.GgttRegion.Start, config.GgttRegion.Size)
	}

	blob = klv.AppendU32(blob, klv.KeyBeginContextID, config.BeginCtx)
	blob = klv.AppendU32(blob, klv.KeyNumContexts, config.NumCtxs)
	blob = klv.AppendU32(blob, klv.KeyBeginDoorbellID, config.BeginDB)
	blob = klv.AppendU32(blob, klv.KeyNumDoorbells, config.NumDBs)
	blob = klv.AppendU32(blob, klv.KeyExecQuantum, config.ExecQuantum)
	blob = klv.AppendU32(blob, klv.KeyPreemptTimeout, config.PreemptTimeout)
	blob = klv.AppendU32(blob, klv.KeySchedPriority, config.SchedPriority)

	if config.Lmem != nil {
		blob = klv.AppendU64(blob, klv.KeyLmemSize, config.Lmem.Size)
	}

	for t := ThresholdIndex(0); t < NumThresholds; t++ {
		blob = klv.AppendU32(blob, t.Key(), config.Thresholds[t])
	}
	return blob
}

// Push writes one consolidated blob per VF for VFs 1..num using a
// single shared staging buffer.
func (e *Engine) Push(ctx context.Context, num uint32) error {
	if num == 0 {
		return e.PushNone(ctx)
	}
	if err := e.checkVFID(num); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pushConfigs(ctx, num)
}

func (e *Engine) pushConfigs(ctx context.Context, num uint32) error {
	buf, err := e.buffers.AllocBuffer(stagingBufSize)
	if err != nil {
		return fmt.Errorf("staging buffer: %v", err)
	}
	defer e.buffers.FreeBuffer(buf)

	for n := uint32(1); n <= num; n++ {
		if errors.Is(e.validateConfig(n), ErrEmpty) {
			continue
		}

		blob := EncodeConfig(&e.configs[n])
		if count, err := klv.Count(blob); err != nil {
			return fmt.Errorf("VF%d: %v", n, err)
		} else {
			klog.V(4).Infof("VF%d: pushing %d klvs (%d dwords)", n, count, len(blob))
		}

		copy(buf.Words, blob)
		if _, err := guc.UpdateVfCfg(ctx, e.transport, n, buf.Addr, uint32(len(blob))); err != nil {
			e.numPushed = n - 1
			return fmt.Errorf("VF%d: failed to push config: %w", n, err)
		}
	}
	e.numPushed = num
	return nil
}

// Refresh resets one VF's firmware state and pushes its full record
// again, used after a GuC reset dropped the previous push.
func (e *Engine) Refresh(ctx context.Context, vfid uint32) error {
	if err := e.checkVFID(vfid); err != nil {
		return err
	}
	if vfid == PFID {
		return fmt.Errorf("provisioning: the PF record is not pushed")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := guc.UpdateVfCfg(ctx, e.transport, vfid, 0, 0); err != nil {
		return fmt.Errorf("VF%d: failed to reset config: %w", vfid, err)
	}
	if errors.Is(e.validateConfig(vfid), ErrEmpty) {
		return nil
	}

	blob := EncodeConfig(&e.configs[vfid])
	if _, err := e.pushBlob(ctx, vfid, blob); err != nil {
		return fmt.Errorf("VF%d: failed to refresh config: %w", vfid, err)
	}
	return nil
}

// PushNone resets the firmware state of every previously pushed VF, in
// reverse order. A partial reset leaves the store stale.
func (e *Engine) PushNone(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := e.numPushed
	for ; n > 0; n-- {
		if _, err := guc.UpdateVfCfg(ctx, e.transport, n, 0, 0); err != nil {
			break
		}
	}
	e.numPushed = n
	if n != 0 {
		return fmt.Errorf("%d configs still pushed: %w", n, guc.ErrStale)
	}
	return nil
}
