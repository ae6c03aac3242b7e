/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

package provisioning

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/intel/intel-gpu-iov-manager/pkg/guc"
	"github.com/intel/intel-gpu-iov-manager/pkg/klv"
)

// LmemAlignment is the VRAM provisioning granularity.
const LmemAlignment = 2 << 20

func (e *Engine) availableLmemLocked() uint64 {
	used := e.lmemUsed + e.spareLmem
	if used >= e.caps.LmemTotal {
		return 0
	}
	return e.caps.LmemTotal - used
}

func (e *Engine) provisionLmem(ctx context.Context, vfid uint32, size uint64) error {
	config := &e.configs[vfid]

	size = (size + LmemAlignment - 1) / LmemAlignment * LmemAlignment

	if config.Lmem != nil {
		if size == config.Lmem.Size {
			return nil
		}

		pushErr := e.pushVfKlv64(ctx, vfid, klv.KeyLmemSize, 0)
		e.lmemUsed -= config.Lmem.Size
		config.Lmem = nil
		if pushErr != nil {
			return pushErr
		}
	}

	if size == 0 {
		return nil
	}

	if size > e.availableLmemLocked() {
		return fmt.Errorf("lmem quota %#x exceeds available %#x: %w",
			size, e.availableLmemLocked(), guc.ErrQuota)
	}

	obj := &LmemObject{Size: size}
	e.lmemUsed += size

	if err := e.pushVfKlv64(ctx, vfid, klv.KeyLmemSize, size); err != nil {
		e.lmemUsed -= size
		return err
	}

	config.Lmem = obj
	klog.V(3).Infof("VF%d provisioned with %dM of lmem", vfid, size/(1<<20))
	return nil
}

// SetLmem provisions a VF with local memory; 0 releases. Only valid on
// discrete parts.
func (e *Engine) SetLmem(ctx context.Context, vfid uint32, size uint64) error {
	if err := e.checkVFID(vfid); err != nil {
		return err
	}
	if !e.caps.Discrete {
		return fmt.Errorf("provisioning: no local memory on this platform")
	}
	if vfid == PFID {
		return fmt.Errorf("provisioning: PF lmem is not adjustable")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.provisionLmem(ctx, vfid, size); err != nil {
		klog.Errorf("Failed to provision VF%d with %d of lmem: %v", vfid, size, err)
		return err
	}
	if size != 0 {
		e.autoProvisioned = false
	}
	return nil
}

// GetLmem returns the VF's local memory quota in bytes.
func (e *Engine) GetLmem(vfid uint32) (uint64, error) {
	if err := e.checkVFID(vfid); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.configs[vfid].Lmem == nil {
		return 0, nil
	}
	return e.configs[vfid].Lmem.Size, nil
}

// QueryFreeLmem reports allocatable local memory.
func (e *Engine) QueryFreeLmem() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.availableLmemLocked()
}
