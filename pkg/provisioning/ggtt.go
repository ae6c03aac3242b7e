/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

package provisioning

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/intel/intel-gpu-iov-manager/pkg/ggtt"
	"github.com/intel/intel-gpu-iov-manager/pkg/guc"
	"github.com/intel/intel-gpu-iov-manager/pkg/klv"
)

func (e *Engine) pushConfigGgtt(ctx context.Context, vfid uint32, start, size uint64) error {
	if err := e.pushVfKlv64(ctx, vfid, klv.KeyGgttSize, size); err != nil {
		return err
	}
	return e.pushVfKlv64(ctx, vfid, klv.KeyGgttStart, start)
}

// provisionGgtt resizes one VF's GGTT region. An existing region is
// first dropped on the firmware side (zero-size KLV), then released,
// before any new range is inserted; the GuC must never observe two
// owners of the same range.
func (e *Engine) provisionGgtt(ctx context.Context, vfid uint32, size uint64) error {
	config := &e.configs[vfid]
	node := &config.GgttRegion
	alignment := e.caps.GgttAlignment

	size = (size + alignment - 1) / alignment * alignment

	if node.Allocated() {
		if size == node.Size {
			return nil
		}

		pushErr := e.pushConfigGgtt(ctx, vfid, 0, 0)
		e.ggtt.SetSpaceOwner(ggtt.PFID, node)
		e.ggtt.Remove(node)
		if pushErr != nil {
			return pushErr
		}
	}

	if size == 0 {
		return nil
	}

	if size > e.ggtt.Total() {
		return fmt.Errorf("ggtt quota %#x exceeds address space %#x: %w",
			size, e.ggtt.Total(), guc.ErrQuota)
	}
	if size > e.maxGgttLocked() {
		return fmt.Errorf("ggtt quota %#x exceeds available %#x: %w",
			size, e.maxGgttLocked(), guc.ErrQuota)
	}

	if err := e.ggtt.Insert(node, size, alignment); err != nil {
		return err
	}
	e.ggtt.SetSpaceOwner(vfid, node)

	if err := e.pushConfigGgtt(ctx, vfid, node.Start, node.Size); err != nil {
		e.ggtt.SetSpaceOwner(ggtt.PFID, node)
		e.ggtt.Remove(node)
		return err
	}

	klog.V(3).Infof("VF%d provisioned GGTT %#x-%#x (%dK)",
		vfid, node.Start, node.End()-1, node.Size/1024)
	return nil
}

// maxGgttLocked is the largest hole minus the configured spare.
func (e *Engine) maxGgttLocked() uint64 {
	max := e.ggtt.MaxHole(e.caps.GgttAlignment)
	if max <= e.spareGgtt {
		return 0
	}
	return max - e.spareGgtt
}

func (e *Engine) freeGgttLocked() uint64 {
	free := e.ggtt.Free(e.caps.GgttAlignment)
	if free <= e.spareGgtt {
		return 0
	}
	return free - e.spareGgtt
}

// SetGgtt provisions a VF with size bytes of GGTT space; 0 releases.
func (e *Engine) SetGgtt(ctx context.Context, vfid uint32, size uint64) error {
	if err := e.checkVFID(vfid); err != nil {
		return err
	}
	if vfid == PFID {
		return fmt.Errorf("provisioning: PF GGTT is not adjustable")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.provisionGgtt(ctx, vfid, size); err != nil {
		klog.Errorf("Failed to provision VF%d with %d of GGTT: %v", vfid, size, err)
		return err
	}
	if size != 0 {
		e.autoProvisioned = false
	}
	return nil
}

// GetGgtt returns the VF's GGTT quota in bytes.
func (e *Engine) GetGgtt(vfid uint32) (uint64, error) {
	if err := e.checkVFID(vfid); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.configs[vfid].GgttRegion.Size, nil
}

// QueryFreeGgtt reports total allocatable GGTT space.
func (e *Engine) QueryFreeGgtt() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.freeGgttLocked()
}

// QueryMaxGgtt reports the largest quota a single VF could still get.
func (e *Engine) QueryMaxGgtt() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxGgttLocked()
}

// SetSpareGgtt configures the amount of GGTT kept back for PF use.
func (e *Engine) SetSpareGgtt(size uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spareGgtt = size
}

func (e *Engine) SpareGgtt() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.spareGgtt
}
