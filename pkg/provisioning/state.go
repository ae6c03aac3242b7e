/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

package provisioning

import (
	"fmt"

	"github.com/intel/intel-gpu-iov-manager/pkg/ggtt"
	"github.com/intel/intel-gpu-iov-manager/pkg/guc"
)

// ClearVFGgttOwnership retags every PTE of the VF's GGTT region as
// PF-owned. Part of FLR finish; the region itself stays provisioned.
func (e *Engine) ClearVFGgttOwnership(vfid uint32) {
	if e.checkVFID(vfid) != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	node := &e.configs[vfid].GgttRegion
	if !node.Allocated() {
		return
	}
	e.ggtt.SetSpaceOwner(ggtt.PFID, node)
}

// SaveGgttPTEs serializes the PTEs of the VF's GGTT region for
// migration; the VFID tag is stripped from the image.
func (e *Engine) SaveGgttPTEs(vfid uint32, buf []byte) (int, error) {
	if err := e.checkVFID(vfid); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	node := &e.configs[vfid].GgttRegion
	if !node.Allocated() {
		return 0, fmt.Errorf("provisioning: VF%d has no GGTT region: %w", vfid, guc.ErrNoData)
	}
	return e.ggtt.SavePTEs(node, buf)
}

// RestoreGgttPTEs checks a saved PTE image against the VF's region and
// retags the region with vfid; the image contents are not applied.
func (e *Engine) RestoreGgttPTEs(vfid uint32, buf []byte) error {
	if err := e.checkVFID(vfid); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	node := &e.configs[vfid].GgttRegion
	if !node.Allocated() {
		return fmt.Errorf("provisioning: VF%d has no GGTT region: %w", vfid, guc.ErrNoData)
	}
	return e.ggtt.RestorePTEs(vfid, node, buf)
}
