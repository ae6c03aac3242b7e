/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

package provisioning

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/intel/intel-gpu-iov-manager/pkg/bitmap"
	"github.com/intel/intel-gpu-iov-manager/pkg/klv"
)

// dbsBitmap builds the doorbell allocation bitmap from every record.
func (e *Engine) dbsBitmap() *bitmap.Bitmap {
	b := bitmap.New(NumDoorbells)
	b.SetSpare(int(e.spareDbs))

	for id := range e.configs {
		config := &e.configs[id]
		if config.NumDBs == 0 {
			continue
		}
		b.Set(int(config.BeginDB), int(config.NumDBs))
	}
	return b
}

func (e *Engine) pushConfigDbs(ctx context.Context, vfid, begin, num uint32) error {
	if err := e.pushVfKlv32(ctx, vfid, klv.KeyBeginDoorbellID, begin); err != nil {
		return err
	}
	return e.pushVfKlv32(ctx, vfid, klv.KeyNumDoorbells, num)
}

func (e *Engine) provisionDbs(ctx context.Context, vfid uint32, numDbs uint32) error {
	config := &e.configs[vfid]

	if numDbs == config.NumDBs {
		return nil
	}

	klog.V(3).Infof("provisioning VF%d with %d doorbells", vfid, numDbs)

	if config.NumDBs != 0 {
		config.BeginDB = 0
		config.NumDBs = 0
		if err := e.pushConfigDbs(ctx, vfid, 0, 0); err != nil {
			return err
		}
	}

	if numDbs == 0 {
		return nil
	}

	b := e.dbsBitmap()
	begin, err := b.Reserve(int(numDbs), true)
	if err != nil {
		return err
	}
	klog.V(3).Infof("dbs found %d-%d (%d)", begin, begin+int(numDbs)-1, numDbs)

	if err := e.pushConfigDbs(ctx, vfid, uint32(begin), numDbs); err != nil {
		return err
	}

	config.BeginDB = uint32(begin)
	config.NumDBs = numDbs
	return nil
}

// SetDbs provisions a VF with GuC doorbells; 0 releases.
func (e *Engine) SetDbs(ctx context.Context, vfid uint32, numDbs uint32) error {
	if err := e.checkVFID(vfid); err != nil {
		return err
	}
	if numDbs > NumDoorbells {
		return fmt.Errorf("provisioning: %d doorbells of %d", numDbs, NumDoorbells)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.provisionDbs(ctx, vfid, numDbs); err != nil {
		klog.Errorf("Failed to provision VF%d with %d doorbells: %v", vfid, numDbs, err)
		return err
	}
	if vfid != PFID && numDbs != 0 {
		e.autoProvisioned = false
	}
	return nil
}

// GetDbs returns the VF's doorbell quota.
func (e *Engine) GetDbs(vfid uint32) (uint32, error) {
	if err := e.checkVFID(vfid); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.configs[vfid].NumDBs, nil
}

// QueryFreeDbs reports how many doorbells remain allocatable.
func (e *Engine) QueryFreeDbs() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return uint32(e.dbsBitmap().TotalFree(true))
}

// QueryMaxDbs reports the largest contiguous doorbell range left.
func (e *Engine) QueryMaxDbs() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return uint32(e.dbsBitmap().LargestFree(true))
}
