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

// Context IDs are provisioned in packages of CtxsGranularity so that a
// reprovisioned VF never straddles a package boundary. MaxContextID is
// odd, so the first (PF) package is one ID short.
func ctxsGranularity() bitmap.Granularity {
	return bitmap.NewGranularity(MaxContextID, CtxsGranularity)
}

// ctxsBitmap builds the package-granular allocation bitmap from every
// record, PF included.
func (e *Engine) ctxsBitmap() *bitmap.Bitmap {
	g := ctxsGranularity()
	b := bitmap.New(g.TotalBits(MaxContextID))
	b.SetSpare(int(e.spareCtxs) / CtxsGranularity)

	for id := range e.configs {
		config := &e.configs[id]
		if config.NumCtxs == 0 {
			continue
		}
		first := id == PFID
		var startBit, numBits int
		if first {
			startBit = 0
			numBits = g.EncodeCountFirst(int(config.NumCtxs))
		} else {
			startBit = g.EncodeStart(int(config.BeginCtx))
			numBits = g.EncodeCountOther(int(config.NumCtxs))
		}
		b.Set(startBit, numBits)
	}
	return b
}

func (e *Engine) pushConfigCtxs(ctx context.Context, vfid, begin, num uint32) error {
	if err := e.pushVfKlv32(ctx, vfid, klv.KeyBeginContextID, begin); err != nil {
		return err
	}
	return e.pushVfKlv32(ctx, vfid, klv.KeyNumContexts, num)
}

func (e *Engine) setCtxsRecord(ctx context.Context, vfid, begin, num uint32) error {
	config := &e.configs[vfid]
	if err := e.pushConfigCtxs(ctx, vfid, begin, num); err != nil {
		config.BeginCtx = 0
		config.NumCtxs = 0
		return err
	}
	config.BeginCtx = begin
	config.NumCtxs = num
	return nil
}

func (e *Engine) provisionCtxs(ctx context.Context, vfid uint32, numCtxs uint32) error {
	if vfid == PFID {
		return fmt.Errorf("provisioning: PF context range is fixed at init")
	}

	g := ctxsGranularity()
	quota := uint32(g.AlignCount(int(numCtxs), false))

	if quota == e.configs[vfid].NumCtxs {
		return nil
	}

	klog.V(3).Infof("provisioning VF%d with %d contexts (aligned to %d)", vfid, numCtxs, quota)

	if quota == 0 {
		return e.setCtxsRecord(ctx, vfid, 0, 0)
	}

	// Release the current range first so it can be reused, then find a
	// best-fit hole in package space.
	if e.configs[vfid].NumCtxs != 0 {
		if err := e.setCtxsRecord(ctx, vfid, 0, 0); err != nil {
			return err
		}
	}

	b := e.ctxsBitmap()
	startBit, err := b.Reserve(g.EncodeCountOther(int(quota)), true)
	if err != nil {
		return err
	}
	begin := uint32(g.DecodeStart(startBit))

	klog.V(3).Infof("ctxs found %d-%d (%d)", begin, begin+quota-1, quota)
	return e.setCtxsRecord(ctx, vfid, begin, quota)
}

// SetCtxs provisions a VF with GuC contexts; 0 releases. Setting the
// current quota again is a no-op without a GuC round trip.
func (e *Engine) SetCtxs(ctx context.Context, vfid uint32, numCtxs uint32) error {
	if err := e.checkVFID(vfid); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.provisionCtxs(ctx, vfid, numCtxs); err != nil {
		klog.Errorf("Failed to provision VF%d with %d contexts: %v", vfid, numCtxs, err)
		return err
	}
	if numCtxs != 0 {
		e.autoProvisioned = false
	}
	return nil
}

// GetCtxs returns the VF's context quota.
func (e *Engine) GetCtxs(vfid uint32) (uint32, error) {
	if err := e.checkVFID(vfid); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.configs[vfid].NumCtxs, nil
}

// QueryFreeCtxs reports how many context IDs remain allocatable,
// decoded from free package bits.
func (e *Engine) QueryFreeCtxs() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()

	g := ctxsGranularity()
	return uint32(g.DecodeCountOther(e.ctxsBitmap().TotalFree(true)))
}

// QueryMaxCtxs reports the largest contiguous quota a single VF could
// still get.
func (e *Engine) QueryMaxCtxs() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()

	g := ctxsGranularity()
	return uint32(g.DecodeCountOther(e.ctxsBitmap().LargestFree(true)))
}

// AssignPFContexts reserves the PF's own context range. The PF keeps a
// 1/(1+totalVFs) share of the context packages plus whatever does not
// divide evenly; its range starts at ID 0 and cannot change once VFs
// exist.
func (e *Engine) AssignPFContexts() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.configs[PFID].NumCtxs != 0 {
		return fmt.Errorf("provisioning: PF contexts already assigned")
	}

	g := ctxsGranularity()
	totalBits := g.TotalBits(MaxContextID)
	totalVFs := int(e.caps.TotalVFs)
	pfBits := totalBits - (totalBits/(1+totalVFs))*totalVFs
	pfCtxs := uint32(g.DecodeCountFirst(pfBits))

	klog.V(3).Infof("config: contexts %d = %d pf + %d available",
		MaxContextID, pfCtxs, MaxContextID-pfCtxs)

	e.configs[PFID].BeginCtx = 0
	e.configs[PFID].NumCtxs = pfCtxs
	return nil
}
