/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

package provisioning

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/intel/intel-gpu-iov-manager/pkg/guc"
)

func alignDownU64(v, a uint64) uint64 { return v / a * a }

// autoProvisionGgtt splits the largest free GGTT hole fairly. The fair
// share is computed from the largest hole so that every allocation is
// guaranteed to fit; if no spare is configured and what would remain
// for the PF is less than one share, the division is redone over
// 1+numVFs so the PF keeps an equal share.
func (e *Engine) autoProvisionGgtt(ctx context.Context, numVFs uint32) error {
	free := e.freeGgttLocked()
	available := e.maxGgttLocked()
	alignment := e.caps.GgttAlignment

	fair := alignDownU64(available/uint64(numVFs), alignment)

	// With no explicit spare the PF still needs its own share; an
	// explicit spare already is the PF's cut.
	if leftover := free - fair*uint64(numVFs); e.spareGgtt == 0 && leftover < fair {
		fair = alignDownU64(available/uint64(1+numVFs), alignment)
	}

	klog.V(3).Infof("GGTT available(%d/%d) fair(%d x %d)", available, free, numVFs, fair)
	if fair == 0 {
		return fmt.Errorf("auto ggtt: %w", guc.ErrNoSpace)
	}

	for n := uint32(1); n <= numVFs; n++ {
		if e.configs[n].GgttRegion.Allocated() {
			return fmt.Errorf("auto ggtt: VF%d already provisioned", n)
		}
		if err := e.provisionGgtt(ctx, n, fair); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) autoProvisionCtxs(ctx context.Context, numVFs uint32) error {
	g := ctxsGranularity()
	available := uint32(g.DecodeCountOther(e.ctxsBitmap().TotalFree(true)))
	fair := available / numVFs / CtxsGranularity * CtxsGranularity

	if fair == 0 {
		return fmt.Errorf("auto ctxs: %w", guc.ErrNoSpace)
	}
	klog.V(3).Infof("contexts available(%d) fair(%d x %d)", available, numVFs, fair)

	for n := uint32(1); n <= numVFs; n++ {
		if e.configs[n].NumCtxs != 0 {
			return fmt.Errorf("auto ctxs: VF%d already provisioned", n)
		}
		if err := e.provisionCtxs(ctx, n, fair); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) autoProvisionDbs(ctx context.Context, numVFs uint32) error {
	available := uint32(e.dbsBitmap().TotalFree(true))
	fair := available / numVFs

	if fair == 0 {
		return fmt.Errorf("auto dbs: %w", guc.ErrNoSpace)
	}
	klog.V(3).Infof("doorbells available(%d) fair(%d x %d)", available, numVFs, fair)

	for n := uint32(1); n <= numVFs; n++ {
		if e.configs[n].NumDBs != 0 {
			return fmt.Errorf("auto dbs: VF%d already provisioned", n)
		}
		if err := e.provisionDbs(ctx, n, fair); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) autoProvisionLmem(ctx context.Context, numVFs uint32) error {
	available := e.availableLmemLocked()
	fair := alignDownU64(available/uint64(numVFs), LmemAlignment)

	if fair == 0 {
		return fmt.Errorf("auto lmem: %w", guc.ErrNoSpace)
	}
	klog.V(3).Infof("lmem available(%d) fair(%d x %d)", available, numVFs, fair)

	for n := uint32(1); n <= numVFs; n++ {
		if e.configs[n].Lmem != nil {
			return fmt.Errorf("auto lmem: VF%d already provisioned", n)
		}
		if err := e.provisionLmem(ctx, n, fair); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) autoUnprovision(ctx context.Context) {
	if e.autoProvisioned {
		for n := e.caps.TotalVFs; n > 0; n-- {
			e.unprovisionConfig(ctx, n)
		}
	}
	e.autoProvisioned = false
}

// AutoProvision assigns a fair share of every resource to VFs
// 1..numVFs, or releases all automatic allocations when numVFs is 0.
// Any failure rolls back every automatic allocation.
func (e *Engine) AutoProvision(ctx context.Context, numVFs uint32) error {
	if numVFs > e.caps.TotalVFs {
		return fmt.Errorf("provisioning: auto %d of %d VFs", numVFs, e.caps.TotalVFs)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if numVFs == 0 {
		e.autoUnprovision(ctx)
		return nil
	}

	e.autoProvisioned = true

	err := e.autoProvisionGgtt(ctx, numVFs)
	if err == nil {
		err = e.autoProvisionCtxs(ctx, numVFs)
	}
	if err == nil {
		err = e.autoProvisionDbs(ctx, numVFs)
	}
	if err == nil && e.caps.Discrete {
		err = e.autoProvisionLmem(ctx, numVFs)
	}
	if err != nil {
		klog.Errorf("Failed to auto provision %d VFs: %v", numVFs, err)
		e.autoUnprovision(ctx)
		return err
	}
	return nil
}

// AutoProvisioned reports whether the current allocations came from
// AutoProvision.
func (e *Engine) AutoProvisioned() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.autoProvisioned
}
