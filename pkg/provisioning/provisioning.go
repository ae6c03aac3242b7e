/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

// Package provisioning partitions one GT's GuC contexts, doorbells,
// GGTT space and local memory into per-VF quotas and keeps the GuC
// firmware's view of those quotas in sync.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/intel/intel-gpu-iov-manager/pkg/ggtt"
	"github.com/intel/intel-gpu-iov-manager/pkg/guc"
)

// PFID addresses the physical function's own config record.
const PFID = 0

// Device capacities shared by every current GuC firmware.
const (
	MaxContextID    = 65535
	NumDoorbells    = 256
	CtxsGranularity = 128
)

var (
	// ErrEmpty: no VF has any resource assigned.
	ErrEmpty = errors.New("provisioning: nothing provisioned")
	// ErrPartial: at least one VF has some but not all mandatory
	// resources.
	ErrPartial = errors.New("provisioning: partially provisioned")
)

// LmemObject stands in for a pinned VRAM allocation backing a VF quota.
type LmemObject struct {
	Size uint64
}

// Config is the provisioning record of one function (entry 0 is the
// PF, 1..totalVFs the VFs). All cross-field consistency is guarded by
// the engine's master mutex.
type Config struct {
	GgttRegion     ggtt.Node
	BeginCtx       uint32
	NumCtxs        uint32
	BeginDB        uint32
	NumDBs         uint32
	ExecQuantum    uint32 // milliseconds, 0 means infinite
	PreemptTimeout uint32 // microseconds, 0 means infinite
	SchedPriority  uint32
	Lmem           *LmemObject
	Thresholds     [NumThresholds]uint32
}

// Caps describes the platform the engine provisions.
type Caps struct {
	TotalVFs      uint32
	GgttAlignment uint64 // 4 KiB, or 64 KiB on platforms with 64K pages
	LmemTotal     uint64 // 0 on integrated parts
	Discrete      bool
}

// Policies are the device-global VGT scheduling knobs.
type Policies struct {
	SchedIfIdle        bool
	ResetAfterVfSwitch bool
	SamplePeriod       uint32
}

// Engine owns the per-GT provisioning store. One master mutex
// serializes every read and write; no method may be re-entered while
// the mutex is held. The engine never takes VM locks.
type Engine struct {
	caps      Caps
	ggtt      *ggtt.GGTT
	transport guc.Transport
	buffers   guc.BufferAllocator

	mu       sync.Mutex
	configs  []Config
	policies Policies

	spareGgtt uint64
	spareCtxs uint32
	spareDbs  uint32
	spareLmem uint64

	lmemUsed uint64

	numPushed       uint32
	autoProvisioned bool

	worker *reprovisionWorker
}

// New creates the engine with empty records for the PF and every VF.
func New(caps Caps, gtt *ggtt.GGTT, transport guc.Transport, buffers guc.BufferAllocator) *Engine {
	e := &Engine{
		caps:      caps,
		ggtt:      gtt,
		transport: transport,
		buffers:   buffers,
		configs:   make([]Config, 1+caps.TotalVFs),
	}
	e.worker = newReprovisionWorker(e)
	return e
}

// Stop terminates the reprovisioning worker.
func (e *Engine) Stop() { e.worker.stop() }

func (e *Engine) checkVFID(vfid uint32) error {
	if vfid > e.caps.TotalVFs {
		return fmt.Errorf("provisioning: VF%d beyond total %d", vfid, e.caps.TotalVFs)
	}
	return nil
}

// GetConfig returns a copy of one function's record.
func (e *Engine) GetConfig(vfid uint32) (Config, error) {
	if err := e.checkVFID(vfid); err != nil {
		return Config{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.configs[vfid], nil
}

// validateConfig classifies one VF record: nil when all mandatory
// resources are present, ErrEmpty when none is, ErrPartial otherwise.
// Doorbells are optional; LMEM is mandatory only on discrete parts.
func (e *Engine) validateConfig(vfid uint32) error {
	config := &e.configs[vfid]
	validGgtt := config.GgttRegion.Allocated()
	validCtxs := config.NumCtxs != 0
	validDbs := config.NumDBs != 0 || config.BeginDB != 0
	validLmem := !e.caps.Discrete || config.Lmem != nil

	validAny := validGgtt || validCtxs || validDbs || (config.Lmem != nil)
	validAll := validGgtt && validCtxs && validLmem

	if !validAll {
		if !validAny {
			return ErrEmpty
		}
		klog.V(3).Infof("VF%d: invalid config:%s%s%s", vfid,
			map[bool]string{true: "", false: " GGTT"}[validGgtt],
			map[bool]string{true: "", false: " contexts"}[validCtxs],
			map[bool]string{true: "", false: " lmem"}[validLmem])
		return ErrPartial
	}
	return nil
}

// Verify checks that VF configurations 1..numVFs are consistent:
// every VF is either fully provisioned or untouched.
func (e *Engine) Verify(numVFs uint32) error {
	if numVFs < 1 || numVFs > e.caps.TotalVFs {
		return fmt.Errorf("provisioning: verify %d of %d VFs", numVFs, e.caps.TotalVFs)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	numEmpty, numValid := uint32(0), uint32(0)
	for n := uint32(1); n <= numVFs; n++ {
		switch err := e.validateConfig(n); {
		case err == nil:
			numValid++
		case errors.Is(err, ErrEmpty):
			numEmpty++
		}
	}
	klog.V(3).Infof("verify: valid(%d) invalid(%d) empty(%d)",
		numValid, numVFs-numValid-numEmpty, numEmpty)

	if numEmpty == numVFs {
		return ErrEmpty
	}
	if numValid+numEmpty != numVFs {
		return ErrPartial
	}
	return nil
}

// unprovisionConfig releases every resource of one VF, in the same
// order the original teardown uses.
func (e *Engine) unprovisionConfig(ctx context.Context, vfid uint32) {
	if err := e.provisionGgtt(ctx, vfid, 0); err != nil {
		klog.Warningf("VF%d: failed to release GGTT: %v", vfid, err)
	}
	if err := e.provisionCtxs(ctx, vfid, 0); err != nil {
		klog.Warningf("VF%d: failed to release contexts: %v", vfid, err)
	}
	if err := e.provisionDbs(ctx, vfid, 0); err != nil {
		klog.Warningf("VF%d: failed to release doorbells: %v", vfid, err)
	}
	if e.caps.Discrete {
		if err := e.provisionLmem(ctx, vfid, 0); err != nil {
			klog.Warningf("VF%d: failed to release lmem: %v", vfid, err)
		}
	}
	_ = e.provisionExecQuantum(ctx, vfid, 0)
	_ = e.provisionPreemptTimeout(ctx, vfid, 0)
	for t := ThresholdIndex(0); t < NumThresholds; t++ {
		_ = e.provisionThreshold(ctx, vfid, t, 0)
	}
}

// ReleaseConfig clears one VF's record and its firmware state.
func (e *Engine) ReleaseConfig(ctx context.Context, vfid uint32) error {
	if err := e.checkVFID(vfid); err != nil {
		return err
	}
	if vfid == PFID {
		return fmt.Errorf("provisioning: cannot release the PF record")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unprovisionConfig(ctx, vfid)
	return nil
}
