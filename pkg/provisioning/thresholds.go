/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

package provisioning

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/intel/intel-gpu-iov-manager/pkg/klv"
)

// ThresholdIndex enumerates the adverse-event thresholds a VF can be
// capped on. A cap of 0 disables the threshold.
type ThresholdIndex int

const (
	ThresholdCatErr ThresholdIndex = iota
	ThresholdEngineReset
	ThresholdPageFault
	ThresholdH2gStorm
	ThresholdIrqStorm
	ThresholdDoorbellStorm
	NumThresholds
)

var thresholdNames = [NumThresholds]string{
	"cat_error_count",
	"engine_reset_count",
	"page_fault_count",
	"h2g_storm",
	"irq_storm",
	"doorbell_storm",
}

var thresholdKeys = [NumThresholds]uint16{
	klv.KeyThresholdCatErr,
	klv.KeyThresholdEngineReset,
	klv.KeyThresholdPageFault,
	klv.KeyThresholdH2gStorm,
	klv.KeyThresholdIrqStorm,
	klv.KeyThresholdDoorbellStorm,
}

func (t ThresholdIndex) String() string {
	if t < 0 || t >= NumThresholds {
		return "<invalid>"
	}
	return thresholdNames[t]
}

// Key returns the KLV key carrying this threshold.
func (t ThresholdIndex) Key() uint16 { return thresholdKeys[t] }

// ThresholdFromKey maps a KLV key from an adverse event back to the
// index, or -1.
func ThresholdFromKey(key uint32) ThresholdIndex {
	for t := ThresholdIndex(0); t < NumThresholds; t++ {
		if uint32(thresholdKeys[t]) == key {
			return t
		}
	}
	return -1
}

// ThresholdFromName maps a sysfs leaf name back to the index, or -1.
func ThresholdFromName(name string) ThresholdIndex {
	for t := ThresholdIndex(0); t < NumThresholds; t++ {
		if thresholdNames[t] == name {
			return t
		}
	}
	return -1
}

func (e *Engine) provisionThreshold(ctx context.Context, vfid uint32, t ThresholdIndex, value uint32) error {
	config := &e.configs[vfid]
	if config.Thresholds[t] == value {
		return nil
	}

	if err := e.pushVfKlv32(ctx, vfid, t.Key(), value); err != nil {
		config.Thresholds[t] = 0
		return err
	}
	config.Thresholds[t] = value
	return nil
}

// SetThreshold caps one adverse-event counter for a VF.
func (e *Engine) SetThreshold(ctx context.Context, vfid uint32, t ThresholdIndex, value uint32) error {
	if err := e.checkVFID(vfid); err != nil {
		return err
	}
	if t < 0 || t >= NumThresholds {
		return fmt.Errorf("provisioning: bad threshold %d", t)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.provisionThreshold(ctx, vfid, t, value); err != nil {
		klog.Errorf("Failed to provision VF%d with %s=%d: %v", vfid, t, value, err)
		return err
	}
	return nil
}

// GetThreshold reads one threshold cap.
func (e *Engine) GetThreshold(vfid uint32, t ThresholdIndex) (uint32, error) {
	if err := e.checkVFID(vfid); err != nil {
		return 0, err
	}
	if t < 0 || t >= NumThresholds {
		return 0, fmt.Errorf("provisioning: bad threshold %d", t)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.configs[vfid].Thresholds[t], nil
}
