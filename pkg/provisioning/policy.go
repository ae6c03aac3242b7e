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

// pushPolicyKlv32 pushes one VGT policy KLV via UPDATE_VGT_POLICY.
func (e *Engine) pushPolicyKlv32(ctx context.Context, key uint16, value uint32) error {
	blob := klv.AppendU32(nil, key, value)

	buf, err := e.buffers.AllocBuffer(4 * len(blob))
	if err != nil {
		return fmt.Errorf("staging buffer: %v", err)
	}
	defer e.buffers.FreeBuffer(buf)

	copy(buf.Words, blob)
	ret, err := guc.UpdateVgtPolicy(ctx, e.transport, buf.Addr, uint32(len(blob)))
	if err != nil {
		return err
	}
	switch {
	case ret == 0:
		return fmt.Errorf("policy key %#04x: %w", key, guc.ErrNoKey)
	case ret > 1:
		return fmt.Errorf("policy key %#04x parsed %d times: %w", key, ret, guc.ErrProto)
	}
	return nil
}

func boolToU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// SetSchedIfIdle switches the GuC between strict round-robin and
// schedule-if-idle VF scheduling.
func (e *Engine) SetSchedIfIdle(ctx context.Context, enable bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.policies.SchedIfIdle == enable {
		return nil
	}
	if err := e.pushPolicyKlv32(ctx, klv.KeyPolicySchedIfIdle, boolToU32(enable)); err != nil {
		e.policies.SchedIfIdle = false
		klog.Errorf("Failed to set sched_if_idle=%v: %v", enable, err)
		return err
	}
	e.policies.SchedIfIdle = enable
	return nil
}

func (e *Engine) GetSchedIfIdle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.policies.SchedIfIdle
}

// SetResetAfterVfSwitch controls whether engines are reset between VF
// switches (render isolation).
func (e *Engine) SetResetAfterVfSwitch(ctx context.Context, enable bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.policies.ResetAfterVfSwitch == enable {
		return nil
	}
	if err := e.pushPolicyKlv32(ctx, klv.KeyPolicyResetAfterVfSwitch, boolToU32(enable)); err != nil {
		e.policies.ResetAfterVfSwitch = false
		klog.Errorf("Failed to set reset_after_vf_switch=%v: %v", enable, err)
		return err
	}
	e.policies.ResetAfterVfSwitch = enable
	return nil
}

func (e *Engine) GetResetAfterVfSwitch() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.policies.ResetAfterVfSwitch
}

// SetSamplePeriod sets the adverse-event sampling period in
// milliseconds; 0 disables sampling.
func (e *Engine) SetSamplePeriod(ctx context.Context, value uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.policies.SamplePeriod == value {
		return nil
	}
	if err := e.pushPolicyKlv32(ctx, klv.KeyPolicySamplePeriod, value); err != nil {
		e.policies.SamplePeriod = 0
		klog.Errorf("Failed to set sample_period=%d: %v", value, err)
		return err
	}
	e.policies.SamplePeriod = value
	return nil
}

func (e *Engine) GetSamplePeriod() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.policies.SamplePeriod
}

// reprovisionPolicies re-pushes every policy after a GuC reset.
func (e *Engine) reprovisionPolicies(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pairs := []struct {
		key   uint16
		value uint32
	}{
		{klv.KeyPolicySchedIfIdle, boolToU32(e.policies.SchedIfIdle)},
		{klv.KeyPolicyResetAfterVfSwitch, boolToU32(e.policies.ResetAfterVfSwitch)},
		{klv.KeyPolicySamplePeriod, e.policies.SamplePeriod},
	}
	for _, p := range pairs {
		if err := e.pushPolicyKlv32(ctx, p.key, p.value); err != nil {
			return err
		}
	}
	return nil
}
