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

func execQuantumUnit(execQuantum uint32) string {
	if execQuantum != 0 {
		return "ms"
	}
	return " (infinity)"
}

func preemptTimeoutUnit(preemptTimeout uint32) string {
	if preemptTimeout != 0 {
		return "us"
	}
	return " (infinity)"
}

func (e *Engine) provisionExecQuantum(ctx context.Context, vfid, execQuantum uint32) error {
	config := &e.configs[vfid]
	if config.ExecQuantum == execQuantum {
		return nil
	}
	if err := e.pushVfKlv32(ctx, vfid, klv.KeyExecQuantum, execQuantum); err != nil {
		config.ExecQuantum = 0
		return err
	}
	config.ExecQuantum = execQuantum
	return nil
}

// SetExecQuantum sets a VF's execution quantum in milliseconds;
// 0 means infinite.
func (e *Engine) SetExecQuantum(ctx context.Context, vfid, execQuantum uint32) error {
	if err := e.checkVFID(vfid); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.provisionExecQuantum(ctx, vfid, execQuantum); err != nil {
		klog.Errorf("Failed to provision VF%d with %d%s exec quantum: %v",
			vfid, execQuantum, execQuantumUnit(execQuantum), err)
		return err
	}
	return nil
}

func (e *Engine) GetExecQuantum(vfid uint32) (uint32, error) {
	if err := e.checkVFID(vfid); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.configs[vfid].ExecQuantum, nil
}

func (e *Engine) provisionPreemptTimeout(ctx context.Context, vfid, preemptTimeout uint32) error {
	config := &e.configs[vfid]
	if config.PreemptTimeout == preemptTimeout {
		return nil
	}
	if err := e.pushVfKlv32(ctx, vfid, klv.KeyPreemptTimeout, preemptTimeout); err != nil {
		config.PreemptTimeout = 0
		return err
	}
	config.PreemptTimeout = preemptTimeout
	return nil
}

// SetPreemptTimeout sets a VF's preemption timeout in microseconds;
// 0 means infinite.
func (e *Engine) SetPreemptTimeout(ctx context.Context, vfid, preemptTimeout uint32) error {
	if err := e.checkVFID(vfid); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.provisionPreemptTimeout(ctx, vfid, preemptTimeout); err != nil {
		klog.Errorf("Failed to provision VF%d with %d%s preempt timeout: %v",
			vfid, preemptTimeout, preemptTimeoutUnit(preemptTimeout), err)
		return err
	}
	return nil
}

func (e *Engine) GetPreemptTimeout(vfid uint32) (uint32, error) {
	if err := e.checkVFID(vfid); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.configs[vfid].PreemptTimeout, nil
}

// SetSchedPriority sets a VF's scheduling priority class.
func (e *Engine) SetSchedPriority(ctx context.Context, vfid, priority uint32) error {
	if err := e.checkVFID(vfid); err != nil {
		return err
	}
	if priority > klv.SchedPriorityHigh {
		return fmt.Errorf("provisioning: bad priority %d", priority)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	config := &e.configs[vfid]
	if config.SchedPriority == priority {
		return nil
	}
	if err := e.pushVfKlv32(ctx, vfid, klv.KeySchedPriority, priority); err != nil {
		config.SchedPriority = klv.SchedPriorityNormal
		klog.Errorf("Failed to set VF%d priority %d: %v", vfid, priority, err)
		return err
	}
	config.SchedPriority = priority
	return nil
}

func (e *Engine) GetSchedPriority(vfid uint32) (uint32, error) {
	if err := e.checkVFID(vfid); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.configs[vfid].SchedPriority, nil
}
