/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

package vfstate

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/intel/intel-gpu-iov-manager/pkg/guc"
)

// Paused reports whether the VF is currently paused.
func (m *Manager) Paused(vfid uint32) bool {
	return m.data[vfid].paused.Load()
}

// NoPause reports that no pause is pending nor active.
func (m *Manager) NoPause(vfid uint32) bool {
	data := &m.data[vfid]
	return !data.test(bitPauseInProgress) && !data.paused.Load()
}

// Pause asks the GuC to pause a VF. Completion arrives asynchronously
// as a VF_PAUSE_DONE event.
func (m *Manager) Pause(ctx context.Context, vfid uint32) error {
	if err := m.checkVFID(vfid); err != nil {
		return err
	}
	data := &m.data[vfid]

	if !m.NoFLR(vfid) || !m.NoPause(vfid) {
		return fmt.Errorf("vfstate: VF%d cannot be paused in current state: %w", vfid, guc.ErrBusy)
	}
	if data.testAndSet(bitPauseInProgress) {
		return fmt.Errorf("vfstate: VF%d pause already in progress: %w", vfid, guc.ErrBusy)
	}

	if err := guc.VfControl(ctx, m.transport, vfid, guc.VfControlPause); err != nil {
		data.clear(bitPauseInProgress)
		klog.Errorf("%s: failed to trigger VF%d pause: %v", m.name, vfid, err)
		return err
	}
	return nil
}

// PauseSync pauses a VF and waits for the state to settle. With
// inferred set the pause is attributed to a kernel-initiated suspend
// so ResumeAllSuspended can undo it later.
func (m *Manager) PauseSync(ctx context.Context, vfid uint32, inferred bool) error {
	if err := m.checkVFID(vfid); err != nil {
		return err
	}
	data := &m.data[vfid]

	if m.NoPause(vfid) {
		if err := m.Pause(ctx, vfid); err != nil {
			return err
		}
		if inferred {
			data.set(bitPauseBySuspend)
		}
	}
	if !inferred {
		data.clear(bitPauseBySuspend)
	}

	err := wait.PollUntilContextTimeout(ctx, PauseTimeout/50, PauseTimeout, true,
		func(context.Context) (bool, error) {
			return data.paused.Load(), nil
		})
	if err != nil {
		klog.Errorf("%s: VF%d pause didn't complete within %v", m.name, vfid, PauseTimeout)
		return guc.ErrTimeout
	}
	return nil
}

// Resume releases a paused VF.
func (m *Manager) Resume(ctx context.Context, vfid uint32) error {
	if err := m.checkVFID(vfid); err != nil {
		return err
	}
	if err := guc.VfControl(ctx, m.transport, vfid, guc.VfControlResume); err != nil {
		return err
	}
	m.data[vfid].paused.Store(false)
	return nil
}

// ResumeAllSuspended resumes every VF that was paused on behalf of a
// suspend rather than by the admin.
func (m *Manager) ResumeAllSuspended(ctx context.Context) error {
	for vfid := uint32(1); vfid <= m.totalVFs; vfid++ {
		if !m.data[vfid].testAndClear(bitPauseBySuspend) {
			continue
		}
		if err := m.Resume(ctx, vfid); err != nil {
			return fmt.Errorf("vfstate: resume of suspended VF%d: %w", vfid, err)
		}
	}
	return nil
}

// StopVF stops a VF until the next FLR.
func (m *Manager) StopVF(ctx context.Context, vfid uint32) error {
	if err := m.checkVFID(vfid); err != nil {
		return err
	}
	return guc.VfControl(ctx, m.transport, vfid, guc.VfControlStop)
}

// SaveSize queries the size of the VF migration image in bytes.
func (m *Manager) SaveSize(ctx context.Context, vfid uint32) (int, error) {
	if err := m.checkVFID(vfid); err != nil {
		return 0, err
	}
	ret, err := guc.SaveRestoreVf(ctx, m.transport, guc.OpcodeVfSave, vfid, 0, 0)
	if err != nil {
		klog.Errorf("%s: failed to query VF%d save state size: %v", m.name, vfid, err)
		return 0, err
	}
	return int(ret) * 4, nil
}

// Save captures the VF migration state into buf through a GuC-visible
// scratch buffer. The VF must be paused. Returns the bytes written.
func (m *Manager) Save(ctx context.Context, vfid uint32, buf []byte) (int, error) {
	if err := m.checkVFID(vfid); err != nil {
		return 0, err
	}
	if len(buf) < guc.SaveRestoreBufMinSize {
		return 0, fmt.Errorf("vfstate: save buffer %d below %d", len(buf), guc.SaveRestoreBufMinSize)
	}

	scratch, err := m.buffers.AllocBuffer(len(buf))
	if err != nil {
		return 0, fmt.Errorf("vfstate: scratch buffer: %v", err)
	}
	defer m.buffers.FreeBuffer(scratch)

	ret, err := guc.SaveRestoreVf(ctx, m.transport, guc.OpcodeVfSave, vfid,
		scratch.Addr, uint32(len(buf)/4))
	if err != nil {
		klog.Errorf("%s: failed to save VF%d state: %v", m.name, vfid, err)
		return 0, err
	}

	used := int(ret) * 4
	for i := 0; i < int(ret); i++ {
		word := scratch.Words[i]
		buf[4*i] = byte(word)
		buf[4*i+1] = byte(word >> 8)
		buf[4*i+2] = byte(word >> 16)
		buf[4*i+3] = byte(word >> 24)
	}
	klog.V(3).Infof("%s: VF%d state saved (%d bytes)", m.name, vfid, used)
	return used, nil
}

// Restore uploads a previously saved migration state. Must be preceded
// by a successful pause.
func (m *Manager) Restore(ctx context.Context, vfid uint32, buf []byte) error {
	if err := m.checkVFID(vfid); err != nil {
		return err
	}
	if len(buf) < guc.SaveRestoreBufMinSize {
		return fmt.Errorf("vfstate: restore buffer %d below %d", len(buf), guc.SaveRestoreBufMinSize)
	}

	scratch, err := m.buffers.AllocBuffer(len(buf))
	if err != nil {
		return fmt.Errorf("vfstate: scratch buffer: %v", err)
	}
	defer m.buffers.FreeBuffer(scratch)

	for i := 0; i+3 < len(buf); i += 4 {
		scratch.Words[i/4] = uint32(buf[i]) | uint32(buf[i+1])<<8 |
			uint32(buf[i+2])<<16 | uint32(buf[i+3])<<24
	}

	if _, err := guc.SaveRestoreVf(ctx, m.transport, guc.OpcodeVfRestore, vfid,
		scratch.Addr, uint32(len(buf)/4)); err != nil {
		klog.Errorf("%s: failed to restore VF%d state: %v", m.name, vfid, err)
		return err
	}
	klog.V(3).Infof("%s: VF%d state restored (%d bytes)", m.name, vfid, len(buf))
	return nil
}
