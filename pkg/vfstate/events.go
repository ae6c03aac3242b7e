/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

package vfstate

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/intel/intel-gpu-iov-manager/pkg/guc"
	"github.com/intel/intel-gpu-iov-manager/pkg/provisioning"
)

// handleVfFlr fans the FLR out to every GT of the device. Only the
// root GT accepts the notification; the media GT receives its own copy
// of the event from its GuC and ignores it.
func (m *Manager) handleVfFlr(vfid uint32) {
	if !m.root {
		if m.media {
			return
		}
		klog.Errorf("%s: unexpected VF%d FLR notification", m.name, vfid)
		return
	}

	if m.data[vfid].test(bitFlrInProgress) {
		klog.V(3).Infof("%s: VF%d FLR is already in progress", m.name, vfid)
		return
	}

	m.data[vfid].paused.Store(false)
	klog.Infof("VF%d FLR", vfid)

	deviceHasMedia := len(m.peers) > 1
	for _, peer := range m.peers {
		peer.initVfFlr(vfid, deviceHasMedia)
	}
}

func (m *Manager) handleVfFlrDone(vfid uint32) {
	m.data[vfid].set(bitFlrDoneReceived)
	m.kick()
}

func (m *Manager) handleVfPauseDone(vfid uint32) {
	data := &m.data[vfid]
	data.paused.Store(true)
	data.clear(bitPauseInProgress)
	klog.Infof("VF%d paused", vfid)
}

func (m *Manager) handleVfEvent(vfid, eventID uint32) error {
	switch eventID {
	case guc.NotifyVfFlr:
		m.handleVfFlr(vfid)
	case guc.NotifyVfFlrDone:
		m.handleVfFlrDone(vfid)
	case guc.NotifyVfPauseDone:
		m.handleVfPauseDone(vfid)
	default:
		return fmt.Errorf("vfstate: VF%d event %d: %w", vfid, eventID, guc.ErrUnsupported)
	}
	return nil
}

func (m *Manager) handlePfEvent(eventID uint32) error {
	switch eventID {
	case guc.NotifyVfEnable:
		klog.V(3).Info("VFs enabled/disabled")
		return nil
	default:
		return fmt.Errorf("vfstate: PF event %d: %w", eventID, guc.ErrUnsupported)
	}
}

// ProcessStateNotify handles a GUC2PF_VF_STATE_NOTIFY event frame.
func (m *Manager) ProcessStateNotify(msg []uint32) error {
	if len(msg) != 3 {
		return guc.ErrProto
	}
	if guc.HxgOrigin(msg[0]) != guc.HxgOriginGuc ||
		guc.HxgType(msg[0]) != guc.HxgTypeEvent ||
		guc.HxgAction(msg[0]) != guc.ActionGuc2PfVfStateNotify {
		return guc.ErrProto
	}
	if guc.HxgData0(msg[0]) != 0 {
		return guc.ErrUnsupported
	}

	vfid, eventID := msg[1], msg[2]
	if vfid > m.totalVFs {
		return fmt.Errorf("vfstate: notify for VF%d of %d", vfid, m.totalVFs)
	}
	if vfid == 0 {
		return m.handlePfEvent(eventID)
	}
	return m.handleVfEvent(vfid, eventID)
}

// ProcessAdverseEvent handles a GUC2PF_ADVERSE_EVENT frame reporting a
// threshold violation.
func (m *Manager) ProcessAdverseEvent(msg []uint32) error {
	if len(msg) != 3 {
		return guc.ErrProto
	}
	if guc.HxgOrigin(msg[0]) != guc.HxgOriginGuc ||
		guc.HxgType(msg[0]) != guc.HxgTypeEvent ||
		guc.HxgAction(msg[0]) != guc.ActionGuc2PfAdverseEvent {
		return guc.ErrProto
	}
	if guc.HxgData0(msg[0]) != 0 {
		return guc.ErrUnsupported
	}

	vfid, thresholdKey := msg[1], msg[2]
	if err := m.checkVFID(vfid); err != nil {
		return err
	}
	t := provisioning.ThresholdFromKey(thresholdKey)
	if t < 0 {
		return fmt.Errorf("vfstate: unknown threshold key %#x", thresholdKey)
	}

	klog.V(3).Infof("%s: VF%d threshold %04x", m.name, vfid, thresholdKey)
	m.data[vfid].adverseEvents[t].Add(1)
	return nil
}

// AdverseEvents returns a snapshot of one VF's violation counters.
func (m *Manager) AdverseEvents(vfid uint32) [provisioning.NumThresholds]uint32 {
	var out [provisioning.NumThresholds]uint32
	for t := range out {
		out[t] = m.data[vfid].adverseEvents[t].Load()
	}
	return out
}

// ResetEvents zeroes the violation counters, done on FLR.
func (m *Manager) ResetEvents(vfid uint32) {
	for t := range m.data[vfid].adverseEvents {
		m.data[vfid].adverseEvents[t].Store(0)
	}
}
