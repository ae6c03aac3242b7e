/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

package relay

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/intel/intel-gpu-iov-manager/pkg/guc"
)

// deliver finds the pending record matching (origin, relayID) and hands
// it the status. Unknown relay ids are transport races and are dropped
// silently by the callers.
func (r *Relay) deliver(origin, relayID uint32, status pendingStatus, msg []uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, pending := range r.pending {
		if pending.target != origin || pending.fence != relayID {
			klog.V(5).Infof("relay: %d.%d still awaits response", pending.target, pending.fence)
			continue
		}
		if status.ok {
			if len(msg) > len(pending.response) {
				status = pendingStatus{err: fmt.Errorf("relay: reply %d into %d dwords: %w",
					len(msg), len(pending.response), guc.ErrNoBufs)}
			} else {
				pending.response[0] = guc.HxgResponseData0(msg[0])
				copy(pending.response[1:], msg[1:])
				pending.responseLen = len(msg)
			}
		}
		// Replace an unconsumed busy notification; the latest state
		// is the one the waiter must observe.
		select {
		case <-pending.done:
		default:
		}
		pending.done <- status
		return true
	}
	return false
}

func (r *Relay) handleRequest(origin, relayID uint32, msg []uint32) error {
	if r.handler == nil {
		return r.sendFailure(origin, relayID, guc.IovErrorInvalidRequestCode, 0)
	}

	data0, payload, err := r.handler.HandleRequest(origin, msg)
	if err != nil {
		klog.Errorf("relay: failed to handle request.%d from %d: %v", relayID, origin, err)
		code, hint := guc.ErrorCode(err), uint32(0)
		if origin != 0 {
			code, hint = r.sanitizeError(code, hint)
		}
		return r.sendFailure(origin, relayID, code, hint)
	}
	return r.sendSuccess(origin, relayID, data0, payload)
}

func (r *Relay) processMsg(origin, relayID uint32, msg []uint32) error {
	if len(msg) < guc.HxgMsgMinLen {
		return guc.ErrProto
	}
	if guc.HxgOrigin(msg[0]) != guc.HxgOriginHost {
		return guc.ErrProto
	}

	msgType := guc.HxgType(msg[0])
	klog.V(5).Infof("relay: received %s.%d from %d (%d dwords)",
		guc.HxgTypeToString(msgType), relayID, origin, len(msg))

	switch msgType {
	case guc.HxgTypeRequest:
		return r.handleRequest(origin, relayID, msg)
	case guc.HxgTypeEvent:
		// No event consumers registered today.
		return fmt.Errorf("relay: event.%d from %d: %w", relayID, origin, guc.ErrProto)
	case guc.HxgTypeResponseSuccess:
		r.deliver(origin, relayID, pendingStatus{ok: true}, msg)
		return nil
	case guc.HxgTypeNoResponseBusy:
		r.deliver(origin, relayID, pendingStatus{busy: true}, nil)
		return nil
	case guc.HxgTypeNoResponseRetry:
		r.deliver(origin, relayID, pendingStatus{retry: true}, nil)
		return nil
	case guc.HxgTypeResponseFailure:
		code := guc.HxgFailureError(msg[0])
		klog.V(5).Infof("relay: %d.%d failure %#x hint %d",
			origin, relayID, code, guc.HxgFailureHint(msg[0]))
		r.deliver(origin, relayID, pendingStatus{wireError: code}, nil)
		return nil
	default:
		return fmt.Errorf("relay: type %d: %w", msgType, guc.ErrProto)
	}
}

// ProcessGuc2PF handles a GUC2PF_RELAY_FROM_VF event frame. PF only.
func (r *Relay) ProcessGuc2PF(msg []uint32) error {
	if !r.pf {
		return fmt.Errorf("relay: guc2pf on VF endpoint: %w", guc.ErrProto)
	}
	if guc.HxgOrigin(msg[0]) != guc.HxgOriginGuc ||
		guc.HxgType(msg[0]) != guc.HxgTypeEvent ||
		guc.HxgAction(msg[0]) != guc.ActionGuc2PfRelayFromVF {
		return guc.ErrProto
	}
	if len(msg) < guc.Guc2PfRelayMsgMinLen {
		return guc.ErrProto
	}
	if len(msg) > guc.Guc2PfRelayMsgMinLen+guc.RelayPayloadMaxLen {
		return guc.ErrMsgSize
	}
	if guc.HxgData0(msg[0]) != 0 {
		return guc.ErrUnsupported
	}

	origin := msg[1]
	relayID := msg[2]
	if origin == 0 || origin > r.totalVFs {
		return guc.ErrProto
	}

	return r.processMsg(origin, relayID, msg[guc.Guc2PfRelayMsgMinLen:])
}

// ProcessGuc2VF handles a GUC2VF_RELAY_FROM_PF event frame. VF only.
func (r *Relay) ProcessGuc2VF(msg []uint32) error {
	if r.pf {
		return fmt.Errorf("relay: guc2vf on PF endpoint: %w", guc.ErrProto)
	}
	if guc.HxgOrigin(msg[0]) != guc.HxgOriginGuc ||
		guc.HxgType(msg[0]) != guc.HxgTypeEvent ||
		guc.HxgAction(msg[0]) != guc.ActionGuc2VfRelayFromPF {
		return guc.ErrProto
	}
	if len(msg) < guc.Guc2VfRelayMsgMinLen {
		return guc.ErrProto
	}
	if len(msg) > guc.Guc2VfRelayMsgMinLen+guc.RelayPayloadMaxLen {
		return guc.ErrMsgSize
	}
	if guc.HxgData0(msg[0]) != 0 {
		return guc.ErrUnsupported
	}

	return r.processMsg(0, msg[1], msg[guc.Guc2VfRelayMsgMinLen:])
}
