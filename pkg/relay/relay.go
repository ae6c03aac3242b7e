/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

// Package relay transports opaque IOV messages between the PF-resident
// service and VF clients, multiplexed over the GuC. Requests are
// matched to responses by a non-zero 32-bit relay id; out-of-order
// replies are legal.
package relay

import (
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/intel/intel-gpu-iov-manager/pkg/guc"
)

// DefaultTimeout mirrors the heartbeat interval bound on CTB replies.
const DefaultTimeout = 2500 * time.Millisecond

// Handler services inbound REQUEST messages. msg is the embedded HXG
// message (header included). A handler replies by returning data0 plus
// optional payload dwords; an error is translated into a
// RESPONSE_FAILURE frame.
type Handler interface {
	HandleRequest(origin uint32, msg []uint32) (data0 uint32, payload []uint32, err error)
}

// pendingStatus values delivered to a waiting sender.
type pendingStatus struct {
	// wireError is the positive IOV error code from RESPONSE_FAILURE;
	// 0 together with ok==true means success.
	wireError uint32
	ok        bool
	busy      bool
	retry     bool
	err       error // local delivery failure, e.g. undersized buffer
}

type pendingRelay struct {
	target  uint32
	fence   uint32
	done    chan pendingStatus
	// response is the caller-owned reply buffer; responseLen is the
	// dword count written by the receiving side.
	response    []uint32
	responseLen int
}

// Relay is one GuC's relay endpoint. A PF relay addresses targets
// 1..totalVFs; a VF relay has a single implicit target, the PF.
type Relay struct {
	pf        bool
	totalVFs  uint32
	transport guc.Transport
	handler   Handler
	timeout   time.Duration
	clock     clock.Clock

	// Sanitize controls whether handler errors sent to a VF are
	// stripped down to UNDISCLOSED. Disabled only by selftests.
	Sanitize bool

	mu        sync.Mutex
	lastFence uint32
	pending   []*pendingRelay
}

// NewPF creates the PF-side relay endpoint.
func NewPF(transport guc.Transport, totalVFs uint32, handler Handler) *Relay {
	return &Relay{
		pf:        true,
		totalVFs:  totalVFs,
		transport: transport,
		handler:   handler,
		timeout:   DefaultTimeout,
		clock:     clock.RealClock{},
		Sanitize:  true,
	}
}

// NewVF creates a VF-side relay endpoint.
func NewVF(transport guc.Transport, handler Handler) *Relay {
	return &Relay{
		transport: transport,
		handler:   handler,
		timeout:   DefaultTimeout,
		clock:     clock.RealClock{},
		Sanitize:  true,
	}
}

// SetTimeout overrides the reply timeout; d == 0 waits forever.
func (r *Relay) SetTimeout(d time.Duration) { r.timeout = d }

// SetClock injects a fake clock for tests.
func (r *Relay) SetClock(c clock.Clock) { r.clock = c }

func (r *Relay) nextFence() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastFence++
	if r.lastFence == 0 {
		r.lastFence = 1
	}
	return r.lastFence
}

// send wraps msg into the transport frame for target and submits it,
// retrying while the command channel is busy.
func (r *Relay) send(target, relayID uint32, msg []uint32) error {
	if len(msg) == 0 || len(msg) > guc.RelayPayloadMaxLen+guc.HxgMsgMinLen {
		return fmt.Errorf("relay: message %d dwords: %w", len(msg), guc.ErrMsgSize)
	}

	klog.V(5).Infof("relay: sending %s.%d to %d (%d dwords)",
		guc.HxgTypeToString(guc.HxgType(msg[0])), relayID, target, len(msg))

	var frame []uint32
	if r.pf {
		frame = append([]uint32{
			guc.HxgHeader(guc.HxgOriginHost, guc.HxgTypeRequest, 0, guc.ActionPf2GucRelayToVF),
			target,
			relayID,
		}, msg...)
	} else {
		frame = append([]uint32{
			guc.HxgHeader(guc.HxgOriginHost, guc.HxgTypeRequest, 0, guc.ActionVf2GucRelayToPF),
			relayID,
		}, msg...)
	}

	for {
		err := r.transport.SendNonBlocking(frame)
		if err == nil {
			return nil
		}
		if err != guc.ErrBusy {
			klog.Errorf("relay: failed to send %s.%d to %d: %v",
				guc.HxgTypeToString(guc.HxgType(msg[0])), relayID, target, err)
			return err
		}
	}
}

func (r *Relay) link(p *pendingRelay) {
	r.mu.Lock()
	// list ordering does not need to match fence ordering
	r.pending = append(r.pending, p)
	r.mu.Unlock()
}

func (r *Relay) unlink(p *pendingRelay) {
	r.mu.Lock()
	for i, q := range r.pending {
		if q == p {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
}

func (r *Relay) sendAndWait(target, relayID uint32, msg, buf []uint32) (int, error) {
	pending := &pendingRelay{
		target:   target,
		fence:    relayID,
		done:     make(chan pendingStatus, 1),
		response: buf,
	}
	r.link(pending)
	defer r.unlink(pending)

	resend := true
	for {
		if resend {
			if err := r.send(target, relayID, msg); err != nil {
				return 0, err
			}
			resend = false
		}

		status, err := r.wait(pending)
		if err != nil {
			klog.Errorf("relay: %d.%d timed out after %v", target, relayID, r.timeout)
			return 0, err
		}
		switch {
		case status.err != nil:
			return 0, status.err
		case status.busy:
			// Keep waiting on the same pending record.
		case status.retry:
			resend = true
		case status.ok:
			klog.V(5).Infof("relay: %d.%d reply %d dwords", target, relayID, pending.responseLen)
			return pending.responseLen, nil
		default:
			return 0, &guc.Error{Code: status.wireError}
		}
	}
}

func (r *Relay) wait(pending *pendingRelay) (pendingStatus, error) {
	var timeout <-chan time.Time
	if r.timeout != 0 {
		timer := r.clock.NewTimer(r.timeout)
		defer timer.Stop()
		timeout = timer.C()
	}

	select {
	case status := <-pending.done:
		return status, nil
	case <-timeout:
		return pendingStatus{}, guc.ErrTimeout
	}
}

// SendToVF embeds msg into a GuC relay towards a VF. REQUESTs block
// for the reply which is copied into buf; the returned count is the
// reply length in dwords. EVENTs return right after submission.
// PF only.
func (r *Relay) SendToVF(target uint32, msg, buf []uint32) (int, error) {
	if !r.pf {
		return 0, fmt.Errorf("relay: send to VF%d from non-PF endpoint", target)
	}
	if target == 0 || target > r.totalVFs {
		return 0, fmt.Errorf("relay: bad target VF%d of %d", target, r.totalVFs)
	}
	return r.sendMsg(target, msg, buf)
}

// SendToPF embeds msg into a GuC relay towards the PF. VF only.
func (r *Relay) SendToPF(msg, buf []uint32) (int, error) {
	if r.pf {
		return 0, fmt.Errorf("relay: send to PF from PF endpoint")
	}
	return r.sendMsg(0, msg, buf)
}

func (r *Relay) sendMsg(target uint32, msg, buf []uint32) (int, error) {
	if len(msg) < guc.HxgMsgMinLen {
		return 0, guc.ErrMsgSize
	}
	if guc.HxgOrigin(msg[0]) != guc.HxgOriginHost {
		return 0, guc.ErrProto
	}

	relayID := r.nextFence()
	switch guc.HxgType(msg[0]) {
	case guc.HxgTypeEvent:
		return 0, r.send(target, relayID, msg)
	case guc.HxgTypeRequest:
		return r.sendAndWait(target, relayID, msg, buf)
	default:
		return 0, guc.ErrProto
	}
}

// ReplyToVF sends a prebuilt response message matching relayID.
// PF only; used by asynchronous service completions.
func (r *Relay) ReplyToVF(target, relayID uint32, msg []uint32) error {
	t := guc.HxgType(msg[0])
	if t == guc.HxgTypeRequest || t == guc.HxgTypeEvent {
		return guc.ErrProto
	}
	return r.send(target, relayID, msg)
}

func (r *Relay) sendSuccess(target, relayID uint32, data0 uint32, payload []uint32) error {
	msg := append([]uint32{guc.HxgResponseHeader(data0)}, payload...)
	return r.send(target, relayID, msg)
}

func (r *Relay) sendFailure(target, relayID, errorCode, hint uint32) error {
	return r.send(target, relayID, []uint32{guc.HxgFailureHeader(errorCode, hint)})
}

func (r *Relay) sanitizeError(code, hint uint32) (uint32, uint32) {
	if r.Sanitize {
		return guc.IovErrorUndisclosed, 0
	}
	return code, hint
}
