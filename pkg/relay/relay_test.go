/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/intel/intel-gpu-iov-manager/pkg/guc"
)

// mockTransport records outbound frames and lets tests feed replies
// back into the relay.
type mockTransport struct {
	frames  [][]uint32
	onSend  func(frame []uint32)
	busyFor int
}

func (m *mockTransport) Send(ctx context.Context, request []uint32) (uint32, error) {
	return 0, errors.New("not used by relay")
}

func (m *mockTransport) SendNonBlocking(frame []uint32) error {
	if m.busyFor > 0 {
		m.busyFor--
		return guc.ErrBusy
	}
	cp := append([]uint32(nil), frame...)
	m.frames = append(m.frames, cp)
	if m.onSend != nil {
		m.onSend(cp)
	}
	return nil
}

func requestMsg(action, data0 uint32, payload ...uint32) []uint32 {
	return append([]uint32{guc.HxgHeader(guc.HxgOriginHost, guc.HxgTypeRequest, data0, action)}, payload...)
}

// guc2pfFrame rebuilds the inbound event frame the GuC would deliver
// for a message sent by vfid.
func guc2pfFrame(vfid, relayID uint32, msg []uint32) []uint32 {
	return append([]uint32{
		guc.HxgHeader(guc.HxgOriginGuc, guc.HxgTypeEvent, 0, guc.ActionGuc2PfRelayFromVF),
		vfid,
		relayID,
	}, msg...)
}

func TestSendToVFMatchesResponseByFence(t *testing.T) {
	transport := &mockTransport{}
	r := NewPF(transport, 4, nil)

	transport.onSend = func(frame []uint32) {
		vfid, relayID := frame[1], frame[2]
		go func() {
			reply := guc2pfFrame(vfid, relayID, []uint32{guc.HxgResponseHeader(7), 0xabcd})
			if err := r.ProcessGuc2PF(reply); err != nil {
				t.Errorf("process reply: %v", err)
			}
		}()
	}

	buf := make([]uint32, 8)
	n, err := r.SendToVF(1, requestMsg(0x100, 0), buf)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 reply dwords, got %d", n)
	}
	if buf[0] != 7 || buf[1] != 0xabcd {
		t.Errorf("reply contents: %#x %#x", buf[0], buf[1])
	}
}

func TestSendToVFFailureReturnsWireCode(t *testing.T) {
	transport := &mockTransport{}
	r := NewPF(transport, 4, nil)

	transport.onSend = func(frame []uint32) {
		vfid, relayID := frame[1], frame[2]
		go func() {
			reply := guc2pfFrame(vfid, relayID,
				[]uint32{guc.HxgFailureHeader(guc.IovErrorNoDataAvailable, 0)})
			_ = r.ProcessGuc2PF(reply)
		}()
	}

	_, err := r.SendToVF(1, requestMsg(0x100, 0), make([]uint32, 4))
	var gerr *guc.Error
	if !errors.As(err, &gerr) {
		t.Fatalf("expected guc.Error, got %v", err)
	}
	if gerr.Code != guc.IovErrorNoDataAvailable {
		t.Errorf("expected code 61, got %d", gerr.Code)
	}

	// The pending record must be gone: a late duplicate reply is dropped.
	r.mu.Lock()
	left := len(r.pending)
	r.mu.Unlock()
	if left != 0 {
		t.Errorf("expected no pending records, got %d", left)
	}
}

func TestBusyReplyKeepsPendingAlive(t *testing.T) {
	transport := &mockTransport{}
	r := NewPF(transport, 2, nil)

	transport.onSend = func(frame []uint32) {
		vfid, relayID := frame[1], frame[2]
		go func() {
			busy := guc2pfFrame(vfid, relayID, []uint32{
				guc.HxgHeader(guc.HxgOriginHost, guc.HxgTypeNoResponseBusy, 0, 0)})
			_ = r.ProcessGuc2PF(busy)
			time.Sleep(10 * time.Millisecond)
			ok := guc2pfFrame(vfid, relayID, []uint32{guc.HxgResponseHeader(1)})
			_ = r.ProcessGuc2PF(ok)
		}()
	}

	n, err := r.SendToVF(1, requestMsg(0x100, 0), make([]uint32, 4))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 reply dword, got %d", n)
	}
	if len(transport.frames) != 1 {
		t.Errorf("busy must not resend, got %d frames", len(transport.frames))
	}
}

func TestRetryReplyResendsSameFence(t *testing.T) {
	transport := &mockTransport{}
	r := NewPF(transport, 2, nil)

	replies := 0
	transport.onSend = func(frame []uint32) {
		vfid, relayID := frame[1], frame[2]
		replies++
		first := replies == 1
		go func() {
			if first {
				retry := guc2pfFrame(vfid, relayID, []uint32{
					guc.HxgHeader(guc.HxgOriginHost, guc.HxgTypeNoResponseRetry, 0, 0)})
				_ = r.ProcessGuc2PF(retry)
				return
			}
			ok := guc2pfFrame(vfid, relayID, []uint32{guc.HxgResponseHeader(0)})
			_ = r.ProcessGuc2PF(ok)
		}()
	}

	if _, err := r.SendToVF(1, requestMsg(0x100, 0), make([]uint32, 4)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(transport.frames) != 2 {
		t.Fatalf("expected resend, got %d frames", len(transport.frames))
	}
	if transport.frames[0][2] != transport.frames[1][2] {
		t.Errorf("retry changed the fence: %d vs %d", transport.frames[0][2], transport.frames[1][2])
	}
}

func TestUnknownRelayIDDropped(t *testing.T) {
	r := NewPF(&mockTransport{}, 2, nil)
	reply := guc2pfFrame(1, 12345, []uint32{guc.HxgResponseHeader(0)})
	if err := r.ProcessGuc2PF(reply); err != nil {
		t.Errorf("stray response must be dropped silently, got %v", err)
	}
}

func TestReplyLargerThanBufferFails(t *testing.T) {
	transport := &mockTransport{}
	r := NewPF(transport, 2, nil)

	transport.onSend = func(frame []uint32) {
		vfid, relayID := frame[1], frame[2]
		go func() {
			reply := guc2pfFrame(vfid, relayID, []uint32{guc.HxgResponseHeader(0), 1, 2, 3, 4})
			_ = r.ProcessGuc2PF(reply)
		}()
	}

	_, err := r.SendToVF(1, requestMsg(0x100, 0), make([]uint32, 2))
	if !errors.Is(err, guc.ErrNoBufs) {
		t.Errorf("expected ErrNoBufs, got %v", err)
	}
}

func TestGuc2PFValidation(t *testing.T) {
	r := NewPF(&mockTransport{}, 2, nil)

	tests := []struct {
		name string
		msg  []uint32
		want error
	}{
		{
			name: "origin zero",
			msg:  guc2pfFrame(0, 1, []uint32{guc.HxgResponseHeader(0)}),
			want: guc.ErrProto,
		},
		{
			name: "origin beyond total vfs",
			msg:  guc2pfFrame(3, 1, []uint32{guc.HxgResponseHeader(0)}),
			want: guc.ErrProto,
		},
		{
			name: "truncated frame",
			msg:  guc2pfFrame(1, 1, nil)[:2],
			want: guc.ErrProto,
		},
		{
			name: "oversized frame",
			msg:  guc2pfFrame(1, 1, make([]uint32, guc.RelayPayloadMaxLen+1)),
			want: guc.ErrMsgSize,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.ProcessGuc2PF(tt.msg); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

// wirePair connects a PF and a VF relay back to back the way the GuC
// forwards relay frames between the two drivers.
func wirePair(t *testing.T, vfid uint32) (*Relay, *Relay) {
	t.Helper()

	pfTransport := &mockTransport{}
	vfTransport := &mockTransport{}

	pf := NewPF(pfTransport, 4, &Service{})
	vf := NewVF(vfTransport, nil)

	pfTransport.onSend = func(frame []uint32) {
		// PF2GUC_RELAY_TO_VF -> GUC2VF_RELAY_FROM_PF
		out := append([]uint32{
			guc.HxgHeader(guc.HxgOriginGuc, guc.HxgTypeEvent, 0, guc.ActionGuc2VfRelayFromPF),
			frame[2],
		}, frame[3:]...)
		go func() { _ = vf.ProcessGuc2VF(out) }()
	}
	vfTransport.onSend = func(frame []uint32) {
		// VF2GUC_RELAY_TO_PF -> GUC2PF_RELAY_FROM_VF
		out := append([]uint32{
			guc.HxgHeader(guc.HxgOriginGuc, guc.HxgTypeEvent, 0, guc.ActionGuc2PfRelayFromVF),
			vfid,
			frame[1],
		}, frame[2:]...)
		go func() { _ = pf.ProcessGuc2PF(out) }()
	}

	return pf, vf
}

func TestEchoRoundTrip(t *testing.T) {
	_, vf := wirePair(t, 1)

	payload := []uint32{0xdead, 0xbeef, 0xcafe}
	buf := make([]uint32, 8)
	n, err := vf.SendToPF(requestMsg(ActionSelftestRelay, SelftestRelayOpcodeEcho, payload...), buf)
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	if n != 1+len(payload) {
		t.Fatalf("expected %d reply dwords, got %d", 1+len(payload), n)
	}
	for i, want := range payload {
		if buf[1+i] != want {
			t.Errorf("payload[%d]: expected %#x, got %#x", i, want, buf[1+i])
		}
	}
}

func TestEchoFailureSanitized(t *testing.T) {
	_, vf := wirePair(t, 1)

	_, err := vf.SendToPF(requestMsg(ActionSelftestRelay, SelftestRelayOpcodeFail), make([]uint32, 4))
	var gerr *guc.Error
	if !errors.As(err, &gerr) {
		t.Fatalf("expected guc.Error, got %v", err)
	}
	// PF->VF errors are sanitized to UNDISCLOSED by default.
	if gerr.Code != guc.IovErrorUndisclosed {
		t.Errorf("expected sanitized code 0, got %d", gerr.Code)
	}
}
