/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

// Package fakeguc models enough of the GuC firmware to exercise the
// provisioning, relay and VF state machinery without hardware: it
// parses KLV pushes, acknowledges VF control commands with the
// matching asynchronous events, forwards relay frames and keeps
// per-VF save/restore images.
package fakeguc

import (
	"context"
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/intel/intel-gpu-iov-manager/pkg/guc"
	"github.com/intel/intel-gpu-iov-manager/pkg/klv"
)

// stateSizeDw is the migration image size the fake reports, 4 KiB.
const stateSizeDw = 1024

type vfState struct {
	paused  bool
	stopped bool
	saved   []uint32
}

// GuC is the device-wide fake. PFPort and VFPort hand out transport
// endpoints attributed to the right function.
type GuC struct {
	totalVFs uint32

	mu        sync.Mutex
	nextAddr  uint64
	buffers   map[uint64][]uint32
	vfConfigs map[uint32]map[uint16]uint64
	policies  map[uint16]uint64
	vfStates  map[uint32]*vfState

	// Notify delivers GUC2PF events (state notify, adverse events) to
	// the PF driver. Set by the device wiring.
	Notify func(msg []uint32)
	// RelayToVF and RelayToPF deliver relay event frames.
	RelayToVF func(vfid uint32, frame []uint32)
	RelayToPF func(frame []uint32)

	// Fault injection.
	FailSend    error
	BusyCount   int
	UnknownKeys map[uint16]bool

	// CfgPushes counts UPDATE_VF_CFG round trips, for no-op checks in
	// tests.
	CfgPushes int
}

// New creates a fake for a device with totalVFs virtual functions.
func New(totalVFs uint32) *GuC {
	g := &GuC{
		totalVFs:    totalVFs,
		nextAddr:    0x1000,
		buffers:     map[uint64][]uint32{},
		vfConfigs:   map[uint32]map[uint16]uint64{},
		policies:    map[uint16]uint64{},
		vfStates:    map[uint32]*vfState{},
		UnknownKeys: map[uint16]bool{},
	}
	for n := uint32(0); n <= totalVFs; n++ {
		g.vfStates[n] = &vfState{}
	}
	return g
}

// AllocBuffer implements guc.BufferAllocator with a flat fake GGTT.
func (g *GuC) AllocBuffer(bytes int) (*guc.Buffer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	words := make([]uint32, (bytes+3)/4)
	addr := g.nextAddr
	g.nextAddr += uint64((bytes + 4095) / 4096 * 4096)
	g.buffers[addr] = words
	return &guc.Buffer{Addr: addr, Words: words}, nil
}

// FreeBuffer implements guc.BufferAllocator.
func (g *GuC) FreeBuffer(buf *guc.Buffer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.buffers, buf.Addr)
}

func (g *GuC) readBuffer(addr uint64, dwords uint32) ([]uint32, error) {
	words, ok := g.buffers[addr]
	if !ok || int(dwords) > len(words) {
		return nil, fmt.Errorf("fakeguc: bad blob %#x+%d", addr, dwords)
	}
	return words[:dwords], nil
}

// VfConfig returns the decoded KLV view the firmware currently holds
// for one VF.
func (g *GuC) VfConfig(vfid uint32) map[uint16]uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := map[uint16]uint64{}
	for k, v := range g.vfConfigs[vfid] {
		out[k] = v
	}
	return out
}

// Policy returns one decoded VGT policy value.
func (g *GuC) Policy(key uint16) (uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.policies[key]
	return v, ok
}

// Paused reports the fake scheduling state of a VF.
func (g *GuC) Paused(vfid uint32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.vfStates[vfid].paused
}

// applyKlvs parses a blob the way the firmware does: entries are
// applied in order until an unknown key stops the scan. The count of
// applied entries is the reply.
func (g *GuC) applyKlvs(store map[uint16]uint64, blob []uint32) uint32 {
	applied := uint32(0)
	for len(blob) > 0 {
		key := klv.HeaderKey(blob[0])
		length := int(klv.HeaderLen(blob[0]))
		if length < 1 || length > 2 || 1+length > len(blob) {
			break
		}
		if g.UnknownKeys[key] {
			break
		}
		if length == 1 {
			store[key] = uint64(blob[1])
		} else {
			store[key] = uint64(blob[1]) | uint64(blob[2])<<32
		}
		blob = blob[1+length:]
		applied++
	}
	return applied
}

func (g *GuC) stateNotifyFrame(vfid, event uint32) []uint32 {
	return []uint32{
		guc.HxgHeader(guc.HxgOriginGuc, guc.HxgTypeEvent, 0, guc.ActionGuc2PfVfStateNotify),
		vfid,
		event,
	}
}

func (g *GuC) notify(msg []uint32) {
	if g.Notify != nil {
		go g.Notify(msg)
	}
}

// TriggerFLR simulates the PCI function-level reset interrupt: the
// GuC notifies the PF that vfid wants an FLR.
func (g *GuC) TriggerFLR(vfid uint32) {
	g.notify(g.stateNotifyFrame(vfid, guc.NotifyVfFlr))
}

// TriggerAdverseEvent simulates a threshold violation report.
func (g *GuC) TriggerAdverseEvent(vfid uint32, thresholdKey uint32) {
	g.notify([]uint32{
		guc.HxgHeader(guc.HxgOriginGuc, guc.HxgTypeEvent, 0, guc.ActionGuc2PfAdverseEvent),
		vfid,
		thresholdKey,
	})
}

func (g *GuC) handleVfControl(vfid, command uint32) (uint32, error) {
	if vfid == 0 || vfid > g.totalVFs {
		return 0, &guc.Error{Code: guc.IovErrorInvalidArgument}
	}

	g.mu.Lock()
	state := g.vfStates[vfid]
	g.mu.Unlock()

	switch command {
	case guc.VfControlPause:
		g.mu.Lock()
		state.paused = true
		g.mu.Unlock()
		g.notify(g.stateNotifyFrame(vfid, guc.NotifyVfPauseDone))
	case guc.VfControlResume:
		g.mu.Lock()
		state.paused = false
		state.stopped = false
		g.mu.Unlock()
	case guc.VfControlStop:
		g.mu.Lock()
		state.stopped = true
		g.mu.Unlock()
	case guc.VfControlFlrStart:
		g.mu.Lock()
		state.paused = false
		delete(g.vfConfigs, vfid)
		g.mu.Unlock()
		g.notify(g.stateNotifyFrame(vfid, guc.NotifyVfFlrDone))
	case guc.VfControlFlrFinish:
		// Cleanup handshake only.
	default:
		return 0, &guc.Error{Code: guc.IovErrorInvalidArgument}
	}
	return 0, nil
}

func (g *GuC) handleSaveRestore(opcode, vfid uint32, addr uint64, sizeDw uint32) (uint32, error) {
	if vfid == 0 || vfid > g.totalVFs {
		return 0, &guc.Error{Code: guc.IovErrorInvalidArgument}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	state := g.vfStates[vfid]

	switch opcode {
	case guc.OpcodeVfSave:
		if addr == 0 {
			return stateSizeDw, nil
		}
		if !state.paused {
			return 0, &guc.Error{Code: guc.IovErrorNotPermitted}
		}
		buf, err := g.readBuffer(addr, sizeDw)
		if err != nil {
			return 0, &guc.Error{Code: guc.IovErrorInvalidArgument}
		}
		if len(state.saved) == 0 {
			// Synthesize a stable image tagged with the vfid.
			state.saved = make([]uint32, stateSizeDw)
			for i := range state.saved {
				state.saved[i] = vfid<<24 | uint32(i)
			}
		}
		n := copy(buf, state.saved)
		return uint32(n), nil
	case guc.OpcodeVfRestore:
		if !state.paused {
			return 0, &guc.Error{Code: guc.IovErrorNotPermitted}
		}
		buf, err := g.readBuffer(addr, sizeDw)
		if err != nil {
			return 0, &guc.Error{Code: guc.IovErrorInvalidArgument}
		}
		state.saved = append([]uint32(nil), buf...)
		return sizeDw, nil
	default:
		return 0, &guc.Error{Code: guc.IovErrorInvalidArgument}
	}
}

// send is the shared H2G dispatcher; vfid attributes relay traffic
// when the sender is a VF port.
func (g *GuC) send(origin uint32, request []uint32) (uint32, error) {
	if g.FailSend != nil {
		err := g.FailSend
		g.FailSend = nil
		return 0, err
	}
	if g.BusyCount > 0 {
		g.BusyCount--
		return 0, guc.ErrBusy
	}
	if len(request) == 0 {
		return 0, guc.ErrProto
	}

	action := guc.HxgAction(request[0])
	klog.V(5).Infof("fakeguc: action %#x from %d (%d dwords)", action, origin, len(request))

	switch action {
	case guc.ActionPf2GucUpdateVfCfg:
		vfid := request[1]
		addr := uint64(request[2]) | uint64(request[3])<<32
		size := request[4]

		g.mu.Lock()
		defer g.mu.Unlock()
		g.CfgPushes++

		if addr == 0 && size == 0 {
			delete(g.vfConfigs, vfid)
			return 0, nil
		}
		blob, err := g.readBuffer(addr, size)
		if err != nil {
			return 0, &guc.Error{Code: guc.IovErrorInvalidArgument}
		}
		store := g.vfConfigs[vfid]
		if store == nil {
			store = map[uint16]uint64{}
			g.vfConfigs[vfid] = store
		}
		return g.applyKlvs(store, blob), nil

	case guc.ActionPf2GucUpdateVgtPolicy:
		addr := uint64(request[1]) | uint64(request[2])<<32
		size := request[3]

		g.mu.Lock()
		defer g.mu.Unlock()

		blob, err := g.readBuffer(addr, size)
		if err != nil {
			return 0, &guc.Error{Code: guc.IovErrorInvalidArgument}
		}
		return g.applyKlvs(g.policies, blob), nil

	case guc.ActionPf2GucVfControl:
		return g.handleVfControl(request[1], request[2])

	case guc.ActionPf2GucSaveRestoreVf:
		opcode := guc.HxgData0(request[0])
		addr := uint64(request[2]) | uint64(request[3])<<32
		return g.handleSaveRestore(opcode, request[1], addr, request[4])

	default:
		return 0, &guc.Error{Code: guc.IovErrorInvalidRequestCode}
	}
}

// sendNonBlocking routes relay frames between the endpoints.
func (g *GuC) sendNonBlocking(origin uint32, frame []uint32) error {
	if g.BusyCount > 0 {
		g.BusyCount--
		return guc.ErrBusy
	}
	if len(frame) == 0 {
		return guc.ErrProto
	}

	switch guc.HxgAction(frame[0]) {
	case guc.ActionPf2GucRelayToVF:
		target, relayID := frame[1], frame[2]
		out := append([]uint32{
			guc.HxgHeader(guc.HxgOriginGuc, guc.HxgTypeEvent, 0, guc.ActionGuc2VfRelayFromPF),
			relayID,
		}, frame[3:]...)
		if g.RelayToVF != nil {
			go g.RelayToVF(target, out)
		}
		return nil
	case guc.ActionVf2GucRelayToPF:
		relayID := frame[1]
		out := append([]uint32{
			guc.HxgHeader(guc.HxgOriginGuc, guc.HxgTypeEvent, 0, guc.ActionGuc2PfRelayFromVF),
			origin,
			relayID,
		}, frame[2:]...)
		if g.RelayToPF != nil {
			go g.RelayToPF(out)
		}
		return nil
	default:
		// Non-relay actions go through the blocking path.
		_, err := g.send(origin, frame)
		return err
	}
}

// port binds a transport endpoint to one function.
type port struct {
	guc    *GuC
	origin uint32
}

func (p *port) Send(ctx context.Context, request []uint32) (uint32, error) {
	return p.guc.send(p.origin, request)
}

func (p *port) SendNonBlocking(request []uint32) error {
	return p.guc.sendNonBlocking(p.origin, request)
}

// PFPort returns the PF's transport endpoint.
func (g *GuC) PFPort() guc.Transport { return &port{guc: g, origin: 0} }

// VFPort returns the transport endpoint of one VF; its relay frames
// are attributed to vfid.
func (g *GuC) VFPort(vfid uint32) guc.Transport { return &port{guc: g, origin: vfid} }
