/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

// Package device assembles one SR-IOV capable GPU: per-GT GuC
// transport, GGTT, provisioning engine, VF state machine and relay,
// plus the G2H event demultiplexer feeding them.
package device

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/intel/intel-gpu-iov-manager/pkg/fakeguc"
	"github.com/intel/intel-gpu-iov-manager/pkg/ggtt"
	"github.com/intel/intel-gpu-iov-manager/pkg/guc"
	"github.com/intel/intel-gpu-iov-manager/pkg/provisioning"
	"github.com/intel/intel-gpu-iov-manager/pkg/relay"
	"github.com/intel/intel-gpu-iov-manager/pkg/vfstate"
)

// Options describe the platform being managed.
type Options struct {
	TotalVFs      uint32
	Discrete      bool
	LmemTotal     uint64
	GgttTotal     uint64
	Wopcm         uint64
	GgttAlignment uint64
	WithMediaGT   bool
}

// Defaults fills unset fields with a Flex-170-like shape.
func (o *Options) defaults() {
	if o.TotalVFs == 0 {
		o.TotalVFs = 4
	}
	if o.GgttTotal == 0 {
		o.GgttTotal = 4 << 30
	}
	if o.Wopcm == 0 {
		o.Wopcm = 8 << 20
	}
	if o.GgttAlignment == 0 {
		o.GgttAlignment = 4096
	}
}

// GT is one graphics/media tile of the device.
type GT struct {
	Name  string
	Root  bool
	Media bool

	GGTT         *ggtt.GGTT
	Provisioning *provisioning.Engine
	State        *vfstate.Manager
	Relay        *relay.Relay
}

// Device is the PF-side view of one SR-IOV GPU.
type Device struct {
	Options Options
	GTs     []*GT
}

// New assembles the device over a transport and buffer allocator,
// typically a fake GuC in tests and tooling.
func New(opts Options, transport guc.Transport, buffers guc.BufferAllocator) (*Device, error) {
	opts.defaults()

	d := &Device{Options: opts}

	names := []string{"gt0"}
	if opts.WithMediaGT {
		names = append(names, "gt1")
	}
	for i, name := range names {
		media := i > 0
		gtt := ggtt.New(opts.GgttTotal, opts.Wopcm)

		prov := provisioning.New(provisioning.Caps{
			TotalVFs:      opts.TotalVFs,
			GgttAlignment: opts.GgttAlignment,
			LmemTotal:     opts.LmemTotal,
			Discrete:      opts.Discrete,
		}, gtt, transport, buffers)
		if err := prov.AssignPFContexts(); err != nil {
			return nil, fmt.Errorf("device: %s: %v", name, err)
		}

		gt := &GT{
			Name:         name,
			Root:         !media,
			Media:        media,
			GGTT:         gtt,
			Provisioning: prov,
			State:        vfstate.New(name, !media, media, opts.TotalVFs, transport, buffers, prov),
			Relay:        relay.NewPF(transport, opts.TotalVFs, &relay.Service{}),
		}
		d.GTs = append(d.GTs, gt)
	}

	// FLR completion is synchronized across every GT.
	managers := make([]*vfstate.Manager, len(d.GTs))
	for i, gt := range d.GTs {
		managers[i] = gt.State
	}
	for _, gt := range d.GTs {
		gt.State.SetPeers(managers)
	}

	return d, nil
}

// NewFake assembles the device on top of a fake GuC, with events
// wired back into the root GT's handlers.
func NewFake(opts Options) (*Device, *fakeguc.GuC, error) {
	opts.defaults()
	fake := fakeguc.New(opts.TotalVFs)

	d, err := New(opts, fake.PFPort(), fake)
	if err != nil {
		return nil, nil, err
	}

	fake.Notify = d.DispatchEvent
	fake.RelayToPF = func(frame []uint32) {
		if err := d.Root().Relay.ProcessGuc2PF(frame); err != nil {
			klog.Errorf("relay guc2pf: %v", err)
		}
	}
	return d, fake, nil
}

// Root returns the primary GT.
func (d *Device) Root() *GT { return d.GTs[0] }

// Stop tears down every worker.
func (d *Device) Stop() {
	for _, gt := range d.GTs {
		gt.State.Stop()
		gt.Provisioning.Stop()
	}
}

// DispatchEvent demultiplexes one G2H event frame onto the consuming
// subsystem, mirroring the interrupt-handler dispatch.
func (d *Device) DispatchEvent(msg []uint32) {
	if len(msg) == 0 {
		return
	}
	gt := d.Root()

	var err error
	switch action := guc.HxgAction(msg[0]); action {
	case guc.ActionGuc2PfRelayFromVF:
		err = gt.Relay.ProcessGuc2PF(msg)
	case guc.ActionGuc2PfAdverseEvent:
		err = gt.State.ProcessAdverseEvent(msg)
	case guc.ActionGuc2PfVfStateNotify:
		for _, g := range d.GTs {
			if err = g.State.ProcessStateNotify(msg); err != nil {
				break
			}
		}
	default:
		err = fmt.Errorf("device: unexpected G2H action %#x", action)
	}
	if err != nil {
		klog.Errorf("Failed to process G2H event: %v", err)
	}
}

// Control applies one sysfs-style control verb to a VF.
func (d *Device) Control(ctx context.Context, vfid uint32, op string) error {
	gt := d.Root()
	switch op {
	case "pause":
		return gt.State.PauseSync(ctx, vfid, false)
	case "resume":
		return gt.State.Resume(ctx, vfid)
	case "stop":
		return gt.State.StopVF(ctx, vfid)
	case "clear":
		for _, g := range d.GTs {
			if err := g.Provisioning.ReleaseConfig(ctx, vfid); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("device: unknown control %q", op)
	}
}
