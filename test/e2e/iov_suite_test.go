/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"

	"github.com/intel/intel-gpu-iov-manager/pkg/device"
	"github.com/intel/intel-gpu-iov-manager/pkg/fakeguc"
	"github.com/intel/intel-gpu-iov-manager/pkg/fence"
	"github.com/intel/intel-gpu-iov-manager/pkg/gpuvm"
	"github.com/intel/intel-gpu-iov-manager/pkg/guc"
	"github.com/intel/intel-gpu-iov-manager/pkg/klv"
	"github.com/intel/intel-gpu-iov-manager/pkg/relay"
)

func TestIOV(t *testing.T) {
	gomega.RegisterFailHandler(ginkgo.Fail)
	ginkgo.RunSpecs(t, "IOV manager e2e suite")
}

var _ = ginkgo.Describe("IOV provisioning", func() {
	var (
		dev  *device.Device
		fake *fakeguc.GuC
		ctx  context.Context
	)

	ginkgo.BeforeEach(func() {
		var err error
		// 1 GiB of usable GGTT above WOPCM, 64 KiB aligned.
		dev, fake, err = device.NewFake(device.Options{
			TotalVFs:      4,
			GgttTotal:     1<<30 + 8<<20,
			Wopcm:         8 << 20,
			GgttAlignment: 64 << 10,
		})
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		ctx = context.Background()
	})

	ginkgo.AfterEach(func() {
		dev.Stop()
	})

	ginkgo.It("fair-shares GGTT minus the PF spare across all VFs", func() {
		// S1: 1 GiB free, 64 MiB spare, 4 VFs.
		prov := dev.Root().Provisioning
		prov.SetSpareGgtt(64 << 20)

		gomega.Expect(prov.AutoProvision(ctx, 4)).To(gomega.Succeed())

		expected := uint64(1<<30-64<<20) / 4
		for vfid := uint32(1); vfid <= 4; vfid++ {
			config, err := prov.GetConfig(vfid)
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(config.GgttRegion.Size).To(gomega.Equal(expected))
		}
		gomega.Expect(prov.Verify(4)).To(gomega.Succeed())
	})

	ginkgo.It("does not push an unchanged quota", func() {
		// S2: setting the same context quota twice is a no-op.
		prov := dev.Root().Provisioning
		gomega.Expect(prov.SetCtxs(ctx, 1, 128)).To(gomega.Succeed())

		pushes := fake.CfgPushes
		gomega.Expect(prov.SetCtxs(ctx, 1, 128)).To(gomega.Succeed())
		gomega.Expect(fake.CfgPushes).To(gomega.Equal(pushes))
	})

	ginkgo.It("runs the full FLR sequence on a paused VF", func() {
		// S3: FLR clears paused and returns the GGTT space to the PF.
		prov := dev.Root().Provisioning
		state := dev.Root().State

		gomega.Expect(prov.SetGgtt(ctx, 1, 64<<20)).To(gomega.Succeed())
		config, _ := prov.GetConfig(1)
		gomega.Expect(state.PauseSync(ctx, 1, false)).To(gomega.Succeed())

		fake.TriggerFLR(1)

		// The notification arrives asynchronously; FLR_START has run once
		// the firmware dropped the VF's config, and NoFLR then marks the end.
		gomega.Eventually(func() bool {
			return len(fake.VfConfig(1)) == 0 && state.NoFLR(1)
		}, 2*time.Second, 5*time.Millisecond).Should(gomega.BeTrue())

		gomega.Expect(state.FLRFailed(1)).To(gomega.BeFalse())
		gomega.Expect(state.Paused(1)).To(gomega.BeFalse())
		gomega.Expect(dev.Root().GGTT.SpaceOwner(config.GgttRegion.Start)).To(gomega.Equal(uint32(0)))
	})

	ginkgo.It("provisions exactly total_vfs VFs when one VF fits", func() {
		prov := dev.Root().Provisioning
		gomega.Expect(prov.AutoProvision(ctx, 4)).To(gomega.Succeed())
		for vfid := uint32(1); vfid <= 4; vfid++ {
			cfg := fake.VfConfig(vfid)
			gomega.Expect(cfg[klv.KeyNumContexts]).NotTo(gomega.BeZero())
		}
	})
})

var _ = ginkgo.Describe("IOV relay", func() {
	ginkgo.It("returns the wire error of a failed request", func() {
		// S4: FAILURE(ENODATA) surfaces as the IOV error code 61.
		dev, fake, err := device.NewFake(device.Options{TotalVFs: 2})
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		defer dev.Stop()

		vf := relay.NewVF(fake.VFPort(1), nil)
		fake.RelayToVF = func(vfid uint32, frame []uint32) {
			_ = vf.ProcessGuc2VF(frame)
		}

		// The PF service fails the selftest FAIL opcode with ENODATA.
		// Errors sent to a VF are sanitized to UNDISCLOSED by default;
		// sanitizing is turned off so the code reaches the VF.
		dev.Root().Relay.Sanitize = false
		msg := []uint32{guc.HxgHeader(guc.HxgOriginHost, guc.HxgTypeRequest,
			relay.SelftestRelayOpcodeFail, relay.ActionSelftestRelay)}
		_, err = vf.SendToPF(msg, make([]uint32, 4))

		var gerr *guc.Error
		gomega.Expect(err).To(gomega.HaveOccurred())
		gomega.Expect(errorsAs(err, &gerr)).To(gomega.BeTrue())
		gomega.Expect(gerr.Code).To(gomega.Equal(uint32(guc.IovErrorNoDataAvailable)))
	})

	ginkgo.It("echoes a VF request's payload back unchanged", func() {
		dev, fake, err := device.NewFake(device.Options{TotalVFs: 2})
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		defer dev.Stop()

		vf := relay.NewVF(fake.VFPort(1), nil)
		fake.RelayToVF = func(vfid uint32, frame []uint32) {
			_ = vf.ProcessGuc2VF(frame)
		}

		payload := []uint32{1, 2, 3}
		msg := append([]uint32{guc.HxgHeader(guc.HxgOriginHost, guc.HxgTypeRequest,
			relay.SelftestRelayOpcodeEcho, relay.ActionSelftestRelay)}, payload...)
		buf := make([]uint32, 8)
		n, err := vf.SendToPF(msg, buf)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		gomega.Expect(n).To(gomega.Equal(1 + len(payload)))
		gomega.Expect(buf[1:n]).To(gomega.Equal(payload))
	})
})

var _ = ginkgo.Describe("page-table engine", func() {
	newVM := func(mode gpuvm.Mode) (*gpuvm.VM, *gpuvm.Tile) {
		tile := gpuvm.NewTile(0, instantInvalidator{}, nil)
		vm, err := gpuvm.NewVM(mode, 1, []*gpuvm.Tile{tile})
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		ginkgo.DeferCleanup(tile.Stop)
		return vm, tile
	}

	ginkgo.It("maps a 2 MiB contiguous range with a single huge PTE", func() {
		// S5 huge-page half.
		vm, tile := newVM(gpuvm.Mode{})

		vma := &gpuvm.VMA{
			Start:   2 << 20,
			End:     4 << 20,
			Backing: []gpuvm.Chunk{{DmaAddr: 16 << 20, Size: 2 << 20}},
		}
		ops := gpuvm.NewVmaOps(vm)
		ops.Add(&gpuvm.Op{Type: gpuvm.OpMap, MapVMA: vma, MapImmediate: true})
		fences, err := ops.Exec(context.Background(), []*gpuvm.Tile{tile})
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		gomega.Eventually(fences[0].Done()).Should(gomega.BeClosed())
		gomega.Expect(vma.TilePresent()).To(gomega.Equal(uint32(1)))
	})

	ginkgo.It("unbinds a fully covered pagetable through its parent PDE", func() {
		// S6 via the public op queue.
		vm, tile := newVM(gpuvm.Mode{})

		vma := &gpuvm.VMA{
			Start:   2 << 20,
			End:     4 << 20,
			Backing: []gpuvm.Chunk{{DmaAddr: 16 << 20, Size: 2 << 20}},
		}
		ops := gpuvm.NewVmaOps(vm)
		ops.Add(&gpuvm.Op{Type: gpuvm.OpMap, MapVMA: vma, MapImmediate: true})
		_, err := ops.Exec(context.Background(), []*gpuvm.Tile{tile})
		gomega.Expect(err).NotTo(gomega.HaveOccurred())

		ops = gpuvm.NewVmaOps(vm)
		ops.Add(&gpuvm.Op{Type: gpuvm.OpUnmap, UnmapVMA: vma})
		fences, err := ops.Exec(context.Background(), []*gpuvm.Tile{tile})
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		gomega.Eventually(fences[0].Done()).Should(gomega.BeClosed())
		gomega.Expect(vma.TilePresent()).To(gomega.BeZero())
	})
})

// errorsAs adapts errors.As for gomega assertions.
func errorsAs(err error, target interface{}) bool {
	switch t := target.(type) {
	case **guc.Error:
		e, ok := err.(*guc.Error)
		if !ok {
			return false
		}
		*t = e
		return true
	}
	return false
}

// instantInvalidator acks TLB invalidations immediately.
type instantInvalidator struct{}

func (instantInvalidator) Invalidate(start, last uint64, asid uint32) *fence.Fence {
	return fence.Stub()
}
