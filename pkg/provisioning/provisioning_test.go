/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

package provisioning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/intel/intel-gpu-iov-manager/pkg/bitmap"
	"github.com/intel/intel-gpu-iov-manager/pkg/fakeguc"
	"github.com/intel/intel-gpu-iov-manager/pkg/ggtt"
	"github.com/intel/intel-gpu-iov-manager/pkg/guc"
	"github.com/intel/intel-gpu-iov-manager/pkg/klv"
)

const (
	testWopcm    = 4 << 20
	testGgttSize = testWopcm + 1<<30 // 1 GiB usable above WOPCM
)

func newTestEngine(t *testing.T, totalVFs uint32, alignment uint64) (*Engine, *fakeguc.GuC, *ggtt.GGTT) {
	t.Helper()

	fake := fakeguc.New(totalVFs)
	gtt := ggtt.New(testGgttSize, testWopcm)
	e := New(Caps{
		TotalVFs:      totalVFs,
		GgttAlignment: alignment,
	}, gtt, fake.PFPort(), fake)
	t.Cleanup(e.Stop)
	return e, fake, gtt
}

func TestAssignPFContexts(t *testing.T) {
	e, _, _ := newTestEngine(t, 7, 4096)

	if err := e.AssignPFContexts(); err != nil {
		t.Fatalf("assign: %v", err)
	}

	pf, _ := e.GetConfig(PFID)
	// 512 package bits, 512/8*7 = 448 bits for VFs, 64 bits for the PF,
	// first package is one ID short.
	if pf.NumCtxs != 64*CtxsGranularity-1 {
		t.Errorf("expected %d PF contexts, got %d", 64*CtxsGranularity-1, pf.NumCtxs)
	}
	if pf.BeginCtx != 0 {
		t.Errorf("PF contexts must start at 0, got %d", pf.BeginCtx)
	}

	if err := e.AssignPFContexts(); err == nil {
		t.Error("second assignment must fail")
	}
}

func TestSetCtxsPushesAndRecords(t *testing.T) {
	e, fake, _ := newTestEngine(t, 4, 4096)
	ctx := context.Background()

	if err := e.SetCtxs(ctx, 1, 128); err != nil {
		t.Fatalf("set ctxs: %v", err)
	}

	num, _ := e.GetCtxs(1)
	if num != 128 {
		t.Errorf("expected 128 contexts, got %d", num)
	}

	cfg := fake.VfConfig(1)
	if cfg[klv.KeyNumContexts] != 128 {
		t.Errorf("firmware num_ctxs: expected 128, got %d", cfg[klv.KeyNumContexts])
	}
	config, _ := e.GetConfig(1)
	if cfg[klv.KeyBeginContextID] != uint64(config.BeginCtx) {
		t.Errorf("firmware begin_ctx %d != record %d", cfg[klv.KeyBeginContextID], config.BeginCtx)
	}
}

func TestSetCtxsIdempotent(t *testing.T) {
	e, fake, _ := newTestEngine(t, 4, 4096)
	ctx := context.Background()

	if err := e.SetCtxs(ctx, 1, 128); err != nil {
		t.Fatalf("set ctxs: %v", err)
	}
	pushes := fake.CfgPushes

	// Same quota again: no GuC round trip.
	if err := e.SetCtxs(ctx, 1, 128); err != nil {
		t.Fatalf("second set ctxs: %v", err)
	}
	if fake.CfgPushes != pushes {
		t.Errorf("unchanged quota must not push, %d -> %d pushes", pushes, fake.CfgPushes)
	}
}

func TestSetCtxsDisjointRanges(t *testing.T) {
	e, _, _ := newTestEngine(t, 4, 4096)
	ctx := context.Background()

	type span struct{ begin, end uint32 }
	var spans []span
	for vfid := uint32(1); vfid <= 4; vfid++ {
		if err := e.SetCtxs(ctx, vfid, 256); err != nil {
			t.Fatalf("VF%d: %v", vfid, err)
		}
		config, _ := e.GetConfig(vfid)
		spans = append(spans, span{config.BeginCtx, config.BeginCtx + config.NumCtxs})
	}
	for i := range spans {
		for j := i + 1; j < len(spans); j++ {
			if spans[i].begin < spans[j].end && spans[j].begin < spans[i].end {
				t.Errorf("overlapping context ranges %v and %v", spans[i], spans[j])
			}
		}
	}
}

func TestSetCtxsReleaseAndReuse(t *testing.T) {
	e, fake, _ := newTestEngine(t, 2, 4096)
	ctx := context.Background()

	if err := e.SetCtxs(ctx, 1, 256); err != nil {
		t.Fatalf("set: %v", err)
	}
	first, _ := e.GetConfig(1)

	if err := e.SetCtxs(ctx, 1, 0); err != nil {
		t.Fatalf("release: %v", err)
	}
	if cfg := fake.VfConfig(1); cfg[klv.KeyNumContexts] != 0 {
		t.Errorf("release must push zero quota, got %d", cfg[klv.KeyNumContexts])
	}

	// Release + set yields the same observable allocation as a fresh
	// set from empty.
	if err := e.SetCtxs(ctx, 1, 256); err != nil {
		t.Fatalf("re-set: %v", err)
	}
	second, _ := e.GetConfig(1)
	if first.BeginCtx != second.BeginCtx || first.NumCtxs != second.NumCtxs {
		t.Errorf("expected identical allocation, %d+%d vs %d+%d",
			first.BeginCtx, first.NumCtxs, second.BeginCtx, second.NumCtxs)
	}
}

func TestSetGgtt(t *testing.T) {
	e, fake, gtt := newTestEngine(t, 4, 4096)
	ctx := context.Background()

	if err := e.SetGgtt(ctx, 1, 256<<20); err != nil {
		t.Fatalf("set ggtt: %v", err)
	}
	config, _ := e.GetConfig(1)
	if !config.GgttRegion.Allocated() || config.GgttRegion.Size != 256<<20 {
		t.Fatalf("bad region %+v", config.GgttRegion)
	}
	if gtt.SpaceOwner(config.GgttRegion.Start) != 1 {
		t.Errorf("region not owned by VF1")
	}

	cfg := fake.VfConfig(1)
	if cfg[klv.KeyGgttStart] != config.GgttRegion.Start || cfg[klv.KeyGgttSize] != config.GgttRegion.Size {
		t.Errorf("firmware view %#x+%#x != record %#x+%#x",
			cfg[klv.KeyGgttStart], cfg[klv.KeyGgttSize],
			config.GgttRegion.Start, config.GgttRegion.Size)
	}

	// Release returns the space and the ownership.
	start := config.GgttRegion.Start
	if err := e.SetGgtt(ctx, 1, 0); err != nil {
		t.Fatalf("release: %v", err)
	}
	if gtt.SpaceOwner(start) != ggtt.PFID {
		t.Errorf("released region still owned by VF1")
	}
}

func TestSetGgttQuotaExceeded(t *testing.T) {
	e, _, _ := newTestEngine(t, 4, 4096)
	ctx := context.Background()

	if err := e.SetGgtt(ctx, 1, 4<<30); !errors.Is(err, guc.ErrQuota) {
		t.Errorf("expected ErrQuota, got %v", err)
	}
	if config, _ := e.GetConfig(1); config.GgttRegion.Allocated() {
		t.Error("failed set must not leak an allocation")
	}
}

func TestSetGgttPushFailureRollsBack(t *testing.T) {
	e, fake, _ := newTestEngine(t, 4, 4096)
	ctx := context.Background()

	fake.FailSend = &guc.Error{Code: guc.IovErrorInvalidArgument}
	if err := e.SetGgtt(ctx, 1, 64<<20); err == nil {
		t.Fatal("expected push failure")
	}
	if config, _ := e.GetConfig(1); config.GgttRegion.Allocated() {
		t.Error("record must be empty after push failure")
	}
	if free := e.QueryFreeGgtt(); free != 1<<30 {
		t.Errorf("space leaked: free %#x", free)
	}
}

func TestSetDbs(t *testing.T) {
	e, fake, _ := newTestEngine(t, 4, 4096)
	ctx := context.Background()

	if err := e.SetDbs(ctx, 1, 64); err != nil {
		t.Fatalf("set dbs: %v", err)
	}
	if err := e.SetDbs(ctx, 2, 64); err != nil {
		t.Fatalf("set dbs: %v", err)
	}

	c1, _ := e.GetConfig(1)
	c2, _ := e.GetConfig(2)
	if c1.BeginDB < c2.BeginDB+c2.NumDBs && c2.BeginDB < c1.BeginDB+c1.NumDBs {
		t.Errorf("overlapping doorbell ranges %d+%d and %d+%d",
			c1.BeginDB, c1.NumDBs, c2.BeginDB, c2.NumDBs)
	}
	if cfg := fake.VfConfig(1); cfg[klv.KeyNumDoorbells] != 64 {
		t.Errorf("firmware doorbells: %d", cfg[klv.KeyNumDoorbells])
	}

	// 128 of 256 are taken; a full-size request cannot fit.
	if err := e.SetDbs(ctx, 3, NumDoorbells); !errors.Is(err, bitmap.ErrOutOfSpace) {
		t.Errorf("expected ErrOutOfSpace, got %v", err)
	}
}

func TestAutoProvisionFairShare(t *testing.T) {
	// S1: 1 GiB free GGTT, 64 KiB alignment, 64 MiB spare, 4 VFs.
	e, _, _ := newTestEngine(t, 4, 64<<10)
	ctx := context.Background()

	if err := e.AssignPFContexts(); err != nil {
		t.Fatalf("assign pf: %v", err)
	}
	e.SetSpareGgtt(64 << 20)

	if err := e.AutoProvision(ctx, 4); err != nil {
		t.Fatalf("auto provision: %v", err)
	}

	expected := uint64(1<<30-64<<20) / 4
	expected = expected / (64 << 10) * (64 << 10)
	for vfid := uint32(1); vfid <= 4; vfid++ {
		config, _ := e.GetConfig(vfid)
		if config.GgttRegion.Size != expected {
			t.Errorf("VF%d ggtt: expected %#x, got %#x", vfid, expected, config.GgttRegion.Size)
		}
		if config.NumCtxs == 0 || config.NumCtxs%CtxsGranularity != 0 {
			t.Errorf("VF%d ctxs: %d not granularity aligned", vfid, config.NumCtxs)
		}
		if config.NumDBs == 0 {
			t.Errorf("VF%d has no doorbells", vfid)
		}
	}

	if err := e.Verify(4); err != nil {
		t.Errorf("verify after auto: %v", err)
	}
}

func TestAutoProvisionRollsBackOnFailure(t *testing.T) {
	e, fake, _ := newTestEngine(t, 4, 4096)
	ctx := context.Background()

	if err := e.AssignPFContexts(); err != nil {
		t.Fatalf("assign pf: %v", err)
	}
	// Doorbell pushes come last; make the firmware reject them.
	fake.UnknownKeys[klv.KeyBeginDoorbellID] = true

	if err := e.AutoProvision(ctx, 4); err == nil {
		t.Fatal("expected auto provisioning to fail")
	}
	for vfid := uint32(1); vfid <= 4; vfid++ {
		config, _ := e.GetConfig(vfid)
		if config.GgttRegion.Allocated() || config.NumCtxs != 0 || config.NumDBs != 0 {
			t.Errorf("VF%d not rolled back: %+v", vfid, config)
		}
	}
	if e.AutoProvisioned() {
		t.Error("auto flag must be cleared after rollback")
	}
}

func TestVerifyClasses(t *testing.T) {
	e, _, _ := newTestEngine(t, 2, 4096)
	ctx := context.Background()

	if err := e.Verify(2); !errors.Is(err, ErrEmpty) {
		t.Errorf("expected ErrEmpty, got %v", err)
	}

	// Contexts without GGTT: partially provisioned.
	if err := e.SetCtxs(ctx, 1, 128); err != nil {
		t.Fatalf("set ctxs: %v", err)
	}
	if err := e.Verify(2); !errors.Is(err, ErrPartial) {
		t.Errorf("expected ErrPartial, got %v", err)
	}

	// Full config on VF1, VF2 untouched: consistent.
	if err := e.SetGgtt(ctx, 1, 64<<20); err != nil {
		t.Fatalf("set ggtt: %v", err)
	}
	if err := e.Verify(2); err != nil {
		t.Errorf("expected ok, got %v", err)
	}
}

func TestPushConsolidatedBlob(t *testing.T) {
	e, fake, _ := newTestEngine(t, 2, 4096)
	ctx := context.Background()

	if err := e.SetGgtt(ctx, 1, 64<<20); err != nil {
		t.Fatalf("set ggtt: %v", err)
	}
	if err := e.SetCtxs(ctx, 1, 128); err != nil {
		t.Fatalf("set ctxs: %v", err)
	}
	if err := e.SetExecQuantum(ctx, 1, 32); err != nil {
		t.Fatalf("set quantum: %v", err)
	}

	if err := e.Push(ctx, 2); err != nil {
		t.Fatalf("push: %v", err)
	}

	cfg := fake.VfConfig(1)
	config, _ := e.GetConfig(1)
	if cfg[klv.KeyGgttStart] != config.GgttRegion.Start ||
		cfg[klv.KeyNumContexts] != uint64(config.NumCtxs) ||
		cfg[klv.KeyExecQuantum] != 32 {
		t.Errorf("consolidated push mismatch: %+v", cfg)
	}

	// PushNone clears everything previously pushed.
	if err := e.PushNone(ctx); err != nil {
		t.Fatalf("push none: %v", err)
	}
	if cfg := fake.VfConfig(1); len(cfg) != 0 {
		t.Errorf("expected empty firmware config, got %+v", cfg)
	}
}

func TestSetThreshold(t *testing.T) {
	e, fake, _ := newTestEngine(t, 2, 4096)
	ctx := context.Background()

	if err := e.SetThreshold(ctx, 1, ThresholdPageFault, 100); err != nil {
		t.Fatalf("set threshold: %v", err)
	}
	if cfg := fake.VfConfig(1); cfg[klv.KeyThresholdPageFault] != 100 {
		t.Errorf("firmware threshold: %d", cfg[klv.KeyThresholdPageFault])
	}
	value, _ := e.GetThreshold(1, ThresholdPageFault)
	if value != 100 {
		t.Errorf("record threshold: %d", value)
	}
}

func TestPolicies(t *testing.T) {
	e, fake, _ := newTestEngine(t, 2, 4096)
	ctx := context.Background()

	if err := e.SetSchedIfIdle(ctx, true); err != nil {
		t.Fatalf("sched_if_idle: %v", err)
	}
	if v, ok := fake.Policy(klv.KeyPolicySchedIfIdle); !ok || v != 1 {
		t.Errorf("firmware sched_if_idle: %v %v", v, ok)
	}
	if err := e.SetSamplePeriod(ctx, 250); err != nil {
		t.Fatalf("sample period: %v", err)
	}
	if v, _ := fake.Policy(klv.KeyPolicySamplePeriod); v != 250 {
		t.Errorf("firmware sample period: %d", v)
	}
}

func TestRefreshRepushesRecord(t *testing.T) {
	e, fake, _ := newTestEngine(t, 2, 4096)
	ctx := context.Background()

	if err := e.SetGgtt(ctx, 1, 64<<20); err != nil {
		t.Fatalf("set ggtt: %v", err)
	}
	if err := e.SetCtxs(ctx, 1, 128); err != nil {
		t.Fatalf("set ctxs: %v", err)
	}

	// Simulate a GuC reset losing the pushed state, then refresh.
	if _, err := guc.UpdateVfCfg(ctx, fake.PFPort(), 1, 0, 0); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(fake.VfConfig(1)) != 0 {
		t.Fatal("reset did not clear the firmware view")
	}

	if err := e.Refresh(ctx, 1); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	cfg := fake.VfConfig(1)
	config, _ := e.GetConfig(1)
	if cfg[klv.KeyGgttStart] != config.GgttRegion.Start || cfg[klv.KeyNumContexts] != 128 {
		t.Errorf("refresh mismatch: %+v", cfg)
	}
}

func TestRestartWorkerRepushesEverything(t *testing.T) {
	e, fake, _ := newTestEngine(t, 2, 4096)
	ctx := context.Background()

	if err := e.SetGgtt(ctx, 1, 64<<20); err != nil {
		t.Fatalf("set ggtt: %v", err)
	}
	if err := e.SetCtxs(ctx, 1, 128); err != nil {
		t.Fatalf("set ctxs: %v", err)
	}
	if err := e.SetSchedIfIdle(ctx, true); err != nil {
		t.Fatalf("sched_if_idle: %v", err)
	}

	// GuC reset: firmware forgets everything.
	if _, err := guc.UpdateVfCfg(ctx, fake.PFPort(), 1, 0, 0); err != nil {
		t.Fatalf("reset: %v", err)
	}

	e.Restart()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cfg := fake.VfConfig(1)
		policy, _ := fake.Policy(klv.KeyPolicySchedIfIdle)
		if cfg[klv.KeyNumContexts] == 128 && policy == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("restart worker never repushed the configuration")
}
