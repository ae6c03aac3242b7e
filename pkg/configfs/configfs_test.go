/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

package configfs

import (
	"context"
	"os"
	"path"
	"testing"
	"time"

	"github.com/intel/intel-gpu-iov-manager/pkg/device"
	"github.com/intel/intel-gpu-iov-manager/pkg/helpers"
	"github.com/intel/intel-gpu-iov-manager/pkg/provisioning"
)

func newTestStore(t *testing.T) (*Store, *device.Device) {
	t.Helper()

	dev, _, err := device.NewFake(device.Options{TotalVFs: 2, GgttTotal: 512 << 20})
	if err != nil {
		t.Fatalf("fake device: %v", err)
	}
	t.Cleanup(dev.Stop)

	store := New(path.Join(t.TempDir(), "iov"), dev)
	if err := store.Create(); err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(store.Close)
	return store, dev
}

func TestCreateLaysOutTree(t *testing.T) {
	store, _ := newTestStore(t)

	expected := []string{
		"pf/ggtt_quota",
		"vf1/ggtt_quota",
		"vf1/contexts_quota",
		"vf1/doorbells_quota",
		"vf1/exec_quantum_ms",
		"vf1/preempt_timeout_us",
		"vf1/threshold/page_fault_count",
		"vf1/control",
		"vf1/state",
		"vf2/control",
		"available/ggtt_free",
		"available/contexts_max_quota",
	}
	for _, rel := range expected {
		if _, err := os.Stat(path.Join(store.root, rel)); err != nil {
			t.Errorf("missing %v: %v", rel, err)
		}
	}
}

func TestCreateTakesExclusiveLock(t *testing.T) {
	store, dev := newTestStore(t)

	second := New(store.root, dev)
	if err := second.Create(); err == nil {
		second.Close()
		t.Error("second store on the same root must fail to lock")
	}
}

func TestApplyQuotaWrite(t *testing.T) {
	store, dev := newTestStore(t)
	ctx := context.Background()

	file := path.Join(store.root, "vf1", "contexts_quota")
	if err := helpers.WriteFile(file, "256\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.Apply(ctx, "vf1/contexts_quota"); err != nil {
		t.Fatalf("apply: %v", err)
	}

	ctxs, _ := dev.Root().Provisioning.GetCtxs(1)
	if ctxs != 256 {
		t.Errorf("expected 256 contexts, got %d", ctxs)
	}

	// Capacity files were refreshed.
	free, err := helpers.ReadUint(path.Join(store.root, "available", "contexts_free"))
	if err != nil {
		t.Fatalf("read free: %v", err)
	}
	if free == 0 {
		t.Error("contexts_free refreshed to zero")
	}
}

func TestApplyThresholdWrite(t *testing.T) {
	store, dev := newTestStore(t)
	ctx := context.Background()

	file := path.Join(store.root, "vf1", "threshold", "page_fault_count")
	if err := helpers.WriteFile(file, "50"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.Apply(ctx, "vf1/threshold/page_fault_count"); err != nil {
		t.Fatalf("apply: %v", err)
	}

	value, _ := dev.Root().Provisioning.GetThreshold(1, provisioning.ThresholdPageFault)
	if value != 50 {
		t.Errorf("expected threshold 50, got %d", value)
	}
}

func TestApplyControlPause(t *testing.T) {
	store, dev := newTestStore(t)
	ctx := context.Background()

	file := path.Join(store.root, "vf1", "control")
	if err := helpers.WriteFile(file, "pause"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.Apply(ctx, "vf1/control"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !dev.Root().State.Paused(1) {
		t.Error("VF1 not paused after control write")
	}
}

func TestApplyRejectsBadStateSize(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	file := path.Join(store.root, "vf1", "state")
	if err := helpers.WriteFile(file, "too short"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.Apply(ctx, "vf1/state"); err == nil {
		t.Error("undersized state image must be rejected")
	}
}

func TestWatchAppliesWrites(t *testing.T) {
	store, dev := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = store.Watch(ctx) }()

	// Give the watcher a moment to arm.
	time.Sleep(50 * time.Millisecond)

	file := path.Join(store.root, "vf2", "doorbells_quota")
	if err := helpers.WriteFile(file, "16"); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if dbs, _ := dev.Root().Provisioning.GetDbs(2); dbs == 16 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("watcher never applied the quota write")
}
