/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

// Package configfs exposes the provisioning surface as a directory
// tree mirroring the driver's sysfs contract: per-function quota
// attributes, threshold files, a control verb file and the binary
// migration state file, with writes picked up by an fsnotify watcher.
package configfs

import (
	"context"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"github.com/intel/intel-gpu-iov-manager/pkg/device"
	"github.com/intel/intel-gpu-iov-manager/pkg/guc"
	"github.com/intel/intel-gpu-iov-manager/pkg/helpers"
	"github.com/intel/intel-gpu-iov-manager/pkg/provisioning"
)

// Store materializes the control tree for one device under root.
type Store struct {
	root string
	dev  *device.Device

	lockFile *os.File
}

// New creates the store; Create must run before Watch.
func New(root string, dev *device.Device) *Store {
	return &Store{root: root, dev: dev}
}

func (s *Store) funcDir(vfid uint32) string {
	if vfid == 0 {
		return path.Join(s.root, "pf")
	}
	return path.Join(s.root, fmt.Sprintf("vf%d", vfid))
}

// Create builds the directory tree and takes an exclusive lock so two
// managers cannot fight over one device.
func (s *Store) Create() error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("configfs: create root: %v", err)
	}

	lock, err := os.OpenFile(path.Join(s.root, ".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("configfs: open lock: %v", err)
	}
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lock.Close()
		return fmt.Errorf("configfs: %s is managed by another process: %v", s.root, err)
	}
	s.lockFile = lock

	for vfid := uint32(0); vfid <= s.dev.Options.TotalVFs; vfid++ {
		dir := s.funcDir(vfid)
		if err := os.MkdirAll(path.Join(dir, "threshold"), 0o755); err != nil {
			return fmt.Errorf("configfs: create %v: %v", dir, err)
		}
		if vfid != 0 {
			if err := helpers.WriteFile(path.Join(dir, "control"), ""); err != nil {
				return err
			}
			if err := helpers.WriteFile(path.Join(dir, "state"), ""); err != nil {
				return err
			}
		}
		if err := s.refreshFunction(vfid); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(path.Join(s.root, "available"), 0o755); err != nil {
		return fmt.Errorf("configfs: create available: %v", err)
	}
	return s.RefreshAvailable()
}

// Close drops the tree lock.
func (s *Store) Close() {
	if s.lockFile != nil {
		_ = unix.Flock(int(s.lockFile.Fd()), unix.LOCK_UN)
		s.lockFile.Close()
		s.lockFile = nil
	}
}

var quotaAttrs = []string{
	"ggtt_quota",
	"contexts_quota",
	"doorbells_quota",
	"lmem_quota",
	"exec_quantum_ms",
	"preempt_timeout_us",
}

// refreshFunction rewrites one function's attribute files from the
// provisioning records.
func (s *Store) refreshFunction(vfid uint32) error {
	prov := s.dev.Root().Provisioning
	dir := s.funcDir(vfid)

	values := map[string]uint64{}
	if ggtt, err := prov.GetGgtt(vfid); err == nil {
		values["ggtt_quota"] = ggtt
	}
	if ctxs, err := prov.GetCtxs(vfid); err == nil {
		values["contexts_quota"] = uint64(ctxs)
	}
	if dbs, err := prov.GetDbs(vfid); err == nil {
		values["doorbells_quota"] = uint64(dbs)
	}
	if s.dev.Options.Discrete {
		if lmem, err := prov.GetLmem(vfid); err == nil {
			values["lmem_quota"] = lmem
		}
	}
	if eq, err := prov.GetExecQuantum(vfid); err == nil {
		values["exec_quantum_ms"] = uint64(eq)
	}
	if pt, err := prov.GetPreemptTimeout(vfid); err == nil {
		values["preempt_timeout_us"] = uint64(pt)
	}

	for _, attr := range quotaAttrs {
		value, ok := values[attr]
		if !ok {
			continue
		}
		if err := helpers.WriteFile(path.Join(dir, attr), strconv.FormatUint(value, 10)); err != nil {
			return err
		}
	}

	for t := provisioning.ThresholdIndex(0); t < provisioning.NumThresholds; t++ {
		value, err := prov.GetThreshold(vfid, t)
		if err != nil {
			return err
		}
		file := path.Join(dir, "threshold", t.String())
		if err := helpers.WriteFile(file, strconv.FormatUint(uint64(value), 10)); err != nil {
			return err
		}
	}
	return nil
}

// RefreshAvailable rewrites the read-only capacity files.
func (s *Store) RefreshAvailable() error {
	prov := s.dev.Root().Provisioning
	files := map[string]uint64{
		"ggtt_free":           prov.QueryFreeGgtt(),
		"ggtt_max_quota":      prov.QueryMaxGgtt(),
		"contexts_free":       uint64(prov.QueryFreeCtxs()),
		"contexts_max_quota":  uint64(prov.QueryMaxCtxs()),
		"doorbells_free":      uint64(prov.QueryFreeDbs()),
		"doorbells_max_quota": uint64(prov.QueryMaxDbs()),
	}
	for name, value := range files {
		file := path.Join(s.root, "available", name)
		if err := helpers.WriteFile(file, strconv.FormatUint(value, 10)); err != nil {
			return err
		}
	}
	return nil
}

func parseVFDir(name string) (uint32, bool) {
	if name == "pf" {
		return 0, true
	}
	if !strings.HasPrefix(name, "vf") {
		return 0, false
	}
	vfid, err := strconv.ParseUint(name[2:], 10, 32)
	if err != nil || vfid == 0 {
		return 0, false
	}
	return uint32(vfid), true
}

// Apply handles one modified file, identified relative to the root.
func (s *Store) Apply(ctx context.Context, rel string) error {
	parts := strings.Split(path.Clean(rel), "/")
	if len(parts) < 2 {
		return nil
	}
	vfid, ok := parseVFDir(parts[0])
	if !ok {
		return nil
	}

	full := path.Join(s.root, rel)
	raw, err := os.ReadFile(full)
	if err != nil {
		return fmt.Errorf("configfs: read %v: %v", full, err)
	}
	content := strings.TrimSpace(string(raw))

	prov := s.dev.Root().Provisioning

	switch {
	case len(parts) == 2 && parts[1] == "control":
		if content == "" {
			return nil
		}
		if err := s.dev.Control(ctx, vfid, content); err != nil {
			return err
		}
		return s.refreshFunction(vfid)

	case len(parts) == 2 && parts[1] == "state":
		if len(raw) == 0 {
			return nil
		}
		if len(raw) != guc.SaveRestoreBufMinSize {
			return fmt.Errorf("configfs: state image must be exactly %d bytes, got %d",
				guc.SaveRestoreBufMinSize, len(raw))
		}
		return s.dev.Root().State.Restore(ctx, vfid, raw)

	case len(parts) == 3 && parts[1] == "threshold":
		t := provisioning.ThresholdFromName(parts[2])
		if t < 0 {
			return fmt.Errorf("configfs: unknown threshold %q", parts[2])
		}
		value, err := strconv.ParseUint(content, 10, 32)
		if err != nil {
			return fmt.Errorf("configfs: bad threshold value %q: %v", content, err)
		}
		return prov.SetThreshold(ctx, vfid, t, uint32(value))

	case len(parts) == 2:
		value, err := strconv.ParseUint(content, 10, 64)
		if err != nil {
			return fmt.Errorf("configfs: bad value %q for %v: %v", content, rel, err)
		}
		switch parts[1] {
		case "ggtt_quota":
			err = prov.SetGgtt(ctx, vfid, value)
		case "contexts_quota":
			err = prov.SetCtxs(ctx, vfid, uint32(value))
		case "doorbells_quota":
			err = prov.SetDbs(ctx, vfid, uint32(value))
		case "lmem_quota":
			err = prov.SetLmem(ctx, vfid, value)
		case "exec_quantum_ms":
			err = prov.SetExecQuantum(ctx, vfid, uint32(value))
		case "preempt_timeout_us":
			err = prov.SetPreemptTimeout(ctx, vfid, uint32(value))
		default:
			return nil
		}
		if err != nil {
			return err
		}
		return s.RefreshAvailable()
	}
	return nil
}

// Watch applies every write under the tree until the context ends.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("configfs: watcher: %v", err)
	}
	defer watcher.Close()

	dirs := []string{s.root}
	for vfid := uint32(0); vfid <= s.dev.Options.TotalVFs; vfid++ {
		dirs = append(dirs, s.funcDir(vfid), path.Join(s.funcDir(vfid), "threshold"))
	}
	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("configfs: watch %v: %v", dir, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) {
				continue
			}
			rel, err := relPath(s.root, event.Name)
			if err != nil {
				continue
			}
			if err := s.Apply(ctx, rel); err != nil {
				klog.Errorf("Failed to apply %v: %v", rel, err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			klog.Warningf("configfs: watch error: %v", err)
		}
	}
}

func relPath(root, full string) (string, error) {
	if !strings.HasPrefix(full, root) {
		return "", fmt.Errorf("outside root")
	}
	return strings.TrimPrefix(strings.TrimPrefix(full, root), "/"), nil
}
