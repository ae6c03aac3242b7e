/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/intel/intel-gpu-iov-manager/pkg/device"
	"github.com/intel/intel-gpu-iov-manager/pkg/helpers"
	"github.com/intel/intel-gpu-iov-manager/pkg/klv"
)

var version = "v0.2.0"

// template describes the fake device shape dumped and consumed by the
// tool.
type template struct {
	TotalVFs  uint32 `json:"totalVFs"`
	Discrete  bool   `json:"discrete"`
	LmemMiB   uint64 `json:"lmemMiB"`
	MediaGT   bool   `json:"mediaGT"`
	NumVFs    uint32 `json:"numVFs"`
	GgttMiB   uint64 `json:"ggttMiB"`
	SpareMiB  uint64 `json:"spareMiB"`
}

func main() {
	logging := helpers.NewLoggingConfig()

	app := &cli.App{
		Name:    "iov-faker",
		Usage:   "exercise the IOV provisioning stack against a fake GuC and dump the firmware view",
		Version: version,
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:  "template",
				Usage: "path to a device template JSON",
			},
			&cli.BoolFlag{
				Name:  "new-template",
				Usage: "write a fresh template and exit",
			},
		}, logging.Flags()...),
		Before: func(c *cli.Context) error {
			return logging.Apply()
		},
		Action: func(c *cli.Context) error {
			if c.Bool("new-template") {
				return newTemplate()
			}
			if c.String("template") == "" {
				return fmt.Errorf("template parameter is missing")
			}
			return fakeProvision(c.String("template"))
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func newTemplate() error {
	blob, err := json.MarshalIndent(template{
		TotalVFs: 4,
		NumVFs:   4,
		GgttMiB:  4096,
		SpareMiB: 64,
	}, "", "  ")
	if err != nil {
		return err
	}

	file := "iov-faker-template.json"
	if err := helpers.WriteFile(file, string(blob)); err != nil {
		return err
	}
	fmt.Printf("template written to %v\n", file)
	return nil
}

func fakeProvision(templateFile string) error {
	raw, err := os.ReadFile(templateFile)
	if err != nil {
		return fmt.Errorf("could not read template %v: %v", templateFile, err)
	}
	var tpl template
	if err := json.Unmarshal(raw, &tpl); err != nil {
		return fmt.Errorf("could not parse template %v: %v", templateFile, err)
	}

	dev, fake, err := device.NewFake(device.Options{
		TotalVFs:    tpl.TotalVFs,
		Discrete:    tpl.Discrete,
		LmemTotal:   tpl.LmemMiB << 20,
		GgttTotal:   tpl.GgttMiB << 20,
		WithMediaGT: tpl.MediaGT,
	})
	if err != nil {
		return err
	}
	defer dev.Stop()

	ctx := context.Background()
	prov := dev.Root().Provisioning
	prov.SetSpareGgtt(tpl.SpareMiB << 20)

	if err := prov.AutoProvision(ctx, tpl.NumVFs); err != nil {
		return fmt.Errorf("auto provisioning failed: %v", err)
	}
	if err := prov.Verify(tpl.NumVFs); err != nil {
		return fmt.Errorf("verification failed: %v", err)
	}
	if err := prov.Push(ctx, tpl.NumVFs); err != nil {
		return fmt.Errorf("push failed: %v", err)
	}

	// Dump the firmware's decoded view per VF.
	for vfid := uint32(1); vfid <= tpl.NumVFs; vfid++ {
		cfg := fake.VfConfig(vfid)
		fmt.Printf("VF%d:\n", vfid)
		fmt.Printf("  ggtt:      %#x + %#x\n", cfg[klv.KeyGgttStart], cfg[klv.KeyGgttSize])
		fmt.Printf("  contexts:  %d + %d\n", cfg[klv.KeyBeginContextID], cfg[klv.KeyNumContexts])
		fmt.Printf("  doorbells: %d + %d\n", cfg[klv.KeyBeginDoorbellID], cfg[klv.KeyNumDoorbells])
		if tpl.Discrete {
			fmt.Printf("  lmem:      %d MiB\n", cfg[klv.KeyLmemSize]>>20)
		}
	}
	return nil
}
