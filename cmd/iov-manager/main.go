/* Copyright (C) 2025 Intel Corporation
 * SPDX-License-Identifier: Apache-2.0
 */

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	cliflag "k8s.io/component-base/cli/flag"
	"k8s.io/component-base/featuregate"
	"k8s.io/component-base/logs"
	logsapi "k8s.io/component-base/logs/api/v1"
	"k8s.io/component-base/term"
	"k8s.io/klog/v2"

	"github.com/intel/intel-gpu-iov-manager/pkg/configfs"
	"github.com/intel/intel-gpu-iov-manager/pkg/device"
	driverVersion "github.com/intel/intel-gpu-iov-manager/pkg/version"
)

const (
	defaultConfigRoot = "/var/run/intel-gpu-iov"

	configRootEnvVarName = "IOV_CONFIG_ROOT"
)

type managerFlags struct {
	configRoot string
	totalVFs   uint32
	numVFs     uint32
	discrete   bool
	lmemMiB    uint64
	mediaGT    bool
}

func main() {
	command := newCommand()
	if err := command.Execute(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	logsconfig := logsapi.NewLoggingConfiguration()
	fgate := featuregate.NewFeatureGate()
	utilruntime.Must(logsapi.AddFeatureGates(fgate))

	flags := managerFlags{
		configRoot: defaultConfigRoot,
		totalVFs:   4,
	}
	if fromEnv, found := os.LookupEnv(configRootEnvVarName); found {
		flags.configRoot = fromEnv
	}

	cmd := &cobra.Command{
		Use:   "iov-manager",
		Short: "Intel GPU SR-IOV provisioning manager",
		Long: "iov-manager partitions an SR-IOV capable Intel GPU into virtual functions " +
			"and exposes the provisioning surface as a watched configuration tree.",
	}

	sharedFlagSets := cliflag.NamedFlagSets{}
	fs := sharedFlagSets.FlagSet("logging")
	logsapi.AddFlags(logsconfig, fs)
	logs.AddFlags(fs, logs.SkipLoggingConfigurationFlags())

	fs = sharedFlagSets.FlagSet("manager")
	fs.StringVar(&flags.configRoot, "config-root", flags.configRoot, "Directory for the provisioning control tree.")
	fs.Uint32Var(&flags.totalVFs, "total-vfs", flags.totalVFs, "Number of virtual functions the device supports.")
	fs.Uint32Var(&flags.numVFs, "auto-provision", 0, "Fair-share provision this many VFs at startup.")
	fs.BoolVar(&flags.discrete, "discrete", false, "Device has local memory.")
	fs.Uint64Var(&flags.lmemMiB, "lmem-mib", 0, "Local memory size in MiB (discrete only).")
	fs.BoolVar(&flags.mediaGT, "media-gt", false, "Device has a standalone media GT.")

	pfs := cmd.PersistentFlags()
	for _, f := range sharedFlagSets.FlagSets {
		pfs.AddFlagSet(f)
	}

	cols, _, _ := term.TerminalSize(cmd.OutOrStdout())
	cliflag.SetUsageAndHelpFunc(cmd, sharedFlagSets, cols)

	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// Activate logging as soon as possible.
		return logsapi.ValidateAndApply(logsconfig, fgate)
	}

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runManager(&flags)
	}

	return cmd
}

func runManager(flags *managerFlags) error {
	driverVersion.PrintDriverVersion("intel-gpu-iov-manager")

	dev, _, err := device.NewFake(device.Options{
		TotalVFs:    flags.totalVFs,
		Discrete:    flags.discrete,
		LmemTotal:   flags.lmemMiB << 20,
		WithMediaGT: flags.mediaGT,
	})
	if err != nil {
		return fmt.Errorf("assemble device: %v", err)
	}
	defer dev.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if flags.numVFs > 0 {
		if err := dev.Root().Provisioning.AutoProvision(ctx, flags.numVFs); err != nil {
			return fmt.Errorf("auto provision %d VFs: %v", flags.numVFs, err)
		}
		klog.Infof("auto provisioned %d VFs", flags.numVFs)
	}

	store := configfs.New(flags.configRoot, dev)
	if err := store.Create(); err != nil {
		return err
	}
	defer store.Close()

	klog.Infof("watching %v", flags.configRoot)
	if err := store.Watch(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
