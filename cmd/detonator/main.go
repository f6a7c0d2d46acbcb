// Copyright (c) 2024 The Detonator Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/detonator-project/detonator/daemon"
	"github.com/detonator-project/detonator/pkg/antivm"
	"github.com/detonator-project/detonator/pkg/config"
	"github.com/detonator-project/detonator/pkg/qemu"
	"github.com/detonator-project/detonator/sandbox"
	"github.com/detonator-project/detonator/sandbox/types"
	"github.com/detonator-project/detonator/scorer"
)

const (
	name    = "detonator"
	usage   = "malware detonation sandbox"
	version = "0.3.0"
)

var mainLog = logrus.WithField("source", "main")

func main() {
	app := cli.NewApp()
	app.Name = name
	app.Usage = usage
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Value: "/etc/detonator/config.toml",
			Usage: "configuration file",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "logging level (trace, debug, info, warn, error)",
		},
		cli.BoolFlag{
			Name:  "log-json",
			Usage: "emit logs as JSON",
		},
	}
	app.Before = func(ctx *cli.Context) error {
		level, err := logrus.ParseLevel(ctx.GlobalString("log-level"))
		if err != nil {
			return err
		}
		logrus.SetLevel(level)
		if ctx.GlobalBool("log-json") {
			logrus.SetFormatter(&logrus.JSONFormatter{})
		}
		return nil
	}
	app.Commands = []cli.Command{
		daemonCommand,
		analyzeCommand,
		checkCommand,
		envCommand,
	}

	if err := app.Run(os.Args); err != nil {
		mainLog.Error(err)
		os.Exit(1)
	}
}

// setup loads configuration and builds a supervisor with all profiles
// registered.
func setup(ctx *cli.Context) (*config.RuntimeConfig, *sandbox.Supervisor, *scorer.RuleSet, error) {
	cfg, err := config.LoadConfiguration(ctx.GlobalString("config"))
	if err != nil {
		return nil, nil, nil, err
	}
	if len(cfg.Profiles) == 0 {
		return nil, nil, nil, fmt.Errorf("configuration defines no guests")
	}

	sup, err := sandbox.NewSupervisor(cfg.SocketsDir, cfg.Mask)
	if err != nil {
		return nil, nil, nil, err
	}
	for _, p := range cfg.Profiles {
		sup.RegisterProfile(p)
	}

	rules := scorer.DefaultRules()
	if cfg.RulesFile != "" {
		rules, err = scorer.LoadRules(cfg.RulesFile)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	return cfg, sup, rules, nil
}

var daemonCommand = cli.Command{
	Name:  "daemon",
	Usage: "run the analysis service",
	Action: func(ctx *cli.Context) error {
		cfg, sup, rules, err := setup(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if err := sup.StopAll(); err != nil {
				mainLog.WithError(err).Warn("teardown incomplete")
			}
		}()

		runCtx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigCh
			mainLog.WithField("signal", sig).Info("shutting down")
			cancel()
		}()

		return daemon.New(sup, rules, cfg.Thresholds, cfg.Listen).Serve(runCtx)
	},
}

var analyzeCommand = cli.Command{
	Name:      "analyze",
	Usage:     "detonate a single file and print the verdict",
	ArgsUsage: "<file>",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "arch",
			Value: string(types.ArchX64),
			Usage: "guest architecture (x64 or arm64)",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Usage: "detonation timeout (default from configuration)",
		},
		cli.BoolFlag{
			Name:  "report",
			Usage: "include the raw observation report in the output",
		},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return fmt.Errorf("expected exactly one file argument")
		}

		cfg, sup, rules, err := setup(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if err := sup.StopAll(); err != nil {
				mainLog.WithError(err).Warn("teardown incomplete")
			}
		}()

		task := sandbox.Task{
			FilePath: ctx.Args().First(),
			Arch:     types.Architecture(ctx.String("arch")),
			Timeout:  ctx.Duration("timeout"),
		}

		result, err := sup.RunTask(context.Background(), task, nil, rules, cfg.Thresholds)
		if err != nil {
			return err
		}

		out := map[string]interface{}{
			"verdict":    result.Scored.Verdict,
			"score":      result.Scored.Score,
			"techniques": result.Scored.Techniques,
			"findings":   result.Scored.Findings,
		}
		if ctx.Bool("report") {
			out["report"] = result.Report
		}

		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(out)
	},
}

var checkCommand = cli.Command{
	Name:  "check",
	Usage: "verify the host can run the sandbox",
	Action: func(ctx *cli.Context) error {
		cfg, _, _, err := setup(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("KVM acceleration: %v\n", qemu.KVMAvailable())

		for _, p := range cfg.Profiles {
			binary, err := qemu.BinaryForArch(string(p.Arch))
			if err != nil {
				return err
			}

			status := "ok"
			if v, err := qemu.ProbeVersion(binary); err != nil {
				status = "MISSING (" + err.Error() + ")"
			} else {
				status = v.String()
			}
			fmt.Printf("%s: %s\n", binary, status)

			if _, err := os.Stat(p.ImagePath); err != nil {
				fmt.Printf("image %s: MISSING\n", p.ImagePath)
			} else {
				fmt.Printf("image %s: ok (snapshot %q, boot timeout %s)\n",
					p.ImagePath, p.SnapshotName, p.BootTimeout)
			}
		}

		for _, name := range antivm.ProfileNames() {
			fmt.Printf("smbios profile: %s\n", name)
		}

		return nil
	},
}

// envInfo is the output shape of the env command: the resolved
// configuration and host capabilities, for bug reports and setup checks.
type envInfo struct {
	Version string `json:"version"`

	Host struct {
		KVM  bool              `json:"kvm"`
		QEMU map[string]string `json:"qemu"`
	} `json:"host"`

	Runtime struct {
		SocketsDir string `json:"sockets_dir"`
		RulesFile  string `json:"rules_file,omitempty"`
		Listen     string `json:"listen"`
		Thresholds scorer.Thresholds
	} `json:"runtime"`

	AntiVM struct {
		SMBIOSProfile  string `json:"smbios_profile"`
		MACVendor      string `json:"mac_vendor"`
		DiskVendor     string `json:"disk_vendor"`
		TSCFrequency   uint64 `json:"tsc_frequency_hz"`
		HideHypervisor bool   `json:"hide_hypervisor"`
		StabilizeTSC   bool   `json:"stabilize_tsc"`
		DisableHPET    bool   `json:"disable_hpet"`
	} `json:"anti_vm"`

	Guests []types.GuestProfile `json:"guests"`
}

var envCommand = cli.Command{
	Name:  "env",
	Usage: "display the resolved configuration and host environment",
	Action: func(ctx *cli.Context) error {
		cfg, _, _, err := setup(ctx)
		if err != nil {
			return err
		}

		var info envInfo
		info.Version = version
		info.Host.KVM = qemu.KVMAvailable()
		info.Host.QEMU = map[string]string{}
		for _, p := range cfg.Profiles {
			binary, err := qemu.BinaryForArch(string(p.Arch))
			if err != nil {
				return err
			}
			if v, err := qemu.ProbeVersion(binary); err != nil {
				info.Host.QEMU[binary] = "unavailable"
			} else {
				info.Host.QEMU[binary] = v.String()
			}
		}

		info.Runtime.SocketsDir = cfg.SocketsDir
		info.Runtime.RulesFile = cfg.RulesFile
		info.Runtime.Listen = cfg.Listen
		info.Runtime.Thresholds = cfg.Thresholds

		info.AntiVM.SMBIOSProfile = cfg.Mask.ProfileName
		info.AntiVM.MACVendor = cfg.Mask.MACVendor
		info.AntiVM.DiskVendor = cfg.Mask.DiskVendor
		info.AntiVM.TSCFrequency = cfg.Mask.TSCFrequency
		info.AntiVM.HideHypervisor = cfg.Mask.HideHypervisor
		info.AntiVM.StabilizeTSC = cfg.Mask.StabilizeTSC
		info.AntiVM.DisableHPET = cfg.Mask.DisableHPET

		info.Guests = cfg.Profiles

		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(info)
	},
}
