// Copyright (c) 2024 The Detonator Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package config loads the TOML configuration file and resolves it into
// the runtime values the supervisor and scorer consume.  The file contains
// a [paths] table, one [guest.<arch>] table per bootable architecture, and
// [anti_vm], [timeouts], [thresholds] and [daemon] tables.
package config

import (
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	units "github.com/docker/go-units"
	"github.com/pkg/errors"

	"github.com/detonator-project/detonator/pkg/antivm"
	"github.com/detonator-project/detonator/sandbox/types"
	"github.com/detonator-project/detonator/scorer"
)

// Defaults applied when the file leaves values unset.
const (
	defaultSocketsDir      = "/tmp/detonator"
	defaultRAMMiB          = 4096
	defaultCPUs            = 2
	defaultSnapshot        = "clean"
	defaultBootTimeout     = 30 * time.Second
	defaultAnalysisTimeout = 60 * time.Second
	defaultListen          = "127.0.0.1:8990"
)

type tomlConfig struct {
	Paths      paths            `toml:"paths"`
	Guest      map[string]guest `toml:"guest"`
	AntiVM     antiVM           `toml:"anti_vm"`
	Timeouts   timeouts         `toml:"timeouts"`
	Thresholds thresholds       `toml:"thresholds"`
	Daemon     daemon           `toml:"daemon"`
}

type paths struct {
	ImagesDir  string `toml:"images_dir"`
	SocketsDir string `toml:"sockets_dir"`
	RulesFile  string `toml:"rules_file"`
}

type guest struct {
	Image          string `toml:"image"`
	RAM            string `toml:"ram"`
	CPUs           uint32 `toml:"cpus"`
	Snapshot       string `toml:"snapshot"`
	EnableKVM      *bool  `toml:"enable_kvm"`
	NetworkEnabled bool   `toml:"network_enabled"`
	Display        string `toml:"display"`
	DisplayIndex   int    `toml:"display_index"`
}

type antiVM struct {
	SMBIOSProfile  string `toml:"smbios_profile"`
	MACVendor      string `toml:"mac_vendor"`
	MACPrefix      string `toml:"mac_prefix"`
	DiskVendor     string `toml:"disk_vendor"`
	HideHypervisor *bool  `toml:"hide_hypervisor"`
	StabilizeTSC   *bool  `toml:"stabilize_tsc"`
	DisableHPET    *bool  `toml:"disable_hpet"`
	TSCFrequency   uint64 `toml:"tsc_frequency_hz"`
}

type timeouts struct {
	AnalysisSec int `toml:"analysis"`
	BootSec     int `toml:"boot"`
}

type thresholds struct {
	Clean      *int `toml:"clean"`
	Suspicious *int `toml:"suspicious"`
}

type daemon struct {
	Listen string `toml:"listen"`
}

// RuntimeConfig is the resolved configuration.
type RuntimeConfig struct {
	SocketsDir string
	RulesFile  string
	Listen     string

	Profiles   []types.GuestProfile
	Mask       antivm.Mask
	Thresholds scorer.Thresholds
}

// LoadConfiguration parses and resolves the configuration file.
func LoadConfiguration(path string) (*RuntimeConfig, error) {
	var raw tomlConfig
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, errors.Wrapf(err, "parsing configuration %s", path)
	}
	return resolve(&raw)
}

func resolve(raw *tomlConfig) (*RuntimeConfig, error) {
	cfg := &RuntimeConfig{
		SocketsDir: raw.Paths.SocketsDir,
		RulesFile:  raw.Paths.RulesFile,
		Listen:     raw.Daemon.Listen,
		Thresholds: scorer.DefaultThresholds,
	}
	if cfg.SocketsDir == "" {
		cfg.SocketsDir = defaultSocketsDir
	}
	if cfg.Listen == "" {
		cfg.Listen = defaultListen
	}
	if raw.Thresholds.Clean != nil {
		cfg.Thresholds.Clean = *raw.Thresholds.Clean
	}
	if raw.Thresholds.Suspicious != nil {
		cfg.Thresholds.Suspicious = *raw.Thresholds.Suspicious
	}

	bootTimeout := defaultBootTimeout
	if raw.Timeouts.BootSec > 0 {
		bootTimeout = time.Duration(raw.Timeouts.BootSec) * time.Second
	}
	analysisTimeout := defaultAnalysisTimeout
	if raw.Timeouts.AnalysisSec > 0 {
		analysisTimeout = time.Duration(raw.Timeouts.AnalysisSec) * time.Second
	}

	for archName, g := range raw.Guest {
		arch := types.Architecture(archName)
		if !arch.Valid() {
			return nil, errors.Errorf("config: unknown guest architecture %q", archName)
		}
		if g.Image == "" {
			return nil, errors.Errorf("config: guest.%s has no image", archName)
		}

		ramMiB := uint32(defaultRAMMiB)
		if g.RAM != "" {
			bytes, err := units.RAMInBytes(g.RAM)
			if err != nil {
				return nil, errors.Wrapf(err, "config: guest.%s ram %q", archName, g.RAM)
			}
			ramMiB = uint32(bytes / units.MiB)
		}

		cpus := g.CPUs
		if cpus == 0 {
			cpus = defaultCPUs
		}
		snapshot := g.Snapshot
		if snapshot == "" {
			snapshot = defaultSnapshot
		}

		image := g.Image
		if !filepath.IsAbs(image) && raw.Paths.ImagesDir != "" {
			image = filepath.Join(raw.Paths.ImagesDir, image)
		}

		// ARM64 guests take hardware acceleration whenever the host
		// offers it; x64 guests are usually cross-emulated and default
		// to TCG.
		enableKVM := arch == types.ArchARM64
		if g.EnableKVM != nil {
			enableKVM = *g.EnableKVM
		}

		cfg.Profiles = append(cfg.Profiles, types.GuestProfile{
			Name:            "sandbox_" + archName,
			Arch:            arch,
			ImagePath:       image,
			RAMMiB:          ramMiB,
			CPUs:            cpus,
			SnapshotName:    snapshot,
			BootTimeout:     bootTimeout,
			AnalysisTimeout: analysisTimeout,
			NetworkEnabled:  g.NetworkEnabled,
			EnableKVM:       enableKVM,
			Display:         g.Display,
			DisplayIndex:    g.DisplayIndex,
		})
	}

	cfg.Mask = resolveMask(&raw.AntiVM)
	return cfg, nil
}

func resolveMask(raw *antiVM) antivm.Mask {
	mask := *antivm.DefaultMask()

	if raw.SMBIOSProfile != "" {
		mask.ProfileName = raw.SMBIOSProfile
	}
	if raw.MACVendor != "" {
		mask.MACVendor = raw.MACVendor
	}
	mask.MACPrefix = raw.MACPrefix
	if raw.DiskVendor != "" {
		mask.DiskVendor = raw.DiskVendor
	}
	if raw.TSCFrequency > 0 {
		mask.TSCFrequency = raw.TSCFrequency
	}
	if raw.HideHypervisor != nil {
		mask.HideHypervisor = *raw.HideHypervisor
		mask.HidePVFeatures = *raw.HideHypervisor
	}
	if raw.StabilizeTSC != nil {
		mask.StabilizeTSC = *raw.StabilizeTSC
	}
	if raw.DisableHPET != nil {
		mask.DisableHPET = *raw.DisableHPET
	}

	return mask
}
