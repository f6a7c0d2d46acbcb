// Copyright (c) 2024 The Detonator Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/detonator-project/detonator/sandbox/types"
)

const testConfig = `
[paths]
images_dir = "/var/lib/detonator/images"
sockets_dir = "/run/detonator"
rules_file = "/etc/detonator/patterns.yaml"

[guest.x64]
image = "ubuntu-x64.qcow2"
ram = "4G"
cpus = 2
snapshot = "clean"

[guest.arm64]
image = "/images/ubuntu-arm64.qcow2"
ram = "2048M"
cpus = 4
enable_kvm = true

[anti_vm]
smbios_profile = "hp_prodesk"
mac_vendor = "hp"
disk_vendor = "seagate"
hide_hypervisor = true
stabilize_tsc = false
tsc_frequency_hz = 2900000000

[timeouts]
analysis = 90
boot = 45

[thresholds]
clean = 15
suspicious = 60

[daemon]
listen = "0.0.0.0:9000"
`

func loadTestConfig(t *testing.T, content string) *RuntimeConfig {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfiguration(path)
	require.NoError(t, err)
	return cfg
}

func TestLoadConfiguration(t *testing.T) {
	assert := assert.New(t)

	cfg := loadTestConfig(t, testConfig)

	assert.Equal("/run/detonator", cfg.SocketsDir)
	assert.Equal("/etc/detonator/patterns.yaml", cfg.RulesFile)
	assert.Equal("0.0.0.0:9000", cfg.Listen)
	assert.Equal(15, cfg.Thresholds.Clean)
	assert.Equal(60, cfg.Thresholds.Suspicious)

	require.Len(t, cfg.Profiles, 2)

	var x64, arm64 types.GuestProfile
	for _, p := range cfg.Profiles {
		switch p.Arch {
		case types.ArchX64:
			x64 = p
		case types.ArchARM64:
			arm64 = p
		}
	}

	assert.Equal("sandbox_x64", x64.Name)
	assert.Equal("/var/lib/detonator/images/ubuntu-x64.qcow2", x64.ImagePath)
	assert.Equal(uint32(4096), x64.RAMMiB)
	assert.Equal(uint32(2), x64.CPUs)
	assert.Equal("clean", x64.SnapshotName)
	assert.Equal(45*time.Second, x64.BootTimeout)
	assert.Equal(90*time.Second, x64.AnalysisTimeout)
	assert.False(x64.EnableKVM)

	// Absolute image paths are left alone.
	assert.Equal("/images/ubuntu-arm64.qcow2", arm64.ImagePath)
	assert.Equal(uint32(2048), arm64.RAMMiB)
	assert.Equal(uint32(4), arm64.CPUs)
	assert.True(arm64.EnableKVM)
}

func TestLoadConfigurationMask(t *testing.T) {
	assert := assert.New(t)

	cfg := loadTestConfig(t, testConfig)

	assert.Equal("hp_prodesk", cfg.Mask.ProfileName)
	assert.Equal("hp", cfg.Mask.MACVendor)
	assert.Equal("seagate", cfg.Mask.DiskVendor)
	assert.True(cfg.Mask.HideHypervisor)
	assert.True(cfg.Mask.HidePVFeatures)
	assert.False(cfg.Mask.StabilizeTSC)
	assert.Equal(uint64(2900000000), cfg.Mask.TSCFrequency)
}

func TestLoadConfigurationDefaults(t *testing.T) {
	assert := assert.New(t)

	cfg := loadTestConfig(t, `
[guest.x64]
image = "/images/guest.qcow2"
`)

	assert.Equal(defaultSocketsDir, cfg.SocketsDir)
	assert.Equal(defaultListen, cfg.Listen)
	assert.Equal(20, cfg.Thresholds.Clean)
	assert.Equal(50, cfg.Thresholds.Suspicious)

	require.Len(t, cfg.Profiles, 1)
	p := cfg.Profiles[0]
	assert.Equal(uint32(defaultRAMMiB), p.RAMMiB)
	assert.Equal(uint32(defaultCPUs), p.CPUs)
	assert.Equal(defaultSnapshot, p.SnapshotName)
	assert.Equal(defaultBootTimeout, p.BootTimeout)
	assert.Equal(defaultAnalysisTimeout, p.AnalysisTimeout)

	// Mask defaults stay intact.
	assert.Equal("dell_optiplex", cfg.Mask.ProfileName)
	assert.True(cfg.Mask.StabilizeTSC)
	assert.True(cfg.Mask.DisableHPET)
}

func TestLoadConfigurationUnknownArch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[guest.sparc]
image = "/images/guest.qcow2"
`), 0o644))

	_, err := LoadConfiguration(path)
	assert.Error(t, err)
}

func TestLoadConfigurationMissingImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[guest.x64]
cpus = 2
`), 0o644))

	_, err := LoadConfiguration(path)
	assert.Error(t, err)
}

func TestLoadConfigurationBadRAM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[guest.x64]
image = "/images/guest.qcow2"
ram = "lots"
`), 0o644))

	_, err := LoadConfiguration(path)
	assert.Error(t, err)
}

func TestLoadConfigurationMissingFile(t *testing.T) {
	_, err := LoadConfiguration("/does/not/exist.toml")
	assert.Error(t, err)
}
