// Copyright (c) 2024 The Detonator Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package antivm

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/detonator-project/detonator/sandbox/types"
)

func testProfile(t *testing.T, arch types.Architecture) types.GuestProfile {
	image := filepath.Join(t.TempDir(), "guest.qcow2")
	require.NoError(t, os.WriteFile(image, []byte("qcow"), 0o644))

	return types.GuestProfile{
		Name:            "sandbox_" + string(arch),
		Arch:            arch,
		ImagePath:       image,
		RAMMiB:          2048,
		CPUs:            2,
		SnapshotName:    "clean",
		BootTimeout:     30 * time.Second,
		AnalysisTimeout: 60 * time.Second,
	}
}

func testSockets() types.SocketSet {
	return types.SocketSet{
		Monitor: "/tmp/t_monitor.sock",
		Serial:  "/tmp/t_serial.sock",
		Agent:   "/tmp/t_agent.sock",
	}
}

func buildArgs(t *testing.T, profile types.GuestProfile, mask *Mask) []string {
	cfg, err := BuildConfig(profile, mask, testSockets())
	require.NoError(t, err)

	args, err := cfg.Build()
	require.NoError(t, err)
	return args
}

func TestBuildDellOptiplexSurface(t *testing.T) {
	assert := assert.New(t)

	mask := DefaultMask()
	mask.ProfileName = "dell_optiplex"
	args := buildArgs(t, testProfile(t, types.ArchX64), mask)
	joined := strings.Join(args, " ")

	// CPUID countermeasures.
	assert.Contains(joined, "-hypervisor")
	assert.Contains(joined, "invtsc")

	// HPET is off at the machine level.
	assert.Contains(joined, "hpet=off")

	// The system table names the Dell profile.
	assert.Contains(joined, "type=1,manufacturer=Dell Inc.,product=OptiPlex 7080")

	// qemu64 appears only as the -cpu value.
	for i, arg := range args {
		if strings.Contains(arg, "qemu64") {
			assert.Equal("-cpu", args[i-1])
		}
	}

	// Five SMBIOS tables in type order.
	var typeOrder []string
	for _, arg := range args {
		if strings.HasPrefix(arg, "type=") {
			typeOrder = append(typeOrder, arg[:6])
		}
	}
	assert.Equal([]string{"type=0", "type=1", "type=2", "type=3", "type=4"}, typeOrder)

	// Disk serial and IDE attachment on x64.
	assert.Contains(joined, "serial=WD-WCAV")
	assert.Contains(joined, "ide-hd,drive=disk0,bus=ide.0")

	// Control sockets.
	assert.Contains(joined, "-qmp unix:/tmp/t_monitor.sock,server,nowait")
	assert.Contains(joined, "virtserialport,chardev=agent0,name=org.sandbox.agent")
	assert.Contains(joined, "-serial chardev:serial0")

	// Peripherals and clock.
	assert.Contains(joined, "qemu-xhci")
	assert.Contains(joined, "usb-tablet")
	assert.Contains(joined, "intel-hda")
	assert.Contains(joined, "virtio-rng-pci")
	assert.Contains(joined, "-rtc base=utc,clock=host,driftfix=slew")

	// Headless by default, networking off.
	assert.Contains(joined, "-display none -nographic")
	assert.Contains(joined, "-nic none")
}

func TestBuildNetworkEnabledUsesDellOUI(t *testing.T) {
	assert := assert.New(t)

	profile := testProfile(t, types.ArchX64)
	profile.NetworkEnabled = true

	mask := DefaultMask()
	mask.MACVendor = "dell"
	args := buildArgs(t, profile, mask)
	joined := strings.Join(args, " ")

	assert.Contains(joined, "-netdev user,id=net0")

	var mac string
	for _, arg := range args {
		if idx := strings.Index(arg, "mac="); idx >= 0 {
			mac = arg[idx+4:]
		}
	}
	require.NotEmpty(t, mac)

	dellOUIs := macOUIs["dell"]
	oui := strings.ToUpper(mac[:8])
	assert.Contains(dellOUIs, oui, "mac %s", mac)
}

func TestBuildARM64(t *testing.T) {
	assert := assert.New(t)

	profile := testProfile(t, types.ArchARM64)
	args := buildArgs(t, profile, DefaultMask())
	joined := strings.Join(args, " ")

	assert.Contains(joined, "-machine virt,accel=tcg,gic-version=3")
	assert.Contains(joined, "virtio-blk-pci,drive=disk0")
	assert.NotContains(joined, "-smbios")
	assert.NotContains(joined, "ide-hd")
}

func TestBuildMissingImage(t *testing.T) {
	profile := testProfile(t, types.ArchX64)
	profile.ImagePath = filepath.Join(t.TempDir(), "absent.qcow2")

	_, err := BuildConfig(profile, DefaultMask(), testSockets())
	assert.ErrorIs(t, err, ErrInvalidProfile)
}

func TestBuildUnknownArch(t *testing.T) {
	profile := testProfile(t, types.ArchX64)
	profile.Arch = "mips"

	_, err := BuildConfig(profile, DefaultMask(), testSockets())
	assert.ErrorIs(t, err, ErrInvalidProfile)
}

func TestBuildArgvCarriesNoHypervisorNames(t *testing.T) {
	assert := assert.New(t)

	args := buildArgs(t, testProfile(t, types.ArchX64), DefaultMask())

	// SMBIOS values must never name a hypervisor.  The -cpu model string
	// legitimately contains "qemu64" and kvm feature subtractions, so only
	// the smbios arguments are checked.
	for i, arg := range args {
		if i > 0 && args[i-1] == "-smbios" {
			lower := strings.ToLower(arg)
			for _, bad := range []string{"qemu", "virtualbox", "vmware", "kvm", "xen", "hyper-v", "bochs"} {
				assert.NotContains(lower, bad)
			}
		}
	}
}
