// Copyright (c) 2024 The Detonator Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package antivm

import (
	"os"
	"strconv"

	"github.com/pkg/errors"

	"github.com/detonator-project/detonator/pkg/qemu"
	"github.com/detonator-project/detonator/sandbox/types"
)

// agentPortName is the virtio-serial port the in-guest agent binds to.
const agentPortName = "org.sandbox.agent"

// BuildConfig assembles the QEMU configuration for a guest profile under a
// hardware mask.  It is a pure function of its inputs except for the secure
// random source consumed by Mask.Fill.  The only failure mode is an invalid
// profile: missing disk image, unknown architecture, unknown SMBIOS profile
// or a mask that fails validation (hypervisor MAC OUI or SMBIOS string).
func BuildConfig(profile types.GuestProfile, mask *Mask, sockets types.SocketSet) (*qemu.Config, error) {
	if !profile.Arch.Valid() {
		return nil, errors.Wrapf(ErrInvalidProfile, "architecture %q", profile.Arch)
	}
	if _, err := os.Stat(profile.ImagePath); err != nil {
		return nil, errors.Wrapf(ErrInvalidProfile, "disk image %s: %v", profile.ImagePath, err)
	}

	if err := mask.Fill(); err != nil {
		if errors.Is(err, ErrInvalidProfile) {
			return nil, err
		}
		return nil, errors.Wrap(ErrInvalidProfile, err.Error())
	}
	if err := mask.Validate(); err != nil {
		return nil, errors.Wrap(ErrInvalidProfile, err.Error())
	}

	binary, err := qemu.BinaryForArch(string(profile.Arch))
	if err != nil {
		return nil, errors.Wrap(ErrInvalidProfile, err.Error())
	}

	kvm := profile.EnableKVM && qemu.KVMAvailable()

	cfg := &qemu.Config{
		Path:      binary,
		Name:      profile.Name,
		MemoryMiB: profile.RAMMiB,
		CPUs:      profile.CPUs,
		QMPSocket: qemu.QMPSocket{Path: sockets.Monitor},
		RTC: qemu.RTC{
			Base:     qemu.UTC,
			Clock:    qemu.Host,
			DriftFix: qemu.Slew,
		},
		Display: displayFor(profile),
	}

	switch profile.Arch {
	case types.ArchARM64:
		buildARM64(cfg, kvm)
	case types.ArchX64:
		buildX64(cfg, mask, kvm)
	}

	cfg.Devices = append(cfg.Devices, storageDevice(profile, mask))
	cfg.Devices = append(cfg.Devices, networkDevice(profile, mask))
	cfg.Devices = append(cfg.Devices, peripheralDevices()...)
	cfg.Devices = append(cfg.Devices, controlDevices(sockets)...)

	return cfg, nil
}

func buildARM64(cfg *qemu.Config, kvm bool) {
	accel := "tcg"
	if kvm {
		accel = "kvm"
	}
	cfg.Machine = qemu.Machine{
		Type:         "virt",
		Acceleration: accel,
		Options:      "gic-version=3",
	}
	cfg.CPUModel = CPUModelARM64(kvm)
	cfg.Bios = qemu.FindFirmware()
}

func buildX64(cfg *qemu.Config, mask *Mask, kvm bool) {
	accel := "tcg"
	if kvm {
		accel = "kvm"
	}
	machine := qemu.Machine{Type: "q35", Acceleration: accel}
	if mask.DisableHPET {
		machine.Options = "hpet=off"
	}
	cfg.Machine = machine
	cfg.CPUModel = CPUModelX64(mask)
	cfg.SMBIOS = smbiosTables(mask)

	if kvm {
		cfg.GlobalParams = append(cfg.GlobalParams, "kvm-pit.lost_tick_policy=delay")
	}
}

// smbiosTables emits the five firmware tables in type order; the ordering
// is part of the stable argv surface.
func smbiosTables(m *Mask) []qemu.SMBIOSTable {
	p := m.profile

	return []qemu.SMBIOSTable{
		{Type: 0, Fields: []qemu.SMBIOSField{
			{Key: "vendor", Value: p.BIOSVendor},
			{Key: "version", Value: p.BIOSVersion},
			{Key: "date", Value: p.BIOSDate},
		}},
		{Type: 1, Fields: []qemu.SMBIOSField{
			{Key: "manufacturer", Value: p.SysManufacturer},
			{Key: "product", Value: p.SysProduct},
			{Key: "version", Value: p.SysVersion},
			{Key: "serial", Value: m.systemSerial},
			{Key: "uuid", Value: m.systemUUID},
			{Key: "sku", Value: p.SysSKU},
			{Key: "family", Value: p.SysFamily},
		}},
		{Type: 2, Fields: []qemu.SMBIOSField{
			{Key: "manufacturer", Value: p.BoardManufacturer},
			{Key: "product", Value: p.BoardProduct},
			{Key: "version", Value: p.BoardVersion},
			{Key: "serial", Value: m.boardSerial},
		}},
		{Type: 3, Fields: []qemu.SMBIOSField{
			{Key: "manufacturer", Value: p.ChassisManufacturer},
			{Key: "type", Value: strconv.Itoa(p.ChassisType)},
			{Key: "version", Value: "1.0"},
			{Key: "serial", Value: m.chassisSerial},
		}},
		{Type: 4, Fields: []qemu.SMBIOSField{
			{Key: "manufacturer", Value: p.ProcessorManufacturer},
			{Key: "version", Value: p.ProcessorVersion},
		}},
	}
}


func storageDevice(profile types.GuestProfile, mask *Mask) qemu.Device {
	attachment := qemu.IDEHD
	if profile.Arch == types.ArchARM64 {
		attachment = qemu.VirtioBlock
	}
	return qemu.BlockDevice{
		ID:         "disk0",
		File:       profile.ImagePath,
		Format:     "qcow2",
		Serial:     mask.DiskSerial(),
		Attachment: attachment,
	}
}

func networkDevice(profile types.GuestProfile, mask *Mask) qemu.Device {
	if !profile.NetworkEnabled {
		return qemu.NICNone{}
	}
	return qemu.NetDevice{ID: "net0", MACAddress: mask.MACAddress()}
}

func peripheralDevices() []qemu.Device {
	return []qemu.Device{
		qemu.USBController{ID: "xhci"},
		qemu.USBDevice{Driver: "usb-kbd", ID: "kbd0"},
		qemu.USBDevice{Driver: "usb-mouse", ID: "mouse0"},
		qemu.USBDevice{Driver: "usb-tablet", ID: "tablet0"},
		qemu.HDADevice{},
		qemu.RngDevice{},
	}
}

func controlDevices(sockets types.SocketSet) []qemu.Device {
	return []qemu.Device{
		qemu.CharDevice{
			Backend: qemu.Socket,
			ID:      "serial0",
			Path:    sockets.Serial,
			Serial:  true,
		},
		qemu.VirtioSerialPort{
			ChardevID: "agent0",
			Path:      sockets.Agent,
			Name:      agentPortName,
		},
	}
}

func displayFor(profile types.GuestProfile) qemu.Display {
	switch profile.Display {
	case "vnc":
		return qemu.Display{Type: qemu.DisplayVNC, Index: profile.DisplayIndex}
	case "spice":
		return qemu.Display{Type: qemu.DisplaySPICE, Index: profile.DisplayIndex}
	default:
		return qemu.Display{Type: qemu.DisplayNone}
	}
}
