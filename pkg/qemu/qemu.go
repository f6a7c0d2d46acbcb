// Copyright (c) 2024 The Detonator Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package qemu provides types for assembling a QEMU command line and for
// launching the resulting process.  A Config is populated with devices and
// machine settings, Build returns the ordered argument vector, and
// LaunchQemu starts the hypervisor with stdin detached and stdout/stderr
// captured.  The QMP management socket requested via Config.QMPSocket can
// be driven afterwards with the qmp package.
package qemu

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/blang/semver/v4"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Machine describes the machine type qemu will emulate.
type Machine struct {
	// Type is the machine type to be used by qemu, e.g. "q35" or "virt".
	Type string

	// Acceleration is the accelerator to use, e.g. "kvm" or "tcg".
	Acceleration string

	// Options are extra options for the machine type, e.g. "hpet=off".
	Options string
}

// Device is the qemu device interface.  Devices that fail Valid are
// silently skipped when the command line is assembled.
type Device interface {
	Valid() bool
	QemuParams(config *Config) []string
}

// CharDeviceBackend is the character device backend for qemu.
type CharDeviceBackend string

const (
	// Socket creates a 2 way stream unix socket.
	Socket CharDeviceBackend = "socket"

	// PTY creates a new pseudo-terminal on the host and connects to it.
	PTY CharDeviceBackend = "pty"
)

// CharDevice represents a qemu character device backend.  When Serial is
// set the chardev is additionally wired to the guest's legacy serial port.
type CharDevice struct {
	Backend CharDeviceBackend

	// ID is the chardev identifier.
	ID string

	// Path is the host socket path for socket backends.
	Path string

	// Serial wires the chardev to the next -serial slot.
	Serial bool
}

// Valid returns true if the CharDevice structure is valid and complete.
func (cdev CharDevice) Valid() bool {
	if cdev.ID == "" {
		return false
	}
	if cdev.Backend == Socket && cdev.Path == "" {
		return false
	}
	return true
}

// QemuParams returns the qemu parameters built out of this character device.
func (cdev CharDevice) QemuParams(config *Config) []string {
	var cdevParams []string
	var qemuParams []string

	cdevParams = append(cdevParams, string(cdev.Backend))
	cdevParams = append(cdevParams, fmt.Sprintf(",id=%s", cdev.ID))
	if cdev.Backend == Socket {
		cdevParams = append(cdevParams, fmt.Sprintf(",path=%s,server=on,wait=off", cdev.Path))
	}

	qemuParams = append(qemuParams, "-chardev")
	qemuParams = append(qemuParams, strings.Join(cdevParams, ""))

	if cdev.Serial {
		qemuParams = append(qemuParams, "-serial")
		qemuParams = append(qemuParams, fmt.Sprintf("chardev:%s", cdev.ID))
	}

	return qemuParams
}

// VirtioSerialPort represents a virtserialport exposed to the guest,
// together with the virtio-serial-pci controller and the socket chardev
// backing it on the host.
type VirtioSerialPort struct {
	// ChardevID is the chardev identifier.
	ChardevID string

	// Path is the host socket path.
	Path string

	// Name is the port name visible under /dev/virtio-ports in the guest.
	Name string
}

// Valid returns true if the VirtioSerialPort structure is valid and complete.
func (port VirtioSerialPort) Valid() bool {
	return port.ChardevID != "" && port.Path != "" && port.Name != ""
}

// QemuParams returns the qemu parameters built out of this virtio serial port.
func (port VirtioSerialPort) QemuParams(config *Config) []string {
	var qemuParams []string

	qemuParams = append(qemuParams, "-device", "virtio-serial-pci")
	qemuParams = append(qemuParams, "-chardev",
		fmt.Sprintf("socket,id=%s,path=%s,server=on,wait=off", port.ChardevID, port.Path))
	qemuParams = append(qemuParams, "-device",
		fmt.Sprintf("virtserialport,chardev=%s,name=%s", port.ChardevID, port.Name))

	return qemuParams
}

// BlockDeviceAttachment defines how a block device is exposed to the guest.
type BlockDeviceAttachment string

const (
	// IDEHD attaches the drive as an IDE disk on bus ide.0.  IDE is what
	// a consumer desktop exposes, so it is the default on x86.
	IDEHD BlockDeviceAttachment = "ide-hd"

	// VirtioBlock attaches the drive as virtio-blk-pci.
	VirtioBlock BlockDeviceAttachment = "virtio-blk-pci"
)

// BlockDevice represents a qemu block device.
type BlockDevice struct {
	// ID is the drive identifier.
	ID string

	// File is the disk image path.
	File string

	// Format is the image format, e.g. "qcow2".
	Format string

	// Serial is the serial number the guest sees for the disk.
	Serial string

	// Attachment selects the guest-visible bus.
	Attachment BlockDeviceAttachment
}

// Valid returns true if the BlockDevice structure is valid and complete.
func (blkdev BlockDevice) Valid() bool {
	return blkdev.ID != "" && blkdev.File != ""
}

// QemuParams returns the qemu parameters built out of this block device.
func (blkdev BlockDevice) QemuParams(config *Config) []string {
	var blkParams []string
	var deviceParams []string
	var qemuParams []string

	format := blkdev.Format
	if format == "" {
		format = "qcow2"
	}

	blkParams = append(blkParams, fmt.Sprintf("file=%s", blkdev.File))
	blkParams = append(blkParams, ",if=none")
	blkParams = append(blkParams, fmt.Sprintf(",id=%s", blkdev.ID))
	blkParams = append(blkParams, fmt.Sprintf(",format=%s", format))
	if blkdev.Serial != "" {
		blkParams = append(blkParams, fmt.Sprintf(",serial=%s", blkdev.Serial))
	}

	deviceParams = append(deviceParams, string(blkdev.Attachment))
	deviceParams = append(deviceParams, fmt.Sprintf(",drive=%s", blkdev.ID))
	if blkdev.Attachment == IDEHD {
		deviceParams = append(deviceParams, ",bus=ide.0")
	}

	qemuParams = append(qemuParams, "-drive")
	qemuParams = append(qemuParams, strings.Join(blkParams, ""))

	qemuParams = append(qemuParams, "-device")
	qemuParams = append(qemuParams, strings.Join(deviceParams, ""))

	return qemuParams
}

// NetDevice represents user-mode guest networking with a virtio NIC.
type NetDevice struct {
	// ID is the netdev identifier.
	ID string

	// MACAddress is the NIC MAC address visible to the guest.
	MACAddress string
}

// Valid returns true if the NetDevice structure is valid and complete.
func (netdev NetDevice) Valid() bool {
	return netdev.ID != "" && netdev.MACAddress != ""
}

// QemuParams returns the qemu parameters built out of this network device.
func (netdev NetDevice) QemuParams(config *Config) []string {
	var qemuParams []string

	qemuParams = append(qemuParams, "-netdev")
	qemuParams = append(qemuParams, fmt.Sprintf("user,id=%s", netdev.ID))
	qemuParams = append(qemuParams, "-device")
	qemuParams = append(qemuParams, fmt.Sprintf("virtio-net-pci,netdev=%s,mac=%s", netdev.ID, netdev.MACAddress))

	return qemuParams
}

// NICNone disables guest networking entirely.
type NICNone struct{}

// Valid returns true unconditionally.
func (n NICNone) Valid() bool { return true }

// QemuParams returns the qemu parameters disabling the default NIC.
func (n NICNone) QemuParams(config *Config) []string {
	return []string{"-nic", "none"}
}

// USBController represents an xHCI USB controller.
type USBController struct {
	ID string
}

// Valid returns true if the USBController structure is valid and complete.
func (usb USBController) Valid() bool { return usb.ID != "" }

// QemuParams returns the qemu parameters built out of this USB controller.
func (usb USBController) QemuParams(config *Config) []string {
	return []string{"-device", fmt.Sprintf("qemu-xhci,id=%s", usb.ID)}
}

// USBDevice represents a USB HID device such as usb-kbd or usb-tablet.
type USBDevice struct {
	Driver string
	ID     string
}

// Valid returns true if the USBDevice structure is valid and complete.
func (usb USBDevice) Valid() bool { return usb.Driver != "" && usb.ID != "" }

// QemuParams returns the qemu parameters built out of this USB device.
func (usb USBDevice) QemuParams(config *Config) []string {
	return []string{"-device", fmt.Sprintf("%s,id=%s", usb.Driver, usb.ID)}
}

// HDADevice represents the Intel HDA audio controller with a duplex codec.
type HDADevice struct{}

// Valid returns true unconditionally.
func (hda HDADevice) Valid() bool { return true }

// QemuParams returns the qemu parameters built out of this audio device.
func (hda HDADevice) QemuParams(config *Config) []string {
	return []string{"-device", "intel-hda", "-device", "hda-duplex"}
}

// RngDevice represents a virtio RNG device.
type RngDevice struct{}

// Valid returns true unconditionally.
func (rng RngDevice) Valid() bool { return true }

// QemuParams returns the qemu parameters built out of this RNG device.
func (rng RngDevice) QemuParams(config *Config) []string {
	return []string{"-device", "virtio-rng-pci"}
}

// SMBIOSTable represents one -smbios table.  Fields are emitted in the
// order provided; guests read the tables back verbatim so ordering is part
// of the stable surface.
type SMBIOSTable struct {
	// Type is the SMBIOS table type (0, 1, 2, 3 or 4).
	Type int

	// Fields are key=value pairs in emission order.
	Fields []SMBIOSField
}

// SMBIOSField is a single key=value entry of an SMBIOS table.
type SMBIOSField struct {
	Key   string
	Value string
}

// Valid returns true if the SMBIOSTable structure is valid and complete.
func (t SMBIOSTable) Valid() bool {
	return t.Type >= 0 && t.Type <= 4 && len(t.Fields) > 0
}

// QemuParams returns the qemu parameters built out of this SMBIOS table.
func (t SMBIOSTable) QemuParams(config *Config) []string {
	params := []string{fmt.Sprintf("type=%d", t.Type)}
	for _, f := range t.Fields {
		params = append(params, fmt.Sprintf("%s=%s", f.Key, f.Value))
	}
	return []string{"-smbios", strings.Join(params, ",")}
}

// RTCBaseType is the qemu RTC base time type.
type RTCBaseType string

// RTCClock is the qemu RTC clock type.
type RTCClock string

// RTCDriftFix is the qemu RTC drift fix type.
type RTCDriftFix string

const (
	// UTC is the UTC base time for qemu RTC.
	UTC RTCBaseType = "utc"

	// Host is for using the host clock as a reference.
	Host RTCClock = "host"

	// Slew is the qemu RTC drift fix mechanism.
	Slew RTCDriftFix = "slew"
)

// RTC represents a qemu Real Time Clock configuration.
type RTC struct {
	Base     RTCBaseType
	Clock    RTCClock
	DriftFix RTCDriftFix
}

// Valid returns true if the RTC structure is valid and complete.
func (rtc RTC) Valid() bool {
	return rtc.Base != ""
}

// DisplayType selects the guest display frontend.
type DisplayType string

const (
	// DisplayNone disables graphic output completely.
	DisplayNone DisplayType = "none"

	// DisplayVNC exposes the display over VNC.
	DisplayVNC DisplayType = "vnc"

	// DisplaySPICE exposes the display over SPICE with a QXL adapter.
	DisplaySPICE DisplayType = "spice"
)

// Display is the guest display configuration.
type Display struct {
	Type DisplayType

	// Index selects the VNC display (:N) or the SPICE port (5930+N).
	Index int
}

// QMPSocket represents a qemu QMP unix socket.
type QMPSocket struct {
	// Path is the unix socket path.
	Path string
}

// Valid returns true if the QMPSocket structure is valid and complete.
func (qmp QMPSocket) Valid() bool { return qmp.Path != "" }

// Config is the qemu configuration structure.  It is assembled by the
// antivm package and consumed by Build and LaunchQemu.
type Config struct {
	// Path is the qemu binary path.
	Path string

	// Name is the qemu guest name.
	Name string

	// Machine is the emulated machine type.
	Machine Machine

	// CPUModel is the -cpu argument, including any feature flags.
	CPUModel string

	// MemoryMiB is the guest RAM size.
	MemoryMiB uint32

	// CPUs is the guest vCPU count.
	CPUs uint32

	// SMBIOS tables, emitted in slice order.
	SMBIOS []SMBIOSTable

	// Devices is the list of devices for qemu to create and drive.
	Devices []Device

	// RTC is the qemu real time clock configuration.
	RTC RTC

	// GlobalParams are -global arguments, one per entry.
	GlobalParams []string

	// Display is the display configuration.
	Display Display

	// QMPSocket is the management socket.
	QMPSocket QMPSocket

	// Bios is the -bios firmware path, used for UEFI boots.
	Bios string

	qemuParams []string
}

func (config *Config) appendName() {
	if config.Name != "" {
		config.qemuParams = append(config.qemuParams, "-name", config.Name)
	}
}

func (config *Config) appendMachine() {
	if config.Machine.Type == "" {
		return
	}

	var machineParams []string

	machineParams = append(machineParams, config.Machine.Type)
	if config.Machine.Acceleration != "" {
		machineParams = append(machineParams, fmt.Sprintf(",accel=%s", config.Machine.Acceleration))
	}
	if config.Machine.Options != "" {
		machineParams = append(machineParams, fmt.Sprintf(",%s", config.Machine.Options))
	}

	config.qemuParams = append(config.qemuParams, "-machine", strings.Join(machineParams, ""))
}

func (config *Config) appendCPUModel() {
	if config.CPUModel != "" {
		config.qemuParams = append(config.qemuParams, "-cpu", config.CPUModel)
	}
}

func (config *Config) appendMemory() {
	if config.MemoryMiB > 0 {
		config.qemuParams = append(config.qemuParams, "-m", fmt.Sprintf("%d", config.MemoryMiB))
	}
}

func (config *Config) appendCPUs() {
	if config.CPUs > 0 {
		config.qemuParams = append(config.qemuParams, "-smp", fmt.Sprintf("%d", config.CPUs))
	}
}

func (config *Config) appendBios() {
	if config.Bios != "" {
		config.qemuParams = append(config.qemuParams, "-bios", config.Bios)
	}
}

func (config *Config) appendSMBIOS() {
	for _, t := range config.SMBIOS {
		if !t.Valid() {
			continue
		}
		config.qemuParams = append(config.qemuParams, t.QemuParams(config)...)
	}
}

func (config *Config) appendDevices() {
	for _, d := range config.Devices {
		if !d.Valid() {
			continue
		}
		config.qemuParams = append(config.qemuParams, d.QemuParams(config)...)
	}
}

func (config *Config) appendRTC() {
	if !config.RTC.Valid() {
		return
	}

	var rtcParams []string

	rtcParams = append(rtcParams, fmt.Sprintf("base=%s", config.RTC.Base))
	if config.RTC.Clock != "" {
		rtcParams = append(rtcParams, fmt.Sprintf(",clock=%s", config.RTC.Clock))
	}
	if config.RTC.DriftFix != "" {
		rtcParams = append(rtcParams, fmt.Sprintf(",driftfix=%s", config.RTC.DriftFix))
	}

	config.qemuParams = append(config.qemuParams, "-rtc", strings.Join(rtcParams, ""))
}

func (config *Config) appendGlobalParams() {
	for _, g := range config.GlobalParams {
		config.qemuParams = append(config.qemuParams, "-global", g)
	}
}

func (config *Config) appendDisplay() {
	switch config.Display.Type {
	case DisplayNone, "":
		config.qemuParams = append(config.qemuParams, "-display", "none", "-nographic")
	case DisplayVNC:
		config.qemuParams = append(config.qemuParams, "-vnc", fmt.Sprintf(":%d", config.Display.Index))
	case DisplaySPICE:
		config.qemuParams = append(config.qemuParams,
			"-spice", fmt.Sprintf("port=%d,disable-ticketing=on", 5930+config.Display.Index),
			"-device", "qxl-vga")
	}
}

func (config *Config) appendQMPSocket() {
	if !config.QMPSocket.Valid() {
		return
	}
	config.qemuParams = append(config.qemuParams, "-qmp",
		fmt.Sprintf("unix:%s,server,nowait", config.QMPSocket.Path))
}

// Build assembles the complete argument vector for this configuration.
func (config *Config) Build() ([]string, error) {
	if config.Path == "" {
		return nil, errors.New("qemu: binary path not set")
	}

	config.qemuParams = nil
	config.appendName()
	config.appendMachine()
	config.appendBios()
	config.appendCPUModel()
	config.appendMemory()
	config.appendCPUs()
	config.appendSMBIOS()
	config.appendDevices()
	config.appendDisplay()
	config.appendRTC()
	config.appendGlobalParams()
	config.appendQMPSocket()

	return config.qemuParams, nil
}

// LaunchQemu starts a qemu process for the given configuration.  stdin is
// detached and stdout/stderr are captured into the returned buffer so that
// the supervisor can surface the hypervisor's complaint verbatim when the
// child exits before its management socket appears.  The process is started
// but not waited for.
func LaunchQemu(ctx context.Context, config *Config) (*exec.Cmd, *bytes.Buffer, error) {
	params, err := config.Build()
	if err != nil {
		return nil, nil, err
	}

	cmd := exec.CommandContext(ctx, config.Path, params...)
	cmd.Stdin = nil

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Start(); err != nil {
		return nil, nil, errors.Wrapf(err, "launching %s", config.Path)
	}

	return cmd, &output, nil
}

// KVMAvailable reports whether /dev/kvm exists and is usable by this
// process.  The device is probed, not held open.
func KVMAvailable() bool {
	return unix.Access("/dev/kvm", unix.R_OK|unix.W_OK) == nil
}

var versionRegexp = regexp.MustCompile(`version (\d+\.\d+\.\d+)`)

// ProbeVersion runs the given qemu binary with --version and parses the
// reported release.
func ProbeVersion(binary string) (semver.Version, error) {
	out, err := exec.Command(binary, "--version").Output()
	if err != nil {
		return semver.Version{}, errors.Wrapf(err, "probing %s", binary)
	}

	m := versionRegexp.FindSubmatch(out)
	if m == nil {
		return semver.Version{}, errors.Errorf("unrecognized version output from %s: %q", binary, bytes.TrimSpace(out))
	}

	return semver.Parse(string(m[1]))
}

// BinaryForArch returns the system emulator binary name for a guest
// architecture ("x64" or "arm64").
func BinaryForArch(arch string) (string, error) {
	switch arch {
	case "x64", "x86_64":
		return "qemu-system-x86_64", nil
	case "arm64", "aarch64":
		return "qemu-system-aarch64", nil
	default:
		return "", errors.Errorf("unsupported guest architecture %q", arch)
	}
}

// FirmwarePaths are the locations probed for ARM64 UEFI firmware.
var FirmwarePaths = []string{
	"/usr/share/AAVMF/AAVMF_CODE.fd",
	"/usr/share/qemu-efi-aarch64/QEMU_EFI.fd",
	"/usr/share/edk2/aarch64/QEMU_EFI.fd",
}

// FindFirmware returns the first present UEFI firmware image, or "" when
// none is installed.
func FindFirmware() string {
	for _, p := range FirmwarePaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
