// Copyright (c) 2024 The Detonator Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package qemu

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testAppend(t *testing.T, structure interface{}, expected string) {
	var config Config
	testConfigAppend(t, &config, structure, expected)
}

func testConfigAppend(t *testing.T, config *Config, structure interface{}, expected string) {
	switch s := structure.(type) {
	case Machine:
		config.Machine = s
		config.appendMachine()

	case SMBIOSTable:
		config.SMBIOS = []SMBIOSTable{s}
		config.appendSMBIOS()

	case Device:
		config.Devices = []Device{s}
		config.appendDevices()

	case RTC:
		config.RTC = s
		config.appendRTC()

	case Display:
		config.Display = s
		config.appendDisplay()

	case QMPSocket:
		config.QMPSocket = s
		config.appendQMPSocket()

	default:
		t.Fatalf("unhandled structure %T", structure)
	}

	result := strings.Join(config.qemuParams, " ")
	assert.Equal(t, expected, result)
}

func TestAppendMachine(t *testing.T) {
	machineString := "-machine q35,accel=tcg,hpet=off"
	machine := Machine{
		Type:         "q35",
		Acceleration: "tcg",
		Options:      "hpet=off",
	}
	testAppend(t, machine, machineString)
}

func TestAppendMachineVirt(t *testing.T) {
	machineString := "-machine virt,accel=kvm,gic-version=3"
	machine := Machine{
		Type:         "virt",
		Acceleration: "kvm",
		Options:      "gic-version=3",
	}
	testAppend(t, machine, machineString)
}

func TestAppendEmptyMachine(t *testing.T) {
	testAppend(t, Machine{}, "")
}

func TestAppendBlockDeviceIDE(t *testing.T) {
	blkString := "-drive file=/images/guest.qcow2,if=none,id=disk0,format=qcow2,serial=WD-WCAV12345678 -device ide-hd,drive=disk0,bus=ide.0"
	blkdev := BlockDevice{
		ID:         "disk0",
		File:       "/images/guest.qcow2",
		Format:     "qcow2",
		Serial:     "WD-WCAV12345678",
		Attachment: IDEHD,
	}
	testAppend(t, blkdev, blkString)
}

func TestAppendBlockDeviceVirtio(t *testing.T) {
	blkString := "-drive file=/images/guest.qcow2,if=none,id=disk0,format=qcow2,serial=ST12345678ABC -device virtio-blk-pci,drive=disk0"
	blkdev := BlockDevice{
		ID:         "disk0",
		File:       "/images/guest.qcow2",
		Format:     "qcow2",
		Serial:     "ST12345678ABC",
		Attachment: VirtioBlock,
	}
	testAppend(t, blkdev, blkString)
}

func TestAppendInvalidBlockDevice(t *testing.T) {
	testAppend(t, BlockDevice{ID: "disk0"}, "")
}

func TestAppendNetDevice(t *testing.T) {
	netString := "-netdev user,id=net0 -device virtio-net-pci,netdev=net0,mac=D4:BE:D9:01:02:03"
	netdev := NetDevice{
		ID:         "net0",
		MACAddress: "D4:BE:D9:01:02:03",
	}
	testAppend(t, netdev, netString)
}

func TestAppendNICNone(t *testing.T) {
	testAppend(t, NICNone{}, "-nic none")
}

func TestAppendCharDeviceSerial(t *testing.T) {
	cdevString := "-chardev socket,id=serial0,path=/tmp/serial.sock,server=on,wait=off -serial chardev:serial0"
	cdev := CharDevice{
		Backend: Socket,
		ID:      "serial0",
		Path:    "/tmp/serial.sock",
		Serial:  true,
	}
	testAppend(t, cdev, cdevString)
}

func TestAppendVirtioSerialPort(t *testing.T) {
	portString := "-device virtio-serial-pci -chardev socket,id=agent0,path=/tmp/agent.sock,server=on,wait=off -device virtserialport,chardev=agent0,name=org.sandbox.agent"
	port := VirtioSerialPort{
		ChardevID: "agent0",
		Path:      "/tmp/agent.sock",
		Name:      "org.sandbox.agent",
	}
	testAppend(t, port, portString)
}

func TestAppendUSBDevices(t *testing.T) {
	testAppend(t, USBController{ID: "xhci"}, "-device qemu-xhci,id=xhci")
	testAppend(t, USBDevice{Driver: "usb-kbd", ID: "kbd0"}, "-device usb-kbd,id=kbd0")
	testAppend(t, USBDevice{Driver: "usb-tablet", ID: "tablet0"}, "-device usb-tablet,id=tablet0")
}

func TestAppendHDADevice(t *testing.T) {
	testAppend(t, HDADevice{}, "-device intel-hda -device hda-duplex")
}

func TestAppendRngDevice(t *testing.T) {
	testAppend(t, RngDevice{}, "-device virtio-rng-pci")
}

func TestAppendSMBIOSTable(t *testing.T) {
	tableString := "-smbios type=1,manufacturer=Dell Inc.,product=OptiPlex 7080,serial=ABC1234"
	table := SMBIOSTable{
		Type: 1,
		Fields: []SMBIOSField{
			{Key: "manufacturer", Value: "Dell Inc."},
			{Key: "product", Value: "OptiPlex 7080"},
			{Key: "serial", Value: "ABC1234"},
		},
	}
	testAppend(t, table, tableString)
}

func TestAppendRTC(t *testing.T) {
	rtcString := "-rtc base=utc,clock=host,driftfix=slew"
	rtc := RTC{
		Base:     UTC,
		Clock:    Host,
		DriftFix: Slew,
	}
	testAppend(t, rtc, rtcString)
}

func TestAppendDisplay(t *testing.T) {
	testAppend(t, Display{Type: DisplayNone}, "-display none -nographic")
	testAppend(t, Display{Type: DisplayVNC, Index: 2}, "-vnc :2")
	testAppend(t, Display{Type: DisplaySPICE, Index: 1}, "-spice port=5931,disable-ticketing=on -device qxl-vga")
}

func TestAppendQMPSocket(t *testing.T) {
	qmpString := "-qmp unix:/tmp/monitor.sock,server,nowait"
	testAppend(t, QMPSocket{Path: "/tmp/monitor.sock"}, qmpString)
}

func TestBuildOrdering(t *testing.T) {
	assert := assert.New(t)

	config := Config{
		Path:      "qemu-system-x86_64",
		Name:      "sandbox_x64",
		Machine:   Machine{Type: "q35", Acceleration: "tcg", Options: "hpet=off"},
		CPUModel:  "qemu64,-hypervisor",
		MemoryMiB: 2048,
		CPUs:      2,
		SMBIOS: []SMBIOSTable{
			{Type: 0, Fields: []SMBIOSField{{Key: "vendor", Value: "Dell Inc."}}},
			{Type: 1, Fields: []SMBIOSField{{Key: "manufacturer", Value: "Dell Inc."}}},
		},
		Devices: []Device{
			NICNone{},
		},
		RTC:       RTC{Base: UTC, Clock: Host, DriftFix: Slew},
		QMPSocket: QMPSocket{Path: "/tmp/m.sock"},
	}

	params, err := config.Build()
	assert.NoError(err)

	joined := strings.Join(params, " ")
	assert.Contains(joined, "-name sandbox_x64")
	assert.Contains(joined, "-machine q35,accel=tcg,hpet=off")
	assert.Contains(joined, "-cpu qemu64,-hypervisor")
	assert.Contains(joined, "-m 2048")
	assert.Contains(joined, "-smp 2")
	assert.Contains(joined, "-qmp unix:/tmp/m.sock,server,nowait")

	// SMBIOS tables keep their type order.
	type0 := strings.Index(joined, "type=0")
	type1 := strings.Index(joined, "type=1")
	assert.True(type0 >= 0 && type1 > type0)

	// The machine description precedes the CPU model.
	assert.True(strings.Index(joined, "-machine") < strings.Index(joined, "-cpu"))
}

func TestBuildNoPath(t *testing.T) {
	config := Config{}
	_, err := config.Build()
	assert.Error(t, err)
}

func TestBinaryForArch(t *testing.T) {
	assert := assert.New(t)

	binary, err := BinaryForArch("x64")
	assert.NoError(err)
	assert.Equal("qemu-system-x86_64", binary)

	binary, err = BinaryForArch("arm64")
	assert.NoError(err)
	assert.Equal("qemu-system-aarch64", binary)

	_, err = BinaryForArch("riscv")
	assert.Error(err)
}
