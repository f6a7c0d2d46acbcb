// Copyright (c) 2024 The Detonator Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package antivm builds QEMU configurations whose guest-visible hardware
// fingerprint matches a named consumer PC instead of a hypervisor.  Every
// knob corresponds to a published detection vector: CPUID leaves 0x1 and
// 0x40000000, SMBIOS strings, MAC OUI lookups, null disk serials, the HPET
// timing side channel and the virtio-blk device pattern.
package antivm

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/detonator-project/detonator/pkg/uuid"
)

// ErrInvalidProfile is returned when a guest profile cannot be assembled
// into a QEMU invocation (missing image, unknown architecture, unknown
// SMBIOS profile, mask that fails validation).
var ErrInvalidProfile = errors.New("antivm: invalid guest profile")

// forbiddenSubstrings must not appear anywhere in the emitted SMBIOS
// strings, case-insensitively.
var forbiddenSubstrings = []string{
	"qemu", "bochs", "virtualbox", "vmware", "kvm", "xen", "hyper-v",
}

// Mask is the anti-detection profile for one guest boot.  The identity
// fields (serials, UUID, MAC, disk serial) are generated once by Fill and
// stay stable for the lifetime of the boot.
type Mask struct {
	// ProfileName selects the SMBIOS profile from Profiles.
	ProfileName string

	// MACVendor selects the OUI table for the NIC.
	MACVendor string

	// MACPrefix, when set, overrides the vendor table with a fixed OUI.
	MACPrefix string

	// DiskVendor selects the disk serial format.
	DiskVendor string

	// TSCFrequency is advertised to the guest, in Hz.
	TSCFrequency uint64

	// HideHypervisor clears the CPUID hypervisor bit.
	HideHypervisor bool

	// HidePVFeatures strips the paravirtual feature leaves that name the
	// hypervisor.
	HidePVFeatures bool

	// StabilizeTSC advertises an invariant TSC at a fixed frequency.
	StabilizeTSC bool

	// DisableHPET removes the high precision event timer.
	DisableHPET bool

	profile SMBIOSProfile

	// Values generated by Fill.
	systemSerial  string
	boardSerial   string
	chassisSerial string
	systemUUID    string
	macAddress    string
	diskSerial    string
	filled        bool
}

// DefaultMask returns a mask with every countermeasure enabled and the
// default Dell profile.
func DefaultMask() *Mask {
	return &Mask{
		ProfileName:    DefaultProfile,
		MACVendor:      "dell",
		DiskVendor:     "western_digital",
		TSCFrequency:   3600000000,
		HideHypervisor: true,
		HidePVFeatures: true,
		StabilizeTSC:   true,
		DisableHPET:    true,
	}
}

// ProfileNames lists the available SMBIOS profiles, sorted.
func ProfileNames() []string {
	names := make([]string, 0, len(Profiles))
	for name := range Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RandomProfileName picks one of the available SMBIOS profiles.
func RandomProfileName() string {
	names := ProfileNames()
	return names[randInt(len(names))]
}

const alnum = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
const upper = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
const digits = "0123456789"

func randInt(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic(fmt.Errorf("unable to read random data: %v", err))
	}
	return int(v.Int64())
}

func randString(alphabet string, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[randInt(len(alphabet))]
	}
	return string(b)
}

func randByte() int {
	return randInt(256)
}

// systemSerialFor generates a serial following the vendor's alphabet:
// Dell uses 7 alphanumerics, HP MXL plus 7, Lenovo PF plus 6.
func systemSerialFor(manufacturer string) string {
	switch {
	case strings.Contains(manufacturer, "Dell"):
		return randString(alnum, 7)
	case strings.Contains(manufacturer, "HP"):
		return "MXL" + randString(alnum, 7)
	case strings.Contains(manufacturer, "LENOVO"):
		return "PF" + randString(alnum, 6)
	default:
		return randString(alnum, 10)
	}
}

// Fill resolves the SMBIOS profile and generates the per-boot identity
// values.  Calling Fill again regenerates them; the supervisor calls it
// exactly once per launch.
func (m *Mask) Fill() error {
	profile, ok := Profiles[m.ProfileName]
	if !ok {
		return errors.Wrapf(ErrInvalidProfile, "unknown smbios profile %q", m.ProfileName)
	}
	m.profile = profile

	m.systemSerial = systemSerialFor(profile.SysManufacturer)
	m.boardSerial = "./" + randString(alnum, 10) + "/."
	m.chassisSerial = m.systemSerial
	m.systemUUID = uuid.Generate().String()

	mac, err := m.generateMAC()
	if err != nil {
		return err
	}
	m.macAddress = mac
	m.diskSerial = m.generateDiskSerial()
	m.filled = true

	return nil
}

func (m *Mask) generateMAC() (string, error) {
	oui := m.MACPrefix
	if oui == "" {
		table, ok := macOUIs[m.MACVendor]
		if !ok {
			table = macOUIs["intel"]
		}
		oui = table[randInt(len(table))]
	}

	for _, bad := range forbiddenOUIs {
		if strings.EqualFold(oui, bad) {
			return "", errors.Errorf("antivm: OUI %s belongs to a hypervisor vendor", oui)
		}
	}

	return fmt.Sprintf("%s:%02X:%02X:%02X", oui, randByte(), randByte(), randByte()), nil
}

func (m *Mask) generateDiskSerial() string {
	prefix, ok := diskSerialPrefixes[m.DiskVendor]
	if !ok {
		prefix = diskSerialPrefixes["western_digital"]
	}

	switch m.DiskVendor {
	case "seagate":
		return prefix + randString(digits, 8) + randString(upper, 3)
	case "samsung":
		return prefix + randString(digits, 3) + "NX" + randString(digits, 7)
	case "western_digital":
		return prefix + randString(alnum, 8)
	default:
		return prefix + randString(alnum, 12)
	}
}

// MACAddress returns the generated NIC MAC.  Fill must have been called.
func (m *Mask) MACAddress() string { return m.macAddress }

// DiskSerial returns the generated disk serial.  Fill must have been called.
func (m *Mask) DiskSerial() string { return m.diskSerial }

// SystemUUID returns the generated SMBIOS system UUID.
func (m *Mask) SystemUUID() string { return m.systemUUID }

// Validate checks the filled mask against the hard exclusions: no SMBIOS
// string may name a hypervisor and the MAC OUI must not belong to one.
func (m *Mask) Validate() error {
	if !m.filled {
		return errors.New("antivm: mask not filled")
	}

	fields := []string{
		m.profile.BIOSVendor, m.profile.BIOSVersion,
		m.profile.SysManufacturer, m.profile.SysProduct, m.profile.SysFamily,
		m.profile.BoardManufacturer, m.profile.BoardProduct,
		m.profile.ChassisManufacturer,
		m.profile.ProcessorManufacturer, m.profile.ProcessorVersion,
	}
	for _, f := range fields {
		lower := strings.ToLower(f)
		for _, bad := range forbiddenSubstrings {
			if strings.Contains(lower, bad) {
				return errors.Errorf("antivm: SMBIOS string %q names a hypervisor", f)
			}
		}
	}

	for _, bad := range forbiddenOUIs {
		if strings.HasPrefix(strings.ToUpper(m.macAddress), bad) {
			return errors.Errorf("antivm: MAC %s uses a hypervisor OUI", m.macAddress)
		}
	}

	return nil
}
