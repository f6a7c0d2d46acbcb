// Copyright (c) 2024 The Detonator Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package antivm

import (
	"fmt"
	"strings"
)

// pvFeatures are the paravirtual CPUID features that identify the
// hypervisor to the guest.  All of them are subtracted when the mask asks
// for paravirt hiding: the KVM leaves plus the Hyper-V enlightenments.
var pvFeatures = []string{
	"kvm_pv_eoi",
	"kvm_pv_unhalt",
	"kvm_steal_time",
	"kvmclock",
	"kvmclock-stable-bit",
	"hv-relaxed",
	"hv-vapic",
	"hv-spinlocks",
	"hv-time",
}

// realisticFeatures is a plausible desktop feature set added on top of the
// qemu64 baseline, which is otherwise suspiciously bare for a 2020s CPU.
var realisticFeatures = []string{
	"sse4.1", "sse4.2", "ssse3", "popcnt",
	"avx", "aes", "pclmulqdq", "fma", "bmi1", "bmi2",
}

// CPUModelX64 builds the -cpu argument for an x86-64 guest.  The
// subtractions come first (the hypervisor bit ahead of everything else),
// then the timing flags, then the positive adds.
func CPUModelX64(m *Mask) string {
	flags := []string{"qemu64"}

	if m.HideHypervisor {
		flags = append(flags, "-hypervisor")
	}

	if m.HidePVFeatures {
		for _, f := range pvFeatures {
			flags = append(flags, "-"+f)
		}
	}

	if m.StabilizeTSC {
		flags = append(flags, "+invtsc")
		if m.TSCFrequency > 0 {
			flags = append(flags, fmt.Sprintf("tsc-frequency=%d", m.TSCFrequency))
		}
	}

	for _, f := range realisticFeatures {
		flags = append(flags, "+"+f)
	}

	return strings.Join(flags, ",")
}

// CPUModelARM64 returns the -cpu argument for an ARM64 guest: the host CPU
// under KVM, the richest emulated model under TCG.
func CPUModelARM64(kvm bool) string {
	if kvm {
		return "host"
	}
	return "max"
}
