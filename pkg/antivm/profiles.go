// Copyright (c) 2024 The Detonator Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package antivm

// SMBIOSProfile holds the firmware strings of one real machine model.
// Serial numbers and the system UUID are left empty here and filled per
// boot by Mask.Fill, following each vendor's serial alphabet.
type SMBIOSProfile struct {
	// Type 0: BIOS
	BIOSVendor  string
	BIOSVersion string
	BIOSDate    string

	// Type 1: System
	SysManufacturer string
	SysProduct      string
	SysVersion      string
	SysSKU          string
	SysFamily       string

	// Type 2: Baseboard
	BoardManufacturer string
	BoardProduct      string
	BoardVersion      string

	// Type 3: Chassis
	ChassisManufacturer string
	ChassisType         int

	// Type 4: Processor
	ProcessorManufacturer string
	ProcessorVersion      string
}

// Profiles are firmware tables lifted from real consumer hardware.  The
// strings must never hint at a hypervisor; Mask.Validate enforces that.
var Profiles = map[string]SMBIOSProfile{
	"dell_optiplex": {
		BIOSVendor:            "Dell Inc.",
		BIOSVersion:           "A12",
		BIOSDate:              "03/15/2023",
		SysManufacturer:       "Dell Inc.",
		SysProduct:            "OptiPlex 7080",
		SysVersion:            "1.0",
		SysSKU:                "Desktop",
		SysFamily:             "OptiPlex",
		BoardManufacturer:     "Dell Inc.",
		BoardProduct:          "0X8DXD",
		BoardVersion:          "A00",
		ChassisManufacturer:   "Dell Inc.",
		ChassisType:           3,
		ProcessorManufacturer: "Intel(R) Corporation",
		ProcessorVersion:      "Intel(R) Core(TM) i7-10700 CPU @ 2.90GHz",
	},
	"dell_latitude": {
		BIOSVendor:            "Dell Inc.",
		BIOSVersion:           "1.15.0",
		BIOSDate:              "05/10/2023",
		SysManufacturer:       "Dell Inc.",
		SysProduct:            "Latitude 5520",
		SysVersion:            "1.0",
		SysSKU:                "Laptop",
		SysFamily:             "Latitude",
		BoardManufacturer:     "Dell Inc.",
		BoardProduct:          "0YWMR4",
		BoardVersion:          "A00",
		ChassisManufacturer:   "Dell Inc.",
		ChassisType:           10,
		ProcessorManufacturer: "Intel(R) Corporation",
		ProcessorVersion:      "11th Gen Intel(R) Core(TM) i5-1145G7 @ 2.60GHz",
	},
	"hp_prodesk": {
		BIOSVendor:            "HP",
		BIOSVersion:           "S14 Ver. 02.09.00",
		BIOSDate:              "05/20/2023",
		SysManufacturer:       "HP",
		SysProduct:            "HP ProDesk 400 G7 Small Form Factor",
		SysVersion:            "1.0",
		SysSKU:                "8QY21AV",
		SysFamily:             "HP ProDesk",
		BoardManufacturer:     "HP",
		BoardProduct:          "8767",
		BoardVersion:          "KBC Version 08.60.00",
		ChassisManufacturer:   "HP",
		ChassisType:           3,
		ProcessorManufacturer: "Intel(R) Corporation",
		ProcessorVersion:      "Intel(R) Core(TM) i5-10500 CPU @ 3.10GHz",
	},
	"hp_elitebook": {
		BIOSVendor:            "HP",
		BIOSVersion:           "T76 Ver. 01.12.00",
		BIOSDate:              "04/15/2023",
		SysManufacturer:       "HP",
		SysProduct:            "HP EliteBook 840 G8 Notebook PC",
		SysVersion:            "1.0",
		SysSKU:                "3C8F3EA#ABB",
		SysFamily:             "HP EliteBook",
		BoardManufacturer:     "HP",
		BoardProduct:          "880D",
		BoardVersion:          "KBC Version 51.30.00",
		ChassisManufacturer:   "HP",
		ChassisType:           10,
		ProcessorManufacturer: "Intel(R) Corporation",
		ProcessorVersion:      "11th Gen Intel(R) Core(TM) i7-1165G7 @ 2.80GHz",
	},
	"lenovo_thinkcentre": {
		BIOSVendor:            "LENOVO",
		BIOSVersion:           "M3CKT49A",
		BIOSDate:              "01/10/2023",
		SysManufacturer:       "LENOVO",
		SysProduct:            "ThinkCentre M920q",
		SysVersion:            "ThinkCentre M920q",
		SysSKU:                "10V8S04X00",
		SysFamily:             "ThinkCentre M920q Tiny",
		BoardManufacturer:     "LENOVO",
		BoardProduct:          "313D",
		BoardVersion:          "SDK0J40697 WIN",
		ChassisManufacturer:   "LENOVO",
		ChassisType:           35,
		ProcessorManufacturer: "Intel(R) Corporation",
		ProcessorVersion:      "Intel(R) Core(TM) i7-9700T CPU @ 2.00GHz",
	},
	"lenovo_thinkpad": {
		BIOSVendor:            "LENOVO",
		BIOSVersion:           "N33ET69W (1.50)",
		BIOSDate:              "06/01/2023",
		SysManufacturer:       "LENOVO",
		SysProduct:            "ThinkPad T14 Gen 2i",
		SysVersion:            "ThinkPad T14 Gen 2i",
		SysSKU:                "20W0CTO1WW",
		SysFamily:             "ThinkPad T14 Gen 2i",
		BoardManufacturer:     "LENOVO",
		BoardProduct:          "20W0CTO1WW",
		BoardVersion:          "SDK0J40697 WIN",
		ChassisManufacturer:   "LENOVO",
		ChassisType:           10,
		ProcessorManufacturer: "Intel(R) Corporation",
		ProcessorVersion:      "11th Gen Intel(R) Core(TM) i7-1165G7 @ 2.80GHz",
	},
	"asus_desktop": {
		BIOSVendor:            "American Megatrends Inc.",
		BIOSVersion:           "3801",
		BIOSDate:              "02/22/2023",
		SysManufacturer:       "ASUS",
		SysProduct:            "System Product Name",
		SysVersion:            "System Version",
		SysSKU:                "SKU",
		SysFamily:             "ASUS_MB_CNL",
		BoardManufacturer:     "ASUSTeK COMPUTER INC.",
		BoardProduct:          "ROG STRIX Z490-E GAMING",
		BoardVersion:          "Rev 1.xx",
		ChassisManufacturer:   "Default string",
		ChassisType:           3,
		ProcessorManufacturer: "Intel(R) Corporation",
		ProcessorVersion:      "Intel(R) Core(TM) i9-10900K CPU @ 3.70GHz",
	},
}

// DefaultProfile is used when configuration names no SMBIOS profile.
const DefaultProfile = "dell_optiplex"

// macOUIs maps hardware vendors to OUI prefixes observed on real NICs.
// 52:54:00 is the QEMU default and must never appear here even though
// some databases attribute it to Realtek.
var macOUIs = map[string][]string{
	"dell":     {"D4:BE:D9", "18:03:73", "34:17:EB", "F8:DB:88", "00:14:22"},
	"hp":       {"94:57:A5", "00:21:5A", "38:63:BB", "3C:D9:2B", "00:1E:0B"},
	"lenovo":   {"00:06:1B", "7C:7A:91", "6C:C2:17", "68:F7:28", "98:FA:9B"},
	"intel":    {"00:1B:21", "00:1E:67", "00:15:17", "00:1C:BF", "00:13:E8"},
	"realtek":  {"00:E0:4C", "00:0A:CD", "4C:ED:FB", "00:40:F4"},
	"broadcom": {"00:10:18", "00:1A:2B", "00:24:D6", "60:33:4B", "44:94:FC"},
	"samsung":  {"00:12:47", "00:21:4C", "84:25:DB", "F0:1F:AF", "94:35:0A"},
	"asus":     {"00:1D:60", "00:15:F2", "2C:4D:54", "40:16:7E", "E0:3F:49"},
}

// forbiddenOUIs are the prefixes malware OUI lookups associate with
// hypervisors: QEMU/KVM, VMware (x2), VirtualBox, Xen, Hyper-V.
var forbiddenOUIs = []string{
	"52:54:00", "00:0C:29", "00:50:56", "08:00:27", "00:16:3E", "00:15:5D",
}

// diskSerialPrefixes maps disk vendors to their serial prefixes.
var diskSerialPrefixes = map[string]string{
	"western_digital": "WD-WCAV",
	"seagate":         "ST",
	"samsung":         "S",
	"crucial":         "CT",
	"sandisk":         "SD",
	"kingston":        "K",
	"intel":           "CVFT",
	"toshiba":         "Y",
}
