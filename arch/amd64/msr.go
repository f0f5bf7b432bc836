package amd64

import "fmt"

// MSR is a model-specific register index.
type MSR uint32

const (
	IA32_PAT           MSR = 0x277
	IA32_MTRR_DEF_TYPE MSR = 0x2ff
	IA32_EFER          MSR = 0xc000_0080
	IA32_STAR          MSR = 0xc000_0081
	IA32_LSTAR         MSR = 0xc000_0082
	IA32_CSTAR         MSR = 0xc000_0083
	IA32_FMASK         MSR = 0xc000_0084
	IA32_FS_BASE       MSR = 0xc000_0100
	IA32_GS_BASE       MSR = 0xc000_0101
	IA32_KERNEL_GSBASE MSR = 0xc000_0102
)

var msrNames = map[MSR]string{
	IA32_PAT:           "IA32_PAT",
	IA32_MTRR_DEF_TYPE: "IA32_MTRR_DEF_TYPE",
	IA32_EFER:          "IA32_EFER",
	IA32_STAR:          "IA32_STAR",
	IA32_LSTAR:         "IA32_LSTAR",
	IA32_CSTAR:         "IA32_CSTAR",
	IA32_FMASK:         "IA32_FMASK",
	IA32_FS_BASE:       "IA32_FS_BASE",
	IA32_GS_BASE:       "IA32_GS_BASE",
	IA32_KERNEL_GSBASE: "IA32_KERNEL_GSBASE",
}

func (m MSR) String() string {
	if name, ok := msrNames[m]; ok {
		return name
	}
	return fmt.Sprintf("MSR(%#x)", uint32(m))
}

// HostPAT programs PAT0 = WB, PAT1 = WC, PAT2 = UC-. The host codec relies
// on index 0 for normal memory and index 2 (PCD) for device memory.
const HostPAT = 0x070106

// EFER bits.
const (
	EFERSCE = 1 << 0
	EFERLME = 1 << 8
	EFERLMA = 1 << 10
	EFERNXE = 1 << 11
)

// savedMSRs are captured and written back on restore, in this order. The
// FS and GS bases are handled with their selectors.
var savedMSRs = []MSR{
	IA32_PAT,
	IA32_EFER,
	IA32_KERNEL_GSBASE,
	IA32_STAR,
	IA32_LSTAR,
	IA32_CSTAR,
	IA32_FMASK,
	IA32_MTRR_DEF_TYPE,
}
