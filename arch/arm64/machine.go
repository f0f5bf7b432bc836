// Package arm64 holds the AArch64 half of the hypervisor core: stage-1 and
// stage-2 descriptor codecs, the TTBR0_EL2 and VTTBR_EL2 paging adapters
// and the EL2 capture/restore of an interrupted Linux kernel.
//
// Every privileged instruction goes through Machine. SimMachine implements
// it over plain memory so the whole package runs in ordinary tests.
package arm64

import "fmt"

// SysReg names a system register the core reads or writes.
type SysReg int

const (
	SCTLR_EL1 SysReg = iota
	TCR_EL1
	MAIR_EL1
	VBAR_EL1
	SP_EL0
	SP_EL1
	TPIDR_EL0
	TPIDR_EL1
	TTBR0_EL1
	TTBR1_EL1
	HCR_EL2
	VBAR_EL2
	VTCR_EL2
	VTTBR_EL2
	TTBR0_EL2
	TCR_EL2
	MAIR_EL2
	SCTLR_EL2
	numSysRegs
)

var sysRegNames = [numSysRegs]string{
	"SCTLR_EL1", "TCR_EL1", "MAIR_EL1", "VBAR_EL1", "SP_EL0", "SP_EL1",
	"TPIDR_EL0", "TPIDR_EL1", "TTBR0_EL1", "TTBR1_EL1", "HCR_EL2",
	"VBAR_EL2", "VTCR_EL2", "VTTBR_EL2", "TTBR0_EL2", "TCR_EL2",
	"MAIR_EL2", "SCTLR_EL2",
}

func (r SysReg) String() string {
	if r < 0 || r >= numSysRegs {
		return fmt.Sprintf("SysReg(%d)", int(r))
	}
	return sysRegNames[r]
}

// Domain is the shareability domain of a DSB.
type Domain int

const (
	NSH Domain = iota // non-shareable, this PE only
	ISH               // inner shareable
	SY                // full system
)

func (d Domain) String() string {
	switch d {
	case NSH:
		return "nsh"
	case ISH:
		return "ish"
	case SY:
		return "sy"
	default:
		return fmt.Sprintf("Domain(%d)", int(d))
	}
}

// TLBIOp is a TLB maintenance operation.
type TLBIOp int

const (
	TLBIAllE2        TLBIOp = iota // all EL2 entries, this PE
	TLBIVAE2IS                     // one EL2 VA, arg = VA >> 12
	TLBIVMALLS12E1IS               // all stage-1 and stage-2 entries of the current VMID
	TLBIIPAS2E1IS                  // one stage-2 IPA, arg = IPA >> 12
	TLBIVMALLE1IS                  // all stage-1 entries of the current VMID
)

func (op TLBIOp) String() string {
	switch op {
	case TLBIAllE2:
		return "alle2"
	case TLBIVAE2IS:
		return "vae2is"
	case TLBIVMALLS12E1IS:
		return "vmalls12e1is"
	case TLBIIPAS2E1IS:
		return "ipas2e1is"
	case TLBIVMALLE1IS:
		return "vmalle1is"
	default:
		return fmt.Sprintf("TLBIOp(%d)", int(op))
	}
}

// Machine is the set of EL2 primitives the core is built on. On hardware
// each method is a single instruction or a short fixed sequence.
type Machine interface {
	ReadSysReg(r SysReg) uint64
	WriteSysReg(r SysReg, v uint64)
	ISB()
	DSB(d Domain)
	TLBI(op TLBIOp, arg uint64)
	// LoadWords reads len(dst) 64-bit words starting at the hypervisor
	// virtual address addr. It fails with ErrBadAddress when the range is
	// not mapped.
	LoadWords(addr uint64, dst []uint64) error
	// ReturnToLinux loads x0-x30 from regs, switches to regs.SP and
	// branches to regs.PC. It does not return on hardware.
	ReturnToLinux(regs *GuestRegisters)
}
