// Package amd64 holds the x86_64 half of the hypervisor core: host and EPT
// descriptor codecs, the CR3 and EPTP paging adapters, the hypervisor GDT
// and the capture/restore of an interrupted Linux kernel.
//
// Privileged instructions go through Machine. SimMachine implements it over
// plain memory for tests and the command line tools.
package amd64

import "fmt"

// CR names a control register.
type CR int

const (
	CR0 CR = 0
	CR2 CR = 2
	CR3 CR = 3
	CR4 CR = 4
)

func (c CR) String() string { return fmt.Sprintf("cr%d", int(c)) }

// Control register bits used by the core.
const (
	CR0PE = 1 << 0
	CR0PG = 1 << 31

	CR4PAE     = 1 << 5
	CR4VMXE    = 1 << 13
	CR4PCIDE   = 1 << 17
	CR4OSXSAVE = 1 << 18
)

// CR3 fields. With CR4.PCIDE set the low 12 bits hold the PCID.
const (
	cr3AddrMask = 0x000f_ffff_ffff_f000
	cr3PCIDMask = 0xfff
)

// SegReg names a segment register.
type SegReg int

const (
	ES SegReg = iota
	CS
	SS
	DS
	FS
	GS
	numSegRegs
)

var segRegNames = [numSegRegs]string{"es", "cs", "ss", "ds", "fs", "gs"}

func (s SegReg) String() string {
	if s < 0 || s >= numSegRegs {
		return fmt.Sprintf("SegReg(%d)", int(s))
	}
	return segRegNames[s]
}

// DescriptorTablePointer is the operand of LGDT/SGDT and LIDT/SIDT.
type DescriptorTablePointer struct {
	Limit uint16
	Base  uint64
}

func (p DescriptorTablePointer) String() string {
	return fmt.Sprintf("%#x/%#x", p.Base, p.Limit)
}

// VMCS fields and INVEPT types used by the EPT adapter.
const (
	VMCSEPTPointer = 0x201a

	InveptSingleContext = 1
	InveptAllContext    = 2
)

// Machine is the set of x86_64 privileged primitives the core is built on.
// On hardware each method is a single instruction or a short fixed
// sequence.
type Machine interface {
	ReadCR(cr CR) uint64
	WriteCR(cr CR, v uint64)
	ReadMSR(msr MSR) uint64
	WriteMSR(msr MSR, v uint64)

	SGDT() DescriptorTablePointer
	LGDT(p DescriptorTablePointer)
	SIDT() DescriptorTablePointer
	LIDT(p DescriptorTablePointer)
	STR() Selector
	// LTR loads the task register and marks the descriptor busy.
	LTR(sel Selector)
	ReadSegment(seg SegReg) Selector
	// LoadSegment loads a selector. Loading CS is a far return. Loading
	// FS or GS resets the matching base MSR from the descriptor.
	LoadSegment(seg SegReg, sel Selector)

	Invlpg(vaddr uint64)
	VMWrite(field uint64, v uint64)
	Invept(typ uint64, eptp uint64)

	// ReadMemory and WriteMemory access hypervisor virtual memory.
	// ReadMemory fails with ErrBadAddress on an unmapped byte.
	ReadMemory(addr uint64, dst []byte) error
	WriteMemory(addr uint64, src []byte) error

	// ReturnToLinux pops regs into the general purpose registers,
	// switches to rsp and returns to rip. It does not return on hardware.
	ReturnToLinux(rsp, rip uint64, regs *GuestRegisters)
}
