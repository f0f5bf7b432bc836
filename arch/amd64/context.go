package amd64

import (
	"encoding/binary"
	"fmt"

	"github.com/blacktop/go-hvcore"
	"github.com/blacktop/go-hvcore/memory"
)

// SavedLinuxRegs is the number of words on the kernel stack at capture:
// r15, r14, r13, r12, rbx, rbp pushed by the entry stub, then the return
// address of the call into it.
const SavedLinuxRegs = 7

// LinuxContext is the state of the kernel thread that entered the
// hypervisor on one CPU.
type LinuxContext struct {
	RSP uint64
	RIP uint64

	R15 uint64
	R14 uint64
	R13 uint64
	R12 uint64
	RBX uint64
	RBP uint64

	CS  Segment
	DS  Segment
	ES  Segment
	FS  Segment
	GS  Segment
	SS  Segment
	TSS Segment
	GDT DescriptorTablePointer
	IDT DescriptorTablePointer

	// TSSDesc is the kernel's two-slot TSS descriptor, read at capture so
	// restore has nothing left that can fail.
	TSSDesc [2]uint64

	CR0 uint64
	CR3 uint64 // verbatim, PCID included
	CR4 uint64

	// MSRs holds every register in savedMSRs.
	MSRs map[MSR]uint64
}

// HostState is the hypervisor configuration installed after a capture.
type HostState struct {
	GDT *GDT
	IDT DescriptorTablePointer
	// CR4Set is ORed into CR4, e.g. CR4VMXE.
	CR4Set uint64
	// PageTable becomes the host address space when set.
	PageTable *PageTable
}

// CaptureLinuxContext snapshots the kernel that called into the hypervisor
// with its callee-saved registers and return address at linuxSP. hvGDT is
// the table restore will copy the kernel TSS descriptor into.
func CaptureLinuxContext(m Machine, linuxSP uint64, hvGDT *GDT) (*LinuxContext, error) {
	var raw [SavedLinuxRegs * 8]byte
	if err := m.ReadMemory(linuxSP, raw[:]); err != nil {
		return nil, fmt.Errorf("failed to read saved registers at %#x: %w", linuxSP, err)
	}
	word := func(i int) uint64 { return binary.LittleEndian.Uint64(raw[i*8:]) }

	ctx := &LinuxContext{
		RSP:  linuxSP + SavedLinuxRegs*8,
		R15:  word(0),
		R14:  word(1),
		R13:  word(2),
		R12:  word(3),
		RBX:  word(4),
		RBP:  word(5),
		RIP:  word(6),
		GDT:  m.SGDT(),
		IDT:  m.SIDT(),
		CR0:  m.ReadCR(CR0),
		CR3:  m.ReadCR(CR3),
		CR4:  m.ReadCR(CR4),
		MSRs: make(map[MSR]uint64, len(savedMSRs)),
	}

	var err error
	for _, s := range []struct {
		reg SegReg
		dst *Segment
	}{
		{CS, &ctx.CS}, {DS, &ctx.DS}, {ES, &ctx.ES},
		{FS, &ctx.FS}, {GS, &ctx.GS}, {SS, &ctx.SS},
	} {
		sel := m.ReadSegment(s.reg)
		if *s.dst, err = SegmentFromSelector(m, sel, ctx.GDT); err != nil {
			return nil, fmt.Errorf("failed to read %v descriptor %v: %w", s.reg, sel, err)
		}
	}
	ctx.FS.Base = m.ReadMSR(IA32_FS_BASE)
	ctx.GS.Base = m.ReadMSR(IA32_GS_BASE)

	tr := m.STR()
	if ctx.TSS, err = SegmentFromSelector(m, tr, ctx.GDT); err != nil {
		return nil, fmt.Errorf("failed to read tss descriptor %v: %w", tr, err)
	}
	if hvGDT != nil && !hvGDT.Fits(tr) {
		return nil, fmt.Errorf("kernel tss selector %v does not fit the hypervisor gdt (%d entries): %w",
			tr, GDTEntries, hvcore.ErrBadAddress)
	}
	for i := range ctx.TSSDesc {
		if ctx.TSSDesc[i], err = readDescriptor(m, ctx.GDT, tr.Index()+i); err != nil {
			return nil, fmt.Errorf("failed to copy tss descriptor: %w", err)
		}
	}

	for _, msr := range savedMSRs {
		ctx.MSRs[msr] = m.ReadMSR(msr)
	}
	return ctx, nil
}

// GuestRegisters returns a block that resumes the kernel with the
// callee-saved registers it entered with.
func (c *LinuxContext) GuestRegisters() *GuestRegisters {
	return &GuestRegisters{
		RBX: c.RBX,
		RBP: c.RBP,
		R12: c.R12,
		R13: c.R13,
		R14: c.R14,
		R15: c.R15,
	}
}

// Install loads the hypervisor GDT, code and data selectors, IDT and TSS,
// programs PAT for the host codec and sets the requested CR4 bits. The TSS
// descriptor is rewritten before anything is loaded, so an error leaves
// every register untouched.
func (h *HostState) Install(m Machine) error {
	if err := h.GDT.writeTSS(); err != nil {
		return fmt.Errorf("failed to reset hypervisor tss descriptor: %w", err)
	}
	h.GDT.Load()
	m.LoadSegment(CS, KernelCodeSelector)
	m.LoadSegment(DS, 0)
	m.LoadSegment(ES, 0)
	m.LoadSegment(SS, 0)
	m.LIDT(h.IDT)
	m.LTR(TSSSelector)
	m.WriteMSR(IA32_PAT, HostPAT)
	if h.CR4Set != 0 {
		m.WriteCR(CR4, m.ReadCR(CR4)|h.CR4Set)
	}
	if h.PageTable != nil {
		h.PageTable.Activate()
	}
	return nil
}

// Restore writes every captured register back and returns to the kernel
// with regs. MSRs go first, then CR0 and CR4, then CR3, since CR4.PCIDE
// changes how CR3 is read. The kernel TSS descriptor is copied into hvGDT
// with its busy bit cleared and loaded while hvGDT is still active, because
// the kernel's own GDT may be read-only. CS is reloaded before the data
// selectors, and the FS and GS bases after theirs. Restore does not return
// on hardware.
func (c *LinuxContext) Restore(m Machine, hvGDT *GDT, regs *GuestRegisters) {
	for _, msr := range savedMSRs {
		m.WriteMSR(msr, c.MSRs[msr])
	}

	m.WriteCR(CR0, c.CR0)
	m.WriteCR(CR4, c.CR4)
	m.WriteCR(CR3, c.CR3)

	hvGDT.InstallTSS(c.TSS.Selector, c.TSSDesc[0], c.TSSDesc[1])

	m.LGDT(c.GDT)
	m.LIDT(c.IDT)

	m.LoadSegment(CS, c.CS.Selector)
	m.LoadSegment(DS, c.DS.Selector)
	m.LoadSegment(ES, c.ES.Selector)
	m.LoadSegment(FS, c.FS.Selector)
	m.LoadSegment(GS, c.GS.Selector)
	m.LoadSegment(SS, c.SS.Selector)

	m.WriteMSR(IA32_FS_BASE, c.FS.Base)
	m.WriteMSR(IA32_GS_BASE, c.GS.Base)

	if regs == nil {
		regs = c.GuestRegisters()
	}
	m.ReturnToLinux(c.RSP, c.RIP, regs)
}

// CPU is the context-switch state of one logical CPU.
type CPU struct {
	sw    *hvcore.Switch
	m     Machine
	gdt   *GDT
	linux *LinuxContext
}

// NewCPU returns CPU id in the kernel-resident state. gdt is the
// hypervisor table the CPU switches to on capture.
func NewCPU(id int, m Machine, gdt *GDT) *CPU {
	return &CPU{sw: hvcore.NewSwitch(id), m: m, gdt: gdt}
}

func (c *CPU) ID() int                { return c.sw.CPU() }
func (c *CPU) State() hvcore.CPUState { return c.sw.State() }
func (c *CPU) Machine() Machine       { return c.m }
func (c *CPU) GDT() *GDT              { return c.gdt }

// Linux returns the captured context, or nil when the CPU is
// kernel-resident.
func (c *CPU) Linux() *LinuxContext { return c.linux }

func (c *CPU) String() string {
	return fmt.Sprintf("cpu%d(%v)", c.ID(), c.State())
}

// Capture snapshots the kernel and installs the hypervisor's tables and
// control state. host.GDT defaults to the CPU's table. A failed capture
// leaves the CPU kernel-resident and its registers untouched.
func (c *CPU) Capture(linuxSP uint64, host *HostState) (*LinuxContext, error) {
	if c.linux != nil {
		return nil, fmt.Errorf("cpu %d: %w", c.ID(), hvcore.ErrAlreadyCaptured)
	}
	if c.gdt == nil {
		return nil, fmt.Errorf("cpu %d has no hypervisor gdt: %w", c.ID(), hvcore.ErrBadAddress)
	}
	if linuxSP%8 != 0 {
		return nil, fmt.Errorf("cpu %d: linux rsp %#x: %w", c.ID(), linuxSP, hvcore.ErrNotAligned)
	}
	ctx, err := CaptureLinuxContext(c.m, linuxSP, c.gdt)
	if err != nil {
		hvcore.RecordError(err)
		return nil, err
	}

	h := HostState{GDT: c.gdt}
	if host != nil {
		h = *host
		if h.GDT == nil {
			h.GDT = c.gdt
		}
	}
	if h.GDT != c.gdt {
		return nil, fmt.Errorf("cpu %d: host gdt differs from the cpu's table: %w", c.ID(), hvcore.ErrBadAddress)
	}
	if err := h.Install(c.m); err != nil {
		hvcore.RecordError(err)
		return nil, err
	}
	if err := c.sw.Enter(); err != nil {
		return nil, err
	}
	c.linux = ctx
	hvcore.Logger().Debug("amd64 context captured",
		"cpu", c.ID(), "rsp", memory.VirtAddr(ctx.RSP), "rip", memory.VirtAddr(ctx.RIP),
		"cr3", memory.PhysAddr(ctx.CR3&cr3AddrMask), "pcid", ctx.CR3&cr3PCIDMask, "tr", ctx.TSS.Selector)
	return ctx, nil
}

// Restore resumes the captured kernel. It panics when nothing was
// captured and does not return on hardware.
func (c *CPU) Restore(regs *GuestRegisters) {
	ctx := c.linux
	if ctx == nil {
		panic(fmt.Sprintf("amd64: %v: restore without captured context", c))
	}
	c.linux = nil
	c.sw.Leave()
	ctx.Restore(c.m, c.gdt, regs)
}
