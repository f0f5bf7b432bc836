package arm64

import (
	"fmt"

	"github.com/blacktop/go-hvcore"
	"github.com/blacktop/go-hvcore/memory"
)

// SavedLinuxRegs is the number of words the entry trampoline pushes before
// calling into the hypervisor: x0 at the lowest address up to x30.
const SavedLinuxRegs = 31

// NumSysRegs is the number of system registers in a LinuxContext.
const NumSysRegs = int(numSysRegs)

// kernelSysRegs are the EL1/EL0 registers owned by the interrupted kernel.
var kernelSysRegs = []SysReg{
	SCTLR_EL1, TCR_EL1, MAIR_EL1, VBAR_EL1, SP_EL0, SP_EL1,
	TPIDR_EL0, TPIDR_EL1,
}

// hostSysRegs are the EL2 registers the hypervisor replaces on capture.
var hostSysRegs = []SysReg{
	HCR_EL2, VBAR_EL2, VTCR_EL2, TCR_EL2, MAIR_EL2, SCTLR_EL2,
}

// baseSysRegs select address spaces and are written after everything else.
var baseSysRegs = []SysReg{
	TTBR0_EL1, TTBR1_EL1, VTTBR_EL2, TTBR0_EL2,
}

// LinuxContext is the state of the kernel thread that entered the
// hypervisor on one CPU. It is created by Capture and consumed by Restore
// on the same CPU.
type LinuxContext struct {
	SP uint64
	PC uint64
	X  [SavedLinuxRegs]uint64

	// Sys holds every system register in the order of the SysReg
	// constants.
	Sys [NumSysRegs]uint64
}

// HostState is the EL2 configuration installed after a capture.
type HostState struct {
	HCR   uint64
	VBAR  uint64
	VTCR  uint64
	TCR   uint64
	SCTLR uint64

	// PageTable becomes the EL2 stage-1 table when set.
	PageTable *S1PageTable
	// Stage2 becomes the guest stage-2 table when set.
	Stage2 *S2PageTable
}

// CaptureLinuxContext reads the SavedLinuxRegs words at linuxSP and every
// system register into a new context. The stack pointer the kernel resumes
// with is the one above the saved words; it resumes at the link register.
func CaptureLinuxContext(m Machine, linuxSP uint64) (*LinuxContext, error) {
	var ctx LinuxContext
	if err := m.LoadWords(linuxSP, ctx.X[:]); err != nil {
		return nil, fmt.Errorf("failed to read saved registers at %#x: %w", linuxSP, err)
	}
	ctx.SP = linuxSP + SavedLinuxRegs*8
	ctx.PC = ctx.X[30]
	for r := SysReg(0); r < numSysRegs; r++ {
		ctx.Sys[r] = m.ReadSysReg(r)
	}
	return &ctx, nil
}

// Reg returns a captured system register.
func (c *LinuxContext) Reg(r SysReg) uint64 { return c.Sys[r] }

// GuestRegisters returns the register block that resumes the kernel with
// the registers it entered with.
func (c *LinuxContext) GuestRegisters() *GuestRegisters {
	return &GuestRegisters{X: c.X, SP: c.SP, PC: c.PC}
}

// Install programs the hypervisor's EL2 state: attributes and translation
// control before the stage-1 root, then the system control, vectors and
// hypervisor configuration, then the stage-2 root.
func (h *HostState) Install(m Machine) {
	m.WriteSysReg(MAIR_EL2, MAIRValue)
	m.WriteSysReg(TCR_EL2, h.TCR)
	if h.PageTable != nil {
		h.PageTable.Activate()
	}
	m.WriteSysReg(SCTLR_EL2, h.SCTLR)
	m.WriteSysReg(VBAR_EL2, h.VBAR)
	m.WriteSysReg(HCR_EL2, h.HCR)
	m.WriteSysReg(VTCR_EL2, h.VTCR)
	m.ISB()
	if h.Stage2 != nil {
		h.Stage2.Activate()
	}
}

// Restore writes every captured system register back, translation bases
// last, and returns to the kernel with regs in x0-x30. A nil regs resumes
// with the captured registers. Restore does not return on hardware.
func (c *LinuxContext) Restore(m Machine, regs *GuestRegisters) {
	for _, r := range kernelSysRegs {
		m.WriteSysReg(r, c.Sys[r])
	}
	for _, r := range hostSysRegs {
		m.WriteSysReg(r, c.Sys[r])
	}
	m.ISB()
	for _, r := range baseSysRegs {
		m.WriteSysReg(r, c.Sys[r])
	}
	m.ISB()
	m.TLBI(TLBIVMALLS12E1IS, 0)
	m.TLBI(TLBIAllE2, 0)
	m.DSB(ISH)
	m.ISB()

	frame := c.GuestRegisters()
	if regs != nil {
		frame.X = regs.X
	}
	m.ReturnToLinux(frame)
}

// CPU is the context-switch state of one logical CPU.
type CPU struct {
	sw    *hvcore.Switch
	m     Machine
	linux *LinuxContext
}

// NewCPU returns CPU id in the kernel-resident state.
func NewCPU(id int, m Machine) *CPU {
	return &CPU{sw: hvcore.NewSwitch(id), m: m}
}

func (c *CPU) ID() int                { return c.sw.CPU() }
func (c *CPU) State() hvcore.CPUState { return c.sw.State() }
func (c *CPU) Machine() Machine       { return c.m }

// Linux returns the captured context, or nil when the CPU is
// kernel-resident.
func (c *CPU) Linux() *LinuxContext { return c.linux }

func (c *CPU) String() string {
	return fmt.Sprintf("cpu%d(%v)", c.ID(), c.State())
}

// Capture snapshots the kernel that entered the hypervisor with its
// registers saved at linuxSP, then installs host. A failed capture leaves
// the CPU kernel-resident with nothing installed.
func (c *CPU) Capture(linuxSP uint64, host *HostState) (*LinuxContext, error) {
	if c.linux != nil {
		return nil, fmt.Errorf("cpu %d: %w", c.ID(), hvcore.ErrAlreadyCaptured)
	}
	if linuxSP%8 != 0 {
		return nil, fmt.Errorf("cpu %d: linux sp %#x: %w", c.ID(), linuxSP, hvcore.ErrNotAligned)
	}
	ctx, err := CaptureLinuxContext(c.m, linuxSP)
	if err != nil {
		hvcore.RecordError(err)
		return nil, err
	}
	if host != nil {
		host.Install(c.m)
	}
	if err := c.sw.Enter(); err != nil {
		return nil, err
	}
	c.linux = ctx
	hvcore.Logger().Debug("arm64 context captured",
		"cpu", c.ID(), "sp", memory.VirtAddr(ctx.SP), "pc", memory.VirtAddr(ctx.PC))
	return ctx, nil
}

// Restore resumes the captured kernel. It panics when nothing was
// captured and does not return on hardware.
func (c *CPU) Restore(regs *GuestRegisters) {
	ctx := c.linux
	if ctx == nil {
		panic(fmt.Sprintf("arm64: %v: restore without captured context", c))
	}
	c.linux = nil
	c.sw.Leave()
	ctx.Restore(c.m, regs)
}
