package arm64

import (
	"errors"
	"strings"
	"testing"

	"github.com/blacktop/go-hvcore"
	"github.com/blacktop/go-hvcore/memory"
)

const linuxSP = 0xffff_8000_1000_0f00

// newKernelMachine returns a machine whose registers and kernel stack
// look like a CPU that just trapped into EL2.
func newKernelMachine() (*SimMachine, []uint64) {
	m := NewSimMachine()
	for r := range NumSysRegs {
		m.Regs[r] = 0x1_0000 + uint64(r)*0x1111
	}
	saved := make([]uint64, SavedLinuxRegs)
	for i := range saved {
		saved[i] = 0xa000_0000 + uint64(i)
	}
	m.StoreWords(linuxSP, saved...)
	return m, saved
}

func TestCaptureRestoreRoundTrip(t *testing.T) {
	m, saved := newKernelMachine()
	before := m.Snapshot()

	arena, err := memory.NewArena(0x8000_0000, 4)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer arena.Close()
	pt, err := NewS1PageTable(arena, m)
	if err != nil {
		t.Fatalf("NewS1PageTable: %v", err)
	}
	defer pt.Destroy()

	host := &HostState{
		HCR:       0x8000_0001,
		VBAR:      0xffff_0000_0000_0800,
		VTCR:      0x8002_3558,
		TCR:       0x8081_3510,
		SCTLR:     0x30c5_183d,
		PageTable: pt,
	}

	cpu := NewCPU(2, m)
	ctx, err := cpu.Capture(linuxSP, host)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if cpu.State() != hvcore.HypervisorResident {
		t.Errorf("state after capture = %v", cpu.State())
	}
	if ctx.SP != linuxSP+SavedLinuxRegs*8 {
		t.Errorf("SP = %#x, want %#x", ctx.SP, uint64(linuxSP+SavedLinuxRegs*8))
	}
	if ctx.PC != saved[30] {
		t.Errorf("PC = %#x, want saved x30 %#x", ctx.PC, saved[30])
	}
	for r := range NumSysRegs {
		if ctx.Sys[r] != before[r] {
			t.Errorf("captured %v = %#x, want %#x", SysReg(r), ctx.Sys[r], before[r])
		}
	}

	installed := m.Snapshot()
	for _, c := range []struct {
		reg  SysReg
		want uint64
	}{
		{HCR_EL2, host.HCR},
		{VBAR_EL2, host.VBAR},
		{VTCR_EL2, host.VTCR},
		{TCR_EL2, host.TCR},
		{SCTLR_EL2, host.SCTLR},
		{MAIR_EL2, MAIRValue},
		{TTBR0_EL2, uint64(pt.Root())},
	} {
		if installed[c.reg] != c.want {
			t.Errorf("installed %v = %#x, want %#x", c.reg, installed[c.reg], c.want)
		}
	}

	cpu.Restore(nil)

	if after := m.Snapshot(); after != before {
		for r := range NumSysRegs {
			if after[r] != before[r] {
				t.Errorf("restored %v = %#x, want %#x", SysReg(r), after[r], before[r])
			}
		}
	}
	if m.Returned == nil {
		t.Fatal("restore did not return to linux")
	}
	if m.Returned.SP != ctx.SP || m.Returned.PC != ctx.PC {
		t.Errorf("returned to pc=%#x sp=%#x, want pc=%#x sp=%#x", m.Returned.PC, m.Returned.SP, ctx.PC, ctx.SP)
	}
	for i, v := range saved {
		if m.Returned.X[i] != v {
			t.Errorf("x%d = %#x, want %#x", i, m.Returned.X[i], v)
		}
	}
	if cpu.State() != hvcore.KernelResident || cpu.Linux() != nil {
		t.Errorf("after restore: %v linux=%v", cpu, cpu.Linux())
	}
}

func TestRestoreUsesGuestRegisters(t *testing.T) {
	m, _ := newKernelMachine()
	cpu := NewCPU(0, m)
	ctx, err := cpu.Capture(linuxSP, nil)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}

	regs := ctx.GuestRegisters()
	regs.X[0] = 0 // hypercall return value
	regs.SP = 0xdead
	cpu.Restore(regs)

	if m.Returned.X[0] != 0 {
		t.Errorf("x0 = %#x, want 0", m.Returned.X[0])
	}
	if m.Returned.SP != ctx.SP {
		t.Errorf("SP = %#x, want captured %#x", m.Returned.SP, ctx.SP)
	}
}

func TestRestoreWritesBasesLast(t *testing.T) {
	m, _ := newKernelMachine()
	cpu := NewCPU(0, m)
	if _, err := cpu.Capture(linuxSP, &HostState{}); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	m.ResetTrace()
	cpu.Restore(nil)

	trace := m.ResetTrace()
	lastOther, firstBase := -1, len(trace)
	for i, ins := range trace {
		if !strings.HasPrefix(ins, "msr ") {
			continue
		}
		if strings.HasPrefix(ins, "msr TTBR") || strings.HasPrefix(ins, "msr VTTBR") {
			firstBase = min(firstBase, i)
		} else {
			lastOther = i
		}
	}
	if lastOther > firstBase {
		t.Errorf("translation base written before %q:\n%s", trace[lastOther], strings.Join(trace, "\n"))
	}
	if !strings.HasPrefix(trace[len(trace)-1], "br ") {
		t.Errorf("last instruction = %q, want branch to linux", trace[len(trace)-1])
	}
}

func TestCaptureTwice(t *testing.T) {
	m, _ := newKernelMachine()
	cpu := NewCPU(1, m)
	if _, err := cpu.Capture(linuxSP, nil); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	_, err := cpu.Capture(linuxSP, nil)
	if !errors.Is(err, hvcore.ErrAlreadyCaptured) {
		t.Errorf("second Capture error = %v, want ErrAlreadyCaptured", err)
	}
	if cpu.State() != hvcore.HypervisorResident {
		t.Errorf("state = %v", cpu.State())
	}
}

func TestCaptureErrors(t *testing.T) {
	tests := []struct {
		name string
		sp   uint64
		want error
	}{
		{"unaligned", linuxSP + 4, hvcore.ErrNotAligned},
		{"unmapped", 0x1000, hvcore.ErrBadAddress},
		{"short stack", linuxSP + 8, hvcore.ErrBadAddress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newKernelMachine()
			m.ResetTrace()
			cpu := NewCPU(0, m)
			_, err := cpu.Capture(tt.sp, &HostState{HCR: 1})
			if !errors.Is(err, tt.want) {
				t.Fatalf("Capture error = %v, want %v", err, tt.want)
			}
			if cpu.State() != hvcore.KernelResident {
				t.Errorf("state = %v", cpu.State())
			}
			if trace := m.ResetTrace(); len(trace) != 0 {
				t.Errorf("failed capture wrote state: %q", trace)
			}
		})
	}
}

func TestRestoreWithoutCapturePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Restore without Capture did not panic")
		}
	}()
	NewCPU(0, NewSimMachine()).Restore(nil)
}

func TestGuestRegsLayout(t *testing.T) {
	if err := checkGuestRegsLayout(); err != nil {
		t.Fatal(err)
	}
	var g GuestRegisters
	g.X[29], g.X[30] = 1, 2
	if g.FP() != 1 || g.LR() != 2 {
		t.Errorf("FP/LR = %d/%d", g.FP(), g.LR())
	}
}
