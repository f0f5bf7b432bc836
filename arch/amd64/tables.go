package amd64

import (
	"fmt"

	"github.com/blacktop/go-hvcore"
)

// Hypervisor GDT layout. The table is large enough to take a copy of the
// Linux TSS descriptor at its own index (GDT_ENTRY_TSS is 16 on x86_64).
const (
	GDTEntries = 32

	gdtKernelCode = 1
	gdtKernelData = 2
	gdtTSS        = 3 // and 4

	kernelCodeDesc = 0x00af_9b00_0000_ffff // 64-bit, present, DPL 0, execute/read
	kernelDataDesc = 0x00cf_9300_0000_ffff // present, DPL 0, read/write

	// TSSLimit is the limit of a 64-bit TSS without an I/O bitmap.
	TSSLimit = 0x67
)

var (
	KernelCodeSelector = NewSelector(gdtKernelCode, 0)
	KernelDataSelector = NewSelector(gdtKernelData, 0)
	TSSSelector        = NewSelector(gdtTSS, 0)
)

// GDT is the hypervisor's global descriptor table, laid out in machine
// memory at a fixed address so LGDT can point at it.
type GDT struct {
	m       Machine
	base    uint64
	tssBase uint64
}

// NewGDT writes a fresh table at base with kernel code, kernel data and a
// TSS descriptor for the TSS at tssBase.
func NewGDT(m Machine, base, tssBase uint64) (*GDT, error) {
	g := &GDT{m: m, base: base, tssBase: tssBase}
	zero := make([]byte, GDTEntries*8)
	if err := m.WriteMemory(base, zero); err != nil {
		return nil, fmt.Errorf("failed to clear gdt at %#x: %w", base, err)
	}
	if err := writeDescriptor(m, base, gdtKernelCode, kernelCodeDesc); err != nil {
		return nil, err
	}
	if err := writeDescriptor(m, base, gdtKernelData, kernelDataDesc); err != nil {
		return nil, err
	}
	if err := g.writeTSS(); err != nil {
		return nil, err
	}
	return g, nil
}

// Pointer returns the LGDT operand for the table.
func (g *GDT) Pointer() DescriptorTablePointer {
	return DescriptorTablePointer{Limit: GDTEntries*8 - 1, Base: g.base}
}

// Entry reads slot index.
func (g *GDT) Entry(index int) (uint64, error) {
	return readDescriptor(g.m, g.Pointer(), index)
}

// Load installs the table with LGDT.
func (g *GDT) Load() {
	g.m.LGDT(g.Pointer())
}

// writeTSS rewrites the hypervisor TSS descriptor as available. LTR faults
// on a busy descriptor, and the slot is left busy by any earlier LTR.
func (g *GDT) writeTSS() error {
	lo, hi := TSSDescriptor(g.tssBase, TSSLimit)
	if err := writeDescriptor(g.m, g.base, gdtTSS, lo); err != nil {
		return err
	}
	return writeDescriptor(g.m, g.base, gdtTSS+1, hi)
}

// Fits reports whether a two-slot descriptor at sel can be copied into the
// table.
func (g *GDT) Fits(sel Selector) bool {
	return !sel.IsLDT() && sel.Index() > 0 && sel.Index()+1 < GDTEntries
}

// InstallTSS writes a copied TSS descriptor at the index of sel with the
// busy bit cleared, then loads the task register from it.
func (g *GDT) InstallTSS(sel Selector, lo, hi uint64) {
	if !g.Fits(sel) {
		panic(fmt.Errorf("amd64: tss selector %v outside hypervisor gdt: %w", sel, hvcore.ErrBadAddress))
	}
	lo = lo&^descTypeMask | descTypeTSSAvail
	if err := writeDescriptor(g.m, g.base, sel.Index(), lo); err != nil {
		panic(err)
	}
	if err := writeDescriptor(g.m, g.base, sel.Index()+1, hi); err != nil {
		panic(err)
	}
	g.m.LTR(sel)
}
