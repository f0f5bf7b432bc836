package amd64

import (
	"encoding/binary"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/blacktop/go-hvcore"
)

// SimState is the architectural register state of a SimMachine.
type SimState struct {
	CR   [5]uint64
	MSR  map[MSR]uint64
	GDTR DescriptorTablePointer
	IDTR DescriptorTablePointer
	TR   Selector
	Seg  [numSegRegs]Selector
}

// Diff lists the registers that differ between s and o.
func (s SimState) Diff(o SimState) []string {
	var diff []string
	for _, cr := range []CR{CR0, CR2, CR3, CR4} {
		if s.CR[cr] != o.CR[cr] {
			diff = append(diff, fmt.Sprintf("%v: %#x != %#x", cr, s.CR[cr], o.CR[cr]))
		}
	}
	keys := slices.Sorted(maps.Keys(s.MSR))
	for k := range o.MSR {
		if _, ok := s.MSR[k]; !ok {
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		if s.MSR[k] != o.MSR[k] {
			diff = append(diff, fmt.Sprintf("%v: %#x != %#x", k, s.MSR[k], o.MSR[k]))
		}
	}
	if s.GDTR != o.GDTR {
		diff = append(diff, fmt.Sprintf("gdtr: %v != %v", s.GDTR, o.GDTR))
	}
	if s.IDTR != o.IDTR {
		diff = append(diff, fmt.Sprintf("idtr: %v != %v", s.IDTR, o.IDTR))
	}
	if s.TR != o.TR {
		diff = append(diff, fmt.Sprintf("tr: %v != %v", s.TR, o.TR))
	}
	for r := range s.Seg {
		if s.Seg[r] != o.Seg[r] {
			diff = append(diff, fmt.Sprintf("%v: %v != %v", SegReg(r), s.Seg[r], o.Seg[r]))
		}
	}
	return diff
}

// Return records a ReturnToLinux call.
type Return struct {
	RSP  uint64
	RIP  uint64
	Regs GuestRegisters
}

// SimMachine is a Machine backed by an in-memory register file and a
// sparse byte memory. It traces state-changing instructions, models the
// TSS busy bit and the FS/GS base reset on selector loads, and records
// faults instead of raising them.
type SimMachine struct {
	mu sync.Mutex

	State  SimState
	Mem    map[uint64]byte
	Trace  []string
	Faults []string

	// Returned is set by ReturnToLinux.
	Returned *Return
}

// NewSimMachine returns a machine with zeroed registers and no memory.
func NewSimMachine() *SimMachine {
	return &SimMachine{
		State: SimState{MSR: make(map[MSR]uint64)},
		Mem:   make(map[uint64]byte),
	}
}

// Snapshot returns a copy of the register state.
func (s *SimMachine) Snapshot() SimState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.State
	st.MSR = maps.Clone(s.State.MSR)
	return st
}

// ResetTrace drops the recorded instructions and returns them.
func (s *SimMachine) ResetTrace() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.Trace
	s.Trace = nil
	return t
}

// StoreWords writes little-endian words starting at addr.
func (s *SimMachine) StoreWords(addr uint64, words ...uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range words {
		s.store(addr+uint64(i)*8, binary.LittleEndian.AppendUint64(nil, w))
	}
}

// LoadWord reads the little-endian word at addr, or 0 when unmapped.
func (s *SimMachine) LoadWord(addr uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b [8]byte
	_ = s.load(addr, b[:])
	return binary.LittleEndian.Uint64(b[:])
}

func (s *SimMachine) trace(format string, args ...any) {
	s.Trace = append(s.Trace, fmt.Sprintf(format, args...))
}

func (s *SimMachine) fault(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.Faults = append(s.Faults, msg)
	s.trace("#GP %s", msg)
}

func (s *SimMachine) load(addr uint64, dst []byte) error {
	for i := range dst {
		b, ok := s.Mem[addr+uint64(i)]
		if !ok {
			return fmt.Errorf("read at %#x: %w", addr+uint64(i), hvcore.ErrBadAddress)
		}
		dst[i] = b
	}
	return nil
}

func (s *SimMachine) store(addr uint64, src []byte) {
	for i, b := range src {
		s.Mem[addr+uint64(i)] = b
	}
}

// descriptor reads GDT slot index through the current GDTR.
func (s *SimMachine) descriptor(index int) (uint64, bool) {
	off := uint64(index) * 8
	if off+7 > uint64(s.State.GDTR.Limit) {
		return 0, false
	}
	var b [8]byte
	if s.load(s.State.GDTR.Base+off, b[:]) != nil {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b[:]), true
}

func (s *SimMachine) ReadCR(cr CR) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State.CR[cr]
}

func (s *SimMachine) WriteCR(cr CR, v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State.CR[cr] = v
	s.trace("mov %v, %#x", cr, v)
}

func (s *SimMachine) ReadMSR(msr MSR) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State.MSR[msr]
}

func (s *SimMachine) WriteMSR(msr MSR, v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State.MSR[msr] = v
	s.trace("wrmsr %v, %#x", msr, v)
}

func (s *SimMachine) SGDT() DescriptorTablePointer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State.GDTR
}

func (s *SimMachine) LGDT(p DescriptorTablePointer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State.GDTR = p
	s.trace("lgdt %v", p)
}

func (s *SimMachine) SIDT() DescriptorTablePointer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State.IDTR
}

func (s *SimMachine) LIDT(p DescriptorTablePointer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State.IDTR = p
	s.trace("lidt %v", p)
}

func (s *SimMachine) STR() Selector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State.TR
}

func (s *SimMachine) LTR(sel Selector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trace("ltr %v", sel)
	lo, ok := s.descriptor(sel.Index())
	switch {
	case !ok:
		s.fault("ltr %v: selector outside gdt", sel)
		return
	case lo&descTypeMask == descTypeTSSBusy:
		s.fault("ltr %v: tss busy", sel)
		return
	case lo&descTypeMask != descTypeTSSAvail || lo&descPresent == 0:
		s.fault("ltr %v: not an available tss (%#x)", sel, lo)
		return
	}
	s.store(s.State.GDTR.Base+uint64(sel.Index())*8, binary.LittleEndian.AppendUint64(nil, lo|descTSSBusy))
	s.State.TR = sel
}

func (s *SimMachine) ReadSegment(seg SegReg) Selector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State.Seg[seg]
}

func (s *SimMachine) LoadSegment(seg SegReg, sel Selector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trace("mov %v, %v", seg, sel)
	if !sel.IsNull() {
		if _, ok := s.descriptor(sel.Index()); !ok {
			s.fault("load %v with %v: selector outside gdt", seg, sel)
			return
		}
	} else if seg == CS {
		s.fault("load cs with null selector")
		return
	}
	s.State.Seg[seg] = sel
	switch seg {
	case FS:
		s.State.MSR[IA32_FS_BASE] = 0
	case GS:
		s.State.MSR[IA32_GS_BASE] = 0
	}
}

func (s *SimMachine) Invlpg(vaddr uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trace("invlpg %#x", vaddr)
}

func (s *SimMachine) VMWrite(field uint64, v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trace("vmwrite %#x, %#x", field, v)
}

func (s *SimMachine) Invept(typ uint64, eptp uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trace("invept %d, %#x", typ, eptp)
}

func (s *SimMachine) ReadMemory(addr uint64, dst []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(addr, dst)
}

func (s *SimMachine) WriteMemory(addr uint64, src []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store(addr, src)
	return nil
}

func (s *SimMachine) ReturnToLinux(rsp, rip uint64, regs *GuestRegisters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Returned = &Return{RSP: rsp, RIP: rip, Regs: *regs}
	s.trace("ret %#x rsp=%#x", rip, rsp)
}
