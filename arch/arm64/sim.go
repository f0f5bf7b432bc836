package arm64

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/blacktop/go-hvcore"
)

// SimMachine is a Machine backed by an in-memory register file and a
// sparse word memory. It records every state-changing instruction in Trace
// so tests can check ordering, and records ReturnToLinux instead of
// branching.
type SimMachine struct {
	mu sync.Mutex

	Regs  [NumSysRegs]uint64
	Mem   map[uint64]uint64
	Trace []string

	// Returned is the block passed to the last ReturnToLinux.
	Returned *GuestRegisters
}

// NewSimMachine returns a machine with zeroed registers and no memory.
func NewSimMachine() *SimMachine {
	return &SimMachine{Mem: make(map[uint64]uint64)}
}

// StoreWords writes words to memory starting at addr.
func (s *SimMachine) StoreWords(addr uint64, words ...uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range words {
		s.Mem[addr+uint64(i)*8] = w
	}
}

// Snapshot returns a copy of the register file.
func (s *SimMachine) Snapshot() [NumSysRegs]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Regs
}

// ResetTrace drops the recorded instructions and returns them.
func (s *SimMachine) ResetTrace() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.Trace
	s.Trace = nil
	return t
}

// Addresses returns the populated memory addresses in ascending order.
func (s *SimMachine) Addresses() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.Mem))
}

func (s *SimMachine) trace(format string, args ...any) {
	s.Trace = append(s.Trace, fmt.Sprintf(format, args...))
}

func (s *SimMachine) ReadSysReg(r SysReg) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Regs[r]
}

func (s *SimMachine) WriteSysReg(r SysReg, v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Regs[r] = v
	s.trace("msr %v, %#x", r, v)
}

func (s *SimMachine) ISB() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trace("isb")
}

func (s *SimMachine) DSB(d Domain) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trace("dsb %v", d)
}

func (s *SimMachine) TLBI(op TLBIOp, arg uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch op {
	case TLBIVAE2IS, TLBIIPAS2E1IS:
		s.trace("tlbi %v, %#x", op, arg)
	default:
		s.trace("tlbi %v", op)
	}
}

func (s *SimMachine) LoadWords(addr uint64, dst []uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if addr%8 != 0 {
		return fmt.Errorf("load at %#x: %w", addr, hvcore.ErrNotAligned)
	}
	for i := range dst {
		w, ok := s.Mem[addr+uint64(i)*8]
		if !ok {
			return fmt.Errorf("load at %#x: %w", addr+uint64(i)*8, hvcore.ErrBadAddress)
		}
		dst[i] = w
	}
	return nil
}

func (s *SimMachine) ReturnToLinux(regs *GuestRegisters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *regs
	s.Returned = &r
	s.trace("br %#x sp=%#x", regs.PC, regs.SP)
}
