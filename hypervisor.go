package hvcore

import (
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
)

// CPUState is the execution-context state of one logical CPU.
type CPUState int

const (
	// KernelResident means no snapshot is held and the interrupted
	// kernel owns the CPU.
	KernelResident CPUState = iota
	// HypervisorResident means the kernel's state was captured and the
	// hypervisor's descriptor tables and control state are installed.
	HypervisorResident
)

func (s CPUState) String() string {
	switch s {
	case KernelResident:
		return "kernel-resident"
	case HypervisorResident:
		return "hypervisor-resident"
	default:
		return "unknown"
	}
}

var (
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
	log     atomic.Pointer[slog.Logger]
)

// SetLogger installs the logger used by every package of the module.
// A nil logger restores the default, which discards all records.
func SetLogger(l *slog.Logger) {
	log.Store(l)
}

// Logger returns the installed logger.
func Logger() *slog.Logger {
	return logger()
}

func logger() *slog.Logger {
	if l := log.Load(); l != nil {
		return l
	}
	return discard
}

// Switch tracks the capture/restore cycle of one logical CPU. It is owned
// by that CPU and is never touched by another, so it carries no lock.
type Switch struct {
	cpu   int
	state CPUState
}

// NewSwitch returns the switch of CPU cpu in the kernel-resident state.
func NewSwitch(cpu int) *Switch {
	return &Switch{cpu: cpu}
}

// CPU returns the logical CPU number.
func (s *Switch) CPU() int { return s.cpu }

// State returns the current state.
func (s *Switch) State() CPUState { return s.state }

// Enter moves the CPU to HypervisorResident. A second capture without a
// restore in between fails with ErrAlreadyCaptured.
func (s *Switch) Enter() error {
	if s.state == HypervisorResident {
		return fmt.Errorf("cpu %d: %w", s.cpu, ErrAlreadyCaptured)
	}
	s.state = HypervisorResident
	RecordCapture()
	logger().Debug("kernel context captured", "cpu", s.cpu)
	return nil
}

// Leave moves the CPU back to KernelResident. Restoring without a captured
// context is a contract violation and panics.
func (s *Switch) Leave() {
	if s.state != HypervisorResident {
		panic(fmt.Sprintf("hv: cpu %d: restore without captured context", s.cpu))
	}
	s.state = KernelResident
	RecordRestore()
	logger().Debug("kernel context restored", "cpu", s.cpu)
}
