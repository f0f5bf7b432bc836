// Package cpumask is a fixed-size set of logical CPU numbers.
package cpumask

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/blacktop/go-hvcore"
)

// NRCPUs is the largest number of CPUs the hypervisor manages.
const NRCPUs = 512

const wordBits = 64

// CpuMask is a set of CPU numbers in [0, NRCPUs). The zero value is empty.
// A CpuMask is not safe for concurrent mutation.
type CpuMask [NRCPUs / wordBits]uint64

func word(cpu int) (int, uint64) {
	if cpu < 0 || cpu >= NRCPUs {
		panic(fmt.Sprintf("cpumask: cpu %d out of range [0, %d)", cpu, NRCPUs))
	}
	return cpu / wordBits, 1 << (cpu % wordBits)
}

func (m *CpuMask) SetCPU(cpu int) {
	i, bit := word(cpu)
	m[i] |= bit
}

func (m *CpuMask) ClearCPU(cpu int) {
	i, bit := word(cpu)
	m[i] &^= bit
}

func (m *CpuMask) TestCPU(cpu int) bool {
	i, bit := word(cpu)
	return m[i]&bit != 0
}

// Clear removes every CPU.
func (m *CpuMask) Clear() {
	*m = CpuMask{}
}

// Count returns the number of CPUs in the set.
func (m *CpuMask) Count() int {
	n := 0
	for _, w := range m {
		n += bits.OnesCount64(w)
	}
	return n
}

// CPUs returns the members in ascending order.
func (m *CpuMask) CPUs() []int {
	var cpus []int
	for i, w := range m {
		for w != 0 {
			b := bits.TrailingZeros64(w)
			cpus = append(cpus, i*wordBits+b)
			w &^= 1 << b
		}
	}
	return cpus
}

func (m CpuMask) String() string {
	cpus := m.CPUs()
	parts := make([]string, 0, len(cpus))
	for _, c := range cpus {
		parts = append(parts, fmt.Sprint(c))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// CheckMaxCPUs rejects a configured CPU count the mask cannot address.
func CheckMaxCPUs(maxCPUs int) error {
	if maxCPUs > NRCPUs {
		hvcore.Logger().Error("invalid max_cpus", "max_cpus", maxCPUs, "supported", NRCPUs)
		return fmt.Errorf("max_cpus %d, supported max cpus are %d: %w", maxCPUs, NRCPUs, hvcore.ErrTooManyCPUs)
	}
	return nil
}
