// Package memory defines the address and permission model shared by the
// page-table engine, the descriptor codecs and the context switch.
package memory

import (
	"fmt"

	"golang.org/x/exp/constraints"
)

const (
	// PageShift is log2 of PageSize.
	PageShift = 12
	// PageSize is the base translation granule on both supported
	// architectures.
	PageSize = 1 << PageShift

	// SMECBit is the memory-encryption tag carried by encrypted
	// physical addresses.
	SMECBit = uint64(1) << 47
)

// PhysAddr is a host or guest physical address. It may carry SMECBit.
type PhysAddr uint64

// VirtAddr is a virtual (or, for second-stage tables, intermediate
// physical) address.
type VirtAddr uint64

func (p PhysAddr) String() string { return fmt.Sprintf("%#x", uint64(p)) }
func (v VirtAddr) String() string { return fmt.Sprintf("%#x", uint64(v)) }

// AlignDown rounds addr down to a multiple of size, which must be a power
// of two.
func AlignDown[I constraints.Integer](addr, size I) I {
	return addr &^ (size - 1)
}

// AlignUp rounds addr up to a multiple of size, which must be a power of
// two.
func AlignUp[I constraints.Integer](addr, size I) I {
	return (addr + size - 1) &^ (size - 1)
}

// IsAlignedTo reports whether addr is a multiple of size.
func IsAlignedTo[I constraints.Integer](addr, size I) bool {
	return addr&(size-1) == 0
}

// PageInteger is an integer type wide enough to hold PageSize. The 8-bit
// types are left out: their pages would wrap to zero.
type PageInteger interface {
	~int | ~int16 | ~int32 | ~int64 | ~uint | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

func pageSize[I PageInteger]() I {
	var one I = 1
	return one << PageShift
}

// PageAlignDown rounds addr down to a page boundary.
func PageAlignDown[I PageInteger](addr I) I { return AlignDown(addr, pageSize[I]()) }

// PageAlignUp rounds addr up to a page boundary.
func PageAlignUp[I PageInteger](addr I) I { return AlignUp(addr, pageSize[I]()) }

// IsAligned reports whether addr sits on a page boundary.
func IsAligned[I PageInteger](addr I) bool { return PageOffset(addr) == 0 }

// PageOffset returns the offset of addr within its page.
func PageOffset[I PageInteger](addr I) I { return addr & (pageSize[I]() - 1) }

// PageCount returns the number of pages needed to hold size bytes.
func PageCount[I PageInteger](size I) I { return PageAlignUp(size) >> PageShift }

// PhysEncrypted tags paddr as encrypted memory.
func PhysEncrypted(paddr PhysAddr) PhysAddr {
	return paddr | PhysAddr(SMECBit)
}
