package paging

import "github.com/blacktop/go-hvcore/memory"

// GenericPTE is the capability set every descriptor format provides. The
// engine is written against it once and never looks at raw bits.
//
// SetAddress and SetFlags never disturb each other's bits. Clear zeroes the
// raw word, which makes the entry both unused and not present.
type GenericPTE interface {
	// Address returns the mapped frame or next-level table address.
	Address() memory.PhysAddr
	// Flags decodes the entry. A non-present entry decodes to exactly
	// memory.NotPresent. Flags panics on an attribute encoding the codec
	// never produces.
	Flags() memory.MemFlags
	IsUnused() bool
	IsPresent() bool
	// IsLeaf reports whether the entry is a block mapping, read from the
	// format's own block/table discriminator. Final-level entries are
	// always leaves and the engine does not ask.
	IsLeaf() bool
	// IsYoung reports the hardware access flag.
	IsYoung() bool
	SetOld()
	SetAddress(paddr memory.PhysAddr)
	SetFlags(flags memory.MemFlags, isHuge bool)
	SetTable(paddr memory.PhysAddr, next Level, isPresent bool)
	SetPresent()
	SetNotPresent()
	Clear()
}

// PTE constrains a pointer to a raw 64-bit descriptor type E to implement
// GenericPTE. Descriptor formats are declared as `type X uint64` with
// pointer-receiver methods.
type PTE[E ~uint64] interface {
	*E
	GenericPTE
}

// PagingInstr is the per-architecture root-switch and TLB maintenance
// sequence. It is the only place barrier ordering lives.
type PagingInstr interface {
	// Activate installs root as the translation-table base and leaves
	// no stale translation behind.
	Activate(root memory.PhysAddr)
	// Flush invalidates the cached translation of vaddr.
	Flush(vaddr memory.VirtAddr)
	// FlushAll invalidates every cached translation of the address space.
	FlushAll()
}

// TableMemory supplies page-table nodes and access to their entries.
// memory.Arena implements it.
type TableMemory interface {
	// AllocFrame returns a zeroed frame.
	AllocFrame() (memory.PhysAddr, error)
	FreeFrame(paddr memory.PhysAddr)
	LoadEntry(table memory.PhysAddr, i int) uint64
	StoreEntry(table memory.PhysAddr, i int, v uint64)
}
