package amd64

import (
	"fmt"

	"github.com/blacktop/go-hvcore"
	"github.com/blacktop/go-hvcore/memory"
	"github.com/blacktop/go-hvcore/memory/paging"
	"golang.org/x/sys/unix"
)

// Host page-table entry bits (4-level paging, IA32_EFER.NXE set).
const (
	ptePresent  = 1 << 0
	pteWritable = 1 << 1
	pteUser     = 1 << 2
	ptePWT      = 1 << 3
	ptePCD      = 1 << 4
	pteAccessed = 1 << 5
	pteDirty    = 1 << 6
	pteHuge     = 1 << 7
	pteGlobal   = 1 << 8
	pteEncrypt  = 1 << 47 // SME C-bit
	pteNX       = 1 << 63

	// pteAddrMask selects bits [51:12] without the C-bit.
	pteAddrMask = 0x000f_ffff_ffff_f000 &^ pteEncrypt
)

// PAT indices selected through PWT and PCD, given HostPAT.
const (
	patNormal = 0 // WB
	patIO     = 2 // UC-
)

// PageTableEntry is a host 4-level paging descriptor, walked by the MMU
// through CR3.
//
// Encodable flags: Read is implied by presence; Write, Execute, User, IO and
// Encrypted round-trip. NotPresent clears P and hides everything else.
// DMA, CommRegion and NoHugePages have no encoding.
type PageTableEntry uint64

// PageTable is a host page table.
type PageTable = paging.PageTable[PageTableEntry, *PageTableEntry]

// NewPageTable returns an empty host page table whose root is installed in
// CR3 by Activate.
func NewPageTable(mem paging.TableMemory, m Machine) (*PageTable, error) {
	return paging.New[PageTableEntry](mem, HostPagingInstr{M: m})
}

func (e *PageTableEntry) Address() memory.PhysAddr {
	return memory.PhysAddr(uint64(*e) & pteAddrMask)
}

func (e *PageTableEntry) Flags() memory.MemFlags {
	v := uint64(*e)
	if v&ptePresent == 0 {
		return memory.NotPresent
	}
	f := memory.Read
	switch pat := (v&ptePWT)>>3 | (v&ptePCD)>>3; pat {
	case patNormal:
	case patIO:
		f |= memory.IO
	default:
		panic(hvcore.NewError(unix.EIO, "amd64: unexpected PAT index %d in %#x", pat, v))
	}
	if v&pteWritable != 0 {
		f |= memory.Write
	}
	if v&pteUser != 0 {
		f |= memory.User
	}
	if v&pteNX == 0 {
		f |= memory.Execute
	}
	if v&pteEncrypt != 0 {
		f |= memory.Encrypted
	}
	return f
}

func (e *PageTableEntry) IsUnused() bool  { return *e == 0 }
func (e *PageTableEntry) IsPresent() bool { return *e&ptePresent != 0 }
func (e *PageTableEntry) IsLeaf() bool    { return *e&pteHuge != 0 }
func (e *PageTableEntry) IsYoung() bool   { return *e&pteAccessed != 0 }
func (e *PageTableEntry) SetOld()         { *e &^= pteAccessed }

func (e *PageTableEntry) SetAddress(paddr memory.PhysAddr) {
	*e = *e&^pteAddrMask | PageTableEntry(uint64(paddr)&pteAddrMask)
}

func (e *PageTableEntry) SetFlags(flags memory.MemFlags, isHuge bool) {
	v := uint64(*e) & pteAddrMask
	if !flags.Contains(memory.NotPresent) {
		v |= ptePresent
	}
	if flags.Contains(memory.Write) {
		v |= pteWritable
	}
	if flags.Contains(memory.User) {
		v |= pteUser
	}
	if !flags.Contains(memory.Execute) {
		v |= pteNX
	}
	if flags.Contains(memory.IO) {
		v |= ptePCD
	}
	if flags.Contains(memory.Encrypted) {
		v |= pteEncrypt
	}
	if isHuge {
		v |= pteHuge
	}
	*e = PageTableEntry(v)
}

// SetTable points the entry at a next-level table. Intermediate entries
// grant everything; the leaf decides.
func (e *PageTableEntry) SetTable(paddr memory.PhysAddr, _ paging.Level, isPresent bool) {
	v := uint64(paddr)&pteAddrMask | pteWritable | pteUser
	if isPresent {
		v |= ptePresent
	}
	*e = PageTableEntry(v)
}

func (e *PageTableEntry) SetPresent()    { *e |= ptePresent }
func (e *PageTableEntry) SetNotPresent() { *e &^= ptePresent }
func (e *PageTableEntry) Clear()         { *e = 0 }

func (e PageTableEntry) String() string {
	return fmt.Sprintf("PTE(%#016x addr=%v present=%t huge=%t accessed=%t)",
		uint64(e), e.Address(), e.IsPresent(), e.IsLeaf(), e.IsYoung())
}

// HostPagingInstr switches and invalidates the host address space.
type HostPagingInstr struct {
	M Machine
}

// Activate loads root into CR3, which also flushes non-global entries.
func (p HostPagingInstr) Activate(root memory.PhysAddr) {
	p.M.WriteCR(CR3, uint64(root))
}

func (p HostPagingInstr) Flush(vaddr memory.VirtAddr) {
	p.M.Invlpg(uint64(vaddr))
}

func (p HostPagingInstr) FlushAll() {
	p.M.WriteCR(CR3, p.M.ReadCR(CR3))
}
