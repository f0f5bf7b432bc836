package amd64

import (
	"fmt"

	"github.com/blacktop/go-hvcore"
	"github.com/blacktop/go-hvcore/memory"
	"github.com/blacktop/go-hvcore/memory/paging"
	"golang.org/x/sys/unix"
)

// EPT entry bits.
const (
	eptRead     = 1 << 0
	eptWrite    = 1 << 1
	eptExecute  = 1 << 2
	eptPerms    = eptRead | eptWrite | eptExecute
	eptMemType  = 0b111 << 3
	eptIgnPAT   = 1 << 6
	eptHuge     = 1 << 7
	eptAccessed = 1 << 8
	eptDirty    = 1 << 9

	// A not-present entry keeps its permissions in ignored bits 54:52 so
	// SetPresent can bring them back.
	eptStashShift = 52
	eptStash      = eptPerms << eptStashShift

	eptAddrMask = 0x000f_ffff_ffff_f000
)

// EPT memory types.
const (
	eptTypeUC = 0
	eptTypeWB = 6
)

// EPTEntry is an extended page-table entry. Input addresses are guest
// physical addresses.
//
// Encodable flags: Read, Write, Execute and IO round-trip. EPT has no
// present bit: an entry without any of R, W and X decodes to NotPresent,
// whatever was asked for. User, Encrypted, DMA, CommRegion and NoHugePages
// have no encoding.
type EPTEntry uint64

// EPT is an extended page table.
type EPT = paging.PageTable[EPTEntry, *EPTEntry]

// NewEPT returns an empty extended page table whose root is loaded into the
// current VMCS by Activate.
func NewEPT(mem paging.TableMemory, m Machine) (*EPT, error) {
	return paging.New[EPTEntry](mem, &EPTPagingInstr{M: m})
}

func (e *EPTEntry) Address() memory.PhysAddr {
	return memory.PhysAddr(uint64(*e) & eptAddrMask)
}

func (e *EPTEntry) Flags() memory.MemFlags {
	v := uint64(*e)
	if v&eptPerms == 0 {
		return memory.NotPresent
	}
	var f memory.MemFlags
	switch mt := (v & eptMemType) >> 3; mt {
	case eptTypeUC:
		f |= memory.IO
	case eptTypeWB:
	default:
		panic(hvcore.NewError(unix.EIO, "amd64: unexpected EPT memory type %d in %#x", mt, v))
	}
	if v&eptRead != 0 {
		f |= memory.Read
	}
	if v&eptWrite != 0 {
		f |= memory.Write
	}
	if v&eptExecute != 0 {
		f |= memory.Execute
	}
	return f
}

func (e *EPTEntry) IsUnused() bool  { return *e == 0 }
func (e *EPTEntry) IsPresent() bool { return *e&eptPerms != 0 }
func (e *EPTEntry) IsLeaf() bool    { return *e&eptHuge != 0 }
func (e *EPTEntry) IsYoung() bool   { return *e&eptAccessed != 0 }
func (e *EPTEntry) SetOld()         { *e &^= eptAccessed }

func (e *EPTEntry) SetAddress(paddr memory.PhysAddr) {
	*e = *e&^eptAddrMask | EPTEntry(uint64(paddr)&eptAddrMask)
}

func (e *EPTEntry) SetFlags(flags memory.MemFlags, isHuge bool) {
	v := uint64(*e) & eptAddrMask
	var perms uint64
	if flags.Contains(memory.Read) {
		perms |= eptRead
	}
	if flags.Contains(memory.Write) {
		perms |= eptWrite
	}
	if flags.Contains(memory.Execute) {
		perms |= eptExecute
	}
	if flags.Contains(memory.NotPresent) {
		v |= perms << eptStashShift
	} else {
		v |= perms
	}
	if flags.Contains(memory.IO) {
		v |= eptTypeUC << 3
	} else {
		v |= eptTypeWB<<3 | eptIgnPAT
	}
	if isHuge {
		v |= eptHuge
	}
	*e = EPTEntry(v)
}

// SetTable points the entry at a next-level table with full permissions.
// Memory type bits are reserved in non-leaf entries.
func (e *EPTEntry) SetTable(paddr memory.PhysAddr, _ paging.Level, isPresent bool) {
	v := uint64(paddr) & eptAddrMask
	if isPresent {
		v |= eptPerms
	} else {
		v |= eptStash
	}
	*e = EPTEntry(v)
}

func (e *EPTEntry) SetPresent() {
	v := uint64(*e)
	if v&eptPerms != 0 {
		return
	}
	*e = EPTEntry(v&^eptStash | (v&eptStash)>>eptStashShift)
}

func (e *EPTEntry) SetNotPresent() {
	v := uint64(*e)
	*e = EPTEntry(v&^eptPerms | (v&eptPerms)<<eptStashShift)
}

func (e *EPTEntry) Clear() { *e = 0 }

func (e EPTEntry) String() string {
	return fmt.Sprintf("EPTE(%#016x addr=%v perms=%03b huge=%t accessed=%t)",
		uint64(e), e.Address(), uint64(e)&eptPerms, e.IsLeaf(), e.IsYoung())
}

// EPTPointer returns the EPTP value for a 4-level, write-back table at
// root.
func EPTPointer(root memory.PhysAddr) uint64 {
	return uint64(root)&eptAddrMask | (paging.Levels-1)<<3 | eptTypeWB
}

// EPTPagingInstr loads an EPT root into the current VMCS and invalidates
// the combined mappings derived from it. It keeps the last loaded EPTP for
// single-context invalidation.
type EPTPagingInstr struct {
	M    Machine
	eptp uint64
}

func (p *EPTPagingInstr) Activate(root memory.PhysAddr) {
	p.eptp = EPTPointer(root)
	p.M.VMWrite(VMCSEPTPointer, p.eptp)
	p.M.Invept(InveptSingleContext, p.eptp)
}

// Flush invalidates the whole EPT context: INVEPT has no per-address
// form.
func (p *EPTPagingInstr) Flush(memory.VirtAddr) {
	if p.eptp == 0 {
		p.FlushAll()
		return
	}
	p.M.Invept(InveptSingleContext, p.eptp)
}

func (p *EPTPagingInstr) FlushAll() {
	p.M.Invept(InveptAllContext, 0)
}
