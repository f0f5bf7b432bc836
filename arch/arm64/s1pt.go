package arm64

import (
	"fmt"

	"github.com/blacktop/go-hvcore"
	"github.com/blacktop/go-hvcore/memory"
	"github.com/blacktop/go-hvcore/memory/paging"
	"golang.org/x/sys/unix"
)

// Stage-1 VMSAv8-64 descriptor bits (4KB granule).
const (
	s1Valid     = 1 << 0
	s1NonBlock  = 1 << 1
	s1AttrIndx  = 0b111 << 2
	s1NS        = 1 << 5
	s1APEL0     = 1 << 6
	s1APRO      = 1 << 7
	s1Inner     = 1 << 8
	s1Shareable = 1 << 9
	s1AF        = 1 << 10
	s1NG        = 1 << 11
	s1Contig    = 1 << 52
	s1PXN       = 1 << 53
	s1UXN       = 1 << 54

	// Table descriptor limits for subsequent levels.
	s1PXNTable     = 1 << 59
	s1XNTable      = 1 << 60
	s1APNoEL0Table = 1 << 61
	s1APNoWrTable  = 1 << 62
	s1NSTable      = 1 << 63
)

// descAddrMask selects output address bits [47:12]. It is shared by both
// translation stages.
const descAddrMask = 0x0000_ffff_ffff_f000

// Stage-1 memory attribute indices into MAIR_EL2.
const (
	s1AttrDevice = 0 // Device-nGnRE
	s1AttrNormal = 1 // Normal, write-back cacheable
)

// MAIRValue programs MAIR_EL2 so the stage-1 indices above mean what the
// codec assumes: Attr0 = Device-nGnRE, Attr1 = Normal inner/outer WB RA WA.
const MAIRValue = 0x04 | 0xff<<8

// S1Entry is a stage-1 translation table descriptor as walked by the EL2
// MMU through TTBR0_EL2.
//
// Encodable flags: Read is implied by validity; Write, Execute, User and IO
// round-trip. NotPresent clears VALID and hides everything else. DMA,
// Encrypted, CommRegion and NoHugePages have no stage-1 encoding.
type S1Entry uint64

// S1PageTable is a stage-1 page table.
type S1PageTable = paging.PageTable[S1Entry, *S1Entry]

// NewS1PageTable returns an empty stage-1 table whose root is installed
// in TTBR0_EL2 by Activate.
func NewS1PageTable(mem paging.TableMemory, m Machine) (*S1PageTable, error) {
	return paging.New[S1Entry](mem, S1PagingInstr{M: m})
}

func (e *S1Entry) Address() memory.PhysAddr {
	return memory.PhysAddr(uint64(*e) & descAddrMask)
}

func (e *S1Entry) Flags() memory.MemFlags {
	v := uint64(*e)
	if v&s1Valid == 0 {
		return memory.NotPresent
	}
	f := memory.Read
	switch idx := (v & s1AttrIndx) >> 2; idx {
	case s1AttrDevice:
		f |= memory.IO
	case s1AttrNormal:
	default:
		panic(hvcore.NewError(unix.EIO, "arm64: invalid stage-1 memory attribute index %d in %#x", idx, v))
	}
	if v&s1APRO == 0 {
		f |= memory.Write
	}
	if v&s1APEL0 != 0 {
		f |= memory.User
		if v&s1UXN == 0 {
			f |= memory.Execute
		}
	} else if v&s1PXN == 0 {
		f |= memory.Execute
	}
	return f
}

func (e *S1Entry) IsUnused() bool  { return *e == 0 }
func (e *S1Entry) IsPresent() bool { return *e&s1Valid != 0 }
func (e *S1Entry) IsLeaf() bool    { return *e&s1NonBlock == 0 }
func (e *S1Entry) IsYoung() bool   { return *e&s1AF != 0 }
func (e *S1Entry) SetOld()         { *e &^= s1AF }

func (e *S1Entry) SetAddress(paddr memory.PhysAddr) {
	*e = *e&^descAddrMask | S1Entry(uint64(paddr)&descAddrMask)
}

// SetFlags replaces every attribute bit. The privilege level that cannot
// use the mapping always gets its execute-never bit.
func (e *S1Entry) SetFlags(flags memory.MemFlags, isHuge bool) {
	v := uint64(*e)&descAddrMask | s1AF
	if !flags.Contains(memory.NotPresent) {
		v |= s1Valid
	}
	if !isHuge {
		v |= s1NonBlock
	}
	if flags.Contains(memory.IO) {
		v |= s1AttrDevice << 2
	} else {
		v |= s1AttrNormal<<2 | s1Inner | s1Shareable
	}
	if !flags.Contains(memory.Write) {
		v |= s1APRO
	}
	if flags.Contains(memory.User) {
		v |= s1APEL0 | s1PXN
		if !flags.Contains(memory.Execute) {
			v |= s1UXN
		}
	} else {
		v |= s1UXN
		if !flags.Contains(memory.Execute) {
			v |= s1PXN
		}
	}
	*e = S1Entry(v)
}

// SetTable points the entry at a next-level table. Table descriptors carry
// no access limits; permissions are decided at the leaf.
func (e *S1Entry) SetTable(paddr memory.PhysAddr, _ paging.Level, isPresent bool) {
	v := uint64(paddr)&descAddrMask | s1NonBlock
	if isPresent {
		v |= s1Valid
	}
	*e = S1Entry(v)
}

func (e *S1Entry) SetPresent()    { *e |= s1Valid }
func (e *S1Entry) SetNotPresent() { *e &^= s1Valid }
func (e *S1Entry) Clear()         { *e = 0 }

func (e S1Entry) String() string {
	return fmt.Sprintf("S1Entry(%#016x addr=%v valid=%t block=%t af=%t)",
		uint64(e), e.Address(), e.IsPresent(), e.IsLeaf(), e.IsYoung())
}
