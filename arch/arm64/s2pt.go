package arm64

import (
	"fmt"

	"github.com/blacktop/go-hvcore"
	"github.com/blacktop/go-hvcore/memory"
	"github.com/blacktop/go-hvcore/memory/paging"
	"golang.org/x/sys/unix"
)

// Stage-2 VMSAv8-64 descriptor bits (4KB granule).
const (
	s2Valid     = 1 << 0
	s2NonBlock  = 1 << 1
	s2MemAttr   = 0b1111 << 2
	s2APRead    = 1 << 6
	s2APWrite   = 1 << 7
	s2Inner     = 1 << 8
	s2Shareable = 1 << 9
	s2AF        = 1 << 10
	s2Contig    = 1 << 52
	s2XN0       = 1 << 53
	s2XN1       = 1 << 54
	s2XN        = s2XN0 | s2XN1
)

// Stage-2 MemAttr[3:0] values. Stage 2 encodes the memory type directly
// instead of indexing MAIR.
const (
	s2AttrDevice = 0b0001 // Device-nGnRE
	s2AttrNormal = 0b1111 // Normal, outer and inner write-back
)

// S2Entry is a stage-2 translation table descriptor walked through
// VTTBR_EL2. Input addresses are intermediate physical addresses.
//
// Encodable flags: Read, Write, Execute and IO round-trip independently.
// NotPresent clears VALID and hides everything else. User has no meaning at
// stage 2 and is dropped along with DMA, Encrypted, CommRegion and
// NoHugePages.
type S2Entry uint64

// S2PageTable is a stage-2 page table.
type S2PageTable = paging.PageTable[S2Entry, *S2Entry]

// NewS2PageTable returns an empty stage-2 table whose root is installed in
// VTTBR_EL2 by Activate.
func NewS2PageTable(mem paging.TableMemory, m Machine) (*S2PageTable, error) {
	return paging.New[S2Entry](mem, S2PagingInstr{M: m})
}

func (e *S2Entry) Address() memory.PhysAddr {
	return memory.PhysAddr(uint64(*e) & descAddrMask)
}

func (e *S2Entry) Flags() memory.MemFlags {
	v := uint64(*e)
	if v&s2Valid == 0 {
		return memory.NotPresent
	}
	var f memory.MemFlags
	switch attr := (v & s2MemAttr) >> 2; attr {
	case s2AttrDevice:
		f |= memory.IO
	case s2AttrNormal:
	default:
		panic(hvcore.NewError(unix.EIO, "arm64: invalid stage-2 memory attribute %#x in %#x", attr, v))
	}
	if v&s2APRead != 0 {
		f |= memory.Read
	}
	if v&s2APWrite != 0 {
		f |= memory.Write
	}
	if v&s2XN == 0 {
		f |= memory.Execute
	}
	return f
}

func (e *S2Entry) IsUnused() bool  { return *e == 0 }
func (e *S2Entry) IsPresent() bool { return *e&s2Valid != 0 }
func (e *S2Entry) IsLeaf() bool    { return *e&s2NonBlock == 0 }
func (e *S2Entry) IsYoung() bool   { return *e&s2AF != 0 }
func (e *S2Entry) SetOld()         { *e &^= s2AF }

func (e *S2Entry) SetAddress(paddr memory.PhysAddr) {
	*e = *e&^descAddrMask | S2Entry(uint64(paddr)&descAddrMask)
}

func (e *S2Entry) SetFlags(flags memory.MemFlags, isHuge bool) {
	v := uint64(*e)&descAddrMask | s2AF
	if !flags.Contains(memory.NotPresent) {
		v |= s2Valid
	}
	if !isHuge {
		v |= s2NonBlock
	}
	if flags.Contains(memory.IO) {
		v |= s2AttrDevice << 2
	} else {
		v |= s2AttrNormal<<2 | s2Inner | s2Shareable
	}
	if flags.Contains(memory.Read) {
		v |= s2APRead
	}
	if flags.Contains(memory.Write) {
		v |= s2APWrite
	}
	if !flags.Contains(memory.Execute) {
		v |= s2XN1
	}
	*e = S2Entry(v)
}

func (e *S2Entry) SetTable(paddr memory.PhysAddr, _ paging.Level, isPresent bool) {
	v := uint64(paddr)&descAddrMask | s2NonBlock
	if isPresent {
		v |= s2Valid
	}
	*e = S2Entry(v)
}

func (e *S2Entry) SetPresent()    { *e |= s2Valid }
func (e *S2Entry) SetNotPresent() { *e &^= s2Valid }
func (e *S2Entry) Clear()         { *e = 0 }

func (e S2Entry) String() string {
	return fmt.Sprintf("S2Entry(%#016x addr=%v valid=%t block=%t af=%t)",
		uint64(e), e.Address(), e.IsPresent(), e.IsLeaf(), e.IsYoung())
}
