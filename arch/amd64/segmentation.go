package amd64

import (
	"encoding/binary"
	"fmt"

	"github.com/blacktop/go-hvcore"
)

// Selector is a segment selector.
type Selector uint16

// NewSelector returns the GDT selector for index at privilege level rpl.
func NewSelector(index int, rpl uint8) Selector {
	return Selector(index<<3) | Selector(rpl&3)
}

func (s Selector) Index() int   { return int(s >> 3) }
func (s Selector) RPL() uint8   { return uint8(s & 3) }
func (s Selector) IsLDT() bool  { return s&4 != 0 }
func (s Selector) IsNull() bool { return s.Index() == 0 && !s.IsLDT() }

func (s Selector) String() string {
	return fmt.Sprintf("%#04x", uint16(s))
}

// Descriptor fields.
const (
	descAccessed = 1 << 40
	descTSSBusy  = 1 << 41
	descSystem   = 1 << 44 // S: 0 for system descriptors (TSS, LDT, gates)
	descPresent  = 1 << 47
	descLong     = 1 << 53
	descGranular = 1 << 55

	descTypeMask     = 0xf << 40
	descTypeTSSAvail = 0x9 << 40
	descTypeTSSBusy  = 0xb << 40
)

// accessRightsUnusable marks a segment loaded with a null selector, in
// the VMCS access-rights encoding.
const accessRightsUnusable = 1 << 16

// Segment is a snapshot of one segment register: its selector and the
// descriptor it referenced.
type Segment struct {
	Selector     Selector
	Base         uint64
	Limit        uint32
	AccessRights uint32
}

// SegmentFromSelector reads the descriptor sel refers to in the GDT at
// gdt. System descriptors (TSS, LDT) take two slots and carry the upper
// half of the base in the second. LDT selectors are not supported.
func SegmentFromSelector(m Machine, sel Selector, gdt DescriptorTablePointer) (Segment, error) {
	if sel.IsNull() {
		return Segment{Selector: sel, AccessRights: accessRightsUnusable}, nil
	}
	if sel.IsLDT() {
		return Segment{}, fmt.Errorf("LDT selector %v not supported: %w", sel, hvcore.ErrBadAddress)
	}
	lo, err := readDescriptor(m, gdt, sel.Index())
	if err != nil {
		return Segment{}, err
	}
	seg := Segment{
		Selector:     sel,
		Base:         lo>>16&0xff_ffff | (lo>>56&0xff)<<24,
		Limit:        uint32(lo&0xffff | (lo>>48&0xf)<<16),
		AccessRights: uint32(lo>>40) & 0xf0ff,
	}
	if lo&descGranular != 0 {
		seg.Limit = seg.Limit<<12 | 0xfff
	}
	if lo&descSystem == 0 {
		hi, err := readDescriptor(m, gdt, sel.Index()+1)
		if err != nil {
			return Segment{}, err
		}
		seg.Base |= hi << 32
	}
	return seg, nil
}

// readDescriptor loads GDT slot index, failing if it lies past the limit.
func readDescriptor(m Machine, gdt DescriptorTablePointer, index int) (uint64, error) {
	off := uint64(index) * 8
	if off+7 > uint64(gdt.Limit) {
		return 0, fmt.Errorf("gdt slot %d beyond limit %#x: %w", index, gdt.Limit, hvcore.ErrBadAddress)
	}
	var b [8]byte
	if err := m.ReadMemory(gdt.Base+off, b[:]); err != nil {
		return 0, fmt.Errorf("failed to read gdt slot %d: %w", index, err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func writeDescriptor(m Machine, base uint64, index int, desc uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], desc)
	return m.WriteMemory(base+uint64(index)*8, b[:])
}

// TSSDescriptor builds the two slots of an available 64-bit TSS descriptor.
func TSSDescriptor(base uint64, limit uint32) (lo, hi uint64) {
	lo = uint64(limit&0xffff) |
		(base&0xff_ffff)<<16 |
		descTypeTSSAvail | descPresent |
		uint64(limit>>16&0xf)<<48 |
		(base>>24&0xff)<<56
	hi = base >> 32
	return lo, hi
}
