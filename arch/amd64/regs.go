package amd64

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/blacktop/go-hvcore"
	"github.com/modern-go/reflect2"
)

// GuestRegisters is the block the VM entry/exit trampolines push and pop,
// rax at the lowest address. The slot after rbx stands where rsp would be
// pushed and is skipped; rsp lives in the VMCS. Field order and offsets are
// the trampolines' calling convention.
type GuestRegisters struct {
	RAX uint64
	RCX uint64
	RDX uint64
	RBX uint64
	_   uint64
	RBP uint64
	RSI uint64
	RDI uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
}

// GuestRegsSize is the size of the pushed block.
const GuestRegsSize = 16 * 8

// guestRegsLayout is the trampoline's push order.
var guestRegsLayout = []string{
	"RAX", "RCX", "RDX", "RBX", "_", "RBP", "RSI", "RDI",
	"R8", "R9", "R10", "R11", "R12", "R13", "R14", "R15",
}

func init() {
	if err := checkGuestRegsLayout(); err != nil {
		panic(err)
	}
}

func checkGuestRegsLayout() error {
	typ, ok := reflect2.TypeOf(GuestRegisters{}).(reflect2.StructType)
	if !ok {
		return fmt.Errorf("amd64: GuestRegisters is not a struct")
	}
	if typ.NumField() != len(guestRegsLayout) {
		return fmt.Errorf("amd64: GuestRegisters has %d fields, trampoline pushes %d", typ.NumField(), len(guestRegsLayout))
	}
	for i, name := range guestRegsLayout {
		field := typ.Field(i)
		if field.Name() != name || field.Offset() != uintptr(i*8) {
			return fmt.Errorf("amd64: GuestRegisters field %d is %s at %d, trampoline expects %s at %d",
				i, field.Name(), field.Offset(), name, i*8)
		}
	}
	if size := typ.Type1().Size(); size != GuestRegsSize {
		return fmt.Errorf("amd64: GuestRegisters is %d bytes, want %d", size, GuestRegsSize)
	}
	return nil
}

// DecodeGuestRegisters reads a pushed register block. The reserved slot is
// skipped.
func DecodeGuestRegisters(b []byte) (*GuestRegisters, error) {
	if len(b) < GuestRegsSize {
		return nil, fmt.Errorf("guest register block is %d bytes: %w", len(b), hvcore.ErrTruncated)
	}
	var g GuestRegisters
	if err := binary.Read(bytes.NewReader(b[:GuestRegsSize]), binary.LittleEndian, &g); err != nil {
		return nil, fmt.Errorf("failed to decode guest registers: %w", err)
	}
	return &g, nil
}

// Bytes encodes the block as the trampoline pushes it, with a zero
// reserved slot.
func (g *GuestRegisters) Bytes() []byte {
	b, err := binary.Append(make([]byte, 0, GuestRegsSize), binary.LittleEndian, g)
	if err != nil {
		panic(err)
	}
	return b
}
