package arm64

import (
	"fmt"

	"github.com/modern-go/reflect2"
)

// GuestRegisters is the register block the entry and exit trampolines save
// and restore. The layout is part of their calling convention: x0-x30 at
// offsets 0-240, then sp and pc.
type GuestRegisters struct {
	X  [31]uint64
	SP uint64
	PC uint64
}

// Offsets of GuestRegisters fields used by the trampolines.
const (
	GuestRegsXOffset  = 0
	GuestRegsSPOffset = 31 * 8
	GuestRegsPCOffset = 32 * 8
	GuestRegsSize     = 33 * 8
)

func init() {
	if err := checkGuestRegsLayout(); err != nil {
		panic(err)
	}
}

func checkGuestRegsLayout() error {
	typ, ok := reflect2.TypeOf(GuestRegisters{}).(reflect2.StructType)
	if !ok {
		return fmt.Errorf("arm64: GuestRegisters is not a struct")
	}
	if size := typ.Type1().Size(); size != GuestRegsSize {
		return fmt.Errorf("arm64: GuestRegisters is %d bytes, trampoline expects %d", size, GuestRegsSize)
	}
	for _, f := range []struct {
		name   string
		offset uintptr
	}{
		{"X", GuestRegsXOffset},
		{"SP", GuestRegsSPOffset},
		{"PC", GuestRegsPCOffset},
	} {
		field := typ.FieldByName(f.name)
		if field == nil {
			return fmt.Errorf("arm64: GuestRegisters.%s missing", f.name)
		}
		if field.Offset() != f.offset {
			return fmt.Errorf("arm64: GuestRegisters.%s at offset %d, trampoline expects %d",
				f.name, field.Offset(), f.offset)
		}
	}
	return nil
}

// FP returns x29.
func (g *GuestRegisters) FP() uint64 { return g.X[29] }

// LR returns x30.
func (g *GuestRegisters) LR() uint64 { return g.X[30] }
