package amd64

import (
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/blacktop/go-hvcore"
	"github.com/blacktop/go-hvcore/memory"
	"golang.org/x/sys/unix"
)

func flagCombos(flags ...memory.MemFlags) []memory.MemFlags {
	combos := []memory.MemFlags{0}
	for _, f := range flags {
		for _, c := range combos {
			combos = append(combos, c|f)
		}
	}
	return combos
}

func TestPageTableEntryRoundTrip(t *testing.T) {
	const paddr = memory.PhysAddr(0xf_fedc_b000)
	all := flagCombos(memory.Read, memory.Write, memory.Execute, memory.User, memory.IO,
		memory.Encrypted, memory.NotPresent, memory.DMA)
	for _, huge := range []bool{false, true} {
		for _, f := range all {
			var e PageTableEntry
			e.SetAddress(paddr)
			e.SetFlags(f, huge)

			want := memory.Read | f&(memory.Write|memory.Execute|memory.User|memory.IO|memory.Encrypted)
			if f.Contains(memory.NotPresent) {
				want = memory.NotPresent
			}
			if got := e.Flags(); got != want {
				t.Errorf("SetFlags(%v, huge=%t).Flags() = %v, want %v", f, huge, got, want)
			}
			if e.Address() != paddr {
				t.Errorf("SetFlags(%v) moved address to %v", f, e.Address())
			}
			if e.IsLeaf() != huge {
				t.Errorf("SetFlags(%v, huge=%t).IsLeaf() = %t", f, huge, e.IsLeaf())
			}
		}
	}
}

func TestPageTableEntryAddressDropsCBit(t *testing.T) {
	var e PageTableEntry
	e.SetAddress(memory.PhysEncrypted(0x1234_5000))
	if e.Address() != 0x1234_5000 {
		t.Errorf("Address() = %v, want C-bit stripped", e.Address())
	}
	e.SetFlags(memory.Read|memory.Encrypted, false)
	if uint64(e)&pteEncrypt == 0 {
		t.Error("Encrypted flag did not set the C-bit")
	}
	if e.Address() != 0x1234_5000 {
		t.Errorf("Address() = %v after Encrypted", e.Address())
	}
}

func TestEPTEntryRoundTrip(t *testing.T) {
	const paddr = memory.PhysAddr(0x7_0000_0000)
	all := flagCombos(memory.Read, memory.Write, memory.Execute, memory.IO, memory.NotPresent, memory.User)
	for _, huge := range []bool{false, true} {
		for _, f := range all {
			var e EPTEntry
			e.SetAddress(paddr)
			e.SetFlags(f, huge)

			want := f & (memory.Read | memory.Write | memory.Execute | memory.IO)
			if f.Contains(memory.NotPresent) || f&(memory.Read|memory.Write|memory.Execute) == 0 {
				want = memory.NotPresent
			}
			if got := e.Flags(); got != want {
				t.Errorf("SetFlags(%v, huge=%t).Flags() = %v, want %v", f, huge, got, want)
			}
			if e.Address() != paddr {
				t.Errorf("SetFlags(%v) moved address to %v", f, e.Address())
			}
		}
	}
}

func TestEPTPresentToggle(t *testing.T) {
	var e EPTEntry
	e.SetAddress(0x20_0000)
	e.SetFlags(memory.Read|memory.Execute, true)

	e.SetNotPresent()
	if e.IsPresent() || e.Flags() != memory.NotPresent {
		t.Fatalf("after SetNotPresent: %v flags=%v", e, e.Flags())
	}
	if e.IsUnused() {
		t.Fatal("not-present mapping reads as unused")
	}
	e.SetPresent()
	if got := e.Flags(); got != memory.Read|memory.Execute {
		t.Errorf("after SetPresent flags = %v, want {READ|EXECUTE}", got)
	}
	if !e.IsLeaf() || e.Address() != 0x20_0000 {
		t.Errorf("toggle lost huge bit or address: %v", e)
	}
}

func TestClearedEntry(t *testing.T) {
	var h PageTableEntry
	h.SetAddress(0x1000)
	h.SetFlags(memory.Read|memory.Write, false)
	h.Clear()
	if !h.IsUnused() || h.IsPresent() || h.Flags() != memory.NotPresent {
		t.Errorf("host: unused=%t present=%t flags=%v", h.IsUnused(), h.IsPresent(), h.Flags())
	}

	var e EPTEntry
	e.SetTable(0x2000, 2, true)
	e.Clear()
	if !e.IsUnused() || e.IsPresent() || e.Flags() != memory.NotPresent {
		t.Errorf("ept: unused=%t present=%t flags=%v", e.IsUnused(), e.IsPresent(), e.Flags())
	}
}

func TestUnknownMemoryTypePanics(t *testing.T) {
	tests := []struct {
		name string
		raw  func() memory.MemFlags
	}{
		{"host pat 1", func() memory.MemFlags { e := PageTableEntry(ptePresent | ptePWT); return e.Flags() }},
		{"host pat 3", func() memory.MemFlags { e := PageTableEntry(ptePresent | ptePWT | ptePCD); return e.Flags() }},
		{"ept type 4", func() memory.MemFlags { e := EPTEntry(eptRead | 4<<3); return e.Flags() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				err, _ := recover().(error)
				var hv *hvcore.HVError
				if !errors.As(err, &hv) || hv.Code != unix.EIO {
					t.Errorf("recovered %v, want EIO HVError", err)
				}
			}()
			tt.raw()
		})
	}
}

func TestPagingInstr(t *testing.T) {
	t.Run("host", func(t *testing.T) {
		m := NewSimMachine()
		p := HostPagingInstr{M: m}
		p.Activate(0x10_0000)
		p.Flush(0xffff_8000_0000_1000)
		p.FlushAll()
		want := []string{
			"mov cr3, 0x100000",
			"invlpg 0xffff800000001000",
			"mov cr3, 0x100000",
		}
		if got := m.ResetTrace(); !slices.Equal(got, want) {
			t.Errorf("trace = %q, want %q", got, want)
		}
	})
	t.Run("ept", func(t *testing.T) {
		m := NewSimMachine()
		p := &EPTPagingInstr{M: m}
		p.Flush(0x1000)
		p.Activate(0x20_0000)
		p.Flush(0x1000)
		want := []string{
			"invept 2, 0x0",
			"vmwrite 0x201a, 0x20001e",
			"invept 1, 0x20001e",
			"invept 1, 0x20001e",
		}
		if got := m.ResetTrace(); !slices.Equal(got, want) {
			t.Errorf("trace = %q, want %q", got, want)
		}
	})
}

func TestEPTOnArena(t *testing.T) {
	arena, err := memory.NewArena(0x100_0000, 8)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer arena.Close()

	m := NewSimMachine()
	ept, err := NewEPT(arena, m)
	if err != nil {
		t.Fatalf("NewEPT: %v", err)
	}
	defer ept.Destroy()

	if err := ept.Map(0xfee0_0000, 0xfee0_0000, memory.Read|memory.Write|memory.IO, 1); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := ept.UpdateFlags(0xfee0_0000, memory.Read|memory.IO); err != nil {
		t.Fatalf("UpdateFlags: %v", err)
	}
	paddr, flags, _, err := ept.Query(0xfee0_0030)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if paddr != 0xfee0_0030 || flags != memory.Read|memory.IO {
		t.Errorf("Query = %v %v", paddr, flags)
	}

	ept.Activate()
	trace := m.ResetTrace()
	if len(trace) == 0 || trace[len(trace)-1] != fmt.Sprintf("invept 1, %#x", EPTPointer(ept.Root())) {
		t.Errorf("activate trace = %q", trace)
	}
}
