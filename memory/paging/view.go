package paging

import (
	"fmt"

	"github.com/blacktop/go-hvcore"
	"github.com/blacktop/go-hvcore/memory"
)

// EntryReader reads raw descriptors. TableMemory satisfies it.
type EntryReader interface {
	LoadEntry(table memory.PhysAddr, i int) uint64
}

// View is a read-only handle on a page table that takes no lock. Entry
// loads are atomic, so a lookup observes each descriptor either before or
// after a concurrent store, never torn. The caller must not look up a
// subtree that an exclusive operation is rewriting at the same time.
type View[E ~uint64, P PTE[E]] struct {
	mem  EntryReader
	root memory.PhysAddr
}

// NewView returns a view of the table rooted at root, for example a
// second-stage table handed over by another CPU.
func NewView[E ~uint64, P PTE[E]](mem EntryReader, root memory.PhysAddr) View[E, P] {
	return View[E, P]{mem: mem, root: root}
}

// Root returns the root node address.
func (v View[E, P]) Root() memory.PhysAddr { return v.root }

// Lookup is PageTable.Lookup without locking.
func (v View[E, P]) Lookup(vaddr memory.VirtAddr) (E, Level, error) {
	return lookup[E, P](v.mem, v.root, vaddr)
}

// Query is PageTable.Query without locking.
func (v View[E, P]) Query(vaddr memory.VirtAddr) (memory.PhysAddr, memory.MemFlags, Level, error) {
	e, level, err := v.Lookup(vaddr)
	if err != nil {
		return 0, 0, 0, err
	}
	return translate[E, P](e, level, vaddr)
}

func lookup[E ~uint64, P PTE[E]](mem EntryReader, root memory.PhysAddr, vaddr memory.VirtAddr) (E, Level, error) {
	table := root
	for l := Level4; ; l-- {
		e := E(mem.LoadEntry(table, l.Index(vaddr)))
		p := P(&e)
		if p.IsUnused() {
			return 0, 0, fmt.Errorf("failed to look up %v: %w", vaddr, hvcore.ErrNotMapped)
		}
		if l.IsFinal() || (l.HugeAllowed() && p.IsLeaf()) {
			return e, l, nil
		}
		if !p.IsPresent() {
			return 0, 0, fmt.Errorf("failed to look up %v: %v table not present: %w", vaddr, l.Next(), hvcore.ErrNotMapped)
		}
		table = p.Address()
	}
}

func translate[E ~uint64, P PTE[E]](e E, level Level, vaddr memory.VirtAddr) (memory.PhysAddr, memory.MemFlags, Level, error) {
	p := P(&e)
	off := uint64(vaddr) & (level.PageSize() - 1)
	return p.Address() + memory.PhysAddr(off), p.Flags(), level, nil
}

// walk visits used leaves below table in ascending order and reports
// whether the walk should continue.
func walk[E ~uint64, P PTE[E]](mem EntryReader, table memory.PhysAddr, level Level, base memory.VirtAddr, fn func(memory.VirtAddr, Level, E) bool) bool {
	for i := 0; i < memory.EntriesPerFrame; i++ {
		e := E(mem.LoadEntry(table, i))
		p := P(&e)
		if p.IsUnused() {
			continue
		}
		vaddr := canonical(base + memory.VirtAddr(uint64(i)<<level.Shift()))
		if level.IsFinal() || (level.HugeAllowed() && p.IsLeaf()) {
			if !fn(vaddr, level, e) {
				return false
			}
			continue
		}
		if !walk[E, P](mem, p.Address(), level.Next(), vaddr, fn) {
			return false
		}
	}
	return true
}

// upperHalf is the sign extension of a canonical upper-half address.
const upperHalf memory.VirtAddr = 0xffff_0000_0000_0000

// canonical sign-extends bit 47 so upper-half addresses print the way the
// CPU sees them.
func canonical(vaddr memory.VirtAddr) memory.VirtAddr {
	if vaddr&(1<<47) != 0 {
		return vaddr | upperHalf
	}
	return vaddr
}
