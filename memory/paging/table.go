// Package paging implements a four-level page-table engine that is generic
// over the descriptor format. The same code builds host tables, guest
// first-stage tables and second-stage (EPT, VTTBR) tables on x86_64 and
// AArch64; the formats differ only in the GenericPTE implementation and the
// PagingInstr adapter they are paired with.
//
// Mutations (Map, Unmap, UpdateFlags, region variants, Destroy) hold the
// table's exclusive lock. Lookup and Query hold the shared lock. View gives
// lock-free lookups for callers that know no mutation touches the subtree
// they read.
package paging

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/blacktop/go-hvcore"
	"github.com/blacktop/go-hvcore/memory"
)

// PageTable is a four-level translation tree of descriptors of type E.
// Intermediate nodes are owned by the table and freed by Destroy; leaf
// entries reference frames the table does not own.
type PageTable[E ~uint64, P PTE[E]] struct {
	mem   TableMemory
	instr PagingInstr

	mu   sync.RWMutex
	root memory.PhysAddr
	live bool
}

// New allocates an empty root node.
func New[E ~uint64, P PTE[E]](mem TableMemory, instr PagingInstr) (*PageTable[E, P], error) {
	root, err := mem.AllocFrame()
	if err != nil {
		hvcore.RecordError(err)
		return nil, fmt.Errorf("failed to allocate root table: %w", err)
	}
	hvcore.RecordTableAlloc()
	return &PageTable[E, P]{
		mem:   mem,
		instr: instr,
		root:  root,
		live:  true,
	}, nil
}

// Root returns the physical address of the root node.
func (pt *PageTable[E, P]) Root() memory.PhysAddr {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return pt.root
}

// Activate installs this table as the active translation root of the
// calling CPU. The root write and its invalidation run on one OS thread
// with no table mutation in between.
func (pt *PageTable[E, P]) Activate() {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	pt.mustLive()

	runtime.LockOSThread()
	pt.instr.Activate(pt.root)
	runtime.UnlockOSThread()

	hvcore.RecordActivate()
	hvcore.Logger().Debug("page table activated", "root", pt.root)
}

// Lookup walks to the entry translating vaddr and returns it with the
// level it was found at. A missing translation yields ErrNotMapped; nothing
// is allocated.
func (pt *PageTable[E, P]) Lookup(vaddr memory.VirtAddr) (E, Level, error) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	pt.mustLive()
	return lookup[E, P](pt.mem, pt.root, vaddr)
}

// Query translates vaddr and decodes the permissions of its mapping.
func (pt *PageTable[E, P]) Query(vaddr memory.VirtAddr) (memory.PhysAddr, memory.MemFlags, Level, error) {
	e, level, err := pt.Lookup(vaddr)
	if err != nil {
		return 0, 0, 0, err
	}
	return translate[E, P](e, level, vaddr)
}

// View returns a lock-free read-only view of the table.
func (pt *PageTable[E, P]) View() View[E, P] {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	pt.mustLive()
	return View[E, P]{mem: pt.mem, root: pt.root}
}

// Map installs a translation of vaddr to paddr at level. Level1 installs a
// 4KB page; Level2 and Level3 install 2MB and 1GB blocks. Missing
// intermediate nodes are allocated. On failure the table is left as it was.
func (pt *PageTable[E, P]) Map(vaddr memory.VirtAddr, paddr memory.PhysAddr, flags memory.MemFlags, level Level) error {
	if err := checkMapping(vaddr, paddr, flags, level); err != nil {
		hvcore.RecordError(err)
		return err
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.mustLive()

	if err := pt.mapLocked(vaddr, paddr, flags, level); err != nil {
		hvcore.RecordError(err)
		return err
	}
	hvcore.RecordMap()
	return nil
}

// Unmap clears the leaf entry translating vaddr, invalidates it and
// returns what it mapped. Intermediate nodes are kept until Destroy.
func (pt *PageTable[E, P]) Unmap(vaddr memory.VirtAddr) (memory.PhysAddr, Level, error) {
	if !memory.IsAligned(vaddr) {
		hvcore.RecordError(hvcore.ErrNotAligned)
		return 0, 0, fmt.Errorf("failed to unmap %v: %w", vaddr, hvcore.ErrNotAligned)
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.mustLive()

	paddr, level, err := pt.unmapLocked(vaddr)
	if err != nil {
		hvcore.RecordError(err)
		return 0, 0, err
	}
	hvcore.RecordUnmap()
	return paddr, level, nil
}

// UpdateFlags rewrites the permissions of the mapping covering vaddr,
// keeping its frame and size, and invalidates the cached translation.
func (pt *PageTable[E, P]) UpdateFlags(vaddr memory.VirtAddr, flags memory.MemFlags) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.mustLive()

	table, idx, level, err := pt.findLeaf(vaddr)
	if err != nil {
		hvcore.RecordError(err)
		return err
	}
	e := pt.load(table, idx)
	P(&e).SetFlags(flags, !level.IsFinal())
	if P(&e).IsUnused() {
		err := fmt.Errorf("failed to set %v on %v: %w", flags, vaddr, hvcore.ErrEmptyEntry)
		hvcore.RecordError(err)
		return err
	}
	pt.store(table, idx, e)
	pt.flush(memory.AlignDown(vaddr, memory.VirtAddr(level.PageSize())))

	hvcore.RecordProtect()
	return nil
}

// Walk calls fn for every used leaf entry in ascending address order. The
// shared lock is held for the whole walk. Returning false stops the walk.
func (pt *PageTable[E, P]) Walk(fn func(vaddr memory.VirtAddr, level Level, e E) bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	pt.mustLive()
	walk[E, P](pt.mem, pt.root, Level4, 0, fn)
}

// Destroy frees every table node, root included. Leaf frames are not
// touched. The table must not be used afterwards.
func (pt *PageTable[E, P]) Destroy() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if !pt.live {
		return
	}
	pt.freeTable(pt.root, Level4)
	pt.root = 0
	pt.live = false
}

func (pt *PageTable[E, P]) mustLive() {
	if !pt.live {
		panic("paging: use of destroyed page table")
	}
}

func (pt *PageTable[E, P]) load(table memory.PhysAddr, idx int) E {
	return E(pt.mem.LoadEntry(table, idx))
}

func (pt *PageTable[E, P]) store(table memory.PhysAddr, idx int, e E) {
	pt.mem.StoreEntry(table, idx, uint64(e))
}

func (pt *PageTable[E, P]) flush(vaddr memory.VirtAddr) {
	pt.instr.Flush(vaddr)
	hvcore.RecordFlush()
}

// newNode records an intermediate node created during one Map call so it
// can be unlinked again if the call fails.
type newNode struct {
	parent memory.PhysAddr
	idx    int
	frame  memory.PhysAddr
}

func (pt *PageTable[E, P]) mapLocked(vaddr memory.VirtAddr, paddr memory.PhysAddr, flags memory.MemFlags, level Level) (err error) {
	var created []newNode
	defer func() {
		if err == nil {
			return
		}
		for i := len(created) - 1; i >= 0; i-- {
			n := created[i]
			pt.store(n.parent, n.idx, 0)
			pt.mem.FreeFrame(n.frame)
			hvcore.RecordTableFree()
		}
	}()

	table := pt.root
	for l := Level4; l > level; l-- {
		idx := l.Index(vaddr)
		e := pt.load(table, idx)
		p := P(&e)
		switch {
		case p.IsUnused():
			frame, aerr := pt.mem.AllocFrame()
			if aerr != nil {
				return fmt.Errorf("failed to allocate %v table for %v: %w", l.Next(), vaddr, aerr)
			}
			hvcore.RecordTableAlloc()
			p.SetTable(frame, l.Next(), true)
			pt.store(table, idx, e)
			created = append(created, newNode{parent: table, idx: idx, frame: frame})
			table = frame
		case l.HugeAllowed() && p.IsLeaf():
			return fmt.Errorf("failed to map %v at %v: %w", vaddr, level, hvcore.ErrMappedToHugePage)
		default:
			table = p.Address()
		}
	}

	idx := level.Index(vaddr)
	e := pt.load(table, idx)
	if !P(&e).IsUnused() {
		return fmt.Errorf("failed to map %v at %v: %w", vaddr, level, hvcore.ErrAlreadyMapped)
	}
	p := P(&e)
	p.SetAddress(paddr)
	p.SetFlags(flags, !level.IsFinal())
	if p.IsUnused() {
		return fmt.Errorf("failed to map %v -> %v with %v: %w", vaddr, paddr, flags, hvcore.ErrEmptyEntry)
	}
	pt.store(table, idx, e)
	return nil
}

func (pt *PageTable[E, P]) unmapLocked(vaddr memory.VirtAddr) (memory.PhysAddr, Level, error) {
	table, idx, level, err := pt.findLeaf(vaddr)
	if err != nil {
		return 0, 0, err
	}
	if !memory.IsAlignedTo(vaddr, memory.VirtAddr(level.PageSize())) {
		return 0, 0, fmt.Errorf("failed to unmap %v inside %v block: %w", vaddr, level, hvcore.ErrMappedToHugePage)
	}
	e := pt.load(table, idx)
	paddr := P(&e).Address()
	pt.store(table, idx, 0)
	pt.flush(vaddr)
	return paddr, level, nil
}

// findLeaf locates the used leaf entry covering vaddr.
func (pt *PageTable[E, P]) findLeaf(vaddr memory.VirtAddr) (memory.PhysAddr, int, Level, error) {
	table := pt.root
	for l := Level4; ; l-- {
		idx := l.Index(vaddr)
		e := pt.load(table, idx)
		p := P(&e)
		if p.IsUnused() {
			return 0, 0, 0, fmt.Errorf("failed to find %v: %w", vaddr, hvcore.ErrNotMapped)
		}
		if l.IsFinal() || (l.HugeAllowed() && p.IsLeaf()) {
			return table, idx, l, nil
		}
		table = p.Address()
	}
}

func (pt *PageTable[E, P]) freeTable(table memory.PhysAddr, level Level) {
	if !level.IsFinal() {
		for i := 0; i < memory.EntriesPerFrame; i++ {
			e := pt.load(table, i)
			p := P(&e)
			if p.IsUnused() || (level.HugeAllowed() && p.IsLeaf()) {
				continue
			}
			pt.freeTable(p.Address(), level.Next())
		}
	}
	pt.mem.FreeFrame(table)
	hvcore.RecordTableFree()
}

// checkMapping rejects malformed requests before the table is touched.
func checkMapping(vaddr memory.VirtAddr, paddr memory.PhysAddr, flags memory.MemFlags, level Level) error {
	if !level.Valid() || (!level.IsFinal() && !level.HugeAllowed()) {
		return fmt.Errorf("failed to map %v at %v: %w", vaddr, level, hvcore.ErrHugePageNotAllowed)
	}
	if !level.IsFinal() && flags.Contains(memory.NoHugePages) {
		return fmt.Errorf("failed to map %v at %v with %v: %w", vaddr, level, flags, hvcore.ErrHugePageNotAllowed)
	}
	size := level.PageSize()
	frame := uint64(paddr) &^ memory.SMECBit
	if !memory.IsAlignedTo(uint64(vaddr), size) || !memory.IsAlignedTo(frame, size) {
		return fmt.Errorf("failed to map %v -> %v at %v: %w", vaddr, paddr, level, hvcore.ErrNotAligned)
	}
	return nil
}
