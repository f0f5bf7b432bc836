package paging_test

import (
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/blacktop/go-hvcore"
	"github.com/blacktop/go-hvcore/arch/amd64"
	"github.com/blacktop/go-hvcore/arch/arm64"
	"github.com/blacktop/go-hvcore/memory"
	"github.com/blacktop/go-hvcore/memory/paging"
)

// recorder is a PagingInstr that remembers what it was asked to do.
type recorder struct {
	mu        sync.Mutex
	activated []memory.PhysAddr
	flushed   []memory.VirtAddr
	flushAll  int
}

func (r *recorder) Activate(root memory.PhysAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activated = append(r.activated, root)
}

func (r *recorder) Flush(vaddr memory.VirtAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushed = append(r.flushed, vaddr)
}

func (r *recorder) FlushAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushAll++
}

const arenaBase = memory.PhysAddr(0x8000_0000)

func newArena(t *testing.T, frames int) *memory.Arena {
	t.Helper()
	a, err := memory.NewArena(arenaBase, frames)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func newTable(t *testing.T, frames int) (*arm64.S1PageTable, *memory.Arena, *recorder) {
	t.Helper()
	a := newArena(t, frames)
	r := &recorder{}
	pt, err := paging.New[arm64.S1Entry](a, r)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return pt, a, r
}

type leaf struct {
	vaddr memory.VirtAddr
	level paging.Level
}

func leaves[E ~uint64, P paging.PTE[E]](pt *paging.PageTable[E, P]) []leaf {
	var out []leaf
	pt.Walk(func(vaddr memory.VirtAddr, level paging.Level, _ E) bool {
		out = append(out, leaf{vaddr, level})
		return true
	})
	return out
}

func testMapQuery[E ~uint64, P paging.PTE[E]](t *testing.T) {
	a := newArena(t, 16)
	pt, err := paging.New[E, P](a, &recorder{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pt.Destroy()

	tests := []struct {
		vaddr memory.VirtAddr
		paddr memory.PhysAddr
		level paging.Level
		off   uint64
	}{
		{0x1000, 0x2000, paging.Level1, 0x123},
		{0x4020_0000, 0x1_0020_0000, paging.Level2, 0x1_2345},
		{0x80_4000_0000, 0x2_4000_0000, paging.Level3, 0x3fff_fff8},
	}
	flags := memory.Read | memory.Write | memory.Execute
	for _, tt := range tests {
		if err := pt.Map(tt.vaddr, tt.paddr, flags, tt.level); err != nil {
			t.Fatalf("Map(%v, %v, %v): %v", tt.vaddr, tt.paddr, tt.level, err)
		}
	}
	for _, tt := range tests {
		paddr, got, level, err := pt.Query(tt.vaddr + memory.VirtAddr(tt.off))
		if err != nil {
			t.Errorf("Query(%v+%#x): %v", tt.vaddr, tt.off, err)
			continue
		}
		if paddr != tt.paddr+memory.PhysAddr(tt.off) || got != flags || level != tt.level {
			t.Errorf("Query(%v+%#x) = %v %v %v, want %v %v %v", tt.vaddr, tt.off,
				paddr, got, level, tt.paddr+memory.PhysAddr(tt.off), flags, tt.level)
		}
	}
}

func TestMapQueryRoundTrip(t *testing.T) {
	t.Run("arm64 stage 1", testMapQuery[arm64.S1Entry, *arm64.S1Entry])
	t.Run("arm64 stage 2", testMapQuery[arm64.S2Entry, *arm64.S2Entry])
	t.Run("amd64 host", testMapQuery[amd64.PageTableEntry, *amd64.PageTableEntry])
	t.Run("amd64 ept", testMapQuery[amd64.EPTEntry, *amd64.EPTEntry])
}

func TestMapRejects(t *testing.T) {
	tests := []struct {
		name  string
		vaddr memory.VirtAddr
		paddr memory.PhysAddr
		flags memory.MemFlags
		level paging.Level
		want  error
	}{
		{"root level", 0, 0, memory.Read, paging.Level4, hvcore.ErrHugePageNotAllowed},
		{"level zero", 0, 0, memory.Read, 0, hvcore.ErrHugePageNotAllowed},
		{"level five", 0, 0, memory.Read, 5, hvcore.ErrHugePageNotAllowed},
		{"no huge pages", 0x20_0000, 0x20_0000, memory.Read | memory.NoHugePages, paging.Level2, hvcore.ErrHugePageNotAllowed},
		{"unaligned vaddr", 0x1001, 0x2000, memory.Read, paging.Level1, hvcore.ErrNotAligned},
		{"unaligned paddr", 0x1000, 0x2010, memory.Read, paging.Level1, hvcore.ErrNotAligned},
		{"unaligned block", 0x1000, 0x20_0000, memory.Read, paging.Level2, hvcore.ErrNotAligned},
		{"unaligned 1G block", 0x4000_0000, 0x20_0000, memory.Read, paging.Level3, hvcore.ErrNotAligned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pt, a, r := newTable(t, 8)
			err := pt.Map(tt.vaddr, tt.paddr, tt.flags, tt.level)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Map error = %v, want %v", err, tt.want)
			}
			if n := a.FramesInUse(); n != 1 {
				t.Errorf("frames in use = %d, want only the root", n)
			}
			if l := leaves(pt); len(l) != 0 {
				t.Errorf("table not empty after rejected map: %v", l)
			}
			if len(r.flushed) != 0 {
				t.Errorf("rejected map flushed %v", r.flushed)
			}
		})
	}
}

func TestMapRejectsKeepsExistingMappings(t *testing.T) {
	tests := []struct {
		name  string
		vaddr memory.VirtAddr
		paddr memory.PhysAddr
		flags memory.MemFlags
		level paging.Level
		want  error
	}{
		{"root level", 0, 0, memory.Read, paging.Level4, hvcore.ErrHugePageNotAllowed},
		{"no huge pages", 0x20_0000, 0x20_0000, memory.Read | memory.NoHugePages, paging.Level2, hvcore.ErrHugePageNotAllowed},
		{"same page", 0x1000, 0x3000, memory.Read, paging.Level1, hvcore.ErrAlreadyMapped},
		{"block over table", 0, 0x40_0000, memory.Read, paging.Level2, hvcore.ErrAlreadyMapped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pt, a, r := newTable(t, 8)
			if err := pt.Map(0x1000, 0x2000, memory.Read|memory.Write, paging.Level1); err != nil {
				t.Fatalf("Map: %v", err)
			}
			inUse := a.FramesInUse()

			if err := pt.Map(tt.vaddr, tt.paddr, tt.flags, tt.level); !errors.Is(err, tt.want) {
				t.Fatalf("Map error = %v, want %v", err, tt.want)
			}
			paddr, flags, level, err := pt.Query(0x1000)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if paddr != 0x2000 || flags != memory.Read|memory.Write || level != paging.Level1 {
				t.Errorf("Query = %v %v %v, want 0x2000 {READ|WRITE} 4K", paddr, flags, level)
			}
			if n := a.FramesInUse(); n != inUse {
				t.Errorf("frames in use = %d, want %d", n, inUse)
			}
			if len(r.flushed) != 0 {
				t.Errorf("rejected map flushed %v", r.flushed)
			}
		})
	}
}

func TestMapRejectsEmptyEntry(t *testing.T) {
	t.Run("amd64 host", func(t *testing.T) {
		testEmptyEntry[amd64.PageTableEntry, *amd64.PageTableEntry](t, memory.NotPresent|memory.Execute)
	})
	t.Run("amd64 ept", func(t *testing.T) {
		testEmptyEntry[amd64.EPTEntry, *amd64.EPTEntry](t, memory.IO)
	})
}

// testEmptyEntry maps frame 0 with flags the codec encodes as a zero entry.
func testEmptyEntry[E ~uint64, P paging.PTE[E]](t *testing.T, empty memory.MemFlags) {
	a := newArena(t, 8)
	r := &recorder{}
	pt, err := paging.New[E, P](a, r)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pt.Destroy()

	for i := range 2 {
		if err := pt.Map(0x1000, 0, empty, paging.Level1); !errors.Is(err, hvcore.ErrEmptyEntry) {
			t.Fatalf("Map #%d error = %v, want ErrEmptyEntry", i, err)
		}
		if n := a.FramesInUse(); n != 1 {
			t.Errorf("Map #%d left %d frames in use, want only the root", i, n)
		}
	}
	if l := leaves(pt); len(l) != 0 {
		t.Errorf("table not empty after rejected map: %v", l)
	}
	if _, _, _, err := pt.Query(0x1000); !errors.Is(err, hvcore.ErrNotMapped) {
		t.Errorf("Query error = %v, want ErrNotMapped", err)
	}

	if err := pt.Map(0x1000, 0, memory.Read, paging.Level1); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := pt.UpdateFlags(0x1000, empty); !errors.Is(err, hvcore.ErrEmptyEntry) {
		t.Errorf("UpdateFlags error = %v, want ErrEmptyEntry", err)
	}
	paddr, flags, level, err := pt.Query(0x1000)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if paddr != 0 || flags != memory.Read || level != paging.Level1 {
		t.Errorf("Query = %v %v %v, want 0x0 {READ} 4K", paddr, flags, level)
	}
	if len(r.flushed) != 0 {
		t.Errorf("rejected update flushed %v", r.flushed)
	}
}

func TestEncryptedAddressAlignment(t *testing.T) {
	pt, _, _ := newTable(t, 8)
	if err := pt.Map(0x20_0000, memory.PhysEncrypted(0x40_0000), memory.Read, paging.Level2); err != nil {
		t.Errorf("Map with C-bit: %v", err)
	}
}

func TestUpdateFlags(t *testing.T) {
	pt, _, r := newTable(t, 8)
	if err := pt.Map(0x1000, 0x2000, memory.Read|memory.Write, paging.Level1); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if len(r.flushed) != 0 {
		t.Errorf("Map into an empty slot flushed %v", r.flushed)
	}
	if err := pt.UpdateFlags(0x1000, memory.Read); err != nil {
		t.Fatalf("UpdateFlags: %v", err)
	}
	paddr, flags, level, err := pt.Query(0x1000)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if paddr != 0x2000 || flags != memory.Read || level != paging.Level1 {
		t.Errorf("Query = %v %v %v, want 0x2000 {READ} 4K", paddr, flags, level)
	}
	if !slices.Equal(r.flushed, []memory.VirtAddr{0x1000}) {
		t.Errorf("flushed %v, want [0x1000]", r.flushed)
	}

	if err := pt.UpdateFlags(0x5000, memory.Read); !errors.Is(err, hvcore.ErrNotMapped) {
		t.Errorf("UpdateFlags on hole = %v, want ErrNotMapped", err)
	}
}

func TestUpdateFlagsKeepsBlock(t *testing.T) {
	pt, _, r := newTable(t, 8)
	if err := pt.Map(0x20_0000, 0x60_0000, memory.Read|memory.Write, paging.Level2); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := pt.UpdateFlags(0x20_3000, memory.Read|memory.Execute); err != nil {
		t.Fatalf("UpdateFlags: %v", err)
	}
	paddr, flags, level, err := pt.Query(0x20_3000)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if paddr != 0x60_3000 || flags != memory.Read|memory.Execute || level != paging.Level2 {
		t.Errorf("Query = %v %v %v", paddr, flags, level)
	}
	if !slices.Equal(r.flushed, []memory.VirtAddr{0x20_0000}) {
		t.Errorf("flushed %v, want the block base", r.flushed)
	}
}

func TestMapConflicts(t *testing.T) {
	pt, a, _ := newTable(t, 8)
	if err := pt.Map(0x20_0000, 0x20_0000, memory.Read, paging.Level2); err != nil {
		t.Fatalf("Map block: %v", err)
	}
	inUse := a.FramesInUse()

	if err := pt.Map(0x20_0000, 0x40_0000, memory.Read, paging.Level2); !errors.Is(err, hvcore.ErrAlreadyMapped) {
		t.Errorf("remap block = %v, want ErrAlreadyMapped", err)
	}
	if err := pt.Map(0x20_1000, 0x1000, memory.Read, paging.Level1); !errors.Is(err, hvcore.ErrMappedToHugePage) {
		t.Errorf("page inside block = %v, want ErrMappedToHugePage", err)
	}
	if _, _, err := pt.Unmap(0x20_1000); !errors.Is(err, hvcore.ErrMappedToHugePage) {
		t.Errorf("Unmap inside block = %v, want ErrMappedToHugePage", err)
	}
	if n := a.FramesInUse(); n != inUse {
		t.Errorf("frames in use = %d after failed maps, want %d", n, inUse)
	}
	if paddr, _, _, err := pt.Query(0x20_1000); err != nil || paddr != 0x20_1000 {
		t.Errorf("block damaged: %v %v", paddr, err)
	}
}

func TestUnmap(t *testing.T) {
	pt, a, r := newTable(t, 8)
	if err := pt.Map(0x7000, 0x9000, memory.Read|memory.Write, paging.Level1); err != nil {
		t.Fatalf("Map: %v", err)
	}
	inUse := a.FramesInUse()

	paddr, level, err := pt.Unmap(0x7000)
	if err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if paddr != 0x9000 || level != paging.Level1 {
		t.Errorf("Unmap = %v %v", paddr, level)
	}
	if !slices.Equal(r.flushed, []memory.VirtAddr{0x7000}) {
		t.Errorf("flushed %v, want [0x7000]", r.flushed)
	}
	if _, _, _, err := pt.Query(0x7000); !errors.Is(err, hvcore.ErrNotMapped) {
		t.Errorf("Query after Unmap = %v, want ErrNotMapped", err)
	}
	if _, _, err := pt.Unmap(0x7000); !errors.Is(err, hvcore.ErrNotMapped) {
		t.Errorf("second Unmap = %v, want ErrNotMapped", err)
	}
	if _, _, err := pt.Unmap(0x7010); !errors.Is(err, hvcore.ErrNotAligned) {
		t.Errorf("unaligned Unmap = %v, want ErrNotAligned", err)
	}
	if n := a.FramesInUse(); n != inUse {
		t.Errorf("Unmap reclaimed nodes: %d frames in use, want %d", n, inUse)
	}

	// The emptied slot is reusable.
	if err := pt.Map(0x7000, 0xa000, memory.Read, paging.Level1); err != nil {
		t.Errorf("Map after Unmap: %v", err)
	}
}

func TestMapOutOfMemoryRollsBack(t *testing.T) {
	// root plus two frames: a 4K page needs three new nodes.
	pt, a, _ := newTable(t, 3)
	err := pt.Map(0x1000, 0x1000, memory.Read, paging.Level1)
	if !errors.Is(err, hvcore.ErrNoMemory) {
		t.Fatalf("Map error = %v, want ErrNoMemory", err)
	}
	if n := a.FramesInUse(); n != 1 {
		t.Errorf("frames in use = %d after rollback, want 1", n)
	}
	if _, _, err := pt.Lookup(0x1000); !errors.Is(err, hvcore.ErrNotMapped) {
		t.Errorf("Lookup after rollback = %v, want ErrNotMapped", err)
	}
	// A 1G block needs one node and still fits.
	if err := pt.Map(0x4000_0000, 0x4000_0000, memory.Read, paging.Level3); err != nil {
		t.Errorf("Map 1G block: %v", err)
	}
}

func TestDestroy(t *testing.T) {
	pt, a, _ := newTable(t, 16)
	for _, m := range []struct {
		vaddr memory.VirtAddr
		level paging.Level
	}{
		{0x1000, paging.Level1},
		{0x20_0000, paging.Level2},
		{0x80_0000_0000, paging.Level1},
		{0xffff_8000_0000_0000, paging.Level3},
	} {
		if err := pt.Map(m.vaddr, 0x4000_0000, memory.Read, m.level); err != nil {
			t.Fatalf("Map(%v): %v", m.vaddr, err)
		}
	}
	if a.FramesInUse() <= 1 {
		t.Fatal("no nodes allocated")
	}
	pt.Destroy()
	if n := a.FramesInUse(); n != 0 {
		t.Errorf("frames in use after Destroy = %d", n)
	}
	pt.Destroy()

	defer func() {
		if recover() == nil {
			t.Error("Query on destroyed table did not panic")
		}
	}()
	pt.Query(0x1000)
}

func TestActivate(t *testing.T) {
	pt, _, r := newTable(t, 4)
	pt.Activate()
	if !slices.Equal(r.activated, []memory.PhysAddr{pt.Root()}) {
		t.Errorf("activated %v, want [%v]", r.activated, pt.Root())
	}
	if pt.Root() != arenaBase {
		t.Errorf("root = %v, want first arena frame", pt.Root())
	}
}

func TestMapRegion(t *testing.T) {
	tests := []struct {
		name  string
		vaddr memory.VirtAddr
		paddr memory.PhysAddr
		size  uint64
		flags memory.MemFlags
		want  []leaf
	}{
		{
			name:  "mixed sizes",
			vaddr: 0x1f_f000, paddr: 0x1f_f000, size: 0x1000 + 0x20_0000 + 0x1000,
			flags: memory.Read | memory.Write,
			want: []leaf{
				{0x1f_f000, paging.Level1},
				{0x20_0000, paging.Level2},
				{0x40_0000, paging.Level1},
			},
		},
		{
			name:  "1G block",
			vaddr: 0x4000_0000, paddr: 0x8000_0000, size: 0x4000_0000 + 0x20_0000,
			flags: memory.Read,
			want: []leaf{
				{0x4000_0000, paging.Level3},
				{0x8000_0000, paging.Level2},
			},
		},
		{
			name:  "misaligned physical",
			vaddr: 0x20_0000, paddr: 0x20_1000, size: 0x3000,
			flags: memory.Read,
			want: []leaf{
				{0x20_0000, paging.Level1},
				{0x20_1000, paging.Level1},
				{0x20_2000, paging.Level1},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pt, _, _ := newTable(t, 16)
			if err := pt.MapRegion(tt.vaddr, tt.paddr, tt.size, tt.flags); err != nil {
				t.Fatalf("MapRegion: %v", err)
			}
			if got := leaves(pt); !slices.Equal(got, tt.want) {
				t.Errorf("leaves = %v, want %v", got, tt.want)
			}
			last := tt.vaddr + memory.VirtAddr(tt.size) - 8
			paddr, _, _, err := pt.Query(last)
			if err != nil || paddr != tt.paddr+memory.PhysAddr(tt.size)-8 {
				t.Errorf("Query(%v) = %v, %v", last, paddr, err)
			}
		})
	}
}

func TestMapRegionNoHugePages(t *testing.T) {
	pt, _, _ := newTable(t, 16)
	if err := pt.MapRegion(0x20_0000, 0x20_0000, 0x20_0000, memory.Read|memory.NoHugePages); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	l := leaves(pt)
	if len(l) != memory.EntriesPerFrame {
		t.Fatalf("%d leaves, want %d", len(l), memory.EntriesPerFrame)
	}
	for _, e := range l {
		if e.level != paging.Level1 {
			t.Fatalf("leaf %v at %v", e.vaddr, e.level)
		}
	}
}

func TestMapRegionRollsBack(t *testing.T) {
	pt, _, r := newTable(t, 16)
	if err := pt.Map(0x3000, 0x3000, memory.Read, paging.Level1); err != nil {
		t.Fatalf("Map: %v", err)
	}
	err := pt.MapRegion(0x1000, 0x1000, 0x4000, memory.Read|memory.Write)
	if !errors.Is(err, hvcore.ErrAlreadyMapped) {
		t.Fatalf("MapRegion error = %v, want ErrAlreadyMapped", err)
	}
	if got := leaves(pt); !slices.Equal(got, []leaf{{0x3000, paging.Level1}}) {
		t.Errorf("leaves after rollback = %v", got)
	}
	if !slices.Equal(r.flushed, []memory.VirtAddr{0x2000, 0x1000}) {
		t.Errorf("flushed %v, want rolled back pages in reverse", r.flushed)
	}

	if err := pt.MapRegion(0x1000, 0x1000, 0x1800, memory.Read); !errors.Is(err, hvcore.ErrNotAligned) {
		t.Errorf("unaligned size = %v, want ErrNotAligned", err)
	}
	if err := pt.MapRegion(0xffff_ffff_ffff_f000, 0, 0x2000, memory.Read); !errors.Is(err, hvcore.ErrBadAddress) {
		t.Errorf("wrapping region = %v, want ErrBadAddress", err)
	}
}

func TestUnmapRegion(t *testing.T) {
	pt, _, _ := newTable(t, 16)
	if err := pt.MapRegion(0x1f_f000, 0x1f_f000, 0x20_2000, memory.Read); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	before := leaves(pt)

	tests := []struct {
		name  string
		vaddr memory.VirtAddr
		size  uint64
		want  error
	}{
		{"cuts block end", 0x1f_f000, 0x10_1000, hvcore.ErrMappedToHugePage},
		{"starts inside block", 0x30_0000, 0x10_0000, hvcore.ErrMappedToHugePage},
		{"hole", 0x40_0000, 0x2000, hvcore.ErrNotMapped},
		{"unaligned", 0x1f_f000, 0x800, hvcore.ErrNotAligned},
	}
	for _, tt := range tests {
		if err := pt.UnmapRegion(tt.vaddr, tt.size); !errors.Is(err, tt.want) {
			t.Errorf("%s: UnmapRegion = %v, want %v", tt.name, err, tt.want)
		}
		if got := leaves(pt); !slices.Equal(got, before) {
			t.Fatalf("%s: rejected UnmapRegion changed the table: %v", tt.name, got)
		}
	}

	if err := pt.UnmapRegion(0x1f_f000, 0x20_2000); err != nil {
		t.Fatalf("UnmapRegion: %v", err)
	}
	if got := leaves(pt); len(got) != 0 {
		t.Errorf("leaves after UnmapRegion = %v", got)
	}
}

func TestWalkCanonicalAddresses(t *testing.T) {
	pt, _, _ := newTable(t, 16)
	for _, va := range []memory.VirtAddr{0xffff_ff80_0000_0000, 0x1000, 0xffff_8000_0020_0000} {
		if err := pt.Map(va, 0x1000, memory.Read, paging.Level1); err != nil {
			t.Fatalf("Map(%v): %v", va, err)
		}
	}
	want := []leaf{
		{0x1000, paging.Level1},
		{0xffff_8000_0020_0000, paging.Level1},
		{0xffff_ff80_0000_0000, paging.Level1},
	}
	if got := leaves(pt); !slices.Equal(got, want) {
		t.Errorf("Walk = %v, want %v", got, want)
	}

	var n int
	pt.Walk(func(memory.VirtAddr, paging.Level, arm64.S1Entry) bool {
		n++
		return false
	})
	if n != 1 {
		t.Errorf("Walk visited %d leaves after stop", n)
	}
}

func TestViewConcurrentLookup(t *testing.T) {
	pt, a, _ := newTable(t, 64)
	if err := pt.MapRegion(0x4000_0000, 0x4000_0000, 0x10_0000, memory.Read); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	view := paging.NewView[arm64.S1Entry](a, pt.Root())

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 256; i++ {
				va := memory.VirtAddr(0x4000_0000 + i*0x1000)
				paddr, _, _, err := view.Query(va)
				if err != nil || paddr != memory.PhysAddr(va) {
					errs <- err
					return
				}
			}
		}()
	}
	// A disjoint subtree changes underneath the readers.
	for i := 0; i < 32; i++ {
		va := memory.VirtAddr(0x80_0000_0000 + i*0x1000)
		if err := pt.Map(va, 0x1000, memory.Read, paging.Level1); err != nil {
			t.Fatalf("Map(%v): %v", va, err)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Query: %v", err)
	}

	if pt.View().Root() != view.Root() {
		t.Error("View root differs from table root")
	}
}

func TestLevel(t *testing.T) {
	tests := []struct {
		level paging.Level
		size  uint64
		huge  bool
		index int
		name  string
	}{
		{paging.Level1, 0x1000, false, 0x1ff, "4K"},
		{paging.Level2, 0x20_0000, true, 0x1ff, "2M"},
		{paging.Level3, 0x4000_0000, true, 0x1ff, "1G"},
		{paging.Level4, 0x80_0000_0000, false, 0x1ff, "512G"},
	}
	const vaddr = memory.VirtAddr(0xffff_ffff_ffff_f000)
	for _, tt := range tests {
		if tt.level.PageSize() != tt.size || tt.level.HugeAllowed() != tt.huge ||
			tt.level.Index(vaddr) != tt.index || tt.level.String() != tt.name {
			t.Errorf("%v: size=%#x huge=%t index=%#x", tt.level, tt.level.PageSize(),
				tt.level.HugeAllowed(), tt.level.Index(vaddr))
		}
	}
	if paging.Level2.Index(0x40_0000) != 2 {
		t.Errorf("Level2.Index(0x400000) = %d", paging.Level2.Index(0x40_0000))
	}
}
