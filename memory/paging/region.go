package paging

import (
	"fmt"

	"github.com/blacktop/go-hvcore"
	"github.com/blacktop/go-hvcore/memory"
)

// MapRegion maps size bytes at vaddr to paddr, using the largest block the
// alignment of both addresses and the remaining length allow. NoHugePages
// restricts the region to 4KB pages. Either the whole region is mapped or
// no translation in it is left behind; table nodes allocated on the way
// stay linked until Destroy.
func (pt *PageTable[E, P]) MapRegion(vaddr memory.VirtAddr, paddr memory.PhysAddr, size uint64, flags memory.MemFlags) error {
	if !memory.IsAligned(vaddr) || !memory.IsAligned(uint64(paddr)&^memory.SMECBit) || !memory.IsAligned(size) {
		hvcore.RecordError(hvcore.ErrNotAligned)
		return fmt.Errorf("failed to map region %v+%#x: %w", vaddr, size, hvcore.ErrNotAligned)
	}
	if uint64(vaddr)+size < uint64(vaddr) {
		hvcore.RecordError(hvcore.ErrBadAddress)
		return fmt.Errorf("failed to map region %v+%#x: %w", vaddr, size, hvcore.ErrBadAddress)
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.mustLive()

	type done struct {
		vaddr memory.VirtAddr
		level Level
	}
	var mapped []done

	for off := uint64(0); off < size; {
		va := vaddr + memory.VirtAddr(off)
		pa := paddr + memory.PhysAddr(off)
		level := chooseLevel(va, pa, size-off, flags)
		if err := pt.mapLocked(va, pa, flags, level); err != nil {
			for i := len(mapped) - 1; i >= 0; i-- {
				table, idx, _, ferr := pt.findLeaf(mapped[i].vaddr)
				if ferr == nil {
					pt.store(table, idx, 0)
					pt.flush(mapped[i].vaddr)
				}
			}
			hvcore.RecordError(err)
			return fmt.Errorf("failed to map region %v+%#x: %w", vaddr, size, err)
		}
		mapped = append(mapped, done{vaddr: va, level: level})
		hvcore.RecordMap()
		off += level.PageSize()
	}

	hvcore.Logger().Debug("mapped region", "vaddr", vaddr, "paddr", paddr, "size", size, "flags", flags, "entries", len(mapped))
	return nil
}

// UnmapRegion removes every mapping in [vaddr, vaddr+size). The range must
// consist of whole mappings: a block that straddles either end is rejected
// before anything is cleared.
func (pt *PageTable[E, P]) UnmapRegion(vaddr memory.VirtAddr, size uint64) error {
	if !memory.IsAligned(vaddr) || !memory.IsAligned(size) {
		hvcore.RecordError(hvcore.ErrNotAligned)
		return fmt.Errorf("failed to unmap region %v+%#x: %w", vaddr, size, hvcore.ErrNotAligned)
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.mustLive()

	// Validate first so a rejected range leaves the table untouched.
	for off := uint64(0); off < size; {
		va := vaddr + memory.VirtAddr(off)
		_, _, level, err := pt.findLeaf(va)
		if err != nil {
			hvcore.RecordError(err)
			return fmt.Errorf("failed to unmap region %v+%#x: %w", vaddr, size, err)
		}
		if !memory.IsAlignedTo(uint64(va), level.PageSize()) || off+level.PageSize() > size {
			hvcore.RecordError(hvcore.ErrMappedToHugePage)
			return fmt.Errorf("failed to unmap region %v+%#x: %v block at %v: %w",
				vaddr, size, level, va, hvcore.ErrMappedToHugePage)
		}
		off += level.PageSize()
	}

	for off := uint64(0); off < size; {
		_, level, err := pt.unmapLocked(vaddr + memory.VirtAddr(off))
		if err != nil {
			// Unreachable after validation under the same lock.
			panic(err)
		}
		hvcore.RecordUnmap()
		off += level.PageSize()
	}
	return nil
}

// chooseLevel returns the largest level at which va and pa can be mapped
// for at most remaining bytes.
func chooseLevel(va memory.VirtAddr, pa memory.PhysAddr, remaining uint64, flags memory.MemFlags) Level {
	if flags.Contains(memory.NoHugePages) {
		return Level1
	}
	frame := uint64(pa) &^ memory.SMECBit
	for _, l := range []Level{Level3, Level2} {
		size := l.PageSize()
		if remaining >= size && memory.IsAlignedTo(uint64(va), size) && memory.IsAlignedTo(frame, size) {
			return l
		}
	}
	return Level1
}
