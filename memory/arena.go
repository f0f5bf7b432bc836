package memory

import (
	"sync"
	"sync/atomic"

	"github.com/blacktop/go-hvcore"
	"golang.org/x/sys/unix"
)

// EntriesPerFrame is the number of 64-bit descriptors in one page-table
// node.
const EntriesPerFrame = PageSize / 8

// Arena is a contiguous block of physical frames starting at a fixed
// physical base. Page-table nodes are allocated from it and their entries
// are accessed through it with atomic loads and stores, so a reader may
// walk a table while a writer updates a disjoint subtree.
type Arena struct {
	base    PhysAddr
	frames  int
	words   []uint64
	release func() error

	mu   sync.Mutex
	free []int
	used []bool
}

// NewArena reserves frames physical frames starting at base, which must be
// page aligned.
func NewArena(base PhysAddr, frames int) (*Arena, error) {
	if !IsAligned(base) {
		return nil, hvcore.ErrNotAligned
	}
	if frames <= 0 {
		return nil, hvcore.NewError(unix.EINVAL, "hv: arena needs at least one frame (got %d)", frames)
	}
	words, release, err := mapWords(frames * EntriesPerFrame)
	if err != nil {
		return nil, err
	}
	a := &Arena{
		base:    base,
		frames:  frames,
		words:   words,
		release: release,
		free:    make([]int, 0, frames),
		used:    make([]bool, frames),
	}
	// Hand out low frames first.
	for i := frames - 1; i >= 0; i-- {
		a.free = append(a.free, i)
	}
	return a, nil
}

// Close releases the backing memory. The arena must not be used afterwards.
func (a *Arena) Close() error {
	if a.release == nil {
		return nil
	}
	err := a.release()
	a.release = nil
	a.words = nil
	return err
}

// Base returns the physical address of the first frame.
func (a *Arena) Base() PhysAddr { return a.base }

// Size returns the arena size in bytes.
func (a *Arena) Size() uint64 { return uint64(a.frames) * PageSize }

// Contains reports whether paddr falls inside the arena.
func (a *Arena) Contains(paddr PhysAddr) bool {
	return paddr >= a.base && uint64(paddr-a.base) < a.Size()
}

// FramesInUse returns the number of allocated frames.
func (a *Arena) FramesInUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frames - len(a.free)
}

// AllocFrame returns a zeroed frame, or ErrNoMemory when the arena is
// exhausted.
func (a *Arena) AllocFrame() (PhysAddr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.free) == 0 {
		return 0, hvcore.ErrNoMemory
	}
	idx := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	a.used[idx] = true
	clear(a.words[idx*EntriesPerFrame : (idx+1)*EntriesPerFrame])
	return a.base + PhysAddr(idx)*PageSize, nil
}

// FreeFrame returns a frame obtained from AllocFrame.
func (a *Arena) FreeFrame(paddr PhysAddr) {
	idx := a.frameIndex(paddr)

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.used[idx] {
		panic(hvcore.NewError(unix.EIO, "memory: double free of frame %v", paddr))
	}
	a.used[idx] = false
	a.free = append(a.free, idx)
}

// LoadEntry atomically reads descriptor i of the table at paddr.
func (a *Arena) LoadEntry(table PhysAddr, i int) uint64 {
	return atomic.LoadUint64(&a.words[a.entryIndex(table, i)])
}

// StoreEntry atomically writes descriptor i of the table at paddr.
func (a *Arena) StoreEntry(table PhysAddr, i int, v uint64) {
	atomic.StoreUint64(&a.words[a.entryIndex(table, i)], v)
}

func (a *Arena) frameIndex(paddr PhysAddr) int {
	if !IsAligned(paddr) || !a.Contains(paddr) {
		panic(hvcore.NewError(unix.EIO, "memory: frame %v outside of arena [%v, %v)",
			paddr, a.base, a.base+PhysAddr(a.Size())))
	}
	return int((paddr - a.base) >> PageShift)
}

func (a *Arena) entryIndex(table PhysAddr, i int) int {
	if i < 0 || i >= EntriesPerFrame {
		panic(hvcore.NewError(unix.EIO, "memory: entry index %d out of range", i))
	}
	return a.frameIndex(table)*EntriesPerFrame + i
}
