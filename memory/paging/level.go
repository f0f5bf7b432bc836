package paging

import (
	"fmt"

	"github.com/blacktop/go-hvcore/memory"
)

// Level is the depth of a page-table node. Level4 is the root; Level1
// holds the final 4KB page descriptors.
type Level uint8

const (
	Level1 Level = iota + 1 // 4KB pages
	Level2                  // 2MB blocks
	Level3                  // 1GB blocks
	Level4                  // root, 512GB per entry
)

// Levels is the depth of every table built by this package.
const Levels = 4

// bitsPerLevel is log2(memory.EntriesPerFrame).
const bitsPerLevel = 9

// Shift returns the number of low address bits below this level's index.
func (l Level) Shift() uint {
	return memory.PageShift + uint(l-1)*bitsPerLevel
}

// PageSize returns the size of the region one entry at this level maps.
func (l Level) PageSize() uint64 {
	return 1 << l.Shift()
}

// Index extracts the entry index of vaddr at this level.
func (l Level) Index(vaddr memory.VirtAddr) int {
	return int(uint64(vaddr)>>l.Shift()) & (memory.EntriesPerFrame - 1)
}

// Next returns the level below l.
func (l Level) Next() Level {
	return l - 1
}

// IsFinal reports whether entries at l can only be page descriptors.
func (l Level) IsFinal() bool {
	return l == Level1
}

// HugeAllowed reports whether a block mapping may terminate translation at
// l. Both architectures allow 2MB and 1GB blocks with a 4KB granule and no
// block at the root.
func (l Level) HugeAllowed() bool {
	return l == Level2 || l == Level3
}

// Valid reports whether l is one of the four table levels.
func (l Level) Valid() bool {
	return l >= Level1 && l <= Level4
}

func (l Level) String() string {
	switch l {
	case Level1:
		return "4K"
	case Level2:
		return "2M"
	case Level3:
		return "1G"
	case Level4:
		return "512G"
	default:
		return fmt.Sprintf("Level(%d)", uint8(l))
	}
}
