package memory

import "strings"

// MemFlags is the architecture-neutral permission and attribute set. Every
// descriptor codec maps onto this vocabulary; bits a codec cannot encode are
// dropped on the way in and never reported on the way out.
//
// The bit values are part of the system-configuration block format.
type MemFlags uint64

const (
	Read        MemFlags = 1 << 0
	Write       MemFlags = 1 << 1
	Execute     MemFlags = 1 << 2
	DMA         MemFlags = 1 << 3
	IO          MemFlags = 1 << 4
	CommRegion  MemFlags = 1 << 5
	NoHugePages MemFlags = 1 << 8
	User        MemFlags = 1 << 9
	Encrypted   MemFlags = 1 << 10
	NotPresent  MemFlags = 1 << 11
)

// AllFlags is the union of every defined flag.
const AllFlags = Read | Write | Execute | DMA | IO | CommRegion | NoHugePages | User | Encrypted | NotPresent

var flagNames = []struct {
	flag MemFlags
	name string
}{
	{Read, "READ"},
	{Write, "WRITE"},
	{Execute, "EXECUTE"},
	{DMA, "DMA"},
	{IO, "IO"},
	{CommRegion, "COMM_REGION"},
	{NoHugePages, "NO_HUGEPAGES"},
	{User, "USER"},
	{Encrypted, "ENCRYPTED"},
	{NotPresent, "NO_PRESENT"},
}

// Contains reports whether all bits of other are set in f.
func (f MemFlags) Contains(other MemFlags) bool {
	return f&other == other
}

func (f MemFlags) String() string {
	if f == 0 {
		return "{}"
	}
	var names []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}
	return "{" + strings.Join(names, "|") + "}"
}

// ParseFlags parses a compact permission string such as "rwx", "rw-u",
// "r--io". Recognized letters: r w x u (user) i (io) d (dma) e (encrypted)
// c (comm region) n (no huge pages) p (not present). '-' is ignored.
func ParseFlags(s string) (MemFlags, bool) {
	var f MemFlags
	for _, c := range s {
		switch c {
		case 'r':
			f |= Read
		case 'w':
			f |= Write
		case 'x':
			f |= Execute
		case 'u':
			f |= User
		case 'i':
			f |= IO
		case 'd':
			f |= DMA
		case 'e':
			f |= Encrypted
		case 'c':
			f |= CommRegion
		case 'n':
			f |= NoHugePages
		case 'p':
			f |= NotPresent
		case '-':
		default:
			return 0, false
		}
	}
	return f, true
}
