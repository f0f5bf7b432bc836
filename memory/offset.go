package memory

import (
	"sync"

	"github.com/blacktop/go-hvcore"
	"golang.org/x/sys/unix"
)

// The hypervisor image is linked at a fixed virtual base and loaded at a
// physical address only known once the system-configuration block has been
// read. The difference is set exactly once during startup.
var (
	offsetMu       sync.RWMutex
	physVirtOffset uint64
	offsetReady    bool
)

// InitPhysVirtOffset records hvBase - physStart as the translation offset
// between hypervisor virtual and physical addresses. It must run once,
// before any call to VirtToPhys or PhysToVirt.
func InitPhysVirtOffset(hvBase VirtAddr, physStart PhysAddr) error {
	offsetMu.Lock()
	defer offsetMu.Unlock()

	if offsetReady {
		return hvcore.NewError(unix.EBUSY, "hv: phys/virt offset already initialized")
	}
	physVirtOffset = uint64(hvBase) - uint64(physStart)
	offsetReady = true
	return nil
}

func offset() uint64 {
	offsetMu.RLock()
	defer offsetMu.RUnlock()

	if !offsetReady {
		panic("memory: phys/virt offset used before InitPhysVirtOffset")
	}
	return physVirtOffset
}

// VirtToPhys translates a hypervisor virtual address.
func VirtToPhys(vaddr VirtAddr) PhysAddr {
	return PhysAddr(uint64(vaddr) - offset())
}

// PhysToVirt translates a hypervisor physical address, dropping the
// encryption tag.
func PhysToVirt(paddr PhysAddr) VirtAddr {
	return VirtAddr((uint64(paddr) & (SMECBit - 1)) + offset())
}
