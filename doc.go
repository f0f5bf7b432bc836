// Package hvcore is the architecture layer of a type-1 hypervisor that
// takes over a running kernel on each CPU and later hands the CPU back.
//
// The module is split by concern:
//
//   - memory: physical/virtual address types, mapping flags, the
//     phys/virt offset and the frame Arena that backs page-table nodes.
//   - memory/paging: a generic four-level page-table engine with map,
//     unmap, query, flag updates and region helpers, parameterized by
//     an entry codec.
//   - arch/amd64: host and EPT entry codecs, segment descriptors, the
//     hypervisor GDT and the kernel context capture/restore path.
//   - arch/arm64: stage-1 and stage-2 entry codecs, EL2 system registers
//     and the kernel context capture/restore path.
//   - config: the binary system-configuration block.
//   - cpumask: fixed-size CPU sets.
//
// This package holds what they share: the HVError type and its sentinel
// errors, the per-CPU capture/restore state machine, operation metrics,
// host feature checks and the module logger.
//
// # Basic Usage
//
// Build a host page table on an Arena and map the hypervisor image:
//
//	arena, err := memory.NewArena(0x7c00_0000, 64)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer arena.Close()
//
//	pt, err := amd64.NewPageTable(arena, m)
//	if err != nil {
//		log.Fatal(err)
//	}
//	flags := memory.Read | memory.Write | memory.Execute
//	if err := pt.MapRegion(0xffff_ff00_0000_0000, 0x7c00_0000, 0x400_0000, flags); err != nil {
//		log.Fatal(err)
//	}
//
// Take over a CPU and give it back:
//
//	cpu := amd64.NewCPU(0, m, gdt)
//	if _, err := cpu.Capture(linuxRSP, &amd64.HostState{PageTable: pt}); err != nil {
//		log.Fatal(err)
//	}
//	// ... run the hypervisor ...
//	cpu.Restore(nil)
//
// # Error Handling
//
// Every package returns errors whose chain contains an *HVError. Callers
// match the sentinels with errors.Is or read the errno class with Errno:
//
//	if errors.Is(err, hvcore.ErrAlreadyMapped) { ... }
//	if hvcore.Errno(err) == unix.ENOMEM { ... }
//
// Set HV_ENV=production (or HV_DEBUG=false) to drop the diagnostic hints
// from generic error messages.
//
// # Logging
//
// The module logs through log/slog. Nothing is printed until a logger is
// installed with SetLogger.
//
// # Platform Support
//
// The frame Arena is backed by mmap and needs a unix host. Register and
// instruction access goes through the arch Machine interfaces, so every
// package runs in-process against the Sim machines for testing.
package hvcore
