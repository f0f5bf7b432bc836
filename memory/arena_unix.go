//go:build linux || darwin || freebsd || netbsd || openbsd

package memory

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mapWords backs the arena with anonymous memory outside of the Go heap.
// The byte mapping is reinterpreted as words once, here.
func mapWords(n int) ([]uint64, func() error, error) {
	buf, err := unix.Mmap(-1, 0, n*8, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to mmap %d bytes: %w", n*8, err)
	}
	words := unsafe.Slice((*uint64)(unsafe.Pointer(&buf[0])), n)
	return words, func() error { return unix.Munmap(buf) }, nil
}
