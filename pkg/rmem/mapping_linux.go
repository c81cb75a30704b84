//go:build linux

package rmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// newAnonymousMapping reserves an anonymous, zero-filled virtual range of
// size bytes and registers it with a fresh userfaultfd instance, returning
// the fault source and the mapping's base address. The mapping is never
// populated by the kernel's own zero-fill-on-demand path — every page
// fault in range is intercepted and resolved by the handler fleet instead.
func newAnonymousMapping(size int64, writable bool) (*KernelFaultSource, uintptr, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}

	data, err := unix.Mmap(-1, 0, int(size), prot, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, 0, fmt.Errorf("mmap anonymous region: %w", err)
	}

	base := uintptr(unsafe.Pointer(&data[0]))

	kernel, err := NewKernelFaultSource(base, size, writable)
	if err != nil {
		unix.Munmap(data)
		return nil, 0, err
	}

	return kernel, base, nil
}
