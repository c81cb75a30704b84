//go:build !linux

package rmem

import "github.com/e2b-dev/infra/packages/rmem/pkg/rmemstats"

// KernelFaultSource is unavailable outside Linux; userfaultfd(2) has no
// equivalent on other platforms. This stub keeps the package buildable for
// editors and non-Linux CI legs that only need the parts of this package
// that don't touch the kernel fault source directly.
type KernelFaultSource struct{}

// NewKernelFaultSource always fails on non-Linux platforms.
func NewKernelFaultSource(base uintptr, size int64, writable bool) (*KernelFaultSource, error) {
	return nil, wrapErr(KindInitFailure, "userfaultfd", ErrUnsupportedPlatform)
}

func (k *KernelFaultSource) SetStats(stats *rmemstats.Counters) {}

func (k *KernelFaultSource) ReadFault() (addr uintptr, access AccessKind, ok bool, err error) {
	return 0, 0, false, ErrUnsupportedPlatform
}

func (k *KernelFaultSource) CopyPage(addr uintptr, src []byte, wp, dontWake bool) error {
	return ErrUnsupportedPlatform
}

func (k *KernelFaultSource) ZeroPage(addr uintptr, size int64) error {
	return ErrUnsupportedPlatform
}

func (k *KernelFaultSource) WriteProtect(addr uintptr, size int64, enable bool) error {
	return ErrUnsupportedPlatform
}

func (k *KernelFaultSource) Wake(addr uintptr, size int64) error {
	return ErrUnsupportedPlatform
}

func (k *KernelFaultSource) Unregister(addr uintptr, size int64) error {
	return ErrUnsupportedPlatform
}

func (k *KernelFaultSource) Zap(addr uintptr, size int64) error {
	return ErrUnsupportedPlatform
}

func (k *KernelFaultSource) Young(addr uintptr) (bool, error) {
	return false, ErrUnsupportedPlatform
}

func (k *KernelFaultSource) Close() error {
	return nil
}
