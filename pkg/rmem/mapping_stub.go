//go:build !linux

package rmem

func newAnonymousMapping(size int64, writable bool) (*KernelFaultSource, uintptr, error) {
	return nil, 0, wrapErr(KindInitFailure, "mmap anonymous region", ErrUnsupportedPlatform)
}
