package rmem

// FaultKernel is the full capability set a handler thread needs from the
// kernel-assisted fault mechanism: reading the next queued fault,
// installing/zeroing/write-protecting pages (KernelPageInstaller), and the
// eviction-side operations of dropping a mapping and reading the young bit
// (EvictionKernel). *KernelFaultSource is the only real implementation;
// tests substitute a fake that doesn't require userfaultfd(2) privileges,
// the same capability-set pattern this package already uses for Backend.
type FaultKernel interface {
	// ReadFault performs one non-blocking read for the next queued fault.
	ReadFault() (addr uintptr, access AccessKind, ok bool, err error)

	CopyPage(addr uintptr, src []byte, wp, dontWake bool) error
	ZeroPage(addr uintptr, size int64) error
	WriteProtect(addr uintptr, size int64, enable bool) error
	Wake(addr uintptr, size int64) error
	Zap(addr uintptr, size int64) error
	Young(addr uintptr) (bool, error)

	// Unregister removes a range from the fault source's watched set,
	// used when a region is torn down.
	Unregister(addr uintptr, size int64) error
	Close() error
}

var _ FaultKernel = (*KernelFaultSource)(nil)
