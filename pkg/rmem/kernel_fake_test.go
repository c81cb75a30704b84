package rmem

import (
	"sync"
	"unsafe"
)

// fakeKernel stands in for a real userfaultfd-backed KernelFaultSource in
// tests: it operates on a real Go byte slice (so eviction.go's readPageBytes,
// which dereferences raw addresses, sees the same memory this fake mutates)
// instead of issuing ioctls. It also doubles as a FaultKernel so Handler and
// Evictor can be exercised without userfaultfd(2) privileges.
type fakeKernel struct {
	mem  []byte
	base uintptr

	mu            sync.Mutex
	writeProtects []fakeRange
	zaps          []fakeRange
	wakes         []fakeRange
	youngPages    map[uintptr]bool

	faults chan fakeFault
}

type fakeRange struct {
	addr uintptr
	size int64
	wp   bool
}

type fakeFault struct {
	addr   uintptr
	access AccessKind
}

func newFakeKernel(size int64) *fakeKernel {
	mem := make([]byte, size)

	return &fakeKernel{
		mem:        mem,
		base:       uintptr(unsafe.Pointer(&mem[0])),
		youngPages: make(map[uintptr]bool),
		faults:     make(chan fakeFault, 256),
	}
}

func (k *fakeKernel) off(addr uintptr) int64 { return int64(addr - k.base) }

func (k *fakeKernel) CopyPage(addr uintptr, src []byte, wp, dontWake bool) error {
	off := k.off(addr)
	copy(k.mem[off:off+int64(len(src))], src)

	k.mu.Lock()
	k.writeProtects = append(k.writeProtects, fakeRange{addr, int64(len(src)), wp})
	k.mu.Unlock()

	return nil
}

func (k *fakeKernel) ZeroPage(addr uintptr, size int64) error {
	off := k.off(addr)
	for i := int64(0); i < size; i++ {
		k.mem[off+i] = 0
	}

	return nil
}

func (k *fakeKernel) WriteProtect(addr uintptr, size int64, enable bool) error {
	k.mu.Lock()
	k.writeProtects = append(k.writeProtects, fakeRange{addr, size, enable})
	k.mu.Unlock()

	return nil
}

func (k *fakeKernel) Wake(addr uintptr, size int64) error {
	k.mu.Lock()
	k.wakes = append(k.wakes, fakeRange{addr, size, false})
	k.mu.Unlock()

	return nil
}

func (k *fakeKernel) Zap(addr uintptr, size int64) error {
	off := k.off(addr)
	for i := int64(0); i < size; i++ {
		k.mem[off+i] = 0
	}

	k.mu.Lock()
	k.zaps = append(k.zaps, fakeRange{addr, size, false})
	k.mu.Unlock()

	return nil
}

func (k *fakeKernel) Young(addr uintptr) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.youngPages[addr], nil
}

func (k *fakeKernel) setYoung(addr uintptr, young bool) {
	k.mu.Lock()
	k.youngPages[addr] = young
	k.mu.Unlock()
}

func (k *fakeKernel) Unregister(addr uintptr, size int64) error { return nil }

func (k *fakeKernel) Close() error { return nil }

// ReadFault pops a fault pushed onto the fake's fault channel by a test via
// pushFault, or reports ok=false when none is queued, matching the real
// ReadFault's non-blocking contract.
func (k *fakeKernel) ReadFault() (uintptr, AccessKind, bool, error) {
	select {
	case f := <-k.faults:
		return f.addr, f.access, true, nil
	default:
		return 0, 0, false, nil
	}
}

func (k *fakeKernel) pushFault(addr uintptr, access AccessKind) {
	k.faults <- fakeFault{addr: addr, access: access}
}

func (k *fakeKernel) writeProtectCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	return len(k.writeProtects)
}

func (k *fakeKernel) zapCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	return len(k.zaps)
}

var _ FaultKernel = (*fakeKernel)(nil)
