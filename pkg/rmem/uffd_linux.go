//go:build linux

package rmem

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/e2b-dev/infra/packages/rmem/pkg/rmemstats"
)

// sysUserfaultfd is __NR_userfaultfd on x86-64; other architectures number
// it differently, and this constant does not cover them. x/sys/unix does
// not expose a wrapper for it directly so the raw syscall number is used,
// the same approach the retrieval pack's userfaultfd reference code takes.
const sysUserfaultfd = 323

// ioctl direction/field layout, mirroring linux/ioctl.h's _IOC macro.
const (
	iocNRBits    = 8
	iocTypeBits  = 8
	iocSizeBits  = 14
	iocDirBits   = 2
	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocWrite = 1
	iocRead  = 2

	uffdIOCType = 0xAA
)

func ioc(dir, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (uffdIOCType << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

type uffdioAPI struct {
	API      uint64
	Features uint64
	IoctlsBM uint64
}

type uffdioRange struct {
	Start uint64
	Len   uint64
}

type uffdioRegister struct {
	Range      uffdioRange
	Mode       uint64
	IoctlsBM   uint64
}

type uffdioCopy struct {
	Dst  uint64
	Src  uint64
	Len  uint64
	Mode uint64
	Copy int64
}

type uffdioZeropage struct {
	Range     uffdioRange
	Mode      uint64
	Zeropage  int64
}

type uffdioWriteprotect struct {
	Range uffdioRange
	Mode  uint64
}

type uffdMsg struct {
	Event     uint8
	Reserved1 uint8
	Reserved2 uint16
	Reserved3 uint32
	Arg       [24]byte
}

var (
	uffdioAPIIoctl          = ioc(iocRead|iocWrite, 0x3F, unsafe.Sizeof(uffdioAPI{}))
	uffdioRegisterIoctl     = ioc(iocRead|iocWrite, 0x00, unsafe.Sizeof(uffdioRegister{}))
	uffdioUnregisterIoctl   = ioc(iocRead, 0x01, unsafe.Sizeof(uffdioRange{}))
	uffdioWakeIoctl         = ioc(iocRead, 0x02, unsafe.Sizeof(uffdioRange{}))
	uffdioCopyIoctl         = ioc(iocRead|iocWrite, 0x03, unsafe.Sizeof(uffdioCopy{}))
	uffdioZeropageIoctl     = ioc(iocRead|iocWrite, 0x04, unsafe.Sizeof(uffdioZeropage{}))
	uffdioWriteprotectIoctl = ioc(iocRead|iocWrite, 0x06, unsafe.Sizeof(uffdioWriteprotect{}))
)

const (
	uffdRegisterModeMissing = 1 << 0
	uffdRegisterModeWP      = 1 << 1

	uffdCopyModeDontWake = 1 << 0
	uffdCopyModeWP       = 1 << 1

	uffdWriteprotectModeWP       = 1 << 0
	uffdWriteprotectModeDontWake = 1 << 1

	uffdEventPagefault = 0x12

	uffdPagefaultFlagWrite = 1 << 0
	uffdPagefaultFlagWP    = 1 << 1
)

// KernelFaultSource is a userfaultfd(2) instance registered over one
// region's virtual range. Reading it never blocks: ReadFault reports
// ok=false when no fault is currently queued, so the handler's main loop
// can poll it alongside its wait queue and completion queues without a
// dedicated blocking thread.
type KernelFaultSource struct {
	fd       int
	base     uintptr
	size     int64
	writable bool
	closed   atomic.Bool
	stats    *rmemstats.Counters
}

// NewKernelFaultSource opens a userfaultfd and registers [base, base+size)
// with it for missing-page (and, if writable, write-protect) faults.
func NewKernelFaultSource(base uintptr, size int64, writable bool) (*KernelFaultSource, error) {
	fd, _, errno := unix.Syscall(sysUserfaultfd, uintptr(unix.O_CLOEXEC|unix.O_NONBLOCK), 0, 0)
	if errno != 0 {
		return nil, wrapErr(KindInitFailure, "userfaultfd", errno)
	}

	api := uffdioAPI{API: 0xAA}
	if err := ioctlPtr(int(fd), uffdioAPIIoctl, unsafe.Pointer(&api), nil); err != nil {
		unix.Close(int(fd))
		return nil, wrapErr(KindInitFailure, "UFFDIO_API", err)
	}

	mode := uint64(uffdRegisterModeMissing)
	if writable {
		mode |= uffdRegisterModeWP
	}

	reg := uffdioRegister{
		Range: uffdioRange{Start: uint64(base), Len: uint64(size)},
		Mode:  mode,
	}

	if err := ioctlPtr(int(fd), uffdioRegisterIoctl, unsafe.Pointer(&reg), nil); err != nil {
		unix.Close(int(fd))
		return nil, wrapErr(KindInitFailure, "UFFDIO_REGISTER", err)
	}

	return &KernelFaultSource{fd: int(fd), base: base, size: size, writable: writable}, nil
}

// SetStats attaches a counters sink so retried ioctls (EINTR, e.g. a signal
// landing on the handler thread mid-syscall) show up in the engine's
// sampled stats instead of silently looping. Safe to call once right after
// construction, before the source is handed to a handler.
func (k *KernelFaultSource) SetStats(stats *rmemstats.Counters) {
	k.stats = stats
}

// ioctlPtr issues one ioctl, retrying on EINTR (a signal delivered to the
// handler thread mid-syscall is routine under a multi-threaded runtime,
// not a failure) and recording each retry against stats when non-nil.
func ioctlPtr(fd int, req uintptr, arg unsafe.Pointer, stats *rmemstats.Counters) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		if errno == 0 {
			return nil
		}

		if errno != unix.EINTR {
			return errno
		}

		if stats != nil {
			stats.Add(rmemstats.CounterUffdRetries, 1)
		}
	}
}

// ReadFault performs one non-blocking read of the uffd, returning the next
// queued fault if any. ok is false (with a nil error) when nothing is
// currently queued — the expected, frequent case in the handler's poll
// loop, not an error.
func (k *KernelFaultSource) ReadFault() (addr uintptr, access AccessKind, ok bool, err error) {
	var msg uffdMsg

	buf := (*[unsafe.Sizeof(uffdMsg{})]byte)(unsafe.Pointer(&msg))[:]

	n, rerr := unix.Read(k.fd, buf)
	if rerr != nil {
		if rerr == unix.EAGAIN {
			return 0, 0, false, nil
		}

		return 0, 0, false, wrapErr(KindTransientKernel, "read uffd", rerr)
	}

	if n != len(buf) || msg.Event != uffdEventPagefault {
		return 0, 0, false, nil
	}

	flags := binary.LittleEndian.Uint64(msg.Arg[0:8])
	address := binary.LittleEndian.Uint64(msg.Arg[8:16])

	access = AccessRead
	if flags&uffdPagefaultFlagWP != 0 {
		access = AccessWriteProtect
	} else if flags&uffdPagefaultFlagWrite != 0 {
		access = AccessWrite
	}

	return uintptr(address), access, true, nil
}

// CopyPage installs src as the contents of the page at addr, waking any
// thread blocked on that fault unless dontWake is set (used when the
// caller still has more housekeeping to do before the faulter should see
// the page).
func (k *KernelFaultSource) CopyPage(addr uintptr, src []byte, wp, dontWake bool) error {
	mode := uint64(0)
	if wp {
		mode |= uffdCopyModeWP
	}

	if dontWake {
		mode |= uffdCopyModeDontWake
	}

	copyReq := uffdioCopy{
		Dst:  uint64(addr),
		Src:  uint64(uintptr(unsafe.Pointer(&src[0]))),
		Len:  uint64(len(src)),
		Mode: mode,
	}

	if err := ioctlPtr(k.fd, uffdioCopyIoctl, unsafe.Pointer(&copyReq), k.stats); err != nil {
		return wrapErr(KindTransientKernel, "UFFDIO_COPY", err)
	}

	return nil
}

// ZeroPage installs a zero-filled page at addr without reading any bytes
// from userspace. The state machine's first-touch path does not call it;
// it installs a zero buffer through CopyPage instead.
func (k *KernelFaultSource) ZeroPage(addr uintptr, size int64) error {
	req := uffdioZeropage{Range: uffdioRange{Start: uint64(addr), Len: uint64(size)}}

	if err := ioctlPtr(k.fd, uffdioZeropageIoctl, unsafe.Pointer(&req), k.stats); err != nil {
		return wrapErr(KindTransientKernel, "UFFDIO_ZEROPAGE", err)
	}

	return nil
}

// WriteProtect sets or clears the write-protect bit over [addr, addr+size).
func (k *KernelFaultSource) WriteProtect(addr uintptr, size int64, enable bool) error {
	mode := uint64(0)
	if enable {
		mode = uffdWriteprotectModeWP
	}

	req := uffdioWriteprotect{Range: uffdioRange{Start: uint64(addr), Len: uint64(size)}, Mode: mode}

	if err := ioctlPtr(k.fd, uffdioWriteprotectIoctl, unsafe.Pointer(&req), k.stats); err != nil {
		return wrapErr(KindTransientKernel, "UFFDIO_WRITEPROTECT", err)
	}

	return nil
}

// Wake releases any thread parked on a fault in [addr, addr+size) without
// installing a page, used after a write-protect upgrade has already been
// handled via a completion rather than a fresh copy.
func (k *KernelFaultSource) Wake(addr uintptr, size int64) error {
	req := uffdioRange{Start: uint64(addr), Len: uint64(size)}

	if err := ioctlPtr(k.fd, uffdioWakeIoctl, unsafe.Pointer(&req), k.stats); err != nil {
		return wrapErr(KindTransientKernel, "UFFDIO_WAKE", err)
	}

	return nil
}

// Zap drops the local mapping for [addr, addr+size), returning the frame
// to the kernel and making the range missing again for future faults.
func (k *KernelFaultSource) Zap(addr uintptr, size int64) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))

	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return wrapErr(KindTransientKernel, "madvise(MADV_DONTNEED)", err)
	}

	return nil
}

// Young reports whether the page at addr has been accessed since the last
// call, using the kernel's idle-page tracking (/sys/kernel/mm/page_idle)
// the same way a remote-memory LRU policy would: first read the page's
// PFN out of /proc/self/pagemap, then check and reset its idle bit.
func (k *KernelFaultSource) Young(addr uintptr) (bool, error) {
	pfn, err := pagemapPFN(addr)
	if err != nil {
		return false, wrapErr(KindTransientKernel, "read pagemap", err)
	}

	idle, err := pageIdleBitSet(pfn)
	if err != nil {
		return false, wrapErr(KindTransientKernel, "read page_idle", err)
	}

	if !idle {
		// Page was touched since we last marked it idle: young.
		_ = setPageIdle(pfn)
		return true, nil
	}

	return false, nil
}

// Unregister removes [addr, addr+size) from this uffd's watched ranges,
// used when a region is torn down.
func (k *KernelFaultSource) Unregister(addr uintptr, size int64) error {
	req := uffdioRange{Start: uint64(addr), Len: uint64(size)}

	if err := ioctlPtr(k.fd, uffdioUnregisterIoctl, unsafe.Pointer(&req), k.stats); err != nil {
		return wrapErr(KindTransientKernel, "UFFDIO_UNREGISTER", err)
	}

	return nil
}

// Close closes the underlying uffd file descriptor.
func (k *KernelFaultSource) Close() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}

	if err := unix.Close(k.fd); err != nil {
		return fmt.Errorf("close uffd: %w", err)
	}

	return nil
}
