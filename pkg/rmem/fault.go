package rmem

import (
	"time"

	"github.com/e2b-dev/infra/packages/rmem/pkg/rmem/scheduler"
)

// AccessKind is the kind of access that triggered a fault.
type AccessKind int

const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessWriteProtect
)

func (a AccessKind) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessWriteProtect:
		return "wrprotect"
	default:
		return "unknown"
	}
}

// Origin distinguishes a fault the kernel delivered through userfaultfd
// from one the runtime generated itself (e.g. a pre-fault for read-ahead).
type Origin int

const (
	OriginKernel Origin = iota
	OriginRuntime
)

// Fault is a single outstanding page fault. It carries everything the
// state machine, the backend and the eviction engine need to hand the
// fault around without further lookups: the page it's for, why it
// happened, where to park the caller, and scratch space for the backend
// round trip.
type Fault struct {
	Addr   uintptr
	Access AccessKind
	Origin Origin

	Region *Region

	// RdaheadMax bounds how many extra pages may be fetched alongside
	// this one; always 0 for kernel-origin faults.
	RdaheadMax int64

	Waiter *scheduler.Waiter

	// Scratch is the backend round-trip buffer; reused across the
	// fault's lifetime to avoid a second allocation on retry.
	Scratch []byte

	Channel int

	WaitStart time.Time

	// StolenFromCQ is set once another handler thread has picked this
	// fault's completion off of a stuck thread's queue. Nothing reads it
	// back: the steal also removes the fault from the owner's pending
	// reads, which is what keeps the owner from completing it twice.
	StolenFromCQ bool

	// lockOwner is set for the single handler goroutine that currently
	// holds this page's WorkOngoing bit through this fault object.
	lockOwner bool

	next *Fault
}

func (f *Fault) String() string {
	kind := "r"
	if f.Access == AccessWrite {
		kind = "w"
	} else if f.Access == AccessWriteProtect {
		kind = "wp"
	}

	origin := "user"
	if f.Origin == OriginKernel {
		origin = "kern"
	}

	return "F[" + origin + ":" + kind + ":" + addrString(f.Addr) + "]"
}

func addrString(addr uintptr) string {
	const hex = "0123456789abcdef"

	if addr == 0 {
		return "0"
	}

	var buf [2 * 8]byte
	i := len(buf)

	for addr > 0 {
		i--
		buf[i] = hex[addr&0xf]
		addr >>= 4
	}

	return string(buf[i:])
}

// magazine is a per-handler free list of Fault objects. Unlike sync.Pool,
// which permits another P to steal from it, a magazine is only ever
// touched by the handler goroutine that owns it — this matches the
// "per-thread cache, no cross-thread access" invariant literally instead
// of relying on sync.Pool's looser guarantee.
type magazine struct {
	free []*Fault
}

func newMagazine() *magazine {
	return &magazine{free: make([]*Fault, 0, FaultTcacheMagSize)}
}

// Alloc returns a Fault from the free list, or a freshly allocated one if
// the list is empty.
func (m *magazine) Alloc() *Fault {
	if n := len(m.free); n > 0 {
		f := m.free[n-1]
		m.free[n-1] = nil
		m.free = m.free[:n-1]

		return f
	}

	return &Fault{}
}

// Release returns f to the free list once the caller is done with it,
// capped at FaultTcacheMagSize so a burst of faults doesn't grow the
// magazine without bound.
func (m *magazine) Release(f *Fault) {
	*f = Fault{}

	if len(m.free) >= FaultTcacheMagSize {
		return
	}

	m.free = append(m.free, f)
}

// waitQueue is an intrusive FIFO of faults parked because their page was
// held by another actor (Handle returned InProgress), singly linked
// through Fault.next. Faults waiting on a backend read are kept in the
// handler's pending reads instead.
type waitQueue struct {
	head, tail *Fault
	len        int
}

func (q *waitQueue) PushBack(f *Fault) {
	f.next = nil

	if q.tail == nil {
		q.head, q.tail = f, f
	} else {
		q.tail.next = f
		q.tail = f
	}

	q.len++
}

func (q *waitQueue) PopFront() *Fault {
	if q.head == nil {
		return nil
	}

	f := q.head
	q.head = f.next
	f.next = nil

	if q.head == nil {
		q.tail = nil
	}

	q.len--

	return f
}

func (q *waitQueue) Len() int {
	return q.len
}
