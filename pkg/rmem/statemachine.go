package rmem

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/e2b-dev/infra/packages/rmem/pkg/rmemstats"
)

// Status is the outcome of a single handle(fault) call.
type Status int

const (
	// Done means the fault is fully resolved; the caller releases the
	// descriptor back to its magazine.
	Done Status = iota
	// ReadPosted means a backend read is in flight; the descriptor is
	// now owned by the backend until its completion fires.
	ReadPosted
	// InProgress means another actor holds the page lock; the caller
	// must park the fault on the wait queue and retry later.
	InProgress
)

func (s Status) String() string {
	switch s {
	case Done:
		return "done"
	case ReadPosted:
		return "read_posted"
	case InProgress:
		return "in_progress"
	default:
		return "unknown"
	}
}

// KernelPageInstaller is the subset of the kernel fault source the state
// machine needs to install pages and toggle write-protection. Handler
// holds a FaultKernel, which is a superset of this interface; tests
// substitute a fake.
type KernelPageInstaller interface {
	CopyPage(addr uintptr, src []byte, wp, dontWake bool) error
	ZeroPage(addr uintptr, size int64) error
	WriteProtect(addr uintptr, size int64, enable bool) error
	Wake(addr uintptr, size int64) error
}

// StateMachine runs the per-page fault resolution algorithm against a
// single backend channel. One StateMachine is owned by one handler
// thread; it is not safe for concurrent use by multiple goroutines.
type StateMachine struct {
	kernel  KernelPageInstaller
	backend Backend
	ownerID uint16
	channel int

	zeroPage []byte

	stats *rmemstats.Counters
}

// NewStateMachine builds a StateMachine for one handler thread's channel.
// ownerID is stamped on every page this thread acquires WorkOngoing for,
// so other threads (and the stealing protocol) can identify the holder.
func NewStateMachine(kernel KernelPageInstaller, backend Backend, ownerID uint16, channel int, stats *rmemstats.Counters) *StateMachine {
	if stats == nil {
		stats = &rmemstats.Counters{}
	}

	return &StateMachine{
		kernel:   kernel,
		backend:  backend,
		ownerID:  ownerID,
		channel:  channel,
		zeroPage: make([]byte, PageSize),
		stats:    stats,
	}
}

// Handle runs the fault resolution algorithm for one fault, possibly
// installing a page, posting a backend read, or reporting contention.
// The int result is the eviction demand: 1 when Handle could not install
// a page because the memory budget has no headroom (the status is then
// InProgress), and 0 otherwise.
func (sm *StateMachine) Handle(ctx context.Context, f *Fault, budget *MemoryBudget) (Status, int, error) {
	page := f.Region.PageAt(f.Addr)

	cur, owner := page.Load()
	if cur&FlagWorkOngoing != 0 && owner != sm.ownerID {
		return InProgress, 0, nil
	}

	if !f.lockOwner {
		if !page.TryAcquire(FlagWorkOngoing, sm.ownerID) {
			return InProgress, 0, nil
		}

		f.lockOwner = true
	}

	// Write-protect fault on an already-present, clean page: this is a
	// dirty-upgrade, not a missing-page fault.
	if f.Access == AccessWriteProtect && cur&FlagPresent != 0 && cur&FlagDirty == 0 {
		return sm.upgradeToDirty(f, page)
	}

	if f.Access != AccessWriteProtect && cur&FlagPresent == 0 {
		firstTouch := cur&FlagRegistered == 0

		if !budget.TryReserve(1) {
			page.Release(FlagWorkOngoing)
			f.lockOwner = false

			return InProgress, 1, nil
		}

		if firstTouch || (f.Access == AccessWrite && cur&FlagZeropage != 0) {
			return sm.installZeroPage(f, page, budget)
		}

		return sm.postRead(ctx, f, page, budget)
	}

	if f.Access == AccessWrite && cur&FlagPresent != 0 && cur&FlagDirty == 0 {
		return sm.upgradeToDirty(f, page)
	}

	if cur&FlagPresent != 0 {
		page.Release(FlagWorkOngoing)
		f.lockOwner = false

		sm.stats.Add(rmemstats.CounterFaultsDone, 1)

		return Done, 0, nil
	}

	if cur&FlagEvictOngoing != 0 {
		return InProgress, 0, nil
	}

	page.Release(FlagWorkOngoing)
	f.lockOwner = false

	return Done, 0, fmt.Errorf("handle fault %s: unreachable state, flags=%x", f, cur)
}

func (sm *StateMachine) upgradeToDirty(f *Fault, page *PageState) (Status, int, error) {
	page.Set(FlagDirty)
	sm.stats.Add(rmemstats.CounterWPUpgrades, 1)

	if err := sm.kernel.WriteProtect(f.Region.PageAddr(pageIndexOf(f)), PageSize, false); err != nil {
		page.Release(FlagWorkOngoing)
		f.lockOwner = false

		return Done, 0, fmt.Errorf("upgrade to dirty %s: %w", f, err)
	}

	page.Release(FlagWorkOngoing)
	f.lockOwner = false

	if err := sm.kernel.Wake(f.Addr, PageSize); err != nil {
		return Done, 0, fmt.Errorf("upgrade to dirty %s: wake: %w", f, err)
	}

	sm.stats.Add(rmemstats.CounterFaultsDone, 1)

	return Done, 0, nil
}

func (sm *StateMachine) installZeroPage(f *Fault, page *PageState, budget *MemoryBudget) (Status, int, error) {
	wp := f.Access != AccessWrite

	if err := sm.kernel.CopyPage(f.Addr, sm.zeroPage, wp, false); err != nil {
		budget.Release(1)
		page.Release(FlagWorkOngoing)
		f.lockOwner = false

		return Done, 0, fmt.Errorf("install zero page %s: %w", f, err)
	}

	set := FlagPresent | FlagRegistered | FlagZeropage
	if f.Access == AccessWrite {
		set |= FlagDirty
	}

	page.Set(set)
	page.Release(FlagWorkOngoing)
	f.lockOwner = false

	sm.stats.Add(rmemstats.CounterFaultsZeropage, 1)
	sm.stats.Add(rmemstats.CounterFaultsDone, 1)

	return Done, 0, nil
}

func (sm *StateMachine) postRead(ctx context.Context, f *Fault, page *PageState, budget *MemoryBudget) (Status, int, error) {
	page.Set(FlagReadOngoing)

	if f.Scratch == nil {
		f.Scratch = make([]byte, PageSize)
	}

	f.Channel = sm.channel

	pageIdx := pageIndexOf(f)

	if err := sm.backend.PostRead(ctx, sm.channel, f.Region, pageIdx, f.Scratch); err != nil {
		budget.Release(1)
		page.Clear(FlagReadOngoing)
		page.Release(FlagWorkOngoing)
		f.lockOwner = false

		return Done, 0, fmt.Errorf("post read %s: %w", f, err)
	}

	return ReadPosted, 0, nil
}

// ReadCompletion finishes a fault whose backend read has come back,
// installing the fetched bytes into the page via the kernel fault API and
// releasing the page lock. Called by the handler thread that posted the
// read; see completePageRead for the stealing-path equivalent, used by a
// different thread finishing a read on this one's behalf.
func (sm *StateMachine) ReadCompletion(f *Fault) error {
	page := f.Region.PageAt(f.Addr)

	if _, owner := page.Load(); owner != sm.ownerID {
		return fmt.Errorf("read completion %s: not owned by this handler", f)
	}

	return completePageRead(sm.kernel, page, f, sm.stats)
}

// completePageRead is the shared core of a read completion: verify
// READ_ONGOING, install the fetched bytes, flip PRESENT/DIRTY, release
// WORK_ONGOING, and wake the parked caller. Both the owning handler and a
// stealing handler finishing the read on its behalf go through this.
func completePageRead(kernel KernelPageInstaller, page *PageState, f *Fault, stats *rmemstats.Counters) error {
	cur, _ := page.Load()
	if cur&FlagReadOngoing == 0 {
		return fmt.Errorf("read completion %s: not read-ongoing", f)
	}

	wp := f.Access == AccessRead

	if err := kernel.CopyPage(f.Addr, f.Scratch, wp, false); err != nil {
		return fmt.Errorf("read completion %s: install page: %w", f, err)
	}

	set := FlagPresent
	if f.Access == AccessWrite {
		set |= FlagDirty
	}

	page.Set(set)
	page.Clear(FlagReadOngoing)
	page.Release(FlagWorkOngoing)
	f.lockOwner = false

	if f.Waiter != nil {
		f.Waiter.Ready()
	}

	if stats != nil {
		stats.Add(rmemstats.CounterNetRead, 1)
		stats.Add(rmemstats.CounterFaultsDone, 1)
	}

	return nil
}

func pageIndexOf(f *Fault) int64 {
	return int64(f.Addr-f.Region.Addr()) / PageSize
}

// MemoryBudget tracks how many of local_memory's pages are currently in
// use, gating new installs so memory_used never exceeds local_memory. It
// is shared by every handler thread in the process, so all mutation goes
// through atomic CAS rather than a per-thread counter.
type MemoryBudget struct {
	used  atomic.Int64
	limit int64
}

// NewMemoryBudget builds a budget capped at limitBytes.
func NewMemoryBudget(limitBytes int64) *MemoryBudget {
	return &MemoryBudget{limit: limitBytes / PageSize}
}

// TryReserve attempts to account n additional pages against the budget.
func (b *MemoryBudget) TryReserve(n int64) bool {
	for {
		cur := b.used.Load()
		next := cur + n

		if next > b.limit {
			return false
		}

		if b.used.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// Release returns n pages to the budget.
func (b *MemoryBudget) Release(n int64) {
	b.used.Add(-n)
}

// Used returns the number of pages currently accounted for.
func (b *MemoryBudget) Used() int64 { return b.used.Load() }

// Pressure returns the fraction of the budget currently in use.
func (b *MemoryBudget) Pressure() float64 {
	if b.limit == 0 {
		return 0
	}

	return float64(b.used.Load()) / float64(b.limit)
}
