package rmem

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/e2b-dev/infra/packages/rmem/pkg/block"
	"github.com/e2b-dev/infra/packages/rmem/pkg/rmem/readahead"
	"github.com/e2b-dev/infra/packages/rmem/pkg/rmemstats"
)

// regionDevice adapts a Region's live page-flag array to the
// block.Device shape readahead.Batch needs to decide which pages in a
// prefetch range are already resident and to install the ones that
// aren't. Unlike cache.FrameArena, there is no separate backing file:
// "writing" a page here means installing it into the managed mapping
// through the kernel fault API and flipping PRESENT, the same as a
// kernel-fault read completion would.
type regionDevice struct {
	region  *Region
	kernel  KernelPageInstaller
	budget  *MemoryBudget
	ownerID uint16
}

func (d *regionDevice) pageIndex(off int64) int64 { return off / PageSize }

// IsMarked reports a page as already resident (PRESENT) or currently
// owned by another actor (WORK_ONGOING), either of which means the
// read-ahead batch should leave it alone rather than race a fault or
// eviction already in flight for it.
func (d *regionDevice) IsMarked(off, length int64) bool {
	for o := off; o < off+length; o += PageSize {
		idx := d.pageIndex(o)
		if idx < 0 || idx >= d.region.PageCount() {
			return true
		}

		cur, _ := d.region.PageByIndex(idx).Load()
		if cur&(FlagPresent|FlagWorkOngoing) == 0 {
			return false
		}
	}

	return true
}

// WriteAt installs one fetched page's bytes into the managed mapping and
// marks it PRESENT|REGISTERED, mirroring the fault state machine's own
// read-completion path. It claims the page's WORK_ONGOING bit itself
// rather than assuming the caller already holds it — a prefetch losing
// the race to a concurrent fault is not an error, just a no-op for that
// page, since the fault will have installed it anyway.
func (d *regionDevice) WriteAt(b []byte, off int64) (int, error) {
	idx := d.pageIndex(off)
	if idx < 0 || idx >= d.region.PageCount() {
		return 0, fmt.Errorf("prefetch write at %d: out of range", off)
	}

	addr := d.region.PageAddr(idx)
	page := d.region.PageByIndex(idx)

	if !page.TryAcquire(FlagWorkOngoing, d.ownerID) {
		return 0, nil
	}
	defer page.Release(FlagWorkOngoing)

	cur, _ := page.Load()
	if cur&FlagPresent != 0 {
		return len(b), nil
	}

	if !d.budget.TryReserve(1) {
		return 0, fmt.Errorf("prefetch write at %d: %w", off, ErrCapacityExhausted)
	}

	if err := d.kernel.CopyPage(addr, b, true, false); err != nil {
		d.budget.Release(1)
		return 0, fmt.Errorf("prefetch install page %d: %w", idx, err)
	}

	page.Set(FlagPresent | FlagRegistered)

	return len(b), nil
}

func (d *regionDevice) ReadAt(b []byte, off int64) (int, error) {
	idx := d.pageIndex(off)
	if idx < 0 || idx >= d.region.PageCount() {
		return 0, fmt.Errorf("prefetch read at %d: out of range", off)
	}

	cur, _ := d.region.PageByIndex(idx).Load()
	if cur&FlagPresent == 0 {
		return 0, block.ErrBytesNotAvailable{}
	}

	addr := d.region.PageAddr(idx)

	return copy(b, readPageBytes(addr)), nil
}

func (d *regionDevice) ReadRaw(off, length int64) ([]byte, func(), error) {
	idx := d.pageIndex(off)

	cur, _ := d.region.PageByIndex(idx).Load()
	if cur&FlagPresent == 0 {
		return nil, nil, block.ErrBytesNotAvailable{}
	}

	addr := d.region.PageAddr(idx)

	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length), func() {}, nil
}

func (d *regionDevice) Sync() error          { return nil }
func (d *regionDevice) Size() (int64, error) { return d.region.Size(), nil }
func (d *regionDevice) BlockSize() int64     { return PageSize }

// backendFetcher turns a Backend's async post-then-poll contract into the
// synchronous per-page readahead.Fetcher call a Batch needs, by owning a
// channel exclusively for the duration of one Prefetch call and blocking
// on PollCompletions until the matching read comes back.
type backendFetcher struct {
	backend Backend
	region  *Region
	channel int

	// mu serializes FetchPage calls: they share one channel, and each poll
	// drains the completions of every page posted on it.
	mu sync.Mutex
}

func (f *backendFetcher) FetchPage(ctx context.Context, pageIdx int64, dst []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.backend.PostRead(ctx, f.channel, f.region, pageIdx, dst); err != nil {
		return fmt.Errorf("prefetch post read page %d: %w", pageIdx, err)
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("prefetch page %d: %w", pageIdx, ctx.Err())
		default:
		}

		comps, err := f.backend.PollCompletions(f.channel, MaxCompPerOp)
		if err != nil {
			return fmt.Errorf("prefetch poll page %d: %w", pageIdx, err)
		}

		for _, c := range comps {
			if c.Op != OpRead || c.PageIdx != pageIdx {
				continue
			}

			if c.Err != nil {
				return fmt.Errorf("prefetch page %d: %w", pageIdx, c.Err)
			}

			return nil
		}

		time.Sleep(10 * time.Microsecond)
	}
}

// Prefetch eagerly installs up to readahead.MaxPages pages starting at
// addr, for a caller (e.g. a bulk-copy hint from the allocation shim)
// that knows it's about to touch a contiguous range and would rather pay
// one bounded-concurrency round trip than one kernel fault per page.
// Pages already resident or contended by a concurrent fault/eviction are
// skipped, not retried — Prefetch is an optimization hint, never a
// correctness requirement; any page it skips still resolves normally
// through the ordinary fault path the first time it's touched.
func (e *Engine) Prefetch(ctx context.Context, addr uintptr, pages int64) (int, error) {
	region := LookupByAddr(addr)
	if region == nil {
		return 0, fmt.Errorf("prefetch: %w", ErrRegionFull)
	}
	defer region.PutRef()

	channel, err := acquireChannel(e.cfg.Backend)
	if err != nil {
		return 0, wrapErr(KindInitFailure, "prefetch: acquire channel", err)
	}
	defer func() {
		if ca, ok := e.cfg.Backend.(channelReleaser); ok {
			ca.ReleaseChannel(channel)
		}
	}()

	device := &regionDevice{region: region, kernel: e.kernel, budget: e.budget, ownerID: prefetchOwnerID}
	fetcher := &backendFetcher{backend: e.cfg.Backend, region: region, channel: channel}
	batch := readahead.NewBatch(PageSize, device)

	firstPage := int64(addr-region.Addr()) / PageSize
	count := readahead.Bound(pages)

	before := e.budget.Used()

	e.stats.Add(rmemstats.CounterReadaheadOps, 1)

	if err := batch.Ensure(ctx, fetcher, firstPage, count); err != nil {
		return 0, fmt.Errorf("prefetch: %w", err)
	}

	installed := e.budget.Used() - before
	e.stats.Add(rmemstats.CounterReadaheadPages, uint64(installed))

	return int(installed), nil
}

// prefetchOwnerID tags pages a Prefetch call installs, distinct from any
// real handler id (handlers are numbered starting at 1 in Engine.Mmap),
// so a stuck prefetch is identifiable in the same way a stuck handler
// would be.
const prefetchOwnerID uint16 = 0xffff
