package rmem

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/e2b-dev/infra/packages/rmem/pkg/rmemstats"
)

// EvictionKernel is the subset of kernel operations the evictor needs:
// quiescing mutators with write-protect, dropping the local mapping, and
// (for the LRU policy) reading the kernel's per-page access bit.
type EvictionKernel interface {
	WriteProtect(addr uintptr, size int64, enable bool) error
	Zap(addr uintptr, size int64) error
	Young(addr uintptr) (bool, error)
	Wake(addr uintptr, size int64) error
}

// Evictor drives one handler thread's share of the eviction engine: scan,
// claim a batch, quiesce it, write back dirty pages, and drop the local
// mapping. It is not safe for concurrent use by more than one goroutine —
// each handler thread owns its own Evictor against a shared MemoryBudget.
type Evictor struct {
	kernel  EvictionKernel
	backend Backend
	budget  *MemoryBudget
	policy  ReplacementPolicy
	channel int
	ownerID uint16

	stats *rmemstats.Counters
}

// NewEvictor builds an Evictor posting writes on channel and stamping
// ownerID on every page it claims.
func NewEvictor(kernel EvictionKernel, backend Backend, budget *MemoryBudget, policy ReplacementPolicy, channel int, ownerID uint16, stats *rmemstats.Counters) *Evictor {
	if stats == nil {
		stats = &rmemstats.Counters{}
	}

	return &Evictor{
		kernel:  kernel,
		backend: backend,
		policy:  policy,
		budget:  budget,
		channel: channel,
		ownerID: ownerID,
		stats:   stats,
	}
}

// EvictBatch claims and commits up to maxBatch pages from the next
// evictable region, returning the number of pages actually evicted.
func (e *Evictor) EvictBatch(ctx context.Context, maxBatch int) (int, error) {
	if maxBatch <= 0 || maxBatch > EvictionMaxBatchSize {
		maxBatch = EvictionMaxBatchSize
	}

	region := NextEvictable()
	if region == nil {
		return 0, nil
	}
	defer region.PutRef()

	batch := e.scanBatch(region, maxBatch)
	if len(batch) == 0 {
		return 0, nil
	}

	e.stats.Add(rmemstats.CounterEvicts, 1)

	return e.commitBatch(ctx, region, batch)
}

// scanBatch walks the region's flag array starting at its saved cursor,
// claiming up to maxBatch eligible pages and advancing the cursor past
// whatever it looked at (eligible or not) so the next sweep continues.
func (e *Evictor) scanBatch(region *Region, maxBatch int) []int64 {
	pages := region.PageCount()
	if pages == 0 {
		return nil
	}

	start := int64(region.EvictCursor() / PageSize)

	batch := make([]int64, 0, maxBatch)
	bumps := 0

	idx := start
	for bumps < EvictionMaxBumpsPerOp && int64(bumps) < pages && len(batch) < maxBatch {
		pageIdx := idx
		page := region.PageByIndex(pageIdx)
		cur, _ := page.Load()

		bumps++
		idx = (idx + 1) % pages

		if cur&FlagPresent == 0 || cur&FlagNoEvict != 0 {
			continue
		}

		if !e.eligible(region, pageIdx, cur, page) {
			continue
		}

		if !page.TryAcquire(FlagWorkOngoing|FlagEvictOngoing, e.ownerID) {
			e.stats.Add(rmemstats.CounterEvictRetries, 1)
			continue
		}

		batch = append(batch, pageIdx)
	}

	region.AdvanceEvictCursor(uint64(idx) * PageSize)

	return batch
}

func (e *Evictor) eligible(region *Region, idx int64, cur Flag, page *PageState) bool {
	switch e.policy {
	case ReplacementSecondChance:
		if cur&FlagHotMarker != 0 {
			page.Clear(FlagHotMarker)
			return false
		}

		return true

	case ReplacementLRU:
		young, err := e.kernel.Young(region.PageAddr(idx))
		if err != nil {
			return true
		}

		return !young

	default:
		return true
	}
}

// commitBatch quiesces, writes back, and drops the mapping for every page
// in batch, per the invariant that eviction never loses a dirty write.
func (e *Evictor) commitBatch(ctx context.Context, region *Region, batch []int64) (int, error) {
	for _, idx := range batch {
		if err := e.kernel.WriteProtect(region.PageAddr(idx), PageSize, true); err != nil {
			return 0, fmt.Errorf("evict batch: write-protect page %d: %w", idx, err)
		}
	}

	var dirty []int64

	for _, idx := range batch {
		page := region.PageByIndex(idx)
		if page.Clear(FlagDirty)&FlagDirty != 0 {
			dirty = append(dirty, idx)
		}
	}

	for _, idx := range dirty {
		if err := e.writeBack(ctx, region, idx); err != nil {
			return 0, fmt.Errorf("evict batch: write back page %d: %w", idx, err)
		}
	}

	evicted := 0

	for _, idx := range batch {
		page := region.PageByIndex(idx)

		cur, _ := page.Load()
		if cur&FlagNoEvict != 0 {
			// Pinned mid-batch: release untouched, still resident.
			page.Release(FlagWorkOngoing | FlagEvictOngoing)
			continue
		}

		if err := e.kernel.Zap(region.PageAddr(idx), PageSize); err != nil {
			return evicted, fmt.Errorf("evict batch: zap page %d: %w", idx, err)
		}

		page.Release(FlagPresent | FlagWorkOngoing | FlagEvictOngoing | FlagZeropage)

		if err := e.kernel.Wake(region.PageAddr(idx), PageSize); err != nil {
			return evicted, fmt.Errorf("evict batch: wake page %d: %w", idx, err)
		}

		e.budget.Release(1)
		evicted++
	}

	e.stats.Add(rmemstats.CounterEvictPages, uint64(evicted))

	return evicted, nil
}

// writeBack posts the page's current contents to the backend and waits,
// synchronously from this goroutine's point of view, for the matching
// completion — retrying once if the page was concurrently re-dirtied
// between the post and the completion.
func (e *Evictor) writeBack(ctx context.Context, region *Region, idx int64) error {
	for attempt := 0; attempt < 2; attempt++ {
		frame := readPageBytes(region.PageAddr(idx))

		if err := e.backend.PostWrite(ctx, e.channel, region, idx, frame); err != nil {
			return fmt.Errorf("post write: %w", err)
		}

		e.stats.Add(rmemstats.CounterEvictWriteback, 1)

		if err := e.awaitWriteCompletion(idx); err != nil {
			return err
		}

		e.stats.Add(rmemstats.CounterNetWrite, 1)

		page := region.PageByIndex(idx)
		if page.Clear(FlagDirty)&FlagDirty == 0 {
			return nil
		}

		// Re-dirtied mid-flight: one retry.
		e.stats.Add(rmemstats.CounterEvictWPRetries, 1)
	}

	return nil
}

func (e *Evictor) awaitWriteCompletion(idx int64) error {
	for {
		comps, err := e.backend.PollCompletions(e.channel, MaxCompPerOp)
		if err != nil {
			return fmt.Errorf("poll write completion: %w", err)
		}

		for _, c := range comps {
			if c.Op == OpWrite && c.PageIdx == idx {
				if c.Err != nil {
					return fmt.Errorf("write completion: %w", c.Err)
				}

				return nil
			}
		}
	}
}

// readPageBytes views the live PageSize bytes at addr as a slice, the
// same memory the backend read/write paths and the kernel fault API
// operate on. The caller is responsible for the page being mapped and
// write-protected (quiesced) before this is used to read it for eviction.
func readPageBytes(addr uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), PageSize)
}
