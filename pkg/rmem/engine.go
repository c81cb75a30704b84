package rmem

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/rmem/pkg/rmemstats"
)

// EngineConfig is the process-wide configuration an Engine is built from.
// See pkg/rmemconfig for how these are typically populated from the
// environment.
type EngineConfig struct {
	// LocalMemory bounds how many bytes of DRAM the engine may keep
	// resident across every region it manages.
	LocalMemory int64

	// EvictionThreshold is the fraction of LocalMemory that triggers
	// eviction; zero selects DefaultEvictionThreshold.
	EvictionThreshold float64

	// Handlers is how many dedicated fault-handling threads to run.
	// Zero selects 1.
	Handlers int

	// Policy selects the eviction replacement strategy.
	Policy ReplacementPolicy

	// Backend moves bytes to and from remote memory. Required.
	Backend Backend

	// PinCores, if non-nil, assigns handler i to PinCores[i]. A shorter
	// slice than Handlers leaves the remainder unpinned.
	PinCores []int

	Logger *zap.Logger
}

// Engine is the process-wide remote-memory paging runtime: one region
// (MaxRegions bounds it to one in this build), a shared memory budget, and
// a fleet of handler threads servicing it. A malloc-interposition shim —
// external to this package — calls Mmap to back a heap arena, and relies
// on the handler fleet to keep faulting on it transparent to the caller.
type Engine struct {
	cfg    EngineConfig
	budget *MemoryBudget
	stats  *rmemstats.Counters
	kernel FaultKernel

	mu       sync.Mutex
	region   *Region
	handlers []*Handler
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewEngine validates cfg and builds an Engine, but does not yet mmap a
// region or start any handler threads — call Mmap to do both.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.LocalMemory <= 0 {
		return nil, wrapErr(KindInitFailure, "new engine", ErrEngineDisabled)
	}

	if cfg.Backend == nil {
		return nil, wrapErr(KindInitFailure, "new engine", fmt.Errorf("backend is required"))
	}

	if cfg.Handlers <= 0 {
		cfg.Handlers = 1
	}

	return &Engine{
		cfg:    cfg,
		budget: NewMemoryBudget(cfg.LocalMemory),
		stats:  &rmemstats.Counters{},
	}, nil
}

// Mmap reserves a virtual address range of size bytes, registers it with
// the kernel fault source, allocates matching remote storage through the
// configured backend, and starts the handler fleet servicing it. Only one
// call may succeed per Engine (MaxRegions == 1 in this build).
func (e *Engine) Mmap(size int64, writable bool) (*Region, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.region != nil {
		return nil, wrapErr(KindCapacityPressure, "mmap", ErrTooManyRegions)
	}

	kernel, base, err := newAnonymousMapping(size, writable)
	if err != nil {
		return nil, wrapErr(KindInitFailure, "mmap", err)
	}
	kernel.SetStats(e.stats)

	region := NewRegion(base, size, 0, writable, DNEMaxPagesDefault)

	remoteOff, err := e.cfg.Backend.AllocateRemote(region, size)
	if err != nil {
		kernel.Close()
		return nil, wrapErr(KindInitFailure, "mmap: allocate remote", err)
	}
	region.remoteAddr = remoteOff

	if err := Register(region); err != nil {
		kernel.Close()
		return nil, wrapErr(KindInitFailure, "mmap: register region", err)
	}

	e.kernel = kernel
	e.region = region

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	for i := 0; i < e.cfg.Handlers; i++ {
		pin := -1
		if i < len(e.cfg.PinCores) {
			pin = e.cfg.PinCores[i]
		}

		h, err := NewHandler(uint16(i+1), HandlerConfig{
			Kernel:            kernel,
			Backend:           e.cfg.Backend,
			Budget:            e.budget,
			Policy:            e.cfg.Policy,
			EvictionThreshold: e.cfg.EvictionThreshold,
			PinCore:           pin,
			Logger:            e.cfg.Logger,
			Stats:             e.stats,
		})
		if err != nil {
			return nil, wrapErr(KindInitFailure, "mmap: start handler", err)
		}

		e.handlers = append(e.handlers, h)

		e.wg.Add(1)
		go func(h *Handler) {
			defer e.wg.Done()
			h.Run(ctx)
		}(h)
	}

	return region, nil
}

// Madvise applies an advice hint to part of the managed region. Only
// MADV_DONTNEED/MADV_FREE-style eager release is modeled; both are
// serialized behind the page's WorkOngoing bit so a concurrent eviction
// pass can't race the zap (see DESIGN.md's resolution of the original
// spec's open question on this point). A page whose WorkOngoing bit is
// already held by another actor is skipped and left as it is.
func (e *Engine) Madvise(addr uintptr, size int64, dontneed bool) error {
	if !dontneed {
		return nil
	}

	region := LookupByAddr(addr)
	if region == nil {
		return fmt.Errorf("madvise: %w", ErrRegionFull)
	}
	defer region.PutRef()

	for off := int64(0); off < size; off += PageSize {
		page := region.PageAt(addr + uintptr(off))

		if !page.TryAcquire(FlagWorkOngoing, 0) {
			continue
		}

		cur, _ := page.Load()
		if cur&FlagPresent != 0 {
			if err := e.kernel.Zap(addr+uintptr(off), PageSize); err != nil {
				page.Release(FlagWorkOngoing)
				return fmt.Errorf("madvise dontneed: %w", err)
			}

			e.budget.Release(1)
		}

		page.Clear(FlagPresent | FlagDirty | FlagZeropage)
		page.Release(FlagWorkOngoing)
	}

	return nil
}

// Close stops every handler thread, unregisters the region, and releases
// the kernel fault source. It blocks until all handler goroutines have
// returned.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}

	for _, h := range e.handlers {
		h.Stop()
	}

	e.wg.Wait()

	for _, h := range e.handlers {
		h.Close()
	}

	if e.region != nil {
		Unregister(e.region)
		e.cfg.Backend.RemoveRegion(e.region)
	}

	if e.kernel != nil {
		return e.kernel.Close()
	}

	return nil
}

// Budget exposes the engine's shared memory budget, mainly for metrics.
func (e *Engine) Budget() *MemoryBudget { return e.budget }

// Stats exposes the engine's fleet-wide counters for a stats sink to poll
// or sample periodically.
func (e *Engine) Stats() *rmemstats.Counters { return e.stats }
