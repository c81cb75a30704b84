package rmem

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/e2b-dev/infra/packages/rmem/pkg/rmemstats"
)

// HandlerConfig bundles what a Handler needs beyond its own id: the shared
// kernel fault source and backend, the process-wide memory budget, and the
// eviction policy/threshold to drive.
type HandlerConfig struct {
	Kernel            FaultKernel
	Backend           Backend
	Budget            *MemoryBudget
	Policy            ReplacementPolicy
	EvictionThreshold float64
	PinCore           int // -1 to skip pinning
	Logger            *zap.Logger

	// Stats is the fleet-wide counter set every handler adds to. Shared
	// across handlers, not one Counters per thread — a stats sink reads
	// one aggregate view rather than summing per-handler ones.
	Stats *rmemstats.Counters
}

// Handler is one dedicated fault-handling OS thread: a goroutine locked to
// an OS thread (and, best-effort, pinned to a core) running the loop in
// §4.7 — drain the wait queue, take at most one new kernel fault, drive
// eviction under pressure, poll completions, repeat until stopped.
type Handler struct {
	id      uint16
	channel int

	kernel  FaultKernel
	backend Backend
	sm      *StateMachine
	evictor *Evictor
	budget  *MemoryBudget

	evictionThreshold float64
	pinCore           int

	waitQ waitQueue
	mag   *magazine

	pendingMu    sync.Mutex
	pendingReads map[uintptr]*Fault

	stop atomic.Bool

	logger *zap.Logger

	stats *rmemstats.Counters
}

// NewHandler builds a Handler bound to its own backend channel. id must be
// unique among the fleet of handlers sharing cfg.Backend/cfg.Budget — it
// is the tag stamped on every page this handler acquires.
func NewHandler(id uint16, cfg HandlerConfig) (*Handler, error) {
	channel, err := acquireChannel(cfg.Backend)
	if err != nil {
		return nil, wrapErr(KindInitFailure, "new handler", err)
	}

	threshold := cfg.EvictionThreshold
	if threshold <= 0 {
		threshold = DefaultEvictionThreshold
	}

	stats := cfg.Stats
	if stats == nil {
		stats = &rmemstats.Counters{}
	}

	h := &Handler{
		id:                id,
		channel:           channel,
		kernel:            cfg.Kernel,
		backend:           cfg.Backend,
		sm:                NewStateMachine(cfg.Kernel, cfg.Backend, id, channel, stats),
		evictor:           NewEvictor(cfg.Kernel, cfg.Backend, cfg.Budget, cfg.Policy, channel, id, stats),
		budget:            cfg.Budget,
		evictionThreshold: threshold,
		pinCore:           cfg.PinCore,
		mag:               newMagazine(),
		pendingReads:      make(map[uintptr]*Fault),
		logger:            cfg.Logger,
		stats:             stats,
	}

	registerHandler(h)

	return h, nil
}

// channelAcquirer is implemented by the backends that hand out channels
// from a pool (LocalBackend, LoopbackBackend); other Backend
// implementations may use a fixed channel scheme instead.
type channelAcquirer interface {
	AcquireChannel() (int, error)
}

func acquireChannel(b Backend) (int, error) {
	if ca, ok := b.(channelAcquirer); ok {
		return ca.AcquireChannel()
	}

	return 0, nil
}

// Run executes the handler's main loop until ctx is done or Stop is
// called. It locks the calling goroutine to its OS thread for the
// duration, matching one handler per dedicated core.
func (h *Handler) Run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if h.pinCore >= 0 {
		if err := pinToCore(h.pinCore); err != nil && h.logger != nil {
			h.logger.Warn("failed to pin handler thread, continuing unpinned",
				zap.Int("core", h.pinCore), zap.Error(err))
		}
	}

	for !h.stop.Load() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		workDone := h.drainWaitQueue(ctx)

		if h.pollKernelFault(ctx) {
			workDone = true
		}

		if h.maybeEvict(ctx) {
			workDone = true
		}

		if h.pollCompletions() {
			workDone = true
		}

		if !workDone {
			time.Sleep(10 * time.Microsecond)
		}
	}
}

// Stop signals the handler loop to exit after its current iteration.
func (h *Handler) Stop() {
	h.stop.Store(true)
}

// Close releases the handler's channel and removes it from the stealing
// registry. Call once Run has returned.
func (h *Handler) Close() {
	unregisterHandler(h.id)

	if ra, ok := h.backend.(channelReleaser); ok {
		ra.ReleaseChannel(h.channel)
	}
}

type channelReleaser interface {
	ReleaseChannel(channel int)
}

func (h *Handler) drainWaitQueue(ctx context.Context) bool {
	n := h.waitQ.Len()
	if n == 0 {
		return false
	}

	workDone := false
	now := time.Now()

	for i := 0; i < n; i++ {
		f := h.waitQ.PopFront()

		status, _, err := h.sm.Handle(ctx, f, h.budget)
		if err != nil && h.logger != nil {
			h.logger.Error("fault handling failed", zap.String("fault", f.String()), zap.Error(err))
		}

		switch status {
		case Done:
			workDone = true
			h.mag.Release(f)
		case ReadPosted:
			workDone = true
			h.registerPendingRead(f)
		case InProgress:
			h.stats.Add(rmemstats.CounterWaitRetries, 1)

			if now.Sub(f.WaitStart) > HandlerWaitBeforeStealUS*time.Microsecond {
				f.WaitStart = now
				h.stats.Add(rmemstats.CounterWaitSteals, 1)

				if h.tryUnblock(ctx, f) {
					continue
				}
			}

			h.waitQ.PushBack(f)
		}
	}

	return workDone
}

func (h *Handler) pollKernelFault(ctx context.Context) bool {
	addr, access, ok, err := h.kernel.ReadFault()
	if err != nil {
		if h.logger != nil {
			h.logger.Error("read uffd fault failed", zap.Error(err))
		}

		return false
	}

	if !ok {
		return false
	}

	region := LookupByAddr(addr)
	if region == nil {
		if h.logger != nil {
			h.logger.Error("fault address not in any registered region", zap.Uintptr("addr", addr))
		}

		return true
	}
	defer region.PutRef()

	f := h.mag.Alloc()
	f.Addr = addr - (addr % PageSize)
	f.Access = access
	f.Origin = OriginKernel
	f.Region = region
	f.RdaheadMax = 0
	f.WaitStart = time.Now()

	h.stats.Add(rmemstats.CounterFaults, 1)

	switch access {
	case AccessRead:
		h.stats.Add(rmemstats.CounterFaultsRead, 1)
	case AccessWrite:
		h.stats.Add(rmemstats.CounterFaultsWrite, 1)
	case AccessWriteProtect:
		h.stats.Add(rmemstats.CounterFaultsWP, 1)
	}

	status, _, err := h.sm.Handle(ctx, f, h.budget)
	if err != nil && h.logger != nil {
		h.logger.Error("fault handling failed", zap.String("fault", f.String()), zap.Error(err))
	}

	switch status {
	case Done:
		h.mag.Release(f)
	case ReadPosted:
		h.registerPendingRead(f)
	case InProgress:
		h.waitQ.PushBack(f)
	}

	return true
}

// maybeEvict runs one eviction batch when the budget's pressure has reached
// the handler's threshold. Pressure is the only trigger: the eviction
// demand Handle returns is not read by this loop.
func (h *Handler) maybeEvict(ctx context.Context) bool {
	if h.budget.Pressure() < h.evictionThreshold {
		return false
	}

	n, err := h.evictor.EvictBatch(ctx, EvictionMaxBatchSize)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("eviction batch failed", zap.Error(err))
		}

		return false
	}

	if n > 0 {
		h.stats.Add(rmemstats.CounterEvictDone, uint64(n))
	}

	return n > 0
}

func (h *Handler) pollCompletions() bool {
	comps, err := h.backend.PollCompletions(h.channel, MaxCompPerOp)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("poll completions failed", zap.Error(err))
		}

		return false
	}

	for _, c := range comps {
		h.handleCompletion(c)
	}

	return len(comps) > 0
}

func (h *Handler) handleCompletion(c Completion) {
	if c.Op != OpRead {
		return
	}

	f := h.popPendingRead(c.Region.PageAddr(c.PageIdx))
	if f == nil {
		return
	}

	if c.Err != nil {
		if h.logger != nil {
			h.logger.Error("backend read completion failed", zap.String("fault", f.String()), zap.Error(c.Err))
		}

		f.Region.PageAt(f.Addr).Release(FlagReadOngoing | FlagWorkOngoing)
		h.budget.Release(1)
		h.mag.Release(f)

		return
	}

	if err := h.sm.ReadCompletion(f); err != nil && h.logger != nil {
		h.logger.Error("read completion failed", zap.String("fault", f.String()), zap.Error(err))
	}

	h.mag.Release(f)
}

// registerPendingRead makes f visible to the stealing protocol: another
// handler's goroutine may look it up by page address while draining a
// completion it stole from this handler's channel.
func (h *Handler) registerPendingRead(f *Fault) {
	h.pendingMu.Lock()
	h.pendingReads[f.Addr] = f
	h.pendingMu.Unlock()
}

func (h *Handler) popPendingRead(addr uintptr) *Fault {
	h.pendingMu.Lock()
	f := h.pendingReads[addr]
	delete(h.pendingReads, addr)
	h.pendingMu.Unlock()

	return f
}

// channelID reports the backend channel this handler posts operations on —
// used by the stealing protocol to find what to poll on behalf of a
// stalled page's owner.
func (h *Handler) channelID() int { return h.channel }

func pinToCore(core int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(core)

	return unix.SchedSetaffinity(0, &set)
}
