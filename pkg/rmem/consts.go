package rmem

// Fixed sizing constants. These mirror the tuning knobs of the system this
// package's design is grounded on; only LocalMemory and EvictionThreshold
// are meant to be overridden at runtime (see pkg/rmemconfig).
const (
	// PageSize is the unit of residency, faulting and eviction. Every
	// region's virtual range and every backend transfer is page-aligned.
	PageSize = 4096

	// MaxRegions bounds how many regions may be registered at once.
	// Dynamic add/remove past startup is out of scope.
	MaxRegions = 1

	// MaxChannels bounds the backend's channel pool.
	MaxChannels = 32

	// MaxChunksPerOp bounds how many pages a single backend operation
	// (a read/write post, an eviction batch) may touch.
	MaxChunksPerOp = 64

	// MaxCompPerOp bounds how many completions a handler drains from a
	// channel in one pass of its main loop.
	MaxCompPerOp = 16

	// EvictionMaxBatchSize bounds how many pages a single eviction batch
	// claims before committing.
	EvictionMaxBatchSize = 64

	// EvictionMaxBumpsPerOp bounds how many times the eviction cursor may
	// skip a contended/ineligible page before the handler gives up on
	// finding a batch this pass.
	EvictionMaxBumpsPerOp = 5 * EvictionMaxBatchSize

	// FaultTcacheMagSize is the size of a handler's per-thread fault
	// object free list.
	FaultTcacheMagSize = 64

	// FaultMaxReadahead bounds how many extra pages a single fault may
	// pull in beyond the faulting page. Mirrored by readahead.MaxPages:
	// that package can't import this one (it would cycle, since this
	// package imports readahead), so the bound is duplicated rather than
	// shared.
	FaultMaxReadahead = 63

	// HandlerWaitBeforeStealUS is how long, in microseconds, a handler
	// leaves a fault parked before attempting to steal its completion
	// from another thread's queue.
	HandlerWaitBeforeStealUS = 100

	// DefaultEvictionThreshold is the fraction of LocalMemory that
	// triggers eviction when exceeded.
	DefaultEvictionThreshold = 0.95

	// DNEMaxPagesDefault bounds how many pages may carry NoEvict before
	// further pin requests are rejected with ErrNoEvictBudget.
	DNEMaxPagesDefault = 100 * 1024 * 1024 / PageSize
)

// ReplacementPolicy selects how the eviction engine chooses which pages
// within a batch survive a scan pass.
type ReplacementPolicy int

const (
	// ReplacementNone evicts whatever the rotating cursor finds next,
	// with no second chance.
	ReplacementNone ReplacementPolicy = iota
	// ReplacementSecondChance gives a page one extra pass if its
	// HotMarker bit is set, clearing the bit instead of evicting.
	ReplacementSecondChance
	// ReplacementLRU defers to the kernel's page-table young bit via
	// Region.IsYoung, evicting only pages the kernel reports cold.
	ReplacementLRU
)
