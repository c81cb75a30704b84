package rmem

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Region is a contiguous virtual address range backed by a remote-memory
// slab and paged on demand through a Backend. Its page-flag array runs
// parallel to the range, one PageState per PageSize-aligned page.
type Region struct {
	ID uuid.UUID

	addr       uintptr
	size       int64
	remoteAddr uint64
	writable   bool

	pageFlags []PageState

	currentOffset atomic.Uint64
	evictCursor   atomic.Uint64

	refCount atomic.Int32

	noEvictBudget     int
	noEvictPagesAlloc atomic.Int32

	mu sync.RWMutex
}

// NewRegion allocates a region of size bytes (rounded down to a whole
// number of pages) starting at addr, backed remotely starting at
// remoteAddr. noEvictBudget bounds how many of the region's pages may
// carry NoEvict at once.
func NewRegion(addr uintptr, size int64, remoteAddr uint64, writable bool, noEvictBudget int) *Region {
	pages := size / PageSize

	r := &Region{
		ID:            uuid.New(),
		addr:          addr,
		size:          size,
		remoteAddr:    remoteAddr,
		writable:      writable,
		pageFlags:     make([]PageState, pages),
		noEvictBudget: noEvictBudget,
	}

	return r
}

// Addr returns the region's base virtual address.
func (r *Region) Addr() uintptr { return r.addr }

// Size returns the region's size in bytes.
func (r *Region) Size() int64 { return r.size }

// Writable reports whether the region's mapping was created writable.
func (r *Region) Writable() bool { return r.writable }

// PageCount returns the number of PageSize-aligned pages in the region.
func (r *Region) PageCount() int64 { return int64(len(r.pageFlags)) }

// Contains reports whether addr falls within the region's virtual range.
func (r *Region) Contains(addr uintptr) bool {
	return addr >= r.addr && addr < r.addr+uintptr(r.size)
}

// pageIndex converts a virtual address into an index into pageFlags. The
// caller must have already checked Contains.
func (r *Region) pageIndex(addr uintptr) int64 {
	return int64(addr-r.addr) / PageSize
}

// PageAt returns the flag word for the page containing addr.
func (r *Region) PageAt(addr uintptr) *PageState {
	idx := r.pageIndex(addr)
	return &r.pageFlags[idx]
}

// PageByIndex returns the flag word for the page at idx.
func (r *Region) PageByIndex(idx int64) *PageState {
	return &r.pageFlags[idx]
}

// PageAddr returns the base virtual address of the page at idx.
func (r *Region) PageAddr(idx int64) uintptr {
	return r.addr + uintptr(idx*PageSize)
}

// RemoteOffset returns the backend-relative byte offset for the page
// containing addr.
func (r *Region) RemoteOffset(addr uintptr) uint64 {
	return r.remoteAddr + uint64(addr-r.addr)
}

// getRef adds a reference to the region. Callers must already hold a safe
// reference (or the registry lock) per the original's __get_mr contract.
func (r *Region) getRef() {
	r.refCount.Add(1)
}

// PutRef releases a reference obtained from the registry.
func (r *Region) PutRef() {
	r.refCount.Add(-1)
}

// TryReserveNoEvict accounts n additional NoEvict pages against the
// region's budget, returning ErrNoEvictBudget if it would be exceeded.
func (r *Region) TryReserveNoEvict(n int) error {
	for {
		cur := r.noEvictPagesAlloc.Load()
		next := cur + int32(n)

		if int(next) > r.noEvictBudget {
			return fmt.Errorf("reserve %d no-evict pages: %w", n, ErrNoEvictBudget)
		}

		if r.noEvictPagesAlloc.CompareAndSwap(cur, next) {
			return nil
		}
	}
}

// ReleaseNoEvict returns n pages to the region's NoEvict budget.
func (r *Region) ReleaseNoEvict(n int) {
	r.noEvictPagesAlloc.Add(-int32(n))
}

// EvictCursor returns the byte offset the eviction scan last stopped at,
// so successive sweeps continue rather than restart from page zero.
func (r *Region) EvictCursor() uint64 {
	return r.evictCursor.Load()
}

// AdvanceEvictCursor stores the scan's new position.
func (r *Region) AdvanceEvictCursor(offset uint64) {
	if offset >= uint64(r.size) {
		offset = 0
	}

	r.evictCursor.Store(offset)
}

// registry is the process-wide set of live regions. A single mutex stands
// in for a userspace spinlock (see DESIGN.md): Go's standard library has no
// spinlock primitive and none of the source material this module is
// grounded on carries one either.
type registry struct {
	mu      sync.Mutex
	regions []*Region
	cursor  int
}

var globalRegistry = &registry{}

// Register adds r to the process-wide region list. It fails once
// MaxRegions are already registered.
func Register(r *Region) error {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()

	if len(globalRegistry.regions) >= MaxRegions {
		return ErrTooManyRegions
	}

	r.getRef()
	globalRegistry.regions = append(globalRegistry.regions, r)

	return nil
}

// Unregister removes r from the process-wide region list.
func Unregister(r *Region) {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()

	for i, cur := range globalRegistry.regions {
		if cur == r {
			globalRegistry.regions = append(globalRegistry.regions[:i], globalRegistry.regions[i+1:]...)

			if globalRegistry.cursor > i {
				globalRegistry.cursor--
			}

			return
		}
	}
}

// LookupByAddr returns the region containing addr, with an added
// reference the caller must PutRef when done, or nil if none matches.
func LookupByAddr(addr uintptr) *Region {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()

	for _, r := range globalRegistry.regions {
		if r.Contains(addr) {
			r.getRef()
			return r
		}
	}

	return nil
}

// NextEvictable rotates through the registered regions, returning the next
// one after the last one handed out, with an added reference.
func NextEvictable() *Region {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()

	if len(globalRegistry.regions) == 0 {
		return nil
	}

	r := globalRegistry.regions[globalRegistry.cursor%len(globalRegistry.regions)]
	globalRegistry.cursor++
	r.getRef()

	return r
}
