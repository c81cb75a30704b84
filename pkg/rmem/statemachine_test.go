package rmem

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T, capacity int64) *LocalBackend {
	t.Helper()

	path := filepath.Join(t.TempDir(), "arena.dat")

	b, err := NewLocalBackend(capacity, PageSize, path)
	require.NoError(t, err)

	t.Cleanup(func() { b.Close() })

	return b
}

func newTestRegion(t *testing.T, k *fakeKernel, backend Backend, size int64, noEvictBudget int) *Region {
	t.Helper()

	region := NewRegion(k.base, size, 0, true, noEvictBudget)

	off, err := backend.AllocateRemote(region, size)
	require.NoError(t, err)
	region.remoteAddr = off

	require.NoError(t, Register(region))
	t.Cleanup(func() { Unregister(region) })

	return region
}

// TestFirstTouchRead covers spec scenario 1: a first read of a never-touched
// page must resolve from the zero page without any backend round trip.
func TestFirstTouchRead(t *testing.T) {
	k := newFakeKernel(4 * PageSize)
	backend := newTestBackend(t, 4*PageSize)
	region := newTestRegion(t, k, backend, 4*PageSize, 8)

	sm := NewStateMachine(k, backend, 1, 0, nil)
	budget := NewMemoryBudget(4 * PageSize)

	f := &Fault{Addr: region.Addr(), Access: AccessRead, Origin: OriginKernel, Region: region}

	status, evictionDemand, err := sm.Handle(context.Background(), f, budget)
	require.NoError(t, err)
	assert.Equal(t, Done, status)
	assert.Zero(t, evictionDemand)

	flags, _ := region.PageAt(f.Addr).Load()
	assert.NotZero(t, flags&FlagPresent)
	assert.Zero(t, flags&FlagDirty)
	assert.NotZero(t, flags&FlagRegistered)

	comps, err := backend.PollCompletions(0, 16)
	require.NoError(t, err)
	assert.Empty(t, comps, "first-touch read must not post a backend read")

	assert.Equal(t, byte(0), k.mem[0], "first-touch byte must read as zero")
}

// TestFirstTouchWriteThenReadBack covers spec scenario 2.
func TestFirstTouchWriteThenReadBack(t *testing.T) {
	k := newFakeKernel(4 * PageSize)
	backend := newTestBackend(t, 4*PageSize)
	region := newTestRegion(t, k, backend, 4*PageSize, 8)

	sm := NewStateMachine(k, backend, 1, 0, nil)
	budget := NewMemoryBudget(4 * PageSize)

	pageAddr := region.Addr()
	f := &Fault{Addr: pageAddr, Access: AccessWrite, Origin: OriginKernel, Region: region}

	status, _, err := sm.Handle(context.Background(), f, budget)
	require.NoError(t, err)
	require.Equal(t, Done, status)

	flags, _ := region.PageAt(pageAddr).Load()
	assert.NotZero(t, flags&FlagPresent)
	assert.NotZero(t, flags&FlagDirty, "write fault must dirty the page")

	// Simulate the CPU store the application performs once the fault
	// resolves and the page is mapped writable.
	k.mem[100] = 0xAB

	assert.Equal(t, byte(0xAB), k.mem[100])

	comps, err := backend.PollCompletions(0, 16)
	require.NoError(t, err)
	assert.Empty(t, comps, "no eviction has happened yet, no backend write expected")
}

// TestWriteProtectUpgrade covers spec scenario 6.
func TestWriteProtectUpgrade(t *testing.T) {
	k := newFakeKernel(PageSize)
	backend := newTestBackend(t, PageSize)
	region := newTestRegion(t, k, backend, PageSize, 8)

	sm := NewStateMachine(k, backend, 1, 0, nil)
	budget := NewMemoryBudget(PageSize)

	page := region.PageAt(region.Addr())
	page.Set(FlagPresent | FlagRegistered)

	f := &Fault{Addr: region.Addr(), Access: AccessWriteProtect, Origin: OriginKernel, Region: region}

	status, _, err := sm.Handle(context.Background(), f, budget)
	require.NoError(t, err)
	assert.Equal(t, Done, status)

	flags, _ := page.Load()
	assert.NotZero(t, flags&FlagDirty)
	assert.NotZero(t, flags&FlagPresent)

	assert.Equal(t, 1, k.writeProtectCount())

	comps, err := backend.PollCompletions(0, 16)
	require.NoError(t, err)
	assert.Empty(t, comps, "a WP upgrade never goes to the backend")
}

// TestNotPresentGoesToBackendRead exercises the non-first-touch path: a
// page that has been touched before (REGISTERED) but isn't resident must
// be fetched from the backend rather than zero-filled.
func TestNotPresentGoesToBackendRead(t *testing.T) {
	k := newFakeKernel(PageSize)
	backend := newTestBackend(t, PageSize)
	region := newTestRegion(t, k, backend, PageSize, 8)

	// Seed the backend's remote contents with a known pattern, and mark
	// the page REGISTERED-but-absent, as it would be right after eviction.
	pattern := make([]byte, PageSize)
	for i := range pattern {
		pattern[i] = 0x7A
	}
	require.NoError(t, backend.PostWrite(context.Background(), 0, region, 0, pattern))
	_, err := backend.PollCompletions(0, 16)
	require.NoError(t, err)

	region.PageAt(region.Addr()).Set(FlagRegistered)

	sm := NewStateMachine(k, backend, 1, 0, nil)
	budget := NewMemoryBudget(PageSize)

	f := &Fault{Addr: region.Addr(), Access: AccessRead, Origin: OriginKernel, Region: region}

	status, _, err := sm.Handle(context.Background(), f, budget)
	require.NoError(t, err)
	require.Equal(t, ReadPosted, status)

	flags, _ := region.PageAt(f.Addr).Load()
	assert.NotZero(t, flags&FlagReadOngoing)
	assert.Zero(t, flags&FlagPresent, "READ_ONGOING implies not-yet-present")

	comps, err := backend.PollCompletions(0, 16)
	require.NoError(t, err)
	require.Len(t, comps, 1)
	assert.Equal(t, OpRead, comps[0].Op)

	require.NoError(t, sm.ReadCompletion(f))

	flags, _ = region.PageAt(f.Addr).Load()
	assert.NotZero(t, flags&FlagPresent)
	assert.Zero(t, flags&FlagReadOngoing)
	assert.Zero(t, flags&FlagWorkOngoing)

	for _, b := range k.mem {
		assert.Equal(t, byte(0x7A), b)
	}
}

// TestContentionReturnsInProgress covers the "at most one WORK_ONGOING
// owner" invariant and spec scenario 4 (duplicate faults on the same page):
// a second Handle call against a page another owner is already working on
// must report IN_PROGRESS rather than double-installing the page.
func TestContentionReturnsInProgress(t *testing.T) {
	k := newFakeKernel(PageSize)
	backend := newTestBackend(t, PageSize)
	region := newTestRegion(t, k, backend, PageSize, 8)

	region.PageAt(region.Addr()).Set(FlagRegistered)

	smA := NewStateMachine(k, backend, 1, 0, nil)
	smB := NewStateMachine(k, backend, 2, 0, nil)
	budget := NewMemoryBudget(PageSize)

	fA := &Fault{Addr: region.Addr(), Access: AccessRead, Origin: OriginKernel, Region: region}
	fB := &Fault{Addr: region.Addr(), Access: AccessRead, Origin: OriginKernel, Region: region}

	statusA, _, err := smA.Handle(context.Background(), fA, budget)
	require.NoError(t, err)
	require.Equal(t, ReadPosted, statusA)

	statusB, _, err := smB.Handle(context.Background(), fB, budget)
	require.NoError(t, err)
	assert.Equal(t, InProgress, statusB, "second fault must not win the page lock")

	comps, err := backend.PollCompletions(0, 16)
	require.NoError(t, err)
	assert.Len(t, comps, 1, "exactly one backend read, not two")
}

// TestCapacityPressureRequestsEviction covers the "no free frame budget"
// branch of §4.5: Handle must signal an eviction demand rather than
// blocking or installing past the budget.
func TestCapacityPressureRequestsEviction(t *testing.T) {
	k := newFakeKernel(PageSize)
	backend := newTestBackend(t, PageSize)
	region := newTestRegion(t, k, backend, PageSize, 8)

	region.PageAt(region.Addr()).Set(FlagRegistered)

	sm := NewStateMachine(k, backend, 1, 0, nil)
	budget := NewMemoryBudget(PageSize)
	require.True(t, budget.TryReserve(1)) // exhaust the one-page budget

	f := &Fault{Addr: region.Addr(), Access: AccessRead, Origin: OriginKernel, Region: region}

	status, evictionDemand, err := sm.Handle(context.Background(), f, budget)
	require.NoError(t, err)
	assert.Equal(t, InProgress, status)
	assert.Equal(t, 1, evictionDemand)

	flags, _ := region.PageAt(f.Addr).Load()
	assert.Zero(t, flags&FlagWorkOngoing, "page lock must be released on capacity failure")
}
