package rmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStandaloneRegion(addr uintptr, size int64, noEvictBudget int) *Region {
	return NewRegion(addr, size, 0, true, noEvictBudget)
}

func TestRegisterRejectsPastMaxRegions(t *testing.T) {
	r1 := newStandaloneRegion(0x10000, PageSize, 0)
	require.NoError(t, Register(r1))
	t.Cleanup(func() { Unregister(r1) })

	r2 := newStandaloneRegion(0x20000, PageSize, 0)

	err := Register(r2)
	assert.ErrorIs(t, err, ErrTooManyRegions, "MaxRegions is 1 in this build")
}

func TestLookupByAddrFindsContainingRegion(t *testing.T) {
	r := newStandaloneRegion(0x30000, 4*PageSize, 0)
	require.NoError(t, Register(r))
	t.Cleanup(func() { Unregister(r) })

	found := LookupByAddr(0x30000 + PageSize + 10)
	require.NotNil(t, found)
	assert.Equal(t, r.ID, found.ID)
	found.PutRef()

	assert.Nil(t, LookupByAddr(0x30000+4*PageSize), "one byte past the region must not match")
}

func TestUnregisterRemovesRegion(t *testing.T) {
	r := newStandaloneRegion(0x40000, PageSize, 0)
	require.NoError(t, Register(r))

	Unregister(r)

	assert.Nil(t, LookupByAddr(0x40000))
}

func TestNoEvictBudgetEnforced(t *testing.T) {
	r := newStandaloneRegion(0x50000, 4*PageSize, 2)

	require.NoError(t, r.TryReserveNoEvict(2))
	assert.ErrorIs(t, r.TryReserveNoEvict(1), ErrNoEvictBudget)

	r.ReleaseNoEvict(1)
	assert.NoError(t, r.TryReserveNoEvict(1))
}

func TestEvictCursorWrapsAtRegionEnd(t *testing.T) {
	r := newStandaloneRegion(0x60000, 4*PageSize, 0)

	r.AdvanceEvictCursor(3 * PageSize)
	assert.Equal(t, uint64(3*PageSize), r.EvictCursor())

	r.AdvanceEvictCursor(4 * PageSize)
	assert.Zero(t, r.EvictCursor(), "a cursor reaching the region size wraps to zero")
}

func TestPageAddrAndPageIndexRoundTrip(t *testing.T) {
	r := newStandaloneRegion(0x70000, 8*PageSize, 0)

	for idx := int64(0); idx < r.PageCount(); idx++ {
		addr := r.PageAddr(idx)
		assert.Equal(t, idx, r.pageIndex(addr))
	}
}
