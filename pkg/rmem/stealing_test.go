package rmem

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T, id uint16, k *fakeKernel, backend Backend, budget *MemoryBudget) *Handler {
	t.Helper()

	h, err := NewHandler(id, HandlerConfig{
		Kernel:            k,
		Backend:           backend,
		Budget:            budget,
		Policy:            ReplacementNone,
		EvictionThreshold: 1,
		PinCore:           -1,
	})
	require.NoError(t, err)

	t.Cleanup(h.Close)

	return h
}

// TestTryUnblockStealsOwnerCompletion covers spec scenario 5: a handler
// parked behind a page another handler owns can finish that handler's
// read completion on its behalf once it's been waiting long enough to
// attempt a steal, without the owner ever touching its own queue again.
func TestTryUnblockStealsOwnerCompletion(t *testing.T) {
	k := newFakeKernel(PageSize)

	path := filepath.Join(t.TempDir(), "arena.dat")
	backend, err := NewLocalBackend(PageSize, PageSize, path)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	region := NewRegion(k.base, PageSize, 0, true, 0)
	off, err := backend.AllocateRemote(region, PageSize)
	require.NoError(t, err)
	region.remoteAddr = off
	require.NoError(t, Register(region))
	t.Cleanup(func() { Unregister(region) })

	region.PageAt(region.Addr()).Set(FlagRegistered)

	budget := NewMemoryBudget(PageSize)

	owner := newTestHandler(t, 101, k, backend, budget)
	thief := newTestHandler(t, 102, k, backend, budget)

	ownerFault := &Fault{Addr: region.Addr(), Access: AccessRead, Origin: OriginKernel, Region: region}

	status, _, err := owner.sm.Handle(context.Background(), ownerFault, budget)
	require.NoError(t, err)
	require.Equal(t, ReadPosted, status)

	owner.registerPendingRead(ownerFault)

	// The backend (LocalBackend) completes synchronously, so the
	// completion is already sitting on owner's channel, unpolled —
	// exactly the situation a stuck thief would find it in.
	thiefFault := &Fault{Addr: region.Addr(), Access: AccessRead, Origin: OriginKernel, Region: region}

	resolved := thief.tryUnblock(context.Background(), thiefFault)
	assert.True(t, resolved, "thief must resolve the contended fault")

	flags, _ := region.PageAt(region.Addr()).Load()
	assert.NotZero(t, flags&FlagPresent)
	assert.Zero(t, flags&FlagReadOngoing)
	assert.Zero(t, flags&FlagWorkOngoing)

	assert.Nil(t, owner.popPendingRead(region.Addr()), "owner's pending read must have been claimed by the steal")
}

// TestTryUnblockNoOpWhenNotReadOngoing covers the guard that a steal must
// never fire against a page that isn't actually mid-read (e.g. it's
// already present, or being evicted).
func TestTryUnblockNoOpWhenNotReadOngoing(t *testing.T) {
	k := newFakeKernel(PageSize)

	path := filepath.Join(t.TempDir(), "arena.dat")
	backend, err := NewLocalBackend(PageSize, PageSize, path)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	region := NewRegion(k.base, PageSize, 0, true, 0)
	off, err := backend.AllocateRemote(region, PageSize)
	require.NoError(t, err)
	region.remoteAddr = off
	require.NoError(t, Register(region))
	t.Cleanup(func() { Unregister(region) })

	region.PageAt(region.Addr()).Set(FlagPresent | FlagRegistered)

	budget := NewMemoryBudget(PageSize)
	thief := newTestHandler(t, 202, k, backend, budget)

	f := &Fault{Addr: region.Addr(), Access: AccessRead, Origin: OriginKernel, Region: region}

	resolved := thief.tryUnblock(context.Background(), f)
	assert.False(t, resolved, "a non-read-ongoing page must never be stolen")
}

// TestTryUnblockSkipsOwnPage covers the guard that a handler never tries
// to steal its own in-flight work.
func TestTryUnblockSkipsOwnPage(t *testing.T) {
	k := newFakeKernel(PageSize)

	path := filepath.Join(t.TempDir(), "arena.dat")
	backend, err := NewLocalBackend(PageSize, PageSize, path)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	region := NewRegion(k.base, PageSize, 0, true, 0)
	off, err := backend.AllocateRemote(region, PageSize)
	require.NoError(t, err)
	region.remoteAddr = off
	require.NoError(t, Register(region))
	t.Cleanup(func() { Unregister(region) })

	region.PageAt(region.Addr()).Set(FlagRegistered)

	budget := NewMemoryBudget(PageSize)
	self := newTestHandler(t, 303, k, backend, budget)

	f := &Fault{Addr: region.Addr(), Access: AccessRead, Origin: OriginKernel, Region: region}

	status, _, err := self.sm.Handle(context.Background(), f, budget)
	require.NoError(t, err)
	require.Equal(t, ReadPosted, status)

	self.registerPendingRead(f)

	assert.False(t, self.tryUnblock(context.Background(), f), "a handler must never try to steal from itself")
}
