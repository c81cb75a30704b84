package rmem

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPageStateSetClear(t *testing.T) {
	var p PageState

	pre := p.Set(FlagPresent | FlagDirty)
	assert.Zero(t, pre)

	flags, _ := p.Load()
	assert.Equal(t, FlagPresent|FlagDirty, flags)

	pre = p.Clear(FlagDirty)
	assert.Equal(t, FlagPresent|FlagDirty, pre)

	flags, _ = p.Load()
	assert.Equal(t, FlagPresent, flags)
}

func TestPageStateTryAcquireExclusive(t *testing.T) {
	var p PageState

	assert.True(t, p.TryAcquire(FlagWorkOngoing, 7))
	assert.False(t, p.TryAcquire(FlagWorkOngoing, 9), "a second owner must not win the lock")

	flags, owner := p.Load()
	assert.NotZero(t, flags&FlagWorkOngoing)
	assert.EqualValues(t, 7, owner)
}

func TestPageStateReleaseClearsOwnerWhenNoOngoingBitsRemain(t *testing.T) {
	var p PageState

	require := assert.New(t)

	require.True(p.TryAcquire(FlagWorkOngoing, 3))
	p.Release(FlagWorkOngoing)

	flags, owner := p.Load()
	require.Zero(flags)
	require.Zero(owner, "owner tag is cleared once no *Ongoing bit remains")
}

func TestPageStateReleaseKeepsOwnerWhileOngoingBitRemains(t *testing.T) {
	var p PageState

	p.TryAcquire(FlagWorkOngoing|FlagEvictOngoing, 5)
	p.Release(FlagEvictOngoing)

	flags, owner := p.Load()
	assert.NotZero(t, flags&FlagWorkOngoing)
	assert.EqualValues(t, 5, owner, "owner tag survives while WorkOngoing is still held")
}

// TestOnlyOneWorkOngoingOwner is a concurrency stress check of the testable
// property "for all pages p and times t: count(WORK_ONGOING owners of p) <= 1".
func TestOnlyOneWorkOngoingOwner(t *testing.T) {
	var p PageState

	const n = 64

	var wg sync.WaitGroup
	var wins [n]bool

	for i := 0; i < n; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			if p.TryAcquire(FlagWorkOngoing, uint16(i+1)) {
				wins[i] = true
			}
		}(i)
	}

	wg.Wait()

	count := 0
	for _, w := range wins {
		if w {
			count++
		}
	}

	assert.Equal(t, 1, count, "exactly one goroutine may win WorkOngoing")
}

func TestFlagTestAndTestAny(t *testing.T) {
	var p PageState

	p.Set(FlagPresent | FlagNoEvict)

	assert.True(t, p.Test(FlagPresent))
	assert.True(t, p.Test(FlagPresent|FlagNoEvict))
	assert.False(t, p.Test(FlagPresent|FlagDirty))
	assert.True(t, p.TestAny(FlagDirty|FlagPresent))
	assert.False(t, p.TestAny(FlagDirty|FlagReadOngoing))
}
