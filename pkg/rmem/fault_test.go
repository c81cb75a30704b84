package rmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMagazineReusesReleasedFaults(t *testing.T) {
	m := newMagazine()

	f1 := m.Alloc()
	f1.Addr = 0x1000
	m.Release(f1)

	f2 := m.Alloc()
	assert.Same(t, f1, f2, "a released fault must be handed back out before allocating a new one")
	assert.Zero(t, f2.Addr, "Release must reset the descriptor's fields")
}

func TestMagazineAllocatesFreshWhenEmpty(t *testing.T) {
	m := newMagazine()

	f1 := m.Alloc()
	f2 := m.Alloc()

	assert.NotSame(t, f1, f2)
}

func TestMagazineCapsFreeListSize(t *testing.T) {
	m := newMagazine()

	faults := make([]*Fault, FaultTcacheMagSize+8)
	for i := range faults {
		faults[i] = &Fault{}
	}

	for _, f := range faults {
		m.Release(f)
	}

	assert.LessOrEqual(t, len(m.free), FaultTcacheMagSize)
}

func TestWaitQueueFIFOOrder(t *testing.T) {
	var q waitQueue

	a := &Fault{Addr: 1}
	b := &Fault{Addr: 2}
	c := &Fault{Addr: 3}

	q.PushBack(a)
	q.PushBack(b)
	q.PushBack(c)

	assert.Equal(t, 3, q.Len())

	assert.Same(t, a, q.PopFront())
	assert.Same(t, b, q.PopFront())
	assert.Same(t, c, q.PopFront())
	assert.Zero(t, q.Len())
	assert.Nil(t, q.PopFront())
}

func TestWaitQueuePopFromEmptyIsNil(t *testing.T) {
	var q waitQueue

	assert.Nil(t, q.PopFront())
	assert.Zero(t, q.Len())
}

func TestWaitQueueInterleavedPushPop(t *testing.T) {
	var q waitQueue

	a := &Fault{Addr: 1}
	b := &Fault{Addr: 2}

	q.PushBack(a)
	assert.Same(t, a, q.PopFront())

	q.PushBack(b)
	assert.Equal(t, 1, q.Len())
	assert.Same(t, b, q.PopFront())
	assert.Zero(t, q.Len())
}

func TestFaultStringDistinguishesAccessAndOrigin(t *testing.T) {
	f := &Fault{Addr: 0x2000, Access: AccessWrite, Origin: OriginKernel}
	assert.Contains(t, f.String(), "kern:w")

	f2 := &Fault{Addr: 0x2000, Access: AccessRead, Origin: OriginRuntime}
	assert.Contains(t, f2.String(), "user:r")
}
