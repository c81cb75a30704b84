package rmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// Op is the kind of operation a Completion reports on.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

// Completion reports that a previously posted backend operation finished.
type Completion struct {
	Channel int
	Region  *Region
	PageIdx int64
	Op      Op
	Err     error
}

// Backend is the capability set the fault state machine and the eviction
// engine need from whatever actually moves bytes to and from remote
// memory. Only this contract is fixed by this package — the RDMA verbs
// wiring behind a real deployment's backend is an external collaborator;
// LocalBackend and LoopbackBackend below are the two implementations this
// repository owns outright (a synchronous test backend and a
// channel-multiplexed loopback one).
//
// A channel is single-owner except during completion stealing, where a
// second handler thread polls another thread's channel to make progress on
// a fault that thread has stalled on.
type Backend interface {
	// PostRead starts fetching the page at pageIdx in region into dst.
	// The read is asynchronous; completion arrives through
	// PollCompletions on the same channel.
	PostRead(ctx context.Context, channel int, region *Region, pageIdx int64, dst []byte) error

	// PostWrite starts writing src back to the page at pageIdx in
	// region. Asynchronous, same completion contract as PostRead.
	PostWrite(ctx context.Context, channel int, region *Region, pageIdx int64, src []byte) error

	// PollCompletions drains up to max finished operations from
	// channel without blocking.
	PollCompletions(channel int, max int) ([]Completion, error)

	// AllocateRemote reserves size bytes of remote storage for region,
	// returning the remote-relative base offset.
	AllocateRemote(region *Region, size int64) (uint64, error)

	// RemoveRegion releases whatever remote storage and channels a
	// region was using.
	RemoveRegion(region *Region) error
}

// channelPool hands out channel ids from a fixed-size bitset, the same
// pattern the examples use for kernel device-slot allocation.
type channelPool struct {
	slots *bitset.BitSet
	mu    sync.Mutex
}

func newChannelPool(n uint) *channelPool {
	return &channelPool{slots: bitset.New(n)}
}

// Acquire returns a free channel id, or an error if the pool is exhausted.
func (p *channelPool) Acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot, ok := p.slots.NextClear(0)
	if !ok {
		return 0, fmt.Errorf("acquire channel: %w", ErrCapacityExhausted)
	}

	p.slots.Set(slot)

	return int(slot), nil
}

// Release returns channel back to the pool.
func (p *channelPool) Release(channel int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.slots.Clear(uint(channel))
}

// ErrCapacityExhausted is returned when a fixed-size pool (channels,
// remote slab slots) has nothing left to hand out.
var ErrCapacityExhausted = fmt.Errorf("rmem: capacity exhausted")
