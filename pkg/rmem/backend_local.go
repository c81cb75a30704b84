package rmem

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/e2b-dev/infra/packages/rmem/pkg/cache"
)

// LocalBackend is a synchronous, in-process Backend used by tests and by
// single-host deployments with no RDMA fabric available. It stores a
// region's remote-memory contents in a mmap-backed arena and completes
// every operation immediately, queuing a Completion for the next
// PollCompletions call rather than returning it inline — callers must
// still drive the same post-then-poll protocol a real async backend needs.
type LocalBackend struct {
	arena    *cache.FrameArena
	pageSize int64

	channels *channelPool

	mu          sync.Mutex
	completions map[int][]Completion

	nextOffset atomic.Int64
}

// NewLocalBackend backs a LocalBackend with an arena file at path able to
// hold capacity bytes of remote-memory contents.
func NewLocalBackend(capacity, pageSize int64, path string) (*LocalBackend, error) {
	arena, err := cache.NewFrameArena(capacity, pageSize, path)
	if err != nil {
		return nil, fmt.Errorf("new local backend: %w", err)
	}

	return &LocalBackend{
		arena:       arena,
		pageSize:    pageSize,
		channels:    newChannelPool(MaxChannels),
		completions: make(map[int][]Completion),
	}, nil
}

// AcquireChannel hands out a channel id for a handler thread to post
// operations on.
func (b *LocalBackend) AcquireChannel() (int, error) {
	return b.channels.Acquire()
}

// ReleaseChannel returns a channel id to the pool.
func (b *LocalBackend) ReleaseChannel(channel int) {
	b.channels.Release(channel)
}

func (b *LocalBackend) PostRead(_ context.Context, channel int, region *Region, pageIdx int64, dst []byte) error {
	off := region.RemoteOffset(region.PageAddr(pageIdx))

	if _, err := b.arena.ReadAt(dst, int64(off)); err != nil {
		b.queueCompletion(channel, Completion{Channel: channel, Region: region, PageIdx: pageIdx, Op: OpRead, Err: err})
		return wrapErr(KindTransientBackend, "local backend read", err)
	}

	b.queueCompletion(channel, Completion{Channel: channel, Region: region, PageIdx: pageIdx, Op: OpRead})

	return nil
}

func (b *LocalBackend) PostWrite(_ context.Context, channel int, region *Region, pageIdx int64, src []byte) error {
	off := region.RemoteOffset(region.PageAddr(pageIdx))

	if _, err := b.arena.WriteAt(src, int64(off)); err != nil {
		b.queueCompletion(channel, Completion{Channel: channel, Region: region, PageIdx: pageIdx, Op: OpWrite, Err: err})
		return wrapErr(KindTransientBackend, "local backend write", err)
	}

	b.queueCompletion(channel, Completion{Channel: channel, Region: region, PageIdx: pageIdx, Op: OpWrite})

	return nil
}

func (b *LocalBackend) PollCompletions(channel int, max int) ([]Completion, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.completions[channel]
	if len(q) == 0 {
		return nil, nil
	}

	if max <= 0 || max > len(q) {
		max = len(q)
	}

	out := q[:max]
	b.completions[channel] = q[max:]

	return out, nil
}

func (b *LocalBackend) AllocateRemote(_ *Region, size int64) (uint64, error) {
	arenaSize, err := b.arena.Size()
	if err != nil {
		return 0, fmt.Errorf("allocate remote: %w", err)
	}

	aligned := (size + b.pageSize - 1) / b.pageSize * b.pageSize

	for {
		cur := b.nextOffset.Load()
		next := cur + aligned

		if next > arenaSize {
			return 0, fmt.Errorf("allocate remote %d bytes: %w", size, ErrCapacityExhausted)
		}

		if b.nextOffset.CompareAndSwap(cur, next) {
			return uint64(cur), nil
		}
	}
}

// RemoveRegion drops every channel's queued completions, not only
// region's, and releases region's whole
// remote-offset range back to the arena's residency marker, so a stale
// region's bytes can never answer a later ReadAt against reused offsets.
func (b *LocalBackend) RemoveRegion(region *Region) error {
	b.mu.Lock()

	for ch := range b.completions {
		delete(b.completions, ch)
	}

	b.mu.Unlock()

	b.arena.Release(int64(region.RemoteOffset(region.Addr())), region.Size())

	return nil
}

// Close releases the backend's arena file.
func (b *LocalBackend) Close() error {
	return b.arena.Close()
}

func (b *LocalBackend) queueCompletion(channel int, c Completion) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.completions[channel] = append(b.completions[channel], c)
}
