// Package readahead grants bounded read-ahead around a faulting page: once
// a fault has to go to the backend anyway, fetch a few neighboring pages in
// the same round trip instead of taking one fault per page.
package readahead

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/e2b-dev/infra/packages/rmem/pkg/block"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// MaxPages bounds how many pages a single fault may pull in beyond the
// faulting page itself, independent of whatever the caller asks for.
const MaxPages = 63

// concurrentFetches bounds how many backend reads a single Batch will have
// in flight at once, across all callers sharing it.
const concurrentFetches = 18

// Fetcher reads one page's worth of bytes from the backend into dst.
// Implementations are expected to be safe for concurrent use.
type Fetcher interface {
	FetchPage(ctx context.Context, pageIdx int64, dst []byte) error
}

// Batch fans out page fetches against a Fetcher, deduplicating concurrent
// requests for the same page and bounding how many are in flight. Both
// apply only among the Ensure calls made on one Batch.
type Batch struct {
	pageSize int64

	store block.Device

	fetchSemaphore *semaphore.Weighted
	fetchGroup     singleflight.Group
}

// NewBatch builds a read-ahead batcher writing fetched pages into store.
func NewBatch(pageSize int64, store block.Device) *Batch {
	return &Batch{
		pageSize:       pageSize,
		store:          store,
		fetchSemaphore: semaphore.NewWeighted(concurrentFetches),
	}
}

// Bound clamps a requested read-ahead page count to MaxPages. Kernel-origin
// faults must pass 0: the caller, not this package, enforces that faults
// that came from the kernel never get read-ahead.
func Bound(pages int64) int64 {
	if pages > MaxPages {
		return MaxPages
	}

	if pages < 0 {
		return 0
	}

	return pages
}

// Ensure fetches [firstPage, firstPage+count) into the store, skipping any
// page already marked resident; a count of zero or less fetches firstPage
// alone. Concurrent Ensure calls overlapping on the
// same page join a single in-flight fetch rather than reading it twice —
// this is what keeps a racing pair of faults on one page to exactly one
// backend read.
func (b *Batch) Ensure(ctx context.Context, fetcher Fetcher, firstPage, count int64) error {
	count = Bound(count)
	if count <= 0 {
		count = 1
	}

	var eg errgroup.Group

	for i := firstPage; i < firstPage+count; i++ {
		pageIdx := i

		eg.Go(func() error {
			_, err, _ := b.fetchGroup.Do(strconv.FormatInt(pageIdx, 10), func() (interface{}, error) {
				off := pageIdx * b.pageSize

				if b.store.IsMarked(off, b.pageSize) {
					return nil, nil
				}

				if acqErr := b.fetchSemaphore.Acquire(ctx, 1); acqErr != nil {
					return nil, fmt.Errorf("acquire read-ahead slot for page %d: %w", pageIdx, acqErr)
				}
				defer b.fetchSemaphore.Release(1)

				if fetchErr := b.fetchPage(ctx, fetcher, pageIdx); fetchErr != nil {
					return nil, fmt.Errorf("fetch page %d: %w", pageIdx, fetchErr)
				}

				return nil, nil
			})

			return err
		})
	}

	if err := eg.Wait(); err != nil {
		return fmt.Errorf("ensure read-ahead [%d, %d): %w", firstPage, firstPage+count, err)
	}

	return nil
}

func (b *Batch) fetchPage(ctx context.Context, fetcher Fetcher, pageIdx int64) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch page %d: %w", pageIdx, ctx.Err())
	default:
	}

	buf := make([]byte, b.pageSize)

	if err := fetcher.FetchPage(ctx, pageIdx, buf); err != nil {
		return fmt.Errorf("backend read page %d: %w", pageIdx, err)
	}

	off := pageIdx * b.pageSize

	if _, err := b.store.WriteAt(buf, off); err != nil {
		return fmt.Errorf("write page %d into local store: %w", pageIdx, err)
	}

	return nil
}

// ErrNotResident is returned by a store lookup that expected the read-ahead
// fetch to have already populated a page.
var ErrNotResident = errors.New("readahead: page not resident after fetch")
