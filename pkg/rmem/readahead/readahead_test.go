package readahead

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/e2b-dev/infra/packages/rmem/pkg/block"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPageSize = 4096

type fakeFetcher struct {
	backing []byte
	calls   atomic.Int64
}

func (f *fakeFetcher) FetchPage(_ context.Context, pageIdx int64, dst []byte) error {
	f.calls.Add(1)

	off := pageIdx * testPageSize
	copy(dst, f.backing[off:off+testPageSize])

	return nil
}

func generateRandomData(size int) ([]byte, error) {
	data := make([]byte, size)

	_, err := rand.Read(data)
	if err != nil {
		return nil, fmt.Errorf("error generating random data: %w", err)
	}

	return data, nil
}

func TestBatchEnsureSinglePage(t *testing.T) {
	backing, err := generateRandomData(testPageSize * 4)
	require.NoError(t, err)

	fetcher := &fakeFetcher{backing: backing}
	store := block.NewMockDevice(make([]byte, len(backing)), testPageSize, false)

	batch := NewBatch(testPageSize, store)

	err = batch.Ensure(context.Background(), fetcher, 1, 0)
	require.NoError(t, err)

	buf := make([]byte, testPageSize)
	_, err = store.ReadAt(buf, testPageSize)
	require.NoError(t, err)

	assert.True(t, bytes.Equal(backing[testPageSize:2*testPageSize], buf))
	assert.EqualValues(t, 1, fetcher.calls.Load())
}

func TestBatchEnsureReadAheadRange(t *testing.T) {
	backing, err := generateRandomData(testPageSize * 8)
	require.NoError(t, err)

	fetcher := &fakeFetcher{backing: backing}
	store := block.NewMockDevice(make([]byte, len(backing)), testPageSize, false)

	batch := NewBatch(testPageSize, store)

	err = batch.Ensure(context.Background(), fetcher, 0, 4)
	require.NoError(t, err)

	for page := int64(0); page < 4; page++ {
		buf := make([]byte, testPageSize)
		_, err = store.ReadAt(buf, page*testPageSize)
		require.NoError(t, err)

		off := page * testPageSize
		assert.True(t, bytes.Equal(backing[off:off+testPageSize], buf))
	}

	assert.EqualValues(t, 4, fetcher.calls.Load())
}

func TestBatchEnsureSkipsResidentPages(t *testing.T) {
	backing, err := generateRandomData(testPageSize * 2)
	require.NoError(t, err)

	fetcher := &fakeFetcher{backing: backing}
	store := block.NewMockDevice(make([]byte, len(backing)), testPageSize, true)

	batch := NewBatch(testPageSize, store)

	err = batch.Ensure(context.Background(), fetcher, 0, 2)
	require.NoError(t, err)

	assert.EqualValues(t, 0, fetcher.calls.Load())
}

func TestBoundClampsToMaxPages(t *testing.T) {
	assert.EqualValues(t, MaxPages, Bound(MaxPages+50))
	assert.EqualValues(t, 0, Bound(0))
	assert.EqualValues(t, 0, Bound(-5))
	assert.EqualValues(t, 10, Bound(10))
}
