// Package cache provides the mmap-backed byte arena LocalBackend and the
// standalone rmemd-backend server use to simulate remote-memory storage.
package cache

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/e2b-dev/infra/packages/rmem/pkg/block"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

// FrameArena is a chunk-addressable mmap-backed store for page-sized
// frames. It backs LocalBackend's (and rmemd-backend's) simulated remote
// slab — a region's committed writes (the eviction engine's write-back
// path) land here, and a region's backend reads copy back out of it —
// standing in for the byte range a real RDMA-attached remote memory
// target would expose. It never holds executable code (spec.md's
// Non-goals exclude swapping executable pages), so unlike the teacher's
// MmapCache this arena's mapping drops PROT_EXEC/mmap.EXEC entirely
// rather than requesting it unconditionally.
type FrameArena struct {
	marker    *block.Marker
	filePath  string
	size      int64
	blockSize int64
	mmap      mmap.MMap
	mu        sync.RWMutex
}

// NewFrameArena backs the arena with a sparse file of the given size, mapped
// once and reused as the frame store for the arena's lifetime.
func NewFrameArena(size, blockSize int64, filePath string) (*FrameArena, error) {
	f, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("error opening file: %w", err)
	}
	defer f.Close()

	// This should create a sparse file on Linux.
	err = f.Truncate(size)
	if err != nil {
		return nil, fmt.Errorf("error allocating file: %w", err)
	}

	mm, err := mmap.MapRegion(f, int(size), unix.PROT_READ|unix.PROT_WRITE, mmap.RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("error mapping file: %w", err)
	}

	return &FrameArena{
		mmap:      mm,
		filePath:  filePath,
		size:      size,
		marker:    block.NewMarker(uint(size / blockSize)),
		blockSize: blockSize,
	}, nil
}

func (m *FrameArena) ReadAt(b []byte, off int64) (int, error) {
	if !m.IsMarked(off, int64(len(b))) {
		return 0, block.ErrBytesNotAvailable{}
	}

	end := off + int64(len(b))
	if end > m.size {
		end = m.size
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return copy(b, m.mmap[off:end]), nil
}

func (m *FrameArena) WriteAt(b []byte, off int64) (int, error) {
	end := off + int64(len(b))
	if end > m.size {
		end = m.size
	}

	m.mu.Lock()
	n := copy(m.mmap[off:end], b)
	m.mu.Unlock()

	m.Mark(off, int64(n))

	return n, nil
}

func (m *FrameArena) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mmapErr := m.mmap.Unmap()

	removeErr := os.Remove(m.filePath)

	return errors.Join(mmapErr, removeErr)
}

func (m *FrameArena) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.mmap.Flush()
	if err != nil {
		return fmt.Errorf("error flushing mmap: %w", err)
	}

	return nil
}

func (m *FrameArena) Size() (int64, error) {
	return m.size, nil
}

func (m *FrameArena) ReadRaw(off, length int64) ([]byte, func(), error) {
	if !m.IsMarked(off, length) {
		return nil, nil, block.ErrBytesNotAvailable{}
	}

	end := off + length
	if end > m.size {
		end = m.size
	}

	m.mu.RLock()

	return m.mmap[off:end], func() {
		m.mu.RUnlock()
	}, nil
}

func (m *FrameArena) BlockSize() int64 {
	return m.blockSize
}

func (m *FrameArena) IsMarked(off, length int64) bool {
	for i := off; i < off+length; i += m.blockSize {
		if !m.marker.IsMarked(i / m.blockSize) {
			return false
		}
	}

	return true
}

func (m *FrameArena) Mark(off, length int64) {
	for i := off; i < off+length; i += m.blockSize {
		m.marker.Mark(i / m.blockSize)
	}
}

// Release clears the residency marker for the given range without
// touching the file contents. Called by LocalBackend.RemoveRegion once a
// region is torn down, so a stale region's offsets never answer ReadAt
// with bytes a new region never actually wrote to this arena.
func (m *FrameArena) Release(off, length int64) {
	for i := off; i < off+length; i += m.blockSize {
		m.marker.Unmark(i / m.blockSize)
	}
}
