package block

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// Marker tracks which fixed-size blocks of a device currently hold valid
// data. It backs the "is this chunk resident" bookkeeping shared by every
// Device implementation in this package.
type Marker struct {
	mu   sync.RWMutex
	bits *bitset.BitSet
}

// NewMarker allocates a marker for the given number of blocks.
func NewMarker(blocks uint) *Marker {
	return &Marker{bits: bitset.New(blocks)}
}

// Mark records that the block at the given index holds valid data.
func (m *Marker) Mark(block int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.bits.Set(uint(block))
}

// Unmark records that the block at the given index no longer holds valid
// data (used when a frame is evicted or released).
func (m *Marker) Unmark(block int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.bits.Clear(uint(block))
}

// IsMarked reports whether the block at the given index holds valid data.
func (m *Marker) IsMarked(block int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.bits.Test(uint(block))
}

// Count returns the number of marked blocks.
func (m *Marker) Count() uint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.bits.Count()
}
