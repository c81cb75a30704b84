package rmem

import "sync/atomic"

// Flag is a single bit in a page's flag word.
type Flag uint32

// Page flag bits. Order matches the original layout so log output and
// constants stay recognizable across the codebase that inspired this one;
// the unused high bits of the low half are left as padding.
const (
	FlagRegistered Flag = 1 << iota
	FlagPresent
	FlagDirty
	FlagNoEvict
	FlagZeropage
	FlagWorkOngoing
	FlagReadOngoing
	FlagMapOngoing
	FlagEvictOngoing
	FlagAwaited
	FlagHotMarker
)

// flagBits is the number of named bits above; flagMask keeps CAS loops from
// touching the owner tag packed into the word's high half.
const flagBits = 11
const flagMask = (uint32(1) << flagBits) - 1
const ownerShift = 16

// PageState is the flag word for a single page: an atomically mutated
// uint32 holding both the flag bits and the id of the handler or worker
// currently holding WorkOngoing, if any. It is the only synchronization
// primitive guarding a page's lifecycle — every transition below is a
// compare-and-swap loop over this one word.
type PageState struct {
	word atomic.Uint32
}

// Load returns the current flags and owner tag.
func (p *PageState) Load() (Flag, uint16) {
	w := p.word.Load()
	return Flag(w & flagMask), uint16(w >> ownerShift)
}

// Test reports whether all bits in flags are currently set.
func (p *PageState) Test(flags Flag) bool {
	cur, _ := p.Load()
	return cur&flags == flags
}

// TestAny reports whether any bit in flags is currently set.
func (p *PageState) TestAny(flags Flag) bool {
	cur, _ := p.Load()
	return cur&flags != 0
}

// Set ORs flags into the word and returns the flags that were set
// beforehand, emulating the original's atomic_fetch_or.
func (p *PageState) Set(flags Flag) Flag {
	for {
		old := p.word.Load()
		next := old | uint32(flags)

		if old == next {
			return Flag(old & flagMask)
		}

		if p.word.CompareAndSwap(old, next) {
			return Flag(old & flagMask)
		}
	}
}

// Clear ANDs flags out of the word and returns the flags that were set
// beforehand, emulating the original's atomic_fetch_and.
func (p *PageState) Clear(flags Flag) Flag {
	for {
		old := p.word.Load()
		next := old &^ uint32(flags)

		if old == next {
			return Flag(old & flagMask)
		}

		if p.word.CompareAndSwap(old, next) {
			return Flag(old & flagMask)
		}
	}
}

// TryAcquire atomically sets flags and stamps the owner tag, but only if
// none of flags is already set. It reports whether the acquire succeeded —
// the CAS-based equivalent of a page-level trylock, used to win the single
// WorkOngoing slot a page may have at a time.
func (p *PageState) TryAcquire(flags Flag, owner uint16) bool {
	for {
		old := p.word.Load()
		if Flag(old&flagMask)&flags != 0 {
			return false
		}

		next := (old &^ (uint32(ownerMask) << ownerShift)) | uint32(flags) | (uint32(owner) << ownerShift)

		if p.word.CompareAndSwap(old, next) {
			return true
		}
	}
}

const ownerMask = 0xFFFF

// Release clears flags and, if the result carries no remaining owned
// bits, clears the owner tag back to zero.
func (p *PageState) Release(flags Flag) Flag {
	for {
		old := p.word.Load()
		clearedFlags := uint32(old&flagMask) &^ uint32(flags)
		next := clearedFlags

		if clearedFlags&uint32(FlagWorkOngoing|FlagEvictOngoing|FlagReadOngoing|FlagMapOngoing) == 0 {
			next = clearedFlags
		} else {
			next = clearedFlags | (old &^ flagMask)
		}

		if p.word.CompareAndSwap(old, next) {
			return Flag(old & flagMask)
		}
	}
}

// Owner returns the id of the handler/worker currently stamped on the
// page, valid only while one of the *Ongoing bits is set.
func (p *PageState) Owner() uint16 {
	_, owner := p.Load()
	return owner
}
