package rmemstats

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Snapshot is one dump of the fleet's counters, tagged so dumps from
// different handler threads (or different runs) can be correlated.
type Snapshot struct {
	ID     uuid.UUID
	Taken  time.Time
	Values map[string]uint64
}

// Sink receives periodic Snapshots. A real deployment's metrics exporter
// is an external collaborator behind this interface; Sampler only fixes
// the contract and a best-effort in-process dumper.
type Sink interface {
	Emit(Snapshot)
}

// Sampler takes periodic snapshots of a Counters off the handler threads'
// critical path. Stop reaches the ticking goroutine through an atomic stop
// flag and waits on the done channel Run closes on exit; each dump is
// bracketed by a single atomic "busy" flag rather than a mutex, even
// though this sampler itself runs on an ordinary goroutine, not a signal
// handler.
type Sampler struct {
	counters *Counters
	sink     Sink
	interval time.Duration

	busy atomic.Bool
	stop atomic.Bool
	done chan struct{}
}

// NewSampler builds a Sampler that dumps counters to sink every interval.
func NewSampler(counters *Counters, sink Sink, interval time.Duration) *Sampler {
	return &Sampler{
		counters: counters,
		sink:     sink,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Run ticks until Stop is called, emitting one Snapshot per interval. It
// is meant to run on its own goroutine, off every handler thread's
// critical path.
func (s *Sampler) Run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer close(s.done)

	for !s.stop.Load() {
		<-ticker.C

		if s.stop.Load() {
			return
		}

		if !s.busy.CompareAndSwap(false, true) {
			// A dump is already in flight; skip this tick rather
			// than block.
			continue
		}

		s.sink.Emit(Snapshot{
			ID:     uuid.New(),
			Taken:  time.Now(),
			Values: s.counters.Snapshot(),
		})

		s.busy.Store(false)
	}
}

// Stop signals Run to exit and blocks until it has.
func (s *Sampler) Stop() {
	s.stop.Store(true)
	<-s.done
}
