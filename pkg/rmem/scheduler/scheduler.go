// Package scheduler fixes the contract between a fault handler and the
// goroutine blocked on the page it is servicing. The handler owns the
// kernel-facing side of a fault (reading from the backend, installing the
// page); the worker side is whatever goroutine touched the page and now
// needs to be resumed once that work finishes. This package only commits
// to the Park/Ready handshake — the scheduling policy behind "what a
// worker thread is" is an external concern.
package scheduler

import "context"

// Waiter parks a single goroutine until it is woken by a matching Ready
// call, or the supplied context is done. A Waiter is single-use: callers
// construct a fresh one per fault.
type Waiter struct {
	ready chan struct{}
}

// New returns a Waiter ready to be parked on.
func New() *Waiter {
	return &Waiter{ready: make(chan struct{}, 1)}
}

// Park blocks until Ready is called or ctx is done.
func (w *Waiter) Park(ctx context.Context) error {
	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready wakes the parked goroutine. It is safe to call more than once and
// safe to call before Park; the wakeup is latched.
func (w *Waiter) Ready() {
	select {
	case w.ready <- struct{}{}:
	default:
	}
}
