package rmem

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/rmem/pkg/rmemstats"
)

// handlerRegistry maps a handler's owner id to the live *Handler, so a
// handler stalled behind a contended page can find whoever is holding it
// and poll that handler's backend channel directly — completion stealing,
// §4.9. It mirrors globalRegistry's role for regions: a process-wide
// lookup table guarded by a single mutex standing in for a spinlock.
type handlerRegistry struct {
	mu       sync.Mutex
	handlers map[uint16]*Handler
}

var globalHandlers = &handlerRegistry{handlers: make(map[uint16]*Handler)}

func registerHandler(h *Handler) {
	globalHandlers.mu.Lock()
	defer globalHandlers.mu.Unlock()

	globalHandlers.handlers[h.id] = h
}

func unregisterHandler(id uint16) {
	globalHandlers.mu.Lock()
	defer globalHandlers.mu.Unlock()

	delete(globalHandlers.handlers, id)
}

func lookupHandler(id uint16) *Handler {
	globalHandlers.mu.Lock()
	defer globalHandlers.mu.Unlock()

	return globalHandlers.handlers[id]
}

// tryUnblock attempts to finish f's fault on behalf of whichever handler
// currently owns its page's WorkOngoing bit, by polling that handler's
// backend channel for a completion that handler hasn't drained yet. It
// reports whether f was resolved (in which case the caller must not
// re-park it).
//
// This only ever steals read completions: the owning handler's own
// eviction write-backs poll the same channel from their own goroutine, so
// a stolen write completion would race that await loop. A write
// completion encountered while stealing is left for its poller.
func (h *Handler) tryUnblock(ctx context.Context, f *Fault) bool {
	page := f.Region.PageAt(f.Addr)

	cur, owner := page.Load()
	if cur&FlagReadOngoing == 0 {
		return false
	}

	if owner == h.id {
		return false
	}

	ownerHandler := lookupHandler(owner)
	if ownerHandler == nil {
		return false
	}

	comps, err := h.backend.PollCompletions(ownerHandler.channelID(), MaxCompPerOp)
	if err != nil || len(comps) == 0 {
		return false
	}

	resolved := false

	for _, c := range comps {
		if c.Op != OpRead {
			continue
		}

		addr := c.Region.PageAddr(c.PageIdx)

		owned := ownerHandler.popPendingRead(addr)
		if owned == nil {
			continue
		}

		owned.StolenFromCQ = true

		if c.Err != nil {
			owned.Region.PageAt(owned.Addr).Release(FlagReadOngoing | FlagWorkOngoing)
			h.budget.Release(1)
		} else if err := completePageRead(h.kernel, owned.Region.PageAt(owned.Addr), owned, h.stats); err != nil && h.logger != nil {
			h.logger.Error("steal read completion failed", zap.String("fault", owned.String()), zap.Error(err))
		}

		if addr == f.Addr {
			resolved = true
		}
	}

	if resolved {
		h.stats.Add(rmemstats.CounterReadySteals, 1)
	}

	return resolved
}
