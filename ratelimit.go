package reservamail

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// sendGate enforces the global outbound limit: at most limit sends per
// rolling window, across all concurrent workers. Slot reservation happens
// under the mutex so racing senders cannot burst past the limit; only the
// wait itself runs unlocked.
type sendGate struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	limit  int
	window time.Duration
	sends  []time.Time
}

func newSendGate(clock clockwork.Clock, limit int, window time.Duration) *sendGate {
	return &sendGate{
		clock:  clock,
		limit:  limit,
		window: window,
	}
}

// Wait blocks until the caller may send, or the context is cancelled. The
// send slot is reserved before waiting, so concurrent callers line up in
// arrival order.
func (g *sendGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	now := g.clock.Now()

	cutoff := now.Add(-g.window)
	i := 0
	for i < len(g.sends) && !g.sends[i].After(cutoff) {
		i++
	}
	g.sends = g.sends[i:]

	at := now
	if len(g.sends) >= g.limit {
		at = g.sends[len(g.sends)-g.limit].Add(g.window)
	}
	g.sends = append(g.sends, at)
	g.mu.Unlock()

	if wait := at.Sub(now); wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.clock.After(wait):
		}
	}
	return nil
}
