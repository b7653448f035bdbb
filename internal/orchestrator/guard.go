package orchestrator

import (
	"context"
	"time"
)

// DefaultStaleAfter matches the upstream proxy timeout
const DefaultStaleAfter = 60 * time.Second

// Guard derives the abandonment deadline of a request from its entry time.
// The deadline is fixed at entry and never extended.
type Guard struct {
	MaxAge time.Duration
}

func NewGuard(maxAge time.Duration) Guard {
	if maxAge <= 0 {
		maxAge = DefaultStaleAfter
	}

	return Guard{MaxAge: maxAge}
}

// Deadline returns the moment a request received at entry goes stale
func (g Guard) Deadline(entry time.Time) time.Time {
	return entry.Add(g.MaxAge)
}

// WorkContext returns a context for shared work that ends at the deadline.
// It is rooted at context.Background so no single caller can cancel it.
func (g Guard) WorkContext(entry time.Time) (context.Context, context.CancelFunc) {
	return context.WithDeadline(context.Background(), g.Deadline(entry))
}

// Expired reports whether a request received at entry is already stale
func (g Guard) Expired(entry, now time.Time) bool {
	return !now.Before(g.Deadline(entry))
}
