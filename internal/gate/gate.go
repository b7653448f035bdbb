// Package gate bounds the number of simultaneous local compiler invocations.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Norgate-AV/compilerd/internal/codes"
	"github.com/Norgate-AV/compilerd/internal/metrics"
)

// DefaultLimit is the production local concurrency
const DefaultLimit = 2

// Gate is a counting semaphore of local execution slots. Waiters are not
// served in any guaranteed order; a waiter whose context ends gets an error
// instead of waiting forever.
type Gate struct {
	sem   *semaphore.Weighted
	limit int64
	inUse atomic.Int64
}

// New creates a gate with limit slots
func New(limit int) (*Gate, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("concurrency limit must be positive, got %d", limit)
	}

	return &Gate{
		sem:   semaphore.NewWeighted(int64(limit)),
		limit: int64(limit),
	}, nil
}

// Slot is one held unit of the local concurrency budget
type Slot struct {
	gate *Gate
	once sync.Once
}

// Acquire blocks until a slot is free or ctx ends. A deadline expiry is
// reported as codes.Stale.
func (g *Gate) Acquire(ctx context.Context) (*Slot, error) {
	start := time.Now()

	if err := g.sem.Acquire(ctx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, codes.Wrap(codes.Stale, err, "timed out waiting for a compilation slot")
		}

		return nil, fmt.Errorf("failed to acquire compilation slot: %w", err)
	}

	metrics.GateWaitSeconds.Observe(time.Since(start).Seconds())
	metrics.GateInUse.Set(float64(g.inUse.Add(1)))

	return &Slot{gate: g}, nil
}

// Release returns the slot. Releasing twice is a no-op.
func (s *Slot) Release() {
	s.once.Do(func() {
		metrics.GateInUse.Set(float64(s.gate.inUse.Add(-1)))
		s.gate.sem.Release(1)
	})
}

// InUse returns the number of held slots
func (g *Gate) InUse() int {
	return int(g.inUse.Load())
}

// Limit returns the configured slot count
func (g *Gate) Limit() int {
	return int(g.limit)
}
