package gate

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/bdougie/visionbatch/internal/errkind"
)

// Gate bounds how many holders are active at once.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int
	active   atomic.Int64
	peak     atomic.Int64
}

// New creates a gate with the given capacity, which must be at least 1.
func New(capacity int) (*Gate, error) {
	if capacity < 1 {
		return nil, errkind.New(errkind.Config, "gate", "capacity must be >= 1, got %d", capacity)
	}
	return &Gate{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
	}, nil
}

// Acquire blocks until a permit is free or ctx is done. Prefer Do, which
// cannot leak the permit.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	n := g.active.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return nil
}

// Release returns a permit taken by Acquire.
func (g *Gate) Release() {
	g.active.Add(-1)
	g.sem.Release(1)
}

// Do runs fn while holding a permit. The permit is returned on every exit
// path, including a panic in fn.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer g.Release()
	return fn(ctx)
}

// Capacity is the configured number of permits.
func (g *Gate) Capacity() int {
	return g.capacity
}

// Active is the number of permits currently held.
func (g *Gate) Active() int {
	return int(g.active.Load())
}

// Peak is the highest number of permits held at once.
func (g *Gate) Peak() int {
	return int(g.peak.Load())
}
