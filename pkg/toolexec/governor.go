package toolexec

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// governor bounds how many dispatches run at once.
type governor struct {
	size  int64
	sem   *semaphore.Weighted
	inUse atomic.Int64
}

func newGovernor(size int) *governor {
	if size < 1 {
		size = 1
	}
	return &governor{
		size: int64(size),
		sem:  semaphore.NewWeighted(int64(size)),
	}
}

// Acquire blocks until a slot is free or ctx is done.
func (g *governor) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.inUse.Add(1)
	return nil
}

// Release returns a slot. Each successful Acquire must be paired with exactly one Release.
func (g *governor) Release() {
	g.inUse.Add(-1)
	g.sem.Release(1)
}

// InUse reports the number of held slots.
func (g *governor) InUse() int {
	return int(g.inUse.Load())
}

// Size reports the configured pool size.
func (g *governor) Size() int {
	return int(g.size)
}
