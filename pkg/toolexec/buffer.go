package toolexec

import "sync"

// resultBuffer is a FIFO of completed outcomes waiting to be observed.
type resultBuffer struct {
	items []ExecutionOutcome
	// arrived is closed and replaced on every push so waiters can select on it.
	arrived chan struct{}
	mu      sync.Mutex
}

func newResultBuffer() *resultBuffer {
	return &resultBuffer{
		items:   make([]ExecutionOutcome, 0),
		arrived: make(chan struct{}),
	}
}

// Push appends outcome and wakes any waiter.
func (b *resultBuffer) Push(outcome ExecutionOutcome) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items = append(b.items, outcome)
	close(b.arrived)
	b.arrived = make(chan struct{})
	return len(b.items)
}

// Drain removes up to max outcomes from the head (all when max <= 0).
func (b *resultBuffer) Drain(max int) []ExecutionOutcome {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.items)
	if max > 0 && max < n {
		n = max
	}
	out := make([]ExecutionOutcome, n)
	copy(out, b.items[:n])
	b.items = b.items[n:]
	return out
}

// Arrived returns a channel closed on the next push.
func (b *resultBuffer) Arrived() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.arrived
}

// Len returns the number of buffered outcomes.
func (b *resultBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Clear discards all buffered outcomes.
func (b *resultBuffer) Clear() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.items)
	b.items = make([]ExecutionOutcome, 0)
	return n
}
