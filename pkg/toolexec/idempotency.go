package toolexec

import "sync"

// idempotencyCache stores outcomes per key, split into succeeded and failed sets.
// A key lives in at most one of the two sets.
type idempotencyCache struct {
	succeeded map[string]ExecutionOutcome
	failed    map[string]ExecutionOutcome
	mu        sync.RWMutex
}

func newIdempotencyCache() *idempotencyCache {
	return &idempotencyCache{
		succeeded: make(map[string]ExecutionOutcome),
		failed:    make(map[string]ExecutionOutcome),
	}
}

// Get returns the cached outcome for key, if any.
func (c *idempotencyCache) Get(key string) (ExecutionOutcome, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if outcome, ok := c.succeeded[key]; ok {
		return outcome, true
	}
	if outcome, ok := c.failed[key]; ok {
		return outcome, true
	}
	return ExecutionOutcome{}, false
}

// Record stores outcome under key in the set matching its success flag.
func (c *idempotencyCache) Record(key string, outcome ExecutionOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if outcome.Success {
		delete(c.failed, key)
		c.succeeded[key] = outcome
		return
	}
	delete(c.succeeded, key)
	c.failed[key] = outcome
}

// Counts returns the number of distinct succeeded and failed keys.
func (c *idempotencyCache) Counts() (succeeded, failed int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.succeeded), len(c.failed)
}

// Clear drops both sets.
func (c *idempotencyCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.succeeded = make(map[string]ExecutionOutcome)
	c.failed = make(map[string]ExecutionOutcome)
}
