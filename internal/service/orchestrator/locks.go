package orchestrator

import (
	"context"
	"sync"
)

// conversationLocks serializes work per conversation id inside the process.
// Acquirers queue in FIFO arrival order; an entry is dropped once its queue
// drains.
type conversationLocks struct {
	mu      sync.Mutex
	entries map[string]*convEntry
}

type convEntry struct {
	locked  bool
	waiters []chan struct{}
}

func newConversationLocks() *conversationLocks {
	return &conversationLocks{entries: make(map[string]*convEntry)}
}

// acquire blocks until the key's lock is free or the context is cancelled.
// The returned release must be called exactly once.
func (c *conversationLocks) acquire(ctx context.Context, key string) (func(), error) {
	c.mu.Lock()

	entry, ok := c.entries[key]
	if !ok {
		entry = &convEntry{}
		c.entries[key] = entry
	}

	if !entry.locked {
		entry.locked = true
		c.mu.Unlock()

		return func() { c.release(key) }, nil
	}

	ch := make(chan struct{})
	entry.waiters = append(entry.waiters, ch)
	c.mu.Unlock()

	select {
	case <-ch:
		return func() { c.release(key) }, nil
	case <-ctx.Done():
		c.mu.Lock()
		for i, w := range entry.waiters {
			if w == ch {
				entry.waiters = append(entry.waiters[:i], entry.waiters[i+1:]...)
				c.mu.Unlock()

				return nil, ctx.Err()
			}
		}
		c.mu.Unlock()

		// The lock was handed to us concurrently with cancellation;
		// give it straight back.
		c.release(key)

		return nil, ctx.Err()
	}
}

// release hands the lock to the oldest waiter, or unlocks and prunes the
// entry when nobody is queued.
func (c *conversationLocks) release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return
	}

	if len(entry.waiters) > 0 {
		ch := entry.waiters[0]
		entry.waiters = entry.waiters[1:]
		close(ch)

		return
	}

	entry.locked = false
	delete(c.entries, key)
}
