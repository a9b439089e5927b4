// Package service holds the shared model types and the external interfaces
// the orchestrator core consumes: event queues, conversation and run stores,
// distributed locks, and the minimal cron scheduler surface. Backends live
// under internal/store and internal/cluster; the core never depends on a
// concrete backend.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Memory is per-conversation state threaded through chatflow runs. Values
// must be JSON-serializable when a persistent store is configured.
type Memory map[string]any

// CloneMemory deep-clones a memory snapshot through a JSON round-trip so the
// caller's maps are never shared with a run.
func CloneMemory(m Memory) (Memory, error) {
	if m == nil {
		return nil, nil
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("clone memory: %w: %w", ErrSerialization, err)
	}

	out := make(Memory, len(m))
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("clone memory: %w: %w", ErrSerialization, err)
	}

	return out, nil
}

// QueueMessage is the envelope a queue hands to the worker loop. Ack and
// Nack are optional callbacks supplied by backends that track delivery;
// in-process queues usually leave them nil.
type QueueMessage struct {
	Event    Event
	Attempts int

	Ack  func(ctx context.Context) error
	Nack func(ctx context.Context, reason string) error
}

// EventQueue is the FIFO the orchestrator drains. Dequeue returns nil when
// the queue is empty. Implementations may be backed by shared infrastructure;
// the in-process implementation lives in internal/service/event.
type EventQueue interface {
	Enqueue(ctx context.Context, msg QueueMessage) error
	Dequeue(ctx context.Context) (*QueueMessage, error)
	Size(ctx context.Context) (int, error)
}

// QueuePeeker is an optional queue extension returning the head without
// removing it.
type QueuePeeker interface {
	Peek(ctx context.Context) (*QueueMessage, error)
}

// QueueClearer is an optional queue extension dropping all pending messages.
type QueueClearer interface {
	Clear(ctx context.Context) error
}

// QueueLister is an optional queue extension returning pending messages in
// order without removing them.
type QueueLister interface {
	List(ctx context.Context) ([]QueueMessage, error)
}

// QueueDrainer is an optional queue extension returning pending messages in
// order and clearing the queue.
type QueueDrainer interface {
	Drain(ctx context.Context) ([]QueueMessage, error)
}

// ConversationStore persists per-conversation memory between chatflow runs.
// Get returns nil when the conversation has no stored memory.
type ConversationStore interface {
	Get(ctx context.Context, conversationID string) (Memory, error)
	Set(ctx context.Context, conversationID string, memory Memory) error
}

// ConversationDeleter is an optional store extension removing a conversation.
type ConversationDeleter interface {
	Delete(ctx context.Context, conversationID string) error
}

// RunFilter narrows a RunLister query.
type RunFilter struct {
	WorkflowID string
	Limit      int
}

// RunStore persists workflow run records. Get returns nil when the run is
// unknown.
type RunStore interface {
	Save(ctx context.Context, record RunRecord) error
	Get(ctx context.Context, runID string) (*RunRecord, error)
}

// RunLister is an optional store extension listing saved runs, most recent
// first.
type RunLister interface {
	List(ctx context.Context, filter RunFilter) ([]RunRecord, error)
}

// LockHandle identifies one acquisition of a distributed lock. The token is
// backend-generated and fences release/refresh against stale holders.
type LockHandle struct {
	Key   string
	Token string
}

// DistributedLock is the named-lease coordination primitive used for leader
// election and cross-process conversation serialization. Acquire returns a
// nil handle without error when the lock is held elsewhere.
type DistributedLock interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*LockHandle, error)
	Release(ctx context.Context, handle *LockHandle) (bool, error)
}

// LockRefresher is an optional lock extension extending a held lease.
// Refresh returns false when the lease was lost.
type LockRefresher interface {
	Refresh(ctx context.Context, handle *LockHandle, ttl time.Duration) (bool, error)
}

// JobHandler runs one cron job firing. Errors are logged by the scheduler
// and never stop the tick loop.
type JobHandler func(ctx context.Context) error

// CronScheduler is the minimal scheduler surface the orchestrator wires
// cron jobs into. internal/service/cron provides the implementation and a
// leader-elected wrapper.
type CronScheduler interface {
	Start(ctx context.Context) error
	Stop()
	AddJob(expression, name string, handler JobHandler) (string, error)
	RemoveJob(id string) bool
	IsJobScheduled(id string) bool
}
