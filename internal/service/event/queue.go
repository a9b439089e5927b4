// Package event implements the in-process half of the bus: the FIFO queue
// the orchestrator drains and the typed/wildcard dispatcher it fans out to.
package event

import (
	"context"
	"sync"

	"github.com/rakunlabs/akis/internal/service"
)

// compaction bounds for the head-index ring: once more than half the
// backing slice is dead prefix, drop it.
const (
	compactMinHead = 50
)

// Queue is an in-memory FIFO implementing service.EventQueue and all of its
// optional extensions. Dequeue is amortized O(1): messages are appended to a
// slice and consumed through a head index; the dead prefix is dropped when
// it dominates the backing array.
type Queue struct {
	mu    sync.Mutex
	items []service.QueueMessage
	head  int
}

// NewQueue creates an empty in-memory queue.
func NewQueue() *Queue {
	return &Queue{}
}

// NewMessage wraps a plain event in a queue envelope.
func NewMessage(ev service.Event) service.QueueMessage {
	return service.QueueMessage{Event: ev}
}

// Enqueue appends a message to the tail.
func (q *Queue) Enqueue(_ context.Context, msg service.QueueMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, msg)

	return nil
}

// Dequeue removes and returns the head message, or nil when empty.
func (q *Queue) Dequeue(_ context.Context) (*service.QueueMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head >= len(q.items) {
		return nil, nil
	}

	msg := q.items[q.head]
	q.head++

	if q.head > compactMinHead && q.head*2 > len(q.items) {
		q.items = append([]service.QueueMessage(nil), q.items[q.head:]...)
		q.head = 0
	}

	return &msg, nil
}

// Size returns the number of pending messages.
func (q *Queue) Size(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items) - q.head, nil
}

// Peek returns the head message without removing it, or nil when empty.
func (q *Queue) Peek(_ context.Context) (*service.QueueMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head >= len(q.items) {
		return nil, nil
	}

	msg := q.items[q.head]

	return &msg, nil
}

// Clear drops all pending messages.
func (q *Queue) Clear(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = nil
	q.head = 0

	return nil
}

// List returns the pending messages in order without removing them.
func (q *Queue) List(_ context.Context) ([]service.QueueMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]service.QueueMessage(nil), q.items[q.head:]...), nil
}

// Drain returns the pending messages in order and clears the queue.
func (q *Queue) Drain(_ context.Context) ([]service.QueueMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := append([]service.QueueMessage(nil), q.items[q.head:]...)
	q.items = nil
	q.head = 0

	return out, nil
}
