// Package memory provides in-process store backends: conversation memory,
// run records, and a ttl'd lock. They are the defaults when no persistent
// store is configured, and the fixtures the orchestrator tests run against.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/rakunlabs/akis/internal/service"
)

// ConversationStore keeps conversation memory in a mutex-guarded map.
// Snapshots are deep-cloned on the way in and out so callers never share
// maps with the store.
type ConversationStore struct {
	mu   sync.Mutex
	data map[string]service.Memory
}

// NewConversationStore creates an empty conversation store.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{data: make(map[string]service.Memory)}
}

// Get returns a clone of the stored memory, or nil when absent.
func (s *ConversationStore) Get(_ context.Context, conversationID string) (service.Memory, error) {
	s.mu.Lock()
	m, ok := s.data[conversationID]
	s.mu.Unlock()

	if !ok {
		return nil, nil
	}

	return service.CloneMemory(m)
}

// Set stores a clone of the memory snapshot.
func (s *ConversationStore) Set(_ context.Context, conversationID string, memory service.Memory) error {
	clone, err := service.CloneMemory(memory)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.data[conversationID] = clone
	s.mu.Unlock()

	return nil
}

// Delete removes a conversation.
func (s *ConversationStore) Delete(_ context.Context, conversationID string) error {
	s.mu.Lock()
	delete(s.data, conversationID)
	s.mu.Unlock()

	return nil
}

// RunStore keeps run records in a mutex-guarded map.
type RunStore struct {
	mu   sync.Mutex
	runs map[string]service.RunRecord
}

// NewRunStore creates an empty run store.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]service.RunRecord)}
}

// Save stores a record keyed by run id.
func (s *RunStore) Save(_ context.Context, record service.RunRecord) error {
	s.mu.Lock()
	s.runs[record.ID] = record
	s.mu.Unlock()

	return nil
}

// Get returns a record by run id, or nil when unknown.
func (s *RunStore) Get(_ context.Context, runID string) (*service.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.runs[runID]
	if !ok {
		return nil, nil
	}

	return &rec, nil
}

// List returns saved records, most recently started first.
func (s *RunStore) List(_ context.Context, filter service.RunFilter) ([]service.RunRecord, error) {
	s.mu.Lock()
	out := make([]service.RunRecord, 0, len(s.runs))
	for _, rec := range s.runs {
		if filter.WorkflowID != "" && rec.WorkflowID != filter.WorkflowID {
			continue
		}
		out = append(out, rec)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt > out[j].StartedAt })

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}

	return out, nil
}
