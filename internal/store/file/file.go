// Package file implements a run store backed by a directory of JSON
// files, one per run, named <run id>.json.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rakunlabs/akis/internal/service"
)

// RunStore persists run records under a directory. Writes go through a
// temp file and rename so readers never observe a partial record.
type RunStore struct {
	dir string
}

// NewRunStore creates the directory if needed and returns the store.
func NewRunStore(dir string) (*RunStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("run store directory is required: %w", service.ErrInvalidArgument)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run store directory %s: %w", dir, err)
	}

	return &RunStore{dir: dir}, nil
}

func (s *RunStore) path(runID string) string {
	return filepath.Join(s.dir, runID+".json")
}

// Save writes the record as <run id>.json.
func (s *RunStore) Save(_ context.Context, record service.RunRecord) error {
	if record.ID == "" {
		return fmt.Errorf("run record id is required: %w", service.ErrInvalidArgument)
	}

	raw, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run %s: %w: %w", record.ID, service.ErrSerialization, err)
	}

	tmp, err := os.CreateTemp(s.dir, record.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file for run %s: %w", record.ID, err)
	}

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return fmt.Errorf("write run %s: %w", record.ID, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("close run %s: %w", record.ID, err)
	}

	if err := os.Rename(tmp.Name(), s.path(record.ID)); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("store run %s: %w", record.ID, err)
	}

	return nil
}

// Get reads a record by run id, or returns nil when absent.
func (s *RunStore) Get(_ context.Context, runID string) (*service.RunRecord, error) {
	raw, err := os.ReadFile(s.path(runID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read run %s: %w", runID, err)
	}

	var rec service.RunRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode run %s: %w: %w", runID, service.ErrSerialization, err)
	}

	return &rec, nil
}

// List reads all records, filters, and returns them most recently started
// first.
func (s *RunStore) List(ctx context.Context, filter service.RunFilter) ([]service.RunRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list run store %s: %w", s.dir, err)
	}

	var out []service.RunRecord

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		rec, err := s.Get(ctx, strings.TrimSuffix(name, ".json"))
		if err != nil || rec == nil {
			continue
		}

		if filter.WorkflowID != "" && rec.WorkflowID != filter.WorkflowID {
			continue
		}

		out = append(out, *rec)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt > out[j].StartedAt })

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}

	return out, nil
}
