// Package store selects the persistence backend from configuration.
package store

import (
	"context"

	"github.com/rakunlabs/akis/internal/config"
	"github.com/rakunlabs/akis/internal/service"
	"github.com/rakunlabs/akis/internal/store/file"
	"github.com/rakunlabs/akis/internal/store/memory"
	"github.com/rakunlabs/akis/internal/store/postgres"
	"github.com/rakunlabs/akis/internal/store/sqlite3"
)

// Stores bundles the conversation and run stores the orchestrator consumes,
// plus the backing connection's Close.
type Stores struct {
	Conversations service.ConversationStore
	Runs          service.RunStore

	closeFn func()
}

// Close releases the backing connection, if any.
func (s *Stores) Close() {
	if s.closeFn != nil {
		s.closeFn()
	}
}

// New creates stores for the configured backend. Precedence: postgres,
// sqlite, file (runs on disk, conversations in memory), then fully
// in-memory.
func New(ctx context.Context, cfg config.Store) (*Stores, error) {
	if cfg.Postgres != nil {
		pg, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}

		return &Stores{
			Conversations: pg.Conversations(),
			Runs:          pg.Runs(),
			closeFn:       pg.Close,
		}, nil
	}

	if cfg.SQLite != nil {
		sq, err := sqlite3.New(ctx, cfg.SQLite)
		if err != nil {
			return nil, err
		}

		return &Stores{
			Conversations: sq.Conversations(),
			Runs:          sq.Runs(),
			closeFn:       sq.Close,
		}, nil
	}

	if cfg.File != nil {
		runs, err := file.NewRunStore(cfg.File.Directory)
		if err != nil {
			return nil, err
		}

		return &Stores{
			Conversations: memory.NewConversationStore(),
			Runs:          runs,
		}, nil
	}

	return &Stores{
		Conversations: memory.NewConversationStore(),
		Runs:          memory.NewRunStore(),
	}, nil
}
