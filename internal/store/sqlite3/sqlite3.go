// Package sqlite3 implements the conversation and run stores on SQLite.
package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/akis/internal/config"
	"github.com/rakunlabs/akis/internal/service"

	_ "modernc.org/sqlite"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
)

var DefaultTablePrefix = "akis_"

// SQLite holds one database connection serving both store interfaces.
// Conversations() and Runs() return the typed views the orchestrator
// consumes.
type SQLite struct {
	db   *sql.DB
	goqu *goqu.Database

	tableConversations exp.IdentifierExpression
	tableRuns          exp.IdentifierExpression
}

func New(ctx context.Context, cfg *config.StoreSQLite) (*SQLite, error) {
	if cfg == nil {
		return nil, errors.New("sqlite configuration is nil")
	}

	if cfg.Datasource == "" {
		return nil, errors.New("sqlite datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	// /////////////////////////////////////////////
	// Run migrations.
	migrate := cfg.Migrate
	if migrate.Table == "" {
		migrate.Table = "migrations"
	}

	if migrate.Datasource == "" {
		migrate.Datasource = cfg.Datasource
	}

	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	if err := MigrateDB(ctx, &migrate); err != nil {
		return nil, fmt.Errorf("migrate store sqlite: %w", err)
	}
	// /////////////////////////////////////////////

	db, err := sql.Open("sqlite", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()

		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	// SQLite is single-writer; limit connections accordingly.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	slog.Info("connected to store sqlite")

	return &SQLite{
		db:                 db,
		goqu:               goqu.New("sqlite3", db),
		tableConversations: goqu.T(tablePrefix + "conversations"),
		tableRuns:          goqu.T(tablePrefix + "runs"),
	}, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Error("close store sqlite connection", "error", err)
		}
	}
}

// Conversations returns the service.ConversationStore view.
func (s *SQLite) Conversations() *Conversations { return &Conversations{s: s} }

// Runs returns the service.RunStore view.
func (s *SQLite) Runs() *Runs { return &Runs{s: s} }

// ─── ConversationStore ───

type Conversations struct {
	s *SQLite
}

// Get returns the stored memory for a conversation, or nil when absent.
func (c *Conversations) Get(ctx context.Context, conversationID string) (service.Memory, error) {
	query, _, err := c.s.goqu.From(c.s.tableConversations).
		Select("memory").
		Where(goqu.I("conversation_id").Eq(conversationID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get query: %w", err)
	}

	var raw string

	err = c.s.db.QueryRowContext(ctx, query).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %q: %w", conversationID, err)
	}

	var memory service.Memory
	if err := json.Unmarshal([]byte(raw), &memory); err != nil {
		return nil, fmt.Errorf("decode conversation %q: %w: %w", conversationID, service.ErrSerialization, err)
	}

	return memory, nil
}

// Set upserts the complete memory snapshot for a conversation.
func (c *Conversations) Set(ctx context.Context, conversationID string, memory service.Memory) error {
	raw, err := json.Marshal(memory)
	if err != nil {
		return fmt.Errorf("encode conversation %q: %w: %w", conversationID, service.ErrSerialization, err)
	}

	now := time.Now().UTC().Format(time.RFC3339)

	query, _, err := c.s.goqu.Insert(c.s.tableConversations).Rows(
		goqu.Record{
			"conversation_id": conversationID,
			"memory":          string(raw),
			"updated_at":      now,
		},
	).OnConflict(goqu.DoUpdate("conversation_id", goqu.Record{
		"memory":     string(raw),
		"updated_at": now,
	})).ToSQL()
	if err != nil {
		return fmt.Errorf("build upsert query: %w", err)
	}

	if _, err := c.s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("set conversation %q: %w", conversationID, err)
	}

	return nil
}

// Delete removes a conversation.
func (c *Conversations) Delete(ctx context.Context, conversationID string) error {
	query, _, err := c.s.goqu.Delete(c.s.tableConversations).
		Where(goqu.I("conversation_id").Eq(conversationID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}

	if _, err := c.s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete conversation %q: %w", conversationID, err)
	}

	return nil
}

// ─── RunStore ───

type Runs struct {
	s *SQLite
}

// Save inserts or replaces a run record.
func (r *Runs) Save(ctx context.Context, record service.RunRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode run %q: %w: %w", record.ID, service.ErrSerialization, err)
	}

	query, _, err := r.s.goqu.Insert(r.s.tableRuns).Rows(
		goqu.Record{
			"id":          record.ID,
			"workflow_id": record.WorkflowID,
			"status":      record.Status,
			"record":      string(raw),
			"started_at":  record.StartedAt,
			"finished_at": record.FinishedAt,
		},
	).OnConflict(goqu.DoUpdate("id", goqu.Record{
		"status":      record.Status,
		"record":      string(raw),
		"finished_at": record.FinishedAt,
	})).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert query: %w", err)
	}

	if _, err := r.s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("save run %q: %w", record.ID, err)
	}

	return nil
}

// Get returns a run record by id, or nil when unknown.
func (r *Runs) Get(ctx context.Context, runID string) (*service.RunRecord, error) {
	query, _, err := r.s.goqu.From(r.s.tableRuns).
		Select("record").
		Where(goqu.I("id").Eq(runID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get query: %w", err)
	}

	var raw string

	err = r.s.db.QueryRowContext(ctx, query).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run %q: %w", runID, err)
	}

	var rec service.RunRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode run %q: %w: %w", runID, service.ErrSerialization, err)
	}

	return &rec, nil
}

// List returns run records most recently started first.
func (r *Runs) List(ctx context.Context, filter service.RunFilter) ([]service.RunRecord, error) {
	q := r.s.goqu.From(r.s.tableRuns).
		Select("record").
		Order(goqu.I("started_at").Desc())

	if filter.WorkflowID != "" {
		q = q.Where(goqu.I("workflow_id").Eq(filter.WorkflowID))
	}

	if filter.Limit > 0 {
		q = q.Limit(uint(filter.Limit))
	}

	query, _, err := q.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := r.s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []service.RunRecord

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}

		var rec service.RunRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode run row: %w: %w", service.ErrSerialization, err)
		}

		out = append(out, rec)
	}

	return out, rows.Err()
}
