// Package postgres implements the conversation and run stores on
// PostgreSQL, with memory snapshots stored as JSONB.
package postgres

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
	"github.com/worldline-go/types"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
)

var (
	ConnMaxLifetime = 15 * time.Minute
	MaxIdleConns    = 3
	MaxOpenConns    = 3

	DefaultTablePrefix = "akis_"
)

// Postgres holds one database connection serving both store interfaces.
// Conversations() and Runs() return the typed views the orchestrator
// consumes.
type Postgres struct {
	db   *sql.DB
	goqu *goqu.Database

	tableConversations exp.IdentifierExpression
	tableRuns          exp.IdentifierExpression
}

func New(ctx context.Context, cfg *config.StorePostgres) (*Postgres, error) {
	if cfg == nil {
		return nil, errors.New("postgres configuration is nil")
	}

	if cfg.Datasource == "" {
		return nil, errors.New("postgres datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	db, err := sql.Open("pgx", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	connMaxLifetime := ConnMaxLifetime
	if cfg.ConnMaxLifetime != nil {
		connMaxLifetime = *cfg.ConnMaxLifetime
	}

	maxIdleConns := MaxIdleConns
	if cfg.MaxIdleConns != nil {
		maxIdleConns = *cfg.MaxIdleConns
	}

	maxOpenConns := MaxOpenConns
	if cfg.MaxOpenConns != nil {
		maxOpenConns = *cfg.MaxOpenConns
	}

	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetMaxOpenConns(maxOpenConns)

	if err := db.PingContext(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	// /////////////////////////////////////////////
	// Run migrations.
	migrate := cfg.Migrate
	migrate.Table = tablePrefix + defaultString(migrate.Table, "migrations")
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	if err := MigrateDB(ctx, &migrate, db); err != nil {
		db.Close()

		return nil, fmt.Errorf("migrate store postgres: %w", err)
	}
	// /////////////////////////////////////////////

	slog.Info("connected to store postgres")

	return &Postgres{
		db:                 db,
		goqu:               goqu.New("postgres", db),
		tableConversations: goqu.T(tablePrefix + "conversations"),
		tableRuns:          goqu.T(tablePrefix + "runs"),
	}, nil
}

func (p *Postgres) Close() {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			slog.Error("close store postgres connection", "error", err)
		}
	}
}

// Conversations returns the service.ConversationStore view.
func (p *Postgres) Conversations() *Conversations { return &Conversations{p: p} }

// Runs returns the service.RunStore view.
func (p *Postgres) Runs() *Runs { return &Runs{p: p} }

func defaultString(v, def string) string {
	if v == "" {
		return def
	}

	return v
}

// ─── ConversationStore ───

type Conversations struct {
	p *Postgres
}

// Get returns the stored memory for a conversation, or nil when absent.
func (c *Conversations) Get(ctx context.Context, conversationID string) (service.Memory, error) {
	query, _, err := c.p.goqu.From(c.p.tableConversations).
		Select("memory").
		Where(goqu.I("conversation_id").Eq(conversationID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get query: %w", err)
	}

	var memory types.Map[any]

	err = c.p.db.QueryRowContext(ctx, query).Scan(&memory)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %q: %w", conversationID, err)
	}

	return service.Memory(memory), nil
}

// Set upserts the complete memory snapshot for a conversation.
func (c *Conversations) Set(ctx context.Context, conversationID string, memory service.Memory) error {
	raw, err := json.Marshal(memory)
	if err != nil {
		return fmt.Errorf("encode conversation %q: %w: %w", conversationID, service.ErrSerialization, err)
	}

	now := time.Now().UTC()

	query, _, err := c.p.goqu.Insert(c.p.tableConversations).Rows(
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

	if _, err := c.p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("set conversation %q: %w", conversationID, err)
	}

	return nil
}

// Delete removes a conversation.
func (c *Conversations) Delete(ctx context.Context, conversationID string) error {
	query, _, err := c.p.goqu.Delete(c.p.tableConversations).
		Where(goqu.I("conversation_id").Eq(conversationID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}

	if _, err := c.p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete conversation %q: %w", conversationID, err)
	}

	return nil
}

// ─── RunStore ───

type Runs struct {
	p *Postgres
}

// Save inserts or replaces a run record.
func (r *Runs) Save(ctx context.Context, record service.RunRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode run %q: %w: %w", record.ID, service.ErrSerialization, err)
	}

	query, _, err := r.p.goqu.Insert(r.p.tableRuns).Rows(
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

	if _, err := r.p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("save run %q: %w", record.ID, err)
	}

	return nil
}

// Get returns a run record by id, or nil when unknown.
func (r *Runs) Get(ctx context.Context, runID string) (*service.RunRecord, error) {
	query, _, err := r.p.goqu.From(r.p.tableRuns).
		Select("record").
		Where(goqu.I("id").Eq(runID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get query: %w", err)
	}

	var raw []byte

	err = r.p.db.QueryRowContext(ctx, query).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run %q: %w", runID, err)
	}

	var rec service.RunRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode run %q: %w: %w", runID, service.ErrSerialization, err)
	}

	return &rec, nil
}

// List returns run records most recently started first.
func (r *Runs) List(ctx context.Context, filter service.RunFilter) ([]service.RunRecord, error) {
	q := r.p.goqu.From(r.p.tableRuns).
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

	rows, err := r.p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []service.RunRecord

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}

		var rec service.RunRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode run row: %w: %w", service.ErrSerialization, err)
		}

		out = append(out, rec)
	}

	return out, rows.Err()
}
