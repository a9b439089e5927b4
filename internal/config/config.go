package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/alan"
	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

var Service = ""

type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	// Orchestrator tunes the event/workflow core.
	Orchestrator Orchestrator `cfg:"orchestrator"`

	// CronEvents are config-declared schedules that publish an event on
	// each firing. The payload is a Go template rendered with now, name,
	// and event_type.
	CronEvents []CronEvent `cfg:"cron_events"`

	// CronWorkflows are config-declared schedules that run a registered
	// workflow on each firing.
	CronWorkflows []CronWorkflow `cfg:"cron_workflows"`

	// Webhooks forward every event of a type (or all events with "*") to
	// an HTTP endpoint.
	Webhooks []Webhook `cfg:"webhooks"`

	Store     Store       `cfg:"store"`
	Server    Server      `cfg:"server"`
	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

type Orchestrator struct {
	// Mode is "all", "producer", or "worker".
	Mode string `cfg:"mode" default:"all"`

	// AckPolicy is "always" or "onSuccess".
	AckPolicy string `cfg:"ack_policy" default:"always"`

	MaxConcurrentEvents int `cfg:"max_concurrent_events" default:"1"`
	WorkflowConcurrency int `cfg:"workflow_concurrency" default:"4"`

	ConversationLockTTL        time.Duration `cfg:"conversation_lock_ttl"`
	ConversationLockRefresh    time.Duration `cfg:"conversation_lock_refresh"`
	ConversationLockRetryCount int           `cfg:"conversation_lock_retry_count"`
	ConversationLockRetryDelay time.Duration `cfg:"conversation_lock_retry_delay"`
	ConversationLockKeyPrefix  string        `cfg:"conversation_lock_key_prefix"`

	// SchedulerLockKey, when set together with clustering, runs the cron
	// scheduler under leader election on this lock key.
	SchedulerLockKey string `cfg:"scheduler_lock_key" default:"akis:scheduler"`

	// SchedulerCheckInterval overrides minute-boundary alignment with a
	// fixed tick period. Mostly useful in tests.
	SchedulerCheckInterval time.Duration `cfg:"scheduler_check_interval"`
}

type CronEvent struct {
	Schedule  string `cfg:"schedule"`
	Name      string `cfg:"name"`
	EventType string `cfg:"event_type"`

	// Payload is a template rendered at fire time; empty publishes a
	// payload-less event.
	Payload string `cfg:"payload"`

	// Source is stamped into the event metadata. Defaults to "cron".
	Source string `cfg:"source"`
}

type CronWorkflow struct {
	Schedule   string `cfg:"schedule"`
	Name       string `cfg:"name"`
	WorkflowID string `cfg:"workflow_id"`
}

type Webhook struct {
	URL       string `cfg:"url"`
	EventType string `cfg:"event_type"`

	InsecureSkipVerify bool `cfg:"insecure_skip_verify"`
	Retry              bool `cfg:"retry"`
}

type Server struct {
	BasePath string `cfg:"base_path"`

	Port string `cfg:"port" default:"8080"`
	Host string `cfg:"host"`

	// Alan, if set, enables distributed clustering via UDP peer
	// discovery: leader election for the scheduler and cross-process
	// conversation locks.
	Alan *alan.Config `cfg:"alan"`
}

type Store struct {
	Postgres *StorePostgres `cfg:"postgres"`
	SQLite   *StoreSQLite   `cfg:"sqlite"`
	File     *StoreFile     `cfg:"file"`
}

type StorePostgres struct {
	TablePrefix     *string        `cfg:"table_prefix"`
	Datasource      string         `cfg:"datasource" log:"-"`
	Schema          string         `cfg:"schema"`
	ConnMaxLifetime *time.Duration `cfg:"conn_max_lifetime"`
	MaxIdleConns    *int           `cfg:"max_idle_conns"`
	MaxOpenConns    *int           `cfg:"max_open_conns"`

	Migrate Migrate `cfg:"migrate"`
}

type StoreSQLite struct {
	TablePrefix *string `cfg:"table_prefix"`
	Datasource  string  `cfg:"datasource"`

	Migrate Migrate `cfg:"migrate"`
}

type StoreFile struct {
	// Directory holds one <run id>.json file per saved run.
	Directory string `cfg:"directory"`
}

type Migrate struct {
	Datasource string            `cfg:"datasource" log:"-"`
	Schema     string            `cfg:"schema"`
	Table      string            `cfg:"table"`
	Values     map[string]string `cfg:"values"`
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("AKIS_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
