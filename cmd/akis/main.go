package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/akis/internal/cluster"
	"github.com/rakunlabs/akis/internal/config"
	"github.com/rakunlabs/akis/internal/render"
	"github.com/rakunlabs/akis/internal/server"
	"github.com/rakunlabs/akis/internal/service"
	"github.com/rakunlabs/akis/internal/service/cron"
	"github.com/rakunlabs/akis/internal/service/event"
	"github.com/rakunlabs/akis/internal/service/orchestrator"
	"github.com/rakunlabs/akis/internal/service/workflow"
	"github.com/rakunlabs/akis/internal/store"
)

var (
	name    = "akis"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

// ///////////////////////////////////////////////////////////////////

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	stores, err := store.New(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	defer stores.Close()

	// Optional clustering: leader-elected scheduler and cross-process
	// conversation locks.
	cl, err := cluster.New(cfg.Server.Alan)
	if err != nil {
		return fmt.Errorf("failed to create cluster: %w", err)
	}

	if cl != nil {
		go func() {
			if err := cl.Start(ctx); err != nil {
				slog.Error("cluster stopped", "error", err)
			}
		}()
		defer cl.Stop() //nolint:errcheck

		slog.Info("waiting for cluster readiness")
		select {
		case <-cl.Ready():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	schedulerOpts := []cron.SchedulerOption{}
	if cfg.Orchestrator.SchedulerCheckInterval > 0 {
		schedulerOpts = append(schedulerOpts, cron.WithCheckInterval(cfg.Orchestrator.SchedulerCheckInterval))
	}

	inner := cron.NewScheduler(schedulerOpts...)

	var scheduler service.CronScheduler = inner

	var conversationLock service.DistributedLock
	if cl != nil {
		conversationLock = cl.Locker()
		scheduler = cron.NewLeaderScheduler(inner, cl.Locker(), cfg.Orchestrator.SchedulerLockKey)
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Mode:                       orchestrator.Mode(cfg.Orchestrator.Mode),
		AckPolicy:                  orchestrator.AckPolicy(cfg.Orchestrator.AckPolicy),
		MaxConcurrentEvents:        cfg.Orchestrator.MaxConcurrentEvents,
		WorkflowConcurrency:        cfg.Orchestrator.WorkflowConcurrency,
		Scheduler:                  scheduler,
		ConversationStore:          stores.Conversations,
		ConversationLock:           conversationLock,
		ConversationLockTTL:        cfg.Orchestrator.ConversationLockTTL,
		ConversationLockRefresh:    cfg.Orchestrator.ConversationLockRefresh,
		ConversationLockRetryCount: cfg.Orchestrator.ConversationLockRetryCount,
		ConversationLockRetryDelay: cfg.Orchestrator.ConversationLockRetryDelay,
		ConversationLockKeyPrefix:  cfg.Orchestrator.ConversationLockKeyPrefix,
		RunStore:                   stores.Runs,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	if err := registerWebhooks(orch, cfg.Webhooks); err != nil {
		return err
	}

	if err := registerCronEvents(orch, cfg.CronEvents); err != nil {
		return err
	}

	if err := registerCronWorkflows(orch, cfg.CronWorkflows); err != nil {
		return err
	}

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	defer orch.Stop()

	srv, err := server.New(cfg.Server, orch, stores.Runs, inner)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Start(ctx)
}

// registerWebhooks subscribes an HTTP forwarding sink per configured
// webhook.
func registerWebhooks(orch *orchestrator.Orchestrator, webhooks []config.Webhook) error {
	for _, hook := range webhooks {
		eventType := hook.EventType
		if eventType == "" {
			eventType = event.Wildcard
		}

		var opts []event.WebhookOption
		if hook.InsecureSkipVerify {
			opts = append(opts, event.WithInsecureSkipVerify())
		}
		if hook.Retry {
			opts = append(opts, event.WithRetry())
		}

		sink, err := event.NewWebhookSink(hook.URL, opts...)
		if err != nil {
			return fmt.Errorf("webhook %s: %w", hook.URL, err)
		}

		if _, err := orch.Subscribe(eventType, sink.Handler, event.WithName("webhook:"+hook.URL)); err != nil {
			return fmt.Errorf("webhook %s: %w", hook.URL, err)
		}

		slog.Info("webhook registered", "url", hook.URL, "event_type", eventType)
	}

	return nil
}

// registerCronEvents schedules config-declared event publications. The
// payload template is rendered on every firing; a result that parses as
// JSON is published structured, anything else as a string.
func registerCronEvents(orch *orchestrator.Orchestrator, crons []config.CronEvent) error {
	for _, ce := range crons {
		ce := ce

		source := ce.Source
		if source == "" {
			source = "cron"
		}

		_, err := orch.RegisterCronJob(ce.Schedule, ce.Name, func(ctx context.Context) error {
			var payload any

			if ce.Payload != "" {
				raw, err := render.Execute(ce.Payload, map[string]any{
					"now":        time.Now().Format(time.RFC3339),
					"name":       ce.Name,
					"event_type": ce.EventType,
				})
				if err != nil {
					return fmt.Errorf("render payload for %s: %w", ce.Name, err)
				}

				var parsed any
				if json.Unmarshal(raw, &parsed) == nil {
					payload = parsed
				} else {
					payload = string(raw)
				}
			}

			ev, err := service.NewEvent(ce.EventType, payload, service.WithSource(source))
			if err != nil {
				return err
			}

			return orch.Publish(ctx, ev)
		})
		if err != nil {
			return fmt.Errorf("cron event %s: %w", ce.Name, err)
		}

		slog.Info("cron event registered", "name", ce.Name, "schedule", ce.Schedule, "event_type", ce.EventType)
	}

	return nil
}

// registerCronWorkflows schedules config-declared workflow runs.
func registerCronWorkflows(orch *orchestrator.Orchestrator, crons []config.CronWorkflow) error {
	for _, cw := range crons {
		if _, err := orch.RegisterCronWorkflow(cw.Schedule, cw.WorkflowID, cw.Name, workflow.RunOptions{}); err != nil {
			return fmt.Errorf("cron workflow %s: %w", cw.Name, err)
		}

		slog.Info("cron workflow registered", "name", cw.Name, "schedule", cw.Schedule, "workflow_id", cw.WorkflowID)
	}

	return nil
}
