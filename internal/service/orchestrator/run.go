package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/akis/internal/service"
	"github.com/rakunlabs/akis/internal/service/workflow"
)

// RunWorkflow executes a registered workflow directly, bypassing queue
// semantics but honoring chatflow locking, memory threading, and run
// persistence. Option fields win over registration defaults per field;
// memory is shallow-merged.
func (o *Orchestrator) RunWorkflow(ctx context.Context, id string, opts workflow.RunOptions) (*workflow.RunResult, error) {
	o.regMu.RLock()
	reg, ok := o.workflows[id]
	o.regMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("workflow %q: %w", id, service.ErrNotFound)
	}

	return o.execute(ctx, reg, mergeRunOptions(reg.defaults, opts))
}

// execute runs a registration's workflow. Chatflow runs serialize per
// conversation: first through the local FIFO chain, then through the
// optional distributed lock; stored memory is loaded before and the final
// memory saved after the run.
func (o *Orchestrator) execute(ctx context.Context, reg *registration, opts workflow.RunOptions) (*workflow.RunResult, error) {
	wf := reg.workflow

	if wf.Type == workflow.TypeChatflow {
		if opts.ConversationID == "" {
			return nil, fmt.Errorf("chatflow %s requires a conversation id: %w", wf.ID, service.ErrInvalidArgument)
		}

		release, err := o.convLocal.acquire(ctx, opts.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("conversation %s: local lock: %w", opts.ConversationID, err)
		}
		defer release()

		if o.opts.ConversationLock != nil {
			unlock, err := o.acquireConversationLock(ctx, opts.ConversationID)
			if err != nil {
				return nil, err
			}
			defer unlock()
		}

		if o.opts.ConversationStore != nil {
			stored, err := o.opts.ConversationStore.Get(ctx, opts.ConversationID)
			if err != nil {
				return nil, fmt.Errorf("conversation %s: load memory: %w", opts.ConversationID, err)
			}

			opts.Memory = mergeMemory(stored, opts.Memory)
		}
	}

	// Enrich the context so node handlers log with workflow metadata.
	runCtx := logi.WithContext(ctx, slog.With(
		slog.String("workflow_id", wf.ID),
		slog.String("workflow_name", wf.Name),
	))

	result, err := o.runner.Run(runCtx, wf, opts)
	if err != nil {
		return nil, err
	}

	logi.Ctx(runCtx).Info("workflow run finished",
		"run_id", result.RunID,
		"status", string(result.Status),
		"duration_ms", result.Duration.Milliseconds(),
	)

	if wf.Type == workflow.TypeChatflow && o.opts.ConversationStore != nil {
		if err := o.opts.ConversationStore.Set(ctx, opts.ConversationID, result.Memory); err != nil {
			return result, fmt.Errorf("conversation %s: save memory: %w", opts.ConversationID, err)
		}
	}

	if o.opts.RunStore != nil {
		record := workflow.ToRunRecord(result)

		if err := o.opts.RunStore.Save(ctx, record); err != nil {
			if o.opts.OnRunStoreError != nil {
				o.notifyRunStoreError(err, record)
			} else {
				return result, fmt.Errorf("save run %s: %w", result.RunID, err)
			}
		}
	}

	return result, nil
}

func (o *Orchestrator) notifyRunStoreError(err error, record service.RunRecord) {
	o.logger.Error("run store save failed", "run_id", record.ID, "error", err)

	defer func() { _ = recover() }()

	o.opts.OnRunStoreError(err, record)
}

// acquireConversationLock takes the distributed per-conversation lease,
// retrying a bounded number of times. While held, a background refresher
// extends the lease until the returned unlock runs; a failed refresh is
// best-effort — the run completes under the stale lease, bounded by the
// ttl.
func (o *Orchestrator) acquireConversationLock(ctx context.Context, conversationID string) (func(), error) {
	key := o.opts.ConversationLockKeyPrefix + conversationID

	var handle *service.LockHandle

	for attempt := 0; attempt <= o.opts.ConversationLockRetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("conversation lock %s: %w", key, ctx.Err())
			case <-time.After(o.opts.ConversationLockRetryDelay):
			}
		}

		h, err := o.opts.ConversationLock.Acquire(ctx, key, o.opts.ConversationLockTTL)
		if err != nil {
			return nil, fmt.Errorf("conversation lock %s: %w", key, err)
		}

		if h != nil {
			handle = h

			break
		}
	}

	if handle == nil {
		return nil, fmt.Errorf("conversation lock %s unattainable after %d attempts: %w",
			key, o.opts.ConversationLockRetryCount+1, service.ErrState)
	}

	stop := make(chan struct{})

	refresher, canRefresh := o.opts.ConversationLock.(service.LockRefresher)
	if canRefresh && o.opts.ConversationLockRefresh > 0 {
		go func() {
			ticker := time.NewTicker(o.opts.ConversationLockRefresh)
			defer ticker.Stop()

			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					ok, err := refresher.Refresh(ctx, handle, o.opts.ConversationLockTTL)
					if err != nil || !ok {
						o.logger.Warn("conversation lock refresh failed, continuing under stale lease",
							"key", key, "error", err)

						return
					}
				}
			}
		}()
	}

	unlock := func() {
		close(stop)

		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if _, err := o.opts.ConversationLock.Release(releaseCtx, handle); err != nil {
			o.logger.Warn("conversation lock release failed", "key", key, "error", err)
		}
	}

	return unlock, nil
}

// mergeRunOptions overlays override on base, field by field. Memory is
// shallow-merged with override keys winning.
func mergeRunOptions(base, override workflow.RunOptions) workflow.RunOptions {
	out := base

	if override.Input != nil {
		out.Input = override.Input
	}

	if override.Context != nil {
		out.Context = mergeContext(base.Context, override.Context)
	}

	if override.Concurrency > 0 {
		out.Concurrency = override.Concurrency
	}

	if override.FailFast != nil {
		out.FailFast = override.FailFast
	}

	if override.ConversationID != "" {
		out.ConversationID = override.ConversationID
	}

	out.Memory = mergeMemory(base.Memory, override.Memory)

	if override.Hooks.OnNodeStart != nil {
		out.Hooks.OnNodeStart = override.Hooks.OnNodeStart
	}
	if override.Hooks.OnNodeComplete != nil {
		out.Hooks.OnNodeComplete = override.Hooks.OnNodeComplete
	}
	if override.Hooks.OnNodeRetry != nil {
		out.Hooks.OnNodeRetry = override.Hooks.OnNodeRetry
	}
	if override.Hooks.OnNodeError != nil {
		out.Hooks.OnNodeError = override.Hooks.OnNodeError
	}

	return out
}

// mergeMemory overlays b on a without mutating either. Nil in, nil out.
func mergeMemory(a, b service.Memory) service.Memory {
	if a == nil {
		return b
	}

	if b == nil {
		return a
	}

	out := make(service.Memory, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}

	return out
}
