package orchestrator

import (
	"context"
	"fmt"

	"github.com/rakunlabs/akis/internal/service"
	"github.com/rakunlabs/akis/internal/service/workflow"
)

// RegisterCronJob schedules an arbitrary handler on the configured
// scheduler. Fails with a state error when no scheduler is configured.
func (o *Orchestrator) RegisterCronJob(expression, name string, handler service.JobHandler) (string, error) {
	if o.opts.Scheduler == nil {
		return "", fmt.Errorf("no scheduler configured: %w", service.ErrState)
	}

	return o.opts.Scheduler.AddJob(expression, name, handler)
}

// RegisterCronEvent schedules the publication of an event. Each firing
// publishes a fresh event with a new id and timestamp.
func (o *Orchestrator) RegisterCronEvent(expression, eventType, name string, payload any, opts ...service.EventOption) (string, error) {
	if o.opts.Scheduler == nil {
		return "", fmt.Errorf("no scheduler configured: %w", service.ErrState)
	}

	if eventType == "" {
		return "", fmt.Errorf("event type is required: %w", service.ErrInvalidArgument)
	}

	return o.opts.Scheduler.AddJob(expression, name, func(ctx context.Context) error {
		ev, err := service.NewEvent(eventType, payload, opts...)
		if err != nil {
			return err
		}

		return o.Publish(ctx, ev)
	})
}

// RegisterCronWorkflow schedules a registered workflow run. Chatflows are
// rejected: a cron firing carries no conversation id.
func (o *Orchestrator) RegisterCronWorkflow(expression, workflowID, name string, opts workflow.RunOptions) (string, error) {
	if o.opts.Scheduler == nil {
		return "", fmt.Errorf("no scheduler configured: %w", service.ErrState)
	}

	o.regMu.RLock()
	reg, ok := o.workflows[workflowID]
	o.regMu.RUnlock()

	if !ok {
		return "", fmt.Errorf("workflow %q: %w", workflowID, service.ErrNotFound)
	}

	if reg.workflow.Type == workflow.TypeChatflow {
		return "", fmt.Errorf("chatflow %q cannot run on a schedule, it requires a conversation id: %w",
			workflowID, service.ErrInvalidArgument)
	}

	return o.opts.Scheduler.AddJob(expression, name, func(ctx context.Context) error {
		_, err := o.RunWorkflow(ctx, workflowID, opts)

		return err
	})
}

// RemoveCronJob unschedules a cron job by id.
func (o *Orchestrator) RemoveCronJob(id string) bool {
	if o.opts.Scheduler == nil {
		return false
	}

	return o.opts.Scheduler.RemoveJob(id)
}
