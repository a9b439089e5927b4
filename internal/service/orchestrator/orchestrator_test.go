package orchestrator

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rakunlabs/akis/internal/service"
	"github.com/rakunlabs/akis/internal/service/event"
	"github.com/rakunlabs/akis/internal/service/workflow"
	"github.com/rakunlabs/akis/internal/store/memory"
)

func newEvent(t *testing.T, eventType string, payload any) service.Event {
	t.Helper()

	ev, err := service.NewEvent(eventType, payload)
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}

	return ev
}

func singleNodeWorkflow(t *testing.T, handler workflow.NodeHandler, opts ...workflow.Option) *workflow.Workflow {
	t.Helper()

	wf, err := workflow.New("wf", opts...)
	if err != nil {
		t.Fatalf("workflow.New: %v", err)
	}

	if _, err := wf.AddNode(workflow.NodeSpec{ID: "main", Handler: handler}); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	return wf
}

func TestRegisterWorkflow_DuplicateID(t *testing.T) {
	o, err := New(Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	wf := singleNodeWorkflow(t, func(context.Context, *workflow.NodeContext) (any, error) { return nil, nil })

	if err := o.RegisterWorkflow(wf, ManualTrigger(), workflow.RunOptions{}); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}

	if err := o.RegisterWorkflow(wf, ManualTrigger(), workflow.RunOptions{}); !errors.Is(err, service.ErrConflict) {
		t.Errorf("expected conflict, got %v", err)
	}

	if !o.UnregisterWorkflow(wf.ID) {
		t.Error("expected unregister to succeed")
	}

	if o.UnregisterWorkflow(wf.ID) {
		t.Error("expected second unregister to fail")
	}
}

func TestRunWorkflow_NotFound(t *testing.T) {
	o, _ := New(Options{})

	_, err := o.RunWorkflow(context.Background(), "wf_missing", workflow.RunOptions{})
	if !errors.Is(err, service.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestTriggeredWorkflows_MatcherVariants(t *testing.T) {
	o, _ := New(Options{})

	register := func(trigger Trigger) *workflow.Workflow {
		wf := singleNodeWorkflow(t, func(context.Context, *workflow.NodeContext) (any, error) { return nil, nil })
		if err := o.RegisterWorkflow(wf, trigger, workflow.RunOptions{}); err != nil {
			t.Fatalf("RegisterWorkflow: %v", err)
		}

		return wf
	}

	exact := register(EventTrigger(ExactMatcher("user.created")))
	wild := register(EventTrigger(WildcardMatcher{}))
	list := register(EventTrigger(ListMatcher{"user.created", "user.updated"}))
	re := register(EventTrigger(RegexMatcher{Pattern: regexp.MustCompile(`^user\.`)}))
	filtered := register(EventTrigger(WildcardMatcher{}, WithTriggerFilter(func(service.Event) bool { return false })))
	other := register(EventTrigger(ExactMatcher("billing.closed")))

	regs := o.triggeredRegistrations(newEvent(t, "user.created", nil))

	got := make(map[string]bool, len(regs))
	for _, reg := range regs {
		got[reg.workflow.ID] = true
	}

	for _, wf := range []*workflow.Workflow{exact, wild, list, re} {
		if !got[wf.ID] {
			t.Errorf("workflow %s should have matched", wf.ID)
		}
	}

	if got[filtered.ID] {
		t.Error("filtered-out registration must not match")
	}

	if got[other.ID] {
		t.Error("non-matching exact registration must not match")
	}
}

func TestProcess_EventTriggersWorkflowAndSubscribers(t *testing.T) {
	o, _ := New(Options{})
	ctx := context.Background()

	var dispatched, ran atomic.Int64

	if _, err := o.Subscribe("order.placed", func(context.Context, service.Event, event.DispatchContext) error {
		dispatched.Add(1)

		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	wf := singleNodeWorkflow(t, func(_ context.Context, nc *workflow.NodeContext) (any, error) {
		if nc.Input != "the-payload" {
			t.Errorf("Input = %v, want event payload", nc.Input)
		}
		ran.Add(1)

		return nil, nil
	})

	if err := o.RegisterWorkflow(wf, EventTrigger(ExactMatcher("order.placed")), workflow.RunOptions{}); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}

	if err := o.Publish(ctx, newEvent(t, "order.placed", "the-payload")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if err := o.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if dispatched.Load() != 1 || ran.Load() != 1 {
		t.Errorf("dispatched=%d ran=%d, want 1 and 1", dispatched.Load(), ran.Load())
	}

	snap := o.Snapshot(ctx)
	if snap.Metrics.Published != 1 || snap.Metrics.Processed != 1 || snap.Metrics.WorkflowRuns != 1 {
		t.Errorf("metrics = %+v", snap.Metrics)
	}

	if snap.QueueSize != 0 {
		t.Errorf("QueueSize = %d, want 0", snap.QueueSize)
	}
}

func TestDrain_ProducerModeRejected(t *testing.T) {
	o, _ := New(Options{Mode: ModeProducer})

	if err := o.Drain(context.Background()); !errors.Is(err, service.ErrState) {
		t.Errorf("expected state error, got %v", err)
	}
}

func TestChatflowSerialization(t *testing.T) {
	conversations := memory.NewConversationStore()

	o, _ := New(Options{
		MaxConcurrentEvents: 4,
		ConversationStore:   conversations,
	})
	ctx := context.Background()

	var inFlight, peak atomic.Int64

	wf, _ := workflow.New("counter", workflow.WithType(workflow.TypeChatflow))
	wf.AddNode(workflow.NodeSpec{ID: "inc", Handler: func(_ context.Context, nc *workflow.NodeContext) (any, error) {
		current := inFlight.Add(1)
		for {
			old := peak.Load()
			if current <= old || peak.CompareAndSwap(old, current) {
				break
			}
		}

		time.Sleep(10 * time.Millisecond)

		count, _ := nc.Memory()["count"].(float64)
		nc.UpdateMemory(service.Memory{"count": count + 1})

		inFlight.Add(-1)

		return nil, nil
	}})

	trigger := EventTrigger(ExactMatcher("chat.message"), WithMapConversationID(func(service.Event) string {
		return "conv-1"
	}))

	if err := o.RegisterWorkflow(wf, trigger, workflow.RunOptions{}); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}

	for range 2 {
		if err := o.Publish(ctx, newEvent(t, "chat.message", nil)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	if err := o.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	stored, err := conversations.Get(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if count, _ := stored["count"].(float64); count != 2 {
		t.Errorf("count = %v, want 2", stored["count"])
	}

	if peak.Load() != 1 {
		t.Errorf("peak in-flight = %d, want 1 (serialized per conversation)", peak.Load())
	}
}

func TestChatflow_MissingConversationIDRouted(t *testing.T) {
	var captured atomic.Value

	o, _ := New(Options{
		OnWorkflowError: func(err error, info WorkflowErrorInfo) {
			captured.Store(err)
		},
	})
	ctx := context.Background()

	wf, _ := workflow.New("chat", workflow.WithType(workflow.TypeChatflow))
	wf.AddNode(workflow.NodeSpec{ID: "n", Handler: func(context.Context, *workflow.NodeContext) (any, error) {
		return nil, nil
	}})

	// No MapConversationID: every triggered run is invalid.
	if err := o.RegisterWorkflow(wf, EventTrigger(ExactMatcher("chat.message")), workflow.RunOptions{}); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}

	if err := o.Publish(ctx, newEvent(t, "chat.message", nil)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if err := o.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	err, _ := captured.Load().(error)
	if !errors.Is(err, service.ErrInvalidArgument) {
		t.Errorf("expected invalid argument routed to OnWorkflowError, got %v", err)
	}

	if o.Snapshot(ctx).Metrics.WorkflowErrors != 1 {
		t.Errorf("WorkflowErrors = %d, want 1", o.Snapshot(ctx).Metrics.WorkflowErrors)
	}
}

func TestAckPolicies(t *testing.T) {
	run := func(policy AckPolicy) (acks, nacks int64, reason string) {
		o, _ := New(Options{AckPolicy: policy})
		ctx := context.Background()

		wf := singleNodeWorkflow(t, func(context.Context, *workflow.NodeContext) (any, error) {
			return nil, errors.New("always fails")
		})

		if err := o.RegisterWorkflow(wf, EventTrigger(WildcardMatcher{}), workflow.RunOptions{}); err != nil {
			t.Fatalf("RegisterWorkflow: %v", err)
		}

		var ackCount, nackCount atomic.Int64
		var mu sync.Mutex

		msg := event.NewMessage(newEvent(t, "x", nil))
		msg.Ack = func(context.Context) error {
			ackCount.Add(1)

			return nil
		}
		msg.Nack = func(_ context.Context, r string) error {
			nackCount.Add(1)
			mu.Lock()
			reason = r
			mu.Unlock()

			return nil
		}

		if err := o.PublishMessage(ctx, msg); err != nil {
			t.Fatalf("PublishMessage: %v", err)
		}

		if err := o.Drain(ctx); err != nil {
			t.Fatalf("Drain: %v", err)
		}

		mu.Lock()
		defer mu.Unlock()

		return ackCount.Load(), nackCount.Load(), reason
	}

	if acks, nacks, _ := run(AckAlways); acks != 1 || nacks != 0 {
		t.Errorf("always: acks=%d nacks=%d, want 1 and 0", acks, nacks)
	}

	acks, nacks, reason := run(AckOnSuccess)
	if acks != 0 || nacks != 1 {
		t.Errorf("onSuccess: acks=%d nacks=%d, want 0 and 1", acks, nacks)
	}

	if ok, _ := regexp.MatchString(`workflows=[1-9]`, reason); !ok {
		t.Errorf("nack reason = %q, want workflow failure count", reason)
	}
}

func TestRunStorePersistence(t *testing.T) {
	runs := memory.NewRunStore()

	o, _ := New(Options{RunStore: runs})
	ctx := context.Background()

	wf := singleNodeWorkflow(t, func(context.Context, *workflow.NodeContext) (any, error) {
		return "ok", nil
	})

	if err := o.RegisterWorkflow(wf, ManualTrigger(), workflow.RunOptions{}); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}

	result, err := o.RunWorkflow(ctx, wf.ID, workflow.RunOptions{})
	if err != nil {
		t.Fatalf("RunWorkflow: %v", err)
	}

	rec, err := runs.Get(ctx, result.RunID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if rec == nil || rec.WorkflowID != wf.ID {
		t.Errorf("persisted record = %+v", rec)
	}
}

// failingRunStore always fails to save.
type failingRunStore struct{}

func (failingRunStore) Save(context.Context, service.RunRecord) error {
	return errors.New("disk full")
}

func (failingRunStore) Get(context.Context, string) (*service.RunRecord, error) {
	return nil, nil
}

func TestRunStoreErrorRouting(t *testing.T) {
	var handled atomic.Bool

	o, _ := New(Options{
		RunStore: failingRunStore{},
		OnRunStoreError: func(err error, record service.RunRecord) {
			handled.Store(true)
		},
	})

	wf := singleNodeWorkflow(t, func(context.Context, *workflow.NodeContext) (any, error) {
		return nil, nil
	})

	if err := o.RegisterWorkflow(wf, ManualTrigger(), workflow.RunOptions{}); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}

	if _, err := o.RunWorkflow(context.Background(), wf.ID, workflow.RunOptions{}); err != nil {
		t.Fatalf("RunWorkflow with handler must not propagate save failure: %v", err)
	}

	if !handled.Load() {
		t.Error("expected OnRunStoreError to fire")
	}

	// Without the handler the failure propagates.
	o2, _ := New(Options{RunStore: failingRunStore{}})

	wf2 := singleNodeWorkflow(t, func(context.Context, *workflow.NodeContext) (any, error) {
		return nil, nil
	})

	if err := o2.RegisterWorkflow(wf2, ManualTrigger(), workflow.RunOptions{}); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}

	if _, err := o2.RunWorkflow(context.Background(), wf2.ID, workflow.RunOptions{}); err == nil {
		t.Error("expected save failure to propagate without OnRunStoreError")
	}
}

func TestCronWiring(t *testing.T) {
	o, _ := New(Options{})

	if _, err := o.RegisterCronJob("* * * * *", "job", func(context.Context) error { return nil }); !errors.Is(err, service.ErrState) {
		t.Errorf("expected state error without scheduler, got %v", err)
	}

	if _, err := o.RegisterCronEvent("* * * * *", "tick", "job", nil); !errors.Is(err, service.ErrState) {
		t.Errorf("expected state error without scheduler, got %v", err)
	}

	if _, err := o.RegisterCronWorkflow("* * * * *", "wf", "job", workflow.RunOptions{}); !errors.Is(err, service.ErrState) {
		t.Errorf("expected state error without scheduler, got %v", err)
	}
}

// recordingScheduler captures registered handlers so tests can fire them.
type recordingScheduler struct {
	mu       sync.Mutex
	handlers map[string]service.JobHandler
	next     int
}

func newRecordingScheduler() *recordingScheduler {
	return &recordingScheduler{handlers: make(map[string]service.JobHandler)}
}

func (r *recordingScheduler) Start(context.Context) error { return nil }
func (r *recordingScheduler) Stop()                       {}

func (r *recordingScheduler) AddJob(_, _ string, handler service.JobHandler) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	id := string(rune('a' + r.next))
	r.handlers[id] = handler

	return id, nil
}

func (r *recordingScheduler) RemoveJob(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[id]; !ok {
		return false
	}

	delete(r.handlers, id)

	return true
}

func (r *recordingScheduler) IsJobScheduled(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.handlers[id]

	return ok
}

func (r *recordingScheduler) fire(t *testing.T, id string) {
	t.Helper()

	r.mu.Lock()
	handler := r.handlers[id]
	r.mu.Unlock()

	if handler == nil {
		t.Fatalf("no handler registered under %q", id)
	}

	if err := handler(context.Background()); err != nil {
		t.Fatalf("handler: %v", err)
	}
}

func TestRegisterCronEvent_PublishesOnFire(t *testing.T) {
	sched := newRecordingScheduler()

	o, _ := New(Options{Scheduler: sched})
	ctx := context.Background()

	var got atomic.Value

	if _, err := o.Subscribe("report.due", func(_ context.Context, ev service.Event, _ event.DispatchContext) error {
		got.Store(ev)

		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	id, err := o.RegisterCronEvent("0 9 * * *", "report.due", "daily-report", map[string]any{"kind": "daily"})
	if err != nil {
		t.Fatalf("RegisterCronEvent: %v", err)
	}

	sched.fire(t, id)

	if err := o.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	ev, _ := got.Load().(service.Event)
	if ev.Type != "report.due" {
		t.Fatalf("event = %+v", ev)
	}

	payload, _ := ev.Payload.(map[string]any)
	if payload["kind"] != "daily" {
		t.Errorf("payload = %v", ev.Payload)
	}
}

func TestRegisterCronWorkflow_RejectsChatflow(t *testing.T) {
	sched := newRecordingScheduler()

	o, _ := New(Options{Scheduler: sched})

	chat, _ := workflow.New("chat", workflow.WithType(workflow.TypeChatflow))
	chat.AddNode(workflow.NodeSpec{ID: "n", Handler: func(context.Context, *workflow.NodeContext) (any, error) {
		return nil, nil
	}})

	if err := o.RegisterWorkflow(chat, ManualTrigger(), workflow.RunOptions{}); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}

	if _, err := o.RegisterCronWorkflow("* * * * *", chat.ID, "job", workflow.RunOptions{}); !errors.Is(err, service.ErrInvalidArgument) {
		t.Errorf("expected invalid argument for chatflow, got %v", err)
	}

	if _, err := o.RegisterCronWorkflow("* * * * *", "wf_missing", "job", workflow.RunOptions{}); !errors.Is(err, service.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestStartStop(t *testing.T) {
	o, _ := New(Options{})
	ctx := context.Background()

	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Idempotent start.
	if err := o.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	var processed atomic.Int64

	wf := singleNodeWorkflow(t, func(context.Context, *workflow.NodeContext) (any, error) {
		processed.Add(1)

		return nil, nil
	})

	if err := o.RegisterWorkflow(wf, EventTrigger(WildcardMatcher{}), workflow.RunOptions{}); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}

	if err := o.Publish(ctx, newEvent(t, "anything", nil)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for processed.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if processed.Load() != 1 {
		t.Errorf("processed = %d, want 1", processed.Load())
	}

	o.Stop()

	snap := o.Snapshot(ctx)
	if snap.IsRunning {
		t.Error("expected stopped snapshot")
	}
}

func TestDistributedConversationLock(t *testing.T) {
	lock := memory.NewLock()

	o, _ := New(Options{
		ConversationLock:           lock,
		ConversationLockTTL:        time.Second,
		ConversationLockRetryCount: 2,
		ConversationLockRetryDelay: 5 * time.Millisecond,
	})
	ctx := context.Background()

	wf, _ := workflow.New("chat", workflow.WithType(workflow.TypeChatflow))
	wf.AddNode(workflow.NodeSpec{ID: "n", Handler: func(context.Context, *workflow.NodeContext) (any, error) {
		return nil, nil
	}})

	if err := o.RegisterWorkflow(wf, ManualTrigger(), workflow.RunOptions{}); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}

	// Hold the lock externally: the run must exhaust its retries.
	handle, err := lock.Acquire(ctx, DefaultConversationLockKeyPrefix+"conv-9", time.Minute)
	if err != nil || handle == nil {
		t.Fatalf("external acquire failed: %v %v", handle, err)
	}

	_, err = o.RunWorkflow(ctx, wf.ID, workflow.RunOptions{ConversationID: "conv-9"})
	if !errors.Is(err, service.ErrState) {
		t.Fatalf("expected state error on unattainable lock, got %v", err)
	}

	// Release and run again: the lease must be taken and given back.
	if ok, _ := lock.Release(ctx, handle); !ok {
		t.Fatal("external release failed")
	}

	if _, err := o.RunWorkflow(ctx, wf.ID, workflow.RunOptions{ConversationID: "conv-9"}); err != nil {
		t.Fatalf("RunWorkflow: %v", err)
	}

	// Lock must be free after the run.
	h2, err := lock.Acquire(ctx, DefaultConversationLockKeyPrefix+"conv-9", time.Minute)
	if err != nil || h2 == nil {
		t.Fatal("lock must be released after the run")
	}
}
