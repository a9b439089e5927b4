// Package orchestrator multiplexes a single event queue into subscriber
// dispatch and triggered workflow runs, bounded by two independent
// concurrency limits, with ack/nack accounting, producer/worker mode
// separation, cron wiring, and per-conversation serialization.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rakunlabs/akis/internal/service"
	"github.com/rakunlabs/akis/internal/service/event"
	"github.com/rakunlabs/akis/internal/service/workflow"
)

// Mode separates process roles when the queue is shared infrastructure.
type Mode string

const (
	// ModeAll runs producer, worker, and scheduler in one process.
	ModeAll Mode = "all"

	// ModeProducer publishes and runs cron jobs but never drains the
	// queue.
	ModeProducer Mode = "producer"

	// ModeWorker drains the queue but never starts the scheduler.
	ModeWorker Mode = "worker"
)

// AckPolicy decides when a queue message is acknowledged.
type AckPolicy string

const (
	// AckAlways acks every processed message regardless of outcome.
	AckAlways AckPolicy = "always"

	// AckOnSuccess acks only fully clean messages and nacks the rest
	// with a "dispatch=<n>, workflows=<m>" reason.
	AckOnSuccess AckPolicy = "onSuccess"
)

// Defaults for orchestrator options.
const (
	DefaultMaxConcurrentEvents = 1
	DefaultWorkflowConcurrency = 4

	DefaultConversationLockTTL        = 30 * time.Second
	DefaultConversationLockRefresh    = 10 * time.Second
	DefaultConversationLockRetryCount = 5
	DefaultConversationLockRetryDelay = 100 * time.Millisecond
	DefaultConversationLockKeyPrefix  = "orch:conv:"
)

// WorkflowErrorInfo accompanies OnWorkflowError callbacks for
// trigger-invoked runs.
type WorkflowErrorInfo struct {
	WorkflowID string
	Event      *service.Event
	Trigger    *Trigger
}

// Options configure an orchestrator. Zero values pick the documented
// defaults; Queue defaults to the in-process FIFO.
type Options struct {
	Mode      Mode
	AckPolicy AckPolicy

	// MaxConcurrentEvents caps parallel processEvent tasks in the queue
	// loop.
	MaxConcurrentEvents int

	// WorkflowConcurrency caps parallel triggered workflow runs per
	// event.
	WorkflowConcurrency int

	Queue     service.EventQueue
	Scheduler service.CronScheduler

	ConversationStore          service.ConversationStore
	ConversationLock           service.DistributedLock
	ConversationLockTTL        time.Duration
	ConversationLockRefresh    time.Duration
	ConversationLockRetryCount int
	ConversationLockRetryDelay time.Duration
	ConversationLockKeyPrefix  string

	RunStore service.RunStore

	// OnWorkflowError receives trigger-invoked workflow failures.
	// Callback panics are swallowed.
	OnWorkflowError func(err error, info WorkflowErrorInfo)

	// OnRunStoreError receives run persistence failures; when nil they
	// propagate to the caller.
	OnRunStoreError func(err error, record service.RunRecord)

	Logger *slog.Logger
}

// registration ties a workflow to its trigger and default run options.
type registration struct {
	workflow *workflow.Workflow
	trigger  Trigger
	defaults workflow.RunOptions
}

// Orchestrator owns its dispatcher, queue, runner, workflow table, and
// cron indices. Conversation stores and locks are shared references whose
// lifecycle belongs to the caller.
type Orchestrator struct {
	opts Options

	queue      service.EventQueue
	dispatcher *event.Dispatcher
	runner     *workflow.Runner
	logger     *slog.Logger

	regMu     sync.RWMutex
	workflows map[string]*registration
	byType    map[string]map[string]*registration
	wildcard  map[string]*registration
	matchers  map[string]*registration

	convLocal *conversationLocks

	running atomic.Bool
	baseCtx context.Context

	// mu guards the queue loop state: in-flight counter and single-loop
	// flag. cond is signalled on every task completion and loop exit.
	mu         sync.Mutex
	cond       *sync.Cond
	inflight   int
	loopActive bool

	published      atomic.Int64
	processed      atomic.Int64
	dispatchErrors atomic.Int64
	workflowRuns   atomic.Int64
	workflowErrors atomic.Int64
}

// Metrics is a point-in-time copy of the orchestrator counters.
type Metrics struct {
	Published      int64 `json:"published"`
	Processed      int64 `json:"processed"`
	DispatchErrors int64 `json:"dispatch_errors"`
	WorkflowRuns   int64 `json:"workflow_runs"`
	WorkflowErrors int64 `json:"workflow_errors"`
}

// Snapshot is an immutable view of the orchestrator state.
type Snapshot struct {
	IsRunning bool      `json:"is_running"`
	Mode      Mode      `json:"mode"`
	QueueSize int       `json:"queue_size"`
	Metrics   Metrics   `json:"metrics"`
	Timestamp time.Time `json:"timestamp"`
}

// New creates an orchestrator from options.
func New(opts Options) (*Orchestrator, error) {
	switch opts.Mode {
	case "":
		opts.Mode = ModeAll
	case ModeAll, ModeProducer, ModeWorker:
	default:
		return nil, fmt.Errorf("orchestrator mode %q: %w", opts.Mode, service.ErrInvalidArgument)
	}

	switch opts.AckPolicy {
	case "":
		opts.AckPolicy = AckAlways
	case AckAlways, AckOnSuccess:
	default:
		return nil, fmt.Errorf("ack policy %q: %w", opts.AckPolicy, service.ErrInvalidArgument)
	}

	if opts.MaxConcurrentEvents <= 0 {
		opts.MaxConcurrentEvents = DefaultMaxConcurrentEvents
	}

	if opts.WorkflowConcurrency <= 0 {
		opts.WorkflowConcurrency = DefaultWorkflowConcurrency
	}

	if opts.ConversationLockTTL <= 0 {
		opts.ConversationLockTTL = DefaultConversationLockTTL
	}

	if opts.ConversationLockRefresh <= 0 {
		opts.ConversationLockRefresh = DefaultConversationLockRefresh
	}

	if opts.ConversationLockRetryCount <= 0 {
		opts.ConversationLockRetryCount = DefaultConversationLockRetryCount
	}

	if opts.ConversationLockRetryDelay <= 0 {
		opts.ConversationLockRetryDelay = DefaultConversationLockRetryDelay
	}

	if opts.ConversationLockKeyPrefix == "" {
		opts.ConversationLockKeyPrefix = DefaultConversationLockKeyPrefix
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	queue := opts.Queue
	if queue == nil {
		queue = event.NewQueue()
	}

	o := &Orchestrator{
		opts:       opts,
		queue:      queue,
		dispatcher: event.NewDispatcher(event.WithLogger(logger)),
		runner:     workflow.NewRunner(workflow.WithRunnerLogger(logger)),
		logger:     logger,
		workflows:  make(map[string]*registration),
		byType:     make(map[string]map[string]*registration),
		wildcard:   make(map[string]*registration),
		matchers:   make(map[string]*registration),
		convLocal:  newConversationLocks(),
		baseCtx:    context.Background(),
	}

	o.cond = sync.NewCond(&o.mu)

	return o, nil
}

// Dispatcher exposes the owned dispatcher for direct subscriptions.
func (o *Orchestrator) Dispatcher() *event.Dispatcher { return o.dispatcher }

// Subscribe registers an event handler on the owned dispatcher.
func (o *Orchestrator) Subscribe(eventType string, handler event.Handler, opts ...event.SubscribeOption) (*event.Subscriber, error) {
	return o.dispatcher.Subscribe(eventType, handler, opts...)
}

// ─── Registration ───

// RegisterWorkflow adds a workflow with its trigger and default run
// options. Duplicate workflow ids are rejected; event triggers are indexed
// per matcher variant for event lookup.
func (o *Orchestrator) RegisterWorkflow(wf *workflow.Workflow, trigger Trigger, defaults workflow.RunOptions) error {
	if wf == nil {
		return fmt.Errorf("workflow is required: %w", service.ErrInvalidArgument)
	}

	o.regMu.Lock()
	defer o.regMu.Unlock()

	if _, ok := o.workflows[wf.ID]; ok {
		return fmt.Errorf("workflow %q: %w", wf.ID, service.ErrConflict)
	}

	reg := &registration{workflow: wf, trigger: trigger, defaults: defaults}
	o.workflows[wf.ID] = reg

	if trigger.IsEvent() {
		switch m := trigger.matcher.(type) {
		case ExactMatcher:
			bucket, ok := o.byType[string(m)]
			if !ok {
				bucket = make(map[string]*registration)
				o.byType[string(m)] = bucket
			}
			bucket[wf.ID] = reg
		case WildcardMatcher:
			o.wildcard[wf.ID] = reg
		case ListMatcher, RegexMatcher:
			o.matchers[wf.ID] = reg
		}
	}

	return nil
}

// UnregisterWorkflow removes a workflow and all of its index entries.
func (o *Orchestrator) UnregisterWorkflow(id string) bool {
	o.regMu.Lock()
	defer o.regMu.Unlock()

	reg, ok := o.workflows[id]
	if !ok {
		return false
	}

	delete(o.workflows, id)
	delete(o.wildcard, id)
	delete(o.matchers, id)

	if m, ok := reg.trigger.matcher.(ExactMatcher); ok {
		if bucket, ok := o.byType[string(m)]; ok {
			delete(bucket, id)
			if len(bucket) == 0 {
				delete(o.byType, string(m))
			}
		}
	}

	return true
}

// triggeredRegistrations returns the registrations fired by an event:
// exact-type matches, wildcard matches, and scanning list/regex matchers,
// filtered by the trigger's own predicate.
func (o *Orchestrator) triggeredRegistrations(ev service.Event) []*registration {
	o.regMu.RLock()
	defer o.regMu.RUnlock()

	seen := make(map[string]struct{})
	var out []*registration

	keep := func(id string, reg *registration) {
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}

		if reg.trigger.Filter != nil && !reg.trigger.Filter(ev) {
			return
		}

		out = append(out, reg)
	}

	for id, reg := range o.byType[ev.Type] {
		keep(id, reg)
	}

	for id, reg := range o.wildcard {
		keep(id, reg)
	}

	for id, reg := range o.matchers {
		if matcherMatches(reg.trigger.matcher, ev.Type) {
			keep(id, reg)
		}
	}

	return out
}

// ─── Publishing ───

// Publish enqueues an event and, when this instance drains the queue,
// kicks a processing pass.
func (o *Orchestrator) Publish(ctx context.Context, ev service.Event) error {
	return o.PublishMessage(ctx, event.NewMessage(ev))
}

// PublishMessage enqueues a full queue envelope, keeping any ack/nack
// callbacks attached.
func (o *Orchestrator) PublishMessage(ctx context.Context, msg service.QueueMessage) error {
	if msg.Event.Type == "" {
		return fmt.Errorf("event type is required: %w", service.ErrInvalidArgument)
	}

	if err := o.queue.Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("enqueue event %s: %w", msg.Event.ID, err)
	}

	o.published.Add(1)

	if o.running.Load() && o.opts.Mode != ModeProducer {
		o.kick()
	}

	return nil
}

// ─── Lifecycle ───

// Start marks the orchestrator running, starts the scheduler outside
// worker mode, and kicks one queue pass outside producer mode.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return nil
	}

	o.mu.Lock()
	o.baseCtx = ctx
	o.mu.Unlock()

	if o.opts.Scheduler != nil && o.opts.Mode != ModeWorker {
		if err := o.opts.Scheduler.Start(ctx); err != nil {
			o.running.Store(false)

			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	if o.opts.Mode != ModeProducer {
		o.kick()
	}

	o.logger.Info("orchestrator started", "mode", string(o.opts.Mode))

	return nil
}

// Stop clears the running flag, waits for in-flight work to settle, and
// stops the scheduler.
func (o *Orchestrator) Stop() {
	if !o.running.CompareAndSwap(true, false) {
		return
	}

	o.mu.Lock()
	for o.loopActive || o.inflight > 0 {
		o.cond.Wait()
	}
	o.mu.Unlock()

	if o.opts.Scheduler != nil && o.opts.Mode != ModeWorker {
		o.opts.Scheduler.Stop()
	}

	o.logger.Info("orchestrator stopped")
}

// Drain processes the queue to empty even when stopped. Rejected in
// producer mode.
func (o *Orchestrator) Drain(ctx context.Context) error {
	if o.opts.Mode == ModeProducer {
		return fmt.Errorf("drain is not available in producer mode: %w", service.ErrState)
	}

	o.processQueue(ctx, true)

	return nil
}

// Snapshot returns the current state and metric counters.
func (o *Orchestrator) Snapshot(ctx context.Context) Snapshot {
	size, err := o.queue.Size(ctx)
	if err != nil {
		o.logger.Warn("queue size failed", "error", err)
	}

	return Snapshot{
		IsRunning: o.running.Load(),
		Mode:      o.opts.Mode,
		QueueSize: size,
		Metrics: Metrics{
			Published:      o.published.Load(),
			Processed:      o.processed.Load(),
			DispatchErrors: o.dispatchErrors.Load(),
			WorkflowRuns:   o.workflowRuns.Load(),
			WorkflowErrors: o.workflowErrors.Load(),
		},
		Timestamp: time.Now(),
	}
}

// ─── Queue loop ───

// kick launches a queue pass unless one is already active.
func (o *Orchestrator) kick() {
	o.mu.Lock()
	active := o.loopActive
	ctx := o.baseCtx
	o.mu.Unlock()

	if active {
		return
	}

	go o.processQueue(ctx, false)
}

// processQueue drains the queue: while below the event concurrency bound,
// dequeue and launch processEvent tasks; at the bound, wait for a
// completion. Returns when the queue is empty and no task is in flight.
// Only one pass runs at a time; late callers wait for the active pass.
func (o *Orchestrator) processQueue(ctx context.Context, allowWhenStopped bool) {
	o.mu.Lock()
	for o.loopActive {
		o.cond.Wait()
	}
	o.loopActive = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.loopActive = false
		o.cond.Broadcast()
		o.mu.Unlock()
	}()

	for {
		if !allowWhenStopped && !o.running.Load() {
			break
		}

		if ctx.Err() != nil {
			break
		}

		msg, err := o.queue.Dequeue(ctx)
		if err != nil {
			o.logger.Error("queue dequeue failed", "error", err)

			break
		}

		if msg == nil {
			o.mu.Lock()
			if o.inflight == 0 {
				o.mu.Unlock()

				break
			}
			o.cond.Wait()
			o.mu.Unlock()

			continue
		}

		o.mu.Lock()
		for o.inflight >= o.opts.MaxConcurrentEvents {
			o.cond.Wait()
		}
		o.inflight++
		o.mu.Unlock()

		go func(m service.QueueMessage) {
			defer func() {
				o.mu.Lock()
				o.inflight--
				o.cond.Broadcast()
				o.mu.Unlock()
			}()

			o.processEvent(ctx, m)
		}(*msg)
	}

	o.mu.Lock()
	for o.inflight > 0 {
		o.cond.Wait()
	}
	o.mu.Unlock()
}

// processEvent dispatches one event to subscribers and, in parallel, runs
// the workflows it triggers, then settles metrics and the ack policy.
func (o *Orchestrator) processEvent(ctx context.Context, msg service.QueueMessage) {
	var (
		wg        sync.WaitGroup
		dispatch  event.DispatchResult
		triggered int
		failures  int
	)

	wg.Add(2)

	go func() {
		defer wg.Done()

		dispatch = o.dispatcher.Dispatch(ctx, msg.Event)
	}()

	go func() {
		defer wg.Done()

		triggered, failures = o.runTriggeredWorkflows(ctx, msg.Event)
	}()

	wg.Wait()

	o.processed.Add(1)
	o.dispatchErrors.Add(int64(len(dispatch.Errors)))
	o.workflowRuns.Add(int64(triggered))
	o.workflowErrors.Add(int64(failures))

	o.settleMessage(ctx, msg, len(dispatch.Errors), failures)
}

// settleMessage applies the ack policy to a processed message.
func (o *Orchestrator) settleMessage(ctx context.Context, msg service.QueueMessage, dispatchErrors, workflowFailures int) {
	clean := dispatchErrors == 0 && workflowFailures == 0

	if o.opts.AckPolicy == AckAlways || clean {
		if msg.Ack != nil {
			if err := msg.Ack(ctx); err != nil {
				o.logger.Warn("message ack failed", "event_id", msg.Event.ID, "error", err)
			}
		}

		return
	}

	if msg.Nack != nil {
		reason := fmt.Sprintf("dispatch=%d, workflows=%d", dispatchErrors, workflowFailures)
		if err := msg.Nack(ctx, reason); err != nil {
			o.logger.Warn("message nack failed", "event_id", msg.Event.ID, "error", err)
		}
	}
}

// runTriggeredWorkflows fans an event out to its triggered workflows,
// bounded by the per-event workflow concurrency. It returns the number of
// runs attempted and the number that failed.
func (o *Orchestrator) runTriggeredWorkflows(ctx context.Context, ev service.Event) (int, int) {
	regs := o.triggeredRegistrations(ev)
	if len(regs) == 0 {
		return 0, 0
	}

	sem := make(chan struct{}, o.opts.WorkflowConcurrency)

	var (
		wg       sync.WaitGroup
		failures atomic.Int64
	)

	for _, reg := range regs {
		wg.Add(1)
		sem <- struct{}{}

		go func(reg *registration) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := o.runTriggered(ctx, reg, ev); err != nil {
				failures.Add(1)
				o.notifyWorkflowError(err, WorkflowErrorInfo{
					WorkflowID: reg.workflow.ID,
					Event:      &ev,
					Trigger:    &reg.trigger,
				})
			}
		}(reg)
	}

	wg.Wait()

	return len(regs), int(failures.Load())
}

// runTriggered executes one triggered registration for an event.
func (o *Orchestrator) runTriggered(ctx context.Context, reg *registration, ev service.Event) error {
	opts := reg.defaults

	if reg.trigger.MapInput != nil {
		opts.Input = reg.trigger.MapInput(ev)
	} else {
		opts.Input = ev.Payload
	}

	if reg.trigger.MapContext != nil {
		opts.Context = mergeContext(reg.defaults.Context, reg.trigger.MapContext(ev))
	}

	if reg.trigger.MapConversationID != nil {
		opts.ConversationID = reg.trigger.MapConversationID(ev)
	}

	result, err := o.execute(ctx, reg, opts)
	if err != nil {
		return err
	}

	if result.Status == workflow.StatusFailed {
		return fmt.Errorf("workflow %s run %s: %d node(s) failed: %w",
			reg.workflow.ID, result.RunID, len(result.Errors), service.ErrRuntime)
	}

	return nil
}

// notifyWorkflowError invokes the error callback, swallowing its panics.
func (o *Orchestrator) notifyWorkflowError(err error, info WorkflowErrorInfo) {
	o.logger.Error("triggered workflow failed", "workflow_id", info.WorkflowID, "error", err)

	if o.opts.OnWorkflowError == nil {
		return
	}

	defer func() { _ = recover() }()

	o.opts.OnWorkflowError(err, info)
}

// mergeContext overlays b on a without mutating either.
func mergeContext(a, b map[string]any) map[string]any {
	if a == nil {
		return b
	}

	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}

	return out
}
