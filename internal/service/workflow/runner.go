package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/akis/internal/service"
)

// Default node concurrency per workflow type.
const (
	DefaultConcurrency         = 4
	DefaultChatflowConcurrency = 1
)

// Status is the outcome of a run or node.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Timeline event types, in the order they can appear within a run.
const (
	TimelineRunStart     = "run_start"
	TimelineNodeStart    = "node_start"
	TimelineNodeComplete = "node_complete"
	TimelineNodeRetry    = "node_retry"
	TimelineNodeError    = "node_error"
	TimelineRunComplete  = "run_complete"
)

// TimelineEvent is one entry in a run's ordered timeline.
type TimelineEvent struct {
	Type      string
	At        time.Time
	NodeID    string
	Attempt   int
	NextDelay time.Duration
	Err       error
	Status    Status
	Duration  time.Duration
}

// Hooks observe node lifecycle transitions. Hook panics are swallowed; a
// misbehaving observer never fails a run.
type Hooks struct {
	OnNodeStart    func(node *Node, attempt int)
	OnNodeComplete func(node *Node, result any)
	OnNodeRetry    func(node *Node, err error, attempt int, nextDelay time.Duration)
	OnNodeError    func(node *Node, err error)
}

// RunOptions parameterize a single run.
type RunOptions struct {
	// Input is passed to every node handler.
	Input any

	// Context is a shared, caller-provided bag available to handlers.
	Context map[string]any

	// Concurrency caps parallel nodes. Zero picks the type default:
	// 4 for workflows, 1 for chatflows.
	Concurrency int

	// FailFast aborts remaining nodes on the first failure. Nil means
	// true.
	FailFast *bool

	// ConversationID keys chatflow runs; required for chatflows.
	ConversationID string

	// Memory seeds the run-local memory. Deep-cloned before use.
	Memory service.Memory

	// Hooks observe node transitions for this run.
	Hooks Hooks
}

// RunResult captures everything a run produced.
type RunResult struct {
	RunID      string
	WorkflowID string
	Status     Status
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration

	Results  map[string]any
	Errors   map[string]error
	Attempts map[string]int
	Timeline []TimelineEvent

	ConversationID string
	Memory         service.Memory
}

// NodeContext is handed to node handlers. Memory accessors are safe for
// concurrent use across parallel nodes of the same run.
type NodeContext struct {
	// Input is the per-run input value.
	Input any

	// Context is the shared context bag for the run.
	Context map[string]any

	run *runState
}

// Result returns the result of an already-completed node.
func (nc *NodeContext) Result(nodeID string) (any, bool) {
	nc.run.mu.Lock()
	defer nc.run.mu.Unlock()

	v, ok := nc.run.results[nodeID]

	return v, ok
}

// Memory returns a shallow copy of the current run memory. Callers must
// not mutate nested values; use UpdateMemory or SetMemory instead.
func (nc *NodeContext) Memory() service.Memory {
	nc.run.mu.Lock()
	defer nc.run.mu.Unlock()

	out := make(service.Memory, len(nc.run.memory))
	for k, v := range nc.run.memory {
		out[k] = v
	}

	return out
}

// SetMemory replaces the run memory wholesale.
func (nc *NodeContext) SetMemory(m service.Memory) {
	nc.run.mu.Lock()
	defer nc.run.mu.Unlock()

	nc.run.memory = make(service.Memory, len(m))
	for k, v := range m {
		nc.run.memory[k] = v
	}
}

// UpdateMemory merges a patch into the run memory.
func (nc *NodeContext) UpdateMemory(patch service.Memory) {
	nc.run.mu.Lock()
	defer nc.run.mu.Unlock()

	for k, v := range patch {
		nc.run.memory[k] = v
	}
}

// runState is the mutable state shared by all node executions of one run.
type runState struct {
	mu       sync.Mutex
	results  map[string]any
	errs     map[string]error
	attempts map[string]int
	timeline []TimelineEvent
	memory   service.Memory
}

func (rs *runState) appendTimeline(ev TimelineEvent) {
	rs.mu.Lock()
	rs.timeline = append(rs.timeline, ev)
	rs.mu.Unlock()
}

// Runner executes workflows. A single runner is safe for concurrent runs.
type Runner struct {
	logger *slog.Logger
}

// RunnerOption customizes a runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets the runner's logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// NewRunner creates a runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{logger: slog.Default()}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// nodeDone reports one finished node execution to the coordinator.
type nodeDone struct {
	node     *Node
	result   any
	err      error
	attempts int
}

// Run executes a workflow's plan with dependency-aware parallelism. Plan
// construction errors (dangling or cyclic dependencies) and invalid
// options are returned as errors; node handler failures are collected into
// the result, which then carries StatusFailed.
func (r *Runner) Run(ctx context.Context, wf *Workflow, opts RunOptions) (*RunResult, error) {
	plan, err := wf.ExecutionPlan()
	if err != nil {
		return nil, err
	}

	if wf.Type == TypeChatflow && opts.ConversationID == "" {
		return nil, fmt.Errorf("chatflow %s requires a conversation id: %w", wf.ID, service.ErrInvalidArgument)
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
		if wf.Type == TypeChatflow {
			concurrency = DefaultChatflowConcurrency
		}
	}

	failFast := true
	if opts.FailFast != nil {
		failFast = *opts.FailFast
	}

	memory, err := service.CloneMemory(opts.Memory)
	if err != nil {
		return nil, err
	}
	if memory == nil {
		memory = make(service.Memory)
	}

	state := &runState{
		results:  make(map[string]any, len(plan)),
		errs:     make(map[string]error),
		attempts: make(map[string]int, len(plan)),
		memory:   memory,
	}

	result := &RunResult{
		RunID:          "run_" + ulid.Make().String(),
		WorkflowID:     wf.ID,
		StartedAt:      time.Now(),
		ConversationID: opts.ConversationID,
	}

	state.appendTimeline(TimelineEvent{Type: TimelineRunStart, At: result.StartedAt})

	r.execute(ctx, plan, state, concurrency, failFast, opts)

	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)

	result.Status = StatusSucceeded
	if len(state.errs) > 0 {
		result.Status = StatusFailed
	}

	state.appendTimeline(TimelineEvent{
		Type:     TimelineRunComplete,
		At:       result.FinishedAt,
		Status:   result.Status,
		Duration: result.Duration,
	})

	result.Results = state.results
	result.Errors = state.errs
	result.Attempts = state.attempts
	result.Timeline = state.timeline
	result.Memory = state.memory

	return result, nil
}

// execute drives the plan: nodes become ready when every dependency
// succeeded, ready nodes launch up to the concurrency cap, and the first
// failure aborts the run context when fail-fast is on. A node whose
// dependency failed is marked failed without invoking its handler.
func (r *Runner) execute(ctx context.Context, plan []*Node, state *runState, concurrency int, failFast bool, opts RunOptions) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	remaining := make(map[string]int, len(plan))
	dependents := make(map[string][]*Node, len(plan))
	for _, node := range plan {
		remaining[node.ID] = len(node.DependsOn)

		for _, dep := range node.DependsOn {
			dependents[dep] = append(dependents[dep], node)
		}
	}

	nc := &NodeContext{Input: opts.Input, Context: opts.Context, run: state}

	var ready []*Node
	for _, node := range plan {
		if remaining[node.ID] == 0 {
			ready = append(ready, node)
		}
	}

	doneCh := make(chan nodeDone)

	active := 0
	finished := 0
	aborted := false

	// depFailed marks nodes that must not run because a dependency (or a
	// transitive one) failed. Only consulted when fail-fast is off; with
	// fail-fast the whole run aborts instead.
	depFailed := make(map[string]string)

	for finished < len(plan) {
		for len(ready) > 0 && active < concurrency && !aborted {
			node := ready[0]
			ready = ready[1:]

			active++

			go r.runNode(runCtx, node, nc, state, opts.Hooks, doneCh)
		}

		if active == 0 {
			// Nothing running and nothing launchable: the rest of the
			// plan is unreachable (aborted or dependency-failed).
			break
		}

		done := <-doneCh
		active--
		finished++

		state.mu.Lock()
		state.attempts[done.node.ID] = done.attempts
		if done.err != nil {
			state.errs[done.node.ID] = done.err
		} else {
			state.results[done.node.ID] = done.result
		}
		state.mu.Unlock()

		if done.err != nil {
			if failFast {
				aborted = true
				cancel()

				continue
			}

			// Fail the dependents transitively without running them.
			queue := append([]*Node(nil), dependents[done.node.ID]...)
			for len(queue) > 0 {
				dep := queue[0]
				queue = queue[1:]

				if _, seen := depFailed[dep.ID]; seen {
					continue
				}

				depFailed[dep.ID] = done.node.ID
				finished++

				state.mu.Lock()
				state.errs[dep.ID] = fmt.Errorf("node %s not run: dependency %s failed: %w", dep.ID, done.node.ID, service.ErrDependency)
				state.mu.Unlock()

				queue = append(queue, dependents[dep.ID]...)
			}

			continue
		}

		for _, dep := range dependents[done.node.ID] {
			if _, failed := depFailed[dep.ID]; failed {
				continue
			}

			remaining[dep.ID]--
			if remaining[dep.ID] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	// Drain any still-running nodes after an abort so their final state
	// is recorded.
	for active > 0 {
		done := <-doneCh
		active--

		state.mu.Lock()
		state.attempts[done.node.ID] = done.attempts
		if done.err != nil {
			state.errs[done.node.ID] = done.err
		} else {
			state.results[done.node.ID] = done.result
		}
		state.mu.Unlock()
	}
}

// runNode executes one node with its retry policy and reports the outcome.
func (r *Runner) runNode(ctx context.Context, node *Node, nc *NodeContext, state *runState, hooks Hooks, doneCh chan<- nodeDone) {
	maxAttempts := 1
	if node.Retry != nil {
		maxAttempts = node.Retry.MaxAttempts
	}

	var lastErr error

	attemptsMade := 0

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptsMade = attempt
		state.appendTimeline(TimelineEvent{Type: TimelineNodeStart, At: time.Now(), NodeID: node.ID, Attempt: attempt})
		callHook(func() { hooks.OnNodeStart(node, attempt) }, hooks.OnNodeStart != nil)

		result, err := invokeHandler(ctx, node, nc)
		if err == nil {
			state.appendTimeline(TimelineEvent{Type: TimelineNodeComplete, At: time.Now(), NodeID: node.ID, Attempt: attempt})
			callHook(func() { hooks.OnNodeComplete(node, result) }, hooks.OnNodeComplete != nil)

			doneCh <- nodeDone{node: node, result: result, attempts: attempt}

			return
		}

		lastErr = err

		if attempt < maxAttempts && ctx.Err() == nil {
			delay := retryDelay(node.Retry, attempt)

			state.appendTimeline(TimelineEvent{
				Type:      TimelineNodeRetry,
				At:        time.Now(),
				NodeID:    node.ID,
				Attempt:   attempt,
				NextDelay: delay,
				Err:       err,
			})
			callHook(func() { hooks.OnNodeRetry(node, err, attempt, delay) }, hooks.OnNodeRetry != nil)

			if !sleepCtx(ctx, delay) {
				lastErr = fmt.Errorf("node %s cancelled during retry wait: %w", node.ID, ctx.Err())

				break
			}

			continue
		}

		break
	}

	state.appendTimeline(TimelineEvent{Type: TimelineNodeError, At: time.Now(), NodeID: node.ID, Err: lastErr})
	callHook(func() { hooks.OnNodeError(node, lastErr) }, hooks.OnNodeError != nil)

	r.logger.Debug("node failed", "node_id", node.ID, "attempts", attemptsMade, "error", lastErr)

	doneCh <- nodeDone{node: node, err: lastErr, attempts: attemptsMade}
}

// invokeHandler calls the node handler, converting panics into runtime
// errors.
func invokeHandler(ctx context.Context, node *Node, nc *NodeContext) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			if perr, ok := r.(error); ok {
				err = fmt.Errorf("node %s: %w: panic: %w", node.ID, service.ErrRuntime, perr)

				return
			}

			err = fmt.Errorf("node %s: %w: panic: %v", node.ID, service.ErrRuntime, r)
		}
	}()

	return node.Handler(ctx, nc)
}

// retryDelay computes the backoff before the attempt following attempt k.
func retryDelay(policy *RetryPolicy, attempt int) time.Duration {
	base := float64(policy.InitialDelay) * math.Pow(policy.BackoffMultiplier, float64(attempt-1))

	delay := time.Duration(base)
	if delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}

	if policy.Jitter > 0 {
		delay += time.Duration(rand.Int64N(int64(policy.Jitter) + 1))
	}

	return delay
}

// sleepCtx sleeps for d or until the context is cancelled; the return
// reports whether the full sleep elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// callHook runs a hook and swallows its panic.
func callHook(fn func(), set bool) {
	if !set {
		return
	}

	defer func() { _ = recover() }()

	fn()
}
