// Package workflow implements the DAG execution core: a node graph with
// dependency edges, a Kahn-ordered execution plan, and a runner with
// per-node retry, fail-fast cancellation, lifecycle hooks, and
// per-conversation memory threading.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/akis/internal/service"
)

// Type distinguishes plain workflows from conversation-keyed chatflows.
type Type string

const (
	// TypeWorkflow is a stateless workflow; runs default to concurrency 4.
	TypeWorkflow Type = "workflow"

	// TypeChatflow is keyed by a conversation id, carries persistent
	// memory, and runs its nodes sequentially by default.
	TypeChatflow Type = "chatflow"
)

// NodeHandler executes one node. The context is the run's abort signal;
// handlers should observe it and return promptly when cancelled. The
// returned value becomes the node's result, visible to downstream nodes.
type NodeHandler func(ctx context.Context, nc *NodeContext) (any, error)

// RetryPolicy controls per-node retries. The delay before attempt k+1 is
// min(InitialDelay × BackoffMultiplier^(k−1), MaxDelay) plus a uniform
// random jitter in [0, Jitter].
type RetryPolicy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	Jitter            time.Duration
}

func (p *RetryPolicy) validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("retry max attempts must be at least 1: %w", service.ErrInvalidArgument)
	case p.InitialDelay < 0:
		return fmt.Errorf("retry initial delay must not be negative: %w", service.ErrInvalidArgument)
	case p.BackoffMultiplier < 1:
		return fmt.Errorf("retry backoff multiplier must be at least 1: %w", service.ErrInvalidArgument)
	case p.MaxDelay < 0:
		return fmt.Errorf("retry max delay must not be negative: %w", service.ErrInvalidArgument)
	case p.Jitter < 0:
		return fmt.Errorf("retry jitter must not be negative: %w", service.ErrInvalidArgument)
	}

	return nil
}

// Node is one unit of work in a workflow.
type Node struct {
	ID        string
	Name      string
	Handler   NodeHandler
	DependsOn []string
	Retry     *RetryPolicy
}

// NodeSpec describes a node to add. The id is generated when empty.
type NodeSpec struct {
	ID        string
	Name      string
	Handler   NodeHandler
	DependsOn []string
	Retry     *RetryPolicy
}

// Workflow is a named DAG of nodes. Not safe for concurrent mutation;
// build it fully before registering or running.
type Workflow struct {
	ID          string
	Name        string
	Description string
	Type        Type

	nodes map[string]*Node
	order []string // insertion order, the stable tie-break for planning
}

// Option customizes a new workflow.
type Option func(*Workflow)

// WithDescription sets the workflow description.
func WithDescription(desc string) Option {
	return func(w *Workflow) { w.Description = desc }
}

// WithType sets the workflow type.
func WithType(t Type) Option {
	return func(w *Workflow) { w.Type = t }
}

// WithID overrides the generated workflow id.
func WithID(id string) Option {
	return func(w *Workflow) { w.ID = id }
}

// New creates an empty workflow. The default type is TypeWorkflow.
func New(name string, opts ...Option) (*Workflow, error) {
	w := &Workflow{
		ID:    "wf_" + ulid.Make().String(),
		Name:  name,
		Type:  TypeWorkflow,
		nodes: make(map[string]*Node),
	}

	for _, opt := range opts {
		opt(w)
	}

	if w.Type != TypeWorkflow && w.Type != TypeChatflow {
		return nil, fmt.Errorf("workflow type %q: %w", w.Type, service.ErrInvalidArgument)
	}

	return w, nil
}

// AddNode adds a node to the graph. Duplicate ids are rejected; the
// dependency graph is validated lazily at plan time.
func (w *Workflow) AddNode(spec NodeSpec) (*Node, error) {
	if spec.Handler == nil {
		return nil, fmt.Errorf("node handler is required: %w", service.ErrInvalidArgument)
	}

	if spec.Retry != nil {
		if err := spec.Retry.validate(); err != nil {
			return nil, err
		}
	}

	id := spec.ID
	if id == "" {
		id = "node_" + ulid.Make().String()
	}

	if _, ok := w.nodes[id]; ok {
		return nil, fmt.Errorf("node %q: %w", id, service.ErrConflict)
	}

	node := &Node{
		ID:        id,
		Name:      spec.Name,
		Handler:   spec.Handler,
		DependsOn: append([]string(nil), spec.DependsOn...),
		Retry:     spec.Retry,
	}

	w.nodes[id] = node
	w.order = append(w.order, id)

	return node, nil
}

// Connect records from as a dependency of to. Both nodes must exist.
func (w *Workflow) Connect(from, to string) error {
	if _, ok := w.nodes[from]; !ok {
		return fmt.Errorf("node %q: %w", from, service.ErrNotFound)
	}

	node, ok := w.nodes[to]
	if !ok {
		return fmt.Errorf("node %q: %w", to, service.ErrNotFound)
	}

	for _, dep := range node.DependsOn {
		if dep == from {
			return nil
		}
	}

	node.DependsOn = append(node.DependsOn, from)

	return nil
}

// Node returns a node by id.
func (w *Workflow) Node(id string) (*Node, bool) {
	n, ok := w.nodes[id]

	return n, ok
}

// Nodes returns all nodes in insertion order.
func (w *Workflow) Nodes() []*Node {
	out := make([]*Node, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, w.nodes[id])
	}

	return out
}

// ExecutionPlan topologically sorts the graph with Kahn's algorithm. Ties
// within a wave preserve node insertion order. A dependency on a missing
// node fails with a dependency error; an unsortable remainder fails with a
// cyclic dependency error.
func (w *Workflow) ExecutionPlan() ([]*Node, error) {
	deps := make(map[string]map[string]struct{}, len(w.nodes))
	dependents := make(map[string][]string, len(w.nodes))

	for _, id := range w.order {
		node := w.nodes[id]
		deps[id] = make(map[string]struct{}, len(node.DependsOn))

		for _, dep := range node.DependsOn {
			if _, ok := w.nodes[dep]; !ok {
				return nil, fmt.Errorf("node %s depends on missing node: %s: %w", id, dep, service.ErrDependency)
			}

			deps[id][dep] = struct{}{}
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for _, id := range w.order {
		if len(deps[id]) == 0 {
			ready = append(ready, id)
		}
	}

	plan := make([]*Node, 0, len(w.nodes))

	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		plan = append(plan, w.nodes[id])

		for _, dependent := range dependents[id] {
			delete(deps[dependent], id)

			if len(deps[dependent]) == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(plan) != len(w.nodes) {
		return nil, fmt.Errorf("workflow %s: %w", w.ID, service.ErrCyclicDependency)
	}

	return plan, nil
}
