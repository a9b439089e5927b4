package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/rakunlabs/akis/internal/service"
)

func noop(context.Context, *NodeContext) (any, error) { return nil, nil }

func TestNew_InvalidType(t *testing.T) {
	if _, err := New("w", WithType("flowchart")); !errors.Is(err, service.ErrInvalidArgument) {
		t.Errorf("expected invalid argument, got %v", err)
	}
}

func TestAddNode_DuplicateID(t *testing.T) {
	w, _ := New("w")

	if _, err := w.AddNode(NodeSpec{ID: "a", Handler: noop}); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	if _, err := w.AddNode(NodeSpec{ID: "a", Handler: noop}); !errors.Is(err, service.ErrConflict) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestAddNode_RetryValidation(t *testing.T) {
	w, _ := New("w")

	cases := []RetryPolicy{
		{MaxAttempts: 0, BackoffMultiplier: 1},
		{MaxAttempts: 2, BackoffMultiplier: 0.5},
		{MaxAttempts: 2, BackoffMultiplier: 1, InitialDelay: -1},
	}

	for i, policy := range cases {
		policy := policy
		if _, err := w.AddNode(NodeSpec{Handler: noop, Retry: &policy}); !errors.Is(err, service.ErrInvalidArgument) {
			t.Errorf("case %d: expected invalid argument, got %v", i, err)
		}
	}
}

func TestConnect(t *testing.T) {
	w, _ := New("w")
	w.AddNode(NodeSpec{ID: "a", Handler: noop})
	w.AddNode(NodeSpec{ID: "b", Handler: noop})

	if err := w.Connect("a", "b"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Connecting twice is a no-op, not a duplicate dependency.
	if err := w.Connect("a", "b"); err != nil {
		t.Fatalf("Connect twice: %v", err)
	}

	b, _ := w.Node("b")
	if len(b.DependsOn) != 1 || b.DependsOn[0] != "a" {
		t.Errorf("DependsOn = %v", b.DependsOn)
	}

	if err := w.Connect("a", "zzz"); !errors.Is(err, service.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	if err := w.Connect("zzz", "b"); !errors.Is(err, service.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestExecutionPlan_TopologicalOrder(t *testing.T) {
	w, _ := New("w")

	// d -> b -> a, c -> a; insertion order a, b, c, d.
	w.AddNode(NodeSpec{ID: "a", Handler: noop})
	w.AddNode(NodeSpec{ID: "b", Handler: noop, DependsOn: []string{"a"}})
	w.AddNode(NodeSpec{ID: "c", Handler: noop, DependsOn: []string{"a"}})
	w.AddNode(NodeSpec{ID: "d", Handler: noop, DependsOn: []string{"b", "c"}})

	plan, err := w.ExecutionPlan()
	if err != nil {
		t.Fatalf("ExecutionPlan: %v", err)
	}

	if len(plan) != 4 {
		t.Fatalf("plan size = %d, want 4", len(plan))
	}

	index := make(map[string]int, len(plan))
	for i, node := range plan {
		index[node.ID] = i
	}

	for _, edge := range [][2]string{{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}} {
		if index[edge[0]] >= index[edge[1]] {
			t.Errorf("edge %s->%s violated: %v", edge[0], edge[1], index)
		}
	}

	// Ties break by insertion order.
	if index["b"] >= index["c"] {
		t.Errorf("wave order must follow insertion: %v", index)
	}
}

func TestExecutionPlan_MissingDependency(t *testing.T) {
	w, _ := New("w")
	w.AddNode(NodeSpec{ID: "a", Handler: noop, DependsOn: []string{"ghost"}})

	_, err := w.ExecutionPlan()
	if !errors.Is(err, service.ErrDependency) {
		t.Fatalf("expected dependency error, got %v", err)
	}

	if errors.Is(err, service.ErrCyclicDependency) {
		t.Fatal("missing dependency must not be cyclic")
	}
}

func TestExecutionPlan_Cycle(t *testing.T) {
	w, _ := New("w")
	w.AddNode(NodeSpec{ID: "a", Handler: noop})
	w.AddNode(NodeSpec{ID: "b", Handler: noop, DependsOn: []string{"a"}})
	w.AddNode(NodeSpec{ID: "c", Handler: noop, DependsOn: []string{"b"}})
	w.Connect("c", "a")

	_, err := w.ExecutionPlan()
	if !errors.Is(err, service.ErrCyclicDependency) {
		t.Fatalf("expected cyclic dependency, got %v", err)
	}

	// The cyclic kind is a subkind of the dependency kind.
	if !errors.Is(err, service.ErrDependency) {
		t.Fatal("cyclic error must also match the dependency kind")
	}
}
