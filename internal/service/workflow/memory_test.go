package workflow

import (
	"reflect"
	"testing"

	"github.com/rakunlabs/akis/internal/service"
)

func TestDiffMemory(t *testing.T) {
	prev := service.Memory{
		"keep":   "same",
		"change": 1,
		"drop":   true,
		"nested": map[string]any{"a": 1},
	}

	next := service.Memory{
		"keep":   "same",
		"change": 2,
		"nested": map[string]any{"a": 2},
		"new":    "value",
	}

	diff := DiffMemory(prev, next)

	if _, ok := diff.Set["keep"]; ok {
		t.Error("unchanged key must not be set")
	}

	for _, key := range []string{"change", "nested", "new"} {
		if _, ok := diff.Set[key]; !ok {
			t.Errorf("expected %q in set", key)
		}
	}

	if !reflect.DeepEqual(diff.Remove, []string{"drop"}) {
		t.Errorf("Remove = %v", diff.Remove)
	}
}

func TestDiffMemory_RoundTrip(t *testing.T) {
	cases := []struct {
		prev, next service.Memory
	}{
		{service.Memory{}, service.Memory{}},
		{service.Memory{"a": 1}, service.Memory{}},
		{service.Memory{}, service.Memory{"a": 1}},
		{
			service.Memory{"a": 1, "b": "x", "c": []any{1.0, 2.0}},
			service.Memory{"a": 2, "c": []any{1.0, 2.0}, "d": map[string]any{"k": "v"}},
		},
	}

	for i, tc := range cases {
		got := ApplyMemoryDiff(tc.prev, DiffMemory(tc.prev, tc.next))

		if !jsonEqual(got, tc.next) {
			t.Errorf("case %d: round trip = %v, want %v", i, got, tc.next)
		}
	}
}

func TestApplyMemoryDiff_Identity(t *testing.T) {
	base := service.Memory{"a": 1, "b": "x"}

	got := ApplyMemoryDiff(base, MemoryDiff{Set: service.Memory{}})

	if !jsonEqual(got, base) {
		t.Errorf("identity diff changed memory: %v", got)
	}

	// The input must not be aliased.
	got["c"] = true
	if _, ok := base["c"]; ok {
		t.Error("ApplyMemoryDiff must not mutate its input")
	}
}

func TestIsEmptyDiff(t *testing.T) {
	if !IsEmptyDiff(MemoryDiff{Set: service.Memory{}}) {
		t.Error("empty diff must report empty")
	}

	if IsEmptyDiff(MemoryDiff{Set: service.Memory{"a": 1}}) {
		t.Error("set entry must not be empty")
	}

	if IsEmptyDiff(MemoryDiff{Set: service.Memory{}, Remove: []string{"a"}}) {
		t.Error("remove entry must not be empty")
	}
}
