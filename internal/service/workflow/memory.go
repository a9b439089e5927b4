package workflow

import (
	"encoding/json"
	"sort"

	"github.com/rakunlabs/akis/internal/service"
)

// MemoryDiff is the delta between two memory snapshots: keys to set and
// keys to remove.
type MemoryDiff struct {
	Set    service.Memory `json:"set"`
	Remove []string       `json:"remove"`
}

// DiffMemory computes the diff turning prev into next. Equality is
// deep-structural over JSON-serializable values; Remove is sorted for
// determinism.
func DiffMemory(prev, next service.Memory) MemoryDiff {
	diff := MemoryDiff{Set: make(service.Memory)}

	for k, v := range next {
		old, ok := prev[k]
		if !ok || !jsonEqual(old, v) {
			diff.Set[k] = v
		}
	}

	for k := range prev {
		if _, ok := next[k]; !ok {
			diff.Remove = append(diff.Remove, k)
		}
	}

	sort.Strings(diff.Remove)

	return diff
}

// ApplyMemoryDiff produces a new memory from base with the diff applied.
// The base is not mutated.
func ApplyMemoryDiff(base service.Memory, diff MemoryDiff) service.Memory {
	out := make(service.Memory, len(base)+len(diff.Set))

	for k, v := range base {
		out[k] = v
	}

	for k, v := range diff.Set {
		out[k] = v
	}

	for _, k := range diff.Remove {
		delete(out, k)
	}

	return out
}

// IsEmptyDiff reports whether a diff changes nothing.
func IsEmptyDiff(diff MemoryDiff) bool {
	return len(diff.Set) == 0 && len(diff.Remove) == 0
}

// jsonEqual compares two values by their canonical JSON encoding. Values
// that fail to encode are never equal.
func jsonEqual(a, b any) bool {
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}

	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}

	return string(ja) == string(jb)
}
