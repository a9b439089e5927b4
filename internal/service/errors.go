package service

import "errors"

// Error kinds used across the module. Callers classify failures with
// errors.Is; concrete messages wrap one of these sentinels.
var (
	// ErrInvalidArgument marks malformed input: empty ids, invalid cron
	// expressions, bad workflow types, chatflow runs without a
	// conversation id, retry policies with zero max attempts.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrState marks operations that are invalid for the current
	// lifecycle: drain in producer mode, cron registration without a
	// scheduler, an unattainable conversation lock.
	ErrState = errors.New("invalid state")

	// ErrNotFound marks references to absent entities: workflow ids,
	// node ids, job ids.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks duplicate ids (workflow or node).
	ErrConflict = errors.New("already exists")

	// ErrDependency marks a dangling edge in a workflow graph.
	ErrDependency = errors.New("unresolved dependency")

	// ErrCyclicDependency marks a cycle in a workflow graph. It is a
	// subkind of ErrDependency: errors.Is(err, ErrDependency) also
	// reports true for cyclic errors.
	ErrCyclicDependency error = cyclicDependencyError{}

	// ErrRuntime wraps foreign failures: handler panics, non-error
	// panics, an unreachable cron search.
	ErrRuntime = errors.New("runtime failure")

	// ErrSerialization marks JSON encode/decode failures.
	ErrSerialization = errors.New("serialization failure")
)

type cyclicDependencyError struct{}

func (cyclicDependencyError) Error() string { return "cyclic dependency" }

func (cyclicDependencyError) Is(target error) bool { return target == ErrDependency }
