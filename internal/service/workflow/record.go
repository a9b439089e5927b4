package workflow

import (
	"errors"
	"time"

	"github.com/rakunlabs/akis/internal/service"
)

// ToRunRecord converts a run result into its persistable form: RFC3339
// timestamps, millisecond durations, and errors flattened into name /
// message / cause chains.
func ToRunRecord(result *RunResult) service.RunRecord {
	rec := service.RunRecord{
		ID:             result.RunID,
		WorkflowID:     result.WorkflowID,
		Status:         string(result.Status),
		StartedAt:      result.StartedAt.Format(time.RFC3339Nano),
		FinishedAt:     result.FinishedAt.Format(time.RFC3339Nano),
		DurationMS:     result.Duration.Milliseconds(),
		Results:        result.Results,
		Attempts:       result.Attempts,
		ConversationID: result.ConversationID,
		Memory:         result.Memory,
	}

	if len(result.Errors) > 0 {
		rec.Errors = make(map[string]*service.ErrorInfo, len(result.Errors))
		for nodeID, err := range result.Errors {
			rec.Errors[nodeID] = toErrorInfo(err)
		}
	}

	rec.Timeline = make([]service.TimelineRecord, 0, len(result.Timeline))
	for _, ev := range result.Timeline {
		entry := service.TimelineRecord{
			Type:        ev.Type,
			At:          ev.At.Format(time.RFC3339Nano),
			NodeID:      ev.NodeID,
			Attempt:     ev.Attempt,
			NextDelayMS: ev.NextDelay.Milliseconds(),
			Status:      string(ev.Status),
			DurationMS:  ev.Duration.Milliseconds(),
		}

		if ev.Err != nil {
			entry.Error = toErrorInfo(ev.Err)
		}

		rec.Timeline = append(rec.Timeline, entry)
	}

	return rec
}

// toErrorInfo flattens an error into name/message with its unwrap chain as
// the cause. The name is the matching error kind, or "error" for foreign
// failures.
func toErrorInfo(err error) *service.ErrorInfo {
	if err == nil {
		return nil
	}

	info := &service.ErrorInfo{
		Name:    errorName(err),
		Message: err.Error(),
	}

	if cause := unwrapCause(err); cause != nil {
		info.Cause = toErrorInfo(cause)
	}

	return info
}

// unwrapCause returns the next error in the chain, handling both the
// single-error Unwrap form and the multi-error form produced by fmt.Errorf
// with several %w verbs. For multi-wrapped errors the wrapping convention
// here is "<context>: <kind>: <cause>", so the last entry is the original
// failure; the kind is already captured in ErrorInfo.Name.
func unwrapCause(err error) error {
	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		causes := u.Unwrap()
		if len(causes) == 0 {
			return nil
		}

		return causes[len(causes)-1]
	case interface{ Unwrap() error }:
		return u.Unwrap()
	}

	return nil
}

func errorName(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, service.ErrState):
		return "state"
	case errors.Is(err, service.ErrNotFound):
		return "not_found"
	case errors.Is(err, service.ErrConflict):
		return "conflict"
	case errors.Is(err, service.ErrCyclicDependency):
		return "cyclic_dependency"
	case errors.Is(err, service.ErrDependency):
		return "dependency"
	case errors.Is(err, service.ErrSerialization):
		return "serialization"
	case errors.Is(err, service.ErrRuntime):
		return "runtime"
	default:
		return "error"
	}
}
