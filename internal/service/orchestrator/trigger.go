package orchestrator

import (
	"regexp"

	"github.com/rakunlabs/akis/internal/service"
)

// Matcher selects which event types fire a trigger. It is a closed sum:
// exact string, string list, regular expression, or wildcard. The
// orchestrator switches on the concrete variant when indexing and matching.
type Matcher interface {
	isMatcher()
}

// ExactMatcher matches one event type exactly.
type ExactMatcher string

func (ExactMatcher) isMatcher() {}

// ListMatcher matches any event type in the list.
type ListMatcher []string

func (ListMatcher) isMatcher() {}

// RegexMatcher matches event types against a compiled pattern.
type RegexMatcher struct {
	Pattern *regexp.Regexp
}

func (RegexMatcher) isMatcher() {}

// WildcardMatcher matches every event type.
type WildcardMatcher struct{}

func (WildcardMatcher) isMatcher() {}

// matcherMatches evaluates a matcher against an event type.
func matcherMatches(m Matcher, eventType string) bool {
	switch mt := m.(type) {
	case ExactMatcher:
		return string(mt) == eventType
	case ListMatcher:
		for _, t := range mt {
			if t == eventType {
				return true
			}
		}

		return false
	case RegexMatcher:
		return mt.Pattern != nil && mt.Pattern.MatchString(eventType)
	case WildcardMatcher:
		return true
	default:
		return false
	}
}

// triggerKind tags the trigger variant.
type triggerKind int

const (
	triggerManual triggerKind = iota
	triggerEvent
)

// Trigger declares how a registered workflow is invoked: manually only, or
// by matching events with optional filtering and input/context/conversation
// mapping.
type Trigger struct {
	kind    triggerKind
	matcher Matcher

	// Filter keeps a matched event when it returns true.
	Filter func(ev service.Event) bool

	// MapInput derives the run input from the event. Defaults to the
	// event payload.
	MapInput func(ev service.Event) any

	// MapContext derives the shared run context from the event.
	MapContext func(ev service.Event) map[string]any

	// MapConversationID derives the conversation id from the event.
	// Required for chatflow registrations.
	MapConversationID func(ev service.Event) string
}

// TriggerOption customizes an event trigger.
type TriggerOption func(*Trigger)

// WithTriggerFilter gates matched events on a predicate.
func WithTriggerFilter(f func(ev service.Event) bool) TriggerOption {
	return func(t *Trigger) { t.Filter = f }
}

// WithMapInput derives the run input from the event.
func WithMapInput(f func(ev service.Event) any) TriggerOption {
	return func(t *Trigger) { t.MapInput = f }
}

// WithMapContext derives the run context from the event.
func WithMapContext(f func(ev service.Event) map[string]any) TriggerOption {
	return func(t *Trigger) { t.MapContext = f }
}

// WithMapConversationID derives the conversation id from the event.
func WithMapConversationID(f func(ev service.Event) string) TriggerOption {
	return func(t *Trigger) { t.MapConversationID = f }
}

// ManualTrigger declares a workflow that only runs via RunWorkflow.
func ManualTrigger() Trigger {
	return Trigger{kind: triggerManual}
}

// EventTrigger declares a workflow fired by events selected by the matcher.
func EventTrigger(m Matcher, opts ...TriggerOption) Trigger {
	t := Trigger{kind: triggerEvent, matcher: m}

	for _, opt := range opts {
		opt(&t)
	}

	return t
}

// IsEvent reports whether the trigger fires on events.
func (t Trigger) IsEvent() bool { return t.kind == triggerEvent }

// Matcher returns the event matcher, nil for manual triggers.
func (t Trigger) Matcher() Matcher { return t.matcher }
