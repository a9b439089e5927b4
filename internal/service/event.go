package service

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventMetadata carries tracing and provenance information for an event.
type EventMetadata struct {
	CorrelationID string   `json:"correlation_id,omitempty"`
	CausationID   string   `json:"causation_id,omitempty"`
	Source        string   `json:"source,omitempty"`
	Tags          []string `json:"tags,omitempty"`
}

// Event is an immutable value dispatched through the bus. Construct with
// NewEvent; the zero value is not valid.
type Event struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	Payload   any           `json:"payload,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Metadata  EventMetadata `json:"metadata,omitempty"`
}

// EventOption customizes a new event.
type EventOption func(*Event)

// WithCorrelationID sets the event's correlation id.
func WithCorrelationID(id string) EventOption {
	return func(e *Event) { e.Metadata.CorrelationID = id }
}

// WithCausationID sets the event's causation id.
func WithCausationID(id string) EventOption {
	return func(e *Event) { e.Metadata.CausationID = id }
}

// WithSource sets the event's source.
func WithSource(source string) EventOption {
	return func(e *Event) { e.Metadata.Source = source }
}

// WithTags sets the event's tags.
func WithTags(tags ...string) EventOption {
	return func(e *Event) { e.Metadata.Tags = tags }
}

// NewEvent creates an event with a generated id and the current timestamp.
// An empty type is rejected.
func NewEvent(eventType string, payload any, opts ...EventOption) (Event, error) {
	if eventType == "" {
		return Event{}, fmt.Errorf("event type is required: %w", ErrInvalidArgument)
	}

	e := Event{
		ID:        "evt_" + ulid.Make().String(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	for _, opt := range opts {
		opt(&e)
	}

	return e, nil
}
