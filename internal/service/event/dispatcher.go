package event

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/akis/internal/service"
)

// Wildcard subscribes to every event type.
const Wildcard = "*"

// Handler processes one delivered event.
type Handler func(ctx context.Context, ev service.Event, dc DispatchContext) error

// Filter decides whether a subscriber receives an event. Returning an error
// records a filter-stage failure and skips the subscriber.
type Filter func(ev service.Event) (bool, error)

// Subscriber ties a type pattern to a handler. Created by Dispatcher.Subscribe.
type Subscriber struct {
	ID   string
	Type string
	Name string
	Once bool

	handler Handler
	filter  Filter
}

// SubscribeOption customizes a subscriber.
type SubscribeOption func(*Subscriber)

// WithName labels the subscriber for logs and error reports.
func WithName(name string) SubscribeOption {
	return func(s *Subscriber) { s.Name = name }
}

// WithOnce removes the subscriber after its first invocation that reached
// execution, regardless of handler outcome.
func WithOnce() SubscribeOption {
	return func(s *Subscriber) { s.Once = true }
}

// WithFilter gates delivery on a predicate.
func WithFilter(f Filter) SubscribeOption {
	return func(s *Subscriber) { s.filter = f }
}

// DispatchContext is handed to handlers alongside the event.
type DispatchContext struct {
	SubscriberID string
	EventType    string
	Dispatcher   *Dispatcher
}

// Stage names for dispatch errors.
const (
	StageFilter  = "filter"
	StageHandler = "handler"
)

// DispatchError records one subscriber failure during a dispatch.
type DispatchError struct {
	SubscriberID string
	Stage        string
	Err          error
}

// DispatchResult is the outcome of one dispatch: the event, the number of
// handlers that completed successfully, and the collected failures.
type DispatchResult struct {
	Event     service.Event
	Delivered int
	Errors    []DispatchError
}

// Dispatcher fans events out to subscribers by exact type and wildcard.
// Subscribers are invoked sequentially in registration order, exact-type
// bucket first; a dispatch never fails, it collects.
type Dispatcher struct {
	mu     sync.RWMutex
	byType map[string][]*Subscriber
	byID   map[string]*Subscriber

	logger *slog.Logger
}

// DispatcherOption customizes a dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger used for debug traces.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		byType: make(map[string][]*Subscriber),
		byID:   make(map[string]*Subscriber),
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Subscribe registers a handler for an event type or the "*" wildcard.
func (d *Dispatcher) Subscribe(eventType string, handler Handler, opts ...SubscribeOption) (*Subscriber, error) {
	if eventType == "" {
		return nil, fmt.Errorf("subscriber type is required: %w", service.ErrInvalidArgument)
	}

	if handler == nil {
		return nil, fmt.Errorf("subscriber handler is required: %w", service.ErrInvalidArgument)
	}

	sub := &Subscriber{
		ID:      "sub_" + ulid.Make().String(),
		Type:    eventType,
		handler: handler,
	}

	for _, opt := range opts {
		opt(sub)
	}

	d.mu.Lock()
	d.byType[eventType] = append(d.byType[eventType], sub)
	d.byID[sub.ID] = sub
	d.mu.Unlock()

	return sub, nil
}

// Unsubscribe removes a subscriber by id. Returns false when unknown.
func (d *Dispatcher) Unsubscribe(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	sub, ok := d.byID[id]
	if !ok {
		return false
	}

	delete(d.byID, id)

	bucket := d.byType[sub.Type]
	for i, s := range bucket {
		if s.ID == id {
			bucket = append(bucket[:i], bucket[i+1:]...)

			break
		}
	}

	if len(bucket) == 0 {
		delete(d.byType, sub.Type)
	} else {
		d.byType[sub.Type] = bucket
	}

	return true
}

// Clear removes all subscribers for the given types, or everything when no
// type is given.
func (d *Dispatcher) Clear(types ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(types) == 0 {
		d.byType = make(map[string][]*Subscriber)
		d.byID = make(map[string]*Subscriber)

		return
	}

	for _, t := range types {
		for _, sub := range d.byType[t] {
			delete(d.byID, sub.ID)
		}
		delete(d.byType, t)
	}
}

// SubscriberCount returns the number of registered subscribers, optionally
// narrowed to one type.
func (d *Dispatcher) SubscriberCount(eventType ...string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if len(eventType) == 0 {
		return len(d.byID)
	}

	n := 0
	for _, t := range eventType {
		n += len(d.byType[t])
	}

	return n
}

// Dispatch delivers an event to every subscriber matching its type plus the
// wildcard bucket, sequentially. Filter and handler failures are collected,
// never raised; Delivered counts successful handler completions.
func (d *Dispatcher) Dispatch(ctx context.Context, ev service.Event) DispatchResult {
	d.mu.RLock()
	targets := make([]*Subscriber, 0, len(d.byType[ev.Type])+len(d.byType[Wildcard]))
	targets = append(targets, d.byType[ev.Type]...)
	if ev.Type != Wildcard {
		targets = append(targets, d.byType[Wildcard]...)
	}
	d.mu.RUnlock()

	result := DispatchResult{Event: ev}

	for _, sub := range targets {
		executed, err := d.deliver(ctx, ev, sub)
		if err != nil {
			stage := StageHandler
			if !executed {
				stage = StageFilter
			}
			result.Errors = append(result.Errors, DispatchError{
				SubscriberID: sub.ID,
				Stage:        stage,
				Err:          err,
			})
		} else if executed {
			result.Delivered++
		}

		if sub.Once && executed {
			d.Unsubscribe(sub.ID)
		}
	}

	if len(result.Errors) > 0 {
		d.logger.Debug("dispatch completed with errors",
			"event_id", ev.ID, "event_type", ev.Type,
			"delivered", result.Delivered, "errors", len(result.Errors))
	}

	return result
}

// deliver runs one subscriber's filter and handler. The returned bool
// reports whether execution was reached (the filter passed).
func (d *Dispatcher) deliver(ctx context.Context, ev service.Event, sub *Subscriber) (executed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = wrapPanic(r)
		}
	}()

	if sub.filter != nil {
		keep, ferr := sub.filter(ev)
		if ferr != nil {
			return false, ferr
		}
		if !keep {
			return false, nil
		}
	}

	executed = true

	dc := DispatchContext{
		SubscriberID: sub.ID,
		EventType:    ev.Type,
		Dispatcher:   d,
	}

	return true, sub.handler(ctx, ev, dc)
}

// wrapPanic converts a recovered panic value into a runtime error, keeping
// the original value in the message chain.
func wrapPanic(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("%w: panic: %w", service.ErrRuntime, err)
	}

	return fmt.Errorf("%w: panic: %v", service.ErrRuntime, r)
}
