package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/akis/internal/service"
)

// job is one scheduled entry.
type job struct {
	id      string
	name    string
	expr    *Expression
	handler service.JobHandler

	// lastRun is the minute of the last firing, used to dedupe within a
	// minute when ticks are denser than one per minute.
	lastRun time.Time
}

// JobInfo is the read-only view of a scheduled job.
type JobInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Expression string    `json:"expression"`
	LastRun    time.Time `json:"last_run,omitzero"`
}

// Scheduler fires cron jobs on minute boundaries. Without a check interval
// it sleeps until the start of the next minute; with one it polls on a
// fixed period and relies on per-minute dedupe. Handler errors are logged
// and never stop the loop. Implements service.CronScheduler.
type Scheduler struct {
	mu   sync.Mutex
	jobs map[string]*job

	checkInterval time.Duration
	logger        *slog.Logger

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// SchedulerOption customizes a scheduler.
type SchedulerOption func(*Scheduler)

// WithCheckInterval replaces minute-boundary alignment with a fixed
// periodic delay between ticks.
func WithCheckInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.checkInterval = d }
}

// WithSchedulerLogger sets the sink for handler errors.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger }
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		jobs:   make(map[string]*job),
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// AddJob schedules a handler under a cron expression. The name is required;
// the returned id identifies the job for RemoveJob and NextExecution.
func (s *Scheduler) AddJob(expression, name string, handler service.JobHandler) (string, error) {
	if name == "" {
		return "", fmt.Errorf("job name is required: %w", service.ErrInvalidArgument)
	}

	if handler == nil {
		return "", fmt.Errorf("job handler is required: %w", service.ErrInvalidArgument)
	}

	expr, err := Parse(expression)
	if err != nil {
		return "", err
	}

	j := &job{
		id:      "job_" + ulid.Make().String(),
		name:    name,
		expr:    expr,
		handler: handler,
	}

	s.mu.Lock()
	s.jobs[j.id] = j
	s.mu.Unlock()

	return j.id, nil
}

// RemoveJob unschedules a job. Returns false when the id is unknown.
func (s *Scheduler) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return false
	}

	delete(s.jobs, id)

	return true
}

// IsJobScheduled reports whether a job id is currently scheduled.
func (s *Scheduler) IsJobScheduled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.jobs[id]

	return ok
}

// NextExecution returns the next firing time of a job, or false when the
// id is unknown.
func (s *Scheduler) NextExecution(id string) (time.Time, bool) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()

	if !ok {
		return time.Time{}, false
	}

	next, err := j.expr.Next(time.Now())
	if err != nil {
		return time.Time{}, false
	}

	return next, true
}

// Jobs returns a snapshot of all scheduled jobs.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobInfo{
			ID:         j.id,
			Name:       j.name,
			Expression: j.expr.String(),
			LastRun:    j.lastRun,
		})
	}

	return out
}

// Start launches the tick loop. Idempotent while running; the loop stops
// when Stop is called or the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx)

	return nil
}

// Stop halts the loop and waits for the in-flight tick's handlers to
// finish. Safe to call when already stopped.
func (s *Scheduler) Stop() {
	s.mu.Lock()

	if !s.running {
		s.mu.Unlock()

		return
	}

	s.running = false
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	for {
		timer := time.NewTimer(s.nextDelay())

		select {
		case <-ctx.Done():
			timer.Stop()

			return
		case <-timer.C:
		}

		s.tick(ctx)
	}
}

// nextDelay is the sleep before the next tick: the configured interval, or
// the time remaining until the next minute boundary.
func (s *Scheduler) nextDelay() time.Duration {
	if s.checkInterval > 0 {
		return s.checkInterval
	}

	now := time.Now()

	return now.Truncate(time.Minute).Add(time.Minute).Sub(now)
}

// tick fires every due job concurrently and waits for all handlers before
// returning, so the next tick is never scheduled over a running one.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().Truncate(time.Minute)

	s.mu.Lock()
	due := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if j.expr.Matches(now) && !j.lastRun.Equal(now) {
			j.lastRun = now
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, j := range due {
		wg.Add(1)

		go func(j *job) {
			defer wg.Done()

			if err := j.handler(ctx); err != nil {
				s.logger.Error("cron job failed", "job_id", j.id, "job_name", j.name, "error", err)
			}
		}(j)
	}

	wg.Wait()
}
