package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduler_AddRemove(t *testing.T) {
	s := NewScheduler()

	id, err := s.AddJob("* * * * *", "tick", func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	if !s.IsJobScheduled(id) {
		t.Error("expected job to be scheduled")
	}

	if _, ok := s.NextExecution(id); !ok {
		t.Error("expected a next execution time")
	}

	if !s.RemoveJob(id) {
		t.Error("expected RemoveJob to report true")
	}

	if s.IsJobScheduled(id) {
		t.Error("expected job to be gone")
	}

	if s.RemoveJob(id) {
		t.Error("expected RemoveJob on a removed job to report false")
	}
}

func TestScheduler_AddJobValidation(t *testing.T) {
	s := NewScheduler()

	if _, err := s.AddJob("* * * * *", "", func(context.Context) error { return nil }); err == nil {
		t.Error("expected error for empty name")
	}

	if _, err := s.AddJob("bad cron", "job", func(context.Context) error { return nil }); err == nil {
		t.Error("expected error for invalid expression")
	}

	if _, err := s.AddJob("* * * * *", "job", nil); err == nil {
		t.Error("expected error for nil handler")
	}
}

func TestScheduler_FiresOncePerMinute(t *testing.T) {
	s := NewScheduler(WithCheckInterval(5 * time.Millisecond))

	var fired atomic.Int64

	if _, err := s.AddJob("* * * * *", "counter", func(context.Context) error {
		fired.Add(1)

		return nil
	}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Many ticks pass, but the per-minute dedupe allows one firing
	// (two when the wall clock crosses a minute boundary mid-test).
	time.Sleep(100 * time.Millisecond)
	s.Stop()

	if got := fired.Load(); got < 1 || got > 2 {
		t.Errorf("expected 1 firing per minute, got %d", got)
	}
}

func TestScheduler_HandlerErrorDoesNotStopLoop(t *testing.T) {
	s := NewScheduler(WithCheckInterval(5 * time.Millisecond))

	var ok atomic.Bool

	if _, err := s.AddJob("* * * * *", "boom", func(context.Context) error {
		return errors.New("boom")
	}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	if _, err := s.AddJob("* * * * *", "fine", func(context.Context) error {
		ok.Store(true)

		return nil
	}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	s.Stop()

	if !ok.Load() {
		t.Error("expected healthy job to fire despite failing sibling")
	}
}

func TestScheduler_StopWaitsForTick(t *testing.T) {
	s := NewScheduler(WithCheckInterval(5 * time.Millisecond))

	release := make(chan struct{})
	var done atomic.Bool

	if _, err := s.AddJob("* * * * *", "slow", func(context.Context) error {
		<-release
		done.Store(true)

		return nil
	}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	s.Stop()

	if !done.Load() {
		t.Error("expected Stop to wait for the in-flight handler")
	}
}
