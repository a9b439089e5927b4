package cron

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rakunlabs/akis/internal/service"
)

// fakeLock is a scriptable distributed lock for leader election tests.
type fakeLock struct {
	mu        sync.Mutex
	available bool
	refreshOK bool
	acquired  int
	released  int
	refreshed int
}

func (f *fakeLock) Acquire(_ context.Context, key string, _ time.Duration) (*service.LockHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.available {
		return nil, nil
	}

	f.available = false
	f.acquired++

	return &service.LockHandle{Key: key, Token: "t"}, nil
}

func (f *fakeLock) Release(_ context.Context, handle *service.LockHandle) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.available = true
	f.released++

	return true, nil
}

func (f *fakeLock) Refresh(_ context.Context, _ *service.LockHandle, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.refreshed++

	return f.refreshOK, nil
}

func (f *fakeLock) set(fn func(*fakeLock)) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fn(f)
}

func (f *fakeLock) snapshot() fakeLock {
	f.mu.Lock()
	defer f.mu.Unlock()

	return fakeLock{
		available: f.available,
		acquired:  f.acquired,
		released:  f.released,
		refreshed: f.refreshed,
	}
}

// fakeScheduler records start/stop transitions.
type fakeScheduler struct {
	mu      sync.Mutex
	started int
	stopped int
	running bool
}

func (f *fakeScheduler) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.started++
	f.running = true

	return nil
}

func (f *fakeScheduler) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running {
		f.stopped++
		f.running = false
	}
}

func (f *fakeScheduler) AddJob(string, string, service.JobHandler) (string, error) {
	return "job_1", nil
}

func (f *fakeScheduler) RemoveJob(string) bool      { return true }
func (f *fakeScheduler) IsJobScheduled(string) bool { return true }

func (f *fakeScheduler) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.started, f.stopped
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal("condition not met in time")
}

func TestLeaderScheduler_AcquiresAndStartsInner(t *testing.T) {
	lock := &fakeLock{available: true, refreshOK: true}
	inner := &fakeScheduler{}

	ls := NewLeaderScheduler(inner, lock, "test-lock",
		WithRetryInterval(10*time.Millisecond),
		WithRefreshInterval(10*time.Millisecond),
	)

	if err := ls.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ls.Stop()

	waitFor(t, time.Second, ls.IsLeader)

	started, _ := inner.counts()
	if started != 1 {
		t.Errorf("expected inner scheduler started once, got %d", started)
	}

	waitFor(t, time.Second, func() bool { return lock.snapshot().refreshed > 0 })
}

func TestLeaderScheduler_RetriesWhileContending(t *testing.T) {
	lock := &fakeLock{available: false, refreshOK: true}
	inner := &fakeScheduler{}

	ls := NewLeaderScheduler(inner, lock, "test-lock",
		WithRetryInterval(5*time.Millisecond),
	)

	if err := ls.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ls.Stop()

	time.Sleep(30 * time.Millisecond)

	if ls.IsLeader() {
		t.Fatal("must not lead while the lock is held elsewhere")
	}

	started, _ := inner.counts()
	if started != 0 {
		t.Errorf("inner scheduler must not start without the lock, started %d times", started)
	}

	// Free the lock; the retry timer should pick it up.
	lock.set(func(f *fakeLock) { f.available = true })

	waitFor(t, time.Second, ls.IsLeader)
}

func TestLeaderScheduler_DemotesOnRefreshFailure(t *testing.T) {
	lock := &fakeLock{available: true, refreshOK: true}
	inner := &fakeScheduler{}

	ls := NewLeaderScheduler(inner, lock, "test-lock",
		WithRetryInterval(10*time.Millisecond),
		WithRefreshInterval(10*time.Millisecond),
	)

	if err := ls.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ls.Stop()

	waitFor(t, time.Second, ls.IsLeader)

	lock.set(func(f *fakeLock) { f.refreshOK = false })

	// Demotion stops the inner scheduler and releases the handle.
	waitFor(t, time.Second, func() bool {
		_, stopped := inner.counts()

		return stopped >= 1
	})

	if lock.snapshot().released < 1 {
		t.Error("expected the lease to be released on demotion")
	}

	// The lock is free again and refresh now succeeds, so the instance
	// re-enters contention and wins a new tenure.
	lock.set(func(f *fakeLock) { f.refreshOK = true })

	waitFor(t, time.Second, func() bool {
		started, _ := inner.counts()

		return started >= 2 && ls.IsLeader()
	})
}

func TestLeaderScheduler_StopReleasesEverything(t *testing.T) {
	lock := &fakeLock{available: true, refreshOK: true}
	inner := &fakeScheduler{}

	ls := NewLeaderScheduler(inner, lock, "test-lock",
		WithRetryInterval(10*time.Millisecond),
		WithRefreshInterval(time.Hour),
	)

	if err := ls.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, time.Second, ls.IsLeader)

	ls.Stop()

	if ls.IsLeader() {
		t.Error("expected no handle after Stop")
	}

	snap := lock.snapshot()
	if snap.released != 1 {
		t.Errorf("expected one release, got %d", snap.released)
	}

	if _, stopped := inner.counts(); stopped != 1 {
		t.Errorf("expected inner scheduler stopped once, got %d", stopped)
	}
}
