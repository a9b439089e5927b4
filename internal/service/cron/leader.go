package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rakunlabs/akis/internal/service"
)

// Leader-election defaults.
const (
	DefaultLockTTL         = 60 * time.Second
	DefaultRefreshInterval = 20 * time.Second
	DefaultRetryInterval   = 5 * time.Second
)

// LeaderScheduler wraps an inner scheduler so that only the holder of a
// named distributed lock runs it. While leading it refreshes the lease on a
// timer (when the lock supports refresh); a failed refresh demotes the
// instance, which releases the lease, stops the inner scheduler, and goes
// back to contending. Implements service.CronScheduler.
type LeaderScheduler struct {
	inner service.CronScheduler
	lock  service.DistributedLock

	lockKey         string
	lockTTL         time.Duration
	refreshInterval time.Duration
	retryInterval   time.Duration
	logger          *slog.Logger

	mu           sync.Mutex
	running      bool
	handle       *service.LockHandle
	refreshTimer *time.Timer
	retryTimer   *time.Timer
	ctx          context.Context
	cancel       context.CancelFunc
}

// LeaderOption customizes a leader scheduler.
type LeaderOption func(*LeaderScheduler)

// WithLockTTL sets the lease duration requested on acquire and refresh.
func WithLockTTL(d time.Duration) LeaderOption {
	return func(l *LeaderScheduler) { l.lockTTL = d }
}

// WithRefreshInterval sets the lease refresh period. Zero disables refresh.
func WithRefreshInterval(d time.Duration) LeaderOption {
	return func(l *LeaderScheduler) { l.refreshInterval = d }
}

// WithRetryInterval sets the delay between acquisition attempts while
// contending.
func WithRetryInterval(d time.Duration) LeaderOption {
	return func(l *LeaderScheduler) { l.retryInterval = d }
}

// WithLeaderLogger sets the logger for leadership transitions.
func WithLeaderLogger(logger *slog.Logger) LeaderOption {
	return func(l *LeaderScheduler) { l.logger = logger }
}

// NewLeaderScheduler wraps an inner scheduler with leader election on the
// given lock key.
func NewLeaderScheduler(inner service.CronScheduler, lock service.DistributedLock, lockKey string, opts ...LeaderOption) *LeaderScheduler {
	l := &LeaderScheduler{
		inner:           inner,
		lock:            lock,
		lockKey:         lockKey,
		lockTTL:         DefaultLockTTL,
		refreshInterval: DefaultRefreshInterval,
		retryInterval:   DefaultRetryInterval,
		logger:          slog.Default(),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// AddJob delegates to the inner scheduler.
func (l *LeaderScheduler) AddJob(expression, name string, handler service.JobHandler) (string, error) {
	return l.inner.AddJob(expression, name, handler)
}

// RemoveJob delegates to the inner scheduler.
func (l *LeaderScheduler) RemoveJob(id string) bool { return l.inner.RemoveJob(id) }

// IsJobScheduled delegates to the inner scheduler.
func (l *LeaderScheduler) IsJobScheduled(id string) bool { return l.inner.IsJobScheduled(id) }

// IsLeader reports whether this instance currently holds the lock.
func (l *LeaderScheduler) IsLeader() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.handle != nil
}

// Start enters contention for the lock. Idempotent while running.
func (l *LeaderScheduler) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return nil
	}

	l.running = true
	l.ctx, l.cancel = context.WithCancel(ctx)

	go l.tryAcquire()

	return nil
}

// Stop relinquishes leadership: the retry timer is cleared and the demote
// path runs unconditionally, stopping the inner scheduler and releasing any
// held lease. After Stop returns no handle is held and no timers are
// pending.
func (l *LeaderScheduler) Stop() {
	l.mu.Lock()

	if !l.running {
		l.mu.Unlock()

		return
	}

	l.running = false

	if l.retryTimer != nil {
		l.retryTimer.Stop()
		l.retryTimer = nil
	}

	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()

	l.demote()
	cancel()
}

// tryAcquire attempts one lock acquisition. On success the inner scheduler
// starts and the refresh timer is installed; on failure a retry is
// scheduled.
func (l *LeaderScheduler) tryAcquire() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()

		return
	}
	ctx := l.ctx
	l.mu.Unlock()

	handle, err := l.lock.Acquire(ctx, l.lockKey, l.lockTTL)
	if err != nil {
		l.logger.Warn("leader scheduler: lock acquire failed", "key", l.lockKey, "error", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		// Stopped while acquiring; give the lease back.
		if handle != nil {
			l.release(handle)
		}

		return
	}

	if handle == nil {
		l.scheduleRetryLocked()

		return
	}

	l.handle = handle
	l.logger.Info("leader scheduler: became leader", "key", l.lockKey)

	if err := l.inner.Start(ctx); err != nil {
		l.logger.Error("leader scheduler: inner scheduler start failed", "error", err)
	}

	if _, ok := l.lock.(service.LockRefresher); ok && l.refreshInterval > 0 {
		l.refreshTimer = time.AfterFunc(l.refreshInterval, l.refresh)
	}
}

// refresh extends the lease. A false refresh demotes this instance and, if
// still running, re-enters contention.
func (l *LeaderScheduler) refresh() {
	l.mu.Lock()
	handle := l.handle
	ctx := l.ctx
	l.mu.Unlock()

	if handle == nil {
		return
	}

	refresher := l.lock.(service.LockRefresher)

	ok, err := refresher.Refresh(ctx, handle, l.lockTTL)
	if err != nil {
		l.logger.Warn("leader scheduler: lock refresh failed", "key", l.lockKey, "error", err)
	}

	l.mu.Lock()

	if !l.running || l.handle == nil {
		l.mu.Unlock()

		return
	}

	if ok {
		l.refreshTimer = time.AfterFunc(l.refreshInterval, l.refresh)
		l.mu.Unlock()

		return
	}

	l.mu.Unlock()

	l.logger.Warn("leader scheduler: lost leadership", "key", l.lockKey)
	l.demote()

	l.mu.Lock()
	if l.running {
		l.scheduleRetryLocked()
	}
	l.mu.Unlock()
}

// demote stops the refresh timer, stops the inner scheduler, and releases
// the held lease, in that order.
func (l *LeaderScheduler) demote() {
	l.mu.Lock()

	if l.refreshTimer != nil {
		l.refreshTimer.Stop()
		l.refreshTimer = nil
	}

	handle := l.handle
	l.handle = nil
	l.mu.Unlock()

	l.inner.Stop()

	if handle != nil {
		l.release(handle)
	}
}

func (l *LeaderScheduler) release(handle *service.LockHandle) {
	// Release with a fresh context so shutdown still reaches the backend.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := l.lock.Release(ctx, handle); err != nil {
		l.logger.Warn("leader scheduler: lock release failed", "key", handle.Key, "error", err)
	}
}

// scheduleRetryLocked arms the retry timer. Caller holds l.mu.
func (l *LeaderScheduler) scheduleRetryLocked() {
	l.retryTimer = time.AfterFunc(l.retryInterval, l.tryAcquire)
}
