package memory

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/akis/internal/service"
)

// lease is one held key with its fencing token and expiry.
type lease struct {
	token   string
	expires time.Time
}

// Lock is a ttl'd in-process lock implementing service.DistributedLock and
// service.LockRefresher. Useful for single-instance deployments and tests;
// multi-instance deployments use the alan-backed cluster lock instead.
type Lock struct {
	mu     sync.Mutex
	leases map[string]lease
}

// NewLock creates an empty lock table.
func NewLock() *Lock {
	return &Lock{leases: make(map[string]lease)}
}

// Acquire grants the key when free or expired; otherwise returns a nil
// handle.
func (l *Lock) Acquire(_ context.Context, key string, ttl time.Duration) (*service.LockHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if held, ok := l.leases[key]; ok && time.Now().Before(held.expires) {
		return nil, nil
	}

	token := ulid.Make().String()
	l.leases[key] = lease{token: token, expires: time.Now().Add(ttl)}

	return &service.LockHandle{Key: key, Token: token}, nil
}

// Release frees the key when the handle's token still owns it.
func (l *Lock) Release(_ context.Context, handle *service.LockHandle) (bool, error) {
	if handle == nil {
		return false, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	held, ok := l.leases[handle.Key]
	if !ok || held.token != handle.Token {
		return false, nil
	}

	delete(l.leases, handle.Key)

	return true, nil
}

// Refresh extends the lease when the handle's token still owns it and the
// lease has not expired.
func (l *Lock) Refresh(_ context.Context, handle *service.LockHandle, ttl time.Duration) (bool, error) {
	if handle == nil {
		return false, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	held, ok := l.leases[handle.Key]
	if !ok || held.token != handle.Token || time.Now().After(held.expires) {
		return false, nil
	}

	l.leases[handle.Key] = lease{token: held.token, expires: time.Now().Add(ttl)}

	return true, nil
}
