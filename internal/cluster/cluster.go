// Package cluster provides distributed coordination for multiple akis
// instances using the alan UDP peer discovery library. It exposes alan's
// named locks through the service.DistributedLock interface so the leader
// scheduler and conversation serialization work across a fleet.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/rakunlabs/alan"

	"github.com/rakunlabs/akis/internal/service"
)

// acquireTimeout bounds alan's blocking Lock call so Acquire behaves as a
// try-acquire: not getting the lock within the window means another peer
// holds it.
const acquireTimeout = 2 * time.Second

// Cluster wraps an alan instance with akis-specific coordination.
type Cluster struct {
	alan *alan.Alan
}

// New creates a Cluster from the server's alan configuration.
// Returns nil, nil if cfg is nil (clustering disabled).
func New(cfg *alan.Config) (*Cluster, error) {
	if cfg == nil {
		return nil, nil
	}

	a, err := alan.New(*cfg)
	if err != nil {
		return nil, fmt.Errorf("create alan instance: %w", err)
	}

	return &Cluster{alan: a}, nil
}

// Start begins the alan peer discovery system in the background.
// Start blocks until the context is cancelled. It should be run in a
// goroutine.
func (c *Cluster) Start(ctx context.Context) error {
	c.alan.OnPeerJoin(func(addr *net.UDPAddr) {
		slog.Info("cluster peer joined", "addr", addr.String())
	})

	c.alan.OnPeerLeave(func(addr *net.UDPAddr) {
		slog.Info("cluster peer left", "addr", addr.String())
	})

	return c.alan.Start(ctx, func(_ context.Context, msg alan.Message) {
		slog.Debug("cluster: unexpected message", "from", msg.Addr)
	})
}

// Stop gracefully leaves the cluster.
func (c *Cluster) Stop() error {
	return c.alan.Stop()
}

// Ready returns a channel that is closed when the cluster is ready.
func (c *Cluster) Ready() <-chan struct{} {
	return c.alan.Ready()
}

// Locker returns the cluster's service.DistributedLock view.
func (c *Cluster) Locker() service.DistributedLock {
	return &alanLock{cluster: c}
}

// alanLock adapts alan's blocking mutex-style locks to the try-acquire
// DistributedLock contract. Leases ride on cluster membership, so there is
// no Refresh: a crashed holder leaves the cluster and its locks free up.
type alanLock struct {
	cluster *Cluster
}

// Acquire attempts the lock within a short window. A timeout means the
// lock is held elsewhere and yields a nil handle without error.
func (l *alanLock) Acquire(ctx context.Context, key string, _ time.Duration) (*service.LockHandle, error) {
	tryCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	defer cancel()

	if err := l.cluster.alan.Lock(tryCtx, key); err != nil {
		if tryCtx.Err() != nil {
			return nil, nil
		}

		return nil, fmt.Errorf("cluster lock %q: %w", key, err)
	}

	return &service.LockHandle{Key: key, Token: "alan"}, nil
}

// Release frees the lock.
func (l *alanLock) Release(_ context.Context, handle *service.LockHandle) (bool, error) {
	if handle == nil {
		return false, nil
	}

	if err := l.cluster.alan.Unlock(handle.Key); err != nil {
		return false, fmt.Errorf("cluster unlock %q: %w", handle.Key, err)
	}

	return true, nil
}
