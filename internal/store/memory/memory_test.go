package memory

import (
	"context"
	"testing"
	"time"

	"github.com/rakunlabs/akis/internal/service"
)

func TestConversationStore_Isolation(t *testing.T) {
	store := NewConversationStore()
	ctx := context.Background()

	original := service.Memory{"count": 1}
	if err := store.Set(ctx, "c1", original); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Mutating the caller's map must not affect the store.
	original["count"] = 99

	got, err := store.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if got["count"].(float64) != 1 {
		t.Errorf("stored memory aliased the caller's map: %v", got)
	}

	// Mutating the returned map must not affect the store either.
	got["count"] = 7

	again, _ := store.Get(ctx, "c1")
	if again["count"].(float64) != 1 {
		t.Errorf("returned memory aliased the store: %v", again)
	}

	if missing, _ := store.Get(ctx, "nope"); missing != nil {
		t.Errorf("missing conversation = %v, want nil", missing)
	}

	if err := store.Delete(ctx, "c1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if gone, _ := store.Get(ctx, "c1"); gone != nil {
		t.Error("expected conversation gone after delete")
	}
}

func TestLock_AcquireReleaseRefresh(t *testing.T) {
	lock := NewLock()
	ctx := context.Background()

	h1, err := lock.Acquire(ctx, "k", time.Minute)
	if err != nil || h1 == nil {
		t.Fatalf("Acquire: %v, %v", h1, err)
	}

	// Second acquire while held yields nil without error.
	h2, err := lock.Acquire(ctx, "k", time.Minute)
	if err != nil || h2 != nil {
		t.Fatalf("contended Acquire = %v, %v, want nil handle", h2, err)
	}

	if ok, _ := lock.Refresh(ctx, h1, time.Minute); !ok {
		t.Error("Refresh with the owning token must succeed")
	}

	stale := &service.LockHandle{Key: "k", Token: "wrong"}
	if ok, _ := lock.Release(ctx, stale); ok {
		t.Error("Release with a foreign token must fail")
	}

	if ok, _ := lock.Release(ctx, h1); !ok {
		t.Error("Release with the owning token must succeed")
	}

	if ok, _ := lock.Refresh(ctx, h1, time.Minute); ok {
		t.Error("Refresh after release must fail")
	}

	h3, err := lock.Acquire(ctx, "k", time.Minute)
	if err != nil || h3 == nil {
		t.Fatal("lock must be free after release")
	}
}

func TestLock_TTLExpiry(t *testing.T) {
	lock := NewLock()
	ctx := context.Background()

	h1, err := lock.Acquire(ctx, "k", 10*time.Millisecond)
	if err != nil || h1 == nil {
		t.Fatalf("Acquire: %v, %v", h1, err)
	}

	time.Sleep(20 * time.Millisecond)

	// The lease expired: a new owner takes over.
	h2, err := lock.Acquire(ctx, "k", time.Minute)
	if err != nil || h2 == nil {
		t.Fatal("expired lease must be claimable")
	}

	// The old handle is fenced out.
	if ok, _ := lock.Refresh(ctx, h1, time.Minute); ok {
		t.Error("stale handle must not refresh")
	}

	if ok, _ := lock.Release(ctx, h1); ok {
		t.Error("stale handle must not release")
	}
}
