package event

import (
	"context"
	"fmt"
	"testing"

	"github.com/rakunlabs/akis/internal/service"
)

func testEvent(t *testing.T, eventType string) service.Event {
	t.Helper()

	ev, err := service.NewEvent(eventType, nil)
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}

	return ev
}

func TestQueue_FIFO(t *testing.T) {
	ctx := context.Background()
	q := NewQueue()

	const n = 200

	for i := range n {
		ev := testEvent(t, fmt.Sprintf("type.%d", i))
		if err := q.Enqueue(ctx, NewMessage(ev)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	if size, _ := q.Size(ctx); size != n {
		t.Fatalf("Size = %d, want %d", size, n)
	}

	for i := range n {
		msg, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if msg == nil {
			t.Fatalf("Dequeue returned nil at %d", i)
		}

		want := fmt.Sprintf("type.%d", i)
		if msg.Event.Type != want {
			t.Fatalf("Dequeue order broken: got %q, want %q", msg.Event.Type, want)
		}
	}

	if size, _ := q.Size(ctx); size != 0 {
		t.Errorf("Size after drain = %d, want 0", size)
	}

	if msg, _ := q.Dequeue(ctx); msg != nil {
		t.Error("Dequeue on empty queue must return nil")
	}
}

func TestQueue_CompactionKeepsOrder(t *testing.T) {
	ctx := context.Background()
	q := NewQueue()

	// Interleave enqueues and dequeues so the head index crosses the
	// compaction threshold while live items remain.
	next := 0
	expect := 0

	push := func(count int) {
		for range count {
			ev := testEvent(t, fmt.Sprintf("type.%d", next))
			next++
			if err := q.Enqueue(ctx, NewMessage(ev)); err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
		}
	}

	pop := func(count int) {
		for range count {
			msg, err := q.Dequeue(ctx)
			if err != nil || msg == nil {
				t.Fatalf("Dequeue: msg=%v err=%v", msg, err)
			}

			want := fmt.Sprintf("type.%d", expect)
			expect++
			if msg.Event.Type != want {
				t.Fatalf("order broken after compaction: got %q, want %q", msg.Event.Type, want)
			}
		}
	}

	push(100)
	pop(80)
	push(50)
	pop(60)
	push(10)
	pop(20)

	if size, _ := q.Size(ctx); size != next-expect {
		t.Errorf("Size = %d, want %d", size, next-expect)
	}
}

func TestQueue_PeekClearListDrain(t *testing.T) {
	ctx := context.Background()
	q := NewQueue()

	for i := range 3 {
		if err := q.Enqueue(ctx, NewMessage(testEvent(t, fmt.Sprintf("t%d", i)))); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	head, err := q.Peek(ctx)
	if err != nil || head == nil || head.Event.Type != "t0" {
		t.Fatalf("Peek = %v, %v", head, err)
	}

	if size, _ := q.Size(ctx); size != 3 {
		t.Fatalf("Peek must not consume, size = %d", size)
	}

	list, err := q.List(ctx)
	if err != nil || len(list) != 3 {
		t.Fatalf("List = %d items, err %v", len(list), err)
	}

	drained, err := q.Drain(ctx)
	if err != nil || len(drained) != 3 {
		t.Fatalf("Drain = %d items, err %v", len(drained), err)
	}

	if size, _ := q.Size(ctx); size != 0 {
		t.Errorf("Size after Drain = %d, want 0", size)
	}

	if err := q.Enqueue(ctx, NewMessage(testEvent(t, "x"))); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := q.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	if size, _ := q.Size(ctx); size != 0 {
		t.Errorf("Size after Clear = %d, want 0", size)
	}
}
