package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T, opts ...Option) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, "vocalis:jobs", opts...)
}

func TestEnqueueDequeueAck(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "job-1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "job-2"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	pending, active, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if pending != 2 || active != 0 {
		t.Errorf("Depth = (%d, %d), want (2, 0)", pending, active)
	}

	// FIFO: job-1 first.
	id, deliveries, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if id != "job-1" {
		t.Errorf("Dequeue = %q, want job-1", id)
	}
	if deliveries != 1 {
		t.Errorf("deliveries = %d, want 1", deliveries)
	}

	pending, active, err = q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if pending != 1 || active != 1 {
		t.Errorf("Depth = (%d, %d), want (1, 1)", pending, active)
	}

	if err := q.Ack(ctx, "job-1"); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	_, active, err = q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if active != 0 {
		t.Errorf("active after ack = %d, want 0", active)
	}
}

func TestDequeueEmpty(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)

	_, _, err := q.Dequeue(context.Background(), time.Second)
	if !errors.Is(err, ErrEmpty) {
		t.Fatalf("Dequeue on empty queue = %v, want ErrEmpty", err)
	}
}

func TestReapRequeuesExpired(t *testing.T) {
	t.Parallel()
	// Nanosecond visibility makes every dequeued job immediately expired.
	q := newTestQueue(t, WithVisibilityTimeout(time.Nanosecond), WithMaxDeliveries(2))
	ctx := context.Background()

	if err := q.Enqueue(ctx, "job-1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, _, err := q.Dequeue(ctx, time.Second); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	requeued, dropped, err := q.Reap(ctx)
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if len(requeued) != 1 || requeued[0] != "job-1" {
		t.Errorf("requeued = %v, want [job-1]", requeued)
	}
	if len(dropped) != 0 {
		t.Errorf("dropped = %v, want empty", dropped)
	}

	// Second delivery exhausts the budget; the next reap drops the id.
	id, deliveries, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("Dequeue (redelivery): %v", err)
	}
	if id != "job-1" || deliveries != 2 {
		t.Errorf("redelivery = (%q, %d), want (job-1, 2)", id, deliveries)
	}

	requeued, dropped, err = q.Reap(ctx)
	if err != nil {
		t.Fatalf("Reap (second): %v", err)
	}
	if len(requeued) != 0 {
		t.Errorf("requeued = %v, want empty", requeued)
	}
	if len(dropped) != 1 || dropped[0] != "job-1" {
		t.Errorf("dropped = %v, want [job-1]", dropped)
	}

	pending, active, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if pending != 0 || active != 0 {
		t.Errorf("Depth after drop = (%d, %d), want (0, 0)", pending, active)
	}
}

func TestAckStopsReap(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, WithVisibilityTimeout(time.Nanosecond))
	ctx := context.Background()

	if err := q.Enqueue(ctx, "job-1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, _, err := q.Dequeue(ctx, time.Second); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := q.Ack(ctx, "job-1"); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	requeued, dropped, err := q.Reap(ctx)
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if len(requeued) != 0 || len(dropped) != 0 {
		t.Errorf("Reap after ack = (%v, %v), want nothing", requeued, dropped)
	}
}

func TestContains(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)
	ctx := context.Background()

	ok, err := q.Contains(ctx, "job-1")
	if err != nil {
		t.Fatalf("Contains: %v", err)
	}
	if ok {
		t.Error("Contains on empty queue should be false")
	}

	if err := q.Enqueue(ctx, "job-1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	ok, err = q.Contains(ctx, "job-1")
	if err != nil {
		t.Fatalf("Contains (pending): %v", err)
	}
	if !ok {
		t.Error("Contains should see pending jobs")
	}

	if _, _, err := q.Dequeue(ctx, time.Second); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	ok, err = q.Contains(ctx, "job-1")
	if err != nil {
		t.Fatalf("Contains (active): %v", err)
	}
	if !ok {
		t.Error("Contains should see active jobs")
	}
}
