package queue

import (
	"context"
	"testing"
	"time"
)

func TestNewInMemoryQueue(t *testing.T) {
	q := NewInMemoryQueue(100)
	if q == nil {
		t.Fatal("expected non-nil queue")
	}

	if q.bufferSize != 100 {
		t.Errorf("expected buffer size 100, got %d", q.bufferSize)
	}

	if q.tasks == nil {
		t.Error("expected non-nil tasks channel")
	}

	if q.pending == nil {
		t.Error("expected non-nil pending map")
	}
}

func TestEnqueueDequeue(t *testing.T) {
	q := NewInMemoryQueue(10)
	defer q.Close()

	ctx := context.Background()
	task := &StageTask{
		PatchID:    "patch-1",
		EnqueuedAt: time.Now(),
	}

	if err := q.Enqueue(ctx, task); err != nil {
		t.Fatalf("failed to enqueue task: %v", err)
	}

	metrics := q.GetMetrics()
	if metrics.Enqueued != 1 {
		t.Errorf("expected 1 enqueued, got %d", metrics.Enqueued)
	}

	dequeued, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("failed to dequeue task: %v", err)
	}
	if dequeued.PatchID != task.PatchID {
		t.Errorf("expected patch ID %s, got %s", task.PatchID, dequeued.PatchID)
	}

	metrics = q.GetMetrics()
	if metrics.Dequeued != 1 {
		t.Errorf("expected 1 dequeued, got %d", metrics.Dequeued)
	}
}

func TestDeduplication(t *testing.T) {
	q := NewInMemoryQueue(10)
	defer q.Close()

	ctx := context.Background()

	if err := q.Enqueue(ctx, &StageTask{PatchID: "patch-1", EnqueuedAt: time.Now()}); err != nil {
		t.Fatalf("failed to enqueue first task: %v", err)
	}
	// Same patch already pending: dropped without error.
	if err := q.Enqueue(ctx, &StageTask{PatchID: "patch-1", EnqueuedAt: time.Now()}); err != nil {
		t.Fatalf("duplicate enqueue returned error: %v", err)
	}

	metrics := q.GetMetrics()
	if metrics.Enqueued != 1 {
		t.Errorf("expected 1 enqueued, got %d", metrics.Enqueued)
	}
	if metrics.Dropped != 1 {
		t.Errorf("expected 1 dropped, got %d", metrics.Dropped)
	}

	depth, _ := q.GetQueueDepth(ctx)
	if depth != 1 {
		t.Errorf("expected queue depth 1, got %d", depth)
	}

	// After dequeue the patch can be enqueued again.
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("failed to dequeue: %v", err)
	}
	if err := q.Enqueue(ctx, &StageTask{PatchID: "patch-1", EnqueuedAt: time.Now()}); err != nil {
		t.Fatalf("re-enqueue after dequeue failed: %v", err)
	}
	if got := q.GetMetrics().Enqueued; got != 2 {
		t.Errorf("expected 2 enqueued, got %d", got)
	}
}

func TestEnqueueValidation(t *testing.T) {
	q := NewInMemoryQueue(10)
	defer q.Close()

	ctx := context.Background()
	if err := q.Enqueue(ctx, nil); err == nil {
		t.Error("expected error for nil task")
	}
	if err := q.Enqueue(ctx, &StageTask{}); err == nil {
		t.Error("expected error for empty patch id")
	}
}

func TestDequeueContextCancellation(t *testing.T) {
	q := NewInMemoryQueue(10)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := q.Dequeue(ctx); err != context.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestClosedQueue(t *testing.T) {
	q := NewInMemoryQueue(10)
	if err := q.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	ctx := context.Background()
	if err := q.Enqueue(ctx, &StageTask{PatchID: "patch-1"}); err == nil {
		t.Error("expected error enqueueing on closed queue")
	}
	if _, err := q.Dequeue(ctx); err == nil {
		t.Error("expected error dequeuing from closed queue")
	}
	if err := q.Close(); err == nil {
		t.Error("expected error on double close")
	}
}
