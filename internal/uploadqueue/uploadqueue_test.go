package uploadqueue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestEnqueue_ProcessesInOrder(t *testing.T) {
	q := openTestQueue(t)

	var mu sync.Mutex
	var order []uint32
	done := make(chan struct{})

	q.OnComplete(func(r CompleteResult) {
		mu.Lock()
		order = append(order, r.Task.SegmentIndex)
		if len(order) == 3 {
			close(done)
		}
		mu.Unlock()
	})

	for i := uint32(0); i < 3; i++ {
		if _, err := q.Enqueue("session-a", i, []byte("blob"), 1000); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx, func(ctx context.Context, task Task) (string, error) {
		return "obj-" + task.SessionID, nil
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for all segments to complete")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, idx := range order {
		if idx != uint32(i) {
			t.Errorf("segments completed out of order: %v", order)
			break
		}
	}
}

func TestRetry_ExhaustsAttemptsAndFails(t *testing.T) {
	q := openTestQueue(t)
	q.policy.Base = time.Millisecond
	q.policy.Cap = 5 * time.Millisecond

	errCh := make(chan Task, 1)
	q.OnError(func(task Task, err error) {
		errCh <- task
	})

	if _, err := q.Enqueue("session-a", 0, []byte("blob"), 1000); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx, func(ctx context.Context, task Task) (string, error) {
		return "", errors.New("always fails")
	})

	select {
	case task := <-errCh:
		if task.Attempts != MaxAttempts {
			t.Errorf("expected %d attempts, got %d", MaxAttempts, task.Attempts)
		}
		if task.State != StateFailed {
			t.Errorf("expected state failed, got %s", task.State)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task to exhaust retries")
	}
}

func TestFatalError_FailsOnFirstAttempt(t *testing.T) {
	q := openTestQueue(t)
	q.policy.Base = time.Millisecond
	q.policy.Cap = 5 * time.Millisecond

	errCh := make(chan Task, 1)
	q.OnError(func(task Task, err error) {
		errCh <- task
	})

	if _, err := q.Enqueue("session-a", 0, []byte("blob"), 1000); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx, func(ctx context.Context, task Task) (string, error) {
		return "", fmt.Errorf("%w: malformed request", ErrNetworkFatal)
	})

	select {
	case task := <-errCh:
		if task.Attempts != 1 {
			t.Errorf("expected a fatal error to fail after 1 attempt, got %d", task.Attempts)
		}
		if task.State != StateFailed {
			t.Errorf("expected state failed, got %s", task.State)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for fatal error to fail the task")
	}
}

func TestRecovery_ResetsProcessingRowsToQueued(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := q.Enqueue("session-a", 0, []byte("blob"), 1000); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	// Force the row into processing without completing it, to simulate a
	// crash mid-upload.
	task, ok := q.claimNext()
	if !ok {
		t.Fatal("expected to claim the enqueued task")
	}
	if task.State != StateProcessing {
		t.Fatalf("expected claimed task to be in processing, got %s", task.State)
	}
	if err := q.db.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	q2, err := Open(path)
	if err != nil {
		t.Fatalf("re-Open failed: %v", err)
	}
	defer q2.Close()

	status, err := q2.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Pending != 1 {
		t.Errorf("expected the processing row to be recovered to pending, got %d pending", status.Pending)
	}
	if status.Processing != 0 {
		t.Errorf("expected no rows left in processing after recovery, got %d", status.Processing)
	}
}

func TestPauseResume(t *testing.T) {
	q := openTestQueue(t)

	completed := make(chan struct{}, 1)
	q.OnComplete(func(r CompleteResult) {
		select {
		case completed <- struct{}{}:
		default:
		}
	})

	q.Pause()
	if _, err := q.Enqueue("session-a", 0, []byte("blob"), 1000); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx, func(ctx context.Context, task Task) (string, error) {
		return "obj", nil
	})

	select {
	case <-completed:
		t.Fatal("task should not complete while paused")
	case <-time.After(200 * time.Millisecond):
	}

	q.Resume()
	select {
	case <-completed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion after Resume")
	}
}
