// Package uploadqueue implements the durable, single-worker FIFO spec.md
// §4.D describes: captured segment blobs are persisted before upload is
// attempted, retried with backoff on failure, and recovered into a known
// state after a crash. Grounded on the teacher's daemon/service/dtn_queue.go
// (BoltDB-backed queue) and daemon/service/dtn_worker.go (ticker-driven
// worker loop), replacing the teacher's naive key-parsing and untyped state
// with an explicit state machine, internal/backoff-driven retry, and strict
// per-session FIFO ordering. Events are delivered through two hooks
// (complete, error), called synchronously on the worker goroutine.
package uploadqueue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/boltdb/bolt"

	"github.com/witnessvault/core/internal/backoff"
)

// State is a PendingUpload's lifecycle stage (spec.md §3).
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// MaxAttempts is the number of attempts before a task transitions to failed.
const MaxAttempts = 5

var bucketQueue = []byte("pending_uploads")

// ErrStopped is returned by operations attempted after Stop.
var ErrStopped = errors.New("uploadqueue: stopped")

// ErrNetworkTransient marks a processor failure as worth retrying with
// backoff (spec.md §7's "Network timeout/5xx" row). Processors should wrap
// retryable errors with this sentinel via fmt.Errorf("...: %w", ...).
var ErrNetworkTransient = errors.New("uploadqueue: transient network error")

// ErrNetworkFatal marks a processor failure as non-retryable (spec.md §7's
// "Non-retryable (e.g. 4xx)" row): the task is marked failed on the first
// occurrence instead of being retried up to MaxAttempts.
var ErrNetworkFatal = errors.New("uploadqueue: fatal network error")

// Task is a durable queue entry mirroring spec.md §3's PendingUpload.
type Task struct {
	ID            uint64
	SessionID     string
	SegmentIndex  uint32
	Blob          []byte
	CapturedAt    uint64
	State         State
	Attempts      uint8
	LastError     string
	NextAttemptAt uint64 // ms since epoch
}

// CompleteResult is handed to the `complete` hook once a processor call
// succeeds.
type CompleteResult struct {
	Task       Task
	ObjectID   string
	UploadedAt uint64
}

// Processor uploads one task's blob to the content store and returns the
// resulting objectID. It must be idempotent keyed by (SessionID,
// SegmentIndex): a crash may cause the same task to be retried after a
// partial prior attempt.
type Processor func(ctx context.Context, t Task) (objectID string, err error)

// Queue is the durable, single-worker upload FIFO.
type Queue struct {
	db     *bolt.DB
	policy backoff.Policy

	mu        sync.Mutex
	running   bool
	paused    bool
	stopCh    chan struct{}
	wakeCh    chan struct{}
	processor Processor

	onComplete func(CompleteResult)
	onError    func(Task, error)

	nowFn func() uint64 // overridable for tests; defaults to wall clock ms
}

// Open opens (or recovers) the durable queue at path. Any row left in
// `processing` from a prior crash is reset to `queued` with its attempts
// count unchanged, per spec.md §4.D's crash-recovery invariant.
func Open(path string) (*Queue, error) {
	db, err := bolt.Open(filepath.Clean(path), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("uploadqueue: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketQueue)
		return e
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("uploadqueue: init bucket: %w", err)
	}

	q := &Queue{
		db:     db,
		policy: backoff.Default,
		stopCh: make(chan struct{}),
		wakeCh: make(chan struct{}, 1),
		nowFn:  nowMillis,
	}
	if err := q.recoverProcessingRows(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

// SetPolicy overrides the retry backoff policy (default backoff.Default).
// Exposed primarily so callers embedding the queue in a longer pipeline
// (and their tests) can tune retry latency without reaching into package
// internals.
func (q *Queue) SetPolicy(p backoff.Policy) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.policy = p
}

// Close stops the worker (if running) and closes the database.
func (q *Queue) Close() error {
	q.Stop()
	return q.db.Close()
}

func nowMillis() uint64 { return uint64(time.Now().UnixMilli()) }

// recoverProcessingRows resets any `processing` row to `queued`, leaving
// attempts untouched, per spec.md §4.D.
func (q *Queue) recoverProcessingRows() error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}
			if t.State == StateProcessing {
				t.State = StateQueued
				t.NextAttemptAt = 0
				encoded, err := json.Marshal(t)
				if err != nil {
					return err
				}
				if err := b.Put(k, encoded); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Enqueue persists task atomically in state `queued` and returns its
// monotone id.
func (q *Queue) Enqueue(sessionID string, segmentIndex uint32, blob []byte, capturedAt uint64) (uint64, error) {
	var id uint64
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = seq
		t := Task{
			ID:           id,
			SessionID:    sessionID,
			SegmentIndex: segmentIndex,
			Blob:         blob,
			CapturedAt:   capturedAt,
			State:        StateQueued,
		}
		encoded, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return b.Put(idKey(id), encoded)
	})
	if err != nil {
		return 0, err
	}
	q.wake()
	return id, nil
}

func idKey(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func (q *Queue) wake() {
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

// OnComplete registers the `complete` event hook.
func (q *Queue) OnComplete(fn func(CompleteResult)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onComplete = fn
}

// OnError registers the `error` event hook, fired when a task exhausts
// MaxAttempts and transitions to `failed`.
func (q *Queue) OnError(fn func(Task, error)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onError = fn
}

// Start launches the worker goroutine if not already running. Idempotent.
func (q *Queue) Start(ctx context.Context, processor Processor) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.paused = false
	q.processor = processor
	q.stopCh = make(chan struct{})
	q.mu.Unlock()

	go q.loop(ctx)
}

// Pause halts dequeuing without stopping the worker goroutine; in-flight
// processing finishes.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume undoes Pause. Idempotent.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.wake()
}

// Stop halts the worker goroutine. Idempotent.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.stopCh)
	q.mu.Unlock()
}

// Status summarizes queue depth by state, per spec.md §4.D.
type Status struct {
	Pending    int
	Processing int
	Failed     int
	Running    bool
}

// Status returns a snapshot of the queue's current state.
func (q *Queue) Status() (Status, error) {
	var s Status
	q.mu.Lock()
	s.Running = q.running
	q.mu.Unlock()

	err := q.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}
			switch t.State {
			case StateQueued:
				s.Pending++
			case StateProcessing:
				s.Processing++
			case StateFailed:
				s.Failed++
			}
		}
		return nil
	})
	return s, err
}

// loop is the cooperative worker: on each wake (enqueue, a finished task,
// or the 500ms poll tick) it picks the oldest eligible row honoring per-session FIFO
// ordering (spec.md §4.D's Ordering rule), runs the processor, and applies
// the resulting state transition.
func (q *Queue) loop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-q.wakeCh:
		}

		q.mu.Lock()
		paused := q.paused
		proc := q.processor
		q.mu.Unlock()
		if paused || proc == nil {
			continue
		}

		for q.runOne(ctx, proc) {
			select {
			case <-q.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}
		}
	}
}

// runOne processes exactly one eligible task, if any is ready. Returns true
// if a task was processed (so loop can drain the backlog before waiting on
// the next tick).
func (q *Queue) runOne(ctx context.Context, proc Processor) bool {
	task, ok := q.claimNext()
	if !ok {
		return false
	}

	objectID, err := proc(ctx, task)
	if err != nil {
		q.onFailure(task, err)
		return true
	}
	q.onSuccess(task, objectID)
	return true
}

// claimNext selects the oldest queued row whose nextAttemptAt has passed,
// honoring strict segmentIndex order within a session: among candidate rows
// for the same session, only the lowest segmentIndex still `queued` is
// eligible. It transitions the winner to `processing`.
func (q *Queue) claimNext() (Task, bool) {
	now := q.nowFn()
	var winner Task
	var winnerKey []byte
	found := false

	_ = q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)

		// First pass: for each session, find the lowest segmentIndex still
		// queued. Only that row is eligible — this is what enforces strict
		// per-session FIFO ordering.
		minIndexBySession := map[string]uint32{}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}
			if t.State != StateQueued {
				continue
			}
			if cur, ok := minIndexBySession[t.SessionID]; !ok || t.SegmentIndex < cur {
				minIndexBySession[t.SessionID] = t.SegmentIndex
			}
		}

		// Second pass: among rows that are their session's next segment and
		// whose backoff has elapsed, pick the one with the lowest enqueue id
		// (FIFO across sessions).
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}
			if t.State != StateQueued || t.NextAttemptAt > now {
				continue
			}
			if minIndexBySession[t.SessionID] != t.SegmentIndex {
				continue
			}
			if !found || t.ID < winner.ID {
				winner = t
				winnerKey = append([]byte{}, k...)
				found = true
			}
		}

		if !found {
			return nil
		}
		winner.State = StateProcessing
		encoded, err := json.Marshal(winner)
		if err != nil {
			return err
		}
		return b.Put(winnerKey, encoded)
	})

	return winner, found
}

func (q *Queue) onSuccess(task Task, objectID string) {
	task.State = StateDone
	uploadedAt := q.nowFn()
	_ = q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		encoded, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put(idKey(task.ID), encoded)
	})

	q.mu.Lock()
	hook := q.onComplete
	q.mu.Unlock()
	if hook != nil {
		hook(CompleteResult{Task: task, ObjectID: objectID, UploadedAt: uploadedAt})
	}
	q.wake()
}

func (q *Queue) onFailure(task Task, taskErr error) {
	task.Attempts++
	task.LastError = taskErr.Error()

	if task.Attempts >= MaxAttempts || errors.Is(taskErr, ErrNetworkFatal) {
		task.State = StateFailed
	} else {
		task.State = StateQueued
		q.mu.Lock()
		policy := q.policy
		q.mu.Unlock()
		delay := policy.Delay(int(task.Attempts))
		task.NextAttemptAt = q.nowFn() + uint64(delay.Milliseconds())
	}

	_ = q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		encoded, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put(idKey(task.ID), encoded)
	})

	if task.State == StateFailed {
		q.mu.Lock()
		hook := q.onError
		q.mu.Unlock()
		if hook != nil {
			hook(task, taskErr)
		}
	} else {
		q.wake()
	}
}
