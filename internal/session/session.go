// Package session implements the SessionManager spec.md §4.G calls "the
// hard part": it orchestrates a single recording from creation through
// completion, tying together KeyVault, ChunkProcessor, UploadQueue,
// MerkleTree, ManifestManager, and LedgerClient, and recovers cleanly from
// a process crash. Grounded on the teacher's daemon/manager/session.go
// (allowed-transitions state machine) and daemon/service/transfer.go
// (orchestration shape: one service owning the store, key material, and
// queue wiring).
package session

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/witnessvault/core/internal/capture"
	"github.com/witnessvault/core/internal/events"
	"github.com/witnessvault/core/internal/keyvault"
	"github.com/witnessvault/core/internal/ledger"
	"github.com/witnessvault/core/internal/manifest"
	"github.com/witnessvault/core/internal/merkle"
	"github.com/witnessvault/core/internal/objectcache"
	"github.com/witnessvault/core/internal/observability"
	"github.com/witnessvault/core/internal/ratelimit"
	"github.com/witnessvault/core/internal/securestore"
	"github.com/witnessvault/core/internal/uploadqueue"
)

// Status is a session's lifecycle stage (spec.md §4.G's state machine).
type Status string

const (
	StatusActive   Status = "active"
	StatusEnding   Status = "ending"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// validTransitions mirrors the teacher's daemon/manager/session.go
// allowed-transitions map, rebuilt for this package's four-state machine.
var validTransitions = map[Status][]Status{
	StatusActive:   {StatusEnding, StatusFailed},
	StatusEnding:   {StatusComplete, StatusFailed},
	StatusComplete: {},
	StatusFailed:   {},
}

func canTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrInvalidStateTransition is returned by an illegal state change.
var ErrInvalidStateTransition = errors.New("session: invalid state transition")

// ErrSessionClosed is returned by ProcessChunk once a session has left
// `active`.
var ErrSessionClosed = errors.New("session: session is not active")

// ErrSessionFailed is returned by End when a session's queue drain leaves
// any task in `failed`.
var ErrSessionFailed = errors.New("session: one or more segments failed to upload")

// BackpressureSoftLimit is the pending-upload count past which ProcessChunk
// still accepts work but reports backpressure, per spec.md §5.
const BackpressureSoftLimit = 32

// LedgerCadenceSegments is N in "every N completed segments" (spec.md §4.G).
const LedgerCadenceSegments = 10

// LedgerCadenceInterval is the elapsed-time half of the cadence policy. It
// is checked only when a segment upload completes; no timer fires a
// submission on its own once the interval has passed.
const LedgerCadenceInterval = 30 * time.Second

// Record is the durable snapshot of a session, persisted by Store.
type Record struct {
	SessionID         [16]byte
	Uploader          [20]byte
	GroupIDs          [][32]byte
	WrappedContentKey map[string]keyvault.WrappedKey // keyed by hex(groupId)
	Status            Status
	Segments          []manifest.SegmentRecord
	MerkleRoot        [32]byte
	StartedAtMs       uint64
	EndedAtMs         uint64
	ManifestRef       string // set once End() uploads the manifest
	UpdatedAtMs       uint64
}

func sessionIDHex(id [16]byte) string { return hex.EncodeToString(id[:]) }

// BackpressureEvent is emitted when a session's pending-upload count exceeds
// BackpressureSoftLimit. The queue never drops work; this is advisory only.
type BackpressureEvent struct {
	SessionID [16]byte
	Pending   int
}

// Manager owns the single process-wide UploadQueue worker (spec.md §5:
// "exactly one logical UploadQueue worker per process") and every active
// session's in-memory runtime state.
type Manager struct {
	store        *Store
	secureStore  *securestore.Store
	contentStore capture.ContentStore
	ledgerClient ledger.Client
	queue        *uploadqueue.Queue
	dedupe       *objectcache.Cache
	events       *events.Publisher
	ledgerLimiter *ratelimit.Limiter
	logger       *observability.Logger
	metrics      *observability.Metrics

	onBackpressure func(BackpressureEvent)

	mu       sync.Mutex
	runtimes map[[16]byte]*runtime
}

type runtime struct {
	mu sync.Mutex

	record    Record
	tree      *merkle.Tree
	manifest  *manifest.Manifest
	processor *capture.Processor
	signer    manifest.Signer

	segmentsSinceLedger int
	lastLedgerAt        time.Time
	ledgerGeneration     uint64

	nextSegmentIndex uint32
	pendingForSession int

	// pendingResults caches the full capture.Result for a segment that the
	// queue's Processor has already encrypted and uploaded, keyed by
	// segment index, so the `complete` hook can build a manifest segment
	// without re-deriving keys or re-encrypting.
	pendingResults map[uint32]capture.Result

	endRequested bool
	endResult    chan endOutcome
}

type endOutcome struct {
	manifest *manifest.Manifest
	err      error
}

// Config bundles the Manager's external collaborators.
type Config struct {
	Store        *Store
	SecureStore  *securestore.Store
	ContentStore capture.ContentStore
	LedgerClient ledger.Client
	Queue        *uploadqueue.Queue // shared, process-wide upload worker
	Dedupe       *objectcache.Cache // optional
	Events       *events.Publisher  // optional
	Logger       *observability.Logger // optional
	Metrics      *observability.Metrics // optional

	// LedgerSubmitRate/LedgerSubmitBurst bound how often non-final ledger
	// submissions may be dispatched, independent of the 10-segment/30s
	// cadence policy — a defense against a pathological capture rate
	// producing more than one ledger submission per second. Zero rate
	// disables the limiter.
	LedgerSubmitRate  float64
	LedgerSubmitBurst int
}

// NewManager wires a Manager over the given collaborators. The caller is
// responsible for calling Recover before accepting new work if this process
// may be resuming from a crash.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		store:        cfg.Store,
		secureStore:  cfg.SecureStore,
		contentStore: cfg.ContentStore,
		ledgerClient: cfg.LedgerClient,
		queue:        cfg.Queue,
		dedupe:       cfg.Dedupe,
		events:       cfg.Events,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		runtimes:     map[[16]byte]*runtime{},
	}
	if cfg.LedgerSubmitRate > 0 {
		m.ledgerLimiter = ratelimit.NewLimiter(cfg.LedgerSubmitRate, cfg.LedgerSubmitBurst)
	}
	m.queue.OnComplete(m.handleUploadComplete)
	m.queue.OnError(m.handleUploadError)
	return m
}

// Start launches the shared UploadQueue worker, wiring it to encrypt and
// upload each claimed task via the owning session's capture.Processor.
func (m *Manager) Start(ctx context.Context) {
	m.queue.Start(ctx, m.processTask)
}

// processTask is the Processor the UploadQueue worker invokes for each
// claimed task. It performs the actual hash/encrypt/upload pipeline and
// caches the full result for the `complete` hook to consume, so the
// merkle/manifest update never re-derives keys or re-encrypts.
func (m *Manager) processTask(ctx context.Context, task uploadqueue.Task) (string, error) {
	start := time.Now()
	sessionID, err := sessionIDFromHex(task.SessionID)
	if err != nil {
		return "", err
	}
	rt, err := m.runtimeFor(sessionID)
	if err != nil {
		return "", err
	}

	result, err := rt.processor.ProcessChunk(ctx, task.SessionID, task.SegmentIndex, task.Blob, task.CapturedAt)
	if err != nil {
		// Crypto/derive failures are deterministic given the same key and
		// bytes — retrying buys nothing, so they're fatal to the queue.
		// Everything else (content-store Put) is a transport error and gets
		// the queue's normal backoff-and-retry treatment.
		if errors.Is(err, capture.ErrProcessingFailed) {
			return "", fmt.Errorf("%w: %v", uploadqueue.ErrNetworkFatal, err)
		}
		return "", fmt.Errorf("%w: %v", uploadqueue.ErrNetworkTransient, err)
	}

	if m.metrics != nil {
		m.metrics.RecordCryptoOperation("encrypt", time.Since(start).Seconds())
		m.metrics.RecordSegmentCaptured(result.Size, result.DedupeHit)
	}

	rt.mu.Lock()
	rt.pendingResults[task.SegmentIndex] = result
	rt.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordQueueTaskDuration(time.Since(start).Seconds())
	}

	return result.ObjectID, nil
}

// OnBackpressure registers the backpressure hook.
func (m *Manager) OnBackpressure(fn func(BackpressureEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onBackpressure = fn
}

func nowMs() uint64 { return uint64(time.Now().UnixMilli()) }

func (m *Manager) publish(sessionID [16]byte, typ events.Type, message string, metadata map[string]string) {
	if m.events == nil {
		return
	}
	m.events.Publish(&events.SessionEvent{
		SessionID: sessionIDHex(sessionID),
		Type:      typ,
		Timestamp: time.Now(),
		Message:   message,
		Metadata:  metadata,
	})
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	GroupIDs   [][32]byte
	Uploader   [20]byte
	SessionKey []byte // optional; generated if nil
	Signer     manifest.Signer
}

// Create starts a new recording session: wraps the content key for each
// group, persists the session record, and starts accepting chunks.
// Implements spec.md §4.G's create operation.
func (m *Manager) Create(ctx context.Context, p CreateParams) ([16]byte, error) {
	if len(p.GroupIDs) == 0 {
		return [16]byte{}, fmt.Errorf("session: create requires at least one groupId")
	}

	sessionID := [16]byte(uuid.New())

	contentKey := p.SessionKey
	if contentKey == nil {
		var err error
		contentKey, err = keyvault.GenerateContentKey()
		if err != nil {
			return [16]byte{}, fmt.Errorf("session: generate content key: %w", err)
		}
	}

	wrapped := map[string]keyvault.WrappedKey{}
	for _, gid := range p.GroupIDs {
		var groupSecret []byte
		if err := m.secureStore.Get(groupSecretKey(gid), &groupSecret); err != nil {
			return [16]byte{}, fmt.Errorf("session: load group secret for %x: %w", gid, err)
		}
		w, err := keyvault.WrapContentKey(contentKey, groupSecret)
		if err != nil {
			return [16]byte{}, fmt.Errorf("session: wrap content key: %w", err)
		}
		wrapped[hex.EncodeToString(gid[:])] = w
	}

	if err := m.secureStore.Put(contentKeyStoreKey(sessionID), contentKey); err != nil {
		return [16]byte{}, fmt.Errorf("session: persist content key: %w", err)
	}

	rec := Record{
		SessionID:         sessionID,
		Uploader:          p.Uploader,
		GroupIDs:          append([][32]byte{}, p.GroupIDs...),
		WrappedContentKey: wrapped,
		Status:            StatusActive,
		StartedAtMs:       nowMs(),
		UpdatedAtMs:       nowMs(),
	}
	if err := m.store.Save(rec); err != nil {
		return [16]byte{}, fmt.Errorf("session: persist record: %w", err)
	}

	rt := m.newRuntime(rec, contentKey, p.Signer)
	m.mu.Lock()
	m.runtimes[sessionID] = rt
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordSessionStart()
	}
	if m.logger != nil {
		m.logger.SessionStarted(sessionIDHex(sessionID), hex.EncodeToString(p.Uploader[:]), len(p.GroupIDs))
	}

	return sessionID, nil
}

func groupSecretKey(gid [32]byte) string { return "group-secret:" + hex.EncodeToString(gid[:]) }
func contentKeyStoreKey(sessionID [16]byte) string {
	return "session-content-key:" + sessionIDHex(sessionID)
}

func (m *Manager) newRuntime(rec Record, contentKey []byte, signer manifest.Signer) *runtime {
	mgr := manifest.New(rec.SessionID, rec.Uploader, rec.GroupIDs, toManifestWrapped(rec.WrappedContentKey))
	tree := merkle.New()
	for _, seg := range rec.Segments {
		leaf := leafFor(seg)
		tree.Insert(leaf)
		_ = mgr.AddSegment(seg)
	}
	if tree.Len() > 0 {
		root := tree.Root()
		_ = mgr.SetMerkleRoot(root)
	}

	return &runtime{
		record:           rec,
		tree:             tree,
		manifest:         mgr,
		processor:        capture.New(contentKey, m.contentStore, m.dedupe),
		signer:           signer,
		nextSegmentIndex: uint32(len(rec.Segments)),
		lastLedgerAt:     time.Now(),
		pendingResults:   map[uint32]capture.Result{},
	}
}

func toManifestWrapped(src map[string]keyvault.WrappedKey) map[[32]byte]manifest.WrappedKey {
	out := make(map[[32]byte]manifest.WrappedKey, len(src))
	for k, v := range src {
		raw, err := hex.DecodeString(k)
		if err != nil || len(raw) != 32 {
			continue
		}
		var gid [32]byte
		copy(gid[:], raw)
		out[gid] = manifest.WrappedKey{IV: v.IV, Ciphertext: v.Ciphertext}
	}
	return out
}

// leafFor computes leaf(i) = SHA-256(u32_be(i) || plaintextHash || encryptedHash || u64_be(capturedAt))
// per spec.md §4.E.
func leafFor(seg manifest.SegmentRecord) [32]byte {
	buf := make([]byte, 0, 4+32+32+8)
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], seg.Index)
	buf = append(buf, idx[:]...)
	buf = append(buf, seg.PlaintextHash[:]...)
	buf = append(buf, seg.EncryptedHash[:]...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], seg.CapturedAt)
	buf = append(buf, ts[:]...)
	return sha256.Sum256(buf)
}

// ProcessChunk implements spec.md §4.G's processChunk: assigns the next
// index, enqueues an upload task, and returns once the enqueue has
// persisted. Upload and the merkle/manifest mutation happen asynchronously,
// delivered back via the queue's complete event.
func (m *Manager) ProcessChunk(ctx context.Context, sessionID [16]byte, data []byte, capturedAt uint64) (uint32, error) {
	rt, err := m.runtimeFor(sessionID)
	if err != nil {
		return 0, err
	}

	rt.mu.Lock()
	if rt.record.Status != StatusActive {
		rt.mu.Unlock()
		return 0, ErrSessionClosed
	}
	index := rt.nextSegmentIndex
	rt.nextSegmentIndex++
	rt.pendingForSession++
	pending := rt.pendingForSession
	rt.mu.Unlock()

	if _, err := m.queue.Enqueue(sessionIDHex(sessionID), index, data, capturedAt); err != nil {
		return 0, fmt.Errorf("session: enqueue chunk: %w", err)
	}

	if pending > BackpressureSoftLimit {
		m.mu.Lock()
		hook := m.onBackpressure
		m.mu.Unlock()
		if hook != nil {
			hook(BackpressureEvent{SessionID: sessionID, Pending: pending})
		}
		m.publish(sessionID, events.TypeBackpressure, "pending uploads exceed the soft limit", map[string]string{
			"pending": fmt.Sprintf("%d", pending),
		})
	}

	return index, nil
}

func (m *Manager) runtimeFor(sessionID [16]byte) (*runtime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.runtimes[sessionID]
	if !ok {
		return nil, fmt.Errorf("session: unknown session %x", sessionID[:])
	}
	return rt, nil
}

// handleUploadComplete is wired to the queue's `complete` event. It runs on
// the queue worker's single goroutine, so session mutation here is already
// sequential with respect to other completions — no extra locking is
// needed across sessions, only within a given runtime against concurrent
// ProcessChunk/End calls from the caller's goroutine.
func (m *Manager) handleUploadComplete(result uploadqueue.CompleteResult) {
	sessionID, err := sessionIDFromHex(result.Task.SessionID)
	if err != nil {
		return
	}
	rt, err := m.runtimeFor(sessionID)
	if err != nil {
		return
	}

	rt.mu.Lock()
	processed, ok := rt.pendingResults[result.Task.SegmentIndex]
	delete(rt.pendingResults, result.Task.SegmentIndex)
	rt.mu.Unlock()
	if !ok {
		m.failSession(rt, fmt.Errorf("session: missing capture result for segment %d", result.Task.SegmentIndex))
		return
	}

	seg := manifest.SegmentRecord{
		Index:         processed.Index,
		ObjectID:      processed.ObjectID,
		Size:          processed.Size,
		PlaintextHash: processed.PlaintextHash,
		EncryptedHash: processed.EncryptedHash,
		IV:            processed.IV,
		CapturedAt:    processed.CapturedAt,
		UploadedAt:    result.UploadedAt,
	}

	rt.mu.Lock()
	leaf := leafFor(seg)
	rt.tree.Insert(leaf)
	root := rt.tree.Root()
	if err := rt.manifest.AddSegment(seg); err != nil {
		rt.mu.Unlock()
		m.failSession(rt, fmt.Errorf("session: add segment to manifest: %w", err))
		return
	}
	_ = rt.manifest.SetMerkleRoot(root)

	rt.record.Segments = append(rt.record.Segments, seg)
	rt.record.MerkleRoot = root
	rt.record.UpdatedAtMs = nowMs()
	rt.pendingForSession--
	rt.segmentsSinceLedger++

	shouldSubmit := rt.segmentsSinceLedger >= LedgerCadenceSegments ||
		(rt.segmentsSinceLedger >= 1 && time.Since(rt.lastLedgerAt) >= LedgerCadenceInterval)
	var generation uint64
	if shouldSubmit {
		rt.ledgerGeneration++
		generation = rt.ledgerGeneration
		rt.segmentsSinceLedger = 0
		rt.lastLedgerAt = time.Now()
	}
	recSnapshot := rt.record
	drainComplete := rt.endRequested && rt.pendingForSession == 0
	rt.mu.Unlock()

	if err := m.store.Save(recSnapshot); err != nil {
		m.failSession(rt, fmt.Errorf("session: persist segment: %w", err))
		return
	}

	m.publish(recSnapshot.SessionID, events.TypeSegmentCaptured, "segment uploaded", map[string]string{
		"index": fmt.Sprintf("%d", seg.Index),
	})
	if m.logger != nil {
		m.logger.SegmentCaptured(sessionIDHex(recSnapshot.SessionID), seg.Index, seg.Size, seg.ObjectID)
		m.logger.WithSession(sessionIDHex(recSnapshot.SessionID)).WithSegment(seg.Index).
			Debug("segment committed to manifest")
	}

	if shouldSubmit {
		if m.logger != nil {
			m.logger.SessionProgress(sessionIDHex(recSnapshot.SessionID), len(recSnapshot.Segments), hex.EncodeToString(root[:]))
		}
		m.submitLedgerUpdate(rt, recSnapshot.SessionID, root, "", generation, false)
	}

	if drainComplete {
		m.finishDrain(rt)
	}
}

func sessionIDFromHex(s string) ([16]byte, error) {
	var id [16]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 16 {
		return id, fmt.Errorf("session: malformed session id %q", s)
	}
	copy(id[:], raw)
	return id, nil
}

// submitLedgerUpdate fires the ledger submission in the background: a
// stale in-flight call is superseded by a later one carrying a newer root,
// per spec.md §4.G's idempotence note, enforced by only ever trusting the
// result if its generation is still the latest one observed by the caller.
func (m *Manager) submitLedgerUpdate(rt *runtime, sessionID [16]byte, root [32]byte, manifestRef string, generation uint64, final bool) {
	go func() {
		// The 10-segment/30s cadence policy decides WHEN a submission is
		// owed; this limiter only throttles the dispatch mechanism so a
		// pathological capture rate can't fire non-final submissions
		// faster than the configured rate and burst. A final submission (session end) always
		// goes through immediately.
		if !final && m.ledgerLimiter != nil {
			if err := m.ledgerLimiter.Wait(context.Background(), 1); err != nil {
				return
			}
		}
		submitStart := time.Now()
		txID, err := ledger.SubmitWithRetry(context.Background(), m.ledgerClient, sessionID, root, manifestRef)
		if m.metrics != nil {
			m.metrics.RecordLedgerSubmission(err == nil, time.Since(submitStart).Seconds())
		}
		rt.mu.Lock()
		stale := generation != rt.ledgerGeneration && !final
		rt.mu.Unlock()
		if stale {
			return
		}
		if err != nil {
			if final {
				m.failSession(rt, fmt.Errorf("session: final ledger submission failed: %w", err))
			}
			return
		}

		status, err := m.ledgerClient.WaitForInclusion(context.Background(), txID)
		if err != nil {
			if final {
				m.failSession(rt, fmt.Errorf("session: ledger inclusion check failed: %w", err))
			}
			return
		}
		if m.metrics != nil {
			m.metrics.RecordLedgerInclusion(string(status))
		}
		if status == ledger.StatusReverted && final {
			m.failSession(rt, fmt.Errorf("%w: final ledger update reverted", ledger.ErrLedgerRejected))
			return
		}
		if m.logger != nil {
			m.logger.LedgerUpdateSubmitted(sessionIDHex(sessionID), txID, hex.EncodeToString(root[:]))
		}
		m.publish(sessionID, events.TypeLedgerSubmitted, "ledger update included", map[string]string{
			"txId": txID,
		})
	}()
}

func (m *Manager) handleUploadError(task uploadqueue.Task, taskErr error) {
	sessionID, err := sessionIDFromHex(task.SessionID)
	if err != nil {
		return
	}
	rt, err := m.runtimeFor(sessionID)
	if err != nil {
		return
	}
	if m.metrics != nil {
		m.metrics.RecordSegmentUploadRetry("exhausted")
	}
	if m.logger != nil {
		m.logger.WithSession(sessionIDHex(sessionID)).Warn("segment exhausted upload retries")
		m.logger.SegmentUploadFailed(sessionIDHex(sessionID), task.SegmentIndex, taskErr.Error(), task.Attempts)
	}
	m.failSession(rt, fmt.Errorf("session: segment %d exhausted upload retries: %w", task.SegmentIndex, taskErr))
}

func (m *Manager) failSession(rt *runtime, cause error) {
	rt.mu.Lock()
	if !canTransition(rt.record.Status, StatusFailed) {
		rt.mu.Unlock()
		return
	}
	rt.record.Status = StatusFailed
	rt.record.EndedAtMs = nowMs()
	rt.record.UpdatedAtMs = rt.record.EndedAtMs
	endCh := rt.endResult
	rt.endResult = nil
	rec := rt.record
	rt.mu.Unlock()

	_ = m.store.Save(rec)
	if m.metrics != nil {
		m.metrics.RecordSessionEnd("failed", float64(rec.EndedAtMs-rec.StartedAtMs)/1000.0)
	}
	if m.logger != nil {
		m.logger.WithSession(sessionIDHex(rec.SessionID)).WithUploader(hex.EncodeToString(rec.Uploader[:])).
			Error(cause, "session failed")
	}
	m.publish(rec.SessionID, events.TypeSessionFailed, cause.Error(), nil)
	if endCh != nil {
		endCh <- endOutcome{err: fmt.Errorf("%w: %v", ErrSessionFailed, cause)}
	}
}

// End implements spec.md §4.G's end(): transitions to `ending`, awaits
// queue drain for this session, finalizes and uploads the manifest, issues
// the final ledger update, and sets `complete`.
func (m *Manager) End(ctx context.Context, sessionID [16]byte) (*manifest.Manifest, error) {
	rt, err := m.runtimeFor(sessionID)
	if err != nil {
		return nil, err
	}

	rt.mu.Lock()
	if !canTransition(rt.record.Status, StatusEnding) {
		status := rt.record.Status
		rt.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot end from status %s", ErrInvalidStateTransition, status)
	}
	rt.record.Status = StatusEnding
	rt.record.UpdatedAtMs = nowMs()
	rt.endRequested = true
	drained := rt.pendingForSession == 0
	resultCh := make(chan endOutcome, 1)
	rt.endResult = resultCh
	rec := rt.record
	rt.mu.Unlock()

	if err := m.store.Save(rec); err != nil {
		return nil, fmt.Errorf("session: persist ending status: %w", err)
	}
	m.publish(sessionID, events.TypeSessionEnding, "draining pending uploads", nil)

	if drained {
		m.finishDrain(rt)
	}

	select {
	case out := <-resultCh:
		return out.manifest, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// finishDrain runs once a session's in-flight uploads have all reached a
// terminal state: finalize the manifest, upload it, submit the final
// ledger update, and transition to complete.
func (m *Manager) finishDrain(rt *runtime) {
	rt.mu.Lock()
	if rt.record.Status != StatusEnding {
		rt.mu.Unlock()
		return
	}
	rt.manifest.Finalize()
	body, err := rt.manifest.CanonicalJSON()
	signer := rt.signer
	sessionID := rt.record.SessionID
	root := rt.record.MerkleRoot
	uploader := rt.record.Uploader
	rt.mu.Unlock()

	if err != nil {
		m.failSession(rt, fmt.Errorf("session: serialize manifest: %w", err))
		return
	}

	objectID, err := m.contentStore.Put(context.Background(), body, "manifest:"+sessionIDHex(sessionID))
	if err != nil {
		m.failSession(rt, fmt.Errorf("session: upload manifest: %w", err))
		return
	}

	if signer != nil {
		if _, err := manifest.SignManifestRef(signer, objectID, uploader); err != nil {
			m.failSession(rt, fmt.Errorf("session: sign manifest ref: %w", err))
			return
		}
	}

	ledgerStart := time.Now()
	txID, err := ledger.SubmitWithRetry(context.Background(), m.ledgerClient, sessionID, root, objectID)
	if m.metrics != nil {
		m.metrics.RecordLedgerSubmission(err == nil, time.Since(ledgerStart).Seconds())
	}
	if err != nil {
		m.failSession(rt, fmt.Errorf("session: final ledger submission: %w", err))
		return
	}
	status, err := m.ledgerClient.WaitForInclusion(context.Background(), txID)
	if err != nil {
		m.failSession(rt, fmt.Errorf("session: final ledger inclusion: %w", err))
		return
	}
	if m.metrics != nil {
		m.metrics.RecordLedgerInclusion(string(status))
	}
	if status == ledger.StatusReverted {
		m.failSession(rt, fmt.Errorf("%w: final ledger update reverted", ledger.ErrLedgerRejected))
		return
	}
	if m.logger != nil {
		m.logger.LedgerUpdateSubmitted(sessionIDHex(sessionID), txID, hex.EncodeToString(root[:]))
	}

	rt.mu.Lock()
	rt.record.Status = StatusComplete
	rt.record.ManifestRef = objectID
	rt.record.EndedAtMs = nowMs()
	rt.record.UpdatedAtMs = rt.record.EndedAtMs
	rec := rt.record
	finalManifest := rt.manifest
	endCh := rt.endResult
	rt.endResult = nil
	rt.mu.Unlock()

	_ = m.store.Save(rec)
	if m.metrics != nil {
		m.metrics.RecordSessionEnd("complete", float64(rec.EndedAtMs-rec.StartedAtMs)/1000.0)
	}
	if m.logger != nil {
		m.logger.SessionCompleted(sessionIDHex(rec.SessionID), len(rec.Segments),
			time.Duration(rec.EndedAtMs-rec.StartedAtMs)*time.Millisecond, objectID)
	}
	m.publish(rec.SessionID, events.TypeSessionComplete, "manifest finalized and anchored", map[string]string{
		"manifestRef": objectID,
	})
	if endCh != nil {
		endCh <- endOutcome{manifest: finalManifest}
	}
}

// VerifySegment checks the Merkle inclusion proof for segment index against
// the session's current root — the `verify(proof(i), leaf(i), root()) ==
// true` testable property spec.md §4.E requires any manifest holder be able
// to check independently of this process.
func (m *Manager) VerifySegment(sessionID [16]byte, index uint32) (bool, error) {
	rt, err := m.runtimeFor(sessionID)
	if err != nil {
		return false, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if int(index) >= len(rt.record.Segments) {
		return false, fmt.Errorf("session: segment %d not found", index)
	}
	leaf := leafFor(rt.record.Segments[index])
	proof := rt.tree.Proof(int(index))
	ok := merkle.Verify(proof, leaf, rt.tree.Root())
	if m.metrics != nil {
		m.metrics.RecordMerkleVerification(ok)
	}
	return ok, nil
}

// Status reports a session's current lifecycle stage.
func (m *Manager) Status(sessionID [16]byte) (Status, error) {
	rt, err := m.runtimeFor(sessionID)
	if err != nil {
		return "", err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.record.Status, nil
}

// Recover implements spec.md §4.G's crash-recovery protocol: every
// persisted session in `active` or `ending` status is reloaded, its
// MerkleTree and ManifestManager rebuilt by replaying segments in index
// order, and — for `ending` sessions — drain logic is resumed. The
// UploadQueue's own Open call already resets `processing` rows to `queued`.
func (m *Manager) Recover(ctx context.Context, signer manifest.Signer) error {
	records, err := m.store.ListByStatus(StatusActive, StatusEnding)
	if err != nil {
		return fmt.Errorf("session: list recoverable sessions: %w", err)
	}

	for _, rec := range records {
		var contentKey []byte
		if err := m.secureStore.Get(contentKeyStoreKey(rec.SessionID), &contentKey); err != nil {
			return fmt.Errorf("session: recover content key for %x: %w", rec.SessionID, err)
		}
		rt := m.newRuntime(rec, contentKey, signer)

		m.mu.Lock()
		m.runtimes[rec.SessionID] = rt
		m.mu.Unlock()

		if rec.Status == StatusEnding {
			rt.mu.Lock()
			rt.endRequested = true
			rt.endResult = make(chan endOutcome, 1)
			drained := rt.pendingForSession == 0
			rt.mu.Unlock()
			if drained {
				m.finishDrain(rt)
			}
		}
	}
	return nil
}
