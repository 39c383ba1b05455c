// Package capture implements the ChunkProcessor from spec.md §4.C: for one
// segment, hash the plaintext, derive its per-segment subkey, encrypt it,
// hash the ciphertext, and upload the result to the content-addressable
// store. Grounded on the teacher's internal/chunker/chunker.go per-chunk
// hash→encrypt→store pipeline, narrowed from whole-file chunking to
// single-segment processing: the caller already has the bytes and index in
// hand (no file I/O, no chunk-size auto-tuning).
package capture

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/witnessvault/core/internal/aead"
	"github.com/witnessvault/core/internal/keyvault"
	"github.com/witnessvault/core/internal/objectcache"
)

// ErrProcessingFailed marks a key-derivation, IV-generation, or encryption
// failure as non-retryable: given the same session content key and
// plaintext, every retry would fail identically, so the caller (UploadQueue,
// via internal/session's classification) should not spend a retry budget on
// it the way it would a transient content-store error.
var ErrProcessingFailed = errors.New("capture: processing failed")

// ContentStore is the external content-addressable store collaborator
// (spec.md §6): Put is content-addressed (identical bytes always return the
// same objectID).
type ContentStore interface {
	Put(ctx context.Context, data []byte, hint string) (objectID string, err error)
	Get(ctx context.Context, objectID string) ([]byte, error)
}

// Result is what ChunkProcessor hands back to the session layer for one
// processed segment.
type Result struct {
	Index         uint32
	ObjectID      string
	PlaintextHash [32]byte
	EncryptedHash [32]byte
	IV            [12]byte
	Size          uint64
	CapturedAt    uint64
	DedupeHit     bool // true if served from internal/objectcache without re-encryption
}

// Processor is a stateless collaborator parameterized by a session's
// content key.
type Processor struct {
	contentKey []byte
	store      ContentStore
	dedupe     *objectcache.Cache // optional; nil disables dedupe
}

// New constructs a Processor bound to contentKey and store. dedupe may be
// nil to disable the optional pre-check against internal/objectcache: the
// same plaintext bytes seen twice in a session (e.g. a static frame held
// across several segments) then skip both re-encryption and re-upload,
// reusing the previously recorded ciphertext envelope.
func New(contentKey []byte, store ContentStore, dedupe *objectcache.Cache) *Processor {
	return &Processor{contentKey: contentKey, store: store, dedupe: dedupe}
}

// envelope is the cached record of a previously encrypted-and-uploaded
// plaintext, keyed by its objectcache digest.
type envelope struct {
	ObjectID      string `json:"objectId"`
	EncryptedHash string `json:"encryptedHash"`
	IV            string `json:"iv"`
	Size          uint64 `json:"size"`
}

// ProcessChunk implements spec.md §4.C step-by-step: hash plaintext, derive
// subkey, draw a fresh IV, AES-256-GCM encrypt, hash ciphertext, upload.
// Hashing and encryption failures are fatal (non-retryable); failures from
// the content store are wrapped with context but not marked
// ErrProcessingFailed, so the caller (UploadQueue) can apply its own retry
// policy.
func (p *Processor) ProcessChunk(ctx context.Context, sessionHint string, index uint32, plaintext []byte, capturedAt uint64) (Result, error) {
	plaintextHash := sha256.Sum256(plaintext)

	if p.dedupe != nil {
		if cached, found := p.dedupe.Lookup(objectcache.Digest(plaintext)); found {
			if rec, err := envelopeToResult(cached); err == nil {
				rec.Index = index
				rec.PlaintextHash = plaintextHash
				rec.CapturedAt = capturedAt
				rec.DedupeHit = true
				return rec, nil
			}
			// Malformed cache entry: fall through and reprocess normally.
		}
	}

	subkey, err := keyvault.DeriveSegmentSubkey(p.contentKey, index)
	if err != nil {
		return Result{}, fmt.Errorf("capture: derive subkey: %w: %w", ErrProcessingFailed, err)
	}

	nonceBytes, err := aead.NewNonce()
	if err != nil {
		return Result{}, fmt.Errorf("capture: generate iv: %w: %w", ErrProcessingFailed, err)
	}
	var iv [12]byte
	copy(iv[:], nonceBytes)

	ciphertext, err := aead.Seal(subkey, nonceBytes, nil, plaintext)
	if err != nil {
		return Result{}, fmt.Errorf("capture: encrypt: %w: %w", ErrProcessingFailed, err)
	}
	encryptedHash := sha256.Sum256(ciphertext)

	hint := fmt.Sprintf("%s/%d", sessionHint, index)
	objectID, err := p.store.Put(ctx, ciphertext, hint)
	if err != nil {
		// Network errors on upload are retryable; the caller (UploadQueue)
		// decides whether to retry. Wrap with context but don't swallow.
		return Result{}, fmt.Errorf("capture: upload: %w", err)
	}

	rec := Result{
		Index:         index,
		ObjectID:      objectID,
		PlaintextHash: plaintextHash,
		EncryptedHash: encryptedHash,
		IV:            iv,
		Size:          uint64(len(ciphertext)),
		CapturedAt:    capturedAt,
	}

	if p.dedupe != nil {
		if enc, err := resultToEnvelope(rec); err == nil {
			_ = p.dedupe.Store(objectcache.Digest(plaintext), enc)
		}
	}

	return rec, nil
}

func resultToEnvelope(r Result) (string, error) {
	b, err := json.Marshal(envelope{
		ObjectID:      r.ObjectID,
		EncryptedHash: hex.EncodeToString(r.EncryptedHash[:]),
		IV:            hex.EncodeToString(r.IV[:]),
		Size:          r.Size,
	})
	return string(b), err
}

func envelopeToResult(s string) (Result, error) {
	var e envelope
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return Result{}, err
	}
	encHash, err := hex.DecodeString(e.EncryptedHash)
	if err != nil || len(encHash) != 32 {
		return Result{}, fmt.Errorf("capture: malformed cache entry")
	}
	iv, err := hex.DecodeString(e.IV)
	if err != nil || len(iv) != 12 {
		return Result{}, fmt.Errorf("capture: malformed cache entry")
	}

	var r Result
	r.ObjectID = e.ObjectID
	r.Size = e.Size
	copy(r.EncryptedHash[:], encHash)
	copy(r.IV[:], iv)
	return r, nil
}
