// Package manifest accumulates a session's segment records and produces the
// canonical, signed manifest document spec.md §4.F and §6 describe.
// Grounded on the teacher's internal/chunker/manifest.go struct-with-
// json-tags persistence style (field set replaced with spec.md §6's
// schema — the teacher's domain-profile fields for media/medical/
// engineering have no counterpart here and are dropped) and on
// daemon/manager/verification.go's canonical-JSON-then-sign pattern for
// SignedRef.
package manifest

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
)

// ErrInvalidSequence is returned when AddSegment is called out of order.
var ErrInvalidSequence = errors.New("manifest: segment index out of sequence")

// ErrSessionClosed is returned by any mutation after Finalize.
var ErrSessionClosed = errors.New("manifest: manifest already finalized")

// SegmentRecord mirrors spec.md §3's SegmentRecord.
type SegmentRecord struct {
	Index         uint32
	ObjectID      string
	Size          uint64
	PlaintextHash [32]byte
	EncryptedHash [32]byte
	IV            [12]byte
	CapturedAt    uint64
	UploadedAt    uint64
}

// WrappedKey mirrors keyvault.WrappedKey without importing it, to keep this
// package free of a dependency on key material handling.
type WrappedKey struct {
	IV         []byte
	Ciphertext []byte
}

// Manifest is the mutable accumulator described in spec.md §4.F. Segments
// must be inserted in strictly increasing index order (AddSegment fails
// with ErrInvalidSequence otherwise — insertion out of order is a caller
// bug). MerkleRoot is kept current by the session layer after each insert.
type Manifest struct {
	Version           string
	SessionID         [16]byte
	Uploader          [20]byte
	GroupIDs          [][32]byte
	MerkleRoot        [32]byte
	WrappedContentKey map[[32]byte]WrappedKey
	Segments          []SegmentRecord

	finalized bool
}

// New creates an empty manifest accumulator for a session.
func New(sessionID [16]byte, uploader [20]byte, groupIDs [][32]byte, wrapped map[[32]byte]WrappedKey) *Manifest {
	return &Manifest{
		Version:           "1",
		SessionID:         sessionID,
		Uploader:          uploader,
		GroupIDs:          append([][32]byte{}, groupIDs...),
		WrappedContentKey: wrapped,
	}
}

// AddSegment appends rec. Insertion must be monotone: rec.Index must equal
// len(Segments).
func (m *Manifest) AddSegment(rec SegmentRecord) error {
	if m.finalized {
		return ErrSessionClosed
	}
	if int(rec.Index) != len(m.Segments) {
		return ErrInvalidSequence
	}
	m.Segments = append(m.Segments, rec)
	return nil
}

// SetMerkleRoot updates the manifest's recorded root, called by the session
// layer after each MerkleTree.Insert.
func (m *Manifest) SetMerkleRoot(root [32]byte) error {
	if m.finalized {
		return ErrSessionClosed
	}
	m.MerkleRoot = root
	return nil
}

// Finalize freezes the manifest. Further mutation fails with
// ErrSessionClosed.
func (m *Manifest) Finalize() {
	m.finalized = true
}

// Finalized reports whether Finalize has been called.
func (m *Manifest) Finalized() bool { return m.finalized }

// CanonicalJSON serializes the manifest per spec.md §4.F/§6: keys sorted
// lexicographically, byte sequences as lowercase hex, numbers as JSON
// integers. Built as nested map[string]interface{} rather than a tagged
// struct so that encoding/json's built-in alphabetical map-key ordering
// does the canonicalization for us — the same approach the teacher's
// verification.go uses for its sign-over-canonical-JSON step. Two manifests
// with identical field values always serialize byte-identically.
func (m *Manifest) CanonicalJSON() ([]byte, error) {
	groupIDs := make([]string, len(m.GroupIDs))
	for i, g := range m.GroupIDs {
		groupIDs[i] = hex.EncodeToString(g[:])
	}
	sort.Strings(groupIDs)

	wrapped := make(map[string]interface{}, len(m.WrappedContentKey))
	for gid, w := range m.WrappedContentKey {
		wrapped[hex.EncodeToString(gid[:])] = map[string]interface{}{
			"iv":         hex.EncodeToString(w.IV),
			"ciphertext": hex.EncodeToString(w.Ciphertext),
		}
	}

	segments := make([]interface{}, len(m.Segments))
	for i, s := range m.Segments {
		segments[i] = map[string]interface{}{
			"index":          s.Index,
			"objectId":       s.ObjectID,
			"size":           s.Size,
			"plaintextHash":  hex.EncodeToString(s.PlaintextHash[:]),
			"encryptedHash":  hex.EncodeToString(s.EncryptedHash[:]),
			"iv":             hex.EncodeToString(s.IV[:]),
			"capturedAt":     s.CapturedAt,
			"uploadedAt":     s.UploadedAt,
		}
	}

	doc := map[string]interface{}{
		"version":           m.Version,
		"sessionId":         hex.EncodeToString(m.SessionID[:]),
		"uploader":          hex.EncodeToString(m.Uploader[:]),
		"groupIds":          groupIDs,
		"merkleRoot":        hex.EncodeToString(m.MerkleRoot[:]),
		"wrappedContentKey": wrapped,
		"segments":          segments,
	}
	return json.Marshal(doc)
}

// SignedRef binds a manifest's content-store object ID to a wallet
// signature over that ID, letting any holder verify the manifest came from
// the claimed uploader. Grounded on daemon/manager/verification.go's
// sign-and-verify shape.
type SignedRef struct {
	ManifestObjectID string
	Signature        []byte
	Uploader         [20]byte
}

// Signer abstracts the external signing wallet (spec.md §6): sign produces
// a deterministic signature over message.
type Signer interface {
	Sign(message []byte) ([]byte, error)
}

// SignManifestRef signs objectID on behalf of uploader.
func SignManifestRef(signer Signer, objectID string, uploader [20]byte) (SignedRef, error) {
	sig, err := signer.Sign([]byte(objectID))
	if err != nil {
		return SignedRef{}, err
	}
	return SignedRef{ManifestObjectID: objectID, Signature: sig, Uploader: uploader}, nil
}
