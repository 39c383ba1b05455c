package manifest

import (
	"crypto/sha256"
	"encoding/json"
	"testing"
)

func sessionFixture() ([16]byte, [20]byte, [][32]byte) {
	var sessionID [16]byte
	copy(sessionID[:], []byte("sessionid-1234567"))
	var uploader [20]byte
	copy(uploader[:], []byte("uploader-wallet-addr"))
	g1 := sha256.Sum256([]byte("group-a"))
	g2 := sha256.Sum256([]byte("group-b"))
	return sessionID, uploader, [][32]byte{g1, g2}
}

func TestAddSegment_EnforcesMonotoneIndex(t *testing.T) {
	sessionID, uploader, groups := sessionFixture()
	m := New(sessionID, uploader, groups, nil)

	if err := m.AddSegment(SegmentRecord{Index: 0}); err != nil {
		t.Fatalf("AddSegment(0) failed: %v", err)
	}
	if err := m.AddSegment(SegmentRecord{Index: 2}); err != ErrInvalidSequence {
		t.Errorf("expected ErrInvalidSequence for an out-of-order index, got %v", err)
	}
	if err := m.AddSegment(SegmentRecord{Index: 1}); err != nil {
		t.Fatalf("AddSegment(1) failed: %v", err)
	}
}

func TestFinalize_RejectsFurtherMutation(t *testing.T) {
	sessionID, uploader, groups := sessionFixture()
	m := New(sessionID, uploader, groups, nil)
	_ = m.AddSegment(SegmentRecord{Index: 0})
	m.Finalize()

	if err := m.AddSegment(SegmentRecord{Index: 1}); err != ErrSessionClosed {
		t.Errorf("expected ErrSessionClosed after Finalize, got %v", err)
	}
	if err := m.SetMerkleRoot([32]byte{}); err != ErrSessionClosed {
		t.Errorf("expected ErrSessionClosed for SetMerkleRoot after Finalize, got %v", err)
	}
	if !m.Finalized() {
		t.Error("Finalized() should report true after Finalize")
	}
}

func TestCanonicalJSON_Deterministic(t *testing.T) {
	sessionID, uploader, groups := sessionFixture()

	build := func() *Manifest {
		m := New(sessionID, uploader, groups, map[[32]byte]WrappedKey{
			groups[0]: {IV: []byte("iv-bytes-12-"), Ciphertext: []byte("ciphertext")},
		})
		_ = m.AddSegment(SegmentRecord{
			Index:         0,
			ObjectID:      "obj-0",
			Size:          128,
			PlaintextHash: sha256.Sum256([]byte("p0")),
			EncryptedHash: sha256.Sum256([]byte("e0")),
			CapturedAt:    1000,
			UploadedAt:    1001,
		})
		_ = m.SetMerkleRoot(sha256.Sum256([]byte("root")))
		m.Finalize()
		return m
	}

	m1 := build()
	m2 := build()

	j1, err := m1.CanonicalJSON()
	if err != nil {
		t.Fatalf("CanonicalJSON failed: %v", err)
	}
	j2, err := m2.CanonicalJSON()
	if err != nil {
		t.Fatalf("CanonicalJSON failed: %v", err)
	}
	if string(j1) != string(j2) {
		t.Error("two semantically identical manifests must serialize byte-identically")
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(j1, &decoded); err != nil {
		t.Fatalf("canonical JSON did not parse: %v", err)
	}
	if decoded["version"] != "1" {
		t.Errorf("expected version \"1\", got %v", decoded["version"])
	}
}

type fakeSigner struct{ sig []byte }

func (f fakeSigner) Sign(message []byte) ([]byte, error) { return f.sig, nil }

func TestSignManifestRef(t *testing.T) {
	_, uploader, _ := sessionFixture()
	signer := fakeSigner{sig: []byte("deadbeef")}

	ref, err := SignManifestRef(signer, "manifest-object-id", uploader)
	if err != nil {
		t.Fatalf("SignManifestRef failed: %v", err)
	}
	if ref.ManifestObjectID != "manifest-object-id" {
		t.Errorf("unexpected ManifestObjectID: %s", ref.ManifestObjectID)
	}
	if string(ref.Signature) != "deadbeef" {
		t.Errorf("unexpected signature: %s", ref.Signature)
	}
}
