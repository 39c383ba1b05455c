package keyvault

import (
	"bytes"
	"testing"
)

func TestDerivePersonalKey_Deterministic(t *testing.T) {
	sig := []byte("wallet-signature-bytes-not-really-ed25519-shaped")

	k1, err := DerivePersonalKey(sig)
	if err != nil {
		t.Fatalf("DerivePersonalKey failed: %v", err)
	}
	k2, err := DerivePersonalKey(sig)
	if err != nil {
		t.Fatalf("DerivePersonalKey failed: %v", err)
	}

	if !bytes.Equal(k1.Bytes(), k2.Bytes()) {
		t.Error("same signature should derive the same PersonalKey")
	}
	if len(k1.Bytes()) != keySize {
		t.Errorf("expected %d-byte key, got %d", keySize, len(k1.Bytes()))
	}
}

func TestDerivePersonalKey_DifferentSignatures(t *testing.T) {
	k1, err := DerivePersonalKey([]byte("signature-a"))
	if err != nil {
		t.Fatalf("DerivePersonalKey failed: %v", err)
	}
	k2, err := DerivePersonalKey([]byte("signature-b"))
	if err != nil {
		t.Fatalf("DerivePersonalKey failed: %v", err)
	}
	if bytes.Equal(k1.Bytes(), k2.Bytes()) {
		t.Error("different signatures must not derive the same PersonalKey")
	}
}

func TestGenerateGroupSecret_DeriveGroupID(t *testing.T) {
	secret, err := GenerateGroupSecret()
	if err != nil {
		t.Fatalf("GenerateGroupSecret failed: %v", err)
	}
	if len(secret) != 32 {
		t.Errorf("expected 32-byte group secret, got %d", len(secret))
	}

	id1 := DeriveGroupID(secret)
	id2 := DeriveGroupID(secret)
	if id1 != id2 {
		t.Error("DeriveGroupID must be deterministic over the same secret")
	}

	other, err := GenerateGroupSecret()
	if err != nil {
		t.Fatalf("GenerateGroupSecret failed: %v", err)
	}
	if DeriveGroupID(other) == id1 {
		t.Error("distinct group secrets must not collide on groupId")
	}
}

func TestWrapUnwrapContentKey_RoundTrip(t *testing.T) {
	groupSecret, err := GenerateGroupSecret()
	if err != nil {
		t.Fatalf("GenerateGroupSecret failed: %v", err)
	}
	contentKey, err := GenerateContentKey()
	if err != nil {
		t.Fatalf("GenerateContentKey failed: %v", err)
	}

	wrapped, err := WrapContentKey(contentKey, groupSecret)
	if err != nil {
		t.Fatalf("WrapContentKey failed: %v", err)
	}

	unwrapped, err := UnwrapContentKey(wrapped, groupSecret)
	if err != nil {
		t.Fatalf("UnwrapContentKey failed: %v", err)
	}
	if !bytes.Equal(unwrapped, contentKey) {
		t.Error("unwrapped content key does not match the original")
	}
}

func TestUnwrapContentKey_WrongGroupFails(t *testing.T) {
	groupSecret, _ := GenerateGroupSecret()
	wrongSecret, _ := GenerateGroupSecret()
	contentKey, _ := GenerateContentKey()

	wrapped, err := WrapContentKey(contentKey, groupSecret)
	if err != nil {
		t.Fatalf("WrapContentKey failed: %v", err)
	}

	_, err = UnwrapContentKey(wrapped, wrongSecret)
	if err == nil {
		t.Fatal("expected unwrap to fail under the wrong group secret")
	}
	if err != ErrAuthenticationFailed {
		t.Errorf("expected the single opaque AuthenticationFailed error, got %v", err)
	}
}

func TestDeriveSegmentSubkey_VariesByIndex(t *testing.T) {
	contentKey, _ := GenerateContentKey()

	k0, err := DeriveSegmentSubkey(contentKey, 0)
	if err != nil {
		t.Fatalf("DeriveSegmentSubkey failed: %v", err)
	}
	k1, err := DeriveSegmentSubkey(contentKey, 1)
	if err != nil {
		t.Fatalf("DeriveSegmentSubkey failed: %v", err)
	}
	if bytes.Equal(k0, k1) {
		t.Error("subkeys for distinct segment indices must differ")
	}

	k0Again, err := DeriveSegmentSubkey(contentKey, 0)
	if err != nil {
		t.Fatalf("DeriveSegmentSubkey failed: %v", err)
	}
	if !bytes.Equal(k0, k0Again) {
		t.Error("subkey derivation must be deterministic for a given index")
	}
}
