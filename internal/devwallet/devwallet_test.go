package devwallet

import (
	"path/filepath"
	"testing"
)

func TestSignVerify_RoundTrip(t *testing.T) {
	w, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	msg := []byte("hello evidence")
	sig, err := w.Sign(msg)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if !w.Verify(msg, sig) {
		t.Error("Verify should succeed for a signature produced by Sign")
	}
	if w.Verify([]byte("tampered"), sig) {
		t.Error("Verify should fail for a different message")
	}
}

func TestSignTypedData_Deterministic(t *testing.T) {
	w, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	sig1, err := w.SignTypedData(DefaultTypedMessage)
	if err != nil {
		t.Fatalf("SignTypedData failed: %v", err)
	}
	sig2, err := w.SignTypedData(DefaultTypedMessage)
	if err != nil {
		t.Fatalf("SignTypedData failed: %v", err)
	}
	if string(sig1) != string(sig2) {
		t.Error("signing the same typed message twice must be deterministic")
	}
}

func TestSaveLoad_Encrypted(t *testing.T) {
	w, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "wallet.json")
	if err := w.Save(path, "correct horse battery staple"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path, "correct horse battery staple")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Address() != w.Address() {
		t.Error("loaded wallet must have the same address as the original")
	}

	_, err = Load(path, "wrong passphrase")
	if err != ErrInvalidPassphrase {
		t.Errorf("expected ErrInvalidPassphrase, got %v", err)
	}
}

func TestSaveLoad_Insecure(t *testing.T) {
	w, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "wallet.json")
	if err := w.Save(path, ""); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Address() != w.Address() {
		t.Error("loaded wallet must have the same address as the original")
	}
}

func TestAddress_DeterministicFromKey(t *testing.T) {
	w, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	a1 := w.Address()
	a2 := w.Address()
	if a1 != a2 {
		t.Error("Address must be deterministic for a fixed wallet")
	}
}
