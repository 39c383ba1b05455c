package securestore

import (
	"path/filepath"
	"testing"

	"github.com/witnessvault/core/internal/keyvault"
)

type record struct {
	Name  string
	Value int
}

func openTestStore(t *testing.T) (*Store, keyvault.PersonalKey) {
	t.Helper()
	key, err := keyvault.DerivePersonalKey([]byte("test-wallet-signature"))
	if err != nil {
		t.Fatalf("DerivePersonalKey failed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "secure.db")
	store, err := Open(path, key)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, key
}

func TestPutGet_RoundTrip(t *testing.T) {
	store, _ := openTestStore(t)

	want := record{Name: "group-alpha", Value: 42}
	if err := store.Put("k1", want); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var got record
	if err := store.Get("k1", &got); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestGet_MissingKey(t *testing.T) {
	store, _ := openTestStore(t)
	var got record
	if err := store.Get("missing", &got); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGet_WrongKeyFailsAuthentication(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secure.db")
	key1, _ := keyvault.DerivePersonalKey([]byte("signature-one"))
	store, err := Open(path, key1)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.Put("k1", record{Name: "x", Value: 1}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	key2, _ := keyvault.DerivePersonalKey([]byte("signature-two"))
	store2, err := Open(path, key2)
	if err != nil {
		t.Fatalf("re-Open failed: %v", err)
	}
	defer store2.Close()

	var got record
	err = store2.Get("k1", &got)
	if err != keyvault.ErrAuthenticationFailed {
		t.Errorf("expected ErrAuthenticationFailed under the wrong PersonalKey, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	store, _ := openTestStore(t)
	_ = store.Put("k1", record{Name: "x", Value: 1})
	if err := store.Delete("k1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	var got record
	if err := store.Get("k1", &got); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after Delete, got %v", err)
	}
}
