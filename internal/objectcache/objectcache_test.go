package objectcache

import (
	"path/filepath"
	"testing"
)

func TestDigest_Deterministic(t *testing.T) {
	a := Digest([]byte("segment bytes"))
	b := Digest([]byte("segment bytes"))
	if a != b {
		t.Error("Digest must be deterministic for identical input")
	}
	if Digest([]byte("other bytes")) == a {
		t.Error("Digest should differ for different input")
	}
}

func TestStoreLookup_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	cache, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer cache.Close()

	digest := Digest([]byte("segment bytes"))
	if _, found := cache.Lookup(digest); found {
		t.Fatal("expected no entry before Store")
	}

	if err := cache.Store(digest, "object-123"); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	objectID, found := cache.Lookup(digest)
	if !found {
		t.Fatal("expected entry to be found after Store")
	}
	if objectID != "object-123" {
		t.Errorf("got objectID %q, want %q", objectID, "object-123")
	}
}
