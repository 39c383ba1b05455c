package objectstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "objects.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGet_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	data := []byte("ciphertext segment bytes")
	id, err := s.Put(ctx, data, "hint")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("got %q, want %q", got, data)
	}
}

func TestPut_IsContentAddressed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	data := []byte("identical bytes")
	id1, err := s.Put(ctx, data, "a")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	id2, err := s.Put(ctx, data, "b")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected identical objectIDs, got %s and %s", id1, id2)
	}
}

func TestGet_MissingObject(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Get(context.Background(), "deadbeef"); err == nil {
		t.Fatal("expected error for missing object")
	}
}

func TestGC_RemovesOldObjects(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Put(ctx, []byte("old object"), "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	removed, err := s.GC(-1 * time.Second)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := s.Get(ctx, id); err == nil {
		t.Fatal("expected object to be gone after GC")
	}
}
