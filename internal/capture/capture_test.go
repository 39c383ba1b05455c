package capture

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/witnessvault/core/internal/objectcache"
)

type fakeStore struct {
	mu    sync.Mutex
	calls int
	data  map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string][]byte{}}
}

func (f *fakeStore) Put(ctx context.Context, data []byte, hint string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	id := fmt.Sprintf("obj-%d", f.calls)
	f.data[id] = append([]byte{}, data...)
	return id, nil
}

func (f *fakeStore) Get(ctx context.Context, objectID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[objectID]
	if !ok {
		return nil, errors.New("not found")
	}
	return v, nil
}

func TestProcessChunk_ProducesDistinctCiphertextPerCall(t *testing.T) {
	store := newFakeStore()
	contentKey := make([]byte, 32)
	p := New(contentKey, store, nil)

	r1, err := p.ProcessChunk(context.Background(), "session-a", 0, []byte("same bytes"), 1000)
	if err != nil {
		t.Fatalf("ProcessChunk failed: %v", err)
	}
	r2, err := p.ProcessChunk(context.Background(), "session-a", 1, []byte("same bytes"), 1001)
	if err != nil {
		t.Fatalf("ProcessChunk failed: %v", err)
	}

	if r1.PlaintextHash != r2.PlaintextHash {
		t.Error("identical plaintext must hash identically")
	}
	if r1.EncryptedHash == r2.EncryptedHash {
		t.Error("fresh IV per segment must produce distinct ciphertext even for identical plaintext")
	}
	if r1.IV == r2.IV {
		t.Error("IV must not repeat across segments")
	}
	if store.calls != 2 {
		t.Errorf("expected 2 uploads without dedupe, got %d", store.calls)
	}
}

func TestProcessChunk_DedupeSkipsReupload(t *testing.T) {
	store := newFakeStore()
	contentKey := make([]byte, 32)
	cache, err := objectcache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("objectcache.Open failed: %v", err)
	}
	defer cache.Close()

	p := New(contentKey, store, cache)

	r1, err := p.ProcessChunk(context.Background(), "session-a", 0, []byte("same bytes"), 1000)
	if err != nil {
		t.Fatalf("ProcessChunk failed: %v", err)
	}
	r2, err := p.ProcessChunk(context.Background(), "session-a", 1, []byte("same bytes"), 1001)
	if err != nil {
		t.Fatalf("ProcessChunk failed: %v", err)
	}

	if store.calls != 1 {
		t.Errorf("expected dedupe to skip the second upload, got %d calls", store.calls)
	}
	if r1.ObjectID != r2.ObjectID {
		t.Error("dedupe hit should reuse the original objectID")
	}
	if r2.Index != 1 || r2.CapturedAt != 1001 {
		t.Error("dedupe hit must still carry the caller's index and capturedAt")
	}
}

func TestProcessChunk_UploadFailureSurfaced(t *testing.T) {
	contentKey := make([]byte, 32)
	p := New(contentKey, failingStore{}, nil)

	_, err := p.ProcessChunk(context.Background(), "session-a", 0, []byte("data"), 1000)
	if err == nil {
		t.Fatal("expected upload failure to propagate")
	}
}

type failingStore struct{}

func (failingStore) Put(ctx context.Context, data []byte, hint string) (string, error) {
	return "", errors.New("network error")
}
func (failingStore) Get(ctx context.Context, objectID string) ([]byte, error) {
	return nil, errors.New("not found")
}
