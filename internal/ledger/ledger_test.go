package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type counterClient struct {
	mu       sync.Mutex
	attempts int
	failFor  int
}

func (c *counterClient) SubmitUpdate(ctx context.Context, sessionID [16]byte, root [32]byte, manifestRef string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.attempts <= c.failFor {
		return "", errors.New("transient failure")
	}
	return "tx-ok", nil
}

func (c *counterClient) WaitForInclusion(ctx context.Context, txID string) (InclusionStatus, error) {
	return StatusSuccess, nil
}

func TestSubmitWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	client := &counterClient{failFor: 2}
	txID, err := SubmitWithRetry(context.Background(), client, [16]byte{}, [32]byte{}, "")
	if err != nil {
		t.Fatalf("SubmitWithRetry failed: %v", err)
	}
	if txID != "tx-ok" {
		t.Errorf("got txID %q, want tx-ok", txID)
	}
	if client.attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", client.attempts)
	}
}

func TestSubmitWithRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	client := &counterClient{failFor: 100}
	_, err := SubmitWithRetry(context.Background(), client, [16]byte{}, [32]byte{}, "")
	if err == nil {
		t.Fatal("expected failure after exhausting retries")
	}
	if client.attempts != MaxSubmitAttempts {
		t.Errorf("expected %d attempts, got %d", MaxSubmitAttempts, client.attempts)
	}
}

func TestFakeClient_RecordsSubmissions(t *testing.T) {
	fake := NewFakeClient()
	sessionID := [16]byte{1, 2, 3}
	root := [32]byte{4, 5, 6}

	txID, err := fake.SubmitUpdate(context.Background(), sessionID, root, "manifest-ref")
	if err != nil {
		t.Fatalf("SubmitUpdate failed: %v", err)
	}
	if len(fake.Submitted) != 1 {
		t.Fatalf("expected 1 recorded submission, got %d", len(fake.Submitted))
	}
	if fake.Submitted[0].TxID != txID {
		t.Errorf("recorded txID %q does not match returned %q", fake.Submitted[0].TxID, txID)
	}

	fake.SetStatus(txID, StatusReverted)
	status, err := fake.WaitForInclusion(context.Background(), txID)
	if err != nil {
		t.Fatalf("WaitForInclusion failed: %v", err)
	}
	if status != StatusReverted {
		t.Errorf("got status %v, want reverted", status)
	}
}

func TestFakeClient_DefaultsToSuccess(t *testing.T) {
	fake := NewFakeClient()
	status, err := fake.WaitForInclusion(context.Background(), "unknown-tx")
	if err != nil {
		t.Fatalf("WaitForInclusion failed: %v", err)
	}
	if status != StatusSuccess {
		t.Errorf("got status %v, want success for unprogrammed txID", status)
	}
}
