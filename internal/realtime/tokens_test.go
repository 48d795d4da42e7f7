package realtime

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryTokenStoreIssueVerifyRevoke(t *testing.T) {
	t.Parallel()

	s := NewMemoryTokenStore()
	ctx := context.Background()

	tok, err := s.Issue("client-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	clientID, err := s.Verify(ctx, tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if clientID != "client-1" {
		t.Fatalf("Verify returned %q, want client-1", clientID)
	}

	s.Revoke(tok)
	if _, err := s.Verify(ctx, tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after revoke, got %v", err)
	}
}

func TestMemoryTokenStoreRotationKeepsOldValid(t *testing.T) {
	t.Parallel()

	s := NewMemoryTokenStore()
	ctx := context.Background()

	old, err := s.Issue("client-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	fresh, err := s.Issue("client-1")
	if err != nil {
		t.Fatalf("Issue (rotate): %v", err)
	}
	if old == fresh {
		t.Fatalf("rotation returned the same token")
	}

	for _, tok := range []string{old, fresh} {
		if _, err := s.Verify(ctx, tok); err != nil {
			t.Fatalf("Verify(%q): %v", tok, err)
		}
	}
}

func TestMemoryTokenStoreVerifyEmpty(t *testing.T) {
	t.Parallel()

	s := NewMemoryTokenStore()
	if _, err := s.Verify(context.Background(), ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
