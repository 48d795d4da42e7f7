package realtime

import (
	"context"
	"errors"
	"sync"
)

// ErrInvalidToken marks a token that is missing, expired, or revoked.
// The reason is intentionally indistinguishable to avoid token probing.
var ErrInvalidToken = errors.New("realtime: invalid token")

// TokenVerifier is the authentication boundary for the gateway and the HTTP
// API: it maps an opaque bearer token to the owning client identity.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (clientID string, err error)
}

// MemoryTokenStore issues and verifies opaque bearer tokens in memory.
// Tokens are random, never derived from the client id.
type MemoryTokenStore struct {
	mu      sync.Mutex
	byToken map[string]string
}

// NewMemoryTokenStore constructs an empty token store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{byToken: make(map[string]string)}
}

// Issue mints a fresh token for clientID. Previously issued tokens stay
// valid until revoked; a client rotating its token holds two briefly.
func (s *MemoryTokenStore) Issue(clientID string) (string, error) {
	if clientID == "" {
		return "", errors.New("realtime: missing client id")
	}

	token := NewRandomHex(24)
	if token == "" {
		return "", errors.New("realtime: token generation failed")
	}

	s.mu.Lock()
	s.byToken[token] = clientID
	s.mu.Unlock()
	return token, nil
}

// Revoke invalidates one token (idempotent).
func (s *MemoryTokenStore) Revoke(token string) {
	s.mu.Lock()
	delete(s.byToken, token)
	s.mu.Unlock()
}

// Verify resolves token to its client id or returns ErrInvalidToken.
func (s *MemoryTokenStore) Verify(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}

	s.mu.Lock()
	clientID, ok := s.byToken[token]
	s.mu.Unlock()

	if !ok {
		return "", ErrInvalidToken
	}
	return clientID, nil
}
