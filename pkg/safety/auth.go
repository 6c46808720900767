package safety

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/kilnlabs/kiln/pkg/types"
)

// TokenStore manages auth tokens for gated tools
type TokenStore struct {
	tokens map[string]*AuthToken
	mu     sync.RWMutex
}

// AuthToken grants its holder the listed scopes. A zero ExpiresAt
// never expires.
type AuthToken struct {
	Token     string
	Scopes    []string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// NewTokenStore creates an empty token store
func NewTokenStore() *TokenStore {
	return &TokenStore{
		tokens: make(map[string]*AuthToken),
	}
}

// Seed installs a caller-supplied token, typically from AUTH_TOKEN at
// boot. Seeded tokens do not expire.
func (s *TokenStore) Seed(token string, scopes ...string) {
	if token == "" {
		return
	}
	if len(scopes) == 0 {
		scopes = []string{"*"}
	}
	s.mu.Lock()
	s.tokens[token] = &AuthToken{
		Token:     token,
		Scopes:    scopes,
		CreatedAt: time.Now(),
	}
	s.mu.Unlock()
}

// Issue mints a new random token with the given scopes and lifetime.
// A non-positive duration issues a token that never expires.
func (s *TokenStore) Issue(scopes []string, duration time.Duration) (*AuthToken, error) {
	token, err := randomToken()
	if err != nil {
		return nil, err
	}

	at := &AuthToken{
		Token:     token,
		Scopes:    scopes,
		CreatedAt: time.Now(),
	}
	if duration > 0 {
		at.ExpiresAt = at.CreatedAt.Add(duration)
	}

	s.mu.Lock()
	s.tokens[token] = at
	s.mu.Unlock()

	return at, nil
}

// Validate checks that a presented token exists, has not expired, and
// carries the required scope.
func (s *TokenStore) Validate(token, scope string) error {
	if token == "" {
		return types.NewError(types.CodeAuthError, "authentication required")
	}

	s.mu.RLock()
	at, exists := s.tokens[token]
	s.mu.RUnlock()

	if !exists {
		return types.NewError(types.CodeInvalidToken, "unrecognized token")
	}
	if !at.ExpiresAt.IsZero() && time.Now().After(at.ExpiresAt) {
		return types.NewError(types.CodeTokenExpired, "token expired at %s", at.ExpiresAt.Format(time.RFC3339))
	}
	for _, sc := range at.Scopes {
		if sc == "*" || sc == scope {
			return nil
		}
	}
	return types.NewError(types.CodeAuthError, "token lacks the %q scope", scope)
}

// Revoke removes a token
func (s *TokenStore) Revoke(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

// CleanupExpired removes expired tokens
func (s *TokenStore) CleanupExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for token, at := range s.tokens {
		if !at.ExpiresAt.IsZero() && now.After(at.ExpiresAt) {
			delete(s.tokens, token)
		}
	}
}

// randomToken returns 32 bytes of crypto randomness as hex; the same
// generator backs confirmation tokens.
func randomToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}
