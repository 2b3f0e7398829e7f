// Package auth issues the session tokens that gate the HTTP API.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/org/piiguard/internal/crypto"
	"github.com/org/piiguard/internal/errs"
	"github.com/org/piiguard/pkg/models"
)

const tokenPrefix = "pgt_"

// TokenService keeps tokens in memory, indexed by the digest of their
// plaintext. Tokens never outlive the process.
type TokenService struct {
	mu     sync.RWMutex
	tokens map[string]*models.Token
	now    func() time.Time
}

// NewTokenService creates an empty TokenService.
func NewTokenService() *TokenService {
	return &TokenService{
		tokens: make(map[string]*models.Token),
		now:    time.Now,
	}
}

// CreateToken issues a token. The plaintext is returned once and never stored.
func (s *TokenService) CreateToken(displayName string, policies []string, ttl time.Duration) (*models.Token, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generating token: %w", err)
	}
	plaintext := tokenPrefix + base64.RawURLEncoding.EncodeToString(raw)

	now := s.now().UTC()
	t := &models.Token{
		ID:          uuid.NewString(),
		DisplayName: displayName,
		Policies:    policies,
		TTL:         ttl,
		CreatedAt:   now,
	}
	if ttl > 0 {
		t.ExpiresAt = now.Add(ttl)
	}

	s.mu.Lock()
	s.prune()
	s.tokens[HashToken(plaintext)] = t
	s.mu.Unlock()
	return t, plaintext, nil
}

// ValidateToken looks up a token by its plaintext value.
func (s *TokenService) ValidateToken(plaintext string) (*models.Token, error) {
	s.mu.RLock()
	t, ok := s.tokens[HashToken(plaintext)]
	s.mu.RUnlock()
	switch {
	case !ok:
		return nil, fmt.Errorf("%w: invalid token", errs.ErrAuthentication)
	case t.IsRevoked():
		return nil, fmt.Errorf("%w: token has been revoked", errs.ErrAuthentication)
	case !t.ExpiresAt.IsZero() && s.now().After(t.ExpiresAt):
		return nil, fmt.Errorf("%w: token has expired", errs.ErrAuthentication)
	}
	return t, nil
}

// RevokeToken revokes a token by ID.
func (s *TokenService) RevokeToken(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.ID == id {
			s.revoke(t)
			return nil
		}
	}
	return fmt.Errorf("%w: unknown token", errs.ErrValidation)
}

// RevokePolicy revokes every live token carrying policy and returns how many.
func (s *TokenService) RevokePolicy(policy string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tokens {
		if t.IsRevoked() {
			continue
		}
		for _, p := range t.Policies {
			if p == policy {
				s.revoke(t)
				n++
				break
			}
		}
	}
	return n
}

// Prune forgets revoked and expired tokens and returns how many. CreateToken
// prunes too, so the map only grows with live tokens.
func (s *TokenService) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prune()
}

func (s *TokenService) prune() int {
	now := s.now()
	n := 0
	for h, t := range s.tokens {
		if t.IsRevoked() || (!t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)) {
			delete(s.tokens, h)
			n++
		}
	}
	return n
}

func (s *TokenService) revoke(t *models.Token) {
	at := s.now().UTC()
	t.RevokedAt = &at
}

// HashToken returns the digest under which a plaintext token is indexed.
func HashToken(plaintext string) string {
	return crypto.DigestHex(plaintext)
}
