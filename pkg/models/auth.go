package models

import "time"

// Token is a session capability handed out by the privileged context.
// Privileged tokens carry the "privileged" policy, restricted tokens only
// the "restricted" one and never grant access to decrypted data.
type Token struct {
	ID          string
	DisplayName string
	Policies    []string
	TTL         time.Duration
	CreatedAt   time.Time
	ExpiresAt   time.Time
	RevokedAt   *time.Time
}

// IsExpired returns true if the token has passed its expiry time.
func (t *Token) IsExpired() bool {
	return !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt)
}

// IsRevoked returns true if the token has been revoked.
func (t *Token) IsRevoked() bool {
	return t.RevokedAt != nil
}
