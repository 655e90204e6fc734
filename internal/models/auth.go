package models

import "time"

// TokenInfo stores authentication details.
type TokenInfo struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Email     string    `json:"email,omitempty"`
}

// IsExpired checks if the token has expired. A zero expiry never expires.
func (t *TokenInfo) IsExpired() bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(t.ExpiresAt)
}
