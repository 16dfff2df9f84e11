package models

import "time"

// DefaultTokenDescription is attached to tokens issued by the login flow.
const DefaultTokenDescription = "Login token"

// Token is a persisted bearer credential. Token holds the signed string the
// client presents; ID is assigned at creation and stays stable across reads.
// IsActive starts true and is flipped to false exactly once on revocation.
type Token struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Token       string     `json:"token"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	LastUsed    *time.Time `json:"last_used"`
	Description string     `json:"description"`
}
