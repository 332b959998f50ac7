// Package credentials stores the secrets adapters authenticate with: IMAP and SMTP
// passwords, and OAuth tokens for Gmail, JMAP and XOAUTH2 IMAP accounts.
package credentials

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no credentials are stored for an account.
var ErrNotFound = errors.New("credentials not found")

// Credentials are the secrets of one account. Password accounts leave the token
// fields empty and token accounts leave Password empty.
type Credentials struct {
	Username     string    `json:"username,omitempty"`
	Password     string    `json:"password,omitempty"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// ExpiresWithin reports whether the access token expires within d of now.
// A zero ExpiresAt never expires.
func (c *Credentials) ExpiresWithin(d time.Duration, now time.Time) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return c.ExpiresAt.Sub(now) < d
}

// TokenStore reads and writes account credentials.
type TokenStore interface {
	Get(ctx context.Context, accountID string) (*Credentials, error)
	Put(ctx context.Context, accountID string, creds *Credentials) error
}
