package models

import (
	"time"
)

// ProviderKind identifies the wire protocol an account is synced through.
type ProviderKind string

const (
	ProviderGmail ProviderKind = "gmail"
	ProviderIMAP  ProviderKind = "imap"
	ProviderJMAP  ProviderKind = "jmap"
)

// Valid reports whether k is one of the supported provider kinds.
func (k ProviderKind) Valid() bool {
	switch k {
	case ProviderGmail, ProviderIMAP, ProviderJMAP:
		return true
	}
	return false
}

// AuthMethod selects how IMAP and SMTP connections authenticate.
type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthOAuth2   AuthMethod = "oauth2"
)

// Account is a remote mailbox mirrored into the local cache.
// Secrets are never stored here, only a reference the token store resolves.
type Account struct {
	ID             string       `json:"id"`
	Provider       ProviderKind `json:"provider"`
	Email          string       `json:"email"`
	DisplayName    string       `json:"display_name"`
	CredentialsRef string       `json:"-"`
	AuthMethod     AuthMethod   `json:"auth_method"`
	IMAPServer     string       `json:"imap_server,omitempty"`
	IMAPUsername   string       `json:"imap_username,omitempty"`
	SMTPServer     string       `json:"smtp_server,omitempty"`
	JMAPSessionURL string       `json:"jmap_session_url,omitempty"`
	RetentionDays  int          `json:"retention_days"`
	NeedsReauth    bool         `json:"needs_reauth"`
	CreatedAt      time.Time    `json:"created_at"`
}

// SyncCursor is the last applied position for one object type of an account.
type SyncCursor struct {
	AccountID  string    `json:"account_id"`
	ObjectType string    `json:"object_type"`
	State      string    `json:"state"`
	UpdatedAt  time.Time `json:"updated_at"`
}
