package config

import (
	"net/url"
	"strings"
	"testing"
	"time"
)

const testKey = "dGVzdC1rZXktMTIzNDU2Nzg5MDEyMzQ1Njc4OTAxMjM="

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("MAILSYNC_ENV", "production")
	t.Setenv("MAILSYNC_ENCRYPTION_KEY_BASE64", testKey)
	t.Setenv("MAILSYNC_DB_PASSWORD", "test-password")
	t.Setenv("MAILSYNC_API_KEY", "secret-api-key")
}

func TestNewConfig(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MAILSYNC_DB_HOST", "db.internal")
	t.Setenv("MAILSYNC_DB_PORT", "6543")
	t.Setenv("MAILSYNC_DB_USER", "test-user")
	t.Setenv("MAILSYNC_DB_NAME", "testdb")
	t.Setenv("PORT", "3000")
	t.Setenv("MAILSYNC_SYNC_INTERVAL", "90s")
	t.Setenv("MAILSYNC_QUEUE_MAX_ATTEMPTS", "5")
	t.Setenv("MAILSYNC_TOKEN_BACKEND", "keyring")
	t.Setenv("MAILSYNC_GMAIL_QPS", "2.5")

	config, err := NewConfig()
	if err != nil {
		t.Fatalf("NewConfig() returned error: %v", err)
	}

	if config.Environment != "production" {
		t.Errorf("expected Environment 'production', got '%s'", config.Environment)
	}
	if config.DBHost != "db.internal" {
		t.Errorf("expected DBHost 'db.internal', got '%s'", config.DBHost)
	}
	if config.DBPort != "6543" {
		t.Errorf("expected DBPort '6543', got '%s'", config.DBPort)
	}
	if config.DBUsername != "test-user" {
		t.Errorf("expected DBUsername 'test-user', got '%s'", config.DBUsername)
	}
	if config.DBName != "testdb" {
		t.Errorf("expected DBName 'testdb', got '%s'", config.DBName)
	}
	if config.Port != "3000" {
		t.Errorf("expected Port '3000', got '%s'", config.Port)
	}
	if config.SyncInterval != 90*time.Second {
		t.Errorf("expected SyncInterval 90s, got %v", config.SyncInterval)
	}
	if config.QueueMaxAttempts != 5 {
		t.Errorf("expected QueueMaxAttempts 5, got %d", config.QueueMaxAttempts)
	}
	if config.TokenBackend != "keyring" {
		t.Errorf("expected TokenBackend 'keyring', got '%s'", config.TokenBackend)
	}
	if config.GmailRequestsPerSecond != 2.5 {
		t.Errorf("expected GmailRequestsPerSecond 2.5, got %v", config.GmailRequestsPerSecond)
	}
}

func TestNewConfigWithDefaults(t *testing.T) {
	setRequiredEnv(t)

	config, err := NewConfig()
	if err != nil {
		t.Fatalf("NewConfig() returned error: %v", err)
	}

	if config.DBHost != "localhost" {
		t.Errorf("expected default DBHost 'localhost', got '%s'", config.DBHost)
	}
	if config.Port != "11764" {
		t.Errorf("expected default Port '11764', got '%s'", config.Port)
	}
	if config.SyncInterval != 5*time.Minute {
		t.Errorf("expected default SyncInterval 5m, got %v", config.SyncInterval)
	}
	if config.QueueMaxAttempts != 3 {
		t.Errorf("expected default QueueMaxAttempts 3, got %d", config.QueueMaxAttempts)
	}
	if config.DefaultRetentionDays != 90 {
		t.Errorf("expected default DefaultRetentionDays 90, got %d", config.DefaultRetentionDays)
	}
	if config.TokenBackend != "db" {
		t.Errorf("expected default TokenBackend 'db', got '%s'", config.TokenBackend)
	}
	if !config.IMAPUseTLS {
		t.Error("expected IMAPUseTLS to default to true")
	}
}

func TestNewConfigInvalidDuration(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MAILSYNC_FLUSH_INTERVAL", "soon")

	_, err := NewConfig()
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "MAILSYNC_FLUSH_INTERVAL") {
		t.Errorf("expected error to name the variable, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Environment:         "production",
			EncryptionKeyBase64: testKey,
			APIKey:              "k",
			DBPassword:          "pw",
			DBPort:              "5432",
			Port:                "11764",
			TokenBackend:        "db",
		}
	}

	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantError string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "missing encryption key", mutate: func(c *Config) { c.EncryptionKeyBase64 = "" }, wantError: "MAILSYNC_ENCRYPTION_KEY_BASE64 is required"},
		{name: "invalid base64 key", mutate: func(c *Config) { c.EncryptionKeyBase64 = "not base64!!" }, wantError: "not valid base64"},
		{name: "short key", mutate: func(c *Config) { c.EncryptionKeyBase64 = "c2hvcnQ=" }, wantError: "must decode to 32 bytes"},
		{name: "missing db password", mutate: func(c *Config) { c.DBPassword = "" }, wantError: "MAILSYNC_DB_PASSWORD is required"},
		{name: "invalid db port", mutate: func(c *Config) { c.DBPort = "abc" }, wantError: "MAILSYNC_DB_PORT"},
		{name: "port out of range", mutate: func(c *Config) { c.Port = "70000" }, wantError: "PORT is not a valid port"},
		{name: "unknown token backend", mutate: func(c *Config) { c.TokenBackend = "vault" }, wantError: "MAILSYNC_TOKEN_BACKEND"},
		{name: "missing api key in production", mutate: func(c *Config) { c.APIKey = "" }, wantError: "MAILSYNC_API_KEY is required"},
		{name: "api key optional in development", mutate: func(c *Config) { c.APIKey = ""; c.Environment = "development" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantError == "" {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantError)
			}
			if !strings.Contains(err.Error(), tt.wantError) {
				t.Errorf("expected error containing %q, got %q", tt.wantError, err.Error())
			}
		})
	}
}

func TestGetDatabaseURL(t *testing.T) {
	c := Config{
		DBHost:     "localhost",
		DBPort:     "5432",
		DBUsername: "user@corp",
		DBPassword: "p@ss:w/rd",
		DBName:     "mailsync",
		DBSSLMode:  "disable",
	}

	raw := c.GetDatabaseURL()
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("GetDatabaseURL() produced an unparsable URL %q: %v", raw, err)
	}

	if parsed.User.Username() != "user@corp" {
		t.Errorf("expected username 'user@corp', got %q", parsed.User.Username())
	}
	if pw, _ := parsed.User.Password(); pw != "p@ss:w/rd" {
		t.Errorf("expected password to round-trip, got %q", pw)
	}
	if parsed.Host != "localhost:5432" {
		t.Errorf("expected host 'localhost:5432', got %q", parsed.Host)
	}
	if parsed.Query().Get("sslmode") != "disable" {
		t.Errorf("expected sslmode=disable, got %q", parsed.RawQuery)
	}
}
