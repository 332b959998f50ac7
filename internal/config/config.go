package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment         string
	EncryptionKeyBase64 string
	APIKey              string
	DBHost              string
	DBPort              string
	DBUsername          string
	DBPassword          string
	DBName              string
	DBSSLMode           string
	Port                string

	LogLevel string
	LogFile  string

	SyncInterval         time.Duration
	FlushInterval        time.Duration
	QueueMaxAttempts     int
	QueueBaseBackoff     time.Duration
	QueueMaxBackoff      time.Duration
	DefaultRetentionDays int
	IMAPMaxWorkers       int
	IMAPUseTLS           bool

	GoogleClientID         string
	GoogleClientSecret     string
	GmailRequestsPerSecond float64

	// TokenBackend is "db" (encrypted in Postgres) or "keyring" (OS secret store).
	TokenBackend string
	KeyringDir   string
}

func NewConfig() (*Config, error) {
	env := os.Getenv("MAILSYNC_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	config := &Config{
		Environment:         env,
		EncryptionKeyBase64: os.Getenv("MAILSYNC_ENCRYPTION_KEY_BASE64"),
		APIKey:              os.Getenv("MAILSYNC_API_KEY"),
		DBHost:              getEnvOrDefault("MAILSYNC_DB_HOST", "localhost"),
		DBPort:              getEnvOrDefault("MAILSYNC_DB_PORT", "5432"),
		DBUsername:          getEnvOrDefault("MAILSYNC_DB_USER", "mailsync"),
		DBPassword:          os.Getenv("MAILSYNC_DB_PASSWORD"),
		DBName:              getEnvOrDefault("MAILSYNC_DB_NAME", "mailsync"),
		DBSSLMode:           getEnvOrDefault("MAILSYNC_DB_SSLMODE", "disable"),
		Port:                getEnvOrDefault("PORT", "11764"),
		LogLevel:            getEnvOrDefault("MAILSYNC_LOG_LEVEL", "info"),
		LogFile:             os.Getenv("MAILSYNC_LOG_FILE"),
		GoogleClientID:      os.Getenv("MAILSYNC_GOOGLE_CLIENT_ID"),
		GoogleClientSecret:  os.Getenv("MAILSYNC_GOOGLE_CLIENT_SECRET"),
		TokenBackend:        getEnvOrDefault("MAILSYNC_TOKEN_BACKEND", "db"),
		KeyringDir:          getEnvOrDefault("MAILSYNC_KEYRING_DIR", "~/.config/mailsync/credentials"),
		IMAPUseTLS:          os.Getenv("MAILSYNC_IMAP_INSECURE") != "true",
	}

	var err error
	if config.SyncInterval, err = getDurationOrDefault("MAILSYNC_SYNC_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if config.FlushInterval, err = getDurationOrDefault("MAILSYNC_FLUSH_INTERVAL", 15*time.Second); err != nil {
		return nil, err
	}
	if config.QueueBaseBackoff, err = getDurationOrDefault("MAILSYNC_QUEUE_BASE_BACKOFF", 5*time.Second); err != nil {
		return nil, err
	}
	if config.QueueMaxBackoff, err = getDurationOrDefault("MAILSYNC_QUEUE_MAX_BACKOFF", 10*time.Minute); err != nil {
		return nil, err
	}
	if config.QueueMaxAttempts, err = getIntOrDefault("MAILSYNC_QUEUE_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if config.DefaultRetentionDays, err = getIntOrDefault("MAILSYNC_DEFAULT_RETENTION_DAYS", 90); err != nil {
		return nil, err
	}
	if config.IMAPMaxWorkers, err = getIntOrDefault("MAILSYNC_IMAP_MAX_WORKERS", 3); err != nil {
		return nil, err
	}
	qps, err := strconv.ParseFloat(getEnvOrDefault("MAILSYNC_GMAIL_QPS", "10"), 64)
	if err != nil {
		return nil, fmt.Errorf("MAILSYNC_GMAIL_QPS is not a number: %w", err)
	}
	config.GmailRequestsPerSecond = qps

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("MAILSYNC_ENCRYPTION_KEY_BASE64 is required")
	}

	key, err := base64.StdEncoding.DecodeString(c.EncryptionKeyBase64)
	if err != nil {
		return fmt.Errorf("MAILSYNC_ENCRYPTION_KEY_BASE64 is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return fmt.Errorf("MAILSYNC_ENCRYPTION_KEY_BASE64 must decode to 32 bytes, got %d", len(key))
	}

	if c.DBPassword == "" {
		return fmt.Errorf("MAILSYNC_DB_PASSWORD is required")
	}

	if !isValidPort(c.DBPort) {
		return fmt.Errorf("MAILSYNC_DB_PORT is not a valid port number: %q", c.DBPort)
	}
	if !isValidPort(c.Port) {
		return fmt.Errorf("PORT is not a valid port number: %q", c.Port)
	}

	switch c.TokenBackend {
	case "", "db", "keyring":
	default:
		return fmt.Errorf("MAILSYNC_TOKEN_BACKEND must be \"db\" or \"keyring\", got %q", c.TokenBackend)
	}

	if c.QueueMaxAttempts < 0 {
		return fmt.Errorf("MAILSYNC_QUEUE_MAX_ATTEMPTS must not be negative")
	}

	if c.Environment == "production" && c.APIKey == "" {
		return fmt.Errorf("MAILSYNC_API_KEY is required in production")
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUsername, c.DBPassword),
		Host:     c.DBHost + ":" + c.DBPort,
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
}

func isValidPort(value string) bool {
	port, err := strconv.Atoi(value)
	return err == nil && port >= 1 && port <= 65535
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s is not a valid integer: %w", key, err)
	}
	return parsed, nil
}

func getDurationOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s is not a valid duration: %w", key, err)
	}
	return parsed, nil
}
