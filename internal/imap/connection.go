package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
	"github.com/vdavid/mailsync/internal/provider"
)

// connectionRole indicates the purpose of a connection.
type connectionRole int

const (
	// roleWorker indicates a worker connection. There can be multiple worker connections per account.
	roleWorker connectionRole = iota
	// roleListener indicates a listener connection. There can be only one listener connection per account.
	roleListener
)

const dialTimeout = 5 * time.Second

// ConnConfig is everything needed to open an authenticated connection.
type ConnConfig struct {
	Address  string
	Username string
	Password string
	// OAuthToken switches authentication from LOGIN to OAUTHBEARER.
	OAuthToken string
	UseTLS     bool
}

// clientWithMutex wraps an IMAP client with a mutex for thread-safe access.
// Each connection has its own mutex to allow concurrent access to different connections
// while serializing access to the same connection.
type clientWithMutex struct {
	client   *client.Client
	mu       sync.Mutex
	lastUsed time.Time
	role     connectionRole
}

func (c *clientWithMutex) Lock() {
	c.mu.Lock()
}

func (c *clientWithMutex) TryLock() bool {
	return c.mu.TryLock()
}

func (c *clientWithMutex) Unlock() {
	c.mu.Unlock()
}

// GetClient returns the underlying IMAP client. Caller must hold the lock.
func (c *clientWithMutex) GetClient() *client.Client {
	return c.client
}

func (c *clientWithMutex) UpdateLastUsed() {
	c.lastUsed = time.Now()
}

func (c *clientWithMutex) GetLastUsed() time.Time {
	return c.lastUsed
}

// ConnectToIMAP dials the server with a 5-second timeout.
// useTLS: true for production (TLS), false for tests (non-TLS).
func ConnectToIMAP(ctx context.Context, server string, useTLS bool) (*client.Client, error) {
	dialer := &net.Dialer{
		Timeout: dialTimeout,
	}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	if useTLS {
		host, _, err := net.SplitHostPort(server)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", server, err)
		}
		c, err := client.DialWithDialerTLS(dialer, server, &tls.Config{ServerName: host})
		if err != nil {
			return nil, fmt.Errorf("failed to dial with TLS: %w", err)
		}
		return c, nil
	}

	c, err := client.DialWithDialer(dialer, server)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	return c, nil
}

// Login authenticates with LOGIN, or OAUTHBEARER when cfg carries a token.
func Login(c *client.Client, cfg ConnConfig) error {
	if cfg.OAuthToken != "" {
		auth := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: cfg.Username,
			Token:    cfg.OAuthToken,
		})
		if err := c.Authenticate(auth); err != nil {
			return fmt.Errorf("failed to authenticate: %w", err)
		}
		return nil
	}

	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}

	return nil
}

// dial opens and authenticates a connection, classifying failures.
func dial(ctx context.Context, cfg ConnConfig) (*client.Client, error) {
	c, err := ConnectToIMAP(ctx, cfg.Address, cfg.UseTLS)
	if err != nil {
		return nil, provider.Wrap(provider.ErrNetwork, "imap connect", err)
	}

	if err := Login(c, cfg); err != nil {
		_ = c.Logout()
		return nil, provider.Wrap(provider.ErrAuth, "imap login", err)
	}

	return c, nil
}
