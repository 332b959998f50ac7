// Package smtp submits outgoing messages of IMAP accounts.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/vdavid/mailsync/internal/provider"
)

// Security selects how the connection to the submission server is secured.
type Security int

const (
	// StartTLS connects in plain text and upgrades before authenticating (port 587).
	StartTLS Security = iota
	// ImplicitTLS connects over TLS from the start (port 465).
	ImplicitTLS
	// Insecure never upgrades. Only for local test servers.
	Insecure
)

// Config addresses one submission server.
type Config struct {
	Address  string
	Username string
	Password string
	// OAuthToken switches authentication from PLAIN to XOAUTH2-style OAUTHBEARER.
	OAuthToken string
	Security   Security
}

// SecurityFor guesses the security mode from the port of address.
func SecurityFor(address string, insecure bool) Security {
	if insecure {
		return Insecure
	}
	if _, port, err := net.SplitHostPort(address); err == nil && port == "465" {
		return ImplicitTLS
	}
	return StartTLS
}

// Send delivers raw to recipients with from as the envelope sender.
func Send(ctx context.Context, cfg Config, from string, recipients []string, raw []byte) error {
	if len(recipients) == 0 {
		return errors.New("no recipients")
	}

	c, err := dial(ctx, cfg)
	if err != nil {
		return provider.Wrap(provider.ErrNetwork, "smtp dial", err)
	}
	defer c.Close()

	if err := c.Auth(authClient(cfg)); err != nil {
		return provider.Wrap(provider.ErrAuth, "smtp auth", err)
	}

	if err := c.SendMail(from, recipients, bytes.NewReader(raw)); err != nil {
		return classify("smtp send", err)
	}

	if err := c.Quit(); err != nil {
		return provider.Wrap(provider.ErrNetwork, "smtp quit", err)
	}
	return nil
}

// Check connects and authenticates without sending anything.
func Check(ctx context.Context, cfg Config) error {
	c, err := dial(ctx, cfg)
	if err != nil {
		return provider.Wrap(provider.ErrNetwork, "smtp dial", err)
	}
	defer c.Close()

	if err := c.Auth(authClient(cfg)); err != nil {
		return provider.Wrap(provider.ErrAuth, "smtp auth", err)
	}
	return c.Quit()
}

func dial(ctx context.Context, cfg Config) (*smtp.Client, error) {
	host, _, err := net.SplitHostPort(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("invalid smtp address %q: %w", cfg.Address, err)
	}
	tlsConfig := &tls.Config{ServerName: host}

	var d net.Dialer
	switch cfg.Security {
	case ImplicitTLS:
		conn, err := (&tls.Dialer{NetDialer: &d, Config: tlsConfig}).DialContext(ctx, "tcp", cfg.Address)
		if err != nil {
			return nil, err
		}
		return smtp.NewClient(conn), nil
	case Insecure:
		conn, err := d.DialContext(ctx, "tcp", cfg.Address)
		if err != nil {
			return nil, err
		}
		return smtp.NewClient(conn), nil
	default:
		conn, err := d.DialContext(ctx, "tcp", cfg.Address)
		if err != nil {
			return nil, err
		}
		return smtp.NewClientStartTLS(conn, tlsConfig)
	}
}

func authClient(cfg Config) sasl.Client {
	if cfg.OAuthToken != "" {
		return sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: cfg.Username,
			Token:    cfg.OAuthToken,
		})
	}
	return sasl.NewPlainClient("", cfg.Username, cfg.Password)
}

func classify(op string, err error) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		switch {
		case smtpErr.Code == 535 || smtpErr.Code == 530:
			return provider.Wrap(provider.ErrAuth, op, err)
		case smtpErr.Code == 421 || smtpErr.Code == 450 || smtpErr.Code == 451 || smtpErr.Code == 452:
			return provider.Wrap(provider.ErrRateLimited, op, err)
		case smtpErr.Code >= 500:
			return provider.Wrap(provider.ErrUnsupported, op, err)
		}
	}
	return provider.Wrap(provider.ErrNetwork, op, err)
}
