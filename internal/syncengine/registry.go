package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vdavid/mailsync/internal/credentials"
	"github.com/vdavid/mailsync/internal/gmail"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/jmap"
	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"github.com/vdavid/mailsync/internal/smtp"
	"go.uber.org/zap"
)

// ErrUnknownProvider is returned for accounts whose provider kind has no adapter.
var ErrUnknownProvider = errors.New("unknown provider kind")

type RegistryConfig struct {
	Creds credentials.TokenStore
	// Guard refreshes OAuth tokens of Gmail and JMAP accounts.
	Guard    *credentials.TokenGuard
	IMAPPool *imap.Pool
	// IMAPInsecure disables TLS for IMAP and SMTP, for local servers.
	IMAPInsecure bool
	GmailQPS     float64
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Registry owns one adapter per account, created on first use.
type Registry struct {
	cfg RegistryConfig

	mu      sync.Mutex
	clients map[string]provider.Provider
}

func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{cfg: cfg, clients: make(map[string]provider.Provider)}
}

// Get returns the account's adapter, creating it if needed.
func (r *Registry) Get(ctx context.Context, account *models.Account) (provider.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.clients[account.ID]; ok {
		return p, nil
	}
	p, err := r.newProvider(ctx, account)
	if err != nil {
		return nil, err
	}
	r.clients[account.ID] = p
	return p, nil
}

func (r *Registry) newProvider(ctx context.Context, account *models.Account) (provider.Provider, error) {
	switch account.Provider {
	case models.ProviderGmail:
		a, err := gmail.NewAdapter(ctx, gmail.Config{
			Account: account,
			Guard:   r.cfg.Guard,
			QPS:     r.cfg.GmailQPS,
			Logger:  r.cfg.Logger,
			Metrics: r.cfg.Metrics,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	case models.ProviderIMAP:
		return imap.NewAdapter(imap.Config{
			Account:      account,
			Creds:        r.cfg.Creds,
			Pool:         r.cfg.IMAPPool,
			UseTLS:       !r.cfg.IMAPInsecure,
			SMTPSecurity: smtp.SecurityFor(account.SMTPServer, r.cfg.IMAPInsecure),
			Logger:       r.cfg.Logger,
			Metrics:      r.cfg.Metrics,
		}), nil
	case models.ProviderJMAP:
		return jmap.NewAdapter(jmap.Config{
			Account: account,
			Store:   r.cfg.Creds,
			Guard:   r.cfg.Guard,
			Logger:  r.cfg.Logger,
			Metrics: r.cfg.Metrics,
		}), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, account.Provider)
	}
}

// Evict closes and forgets the adapter of an account, for example after its
// credentials changed or it was removed.
func (r *Registry) Evict(accountID string) {
	r.mu.Lock()
	p, ok := r.clients[accountID]
	delete(r.clients, accountID)
	r.mu.Unlock()

	if ok {
		if err := p.Close(); err != nil {
			r.cfg.Logger.Warn("failed to close adapter", zap.String("account_id", accountID), zap.Error(err))
		}
	}
}

// Close closes every adapter.
func (r *Registry) Close() {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]provider.Provider)
	r.mu.Unlock()

	for id, p := range clients {
		if err := p.Close(); err != nil {
			r.cfg.Logger.Warn("failed to close adapter", zap.String("account_id", id), zap.Error(err))
		}
	}
}

// Put registers p for an account, replacing any existing adapter. Used by tests and
// callers that construct adapters themselves.
func (r *Registry) Put(accountID string, p provider.Provider) {
	r.mu.Lock()
	old := r.clients[accountID]
	r.clients[accountID] = p
	r.mu.Unlock()
	if old != nil && old != p {
		_ = old.Close()
	}
}
