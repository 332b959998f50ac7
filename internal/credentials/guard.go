package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/vdavid/mailsync/internal/accountlock"
	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/provider"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// DefaultRefreshThreshold is how long before expiry an access token is refreshed.
const DefaultRefreshThreshold = 300 * time.Second

// TokenGuard hands out valid OAuth access tokens. Concurrent callers for one account share
// a single refresh, and every refresh re-reads the store first so a caller that arrives
// after another refresh finished uses the stored token instead of refreshing again.
type TokenGuard struct {
	store     TokenStore
	oauth     *oauth2.Config
	threshold time.Duration
	now       func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Metrics

	flights singleflight.Group
	locks   *accountlock.Locks
}

type GuardConfig struct {
	Store TokenStore
	// OAuth refreshes tokens. Nil makes stored tokens static.
	OAuth     *oauth2.Config
	Threshold time.Duration
	Now       func() time.Time
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

func NewTokenGuard(cfg GuardConfig) *TokenGuard {
	g := &TokenGuard{
		store:     cfg.Store,
		oauth:     cfg.OAuth,
		threshold: cfg.Threshold,
		now:       cfg.Now,
		logger:    cfg.Logger.Named("token_guard"),
		metrics:   cfg.Metrics,
		locks:     accountlock.New(),
	}
	if g.threshold <= 0 {
		g.threshold = DefaultRefreshThreshold
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

// Token returns an access token of accountID that is valid for at least the threshold.
func (g *TokenGuard) Token(ctx context.Context, accountID string) (string, error) {
	creds, err := g.store.Get(ctx, accountID)
	if err != nil {
		return "", g.storeErr(err)
	}
	if creds.AccessToken != "" && !creds.ExpiresWithin(g.threshold, g.now()) {
		return creds.AccessToken, nil
	}
	return g.refresh(ctx, accountID, "")
}

// ForceRefresh replaces rejected, an access token the server answered 401 to. Callers
// holding the same rejected token share one refresh.
func (g *TokenGuard) ForceRefresh(ctx context.Context, accountID, rejected string) (string, error) {
	return g.refresh(ctx, accountID, rejected)
}

func (g *TokenGuard) refresh(ctx context.Context, accountID, rejected string) (string, error) {
	key := accountID + "\x00" + rejected
	// the flight outlives the caller that started it
	flightCtx := context.WithoutCancel(ctx)

	ch := g.flights.DoChan(key, func() (any, error) {
		unlock := g.locks.Lock(accountID)
		defer unlock()
		return g.refreshLocked(flightCtx, accountID, rejected)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (g *TokenGuard) refreshLocked(ctx context.Context, accountID, rejected string) (string, error) {
	creds, err := g.store.Get(ctx, accountID)
	if err != nil {
		return "", g.storeErr(err)
	}
	fresh := creds.AccessToken != "" && !creds.ExpiresWithin(g.threshold, g.now())
	if fresh && (rejected == "" || creds.AccessToken != rejected) {
		return creds.AccessToken, nil
	}

	if g.oauth == nil || creds.RefreshToken == "" {
		return "", provider.Errorf(provider.ErrAuth, "token refresh", "account %s has no refresh token", accountID)
	}

	start := g.now()
	tok, err := g.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken}).Token()
	if err != nil {
		g.metrics.RecordTokenRefresh("error")
		g.logger.Warn("token refresh failed", zap.String("account_id", accountID), zap.Error(err))
		return "", classifyRefreshErr(err)
	}
	g.metrics.RecordTokenRefresh("success")

	updated := *creds
	updated.AccessToken = tok.AccessToken
	updated.TokenType = tok.TokenType
	updated.ExpiresAt = tok.Expiry
	if tok.RefreshToken != "" {
		updated.RefreshToken = tok.RefreshToken
	}
	if err := g.store.Put(ctx, accountID, &updated); err != nil {
		return "", fmt.Errorf("failed to store refreshed token: %w", err)
	}

	g.logger.Debug("token refreshed",
		zap.String("account_id", accountID),
		zap.Time("expires_at", tok.Expiry),
		zap.Duration("took", g.now().Sub(start)),
	)
	return tok.AccessToken, nil
}

func (g *TokenGuard) storeErr(err error) error {
	if errors.Is(err, ErrNotFound) {
		return provider.Wrap(provider.ErrAuth, "token lookup", err)
	}
	return err
}

// classifyRefreshErr maps rejected grants to AUTH_ERROR and everything else to NETWORK_ERROR.
func classifyRefreshErr(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		switch code := re.Response.StatusCode; {
		case code == http.StatusBadRequest || code == http.StatusUnauthorized || code == http.StatusForbidden:
			return provider.Wrap(provider.ErrAuth, "token refresh", err)
		case code == http.StatusTooManyRequests:
			return provider.Wrap(provider.ErrRateLimited, "token refresh", err)
		}
	}
	return provider.Wrap(provider.ErrNetwork, "token refresh", err)
}
