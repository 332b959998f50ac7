package gmail

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/vdavid/mailsync/internal/credentials"
	"github.com/vdavid/mailsync/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultMaxRetries = 5
	maxRetryDelay     = 32 * time.Second
)

// authTransport paces requests, injects the account's bearer token and retries rate-limited
// responses. A 401 forces exactly one token refresh and one retry.
type authTransport struct {
	accountID  string
	guard      *credentials.TokenGuard
	base       http.RoundTripper
	limiter    *rate.Limiter
	maxRetries int
	baseDelay  time.Duration
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	token, err := t.guard.Token(ctx, t.accountID)
	if err != nil {
		return nil, err
	}

	b := newBackOff(t.baseDelay)
	refreshed := false
	for attempt := 0; ; attempt++ {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, err := t.base.RoundTrip(withToken(req, token))
		if err != nil {
			return nil, err
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized && !refreshed:
			drain(resp)
			t.metrics.RecordProviderRetry("gmail", "auth_refresh")
			if token, err = t.guard.ForceRefresh(ctx, t.accountID, token); err != nil {
				return nil, err
			}
			refreshed = true

		case retryable(resp) && attempt < t.maxRetries:
			delay := retryDelay(resp, b)
			drain(resp)
			t.metrics.RecordProviderRetry("gmail", "rate_limited")
			t.logger.Debug("gmail request throttled",
				zap.Int("status", resp.StatusCode),
				zap.Duration("delay", delay),
				zap.Int("attempt", attempt+1),
			)
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}

		default:
			return resp, nil
		}
	}
}

// withToken clones req with a rewound body and the Authorization header set.
func withToken(req *http.Request, token string) *http.Request {
	r := req.Clone(req.Context())
	if req.Body != nil && req.GetBody != nil {
		if body, err := req.GetBody(); err == nil {
			r.Body = body
		}
	}
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}

// retryable reports throttled responses. Per-user quotas come back as 403 with a
// rateLimitExceeded or userRateLimitExceeded reason, so 403 bodies are read and restored.
func retryable(resp *http.Response) bool {
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	case http.StatusForbidden:
		return rateLimitBody(resp)
	default:
		return false
	}
}

func rateLimitBody(resp *http.Response) bool {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return false
	}

	var payload struct {
		Error struct {
			Errors []struct {
				Reason string `json:"reason"`
			} `json:"errors"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return false
	}
	for _, item := range payload.Error.Errors {
		if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
			return true
		}
	}
	return false
}

// newBackOff doubles from baseDelay up to maxRetryDelay without jitter. The attempt
// count is bounded by the transport, not the backoff.
func newBackOff(baseDelay time.Duration) backoff.BackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(baseDelay),
		backoff.WithRandomizationFactor(0),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(maxRetryDelay),
		backoff.WithMaxElapsedTime(0),
	)
}

// retryDelay honors Retry-After (seconds or HTTP date), else takes the next backoff step.
func retryDelay(resp *http.Response, b backoff.BackOff) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return min(time.Duration(secs)*time.Second, maxRetryDelay)
		}
		if at, err := http.ParseTime(v); err == nil {
			return min(max(time.Until(at), 0), maxRetryDelay)
		}
	}
	return b.NextBackOff()
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
