package jmap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/vdavid/mailsync/internal/credentials"
	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"go.uber.org/zap"
)

// client speaks the JMAP core protocol for one account: session discovery, batched
// method calls and blob transfer.
type client struct {
	account    *models.Account
	sessionURL string
	http       *http.Client
	auth       *authenticator
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu      sync.Mutex
	session *Session
}

// authenticator adds the account's credentials to requests. OAuth accounts send a
// bearer token from the guard; password accounts use basic auth.
type authenticator struct {
	account *models.Account
	store   credentials.TokenStore
	guard   *credentials.TokenGuard
}

func (a *authenticator) authorize(ctx context.Context, req *http.Request) (string, error) {
	if a.account.AuthMethod == models.AuthOAuth2 && a.guard != nil {
		token, err := a.guard.Token(ctx, a.account.ID)
		if err != nil {
			return "", err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return token, nil
	}

	creds, err := a.store.Get(ctx, a.account.ID)
	if err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			return "", provider.Errorf(provider.ErrAuth, "jmap auth", "no credentials stored for account")
		}
		return "", err
	}
	switch {
	case creds.AccessToken != "":
		req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
		return creds.AccessToken, nil
	default:
		username := creds.Username
		if username == "" {
			username = a.account.Email
		}
		req.SetBasicAuth(username, creds.Password)
		return "", nil
	}
}

// sessionURLFor returns the configured session resource, or the well-known location
// on the domain of the account's address.
func sessionURLFor(account *models.Account) string {
	if account.JMAPSessionURL != "" {
		return account.JMAPSessionURL
	}
	domain := account.Email
	if at := strings.LastIndexByte(domain, '@'); at >= 0 {
		domain = domain[at+1:]
	}
	return "https://" + domain + "/.well-known/jmap"
}

const (
	maxRetries    = 4
	maxRetryDelay = 30 * time.Second
)

// do sends req with credentials. A 401 on a bearer token forces one refresh and retry.
// 429 and 503 are retried up to maxRetries times, honoring Retry-After.
func (c *client) do(ctx context.Context, op string, newReq func() (*http.Request, error)) (*http.Response, error) {
	b := backoff.NewExponentialBackOff(
		backoff.WithMaxInterval(maxRetryDelay),
		backoff.WithMaxElapsedTime(0),
	)

	refreshed := false
	retries := 0
	for {
		req, err := newReq()
		if err != nil {
			return nil, err
		}
		token, err := c.auth.authorize(ctx, req)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, provider.Wrap(provider.ErrNetwork, op, err)
		}
		if resp.StatusCode == http.StatusUnauthorized && token != "" && c.auth.guard != nil && !refreshed {
			drain(resp)
			c.metrics.RecordProviderRetry("jmap", "auth_refresh")
			if _, err := c.auth.guard.ForceRefresh(ctx, c.account.ID, token); err != nil {
				return nil, err
			}
			refreshed = true
			continue
		}
		if throttled(resp.StatusCode) && retries < maxRetries {
			delay := retryAfter(resp, b)
			drain(resp)
			retries++
			c.metrics.RecordProviderRetry("jmap", "rate_limited")
			c.logger.Debug("jmap request throttled",
				zap.String("op", op),
				zap.Int("status", resp.StatusCode),
				zap.Duration("delay", delay),
				zap.Int("attempt", retries),
			)
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}
		if err := statusError(op, resp); err != nil {
			drain(resp)
			return nil, err
		}
		return resp, nil
	}
}

func throttled(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}

// retryAfter reads Retry-After in seconds or as an HTTP date, else takes the next backoff step.
func retryAfter(resp *http.Response, b backoff.BackOff) time.Duration {
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

func statusError(op string, resp *http.Response) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return provider.Errorf(provider.ErrAuth, op, "server returned %d", resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return provider.Errorf(provider.ErrNotFound, op, "server returned %d", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return provider.Errorf(provider.ErrRateLimited, op, "server returned %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		return provider.Errorf(provider.ErrNetwork, op, "server returned %d", resp.StatusCode)
	default:
		return provider.Errorf(provider.ErrUnsupported, op, "server returned %d", resp.StatusCode)
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// getSession returns the cached session, fetching it on first use or after invalidation.
func (c *client) getSession(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s != nil {
		return s, nil
	}

	resp, err := c.do(ctx, "jmap session", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.sessionURL, nil)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	s = &Session{}
	if err := json.NewDecoder(resp.Body).Decode(s); err != nil {
		return nil, provider.Wrap(provider.ErrParse, "jmap session", err)
	}
	if s.APIURL == "" || s.PrimaryAccounts[capMail] == "" {
		return nil, provider.Errorf(provider.ErrUnsupported, "jmap session", "server does not offer mail for this account")
	}
	s.APIURL = c.resolve(s.APIURL)

	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
	c.logger.Debug("jmap session loaded", zap.String("api_url", s.APIURL), zap.String("state", s.State))
	return s, nil
}

// resolve makes a session URL absolute against the session resource.
func (c *client) resolve(ref string) string {
	base, err := url.Parse(c.sessionURL)
	if err != nil {
		return ref
	}
	u, err := base.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}

func (c *client) invalidate(state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil && c.session.State != state {
		c.logger.Debug("jmap session state changed", zap.String("old", c.session.State), zap.String("new", state))
		c.session = nil
	}
}

func (c *client) accountID(ctx context.Context) (string, error) {
	s, err := c.getSession(ctx)
	if err != nil {
		return "", err
	}
	return s.PrimaryAccounts[capMail], nil
}

func invoke(name, callID string, args any) methodCall {
	return methodCall{Name: name, Args: args, CallID: callID}
}

// call posts the method calls in one request and returns the responses keyed by call id.
func (c *client) call(ctx context.Context, op string, calls ...methodCall) (results, error) {
	s, err := c.getSession(ctx)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(request{Using: using, MethodCalls: calls})
	if err != nil {
		return nil, fmt.Errorf("failed to encode jmap request: %w", err)
	}

	resp, err := c.do(ctx, op, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.APIURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, provider.Wrap(provider.ErrParse, op, err)
	}
	if out.SessionState != "" {
		c.invalidate(out.SessionState)
	}

	res := make(results, len(out.MethodResponses))
	for _, inv := range out.MethodResponses {
		if _, seen := res[inv.CallID]; seen {
			continue
		}
		res[inv.CallID] = inv
	}
	return res, nil
}

// results are method responses by call id. The first response of a call id wins,
// so implicit calls such as the Email/set of onSuccessUpdateEmail do not shadow it.
type results map[string]Invocation

// decode unmarshals the response of callID into v, returning method errors as *MethodError.
func (r results) decode(callID string, v any) error {
	inv, ok := r[callID]
	if !ok {
		return fmt.Errorf("missing response for call %q", callID)
	}
	if inv.Name == "error" {
		me := &MethodError{}
		if err := json.Unmarshal(inv.Args, me); err != nil {
			return fmt.Errorf("failed to decode method error: %w", err)
		}
		return me
	}
	return json.Unmarshal(inv.Args, v)
}

// methodError maps a JMAP method error to a provider error.
func methodError(op, objectType string, err error) error {
	var me *MethodError
	if !errors.As(err, &me) {
		if provider.KindOf(err) != "" {
			return err
		}
		return provider.Wrap(provider.ErrParse, op, err)
	}
	switch me.Type {
	case "cannotCalculateChanges":
		return provider.StateExpired(op, objectType, me)
	case "accountNotFound", "forbidden", "accountNotSupportedByMethod":
		return provider.Wrap(provider.ErrAuth, op, me)
	case "serverUnavailable", "serverFail":
		return provider.Wrap(provider.ErrNetwork, op, me)
	case "requestTooLarge", "tooManyChanges":
		return provider.Wrap(provider.ErrRateLimited, op, me)
	case "notFound":
		return provider.Wrap(provider.ErrNotFound, op, me)
	default:
		return provider.Wrap(provider.ErrUnsupported, op, me)
	}
}

func expandTemplate(tmpl string, vars map[string]string) string {
	for k, v := range vars {
		tmpl = strings.ReplaceAll(tmpl, "{"+k+"}", url.PathEscape(v))
	}
	return tmpl
}

// download fetches a blob through the session's download URL template.
func (c *client) download(ctx context.Context, blobID, name, contentType string) ([]byte, error) {
	s, err := c.getSession(ctx)
	if err != nil {
		return nil, err
	}
	target := c.resolve(expandTemplate(s.DownloadURL, map[string]string{
		"accountId": s.PrimaryAccounts[capMail],
		"blobId":    blobID,
		"name":      name,
		"type":      contentType,
	}))

	resp, err := c.do(ctx, "jmap download", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.Wrap(provider.ErrNetwork, "jmap download", err)
	}
	return data, nil
}

// upload stores data as a blob and returns its id.
func (c *client) upload(ctx context.Context, data []byte, contentType string) (string, error) {
	s, err := c.getSession(ctx)
	if err != nil {
		return "", err
	}
	target := c.resolve(expandTemplate(s.UploadURL, map[string]string{
		"accountId": s.PrimaryAccounts[capMail],
	}))

	resp, err := c.do(ctx, "jmap upload", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		return req, nil
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", provider.Wrap(provider.ErrParse, "jmap upload", err)
	}
	return out.BlobID, nil
}
