// Package gmail implements the provider contract over the Gmail REST API. Threads and
// labels are native, so batches are marked NativeThreads and skip reconstruction.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vdavid/mailsync/internal/credentials"
	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/mime"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	userID = "me"
	// historyCursor is the only cursor object type of a Gmail account.
	historyCursor = "history"
	listPageSize  = 100
)

// OAuthConfig returns the OAuth client used to refresh Gmail tokens.
func OAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.MailGoogleComScope},
	}
}

type Config struct {
	Account *models.Account
	Guard   *credentials.TokenGuard
	// Endpoint overrides the API root, for tests.
	Endpoint string
	// Transport is the base round tripper. Defaults to http.DefaultTransport.
	Transport      http.RoundTripper
	QPS            float64
	RetryBaseDelay time.Duration
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	Now            func() time.Time
}

type Adapter struct {
	account *models.Account
	svc     *gmail.Service
	http    *http.Client
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

var _ provider.Provider = (*Adapter)(nil)

func NewAdapter(ctx context.Context, cfg Config) (*Adapter, error) {
	logger := cfg.Logger.Named("gmail").With(zap.String("account_id", cfg.Account.ID))

	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	limit := rate.Inf
	burst := 1
	if cfg.QPS > 0 {
		limit = rate.Limit(cfg.QPS)
		burst = max(1, int(cfg.QPS))
	}
	baseDelay := cfg.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}

	hc := &http.Client{Transport: &authTransport{
		accountID:  cfg.Account.ID,
		guard:      cfg.Guard,
		base:       base,
		limiter:    rate.NewLimiter(limit, burst),
		maxRetries: defaultMaxRetries,
		baseDelay:  baseDelay,
		logger:     logger,
		metrics:    cfg.Metrics,
	}}

	opts := []option.ClientOption{option.WithHTTPClient(hc)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Adapter{
		account: cfg.Account,
		svc:     svc,
		http:    hc,
		logger:  logger,
		metrics: cfg.Metrics,
		now:     now,
	}, nil
}

func (a *Adapter) Kind() models.ProviderKind {
	return models.ProviderGmail
}

func (a *Adapter) RequiresInitialSync(cursors map[string]string) bool {
	return cursors[historyCursor] == ""
}

// classify turns API errors into provider errors.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if provider.KindOf(err) != "" || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return provider.Wrap(provider.ErrNetwork, op, err)
	}
	switch {
	case apiErr.Code == http.StatusUnauthorized:
		return provider.Wrap(provider.ErrAuth, op, err)
	case apiErr.Code == http.StatusForbidden && isRateLimitReason(apiErr):
		return provider.Wrap(provider.ErrRateLimited, op, err)
	case apiErr.Code == http.StatusForbidden:
		return provider.Wrap(provider.ErrAuth, op, err)
	case apiErr.Code == http.StatusNotFound:
		return provider.Wrap(provider.ErrNotFound, op, err)
	case apiErr.Code == http.StatusTooManyRequests:
		return provider.Wrap(provider.ErrRateLimited, op, err)
	case apiErr.Code >= 500:
		return provider.Wrap(provider.ErrNetwork, op, err)
	}
	return provider.Wrap(provider.ErrUnsupported, op, err)
}

func isRateLimitReason(e *googleapi.Error) bool {
	for _, item := range e.Errors {
		if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
			return true
		}
	}
	return false
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

var systemLabelRoles = map[string]string{
	"INBOX":   models.RoleInbox,
	"SENT":    models.RoleSent,
	"DRAFT":   models.RoleDrafts,
	"TRASH":   models.RoleTrash,
	"SPAM":    models.RoleJunk,
	"STARRED": models.RoleFlagged,
	"UNREAD":  models.RoleUnread,
}

func (a *Adapter) toLabel(l *gmail.Label, order int) *models.Label {
	label := &models.Label{
		AccountID: a.account.ID,
		ID:        l.Id,
		Name:      l.Name,
		Type:      models.LabelUser,
		SortOrder: order,
	}
	if l.Type == "system" {
		label.Type = models.LabelSystem
		label.Role = systemLabelRoles[l.Id]
	}
	if l.Color != nil {
		label.Color = l.Color.BackgroundColor
	}
	if i := strings.LastIndexByte(l.Name, '/'); i > 0 && label.Type == models.LabelUser {
		label.Name = l.Name[i+1:]
	}
	return label
}

func (a *Adapter) ListFolders(ctx context.Context) ([]*models.Label, error) {
	resp, err := a.svc.Users.Labels.List(userID).Context(ctx).Do()
	if err != nil {
		return nil, classify("gmail labels.list", err)
	}

	byName := make(map[string]string, len(resp.Labels))
	for _, l := range resp.Labels {
		byName[l.Name] = l.Id
	}
	labels := make([]*models.Label, 0, len(resp.Labels))
	for i, l := range resp.Labels {
		label := a.toLabel(l, i)
		if j := strings.LastIndexByte(l.Name, '/'); j > 0 && label.Type == models.LabelUser {
			label.ParentID = byName[l.Name[:j]]
		}
		labels = append(labels, label)
	}
	return labels, nil
}

func (a *Adapter) CreateFolder(ctx context.Context, name, parentID string) (*models.Label, error) {
	full := name
	if parentID != "" {
		parent, err := a.svc.Users.Labels.Get(userID, parentID).Context(ctx).Do()
		if err != nil {
			return nil, classify("gmail labels.get", err)
		}
		full = parent.Name + "/" + name
	}

	created, err := a.svc.Users.Labels.Create(userID, &gmail.Label{
		Name:                  full,
		LabelListVisibility:   "labelShow",
		MessageListVisibility: "show",
	}).Context(ctx).Do()
	if err != nil {
		return nil, classify("gmail labels.create", err)
	}
	label := a.toLabel(created, 0)
	label.ParentID = parentID
	return label, nil
}

func (a *Adapter) DeleteFolder(ctx context.Context, folderID string) error {
	return classify("gmail labels.delete", a.svc.Users.Labels.Delete(userID, folderID).Context(ctx).Do())
}

func (a *Adapter) RenameFolder(ctx context.Context, folderID, newName string) error {
	_, err := a.svc.Users.Labels.Patch(userID, folderID, &gmail.Label{Name: newName}).Context(ctx).Do()
	return classify("gmail labels.patch", err)
}

func (a *Adapter) getRaw(ctx context.Context, id string) (*gmail.Message, []byte, error) {
	m, err := a.svc.Users.Messages.Get(userID, id).Format("raw").Context(ctx).Do()
	if err != nil {
		return nil, nil, classify("gmail messages.get", err)
	}
	raw, err := decodeRaw(m.Raw)
	if err != nil {
		a.metrics.RecordParseError(string(models.ProviderGmail))
		return nil, nil, provider.Wrap(provider.ErrParse, "gmail raw "+id, err)
	}
	return m, raw, nil
}

// decodeRaw decodes the base64url raw field, with or without padding.
func decodeRaw(s string) ([]byte, error) {
	if data, err := base64.URLEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}

func (a *Adapter) toMessage(m *gmail.Message, raw []byte) (*models.Message, error) {
	var fallback time.Time
	if m.InternalDate > 0 {
		fallback = time.UnixMilli(m.InternalDate)
	}
	msg, err := mime.ParseMessage(raw, mime.ParseOptions{
		AccountID:    a.account.ID,
		MessageID:    m.Id,
		FallbackDate: fallback,
		Now:          a.now,
	})
	if err != nil {
		return nil, err
	}

	msg.ThreadID = m.ThreadId
	msg.LabelIDs = m.LabelIds
	msg.IsRead = !hasLabel(m.LabelIds, "UNREAD")
	msg.IsStarred = hasLabel(m.LabelIds, "STARRED")
	msg.IsDraft = hasLabel(m.LabelIds, "DRAFT")
	if m.SizeEstimate > 0 {
		msg.SizeBytes = m.SizeEstimate
	}
	return msg, nil
}

func hasLabel(labels []string, id string) bool {
	for _, l := range labels {
		if l == id {
			return true
		}
	}
	return false
}

func (a *Adapter) FetchMessage(ctx context.Context, messageID string) (*models.Message, error) {
	m, raw, err := a.getRaw(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return a.toMessage(m, raw)
}

func (a *Adapter) FetchRawMessage(ctx context.Context, messageID string) (*provider.RawMessage, error) {
	_, raw, err := a.getRaw(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return &provider.RawMessage{MessageID: messageID, Data: raw}, nil
}

func (a *Adapter) FetchAttachment(ctx context.Context, messageID, partID string) (*provider.AttachmentContent, error) {
	_, raw, err := a.getRaw(ctx, messageID)
	if err != nil {
		return nil, err
	}
	content, err := mime.ExtractPart(raw, partID)
	if errors.Is(err, mime.ErrPartNotFound) {
		return nil, provider.Wrap(provider.ErrNotFound, "gmail attachment", err)
	}
	return content, err
}

func (a *Adapter) TestConnection(ctx context.Context) error {
	_, err := a.svc.Users.GetProfile(userID).Context(ctx).Do()
	return classify("gmail profile", err)
}

func (a *Adapter) GetProfile(ctx context.Context) (*provider.Profile, error) {
	p, err := a.svc.Users.GetProfile(userID).Context(ctx).Do()
	if err != nil {
		return nil, classify("gmail profile", err)
	}
	return &provider.Profile{
		Email:         p.EmailAddress,
		DisplayName:   a.account.DisplayName,
		MessagesTotal: p.MessagesTotal,
		ThreadsTotal:  p.ThreadsTotal,
	}, nil
}

func (a *Adapter) Close() error {
	a.http.CloseIdleConnections()
	return nil
}
