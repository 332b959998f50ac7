// Package jmap implements the provider contract over JMAP (RFC 8620, RFC 8621).
// Mailboxes map to labels and the server's Mailbox and Email states are the cursors.
package jmap

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/vdavid/mailsync/internal/credentials"
	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/mime"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"go.uber.org/zap"
)

const (
	mailboxCursor = "Mailbox"
	emailCursor   = "Email"
	pageSize      = 50
)

type Config struct {
	Account *models.Account
	Store   credentials.TokenStore
	// Guard refreshes tokens of OAuth accounts. Optional for password accounts.
	Guard      *credentials.TokenGuard
	HTTPClient *http.Client
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

type Adapter struct {
	account *models.Account
	c       *client
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

var _ provider.Provider = (*Adapter)(nil)

func NewAdapter(cfg Config) *Adapter {
	logger := cfg.Logger.Named("jmap").With(zap.String("account_id", cfg.Account.ID))
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: time.Minute}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Adapter{
		account: cfg.Account,
		c: &client{
			account:    cfg.Account,
			sessionURL: sessionURLFor(cfg.Account),
			http:       hc,
			auth:       &authenticator{account: cfg.Account, store: cfg.Store, guard: cfg.Guard},
			logger:     logger,
			metrics:    cfg.Metrics,
		},
		logger:  logger,
		metrics: cfg.Metrics,
		now:     now,
	}
}

func (a *Adapter) Kind() models.ProviderKind {
	return models.ProviderJMAP
}

func (a *Adapter) RequiresInitialSync(cursors map[string]string) bool {
	return cursors[mailboxCursor] == "" || cursors[emailCursor] == ""
}

func (a *Adapter) toLabel(m mailbox) *models.Label {
	label := &models.Label{
		AccountID: a.account.ID,
		ID:        m.ID,
		Name:      m.Name,
		Type:      models.LabelUser,
		Role:      m.Role,
		SortOrder: m.SortOrder,
		ParentID:  m.ParentID,
	}
	if m.Role != "" {
		label.Type = models.LabelSystem
	}
	return label
}

func (a *Adapter) getMailboxes(ctx context.Context, ids []string) ([]*models.Label, string, error) {
	accountID, err := a.c.accountID(ctx)
	if err != nil {
		return nil, "", err
	}
	args := map[string]any{"accountId": accountID}
	if ids != nil {
		args["ids"] = ids
	}
	res, err := a.c.call(ctx, "jmap Mailbox/get", invoke("Mailbox/get", "m", args))
	if err != nil {
		return nil, "", err
	}
	var out getResponse[mailbox]
	if err := res.decode("m", &out); err != nil {
		return nil, "", methodError("jmap Mailbox/get", mailboxCursor, err)
	}
	labels := make([]*models.Label, 0, len(out.List))
	for _, m := range out.List {
		labels = append(labels, a.toLabel(m))
	}
	return labels, out.State, nil
}

func (a *Adapter) ListFolders(ctx context.Context) ([]*models.Label, error) {
	labels, _, err := a.getMailboxes(ctx, nil)
	return labels, err
}

// findMailbox returns the id of the mailbox with role, else of the one named name, or "".
func (a *Adapter) findMailbox(ctx context.Context, role, name string) (string, error) {
	labels, err := a.ListFolders(ctx)
	if err != nil {
		return "", err
	}
	byName := ""
	for _, l := range labels {
		if l.Role == role {
			return l.ID, nil
		}
		if byName == "" && strings.EqualFold(l.Name, name) {
			byName = l.ID
		}
	}
	return byName, nil
}

// ensureMailbox returns the mailbox with role, creating one named name when missing.
func (a *Adapter) ensureMailbox(ctx context.Context, role, name string) (string, error) {
	id, err := a.findMailbox(ctx, role, name)
	if err != nil || id != "" {
		return id, err
	}
	label, err := a.CreateFolder(ctx, name, "")
	if err != nil {
		return "", err
	}
	return label.ID, nil
}

func (a *Adapter) set(ctx context.Context, method string, args map[string]any) (*setResponse, error) {
	accountID, err := a.c.accountID(ctx)
	if err != nil {
		return nil, err
	}
	args["accountId"] = accountID
	op := "jmap " + method
	res, err := a.c.call(ctx, op, invoke(method, "s", args))
	if err != nil {
		return nil, err
	}
	var out setResponse
	if err := res.decode("s", &out); err != nil {
		return nil, methodError(op, "", err)
	}
	if err := out.firstError(op); err != nil {
		return nil, err
	}
	return &out, nil
}

// firstError reports the first rejected create, update or destroy.
func (r *setResponse) firstError(op string) error {
	for _, group := range []map[string]setError{r.NotCreated, r.NotUpdated, r.NotDestroyed} {
		for id, e := range group {
			kind := provider.ErrUnsupported
			switch e.Type {
			case "notFound":
				kind = provider.ErrNotFound
			case "forbidden":
				kind = provider.ErrAuth
			case "overQuota", "rateLimit":
				kind = provider.ErrRateLimited
			}
			return provider.Errorf(kind, op, "%s rejected: %s %s", id, e.Type, e.Description)
		}
	}
	return nil
}

func (r *setResponse) createdID(key string) string {
	raw, ok := r.Created[key]
	if !ok {
		return ""
	}
	var c createdID
	if err := json.Unmarshal(raw, &c); err != nil {
		return ""
	}
	return c.ID
}

func (a *Adapter) CreateFolder(ctx context.Context, name, parentID string) (*models.Label, error) {
	create := map[string]any{"name": name}
	if parentID != "" {
		create["parentId"] = parentID
	}
	out, err := a.set(ctx, "Mailbox/set", map[string]any{
		"create": map[string]any{"new": create},
	})
	if err != nil {
		return nil, err
	}
	id := out.createdID("new")
	if id == "" {
		return nil, provider.Errorf(provider.ErrParse, "jmap Mailbox/set", "no id for created mailbox")
	}
	return &models.Label{
		AccountID: a.account.ID,
		ID:        id,
		Name:      name,
		Type:      models.LabelUser,
		ParentID:  parentID,
	}, nil
}

func (a *Adapter) DeleteFolder(ctx context.Context, folderID string) error {
	_, err := a.set(ctx, "Mailbox/set", map[string]any{
		"destroy":               []string{folderID},
		"onDestroyRemoveEmails": false,
	})
	return err
}

func (a *Adapter) RenameFolder(ctx context.Context, folderID, newName string) error {
	_, err := a.set(ctx, "Mailbox/set", map[string]any{
		"update": map[string]any{folderID: map[string]any{"name": newName}},
	})
	return err
}

// getEmails loads metadata of the given emails.
func (a *Adapter) getEmails(ctx context.Context, ids []string, properties []string) ([]email, string, error) {
	accountID, err := a.c.accountID(ctx)
	if err != nil {
		return nil, "", err
	}
	res, err := a.c.call(ctx, "jmap Email/get", invoke("Email/get", "g", map[string]any{
		"accountId":  accountID,
		"ids":        ids,
		"properties": properties,
	}))
	if err != nil {
		return nil, "", err
	}
	var out getResponse[email]
	if err := res.decode("g", &out); err != nil {
		return nil, "", methodError("jmap Email/get", emailCursor, err)
	}
	return out.List, out.State, nil
}

func (a *Adapter) toMessage(ctx context.Context, e email) (*models.Message, error) {
	raw, err := a.c.download(ctx, e.BlobID, "message.eml", "message/rfc822")
	if err != nil {
		return nil, err
	}
	msg, err := mime.ParseMessage(raw, mime.ParseOptions{
		AccountID:    a.account.ID,
		MessageID:    e.ID,
		FallbackDate: e.ReceivedAt,
		Now:          a.now,
	})
	if err != nil {
		a.metrics.RecordParseError(string(models.ProviderJMAP))
		return nil, err
	}
	msg.LabelIDs = mailboxIDs(e.MailboxIDs)
	msg.IsRead = e.Keywords["$seen"]
	msg.IsStarred = e.Keywords["$flagged"]
	msg.IsDraft = e.Keywords["$draft"]
	if e.Size > 0 {
		msg.SizeBytes = e.Size
	}
	return msg, nil
}

func mailboxIDs(set map[string]bool) []string {
	ids := make([]string, 0, len(set))
	for id, in := range set {
		if in {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (a *Adapter) getEmail(ctx context.Context, messageID string) (email, error) {
	list, _, err := a.getEmails(ctx, []string{messageID}, emailProperties)
	if err != nil {
		return email{}, err
	}
	if len(list) == 0 {
		return email{}, provider.Errorf(provider.ErrNotFound, "jmap Email/get", "email %s not found", messageID)
	}
	return list[0], nil
}

func (a *Adapter) FetchMessage(ctx context.Context, messageID string) (*models.Message, error) {
	e, err := a.getEmail(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return a.toMessage(ctx, e)
}

func (a *Adapter) FetchRawMessage(ctx context.Context, messageID string) (*provider.RawMessage, error) {
	e, err := a.getEmail(ctx, messageID)
	if err != nil {
		return nil, err
	}
	raw, err := a.c.download(ctx, e.BlobID, "message.eml", "message/rfc822")
	if err != nil {
		return nil, err
	}
	return &provider.RawMessage{MessageID: messageID, Data: raw}, nil
}

func (a *Adapter) FetchAttachment(ctx context.Context, messageID, partID string) (*provider.AttachmentContent, error) {
	raw, err := a.FetchRawMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	content, err := mime.ExtractPart(raw.Data, partID)
	if err != nil {
		return nil, provider.Wrap(provider.ErrNotFound, "jmap attachment", err)
	}
	return content, nil
}

func (a *Adapter) TestConnection(ctx context.Context) error {
	_, err := a.ListFolders(ctx)
	return err
}

func (a *Adapter) GetProfile(ctx context.Context) (*provider.Profile, error) {
	s, err := a.c.getSession(ctx)
	if err != nil {
		return nil, err
	}
	accountID := s.PrimaryAccounts[capMail]
	res, err := a.c.call(ctx, "jmap Email/query",
		invoke("Email/query", "q", map[string]any{
			"accountId":      accountID,
			"limit":          0,
			"calculateTotal": true,
		}),
		invoke("Identity/get", "i", map[string]any{"accountId": accountID}),
	)
	if err != nil {
		return nil, err
	}
	var q queryResponse
	if err := res.decode("q", &q); err != nil {
		return nil, methodError("jmap Email/query", "", err)
	}

	profile := &provider.Profile{Email: s.Username, MessagesTotal: int64(q.Total)}
	var ids getResponse[identity]
	if err := res.decode("i", &ids); err == nil && len(ids.List) > 0 {
		profile.Email = ids.List[0].Email
		profile.DisplayName = ids.List[0].Name
	}
	return profile, nil
}

func (a *Adapter) Close() error {
	a.c.http.CloseIdleConnections()
	return nil
}
