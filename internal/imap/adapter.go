// Package imap implements the provider contract for IMAP accounts on top of go-imap v1.
// Every folder is a label whose id is the folder name; a message copied to two folders
// is two cache messages that the thread reconstructor joins through Message-ID.
package imap

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/vdavid/mailsync/internal/credentials"
	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/mime"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"github.com/vdavid/mailsync/internal/smtp"
	"go.uber.org/zap"
)

// Config wires an Adapter to one account.
type Config struct {
	Account *models.Account
	Creds   credentials.TokenStore
	Pool    *Pool
	// UseTLS selects implicit TLS for IMAP. Tests run without it.
	UseTLS       bool
	SMTPSecurity smtp.Security
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

type Adapter struct {
	account      *models.Account
	creds        credentials.TokenStore
	pool         *Pool
	useTLS       bool
	smtpSecurity smtp.Security
	logger       *zap.Logger
	metrics      *metrics.Metrics
	now          func() time.Time

	foldersMu sync.Mutex
	folders   []*models.Label
}

var _ provider.Provider = (*Adapter)(nil)

func NewAdapter(cfg Config) *Adapter {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Adapter{
		account:      cfg.Account,
		creds:        cfg.Creds,
		pool:         cfg.Pool,
		useTLS:       cfg.UseTLS,
		smtpSecurity: cfg.SMTPSecurity,
		logger:       cfg.Logger.Named("imap").With(zap.String("account_id", cfg.Account.ID)),
		metrics:      cfg.Metrics,
		now:          now,
	}
}

func (a *Adapter) Kind() models.ProviderKind {
	return models.ProviderIMAP
}

// RequiresInitialSync reports whether no folder has a cursor yet. Folders added later
// are synced from scratch inside a delta.
func (a *Adapter) RequiresInitialSync(cursors map[string]string) bool {
	for key := range cursors {
		if strings.HasPrefix(key, folderCursorPrefix) {
			return false
		}
	}
	return true
}

func (a *Adapter) connConfig(ctx context.Context) (ConnConfig, error) {
	creds, err := a.creds.Get(ctx, a.account.ID)
	if err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			return ConnConfig{}, provider.Wrap(provider.ErrAuth, "imap credentials", err)
		}
		return ConnConfig{}, err
	}

	username := a.account.IMAPUsername
	if username == "" {
		username = creds.Username
	}
	if username == "" {
		username = a.account.Email
	}

	cfg := ConnConfig{
		Address:  a.account.IMAPServer,
		Username: username,
		Password: creds.Password,
		UseTLS:   a.useTLS,
	}
	if a.account.AuthMethod == models.AuthOAuth2 {
		cfg.OAuthToken = creds.AccessToken
	}
	return cfg, nil
}

// withClient runs fn on a pooled worker connection.
func (a *Adapter) withClient(ctx context.Context, fn func(c *client.Client) error) error {
	cfg, err := a.connConfig(ctx)
	if err != nil {
		return err
	}

	c, release, err := a.pool.GetClient(ctx, a.account.ID, cfg)
	if err != nil {
		return err
	}
	defer release()

	return fn(c)
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if provider.KindOf(err) != "" || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return provider.Wrap(provider.ErrNetwork, op, err)
}

func (a *Adapter) ListFolders(ctx context.Context) ([]*models.Label, error) {
	var folders []*models.Label
	err := a.withClient(ctx, func(c *client.Client) error {
		var err error
		folders, err = a.listFolders(c)
		return err
	})
	return folders, err
}

func (a *Adapter) listFolders(c *client.Client) ([]*models.Label, error) {
	folders, err := ListFolders(c, a.account.ID)
	if err != nil {
		return nil, wrapErr("imap list", err)
	}

	a.foldersMu.Lock()
	a.folders = folders
	a.foldersMu.Unlock()

	return folders, nil
}

// cachedFolders returns the last listing, listing again when there is none.
func (a *Adapter) cachedFolders(c *client.Client) ([]*models.Label, error) {
	a.foldersMu.Lock()
	folders := a.folders
	a.foldersMu.Unlock()

	if folders != nil {
		return folders, nil
	}
	return a.listFolders(c)
}

// roleFolder returns the folder with role, creating fallback when the server has none.
func (a *Adapter) roleFolder(c *client.Client, role, fallback string) (string, error) {
	folders, err := a.cachedFolders(c)
	if err != nil {
		return "", err
	}
	if name := folderByRole(folders, role); name != "" {
		return name, nil
	}
	if fallback == "" {
		return "", provider.Errorf(provider.ErrUnsupported, "imap folder", "account has no %s folder", role)
	}

	if err := c.Create(fallback); err != nil {
		// it may exist without being recognised
		a.logger.Debug("create fallback folder failed", zap.String("folder", fallback), zap.Error(err))
	}
	a.foldersMu.Lock()
	a.folders = nil
	a.foldersMu.Unlock()
	return fallback, nil
}

func (a *Adapter) CreateFolder(ctx context.Context, name, parentID string) (*models.Label, error) {
	var label *models.Label
	err := a.withClient(ctx, func(c *client.Client) error {
		full := name
		if parentID != "" {
			delim, err := a.delimiter(c)
			if err != nil {
				return err
			}
			full = parentID + delim + name
		}
		if err := c.Create(full); err != nil {
			return wrapErr("imap create", err)
		}

		folders, err := a.listFolders(c)
		if err != nil {
			return err
		}
		for _, f := range folders {
			if f.ID == full {
				label = f
				return nil
			}
		}
		label = &models.Label{AccountID: a.account.ID, ID: full, Name: name, Type: models.LabelUser, ParentID: parentID}
		return nil
	})
	return label, err
}

func (a *Adapter) delimiter(c *client.Client) (string, error) {
	mailboxes := make(chan *imap.MailboxInfo, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.List("", "", mailboxes)
	}()

	delim := "/"
	for m := range mailboxes {
		if m.Delimiter != "" {
			delim = m.Delimiter
		}
	}
	if err := <-done; err != nil {
		return "", wrapErr("imap list", err)
	}
	return delim, nil
}

func (a *Adapter) DeleteFolder(ctx context.Context, folderID string) error {
	return a.withClient(ctx, func(c *client.Client) error {
		if err := c.Delete(folderID); err != nil {
			return wrapErr("imap delete folder", err)
		}
		_, err := a.listFolders(c)
		return err
	})
}

func (a *Adapter) RenameFolder(ctx context.Context, folderID, newName string) error {
	return a.withClient(ctx, func(c *client.Client) error {
		if err := c.Rename(folderID, newName); err != nil {
			return wrapErr("imap rename folder", err)
		}
		_, err := a.listFolders(c)
		return err
	})
}

func (a *Adapter) FetchMessage(ctx context.Context, messageID string) (*models.Message, error) {
	folder, uid, err := ParseMessageID(a.account.ID, messageID)
	if err != nil {
		return nil, provider.Wrap(provider.ErrNotFound, "imap fetch message", err)
	}

	var msg *models.Message
	err = a.withClient(ctx, func(c *client.Client) error {
		m, err := fetchOne(c, folder, uid)
		if err != nil {
			return err
		}
		msg, err = a.toMessage(folder, m)
		return err
	})
	return msg, err
}

func (a *Adapter) FetchRawMessage(ctx context.Context, messageID string) (*provider.RawMessage, error) {
	folder, uid, err := ParseMessageID(a.account.ID, messageID)
	if err != nil {
		return nil, provider.Wrap(provider.ErrNotFound, "imap fetch raw", err)
	}

	var raw []byte
	err = a.withClient(ctx, func(c *client.Client) error {
		m, err := fetchOne(c, folder, uid)
		if err != nil {
			return err
		}
		raw, err = rawBody(m)
		return wrapErr("imap fetch raw", err)
	})
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
	if errors.Is(err, mime.ErrPartNotFound) {
		return nil, provider.Wrap(provider.ErrNotFound, "imap fetch attachment", err)
	}
	return content, err
}

func fetchOne(c *client.Client, folder string, uid uint32) (*imap.Message, error) {
	if err := selectFolder(c, "imap", folder, true); err != nil {
		return nil, err
	}
	msgs, err := FetchFullMessages(c, []uint32{uid})
	if err != nil {
		return nil, wrapErr("imap fetch", err)
	}
	if len(msgs) == 0 {
		return nil, provider.Errorf(provider.ErrNotFound, "imap fetch", "uid %d not in %s", uid, folder)
	}
	return msgs[0], nil
}

// toMessage parses a message fetched by FetchFullMessages.
func (a *Adapter) toMessage(folder string, m *imap.Message) (*models.Message, error) {
	raw, err := rawBody(m)
	if err != nil {
		return nil, provider.Wrap(provider.ErrParse, "imap body", err)
	}

	msg, err := mime.ParseMessage(raw, mime.ParseOptions{
		AccountID:    a.account.ID,
		MessageID:    MessageID(a.account.ID, folder, m.Uid),
		FallbackDate: m.InternalDate,
		Now:          a.now,
	})
	if err != nil {
		return nil, err
	}

	msg.IMAPFolder = folder
	msg.IMAPUID = int64(m.Uid)
	msg.LabelIDs = []string{folder}
	msg.IsRead = hasFlag(m.Flags, imap.SeenFlag)
	msg.IsStarred = hasFlag(m.Flags, imap.FlaggedFlag)
	msg.IsDraft = hasFlag(m.Flags, imap.DraftFlag)
	if m.Size > 0 {
		msg.SizeBytes = int64(m.Size)
	}
	return msg, nil
}

// TestConnection connects, authenticates and lists folders.
func (a *Adapter) TestConnection(ctx context.Context) error {
	cfg, err := a.connConfig(ctx)
	if err != nil {
		return err
	}
	c, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = c.Logout() }()

	if _, err := ListFolders(c, a.account.ID); err != nil {
		return wrapErr("imap list", err)
	}
	return nil
}

func (a *Adapter) GetProfile(ctx context.Context) (*provider.Profile, error) {
	profile := &provider.Profile{Email: a.account.Email, DisplayName: a.account.DisplayName}
	err := a.withClient(ctx, func(c *client.Client) error {
		folders, err := a.listFolders(c)
		if err != nil {
			return err
		}
		for _, f := range folders {
			if f.NoSelect {
				continue
			}
			status, err := c.Status(f.ID, []imap.StatusItem{imap.StatusMessages})
			if err != nil {
				return wrapErr("imap status", err)
			}
			profile.MessagesTotal += int64(status.Messages)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return profile, nil
}

// Close drops the account's pooled connections. The pool itself is shared and stays open.
func (a *Adapter) Close() error {
	a.pool.RemoveClient(a.account.ID)
	return nil
}
