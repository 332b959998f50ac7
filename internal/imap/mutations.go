package imap

import (
	"bytes"
	"context"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/vdavid/mailsync/internal/mime"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"github.com/vdavid/mailsync/internal/smtp"
	"go.uber.org/zap"
)

// forEachFolder selects each folder holding target messages read-write and calls fn with its UIDs.
// IMAP has no server-side threads, so targets must list their message ids.
func (a *Adapter) forEachFolder(ctx context.Context, op string, t provider.Target, fn func(c *client.Client, folder string, uids *imap.SeqSet) error) error {
	if len(t.MessageIDs) == 0 {
		return provider.Errorf(provider.ErrUnsupported, op, "imap target needs message ids (thread %q)", t.ThreadID)
	}
	order, groups, err := groupByFolder(a.account.ID, t.MessageIDs)
	if err != nil {
		return provider.Wrap(provider.ErrNotFound, op, err)
	}

	return a.withClient(ctx, func(c *client.Client) error {
		for _, folder := range order {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := selectFolder(c, op, folder, false); err != nil {
				return err
			}
			seqSet := new(imap.SeqSet)
			seqSet.AddNum(groups[folder]...)
			if err := fn(c, folder, seqSet); err != nil {
				return wrapErr(op, err)
			}
		}
		return nil
	})
}

// selectFolder opens folder. A refused SELECT is NOT_FOUND only when LIST confirms
// the folder is gone; the client does not expose the response code.
func selectFolder(c *client.Client, op, folder string, readOnly bool) error {
	_, err := c.Select(folder, readOnly)
	if err == nil {
		return nil
	}
	op += " select " + folder
	if exists, listErr := folderExists(c, folder); listErr == nil && !exists {
		return provider.Wrap(provider.ErrNotFound, op, err)
	}
	return wrapErr(op, err)
}

func folderExists(c *client.Client, name string) (bool, error) {
	ch := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.List("", name, ch)
	}()
	found := false
	for info := range ch {
		if info.Name == name {
			found = true
		}
	}
	return found, <-done
}

func (a *Adapter) moveToRole(ctx context.Context, op string, t provider.Target, role, fallback string) error {
	return a.forEachFolder(ctx, op, t, func(c *client.Client, folder string, uids *imap.SeqSet) error {
		dest, err := a.roleFolder(c, role, fallback)
		if err != nil {
			return err
		}
		if dest == folder {
			return nil
		}
		return c.UidMove(uids, dest)
	})
}

func (a *Adapter) Archive(ctx context.Context, t provider.Target) error {
	return a.moveToRole(ctx, "imap archive", t, models.RoleArchive, "Archive")
}

// Trash moves to the trash folder. Messages already in trash are expunged.
func (a *Adapter) Trash(ctx context.Context, t provider.Target) error {
	return a.forEachFolder(ctx, "imap trash", t, func(c *client.Client, folder string, uids *imap.SeqSet) error {
		dest, err := a.roleFolder(c, models.RoleTrash, "Trash")
		if err != nil {
			return err
		}
		if dest == folder {
			return expunge(c, uids)
		}
		return c.UidMove(uids, dest)
	})
}

func (a *Adapter) PermanentDelete(ctx context.Context, t provider.Target) error {
	return a.forEachFolder(ctx, "imap delete", t, func(c *client.Client, _ string, uids *imap.SeqSet) error {
		return expunge(c, uids)
	})
}

func expunge(c *client.Client, uids *imap.SeqSet) error {
	if err := storeFlag(c, uids, imap.DeletedFlag, true); err != nil {
		return err
	}
	return c.Expunge(nil)
}

func storeFlag(c *client.Client, uids *imap.SeqSet, flag string, set bool) error {
	var op imap.FlagsOp = imap.AddFlags
	if !set {
		op = imap.RemoveFlags
	}
	return c.UidStore(uids, imap.FormatFlagsOp(op, true), []interface{}{flag}, nil)
}

func (a *Adapter) MarkRead(ctx context.Context, t provider.Target, read bool) error {
	return a.forEachFolder(ctx, "imap mark read", t, func(c *client.Client, _ string, uids *imap.SeqSet) error {
		return storeFlag(c, uids, imap.SeenFlag, read)
	})
}

func (a *Adapter) Star(ctx context.Context, t provider.Target, starred bool) error {
	return a.forEachFolder(ctx, "imap star", t, func(c *client.Client, _ string, uids *imap.SeqSet) error {
		return storeFlag(c, uids, imap.FlaggedFlag, starred)
	})
}

// Spam moves to the junk folder, or back to INBOX when unset.
func (a *Adapter) Spam(ctx context.Context, t provider.Target, spam bool) error {
	if spam {
		return a.moveToRole(ctx, "imap spam", t, models.RoleJunk, "Junk")
	}
	return a.MoveToFolder(ctx, t, "INBOX")
}

func (a *Adapter) MoveToFolder(ctx context.Context, t provider.Target, folderID string) error {
	return a.forEachFolder(ctx, "imap move", t, func(c *client.Client, folder string, uids *imap.SeqSet) error {
		if folder == folderID {
			return nil
		}
		return c.UidMove(uids, folderID)
	})
}

// AddLabel copies the messages into folder labelID unless a message with the same
// Message-ID is already there.
func (a *Adapter) AddLabel(ctx context.Context, t provider.Target, labelID string) error {
	return a.forEachFolder(ctx, "imap add label", t, func(c *client.Client, folder string, uids *imap.SeqSet) error {
		if folder == labelID {
			return nil
		}
		envelopes, err := FetchEnvelopes(c, seqSetUIDs(uids))
		if err != nil {
			return err
		}

		if err := selectFolder(c, "imap", labelID, true); err != nil {
			return err
		}
		copySet := new(imap.SeqSet)
		for _, m := range envelopes {
			if m.Envelope != nil && m.Envelope.MessageId != "" {
				existing, err := SearchMessageID(c, m.Envelope.MessageId)
				if err != nil {
					return err
				}
				if len(existing) > 0 {
					continue
				}
			}
			copySet.AddNum(m.Uid)
		}
		if copySet.Empty() {
			return nil
		}

		if _, err := c.Select(folder, false); err != nil {
			return err
		}
		return c.UidCopy(copySet, labelID)
	})
}

// RemoveLabel deletes the copies held in folder labelID. Messages whose only copy is
// in labelID are left alone.
func (a *Adapter) RemoveLabel(ctx context.Context, t provider.Target, labelID string) error {
	return a.forEachFolder(ctx, "imap remove label", t, func(c *client.Client, folder string, uids *imap.SeqSet) error {
		envelopes, err := FetchEnvelopes(c, seqSetUIDs(uids))
		if err != nil {
			return err
		}
		if folder == labelID {
			return nil
		}

		if err := selectFolder(c, "imap", labelID, false); err != nil {
			return err
		}
		copies := new(imap.SeqSet)
		for _, m := range envelopes {
			if m.Envelope == nil || m.Envelope.MessageId == "" {
				continue
			}
			found, err := SearchMessageID(c, m.Envelope.MessageId)
			if err != nil {
				return err
			}
			copies.AddNum(found...)
		}
		if copies.Empty() {
			return nil
		}
		return expunge(c, copies)
	})
}

func seqSetUIDs(s *imap.SeqSet) []uint32 {
	var uids []uint32
	for _, seq := range s.Set {
		for uid := seq.Start; uid <= seq.Stop; uid++ {
			uids = append(uids, uid)
		}
	}
	return uids
}

// CreateDraft appends the draft to the drafts folder and returns its message id.
func (a *Adapter) CreateDraft(ctx context.Context, d *models.Draft) (string, error) {
	built, err := mime.Build(d, a.now())
	if err != nil {
		return "", provider.Wrap(provider.ErrParse, "imap create draft", err)
	}

	var id string
	err = a.withClient(ctx, func(c *client.Client) error {
		folder, err := a.roleFolder(c, models.RoleDrafts, "Drafts")
		if err != nil {
			return err
		}
		uid, err := a.appendAndFind(c, folder, built, []string{imap.DraftFlag, imap.SeenFlag})
		if err != nil {
			return err
		}
		id = MessageID(a.account.ID, folder, uid)
		return nil
	})
	return id, err
}

// UpdateDraft replaces the draft. IMAP messages are immutable, so the new draft gets a new id.
func (a *Adapter) UpdateDraft(ctx context.Context, draftID string, d *models.Draft) (string, error) {
	newID, err := a.CreateDraft(ctx, d)
	if err != nil {
		return "", err
	}
	if err := a.DeleteDraft(ctx, draftID); err != nil && provider.KindOf(err) != provider.ErrNotFound {
		return "", err
	}
	return newID, nil
}

func (a *Adapter) DeleteDraft(ctx context.Context, draftID string) error {
	return a.PermanentDelete(ctx, provider.Target{MessageIDs: []string{draftID}})
}

// SendMessage submits over SMTP and files a copy in the sent folder. A failed copy is only logged.
func (a *Adapter) SendMessage(ctx context.Context, d *models.Draft) error {
	built, err := mime.Build(d, a.now())
	if err != nil {
		return provider.Wrap(provider.ErrParse, "imap send", err)
	}

	cfg, err := a.connConfig(ctx)
	if err != nil {
		return err
	}
	err = smtp.Send(ctx, smtp.Config{
		Address:    a.account.SMTPServer,
		Username:   cfg.Username,
		Password:   cfg.Password,
		OAuthToken: cfg.OAuthToken,
		Security:   a.smtpSecurity,
	}, d.From.Address, built.Recipients, built.Raw)
	if err != nil {
		return err
	}

	err = a.withClient(ctx, func(c *client.Client) error {
		folder, err := a.roleFolder(c, models.RoleSent, "Sent")
		if err != nil {
			return err
		}
		return c.Append(folder, []string{imap.SeenFlag}, a.now(), bytes.NewReader(built.Raw))
	})
	if err != nil {
		a.logger.Warn("failed to file sent message", zap.String("message_id", built.MessageID), zap.Error(err))
	}
	return nil
}

// appendAndFind appends raw to folder and looks the new UID up by Message-ID,
// since plain IMAP does not return it.
func (a *Adapter) appendAndFind(c *client.Client, folder string, built *mime.Built, flags []string) (uint32, error) {
	if err := c.Append(folder, flags, a.now(), bytes.NewReader(built.Raw)); err != nil {
		return 0, wrapErr("imap append "+folder, err)
	}
	if _, err := c.Select(folder, true); err != nil {
		return 0, wrapErr("imap select "+folder, err)
	}
	uids, err := SearchMessageID(c, built.MessageID)
	if err != nil {
		return 0, wrapErr("imap search "+folder, err)
	}
	if len(uids) == 0 {
		return 0, provider.Errorf(provider.ErrNotFound, "imap append", "appended message %s not found in %s", built.MessageID, folder)
	}
	var uid uint32
	for _, u := range uids {
		if u > uid {
			uid = u
		}
	}
	return uid, nil
}
