package jmap

import (
	"context"
	"strings"

	"github.com/vdavid/mailsync/internal/mime"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
)

// targetIDs returns the email ids of t. Thread ids are local to the cache, so callers
// must resolve them to message ids first.
func targetIDs(op string, t provider.Target) ([]string, error) {
	if len(t.MessageIDs) == 0 {
		return nil, provider.Errorf(provider.ErrUnsupported, op, "target has no message ids")
	}
	return t.MessageIDs, nil
}

// patch applies the same Email/set patch to every targeted email.
func (a *Adapter) patch(ctx context.Context, op string, t provider.Target, p map[string]any) error {
	ids, err := targetIDs(op, t)
	if err != nil {
		return err
	}
	update := make(map[string]any, len(ids))
	for _, id := range ids {
		update[id] = p
	}
	_, err = a.set(ctx, "Email/set", map[string]any{"update": update})
	return err
}

func (a *Adapter) moveTo(ctx context.Context, op string, t provider.Target, mailboxID string) error {
	return a.patch(ctx, op, t, map[string]any{"mailboxIds": map[string]bool{mailboxID: true}})
}

func (a *Adapter) Archive(ctx context.Context, t provider.Target) error {
	id, err := a.ensureMailbox(ctx, models.RoleArchive, "Archive")
	if err != nil {
		return err
	}
	return a.moveTo(ctx, "jmap archive", t, id)
}

// Trash moves emails to the trash mailbox. Emails already there are destroyed.
func (a *Adapter) Trash(ctx context.Context, t provider.Target) error {
	ids, err := targetIDs("jmap trash", t)
	if err != nil {
		return err
	}
	trashID, err := a.ensureMailbox(ctx, models.RoleTrash, "Trash")
	if err != nil {
		return err
	}
	list, _, err := a.getEmails(ctx, ids, []string{"id", "mailboxIds"})
	if err != nil {
		return err
	}

	var move, destroy []string
	for _, e := range list {
		if e.MailboxIDs[trashID] {
			destroy = append(destroy, e.ID)
		} else {
			move = append(move, e.ID)
		}
	}
	args := map[string]any{}
	if len(move) > 0 {
		update := make(map[string]any, len(move))
		for _, id := range move {
			update[id] = map[string]any{"mailboxIds": map[string]bool{trashID: true}}
		}
		args["update"] = update
	}
	if len(destroy) > 0 {
		args["destroy"] = destroy
	}
	if len(args) == 0 {
		return nil
	}
	_, err = a.set(ctx, "Email/set", args)
	return err
}

func (a *Adapter) PermanentDelete(ctx context.Context, t provider.Target) error {
	ids, err := targetIDs("jmap delete", t)
	if err != nil {
		return err
	}
	_, err = a.set(ctx, "Email/set", map[string]any{"destroy": ids})
	return err
}

func keywordPatch(keyword string, on bool) map[string]any {
	if on {
		return map[string]any{"keywords/" + keyword: true}
	}
	return map[string]any{"keywords/" + keyword: nil}
}

func (a *Adapter) MarkRead(ctx context.Context, t provider.Target, read bool) error {
	return a.patch(ctx, "jmap mark read", t, keywordPatch("$seen", read))
}

func (a *Adapter) Star(ctx context.Context, t provider.Target, starred bool) error {
	return a.patch(ctx, "jmap star", t, keywordPatch("$flagged", starred))
}

func (a *Adapter) Spam(ctx context.Context, t provider.Target, spam bool) error {
	role, name := models.RoleInbox, "Inbox"
	if spam {
		role, name = models.RoleJunk, "Junk"
	}
	id, err := a.ensureMailbox(ctx, role, name)
	if err != nil {
		return err
	}
	return a.moveTo(ctx, "jmap spam", t, id)
}

func (a *Adapter) MoveToFolder(ctx context.Context, t provider.Target, folderID string) error {
	return a.moveTo(ctx, "jmap move", t, folderID)
}

func (a *Adapter) AddLabel(ctx context.Context, t provider.Target, labelID string) error {
	return a.patch(ctx, "jmap add label", t, map[string]any{"mailboxIds/" + labelID: true})
}

func (a *Adapter) RemoveLabel(ctx context.Context, t provider.Target, labelID string) error {
	return a.patch(ctx, "jmap remove label", t, map[string]any{"mailboxIds/" + labelID: nil})
}

// importDraft uploads the built message and imports it into the drafts mailbox.
func (a *Adapter) importDraft(ctx context.Context, d *models.Draft) (string, string, error) {
	built, err := mime.Build(d, a.now())
	if err != nil {
		return "", "", provider.Wrap(provider.ErrParse, "jmap draft", err)
	}
	draftsID, err := a.ensureMailbox(ctx, models.RoleDrafts, "Drafts")
	if err != nil {
		return "", "", err
	}
	blobID, err := a.c.upload(ctx, built.Raw, "message/rfc822")
	if err != nil {
		return "", "", err
	}

	accountID, err := a.c.accountID(ctx)
	if err != nil {
		return "", "", err
	}
	res, err := a.c.call(ctx, "jmap Email/import", invoke("Email/import", "i", map[string]any{
		"accountId": accountID,
		"emails": map[string]any{"draft": map[string]any{
			"blobId":     blobID,
			"mailboxIds": map[string]bool{draftsID: true},
			"keywords":   map[string]bool{"$draft": true, "$seen": true},
		}},
	}))
	if err != nil {
		return "", "", err
	}
	var out setResponse
	if err := res.decode("i", &out); err != nil {
		return "", "", methodError("jmap Email/import", "", err)
	}
	if err := out.firstError("jmap Email/import"); err != nil {
		return "", "", err
	}
	id := out.createdID("draft")
	if id == "" {
		return "", "", provider.Errorf(provider.ErrParse, "jmap Email/import", "no id for imported draft")
	}
	return id, draftsID, nil
}

func (a *Adapter) CreateDraft(ctx context.Context, d *models.Draft) (string, error) {
	id, _, err := a.importDraft(ctx, d)
	return id, err
}

// UpdateDraft replaces the draft: emails are immutable, so a new one is imported and
// the old one destroyed.
func (a *Adapter) UpdateDraft(ctx context.Context, draftID string, d *models.Draft) (string, error) {
	id, _, err := a.importDraft(ctx, d)
	if err != nil {
		return "", err
	}
	if err := a.DeleteDraft(ctx, draftID); err != nil && provider.KindOf(err) != provider.ErrNotFound {
		return "", err
	}
	return id, nil
}

func (a *Adapter) DeleteDraft(ctx context.Context, draftID string) error {
	_, err := a.set(ctx, "Email/set", map[string]any{"destroy": []string{draftID}})
	return err
}

// SendMessage imports the message as a draft and submits it. On success the server
// moves it from drafts to sent and clears the draft keyword.
func (a *Adapter) SendMessage(ctx context.Context, d *models.Draft) error {
	if len(d.To)+len(d.CC)+len(d.BCC) == 0 {
		return provider.Wrap(provider.ErrParse, "jmap send", mime.ErrNoRecipients)
	}
	emailID, draftsID, err := a.importDraft(ctx, d)
	if err != nil {
		return err
	}
	sentID, err := a.ensureMailbox(ctx, models.RoleSent, "Sent")
	if err != nil {
		return err
	}

	accountID, err := a.c.accountID(ctx)
	if err != nil {
		return err
	}
	identityID, err := a.identityFor(ctx, accountID, d.From.Address)
	if err != nil {
		return err
	}

	res, err := a.c.call(ctx, "jmap EmailSubmission/set", invoke("EmailSubmission/set", "s", map[string]any{
		"accountId": accountID,
		"create": map[string]any{"send": map[string]any{
			"identityId": identityID,
			"emailId":    emailID,
		}},
		"onSuccessUpdateEmail": map[string]any{"#send": map[string]any{
			"mailboxIds/" + draftsID: nil,
			"mailboxIds/" + sentID:   true,
			"keywords/$draft":        nil,
		}},
	}))
	if err != nil {
		return err
	}
	var out setResponse
	if err := res.decode("s", &out); err != nil {
		return methodError("jmap EmailSubmission/set", "", err)
	}
	return out.firstError("jmap EmailSubmission/set")
}

// identityFor picks the identity whose address matches from, or the first one.
func (a *Adapter) identityFor(ctx context.Context, accountID, from string) (string, error) {
	res, err := a.c.call(ctx, "jmap Identity/get", invoke("Identity/get", "i", map[string]any{"accountId": accountID}))
	if err != nil {
		return "", err
	}
	var out getResponse[identity]
	if err := res.decode("i", &out); err != nil {
		return "", methodError("jmap Identity/get", "", err)
	}
	if len(out.List) == 0 {
		return "", provider.Errorf(provider.ErrUnsupported, "jmap Identity/get", "account has no sending identity")
	}
	for _, id := range out.List {
		if strings.EqualFold(id.Email, from) {
			return id.ID, nil
		}
	}
	return out.List[0].ID, nil
}
