package gmail

import (
	"context"
	"encoding/base64"

	"github.com/vdavid/mailsync/internal/mime"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	gmail "google.golang.org/api/gmail/v1"
)

// modify adds and removes labels on a whole thread, or on the listed messages when given.
func (a *Adapter) modify(ctx context.Context, op string, t provider.Target, add, remove []string) error {
	if len(t.MessageIDs) > 0 {
		err := a.svc.Users.Messages.BatchModify(userID, &gmail.BatchModifyMessagesRequest{
			Ids:            t.MessageIDs,
			AddLabelIds:    add,
			RemoveLabelIds: remove,
		}).Context(ctx).Do()
		return classify(op, err)
	}
	if t.ThreadID == "" {
		return provider.Errorf(provider.ErrUnsupported, op, "empty target")
	}
	_, err := a.svc.Users.Threads.Modify(userID, t.ThreadID, &gmail.ModifyThreadRequest{
		AddLabelIds:    add,
		RemoveLabelIds: remove,
	}).Context(ctx).Do()
	return classify(op, err)
}

func (a *Adapter) Archive(ctx context.Context, t provider.Target) error {
	return a.modify(ctx, "gmail archive", t, nil, []string{"INBOX"})
}

func (a *Adapter) Trash(ctx context.Context, t provider.Target) error {
	if len(t.MessageIDs) == 0 {
		_, err := a.svc.Users.Threads.Trash(userID, t.ThreadID).Context(ctx).Do()
		return classify("gmail threads.trash", err)
	}
	for _, id := range t.MessageIDs {
		if _, err := a.svc.Users.Messages.Trash(userID, id).Context(ctx).Do(); err != nil {
			return classify("gmail messages.trash", err)
		}
	}
	return nil
}

func (a *Adapter) PermanentDelete(ctx context.Context, t provider.Target) error {
	if len(t.MessageIDs) == 0 {
		return classify("gmail threads.delete", a.svc.Users.Threads.Delete(userID, t.ThreadID).Context(ctx).Do())
	}
	err := a.svc.Users.Messages.BatchDelete(userID, &gmail.BatchDeleteMessagesRequest{Ids: t.MessageIDs}).Context(ctx).Do()
	return classify("gmail messages.batchDelete", err)
}

func (a *Adapter) MarkRead(ctx context.Context, t provider.Target, read bool) error {
	if read {
		return a.modify(ctx, "gmail mark read", t, nil, []string{"UNREAD"})
	}
	return a.modify(ctx, "gmail mark unread", t, []string{"UNREAD"}, nil)
}

func (a *Adapter) Star(ctx context.Context, t provider.Target, starred bool) error {
	if starred {
		return a.modify(ctx, "gmail star", t, []string{"STARRED"}, nil)
	}
	return a.modify(ctx, "gmail unstar", t, nil, []string{"STARRED"})
}

func (a *Adapter) Spam(ctx context.Context, t provider.Target, spam bool) error {
	if spam {
		return a.modify(ctx, "gmail spam", t, []string{"SPAM"}, []string{"INBOX"})
	}
	return a.modify(ctx, "gmail not spam", t, []string{"INBOX"}, []string{"SPAM"})
}

// MoveToFolder adds folderID and takes the thread out of the inbox.
func (a *Adapter) MoveToFolder(ctx context.Context, t provider.Target, folderID string) error {
	if folderID == "INBOX" {
		return a.modify(ctx, "gmail move", t, []string{"INBOX"}, []string{"TRASH", "SPAM"})
	}
	return a.modify(ctx, "gmail move", t, []string{folderID}, []string{"INBOX"})
}

func (a *Adapter) AddLabel(ctx context.Context, t provider.Target, labelID string) error {
	return a.modify(ctx, "gmail add label", t, []string{labelID}, nil)
}

func (a *Adapter) RemoveLabel(ctx context.Context, t provider.Target, labelID string) error {
	return a.modify(ctx, "gmail remove label", t, nil, []string{labelID})
}

func (a *Adapter) encodeDraft(d *models.Draft) (*gmail.Message, error) {
	built, err := mime.Build(d, a.now())
	if err != nil {
		return nil, provider.Wrap(provider.ErrParse, "gmail build message", err)
	}
	return &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString(built.Raw),
		ThreadId: d.ThreadID,
	}, nil
}

func (a *Adapter) CreateDraft(ctx context.Context, d *models.Draft) (string, error) {
	msg, err := a.encodeDraft(d)
	if err != nil {
		return "", err
	}
	draft, err := a.svc.Users.Drafts.Create(userID, &gmail.Draft{Message: msg}).Context(ctx).Do()
	if err != nil {
		return "", classify("gmail drafts.create", err)
	}
	return draft.Id, nil
}

func (a *Adapter) UpdateDraft(ctx context.Context, draftID string, d *models.Draft) (string, error) {
	msg, err := a.encodeDraft(d)
	if err != nil {
		return "", err
	}
	draft, err := a.svc.Users.Drafts.Update(userID, draftID, &gmail.Draft{Id: draftID, Message: msg}).Context(ctx).Do()
	if err != nil {
		return "", classify("gmail drafts.update", err)
	}
	return draft.Id, nil
}

func (a *Adapter) DeleteDraft(ctx context.Context, draftID string) error {
	return classify("gmail drafts.delete", a.svc.Users.Drafts.Delete(userID, draftID).Context(ctx).Do())
}

func (a *Adapter) SendMessage(ctx context.Context, d *models.Draft) error {
	msg, err := a.encodeDraft(d)
	if err != nil {
		return err
	}
	_, err = a.svc.Users.Messages.Send(userID, msg).Context(ctx).Do()
	return classify("gmail messages.send", err)
}
