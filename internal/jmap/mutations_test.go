package jmap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
)

func target(ids ...string) provider.Target {
	return provider.Target{MessageIDs: ids}
}

func TestFlagMutations(t *testing.T) {
	f := newFakeJMAP(t)
	f.addEmail("m1", testNow, []string{"inbox"})
	f.addEmail("m2", testNow, []string{"inbox"}, "$seen")
	a := newPasswordAdapter(t, f)
	ctx := context.Background()

	require.NoError(t, a.MarkRead(ctx, target("m1", "m2"), true))
	assert.True(t, f.email("m1").keywords["$seen"])
	require.NoError(t, a.MarkRead(ctx, target("m1", "m2"), true), "repeating is harmless")

	require.NoError(t, a.MarkRead(ctx, target("m2"), false))
	assert.False(t, f.email("m2").keywords["$seen"])

	require.NoError(t, a.Star(ctx, target("m1"), true))
	assert.True(t, f.email("m1").keywords["$flagged"])
	require.NoError(t, a.Star(ctx, target("m1"), false))
	assert.False(t, f.email("m1").keywords["$flagged"])
}

func TestLabelMutations(t *testing.T) {
	f := newFakeJMAP(t)
	f.addEmail("m1", testNow, []string{"inbox"})
	a := newPasswordAdapter(t, f)
	ctx := context.Background()

	require.NoError(t, a.AddLabel(ctx, target("m1"), "work"))
	require.NoError(t, a.AddLabel(ctx, target("m1"), "work"))
	assert.Equal(t, map[string]bool{"inbox": true, "work": true}, f.email("m1").mailboxIDs)

	require.NoError(t, a.RemoveLabel(ctx, target("m1"), "inbox"))
	assert.Equal(t, map[string]bool{"work": true}, f.email("m1").mailboxIDs)

	require.NoError(t, a.MoveToFolder(ctx, target("m1"), "inbox"))
	assert.Equal(t, map[string]bool{"inbox": true}, f.email("m1").mailboxIDs)
}

func TestMoveMutations(t *testing.T) {
	f := newFakeJMAP(t)
	f.addEmail("m1", testNow, []string{"inbox"})
	f.addEmail("m2", testNow, []string{"inbox"})
	a := newPasswordAdapter(t, f)
	ctx := context.Background()

	require.NoError(t, a.Archive(ctx, target("m1")))
	archiveID, err := a.findMailbox(ctx, models.RoleArchive, "Archive")
	require.NoError(t, err)
	require.NotEmpty(t, archiveID)
	assert.Equal(t, map[string]bool{archiveID: true}, f.email("m1").mailboxIDs)

	require.NoError(t, a.Archive(ctx, target("m2")))
	assert.Equal(t, map[string]bool{archiveID: true}, f.email("m2").mailboxIDs, "the created mailbox is reused")
	require.NoError(t, a.MoveToFolder(ctx, target("m2"), "inbox"))

	require.NoError(t, a.Spam(ctx, target("m2"), true))
	assert.Equal(t, map[string]bool{"junk": true}, f.email("m2").mailboxIDs)
	require.NoError(t, a.Spam(ctx, target("m2"), false))
	assert.Equal(t, map[string]bool{"inbox": true}, f.email("m2").mailboxIDs)

	require.NoError(t, a.Trash(ctx, target("m2")))
	assert.Equal(t, map[string]bool{"trash": true}, f.email("m2").mailboxIDs)
	require.NoError(t, a.Trash(ctx, target("m2")))
	assert.Nil(t, f.email("m2"), "trashing from trash destroys")

	require.NoError(t, a.PermanentDelete(ctx, target("m1")))
	assert.Nil(t, f.email("m1"))

	err = a.PermanentDelete(ctx, target("m1"))
	assert.Equal(t, provider.ErrNotFound, provider.KindOf(err))
}

func TestThreadOnlyTargetUnsupported(t *testing.T) {
	f := newFakeJMAP(t)
	a := newPasswordAdapter(t, f)

	err := a.MarkRead(context.Background(), provider.Target{ThreadID: "t1"}, true)
	assert.Equal(t, provider.ErrUnsupported, provider.KindOf(err))
}

func TestFolderMutations(t *testing.T) {
	f := newFakeJMAP(t)
	a := newPasswordAdapter(t, f)
	ctx := context.Background()

	label, err := a.CreateFolder(ctx, "Projects", "work")
	require.NoError(t, err)
	assert.Equal(t, "work", label.ParentID)
	assert.Equal(t, "Projects", f.mailboxes[label.ID].Name)

	require.NoError(t, a.RenameFolder(ctx, label.ID, "Clients"))
	assert.Equal(t, "Clients", f.mailboxes[label.ID].Name)

	require.NoError(t, a.DeleteFolder(ctx, label.ID))
	assert.NotContains(t, f.mailboxes, label.ID)
	assert.Equal(t, provider.ErrNotFound, provider.KindOf(a.DeleteFolder(ctx, label.ID)))
}

func TestDraftsAndSend(t *testing.T) {
	f := newFakeJMAP(t)
	a := newPasswordAdapter(t, f)
	ctx := context.Background()

	draft := &models.Draft{
		From:     models.Address{Address: "me@example.com"},
		To:       []models.Address{{Address: "bob@example.com"}},
		Subject:  "Hello",
		TextBody: "first",
	}
	id, err := a.CreateDraft(ctx, draft)
	require.NoError(t, err)
	e := f.email(id)
	require.NotNil(t, e)
	assert.Equal(t, map[string]bool{"drafts": true}, e.mailboxIDs)
	assert.True(t, e.keywords["$draft"])

	draft.TextBody = "second"
	newID, err := a.UpdateDraft(ctx, id, draft)
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)
	assert.Nil(t, f.email(id))

	raw, err := a.FetchRawMessage(ctx, newID)
	require.NoError(t, err)
	assert.Contains(t, string(raw.Data), "second")

	require.NoError(t, a.DeleteDraft(ctx, newID))
	assert.Nil(t, f.email(newID))

	require.NoError(t, a.SendMessage(ctx, draft))
	require.Len(t, f.submissions, 1)
	create := f.submissions[0]["create"].(map[string]any)["send"].(map[string]any)
	assert.Equal(t, "id-me", create["identityId"])
	sent := f.email(create["emailId"].(string))
	require.NotNil(t, sent)
	assert.Equal(t, map[string]bool{"sent": true}, sent.mailboxIDs)
	assert.False(t, sent.keywords["$draft"])

	err = a.SendMessage(ctx, &models.Draft{From: draft.From, Subject: "nobody"})
	assert.Equal(t, provider.ErrParse, provider.KindOf(err))
}

func TestFetchAttachment(t *testing.T) {
	f := newFakeJMAP(t)
	f.addEmail("m1", testNow, []string{"inbox"})
	a := newPasswordAdapter(t, f)

	_, err := a.FetchAttachment(context.Background(), "m1", "9")
	assert.Equal(t, provider.ErrNotFound, provider.KindOf(err))
}
