package imap

import (
	"context"
	"testing"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"github.com/vdavid/mailsync/internal/testutil"
)

func serverFlags(t *testing.T, env *testEnv, folder string, uid uint32) []string {
	t.Helper()
	c, cleanup := env.server.Connect(t)
	defer cleanup()

	_, err := c.Select(folder, true)
	require.NoError(t, err)
	msgs, err := uidFetch(c, []uint32{uid}, []imap.FetchItem{imap.FetchUid, imap.FetchFlags})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0].Flags
}

func target(env *testEnv, folder string, uids ...uint32) provider.Target {
	t := provider.Target{}
	for _, uid := range uids {
		t.MessageIDs = append(t.MessageIDs, MessageID(env.account.ID, folder, uid))
	}
	return t
}

func TestFlagMutations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	uid := env.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<f@example.com>"})

	require.NoError(t, env.adapter.MarkRead(ctx, target(env, "INBOX", uid), true))
	require.NoError(t, env.adapter.Star(ctx, target(env, "INBOX", uid), true))
	flags := serverFlags(t, env, "INBOX", uid)
	assert.Contains(t, flags, imap.SeenFlag)
	assert.Contains(t, flags, imap.FlaggedFlag)

	require.NoError(t, env.adapter.MarkRead(ctx, target(env, "INBOX", uid), false))
	assert.NotContains(t, serverFlags(t, env, "INBOX", uid), imap.SeenFlag)
}

func TestUnstarClearsFlag(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	uid := env.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<s@example.com>", Flags: []string{imap.FlaggedFlag}})

	require.NoError(t, env.adapter.Star(ctx, target(env, "INBOX", uid), false))
	assert.NotContains(t, serverFlags(t, env, "INBOX", uid), imap.FlaggedFlag)
}

func TestSelectFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("unavailable folder is a network error", func(t *testing.T) {
		env := newTestEnv(t)
		uid := env.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<u@example.com>"})
		env.server.SetUnavailable("INBOX", true)

		err := env.adapter.Trash(ctx, target(env, "INBOX", uid))
		require.Error(t, err)
		assert.Equal(t, provider.ErrNetwork, provider.KindOf(err))

		env.server.SetUnavailable("INBOX", false)
		assert.Equal(t, []uint32{uid}, env.server.FolderUIDs(t, "INBOX"), "nothing was removed")
	})

	t.Run("missing folder is not found", func(t *testing.T) {
		env := newTestEnv(t)
		err := env.adapter.Trash(ctx, target(env, "Gone", 1))
		assert.Equal(t, provider.ErrNotFound, provider.KindOf(err))
	})
}

func TestMoveMutations(t *testing.T) {
	ctx := context.Background()

	t.Run("archive creates the archive folder", func(t *testing.T) {
		env := newTestEnv(t)
		uid := env.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<a@example.com>"})

		require.NoError(t, env.adapter.Archive(ctx, target(env, "INBOX", uid)))
		assert.Empty(t, env.server.FolderUIDs(t, "INBOX"))
		assert.Len(t, env.server.FolderUIDs(t, "Archive"), 1)
	})

	t.Run("trash twice deletes", func(t *testing.T) {
		env := newTestEnv(t)
		env.server.CreateFolder(t, "Trash")
		uid := env.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<t@example.com>"})

		require.NoError(t, env.adapter.Trash(ctx, target(env, "INBOX", uid)))
		trashed := env.server.FolderUIDs(t, "Trash")
		require.Len(t, trashed, 1)

		require.NoError(t, env.adapter.Trash(ctx, target(env, "Trash", trashed[0])))
		assert.Empty(t, env.server.FolderUIDs(t, "Trash"))
	})

	t.Run("spam and back", func(t *testing.T) {
		env := newTestEnv(t)
		env.server.CreateFolder(t, "Junk")
		uid := env.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<s@example.com>"})

		require.NoError(t, env.adapter.Spam(ctx, target(env, "INBOX", uid), true))
		junk := env.server.FolderUIDs(t, "Junk")
		require.Len(t, junk, 1)

		require.NoError(t, env.adapter.Spam(ctx, target(env, "Junk", junk[0]), false))
		assert.Len(t, env.server.FolderUIDs(t, "INBOX"), 1)
		assert.Empty(t, env.server.FolderUIDs(t, "Junk"))
	})

	t.Run("permanent delete", func(t *testing.T) {
		env := newTestEnv(t)
		uid := env.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<d@example.com>"})

		require.NoError(t, env.adapter.PermanentDelete(ctx, target(env, "INBOX", uid)))
		assert.Empty(t, env.server.FolderUIDs(t, "INBOX"))
	})
}

func TestLabelMutations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.server.CreateFolder(t, "Projects")
	uid := env.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<l@example.com>"})
	tgt := target(env, "INBOX", uid)

	require.NoError(t, env.adapter.AddLabel(ctx, tgt, "Projects"))
	require.NoError(t, env.adapter.AddLabel(ctx, tgt, "Projects"))
	assert.Len(t, env.server.FolderUIDs(t, "Projects"), 1, "adding twice keeps one copy")
	assert.Len(t, env.server.FolderUIDs(t, "INBOX"), 1)

	require.NoError(t, env.adapter.RemoveLabel(ctx, tgt, "Projects"))
	assert.Empty(t, env.server.FolderUIDs(t, "Projects"))
	assert.Len(t, env.server.FolderUIDs(t, "INBOX"), 1)
}

func TestThreadOnlyTargetIsUnsupported(t *testing.T) {
	env := newTestEnv(t)
	err := env.adapter.Archive(context.Background(), provider.Target{ThreadID: "t1"})
	assert.Equal(t, provider.ErrUnsupported, provider.KindOf(err))
}

func testDraft(subject string) *models.Draft {
	return &models.Draft{
		From:     models.Address{Address: "username@example.com"},
		To:       []models.Address{{Name: "Bob", Address: "bob@example.com"}},
		Subject:  subject,
		TextBody: "Hi Bob",
	}
}

func TestDrafts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.server.CreateFolder(t, "Drafts")

	id, err := env.adapter.CreateDraft(ctx, testDraft("v1"))
	require.NoError(t, err)
	folder, uid, err := ParseMessageID(env.account.ID, id)
	require.NoError(t, err)
	assert.Equal(t, "Drafts", folder)
	assert.Contains(t, serverFlags(t, env, "Drafts", uid), imap.DraftFlag)

	newID, err := env.adapter.UpdateDraft(ctx, id, testDraft("v2"))
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)
	assert.Len(t, env.server.FolderUIDs(t, "Drafts"), 1)

	msg, err := env.adapter.FetchMessage(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, "v2", msg.Subject)

	require.NoError(t, env.adapter.DeleteDraft(ctx, newID))
	assert.Empty(t, env.server.FolderUIDs(t, "Drafts"))
}

func TestSendMessage(t *testing.T) {
	env := newTestEnv(t)
	env.server.CreateFolder(t, "Sent")

	require.NoError(t, env.adapter.SendMessage(context.Background(), testDraft("Hello Bob")))

	received := env.smtp.Messages()
	require.Len(t, received, 1)
	assert.Equal(t, []string{"bob@example.com"}, received[0].To)
	assert.Contains(t, string(received[0].Data), "Subject: Hello Bob")

	sent := env.server.FolderUIDs(t, "Sent")
	require.Len(t, sent, 1)
	assert.Contains(t, serverFlags(t, env, "Sent", sent[0]), imap.SeenFlag)
}

func TestFetchMessageNotFound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.adapter.FetchMessage(ctx, MessageID(env.account.ID, "INBOX", 42))
	assert.Equal(t, provider.ErrNotFound, provider.KindOf(err))

	_, err = env.adapter.FetchMessage(ctx, "imap-other-INBOX-1")
	assert.Equal(t, provider.ErrNotFound, provider.KindOf(err))
}
