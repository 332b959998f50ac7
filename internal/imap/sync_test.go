package imap

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/provider"
	"github.com/vdavid/mailsync/internal/testutil"
)

func TestInitialSync(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.server.CreateFolder(t, "Sent")
	first := env.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<a@example.com>", Subject: "Hello"})
	second := env.server.AddMessage(t, "INBOX", testutil.TestMessage{
		MessageID:  "<b@example.com>",
		InReplyTo:  "<a@example.com>",
		References: "<a@example.com>",
		Subject:    "Re: Hello",
		Flags:      []string{imap.SeenFlag},
	})
	env.server.AddMessage(t, "Sent", testutil.TestMessage{MessageID: "<c@example.com>", Subject: "Out"})
	env.server.AddRawMessage(t, "INBOX", "Message-ID: <old@example.com>\r\nSubject: old\r\n\r\nold\r\n", nil, daysAgo(90))

	var phases []provider.Phase
	rec := &batchRecorder{}
	err := env.adapter.InitialSync(ctx, provider.InitialSyncOptions{
		DaysBack:   30,
		OnProgress: func(p provider.Progress) { phases = append(phases, p.Phase) },
	}, rec.apply)
	require.NoError(t, err)

	t.Run("labels come first", func(t *testing.T) {
		require.NotEmpty(t, rec.batches)
		labels := rec.batches[0].Labels
		require.Len(t, labels, 2)
		assert.Equal(t, "INBOX", labels[0].ID)
		assert.Equal(t, "inbox", labels[0].Role)
		assert.Equal(t, "Sent", labels[1].ID)
	})

	t.Run("messages newest first within retention", func(t *testing.T) {
		msgs := rec.messages()
		require.Len(t, msgs, 3)
		assert.Equal(t, MessageID("acc1", "INBOX", second), msgs[0].ID)
		assert.Equal(t, MessageID("acc1", "INBOX", first), msgs[1].ID)
		assert.Equal(t, "Sent", msgs[2].IMAPFolder)

		assert.True(t, msgs[0].IsRead)
		assert.False(t, msgs[1].IsRead)
		assert.Equal(t, "<a@example.com>", msgs[0].InReplyTo)
		assert.Equal(t, []string{"INBOX"}, msgs[0].LabelIDs)
	})

	t.Run("cursor and snapshot per folder", func(t *testing.T) {
		cursors := rec.cursors()
		require.Contains(t, cursors, "folder:INBOX")
		require.Contains(t, cursors, "folder:Sent")

		c, err := decodeCursor(cursors["folder:INBOX"])
		require.NoError(t, err)
		assert.Equal(t, uint32(3), c.LastUID)

		snaps := rec.snapshots()
		require.Len(t, snaps, 2)
		assert.Equal(t, "INBOX", snaps[0].Folder)
		// the old message is outside retention but still on the server
		assert.Len(t, snaps[0].MessageIDs, 3)
	})

	t.Run("progress phases", func(t *testing.T) {
		assert.Equal(t, provider.PhaseFolders, phases[0])
		assert.Contains(t, phases, provider.PhaseMessages)
		assert.Equal(t, provider.PhaseDone, phases[len(phases)-1])
	})

	assert.False(t, env.adapter.RequiresInitialSync(rec.cursors()))
	assert.True(t, env.adapter.RequiresInitialSync(map[string]string{}))
}

func TestInitialSyncDateFallback(t *testing.T) {
	env := newTestEnv(t)
	internal := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	env.server.AddRawMessage(t, "INBOX", "Message-ID: <nodate@example.com>\r\nSubject: undated\r\n\r\nbody\r\n", nil, internal)

	rec := &batchRecorder{}
	require.NoError(t, env.adapter.InitialSync(context.Background(), provider.InitialSyncOptions{}, rec.apply))

	msgs := rec.messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].SentAt.Equal(internal), "got %v", msgs[0].SentAt)
}

func TestInitialSyncPagesLargeFolders(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < fetchBatchSize+5; i++ {
		env.server.AddMessage(t, "INBOX", testutil.TestMessage{Subject: "bulk"})
	}

	rec := &batchRecorder{}
	require.NoError(t, env.adapter.InitialSync(context.Background(), provider.InitialSyncOptions{}, rec.apply))

	var sizes []int
	for _, b := range rec.batches {
		if len(b.Messages) > 0 {
			sizes = append(sizes, len(b.Messages))
			assert.Empty(t, b.Cursors, "cursor must follow the last page")
		}
	}
	assert.Equal(t, []int{fetchBatchSize, 5}, sizes)
}

func initialCursors(t *testing.T, env *testEnv) map[string]string {
	t.Helper()
	rec := &batchRecorder{}
	require.NoError(t, env.adapter.InitialSync(context.Background(), provider.InitialSyncOptions{}, rec.apply))
	return rec.cursors()
}

func TestDeltaSync(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	gone := env.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<1@example.com>"})
	kept := env.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<2@example.com>"})
	cursors := initialCursors(t, env)

	env.server.SetFlags(t, "INBOX", kept, []string{imap.SeenFlag, imap.FlaggedFlag})
	env.server.ExpungeMessage(t, "INBOX", gone)
	added := env.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<3@example.com>"})

	rec := &batchRecorder{}
	require.NoError(t, env.adapter.DeltaSync(ctx, cursors, rec.apply))

	msgs := rec.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageID("acc1", "INBOX", added), msgs[0].ID)

	fc := rec.flagChanges()[MessageID("acc1", "INBOX", kept)]
	require.NotNil(t, fc.IsRead)
	assert.True(t, *fc.IsRead)
	assert.True(t, *fc.IsStarred)

	snaps := rec.snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(kept), snaps[0].MaxUID)
	assert.Equal(t, []string{MessageID("acc1", "INBOX", kept)}, snaps[0].MessageIDs)

	next, err := decodeCursor(rec.cursors()["folder:INBOX"])
	require.NoError(t, err)
	assert.Equal(t, added, next.LastUID)

	t.Run("no changes is a no-op", func(t *testing.T) {
		again := &batchRecorder{}
		require.NoError(t, env.adapter.DeltaSync(ctx, rec.cursors(), again.apply))
		assert.Empty(t, again.messages())
	})
}

func TestDeltaSyncNewAndRemovedFolders(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.server.CreateFolder(t, "Old")
	env.server.AddMessage(t, "Old", testutil.TestMessage{MessageID: "<old@example.com>"})
	cursors := initialCursors(t, env)
	require.Contains(t, cursors, "folder:Old")

	client, cleanup := env.server.Connect(t)
	require.NoError(t, client.Delete("Old"))
	cleanup()
	env.server.CreateFolder(t, "Projects")
	env.server.AddMessage(t, "Projects", testutil.TestMessage{MessageID: "<p@example.com>"})

	rec := &batchRecorder{}
	require.NoError(t, env.adapter.DeltaSync(ctx, cursors, rec.apply))

	var removed *provider.Batch
	for _, b := range rec.batches {
		if len(b.DeletedLabelIDs) > 0 {
			removed = b
		}
	}
	require.NotNil(t, removed)
	assert.Equal(t, []string{"Old"}, removed.DeletedLabelIDs)
	assert.Equal(t, int64(math.MaxInt64), removed.Snapshot.MaxUID)
	assert.Contains(t, removed.ClearedCursors, "folder:Old")

	msgs := rec.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Projects", msgs[0].IMAPFolder)

	final := rec.cursors()
	assert.Contains(t, final, "folder:Projects")
	assert.NotContains(t, final, "folder:Old")
}

func TestDeltaSyncUIDValidityChange(t *testing.T) {
	env := newTestEnv(t)
	env.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<1@example.com>"})
	cursors := initialCursors(t, env)

	c, err := decodeCursor(cursors["folder:INBOX"])
	require.NoError(t, err)
	c.UIDValidity++
	cursors["folder:INBOX"] = c.encode()

	rec := &batchRecorder{}
	err = env.adapter.DeltaSync(context.Background(), cursors, rec.apply)

	objectType, expired := provider.IsStateExpired(err)
	require.True(t, expired, "got %v", err)
	assert.Equal(t, "folder:INBOX", objectType)

	snaps := rec.snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(math.MaxInt64), snaps[0].MaxUID)
	assert.NotContains(t, rec.cursors(), "folder:INBOX")
}

func TestDeltaSyncStopsOnApplyError(t *testing.T) {
	env := newTestEnv(t)
	env.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<1@example.com>"})
	cursors := initialCursors(t, env)

	boom := assert.AnError
	err := env.adapter.DeltaSync(context.Background(), cursors, func(context.Context, *provider.Batch) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}
