package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/testutil"
)

func TestPendingOperations(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()
	accountID := testutil.CreateTestAccount(t, pool, "gmail")

	first := &models.PendingOperation{
		ID: uuid.NewString(), AccountID: accountID, ResourceType: "thread", ResourceID: "t1",
		Kind: models.OpArchive, Payload: []byte(`{"target":{"thread_id":"t1"}}`),
	}
	second := &models.PendingOperation{
		ID: uuid.NewString(), AccountID: accountID, ResourceType: "thread", ResourceID: "t1",
		Kind: models.OpStar,
	}
	require.NoError(t, InsertPendingOperation(ctx, pool, first))
	require.NoError(t, InsertPendingOperation(ctx, pool, second))
	assert.Less(t, first.Seq, second.Seq)

	ops, err := ListPendingOperations(ctx, pool, accountID)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, first.ID, ops[0].ID)
	assert.JSONEq(t, `{"target":{"thread_id":"t1"}}`, string(ops[0].Payload))
	assert.JSONEq(t, `{}`, string(ops[1].Payload))

	first.Attempts = 3
	first.State = models.OperationFailed
	first.LastError = "boom"
	first.NextAttemptAt = time.Now().Add(time.Minute)
	require.NoError(t, RecordOperationFailure(ctx, pool, first))

	counts, err := CountPendingOperations(ctx, pool, accountID)
	require.NoError(t, err)
	assert.Equal(t, models.PendingCounts{Pending: 1, Failed: 1}, counts)

	require.NoError(t, ResetPendingOperation(ctx, pool, accountID, first.ID, time.Now()))
	got, err := GetPendingOperation(ctx, pool, accountID, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, models.OperationPending, got.State)
	assert.Empty(t, got.LastError)

	accounts, err := AccountsWithPendingOperations(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, []string{accountID}, accounts)

	require.NoError(t, DeletePendingOperation(ctx, pool, accountID, second.ID))
	assert.ErrorIs(t, DeletePendingOperation(ctx, pool, accountID, second.ID), ErrOperationNotFound)
}

func TestDraftRefs(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()
	accountID := testutil.CreateTestAccount(t, pool, "gmail")

	id, err := ResolveDraftID(ctx, pool, accountID, "op-1")
	require.NoError(t, err)
	assert.Equal(t, "op-1", id, "unknown ids resolve to themselves")

	require.NoError(t, SaveDraftRef(ctx, pool, accountID, "op-1", "r-100"))
	require.NoError(t, SaveDraftRef(ctx, pool, accountID, "op-1", "r-101"))
	id, err = ResolveDraftID(ctx, pool, accountID, "op-1")
	require.NoError(t, err)
	assert.Equal(t, "r-101", id)

	other := testutil.CreateTestAccount(t, pool, "gmail")
	id, err = ResolveDraftID(ctx, pool, other, "op-1")
	require.NoError(t, err)
	assert.Equal(t, "op-1", id, "refs are per account")
}

func TestAccountTokens(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()
	accountID := testutil.CreateTestAccount(t, pool, "gmail")

	_, err := GetAccountTokens(ctx, pool, accountID)
	assert.ErrorIs(t, err, ErrTokensNotFound)

	require.NoError(t, SaveAccountTokens(ctx, pool, accountID, []byte{1, 2, 3}))
	require.NoError(t, SaveAccountTokens(ctx, pool, accountID, []byte{4, 5}))

	blob, err := GetAccountTokens(ctx, pool, accountID)
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5}, blob)
}

func TestAccounts(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()

	account := &models.Account{
		ID: "acc-jmap", Provider: models.ProviderJMAP, Email: "me@fastmail.example",
		JMAPSessionURL: "https://api.fastmail.example/jmap/session", RetentionDays: 30,
	}
	require.NoError(t, SaveAccount(ctx, pool, account))
	assert.False(t, account.CreatedAt.IsZero())

	require.NoError(t, SetAccountNeedsReauth(ctx, pool, "acc-jmap", true))

	got, err := GetAccount(ctx, pool, "acc-jmap")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderJMAP, got.Provider)
	assert.Equal(t, models.AuthPassword, got.AuthMethod)
	assert.True(t, got.NeedsReauth)

	err = SaveAccount(ctx, pool, &models.Account{ID: "bad", Provider: "pop3"})
	assert.Error(t, err)

	_, err = GetAccount(ctx, pool, "missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}
