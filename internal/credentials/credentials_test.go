package credentials

import (
	"context"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/testutil"
)

func sampleCredentials() *Credentials {
	return &Credentials{
		Username:     "user@example.com",
		AccessToken:  "access",
		RefreshToken: "refresh",
		TokenType:    "Bearer",
		ExpiresAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestKeyringStore(t *testing.T) {
	ctx := context.Background()
	store := NewKeyringStore(keyring.NewArrayKeyring(nil))

	t.Run("returns ErrNotFound for unknown accounts", func(t *testing.T) {
		_, err := store.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("round-trips credentials", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "acc-1", sampleCredentials()))

		got, err := store.Get(ctx, "acc-1")
		require.NoError(t, err)
		assert.Equal(t, "refresh", got.RefreshToken)
		assert.True(t, got.ExpiresAt.Equal(sampleCredentials().ExpiresAt))
	})

	t.Run("deletes credentials", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "acc-1"))
		require.NoError(t, store.Delete(ctx, "acc-1"))

		_, err := store.Get(ctx, "acc-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDBStore(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()
	store := NewDBStore(db.NewStore(pool), testutil.GetTestEncryptor(t))

	accountID := testutil.CreateTestAccount(t, pool, "gmail")
	otherID := testutil.CreateTestAccount(t, pool, "gmail")

	t.Run("returns ErrNotFound before anything is stored", func(t *testing.T) {
		_, err := store.Get(ctx, accountID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("round-trips and overwrites", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, accountID, sampleCredentials()))

		updated := sampleCredentials()
		updated.AccessToken = "access-2"
		require.NoError(t, store.Put(ctx, accountID, updated))

		got, err := store.Get(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, "access-2", got.AccessToken)
	})

	t.Run("stores ciphertext only", func(t *testing.T) {
		blob, err := db.GetAccountTokens(ctx, pool, accountID)
		require.NoError(t, err)
		assert.NotContains(t, string(blob), "access-2")
	})

	t.Run("rejects a blob moved to another account", func(t *testing.T) {
		blob, err := db.GetAccountTokens(ctx, pool, accountID)
		require.NoError(t, err)
		require.NoError(t, db.SaveAccountTokens(ctx, pool, otherID, blob))

		_, err = store.Get(ctx, otherID)
		assert.Error(t, err)
	})
}

func TestExpiresWithin(t *testing.T) {
	now := time.Now()

	c := &Credentials{ExpiresAt: now.Add(100 * time.Second)}
	assert.True(t, c.ExpiresWithin(300*time.Second, now))
	assert.False(t, c.ExpiresWithin(60*time.Second, now))

	assert.False(t, (&Credentials{}).ExpiresWithin(time.Hour, now))
}
