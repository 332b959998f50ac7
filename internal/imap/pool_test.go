package imap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/provider"
	"github.com/vdavid/mailsync/internal/testutil"
	"go.uber.org/zap"
)

func testConnConfig(server *testutil.TestIMAPServer) ConnConfig {
	return ConnConfig{Address: server.Address, Username: server.Username(), Password: server.Password()}
}

func TestPool_GetClient(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	cfg := testConnConfig(server)
	ctx := context.Background()

	t.Run("reuses released connections", func(t *testing.T) {
		pool := NewPool(zap.NewNop())
		defer pool.Close()

		first, release, err := pool.GetClient(ctx, "acc", cfg)
		require.NoError(t, err)
		release()

		second, release, err := pool.GetClient(ctx, "acc", cfg)
		require.NoError(t, err)
		defer release()

		assert.Same(t, first, second)
		workers, _ := pool.Stats("acc")
		assert.Equal(t, 1, workers)
	})

	t.Run("blocks at max workers", func(t *testing.T) {
		pool := NewPoolWithMaxWorkers(1, zap.NewNop())
		defer pool.Close()

		_, release, err := pool.GetClient(ctx, "acc", cfg)
		require.NoError(t, err)
		defer release()

		waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, _, err = pool.GetClient(waitCtx, "acc", cfg)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("bad password is an auth error", func(t *testing.T) {
		pool := NewPool(zap.NewNop())
		defer pool.Close()

		bad := cfg
		bad.Password = "wrong"
		_, _, err := pool.GetClient(ctx, "acc", bad)
		assert.Equal(t, provider.ErrAuth, provider.KindOf(err))
	})

	t.Run("unreachable server is a network error", func(t *testing.T) {
		pool := NewPool(zap.NewNop())
		defer pool.Close()

		_, _, err := pool.GetClient(ctx, "acc", ConnConfig{Address: "127.0.0.1:1", Username: "u", Password: "p"})
		assert.Equal(t, provider.ErrNetwork, provider.KindOf(err))
	})
}

func TestPool_CleanupIdleConnections(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	pool := NewPool(zap.NewNop())
	defer pool.Close()

	_, release, err := pool.GetClient(context.Background(), "acc", testConnConfig(server))
	require.NoError(t, err)
	release()

	pool.cleanupIdleConnections(time.Now())
	workers, _ := pool.Stats("acc")
	assert.Equal(t, 1, workers, "recently used connections stay")

	pool.cleanupIdleConnections(time.Now().Add(workerIdleTimeout + time.Minute))
	workers, _ = pool.Stats("acc")
	assert.Equal(t, 0, workers)
}

func TestPool_Listener(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	pool := NewPool(zap.NewNop())
	defer pool.Close()

	listener, err := pool.GetListenerConnection(context.Background(), "acc", testConnConfig(server))
	require.NoError(t, err)
	listener.Unlock()

	_, hasListener := pool.Stats("acc")
	assert.True(t, hasListener)

	pool.RemoveClient("acc")
	workers, hasListener := pool.Stats("acc")
	assert.Equal(t, 0, workers)
	assert.False(t, hasListener)
}
