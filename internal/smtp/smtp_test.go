package smtp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/provider"
	"github.com/vdavid/mailsync/internal/testutil"
)

func TestSend(t *testing.T) {
	server := testutil.NewTestSMTPServer(t)
	ctx := context.Background()

	cfg := Config{
		Address:  server.Address,
		Username: server.Username(),
		Password: server.Password(),
		Security: Insecure,
	}

	t.Run("delivers the message to every recipient", func(t *testing.T) {
		raw := []byte("Subject: hi\r\n\r\nhello\r\n")
		err := Send(ctx, cfg, "me@example.com", []string{"a@example.com", "b@example.com"}, raw)
		require.NoError(t, err)

		msgs := server.Messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "me@example.com", msgs[0].From)
		assert.Equal(t, []string{"a@example.com", "b@example.com"}, msgs[0].To)
		assert.Contains(t, string(msgs[0].Data), "hello")
	})

	t.Run("rejects bad credentials as auth errors", func(t *testing.T) {
		bad := cfg
		bad.Password = "wrong"
		err := Send(ctx, bad, "me@example.com", []string{"a@example.com"}, []byte("x"))
		assert.Equal(t, provider.ErrAuth, provider.KindOf(err))
	})

	t.Run("requires recipients", func(t *testing.T) {
		err := Send(ctx, cfg, "me@example.com", nil, []byte("x"))
		assert.Error(t, err)
	})
}

func TestCheck(t *testing.T) {
	server := testutil.NewTestSMTPServer(t)

	err := Check(context.Background(), Config{
		Address:  server.Address,
		Username: server.Username(),
		Password: server.Password(),
		Security: Insecure,
	})
	assert.NoError(t, err)
}

func TestSecurityFor(t *testing.T) {
	assert.Equal(t, ImplicitTLS, SecurityFor("smtp.example.com:465", false))
	assert.Equal(t, StartTLS, SecurityFor("smtp.example.com:587", false))
	assert.Equal(t, Insecure, SecurityFor("smtp.example.com:465", true))
}
