package imap

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/vdavid/mailsync/internal/credentials"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"github.com/vdavid/mailsync/internal/smtp"
	"github.com/vdavid/mailsync/internal/testutil"
	"go.uber.org/zap"
)

type testEnv struct {
	server  *testutil.TestIMAPServer
	smtp    *testutil.TestSMTPServer
	adapter *Adapter
	account *models.Account
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	server := testutil.NewTestIMAPServer(t)
	smtpServer := testutil.NewTestSMTPServer(t)

	account := &models.Account{
		ID:            "acc1",
		Provider:      models.ProviderIMAP,
		Email:         "username@example.com",
		AuthMethod:    models.AuthPassword,
		IMAPServer:    server.Address,
		IMAPUsername:  server.Username(),
		SMTPServer:    smtpServer.Address,
		RetentionDays: 30,
	}

	store := credentials.NewKeyringStore(keyring.NewArrayKeyring(nil))
	// the memory servers use different passwords, SendMessage reuses the IMAP login
	smtpServer.Backend.SetCredentials(server.Username(), server.Password())
	if err := store.Put(context.Background(), account.ID, &credentials.Credentials{
		Username: server.Username(),
		Password: server.Password(),
	}); err != nil {
		t.Fatalf("Failed to store credentials: %v", err)
	}

	pool := NewPool(zap.NewNop())
	t.Cleanup(pool.Close)

	adapter := NewAdapter(Config{
		Account:      account,
		Creds:        store,
		Pool:         pool,
		SMTPSecurity: smtp.Insecure,
		Logger:       zap.NewNop(),
	})
	return &testEnv{server: server, smtp: smtpServer, adapter: adapter, account: account}
}

// batchRecorder collects the batches handed to a BatchFunc.
type batchRecorder struct {
	mu      sync.Mutex
	batches []*provider.Batch
}

func (r *batchRecorder) apply(_ context.Context, b *provider.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
	return nil
}

func (r *batchRecorder) messages() []*models.Message {
	var out []*models.Message
	for _, b := range r.batches {
		out = append(out, b.Messages...)
	}
	return out
}

func (r *batchRecorder) cursors() map[string]string {
	out := make(map[string]string)
	for _, b := range r.batches {
		for _, key := range b.ClearedCursors {
			delete(out, key)
		}
		for k, v := range b.Cursors {
			out[k] = v
		}
	}
	return out
}

func (r *batchRecorder) snapshots() []*provider.FolderSnapshot {
	var out []*provider.FolderSnapshot
	for _, b := range r.batches {
		if b.Snapshot != nil {
			out = append(out, b.Snapshot)
		}
	}
	return out
}

func (r *batchRecorder) flagChanges() map[string]provider.FlagChange {
	out := make(map[string]provider.FlagChange)
	for _, b := range r.batches {
		for _, fc := range b.FlagChanges {
			out[fc.MessageID] = fc
		}
	}
	return out
}

func daysAgo(n int) time.Time {
	return time.Now().AddDate(0, 0, -n)
}
