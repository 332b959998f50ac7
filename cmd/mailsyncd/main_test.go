package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/testutil"
	"go.uber.org/zap"
)

func getTestConfig() *config.Config {
	return &config.Config{
		Environment:          "test",
		EncryptionKeyBase64:  testutil.TestEncryptionKeyBase64,
		APIKey:               "test-key",
		Port:                 "0",
		SyncInterval:         time.Hour,
		FlushInterval:        time.Hour,
		QueueMaxAttempts:     3,
		DefaultRetentionDays: 30,
		IMAPMaxWorkers:       1,
		TokenBackend:         "db",
	}
}

func get(t *testing.T, h http.Handler, path, token string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	body, err := io.ReadAll(w.Result().Body)
	require.NoError(t, err)
	return w.Code, string(body)
}

func TestNewServer(t *testing.T) {
	pool := testutil.NewTestDB(t)

	server, err := NewServer(getTestConfig(), pool, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(server.Close)

	status, body := get(t, server.Handler, "/", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "mailsync is running", body)

	status, _ = get(t, server.Handler, "/api/v1/accounts", "")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body = get(t, server.Handler, "/api/v1/accounts", "test-key")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, body)

	status, body = get(t, server.Handler, "/metrics", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "mailsync_http_requests_total")
}

func TestNewServerRejectsBadKey(t *testing.T) {
	cfg := getTestConfig()
	cfg.EncryptionKeyBase64 = "not base64!"

	_, err := NewServer(cfg, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	pool := testutil.NewTestDB(t)

	server, err := NewServer(getTestConfig(), pool, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx, "127.0.0.1:0") }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
