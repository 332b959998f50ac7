package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestRequireAPIKey(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RequireAPIKey("s3cret", zap.NewNop())(ok)

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"valid bearer token", "Bearer s3cret", "", http.StatusOK},
		{"scheme is case-insensitive", "bearer   s3cret", "", http.StatusOK},
		{"token query parameter", "", "?token=s3cret", http.StatusOK},
		{"no credentials", "", "", http.StatusUnauthorized},
		{"wrong key", "Bearer nope", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic s3cret", "", http.StatusUnauthorized},
		{"empty token", "Bearer ", "", http.StatusUnauthorized},
		{"header wins over query", "Basic x", "?token=s3cret", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/accounts"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			assert.Equal(t, tt.want, rr.Code)
		})
	}
}

func TestRequireAPIKeyDisabled(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	rr := httptest.NewRecorder()
	RequireAPIKey("", zap.NewNop())(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)
}
