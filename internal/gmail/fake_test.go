package gmail

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/credentials"
	"github.com/vdavid/mailsync/internal/models"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// fakeGmail plays the subset of the Gmail API the adapter uses.
type fakeGmail struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	messages  map[string]fakeMessage
	pages     [][]string
	history   map[string][]map[string]any
	historyID string

	// rejectToken is answered with 401.
	rejectToken string
	// throttle is the number of 429s sent before requests are served.
	throttle int
	// throttleReason sends the throttles as 403 with this error reason instead.
	throttleReason string

	tokenRefresh int
	requests     []string
	modifyBodies []map[string]any
	sentRaw      []string
	drafts       map[string]string
}

type fakeMessage struct {
	ThreadID string
	Labels   []string
	Raw      string
}

func newFakeGmail(t *testing.T) *fakeGmail {
	f := &fakeGmail{
		t:         t,
		messages:  make(map[string]fakeMessage),
		history:   make(map[string][]map[string]any),
		historyID: "100",
		drafts:    make(map[string]string),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func rawMessage(messageID, subject string) string {
	return "Message-ID: <" + messageID + ">\r\nFrom: alice@example.com\r\nTo: me@example.com\r\n" +
		"Subject: " + subject + "\r\nDate: Mon, 05 Oct 2026 10:00:00 +0000\r\n" +
		"Content-Type: text/plain\r\n\r\nbody of " + subject + "\r\n"
}

func (f *fakeGmail) addMessage(id, threadID string, labels ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[id] = fakeMessage{ThreadID: threadID, Labels: labels, Raw: rawMessage(id+"@example.com", "Subject "+id)}
}

func (f *fakeGmail) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	f.writeJSONBody(w, v)
}

func (f *fakeGmail) writeJSONBody(w http.ResponseWriter, v any) {
	require.NoError(f.t, json.NewEncoder(w).Encode(v))
}

func (f *fakeGmail) writeError(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	f.writeJSONBody(w, map[string]any{"error": map[string]any{"code": code, "message": http.StatusText(code)}})
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func (f *fakeGmail) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path == "/token" {
		f.tokenRefresh++
		f.writeJSON(w, map[string]any{"access_token": "refreshed", "token_type": "Bearer", "expires_in": 3600})
		return
	}

	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	if token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "); token == f.rejectToken {
		f.writeError(w, http.StatusUnauthorized)
		return
	}
	if f.throttle > 0 {
		f.throttle--
		w.Header().Set("Retry-After", "0")
		if f.throttleReason != "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			f.writeJSONBody(w, map[string]any{"error": map[string]any{
				"code":    http.StatusForbidden,
				"message": "Rate Limit Exceeded",
				"errors":  []map[string]string{{"domain": "usageLimits", "reason": f.throttleReason}},
			}})
			return
		}
		f.writeError(w, http.StatusTooManyRequests)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/gmail/v1/users/me/")
	switch {
	case path == "profile":
		f.writeJSON(w, map[string]any{
			"emailAddress":  "me@example.com",
			"historyId":     f.historyID,
			"messagesTotal": len(f.messages),
			"threadsTotal":  1,
		})

	case path == "labels":
		f.writeJSON(w, map[string]any{"labels": []map[string]any{
			{"id": "INBOX", "name": "INBOX", "type": "system"},
			{"id": "UNREAD", "name": "UNREAD", "type": "system"},
			{"id": "Label_1", "name": "Work", "type": "user", "color": map[string]string{"backgroundColor": "#fad165"}},
			{"id": "Label_2", "name": "Work/Reports", "type": "user"},
		}})

	case path == "messages" && r.Method == http.MethodGet:
		page := 0
		if tok := r.URL.Query().Get("pageToken"); tok != "" {
			page = int(tok[0] - '0')
		}
		resp := map[string]any{"resultSizeEstimate": len(f.messages)}
		if page < len(f.pages) {
			var refs []map[string]string
			for _, id := range f.pages[page] {
				refs = append(refs, map[string]string{"id": id, "threadId": f.messages[id].ThreadID})
			}
			resp["messages"] = refs
		}
		if page+1 < len(f.pages) {
			resp["nextPageToken"] = itoa(page + 1)
		}
		f.writeJSON(w, resp)

	case path == "messages/batchModify" || strings.HasSuffix(path, "/modify"):
		var body map[string]any
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		body["path"] = path
		f.modifyBodies = append(f.modifyBodies, body)
		if strings.HasPrefix(path, "threads/") {
			f.writeJSON(w, map[string]any{"id": strings.Split(path, "/")[1]})
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case path == "messages/send":
		var body map[string]string
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		f.sentRaw = append(f.sentRaw, body["raw"])
		f.writeJSON(w, map[string]any{"id": "sent-1", "threadId": body["threadId"]})

	case path == "drafts" && r.Method == http.MethodPost:
		var body struct {
			Message struct {
				Raw string `json:"raw"`
			} `json:"message"`
		}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		id := "draft-" + itoa(len(f.drafts)+1)
		f.drafts[id] = body.Message.Raw
		f.writeJSON(w, map[string]any{"id": id})

	case strings.HasPrefix(path, "messages/"):
		id := strings.TrimPrefix(path, "messages/")
		m, ok := f.messages[id]
		if !ok {
			f.writeError(w, http.StatusNotFound)
			return
		}
		f.writeJSON(w, map[string]any{
			"id":           id,
			"threadId":     m.ThreadID,
			"labelIds":     m.Labels,
			"internalDate": "1790000000000",
			"raw":          base64.URLEncoding.EncodeToString([]byte(m.Raw)),
		})

	case path == "history":
		records, ok := f.history[r.URL.Query().Get("startHistoryId")]
		if !ok {
			f.writeError(w, http.StatusNotFound)
			return
		}
		f.writeJSON(w, map[string]any{"history": records, "historyId": f.historyID})

	default:
		f.t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}
}

type testAdapter struct {
	*Adapter
	store credentials.TokenStore
}

func newTestAdapter(t *testing.T, f *fakeGmail, accessToken string) *testAdapter {
	t.Helper()
	ctx := context.Background()

	store := credentials.NewKeyringStore(keyring.NewArrayKeyring(nil))
	require.NoError(t, store.Put(ctx, "acc1", &credentials.Credentials{
		AccessToken:  accessToken,
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	}))
	guard := credentials.NewTokenGuard(credentials.GuardConfig{
		Store: store,
		OAuth: &oauth2.Config{
			ClientID: "id",
			Endpoint: oauth2.Endpoint{TokenURL: f.srv.URL + "/token", AuthStyle: oauth2.AuthStyleInParams},
		},
		Logger: zap.NewNop(),
	})

	a, err := NewAdapter(ctx, Config{
		Account:        &models.Account{ID: "acc1", Provider: models.ProviderGmail, Email: "me@example.com", RetentionDays: 30},
		Guard:          guard,
		Endpoint:       f.srv.URL + "/",
		RetryBaseDelay: time.Millisecond,
		Logger:         zap.NewNop(),
	})
	require.NoError(t, err)
	return &testAdapter{Adapter: a, store: store}
}
