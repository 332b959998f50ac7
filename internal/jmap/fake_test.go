package jmap

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
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

const (
	testAccount  = "u1"
	testPassword = "secret"
)

var testNow = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

// fakeJMAP plays a JMAP server backed by in-memory mailboxes and emails.
type fakeJMAP struct {
	t   *testing.T
	srv *httptest.Server

	mu             sync.Mutex
	mailboxes      map[string]mailbox
	emails         map[string]*fakeEmail
	blobs          map[string][]byte
	mailboxState   string
	emailState     string
	sessionState   string
	mailboxChanges map[string]changesResponse
	emailChanges   map[string]changesResponse

	// rejectToken is answered with 401.
	rejectToken string
	// maxQueryLimit caps Email/query limits when set.
	maxQueryLimit int
	// throttle answers that many API requests with 429 before serving them.
	throttle     int
	sessionGets  int
	tokenRefresh int
	calls        []string
	submissions  []map[string]any
	nextID       int
}

type fakeEmail struct {
	mailboxIDs map[string]bool
	keywords   map[string]bool
	receivedAt time.Time
	blobID     string
}

func newFakeJMAP(t *testing.T) *fakeJMAP {
	f := &fakeJMAP{
		t:              t,
		mailboxes:      make(map[string]mailbox),
		emails:         make(map[string]*fakeEmail),
		blobs:          make(map[string][]byte),
		mailboxState:   "m1",
		emailState:     "e1",
		sessionState:   "s1",
		mailboxChanges: make(map[string]changesResponse),
		emailChanges:   make(map[string]changesResponse),
	}
	for i, mb := range []mailbox{
		{ID: "inbox", Name: "Inbox", Role: "inbox"},
		{ID: "drafts", Name: "Drafts", Role: "drafts"},
		{ID: "sent", Name: "Sent", Role: "sent"},
		{ID: "trash", Name: "Trash", Role: "trash"},
		{ID: "junk", Name: "Junk", Role: "junk"},
		{ID: "work", Name: "Work"},
	} {
		mb.SortOrder = i
		f.mailboxes[mb.ID] = mb
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func rawEmail(id, subject string) []byte {
	return []byte("Message-ID: <" + id + "@example.com>\r\nFrom: alice@example.com\r\nTo: me@example.com\r\n" +
		"Subject: " + subject + "\r\nDate: Mon, 12 Oct 2026 10:00:00 +0000\r\n" +
		"Content-Type: text/plain\r\n\r\nbody of " + subject + "\r\n")
}

func (f *fakeJMAP) addEmail(id string, receivedAt time.Time, mailboxIDs []string, keywords ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &fakeEmail{
		mailboxIDs: make(map[string]bool),
		keywords:   make(map[string]bool),
		receivedAt: receivedAt,
		blobID:     "blob-" + id,
	}
	for _, mb := range mailboxIDs {
		e.mailboxIDs[mb] = true
	}
	for _, k := range keywords {
		e.keywords[k] = true
	}
	f.emails[id] = e
	f.blobs[e.blobID] = rawEmail(id, "Subject "+id)
}

func (f *fakeJMAP) email(id string) *fakeEmail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.emails[id]
}

func (f *fakeJMAP) id(prefix string) string {
	f.nextID++
	return prefix + strconv.Itoa(f.nextID)
}

func (f *fakeJMAP) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	require.NoError(f.t, json.NewEncoder(w).Encode(v))
}

func (f *fakeJMAP) authorized(r *http.Request) bool {
	if user, pass, ok := r.BasicAuth(); ok {
		return user == "me@example.com" && pass == testPassword
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return token != "" && token != f.rejectToken
}

func (f *fakeJMAP) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path == "/token" {
		f.tokenRefresh++
		f.writeJSON(w, map[string]any{"access_token": "refreshed", "token_type": "Bearer", "expires_in": 3600})
		return
	}
	if !f.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch {
	case r.URL.Path == "/.well-known/jmap":
		f.sessionGets++
		f.writeJSON(w, map[string]any{
			"username":        "me@example.com",
			"apiUrl":          "/api",
			"downloadUrl":     "/download/{accountId}/{blobId}/{name}?type={type}",
			"uploadUrl":       "/upload/{accountId}/",
			"primaryAccounts": map[string]string{capMail: testAccount, capSubmission: testAccount},
			"state":           f.sessionState,
		})

	case strings.HasPrefix(r.URL.Path, "/download/"):
		parts := strings.Split(r.URL.Path, "/")
		data, ok := f.blobs[parts[3]]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(data)

	case strings.HasPrefix(r.URL.Path, "/upload/"):
		data, err := io.ReadAll(r.Body)
		require.NoError(f.t, err)
		blobID := f.id("upload-")
		f.blobs[blobID] = data
		f.writeJSON(w, map[string]any{"blobId": blobID, "type": r.Header.Get("Content-Type"), "size": len(data)})

	case r.URL.Path == "/api" && f.throttle > 0:
		f.throttle--
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)

	case r.URL.Path == "/api":
		var req struct {
			Using       []string     `json:"using"`
			MethodCalls []Invocation `json:"methodCalls"`
		}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		var out []Invocation
		for _, call := range req.MethodCalls {
			f.calls = append(f.calls, call.Name)
			var args map[string]any
			require.NoError(f.t, json.Unmarshal(call.Args, &args))
			f.resolveRefs(args, out)
			name, result := f.method(call.Name, args)
			raw, err := json.Marshal(result)
			require.NoError(f.t, err)
			out = append(out, Invocation{Name: name, Args: raw, CallID: call.CallID})
		}
		f.writeJSON(w, map[string]any{"methodResponses": out, "sessionState": f.sessionState})

	default:
		f.t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}
}

// resolveRefs replaces "#ids" back-references with the ids of the referenced result.
func (f *fakeJMAP) resolveRefs(args map[string]any, prev []Invocation) {
	ref, ok := args["#ids"].(map[string]any)
	if !ok {
		return
	}
	delete(args, "#ids")
	for _, inv := range prev {
		if inv.CallID != ref["resultOf"] {
			continue
		}
		var res struct {
			IDs []string `json:"ids"`
		}
		require.NoError(f.t, json.Unmarshal(inv.Args, &res))
		ids := make([]any, 0, len(res.IDs))
		for _, id := range res.IDs {
			ids = append(ids, id)
		}
		args["ids"] = ids
	}
}

func stringList(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		out = append(out, item.(string))
	}
	return out
}

func methodErr(typ string) (string, any) {
	return "error", map[string]string{"type": typ}
}

func (f *fakeJMAP) method(name string, args map[string]any) (string, any) {
	switch name {
	case "Mailbox/get":
		var list []mailbox
		if ids, ok := args["ids"]; ok {
			for _, id := range stringList(ids) {
				if mb, ok := f.mailboxes[id]; ok {
					list = append(list, mb)
				}
			}
		} else {
			for _, mb := range f.mailboxes {
				list = append(list, mb)
			}
			sort.Slice(list, func(i, j int) bool { return list[i].SortOrder < list[j].SortOrder })
		}
		return name, map[string]any{"accountId": testAccount, "state": f.mailboxState, "list": list}

	case "Mailbox/changes":
		ch, ok := f.mailboxChanges[args["sinceState"].(string)]
		if !ok {
			return methodErr("cannotCalculateChanges")
		}
		return name, ch

	case "Mailbox/set":
		resp := map[string]any{"newState": f.mailboxState}
		if create, ok := args["create"].(map[string]any); ok {
			created := map[string]any{}
			for key, v := range create {
				props := v.(map[string]any)
				id := f.id("mb-")
				parent, _ := props["parentId"].(string)
				f.mailboxes[id] = mailbox{ID: id, Name: props["name"].(string), ParentID: parent, SortOrder: len(f.mailboxes)}
				created[key] = map[string]string{"id": id}
			}
			resp["created"] = created
		}
		if update, ok := args["update"].(map[string]any); ok {
			for id, v := range update {
				mb := f.mailboxes[id]
				mb.Name = v.(map[string]any)["name"].(string)
				f.mailboxes[id] = mb
			}
		}
		notDestroyed := map[string]any{}
		for _, id := range stringList(args["destroy"]) {
			if _, ok := f.mailboxes[id]; !ok {
				notDestroyed[id] = map[string]string{"type": "notFound"}
				continue
			}
			delete(f.mailboxes, id)
		}
		resp["notDestroyed"] = notDestroyed
		return name, resp

	case "Email/query":
		var after time.Time
		if filter, ok := args["filter"].(map[string]any); ok {
			var err error
			after, err = time.Parse(time.RFC3339, filter["after"].(string))
			require.NoError(f.t, err)
		}
		var ids []string
		for id, e := range f.emails {
			if e.receivedAt.After(after) {
				ids = append(ids, id)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return f.emails[ids[i]].receivedAt.After(f.emails[ids[j]].receivedAt) })
		total := len(ids)
		position, _ := args["position"].(float64)
		limit, _ := args["limit"].(float64)
		if f.maxQueryLimit > 0 && (limit == 0 || int(limit) > f.maxQueryLimit) {
			limit = float64(f.maxQueryLimit)
		}
		start := min(int(position), len(ids))
		end := len(ids)
		if limit > 0 {
			end = min(start+int(limit), len(ids))
		} else if _, set := args["limit"]; set {
			end = start
		}
		return name, map[string]any{"ids": ids[start:end], "position": start, "total": total}

	case "Email/get":
		list := []map[string]any{}
		var notFound []string
		for _, id := range stringList(args["ids"]) {
			e, ok := f.emails[id]
			if !ok {
				notFound = append(notFound, id)
				continue
			}
			list = append(list, map[string]any{
				"id":         id,
				"blobId":     e.blobID,
				"mailboxIds": e.mailboxIDs,
				"keywords":   e.keywords,
				"size":       len(f.blobs[e.blobID]),
				"receivedAt": e.receivedAt.Format(time.RFC3339),
			})
		}
		return name, map[string]any{"accountId": testAccount, "state": f.emailState, "list": list, "notFound": notFound}

	case "Email/changes":
		ch, ok := f.emailChanges[args["sinceState"].(string)]
		if !ok {
			return methodErr("cannotCalculateChanges")
		}
		return name, ch

	case "Email/set":
		notUpdated := map[string]any{}
		if update, ok := args["update"].(map[string]any); ok {
			for id, v := range update {
				e, ok := f.emails[id]
				if !ok {
					notUpdated[id] = map[string]string{"type": "notFound"}
					continue
				}
				e.apply(v.(map[string]any))
			}
		}
		notDestroyed := map[string]any{}
		for _, id := range stringList(args["destroy"]) {
			if _, ok := f.emails[id]; !ok {
				notDestroyed[id] = map[string]string{"type": "notFound"}
				continue
			}
			delete(f.emails, id)
		}
		return name, map[string]any{"newState": f.emailState, "notUpdated": notUpdated, "notDestroyed": notDestroyed}

	case "Email/import":
		created := map[string]any{}
		for key, v := range args["emails"].(map[string]any) {
			props := v.(map[string]any)
			id := f.id("email-")
			e := &fakeEmail{
				mailboxIDs: make(map[string]bool),
				keywords:   make(map[string]bool),
				receivedAt: testNow,
				blobID:     props["blobId"].(string),
			}
			for mb := range props["mailboxIds"].(map[string]any) {
				e.mailboxIDs[mb] = true
			}
			for k := range props["keywords"].(map[string]any) {
				e.keywords[k] = true
			}
			f.emails[id] = e
			created[key] = map[string]string{"id": id}
		}
		return name, map[string]any{"created": created}

	case "Identity/get":
		return name, map[string]any{"list": []map[string]string{
			{"id": "id-other", "name": "Other", "email": "other@example.com"},
			{"id": "id-me", "name": "Me", "email": "me@example.com"},
		}}

	case "EmailSubmission/set":
		f.submissions = append(f.submissions, args)
		created := map[string]any{}
		for key, v := range args["create"].(map[string]any) {
			emailID := v.(map[string]any)["emailId"].(string)
			created[key] = map[string]string{"id": f.id("sub-")}
			if patch, ok := args["onSuccessUpdateEmail"].(map[string]any)["#"+key].(map[string]any); ok {
				f.emails[emailID].apply(patch)
			}
		}
		return name, map[string]any{"created": created}

	default:
		f.t.Errorf("unexpected method %s", name)
		return methodErr("unknownMethod")
	}
}

func (e *fakeEmail) apply(patch map[string]any) {
	for k, v := range patch {
		switch {
		case k == "mailboxIds":
			e.mailboxIDs = make(map[string]bool)
			for mb := range v.(map[string]any) {
				e.mailboxIDs[mb] = true
			}
		case strings.HasPrefix(k, "mailboxIds/"):
			setOrDelete(e.mailboxIDs, strings.TrimPrefix(k, "mailboxIds/"), v)
		case strings.HasPrefix(k, "keywords/"):
			setOrDelete(e.keywords, strings.TrimPrefix(k, "keywords/"), v)
		}
	}
}

func setOrDelete(m map[string]bool, key string, v any) {
	if v == nil {
		delete(m, key)
		return
	}
	m[key] = true
}

func newTestAdapter(t *testing.T, f *fakeJMAP, account *models.Account, creds *credentials.Credentials) *Adapter {
	t.Helper()
	store := credentials.NewKeyringStore(keyring.NewArrayKeyring(nil))
	require.NoError(t, store.Put(context.Background(), account.ID, creds))
	guard := credentials.NewTokenGuard(credentials.GuardConfig{
		Store: store,
		OAuth: &oauth2.Config{
			ClientID: "id",
			Endpoint: oauth2.Endpoint{TokenURL: f.srv.URL + "/token", AuthStyle: oauth2.AuthStyleInParams},
		},
		Logger: zap.NewNop(),
	})
	return NewAdapter(Config{
		Account: account,
		Store:   store,
		Guard:   guard,
		Logger:  zap.NewNop(),
		Now:     func() time.Time { return testNow },
	})
}

func passwordAccount(f *fakeJMAP) *models.Account {
	return &models.Account{
		ID:             "acc1",
		Provider:       models.ProviderJMAP,
		Email:          "me@example.com",
		AuthMethod:     models.AuthPassword,
		JMAPSessionURL: f.srv.URL + "/.well-known/jmap",
		RetentionDays:  30,
	}
}

func newPasswordAdapter(t *testing.T, f *fakeJMAP) *Adapter {
	return newTestAdapter(t, f, passwordAccount(f), &credentials.Credentials{Password: testPassword})
}
