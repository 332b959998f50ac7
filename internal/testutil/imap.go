package testutil

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
)

// TestIMAPServer represents a test IMAP server instance.
type TestIMAPServer struct {
	Server   *server.Server
	Address  string
	Backend  *memory.Backend
	gate     *gatedBackend
	username string
	password string
}

// gatedBackend refuses to open the mailboxes marked unavailable, the way a server
// answers SELECT while a mailbox is temporarily offline. They still show up in LIST.
type gatedBackend struct {
	*memory.Backend

	mu          sync.Mutex
	unavailable map[string]bool
}

func (b *gatedBackend) Login(connInfo *imap.ConnInfo, username, password string) (backend.User, error) {
	u, err := b.Backend.Login(connInfo, username, password)
	if err != nil {
		return nil, err
	}
	return &gatedUser{User: u, gate: b}, nil
}

type gatedUser struct {
	backend.User
	gate *gatedBackend
}

func (u *gatedUser) GetMailbox(name string) (backend.Mailbox, error) {
	u.gate.mu.Lock()
	down := u.gate.unavailable[name]
	u.gate.mu.Unlock()
	if down {
		return nil, fmt.Errorf("[UNAVAILABLE] mailbox %s is temporarily offline", name)
	}
	return u.User.GetMailbox(name)
}

// NewTestIMAPServer starts an IMAP server on a random local port backed by go-imap's
// memory backend. The backend's single user is "username" / "password"; the sample
// message it seeds into INBOX is removed so tests start from an empty mailbox.
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	be := memory.New()
	clearSampleMessage(t, be)
	gate := &gatedBackend{Backend: be, unavailable: make(map[string]bool)}

	s := server.New(gate)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	go func() {
		if err := s.Serve(listener); err != nil {
			t.Logf("IMAP server stopped: %v", err)
		}
	}()

	t.Cleanup(func() {
		_ = s.Close()
	})

	return &TestIMAPServer{
		Server:   s,
		Address:  listener.Addr().String(),
		Backend:  be,
		gate:     gate,
		username: "username",
		password: "password",
	}
}

func clearSampleMessage(t *testing.T, be *memory.Backend) {
	t.Helper()

	user, err := be.Login(nil, "username", "password")
	if err != nil {
		t.Fatalf("Failed to log into memory backend: %v", err)
	}
	mbox, err := user.GetMailbox("INBOX")
	if err != nil {
		t.Fatalf("Failed to get INBOX: %v", err)
	}
	mbox.(*memory.Mailbox).Messages = nil
}

// SetUnavailable makes SELECT of folder fail until it is called again with false.
func (s *TestIMAPServer) SetUnavailable(folder string, unavailable bool) {
	s.gate.mu.Lock()
	defer s.gate.mu.Unlock()
	s.gate.unavailable[folder] = unavailable
}

// Username returns the default test username.
func (s *TestIMAPServer) Username() string {
	return s.username
}

// Password returns the default test password.
func (s *TestIMAPServer) Password() string {
	return s.password
}

// Connect creates a new logged-in client connection to the test server.
func (s *TestIMAPServer) Connect(t *testing.T) (*imapclient.Client, func()) {
	t.Helper()

	client, err := imapclient.Dial(s.Address)
	if err != nil {
		t.Fatalf("Failed to connect to test server: %v", err)
	}

	if err := client.Login(s.username, s.password); err != nil {
		_ = client.Logout()
		t.Fatalf("Failed to login: %v", err)
	}

	return client, func() { _ = client.Logout() }
}

// CreateFolder creates a mailbox on the server.
func (s *TestIMAPServer) CreateFolder(t *testing.T, name string) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	if err := client.Create(name); err != nil {
		t.Fatalf("Failed to create folder %s: %v", name, err)
	}
}

// TestMessage describes a message appended with AddMessage.
type TestMessage struct {
	MessageID  string
	InReplyTo  string
	References string
	Subject    string
	From       string
	To         string
	Date       time.Time
	Body       string
	Flags      []string
}

// AddMessage appends a plain-text message and returns its UID.
func (s *TestIMAPServer) AddMessage(t *testing.T, folderName string, m TestMessage) uint32 {
	t.Helper()

	if m.From == "" {
		m.From = "alice@example.com"
	}
	if m.To == "" {
		m.To = "bob@example.com"
	}
	if m.Date.IsZero() {
		m.Date = time.Now()
	}
	if m.Body == "" {
		m.Body = "Test message body."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Message-ID: %s\r\n", m.MessageID)
	fmt.Fprintf(&b, "Date: %s\r\n", m.Date.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "From: %s\r\n", m.From)
	fmt.Fprintf(&b, "To: %s\r\n", m.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", m.Subject)
	if m.InReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", m.InReplyTo)
	}
	if m.References != "" {
		fmt.Fprintf(&b, "References: %s\r\n", m.References)
	}
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(m.Body)
	b.WriteString("\r\n")

	return s.AddRawMessage(t, folderName, b.String(), m.Flags, time.Now())
}

// AddRawMessage appends a raw RFC 5322 message with the given INTERNALDATE and returns its UID.
func (s *TestIMAPServer) AddRawMessage(t *testing.T, folderName, raw string, flags []string, internalDate time.Time) uint32 {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	if err := client.Append(folderName, flags, internalDate, strings.NewReader(raw)); err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}

	status, err := client.Select(folderName, true)
	if err != nil {
		t.Fatalf("Failed to select folder: %v", err)
	}
	return status.UidNext - 1
}

// SetFlags replaces the flags of one message.
func (s *TestIMAPServer) SetFlags(t *testing.T, folderName string, uid uint32, flags []string) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	if _, err := client.Select(folderName, false); err != nil {
		t.Fatalf("Failed to select folder: %v", err)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	values := make([]interface{}, len(flags))
	for i, f := range flags {
		values[i] = f
	}
	if err := client.UidStore(seqSet, imap.FormatFlagsOp(imap.SetFlags, true), values, nil); err != nil {
		t.Fatalf("Failed to set flags: %v", err)
	}
}

// ExpungeMessage deletes one message from a folder.
func (s *TestIMAPServer) ExpungeMessage(t *testing.T, folderName string, uid uint32) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	if _, err := client.Select(folderName, false); err != nil {
		t.Fatalf("Failed to select folder: %v", err)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := client.UidStore(seqSet, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		t.Fatalf("Failed to flag message deleted: %v", err)
	}
	if err := client.Expunge(nil); err != nil {
		t.Fatalf("Failed to expunge: %v", err)
	}
}

// FolderUIDs returns the UIDs currently in a folder.
func (s *TestIMAPServer) FolderUIDs(t *testing.T, folderName string) []uint32 {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	if _, err := client.Select(folderName, true); err != nil {
		t.Fatalf("Failed to select folder: %v", err)
	}
	uids, err := client.UidSearch(imap.NewSearchCriteria())
	if err != nil {
		t.Fatalf("Failed to search folder: %v", err)
	}
	return uids
}
