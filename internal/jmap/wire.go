package jmap

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

const (
	capCore       = "urn:ietf:params:jmap:core"
	capMail       = "urn:ietf:params:jmap:mail"
	capSubmission = "urn:ietf:params:jmap:submission"
)

var using = []string{capCore, capMail, capSubmission}

// Session is the JMAP session resource (RFC 8620 section 2).
type Session struct {
	Username        string            `json:"username"`
	APIURL          string            `json:"apiUrl"`
	DownloadURL     string            `json:"downloadUrl"`
	UploadURL       string            `json:"uploadUrl"`
	PrimaryAccounts map[string]string `json:"primaryAccounts"`
	State           string            `json:"state"`
}

// Invocation is one method call or response, encoded as a [name, arguments, callId] triple.
type Invocation struct {
	Name   string
	Args   json.RawMessage
	CallID string
}

func (i Invocation) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{i.Name, i.Args, i.CallID})
}

func (i *Invocation) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 3 {
		return fmt.Errorf("invocation has %d elements, want 3", len(parts))
	}
	if err := json.Unmarshal(parts[0], &i.Name); err != nil {
		return fmt.Errorf("invocation name: %w", err)
	}
	i.Args = parts[1]
	if err := json.Unmarshal(parts[2], &i.CallID); err != nil {
		return fmt.Errorf("invocation call id: %w", err)
	}
	return nil
}

// methodCall is an outgoing invocation whose arguments are encoded with the request.
type methodCall struct {
	Name   string
	Args   any
	CallID string
}

func (c methodCall) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{c.Name, c.Args, c.CallID})
}

type request struct {
	Using       []string     `json:"using"`
	MethodCalls []methodCall `json:"methodCalls"`
}

type response struct {
	MethodResponses []Invocation `json:"methodResponses"`
	SessionState    string       `json:"sessionState"`
}

// MethodError is a method-level error response.
type MethodError struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

func (e *MethodError) Error() string {
	if e.Description != "" {
		return e.Type + ": " + e.Description
	}
	return e.Type
}

// resultRef is a back-reference to the result of an earlier call in the same request.
type resultRef struct {
	ResultOf string `json:"resultOf"`
	Name     string `json:"name"`
	Path     string `json:"path"`
}

type mailbox struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ParentID  string `json:"parentId,omitempty"`
	Role      string `json:"role,omitempty"`
	SortOrder int    `json:"sortOrder"`
}

type getResponse[T any] struct {
	AccountID string   `json:"accountId"`
	State     string   `json:"state"`
	List      []T      `json:"list"`
	NotFound  []string `json:"notFound"`
}

type changesResponse struct {
	OldState       string   `json:"oldState"`
	NewState       string   `json:"newState"`
	HasMoreChanges bool     `json:"hasMoreChanges"`
	Created        []string `json:"created"`
	Updated        []string `json:"updated"`
	Destroyed      []string `json:"destroyed"`
}

type queryResponse struct {
	IDs      []string `json:"ids"`
	Position int      `json:"position"`
	Total    int      `json:"total"`
}

type email struct {
	ID         string          `json:"id"`
	BlobID     string          `json:"blobId"`
	MailboxIDs map[string]bool `json:"mailboxIds"`
	Keywords   map[string]bool `json:"keywords"`
	Size       int64           `json:"size"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

type setError struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

type setResponse struct {
	NewState     string                     `json:"newState"`
	Created      map[string]json.RawMessage `json:"created"`
	NotCreated   map[string]setError        `json:"notCreated"`
	NotUpdated   map[string]setError        `json:"notUpdated"`
	NotDestroyed map[string]setError        `json:"notDestroyed"`
}

type createdID struct {
	ID string `json:"id"`
}

type identity struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type uploadResponse struct {
	BlobID string `json:"blobId"`
	Type   string `json:"type"`
	Size   int64  `json:"size"`
}

var emailProperties = []string{"id", "blobId", "mailboxIds", "keywords", "size", "receivedAt"}
