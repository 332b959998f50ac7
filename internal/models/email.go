package models

import "time"

// LabelType separates protocol-defined labels from user-created ones.
type LabelType string

const (
	LabelSystem LabelType = "system"
	LabelUser   LabelType = "user"
)

// Well-known label roles. Every provider maps its own naming onto these.
const (
	RoleInbox   = "inbox"
	RoleSent    = "sent"
	RoleDrafts  = "drafts"
	RoleTrash   = "trash"
	RoleJunk    = "junk"
	RoleArchive = "archive"
	RoleAll     = "all"
	RoleFlagged = "flagged"
	RoleUnread  = "unread"
)

// Label is a Gmail label, an IMAP folder or a JMAP mailbox.
type Label struct {
	AccountID string    `json:"account_id"`
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      LabelType `json:"type"`
	Role      string    `json:"role,omitempty"`
	Color     string    `json:"color,omitempty"`
	SortOrder int       `json:"sort_order"`
	ParentID  string    `json:"parent_id,omitempty"`
	// NoSelect marks IMAP hierarchy nodes that cannot hold messages.
	NoSelect bool `json:"-"`
}

type Thread struct {
	AccountID      string     `json:"account_id"`
	ID             string     `json:"id"`
	Subject        string     `json:"subject"`
	Snippet        string     `json:"snippet"`
	LastMessageAt  time.Time  `json:"last_message_at"`
	MessageCount   int        `json:"message_count"`
	IsRead         bool       `json:"is_read"`
	IsStarred      bool       `json:"is_starred"`
	IsPinned       bool       `json:"is_pinned"`
	HasAttachments bool       `json:"has_attachments"`
	LabelIDs       []string   `json:"label_ids,omitempty"`
	Messages       []*Message `json:"messages,omitempty"`
}

type Message struct {
	AccountID       string        `json:"account_id"`
	ID              string        `json:"id"`
	ThreadID        string        `json:"thread_id"`
	FromAddress     string        `json:"from_address"`
	FromName        string        `json:"from_name,omitempty"`
	ToAddresses     []string      `json:"to_addresses"`
	CCAddresses     []string      `json:"cc_addresses"`
	BCCAddresses    []string      `json:"bcc_addresses"`
	Subject         string        `json:"subject"`
	SentAt          time.Time     `json:"sent_at"`
	MessageIDHeader string        `json:"message_id_header"`
	InReplyTo       string        `json:"in_reply_to,omitempty"`
	References      []string      `json:"references,omitempty"`
	UnsafeBodyHTML  string        `json:"unsafe_body_html"`
	BodyText        string        `json:"body_text"`
	Snippet         string        `json:"snippet"`
	SizeBytes       int64         `json:"size_bytes"`
	LabelIDs        []string      `json:"label_ids"`
	IsRead          bool          `json:"is_read"`
	IsStarred       bool          `json:"is_starred"`
	IsDraft         bool          `json:"is_draft"`
	IMAPFolder      string        `json:"imap_folder,omitempty"`
	IMAPUID         int64         `json:"imap_uid,omitempty"`
	ThreadTokens    []string      `json:"-"`
	Attachments     []*Attachment `json:"attachments,omitempty"`
}

type Attachment struct {
	AccountID string `json:"account_id"`
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
	PartID    string `json:"part_id"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	IsInline  bool   `json:"is_inline"`
	ContentID string `json:"content_id,omitempty"`
	BlobRef   string `json:"-"`
}

// Address is a display name plus mailbox address.
type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// Draft is an outgoing message, either saved as a draft or submitted for sending.
type Draft struct {
	From        Address              `json:"from"`
	To          []Address            `json:"to,omitempty"`
	CC          []Address            `json:"cc,omitempty"`
	BCC         []Address            `json:"bcc,omitempty"`
	Subject     string               `json:"subject"`
	TextBody    string               `json:"text_body,omitempty"`
	HTMLBody    string               `json:"html_body,omitempty"`
	InReplyTo   string               `json:"in_reply_to,omitempty"`
	References  []string             `json:"references,omitempty"`
	ThreadID    string               `json:"thread_id,omitempty"`
	Attachments []OutgoingAttachment `json:"attachments,omitempty"`
}

type OutgoingAttachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Content  []byte `json:"content"`
}

// PaginationInfo describes one page of a thread listing.
type PaginationInfo struct {
	TotalCount int `json:"total_count"`
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
}

type ThreadsResponse struct {
	Threads    []*Thread      `json:"threads"`
	Pagination PaginationInfo `json:"pagination"`
}
