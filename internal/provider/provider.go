// Package provider defines the contract every mail protocol adapter implements
// and the batch type adapters stream into the sync engine.
package provider

import (
	"context"
	"time"

	"github.com/vdavid/mailsync/internal/models"
)

// Phase names a step of a sync run reported through ProgressFunc.
type Phase string

const (
	PhaseFolders   Phase = "folders"
	PhaseMailboxes Phase = "mailboxes"
	PhaseLabels    Phase = "labels"
	PhaseMessages  Phase = "messages"
	PhaseThreading Phase = "threading"
	PhaseDone      Phase = "done"
)

// Progress is one progress report of a running sync.
type Progress struct {
	Phase Phase
	// Folder is set by IMAP while a folder is being fetched.
	Folder  string
	Fetched int
	Total   int
}

type ProgressFunc func(Progress)

// Report calls f if it is set.
func (f ProgressFunc) Report(p Progress) {
	if f != nil {
		f(p)
	}
}

// InitialSyncOptions bounds a full sync.
type InitialSyncOptions struct {
	DaysBack   int
	OnProgress ProgressFunc
}

// Since returns the start of the retention window relative to now.
func (o InitialSyncOptions) Since(now time.Time) time.Time {
	if o.DaysBack <= 0 {
		return time.Time{}
	}
	return now.AddDate(0, 0, -o.DaysBack)
}

// BatchFunc receives fetched pages. Adapters call it sequentially and stop at the
// first error it returns.
type BatchFunc func(ctx context.Context, batch *Batch) error

// Target addresses the messages a mutation applies to. Adapters that work on
// threads (Gmail) use ThreadID when set; the others use MessageIDs.
type Target struct {
	ThreadID   string   `json:"thread_id,omitempty"`
	MessageIDs []string `json:"message_ids,omitempty"`
}

// Profile is the remote identity of an account.
type Profile struct {
	Email         string
	DisplayName   string
	MessagesTotal int64
	ThreadsTotal  int64
}

// RawMessage is an RFC 5322 message as stored by the provider.
type RawMessage struct {
	MessageID string
	Data      []byte
}

// AttachmentContent is the decoded payload of one part.
type AttachmentContent struct {
	Filename string
	MimeType string
	Data     []byte
}

// Provider is implemented by the Gmail, IMAP and JMAP adapters.
// Mutations are safe to repeat: adding a label that is present or marking a read
// message read succeeds without side effects.
type Provider interface {
	Kind() models.ProviderKind
	// RequiresInitialSync reports whether cursors lack an object type the adapter
	// needs for a delta sync.
	RequiresInitialSync(cursors map[string]string) bool

	ListFolders(ctx context.Context) ([]*models.Label, error)
	CreateFolder(ctx context.Context, name, parentID string) (*models.Label, error)
	DeleteFolder(ctx context.Context, folderID string) error
	RenameFolder(ctx context.Context, folderID, newName string) error

	InitialSync(ctx context.Context, opts InitialSyncOptions, apply BatchFunc) error
	DeltaSync(ctx context.Context, cursors map[string]string, apply BatchFunc) error

	FetchMessage(ctx context.Context, messageID string) (*models.Message, error)
	FetchRawMessage(ctx context.Context, messageID string) (*RawMessage, error)
	FetchAttachment(ctx context.Context, messageID, partID string) (*AttachmentContent, error)

	Archive(ctx context.Context, t Target) error
	Trash(ctx context.Context, t Target) error
	PermanentDelete(ctx context.Context, t Target) error
	MarkRead(ctx context.Context, t Target, read bool) error
	Star(ctx context.Context, t Target, starred bool) error
	Spam(ctx context.Context, t Target, spam bool) error
	MoveToFolder(ctx context.Context, t Target, folderID string) error
	AddLabel(ctx context.Context, t Target, labelID string) error
	RemoveLabel(ctx context.Context, t Target, labelID string) error

	// CreateDraft returns the provider id of the stored draft.
	CreateDraft(ctx context.Context, d *models.Draft) (string, error)
	UpdateDraft(ctx context.Context, draftID string, d *models.Draft) (string, error)
	DeleteDraft(ctx context.Context, draftID string) error
	SendMessage(ctx context.Context, d *models.Draft) error

	TestConnection(ctx context.Context) error
	GetProfile(ctx context.Context) (*Profile, error)
	Close() error
}
