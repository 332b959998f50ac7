package provider

import "github.com/vdavid/mailsync/internal/models"

// FlagChange updates read/starred state of a cached message. Nil leaves a flag as is.
type FlagChange struct {
	MessageID string
	IsRead    *bool
	IsStarred *bool
}

// LabelChange edits the label set of a cached message. With Replace set, Set becomes
// the full label set and Added/Removed are ignored.
type LabelChange struct {
	MessageID string
	Added     []string
	Removed   []string
	Set       []string
	Replace   bool
}

// FolderSnapshot lists every message id still present in an IMAP folder up to MaxUID.
// Cached messages of the folder at or below MaxUID that are missing were expunged.
type FolderSnapshot struct {
	Folder     string
	MaxUID     int64
	MessageIDs []string
}

// Batch is one page of remote changes. The engine applies its contents in field order
// and persists Cursors only after everything else committed.
type Batch struct {
	Labels          []*models.Label
	DeletedLabelIDs []string

	Messages          []*models.Message
	DeletedMessageIDs []string
	FlagChanges       []FlagChange
	LabelChanges      []LabelChange
	Snapshot          *FolderSnapshot

	// Cursors become valid once the batch is applied.
	Cursors map[string]string
	// ClearedCursors are removed together with Cursors, for example for deleted folders.
	ClearedCursors []string

	// NativeThreads means Message.ThreadID comes from the provider and must be kept.
	NativeThreads bool
}

// Empty reports whether applying the batch would change nothing.
func (b *Batch) Empty() bool {
	return len(b.Labels) == 0 &&
		len(b.DeletedLabelIDs) == 0 &&
		len(b.Messages) == 0 &&
		len(b.DeletedMessageIDs) == 0 &&
		len(b.FlagChanges) == 0 &&
		len(b.LabelChanges) == 0 &&
		b.Snapshot == nil &&
		len(b.Cursors) == 0 &&
		len(b.ClearedCursors) == 0
}

// Bool returns a pointer to v, for FlagChange fields.
func Bool(v bool) *bool {
	return &v
}
