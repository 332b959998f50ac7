package models

import (
	"encoding/json"
	"time"
)

// OperationState is the lifecycle state of a queued mutation.
type OperationState string

const (
	OperationPending OperationState = "pending"
	OperationFailed  OperationState = "failed"
)

// OperationKind names the provider call a pending operation replays.
type OperationKind string

const (
	OpArchive         OperationKind = "archive"
	OpTrash           OperationKind = "trash"
	OpPermanentDelete OperationKind = "permanent_delete"
	OpMarkRead        OperationKind = "mark_read"
	OpStar            OperationKind = "star"
	OpSpam            OperationKind = "spam"
	OpMoveToFolder    OperationKind = "move_to_folder"
	OpAddLabel        OperationKind = "add_label"
	OpRemoveLabel     OperationKind = "remove_label"
	OpSend            OperationKind = "send"
	OpCreateDraft     OperationKind = "create_draft"
	OpUpdateDraft     OperationKind = "update_draft"
	OpDeleteDraft     OperationKind = "delete_draft"
)

// PendingOperation is a user mutation recorded durably before it reaches the provider.
type PendingOperation struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"account_id"`
	Seq           int64           `json:"seq"`
	ResourceType  string          `json:"resource_type"`
	ResourceID    string          `json:"resource_id"`
	Kind          OperationKind   `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	State         OperationState  `json:"state"`
	LastError     string          `json:"last_error,omitempty"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	CreatedAt     time.Time       `json:"created_at"`
}

// PendingCounts is what the UI shows for an account's queue.
type PendingCounts struct {
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

// PendingChange is published whenever an account's queue changes.
type PendingChange struct {
	PendingCounts
	// Drafts maps the ids callers used for drafts to the ids the provider assigned,
	// for drafts created or replaced by the flush that published the change.
	Drafts map[string]string `json:"drafts,omitempty"`
}
