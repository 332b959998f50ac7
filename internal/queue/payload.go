package queue

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
)

// Payload is the stored argument set of a pending operation. Which fields are used
// depends on the operation kind.
type Payload struct {
	Target   provider.Target `json:"target"`
	Value    bool            `json:"value,omitempty"`
	FolderID string          `json:"folder_id,omitempty"`
	LabelID  string          `json:"label_id,omitempty"`
	DraftID  string          `json:"draft_id,omitempty"`
	Draft    *models.Draft   `json:"draft,omitempty"`
}

// Encode returns the payload as stored in the pending_operations table.
func (p Payload) Encode() (json.RawMessage, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode operation payload: %w", err)
	}
	return b, nil
}

func decodePayload(op *models.PendingOperation) (Payload, error) {
	var p Payload
	if len(op.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return p, fmt.Errorf("failed to decode payload of operation %s: %w", op.ID, err)
	}
	return p, nil
}
