package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrAttachmentNotFound is returned when a requested attachment cannot be found.
var ErrAttachmentNotFound = errors.New("attachment not found")

const attachmentColumns = `
	account_id, id, message_id, part_id, filename, mime_type, size_bytes, is_inline, content_id, blob_ref`

// UpsertAttachments saves attachment metadata. The owning message must exist.
func UpsertAttachments(ctx context.Context, q DBTX, attachments []*models.Attachment) error {
	for _, a := range attachments {
		mimeType := a.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		_, err := q.Exec(ctx, `
			INSERT INTO attachments (
				account_id, id, message_id, part_id, filename, mime_type, size_bytes, is_inline, content_id, blob_ref
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (account_id, id) DO UPDATE SET
				blob_ref = EXCLUDED.blob_ref
		`,
			a.AccountID,
			a.ID,
			a.MessageID,
			a.PartID,
			a.Filename,
			mimeType,
			a.SizeBytes,
			a.IsInline,
			a.ContentID,
			a.BlobRef,
		)
		if err != nil {
			return fmt.Errorf("failed to save attachment %s: %w", a.ID, mapWriteError(err))
		}
	}
	return nil
}

// GetAttachment returns one attachment's metadata.
func GetAttachment(ctx context.Context, q DBTX, accountID, attachmentID string) (*models.Attachment, error) {
	row := q.QueryRow(ctx, `
		SELECT `+attachmentColumns+` FROM attachments WHERE account_id = $1 AND id = $2
	`, accountID, attachmentID)
	a, err := scanAttachment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAttachmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attachment: %w", err)
	}
	return a, nil
}

// GetAttachmentsForMessage returns the attachments of one message in part order.
func GetAttachmentsForMessage(ctx context.Context, q DBTX, accountID, messageID string) ([]*models.Attachment, error) {
	byMessage, err := GetAttachmentsForMessages(ctx, q, accountID, []string{messageID})
	if err != nil {
		return nil, err
	}
	return byMessage[messageID], nil
}

// GetAttachmentsForMessages returns attachments grouped by message id.
func GetAttachmentsForMessages(ctx context.Context, q DBTX, accountID string, messageIDs []string) (map[string][]*models.Attachment, error) {
	result := make(map[string][]*models.Attachment)
	if len(messageIDs) == 0 {
		return result, nil
	}

	rows, err := q.Query(ctx, `
		SELECT `+attachmentColumns+`
		FROM attachments
		WHERE account_id = $1 AND message_id = ANY($2)
		ORDER BY message_id, part_id
	`, accountID, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to get attachments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		result[a.MessageID] = append(result[a.MessageID], a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attachments: %w", err)
	}

	return result, nil
}

func scanAttachment(row pgx.Row) (*models.Attachment, error) {
	var a models.Attachment
	if err := row.Scan(
		&a.AccountID,
		&a.ID,
		&a.MessageID,
		&a.PartID,
		&a.Filename,
		&a.MimeType,
		&a.SizeBytes,
		&a.IsInline,
		&a.ContentID,
		&a.BlobRef,
	); err != nil {
		return nil, err
	}
	return &a, nil
}
