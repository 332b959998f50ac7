package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrMessageNotFound is returned when a requested message cannot be found.
var ErrMessageNotFound = errors.New("message not found")

const messageColumns = `
	account_id, id, thread_id, from_address, from_name, to_addresses, cc_addresses, bcc_addresses,
	subject, sent_at, message_id_header, in_reply_to, references_header, unsafe_body_html, body_text,
	snippet, size_bytes, label_ids, is_read, is_starred, is_draft, imap_folder, imap_uid, thread_tokens`

// UpsertMessage saves a message. Headers and bodies are written once; a repeated upsert
// only updates the mutable columns (thread, flags, labels, folder location).
// The referenced thread row must already exist, otherwise ErrCacheIntegrity is returned.
func UpsertMessage(ctx context.Context, q DBTX, message *models.Message) error {
	_, err := q.Exec(ctx, `
		INSERT INTO messages (
			account_id, id, thread_id, from_address, from_name, to_addresses, cc_addresses, bcc_addresses,
			subject, sent_at, message_id_header, in_reply_to, references_header, unsafe_body_html, body_text,
			snippet, size_bytes, label_ids, is_read, is_starred, is_draft, imap_folder, imap_uid, thread_tokens
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24
		)
		ON CONFLICT (account_id, id) DO UPDATE SET
			thread_id = EXCLUDED.thread_id,
			label_ids = EXCLUDED.label_ids,
			is_read = EXCLUDED.is_read,
			is_starred = EXCLUDED.is_starred,
			is_draft = EXCLUDED.is_draft,
			imap_folder = EXCLUDED.imap_folder,
			imap_uid = EXCLUDED.imap_uid
	`,
		message.AccountID,
		message.ID,
		message.ThreadID,
		message.FromAddress,
		message.FromName,
		nonNil(message.ToAddresses),
		nonNil(message.CCAddresses),
		nonNil(message.BCCAddresses),
		message.Subject,
		message.SentAt,
		message.MessageIDHeader,
		message.InReplyTo,
		nonNil(message.References),
		message.UnsafeBodyHTML,
		message.BodyText,
		message.Snippet,
		message.SizeBytes,
		nonNil(message.LabelIDs),
		message.IsRead,
		message.IsStarred,
		message.IsDraft,
		message.IMAPFolder,
		message.IMAPUID,
		nonNil(message.ThreadTokens),
	)
	if err != nil {
		return fmt.Errorf("failed to save message %s: %w", message.ID, mapWriteError(err))
	}
	return nil
}

// GetMessage returns one message with its attachments.
func GetMessage(ctx context.Context, q DBTX, accountID, messageID string) (*models.Message, error) {
	row := q.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE account_id = $1 AND id = $2
	`, accountID, messageID)

	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	attachments, err := GetAttachmentsForMessage(ctx, q, accountID, messageID)
	if err != nil {
		return nil, err
	}
	msg.Attachments = attachments

	return msg, nil
}

// GetMessagesForThread returns all messages of a thread, oldest first, with attachments.
func GetMessagesForThread(ctx context.Context, q DBTX, accountID, threadID string) ([]*models.Message, error) {
	rows, err := q.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE account_id = $1 AND thread_id = $2
		ORDER BY sent_at, id
	`, accountID, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}

	messages, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	attachments, err := GetAttachmentsForMessages(ctx, q, accountID, ids)
	if err != nil {
		return nil, err
	}
	for _, m := range messages {
		m.Attachments = attachments[m.ID]
	}

	return messages, nil
}

// GetMessageIDsForThread lists the ids of a thread's messages.
func GetMessageIDsForThread(ctx context.Context, q DBTX, accountID, threadID string) ([]string, error) {
	rows, err := q.Query(ctx, `
		SELECT id FROM messages WHERE account_id = $1 AND thread_id = $2 ORDER BY sent_at, id
	`, accountID, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get thread message ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan thread message ids: %w", err)
	}
	return ids, nil
}

// GetMessageThreadIDs maps each cached message id to its current thread id.
// Ids that are not cached are absent from the result.
func GetMessageThreadIDs(ctx context.Context, q DBTX, accountID string, messageIDs []string) (map[string]string, error) {
	result := make(map[string]string, len(messageIDs))
	if len(messageIDs) == 0 {
		return result, nil
	}

	rows, err := q.Query(ctx, `
		SELECT id, thread_id FROM messages WHERE account_id = $1 AND id = ANY($2)
	`, accountID, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to get message thread ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, threadID string
		if err := rows.Scan(&id, &threadID); err != nil {
			return nil, fmt.Errorf("failed to scan message thread id: %w", err)
		}
		result[id] = threadID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message thread ids: %w", err)
	}

	return result, nil
}

// UpdateMessageThreadIDs rewrites thread ids for many messages in a single statement.
// Every target thread must exist.
func UpdateMessageThreadIDs(ctx context.Context, q DBTX, accountID string, assignments map[string]string) error {
	if len(assignments) == 0 {
		return nil
	}

	ids := make([]string, 0, len(assignments))
	threadIDs := make([]string, 0, len(assignments))
	for id, threadID := range assignments {
		ids = append(ids, id)
		threadIDs = append(threadIDs, threadID)
	}

	_, err := q.Exec(ctx, `
		UPDATE messages m
		SET thread_id = u.thread_id
		FROM unnest($2::text[], $3::text[]) AS u(id, thread_id)
		WHERE m.account_id = $1 AND m.id = u.id AND m.thread_id <> u.thread_id
	`, accountID, ids, threadIDs)
	if err != nil {
		return fmt.Errorf("failed to update message thread ids: %w", mapWriteError(err))
	}
	return nil
}

// ThreadingCandidate is the subset of a cached message the thread reconstructor needs.
type ThreadingCandidate struct {
	ID              string
	ThreadID        string
	MessageIDHeader string
	InReplyTo       string
	References      []string
}

// GetThreadingCandidates returns every cached message belonging to a thread that contains
// at least one message sharing a normalized threading token with the given set.
func GetThreadingCandidates(ctx context.Context, q DBTX, accountID string, tokens []string) ([]ThreadingCandidate, error) {
	if len(tokens) == 0 {
		return nil, nil
	}

	rows, err := q.Query(ctx, `
		SELECT id, thread_id, message_id_header, in_reply_to, references_header
		FROM messages
		WHERE account_id = $1 AND thread_id IN (
			SELECT thread_id FROM messages WHERE account_id = $1 AND thread_tokens && $2
		)
	`, accountID, tokens)
	if err != nil {
		return nil, fmt.Errorf("failed to get threading candidates: %w", err)
	}
	defer rows.Close()

	var candidates []ThreadingCandidate
	for rows.Next() {
		var c ThreadingCandidate
		if err := rows.Scan(&c.ID, &c.ThreadID, &c.MessageIDHeader, &c.InReplyTo, &c.References); err != nil {
			return nil, fmt.Errorf("failed to scan threading candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating threading candidates: %w", err)
	}

	return candidates, nil
}

// UpdateMessageFlags sets read and/or starred on the given messages. A nil pointer leaves
// the flag unchanged. It returns the distinct thread ids that were touched.
func UpdateMessageFlags(ctx context.Context, q DBTX, accountID string, messageIDs []string, isRead, isStarred *bool) ([]string, error) {
	if len(messageIDs) == 0 || (isRead == nil && isStarred == nil) {
		return nil, nil
	}

	rows, err := q.Query(ctx, `
		UPDATE messages
		SET is_read = COALESCE($3, is_read),
			is_starred = COALESCE($4, is_starred)
		WHERE account_id = $1 AND id = ANY($2)
		RETURNING thread_id
	`, accountID, messageIDs, isRead, isStarred)
	if err != nil {
		return nil, fmt.Errorf("failed to update message flags: %w", err)
	}
	return collectThreadIDs(rows)
}

// ModifyMessageLabels adds and removes label ids on the given messages.
// It returns the distinct thread ids that were touched.
func ModifyMessageLabels(ctx context.Context, q DBTX, accountID string, messageIDs, add, remove []string) ([]string, error) {
	if len(messageIDs) == 0 || (len(add) == 0 && len(remove) == 0) {
		return nil, nil
	}

	rows, err := q.Query(ctx, `
		UPDATE messages
		SET label_ids = ARRAY(
			SELECT DISTINCT l FROM unnest(label_ids || $3::text[]) AS l
			WHERE l <> ALL($4::text[])
			ORDER BY l
		)
		WHERE account_id = $1 AND id = ANY($2)
		RETURNING thread_id
	`, accountID, messageIDs, nonNil(add), nonNil(remove))
	if err != nil {
		return nil, fmt.Errorf("failed to modify message labels: %w", err)
	}
	return collectThreadIDs(rows)
}

// SetMessageLabels replaces the label set of one message. It returns the message's thread id,
// or an empty string when the message is not cached.
func SetMessageLabels(ctx context.Context, q DBTX, accountID, messageID string, labelIDs []string) (string, error) {
	var threadID string
	err := q.QueryRow(ctx, `
		UPDATE messages SET label_ids = $3
		WHERE account_id = $1 AND id = $2
		RETURNING thread_id
	`, accountID, messageID, nonNil(labelIDs)).Scan(&threadID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to set message labels: %w", err)
	}
	return threadID, nil
}

// DeleteMessages removes messages and their attachments and returns the affected thread ids.
func DeleteMessages(ctx context.Context, q DBTX, accountID string, messageIDs []string) ([]string, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	rows, err := q.Query(ctx, `
		DELETE FROM messages WHERE account_id = $1 AND id = ANY($2)
		RETURNING thread_id
	`, accountID, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to delete messages: %w", err)
	}
	return collectThreadIDs(rows)
}

// DeleteFolderMessagesNotIn removes cached messages of an IMAP folder with uid <= maxUID
// whose id is missing from keep. It is how expunges on the server reach the cache.
func DeleteFolderMessagesNotIn(ctx context.Context, q DBTX, accountID, folder string, maxUID int64, keep []string) ([]string, error) {
	rows, err := q.Query(ctx, `
		DELETE FROM messages
		WHERE account_id = $1 AND imap_folder = $2 AND imap_uid <= $3 AND NOT (id = ANY($4))
		RETURNING thread_id
	`, accountID, folder, maxUID, nonNil(keep))
	if err != nil {
		return nil, fmt.Errorf("failed to delete expunged messages: %w", err)
	}
	return collectThreadIDs(rows)
}

func collectThreadIDs(rows pgx.Rows) ([]string, error) {
	defer rows.Close()

	seen := make(map[string]struct{})
	var threadIDs []string
	for rows.Next() {
		var threadID string
		if err := rows.Scan(&threadID); err != nil {
			return nil, fmt.Errorf("failed to scan thread id: %w", err)
		}
		if _, ok := seen[threadID]; ok {
			continue
		}
		seen[threadID] = struct{}{}
		threadIDs = append(threadIDs, threadID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating thread ids: %w", err)
	}
	return threadIDs, nil
}

func collectMessages(rows pgx.Rows) ([]*models.Message, error) {
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var m models.Message
	if err := row.Scan(
		&m.AccountID,
		&m.ID,
		&m.ThreadID,
		&m.FromAddress,
		&m.FromName,
		&m.ToAddresses,
		&m.CCAddresses,
		&m.BCCAddresses,
		&m.Subject,
		&m.SentAt,
		&m.MessageIDHeader,
		&m.InReplyTo,
		&m.References,
		&m.UnsafeBodyHTML,
		&m.BodyText,
		&m.Snippet,
		&m.SizeBytes,
		&m.LabelIDs,
		&m.IsRead,
		&m.IsStarred,
		&m.IsDraft,
		&m.IMAPFolder,
		&m.IMAPUID,
		&m.ThreadTokens,
	); err != nil {
		return nil, err
	}
	return &m, nil
}

// nonNil keeps NOT NULL array columns from receiving SQL NULL.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
