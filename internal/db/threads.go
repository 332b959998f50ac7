package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrThreadNotFound is returned when a requested thread cannot be found.
var ErrThreadNotFound = errors.New("thread not found")

const threadColumns = `
	t.account_id, t.id, t.subject, t.snippet, t.last_message_at, t.message_count,
	t.is_read, t.is_starred, t.is_pinned, t.has_attachments`

// EnsureThread inserts a thread row if none exists. An existing row is left untouched,
// so calling it for a message that is already threaded never resets the thread's aggregates.
func EnsureThread(ctx context.Context, q DBTX, accountID, threadID, subject string, lastMessageAt time.Time) error {
	_, err := q.Exec(ctx, `
		INSERT INTO threads (account_id, id, subject, last_message_at, message_count)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (account_id, id) DO NOTHING
	`, accountID, threadID, subject, lastMessageAt)
	if err != nil {
		return fmt.Errorf("failed to ensure thread: %w", mapWriteError(err))
	}
	return nil
}

// GetThread returns one thread without its messages.
func GetThread(ctx context.Context, q DBTX, accountID, threadID string) (*models.Thread, error) {
	row := q.QueryRow(ctx, `
		SELECT `+threadColumns+`
		FROM threads t
		WHERE t.account_id = $1 AND t.id = $2
	`, accountID, threadID)

	thread, err := scanThread(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return thread, nil
}

// GetThreadsForAccount returns one page of threads, pinned first, then newest first.
// An empty labelID lists every thread of the account.
func GetThreadsForAccount(ctx context.Context, q DBTX, accountID, labelID string, limit, offset int) ([]*models.Thread, error) {
	var rows pgx.Rows
	var err error
	if labelID == "" {
		rows, err = q.Query(ctx, `
			SELECT `+threadColumns+`
			FROM threads t
			WHERE t.account_id = $1
			ORDER BY t.is_pinned DESC, t.last_message_at DESC, t.id
			LIMIT $2 OFFSET $3
		`, accountID, limit, offset)
	} else {
		rows, err = q.Query(ctx, `
			SELECT `+threadColumns+`
			FROM threads t
			INNER JOIN thread_labels tl ON tl.account_id = t.account_id AND tl.thread_id = t.id
			WHERE t.account_id = $1 AND tl.label_id = $2
			ORDER BY t.is_pinned DESC, t.last_message_at DESC, t.id
			LIMIT $3 OFFSET $4
		`, accountID, labelID, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get threads: %w", err)
	}
	defer rows.Close()

	var threads []*models.Thread
	for rows.Next() {
		thread, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		threads = append(threads, thread)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating threads: %w", err)
	}

	return threads, nil
}

// GetThreadCount returns how many threads GetThreadsForAccount can page through.
func GetThreadCount(ctx context.Context, q DBTX, accountID, labelID string) (int, error) {
	var count int
	var err error
	if labelID == "" {
		err = q.QueryRow(ctx, `SELECT count(*) FROM threads WHERE account_id = $1`, accountID).Scan(&count)
	} else {
		err = q.QueryRow(ctx, `
			SELECT count(*) FROM thread_labels WHERE account_id = $1 AND label_id = $2
		`, accountID, labelID).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get thread count: %w", err)
	}
	return count, nil
}

// GetThreadLabelIDs returns the label ids attached to each of the given threads.
func GetThreadLabelIDs(ctx context.Context, q DBTX, accountID string, threadIDs []string) (map[string][]string, error) {
	result := make(map[string][]string, len(threadIDs))
	if len(threadIDs) == 0 {
		return result, nil
	}

	rows, err := q.Query(ctx, `
		SELECT thread_id, label_id
		FROM thread_labels
		WHERE account_id = $1 AND thread_id = ANY($2)
		ORDER BY thread_id, label_id
	`, accountID, threadIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to get thread labels: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var threadID, labelID string
		if err := rows.Scan(&threadID, &labelID); err != nil {
			return nil, fmt.Errorf("failed to scan thread label: %w", err)
		}
		result[threadID] = append(result[threadID], labelID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating thread labels: %w", err)
	}

	return result, nil
}

// SetThreadPinned toggles the local-only pin flag.
func SetThreadPinned(ctx context.Context, q DBTX, accountID, threadID string, pinned bool) error {
	tag, err := q.Exec(ctx, `
		UPDATE threads SET is_pinned = $3 WHERE account_id = $1 AND id = $2
	`, accountID, threadID, pinned)
	if err != nil {
		return fmt.Errorf("failed to pin thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrThreadNotFound
	}
	return nil
}

// RefreshThreads recomputes the aggregate columns of the given threads from their
// messages and rebuilds their thread_labels rows. Threads with no messages are skipped;
// DeleteEmptyThreads removes them.
func RefreshThreads(ctx context.Context, q DBTX, accountID string, threadIDs []string) error {
	if len(threadIDs) == 0 {
		return nil
	}

	_, err := q.Exec(ctx, `
		WITH scoped AS (
			SELECT m.*
			FROM messages m
			WHERE m.account_id = $1 AND m.thread_id = ANY($2)
		), agg AS (
			SELECT thread_id,
				count(*)         AS message_count,
				max(sent_at)     AS last_message_at,
				bool_and(is_read)    AS is_read,
				bool_or(is_starred)  AS is_starred
			FROM scoped
			GROUP BY thread_id
		), first_msg AS (
			SELECT DISTINCT ON (thread_id) thread_id, subject
			FROM scoped
			ORDER BY thread_id, sent_at, id
		), last_msg AS (
			SELECT DISTINCT ON (thread_id) thread_id, snippet
			FROM scoped
			ORDER BY thread_id, sent_at DESC, id DESC
		), att AS (
			SELECT s.thread_id, bool_or(NOT a.is_inline) AS has_attachments
			FROM attachments a
			INNER JOIN scoped s ON s.id = a.message_id
			WHERE a.account_id = $1
			GROUP BY s.thread_id
		)
		UPDATE threads t SET
			message_count = agg.message_count,
			last_message_at = agg.last_message_at,
			is_read = agg.is_read,
			is_starred = agg.is_starred,
			subject = first_msg.subject,
			snippet = last_msg.snippet,
			has_attachments = COALESCE(att.has_attachments, FALSE)
		FROM agg
		INNER JOIN first_msg ON first_msg.thread_id = agg.thread_id
		INNER JOIN last_msg ON last_msg.thread_id = agg.thread_id
		LEFT JOIN att ON att.thread_id = agg.thread_id
		WHERE t.account_id = $1 AND t.id = agg.thread_id
	`, accountID, threadIDs)
	if err != nil {
		return fmt.Errorf("failed to refresh thread aggregates: %w", err)
	}

	_, err = q.Exec(ctx, `
		DELETE FROM thread_labels WHERE account_id = $1 AND thread_id = ANY($2)
	`, accountID, threadIDs)
	if err != nil {
		return fmt.Errorf("failed to clear thread labels: %w", err)
	}

	_, err = q.Exec(ctx, `
		INSERT INTO thread_labels (account_id, thread_id, label_id)
		SELECT DISTINCT m.account_id, m.thread_id, l.id
		FROM messages m
		CROSS JOIN LATERAL unnest(m.label_ids) AS lid(label_id)
		INNER JOIN labels l ON l.account_id = m.account_id AND l.id = lid.label_id
		WHERE m.account_id = $1 AND m.thread_id = ANY($2)
		ON CONFLICT DO NOTHING
	`, accountID, threadIDs)
	if err != nil {
		return fmt.Errorf("failed to rebuild thread labels: %w", err)
	}

	return nil
}

// DeleteEmptyThreads removes those of the given threads that no longer hold any message.
func DeleteEmptyThreads(ctx context.Context, q DBTX, accountID string, threadIDs []string) (int64, error) {
	if len(threadIDs) == 0 {
		return 0, nil
	}
	tag, err := q.Exec(ctx, `
		DELETE FROM threads t
		WHERE t.account_id = $1 AND t.id = ANY($2)
			AND NOT EXISTS (
				SELECT 1 FROM messages m WHERE m.account_id = t.account_id AND m.thread_id = t.id
			)
	`, accountID, threadIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to delete empty threads: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanThread(row pgx.Row) (*models.Thread, error) {
	var t models.Thread
	if err := row.Scan(
		&t.AccountID,
		&t.ID,
		&t.Subject,
		&t.Snippet,
		&t.LastMessageAt,
		&t.MessageCount,
		&t.IsRead,
		&t.IsStarred,
		&t.IsPinned,
		&t.HasAttachments,
	); err != nil {
		return nil, err
	}
	return &t, nil
}
