package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrLabelNotFound is returned when a requested label cannot be found.
var ErrLabelNotFound = errors.New("label not found")

// UpsertLabels creates or updates labels keyed by (account_id, id).
func UpsertLabels(ctx context.Context, q DBTX, labels []*models.Label) error {
	for _, label := range labels {
		if label.Type == "" {
			label.Type = models.LabelUser
		}
		_, err := q.Exec(ctx, `
			INSERT INTO labels (account_id, id, name, type, role, color, sort_order, parent_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (account_id, id) DO UPDATE SET
				name = EXCLUDED.name,
				type = EXCLUDED.type,
				role = EXCLUDED.role,
				color = EXCLUDED.color,
				sort_order = EXCLUDED.sort_order,
				parent_id = EXCLUDED.parent_id
		`,
			label.AccountID,
			label.ID,
			label.Name,
			label.Type,
			label.Role,
			label.Color,
			label.SortOrder,
			label.ParentID,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert label %s: %w", label.ID, mapWriteError(err))
		}
	}
	return nil
}

// DeleteLabels removes labels; their thread_labels rows cascade.
// Messages keep the stale id in label_ids until their next refresh.
func DeleteLabels(ctx context.Context, q DBTX, accountID string, labelIDs []string) error {
	if len(labelIDs) == 0 {
		return nil
	}
	_, err := q.Exec(ctx, `
		DELETE FROM labels WHERE account_id = $1 AND id = ANY($2)
	`, accountID, labelIDs)
	if err != nil {
		return fmt.Errorf("failed to delete labels: %w", err)
	}

	_, err = q.Exec(ctx, `
		UPDATE messages
		SET label_ids = ARRAY(SELECT unnest(label_ids) EXCEPT SELECT unnest($2::text[]))
		WHERE account_id = $1 AND label_ids && $2
	`, accountID, labelIDs)
	if err != nil {
		return fmt.Errorf("failed to strip deleted labels from messages: %w", err)
	}
	return nil
}

// GetLabelsForAccount returns all labels, system labels first.
func GetLabelsForAccount(ctx context.Context, q DBTX, accountID string) ([]*models.Label, error) {
	rows, err := q.Query(ctx, `
		SELECT account_id, id, name, type, role, color, sort_order, parent_id
		FROM labels
		WHERE account_id = $1
		ORDER BY type = 'user', sort_order, name
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get labels: %w", err)
	}
	defer rows.Close()

	var labels []*models.Label
	for rows.Next() {
		label, err := scanLabel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan label: %w", err)
		}
		labels = append(labels, label)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating labels: %w", err)
	}

	return labels, nil
}

// GetLabelByRole returns the label holding a well-known role such as "inbox" or "trash".
func GetLabelByRole(ctx context.Context, q DBTX, accountID, role string) (*models.Label, error) {
	row := q.QueryRow(ctx, `
		SELECT account_id, id, name, type, role, color, sort_order, parent_id
		FROM labels
		WHERE account_id = $1 AND role = $2
		ORDER BY sort_order, id
		LIMIT 1
	`, accountID, role)

	label, err := scanLabel(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrLabelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get label by role: %w", err)
	}
	return label, nil
}

func scanLabel(row pgx.Row) (*models.Label, error) {
	var l models.Label
	if err := row.Scan(&l.AccountID, &l.ID, &l.Name, &l.Type, &l.Role, &l.Color, &l.SortOrder, &l.ParentID); err != nil {
		return nil, err
	}
	return &l, nil
}
