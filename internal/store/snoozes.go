package store

import (
	"context"
	"fmt"
	"time"
)

// Email snooze lifecycle states. A successfully restored snooze is deleted,
// not transitioned.
const (
	SnoozePending = "PENDING"
	SnoozeFailed  = "FAILED"
)

// EmailSnooze hides a mailbox message until its restore time, remembering
// which labels to put back.
type EmailSnooze struct {
	ID               int64
	UserID           string
	ProviderMsgID    string
	SnoozeLabelID    string
	OriginalLabelIDs []string
	RestoreAt        time.Time
	Status           string
	LastError        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

const snoozeColumns = `id, user_id, provider_message_id, snooze_label_id, original_label_ids,
	restore_at, status, last_error, created_at, updated_at`

// CreateSnooze inserts a new pending snooze and returns its ID.
func (s *Store) CreateSnooze(ctx context.Context, sn *EmailSnooze) (int64, error) {
	if sn.OriginalLabelIDs == nil {
		sn.OriginalLabelIDs = []string{}
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO email_snoozes
			(user_id, provider_message_id, snooze_label_id, original_label_ids, restore_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		sn.UserID, sn.ProviderMsgID, sn.SnoozeLabelID, sn.OriginalLabelIDs, sn.RestoreAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create snooze: %w", err)
	}
	return id, nil
}

// GetSnooze loads one snooze by ID.
func (s *Store) GetSnooze(ctx context.Context, id int64) (*EmailSnooze, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+snoozeColumns+` FROM email_snoozes WHERE id = $1`, id)

	var sn EmailSnooze
	err := row.Scan(&sn.ID, &sn.UserID, &sn.ProviderMsgID, &sn.SnoozeLabelID,
		&sn.OriginalLabelIDs, &sn.RestoreAt, &sn.Status, &sn.LastError,
		&sn.CreatedAt, &sn.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &sn, nil
}

// FindDueSnoozes returns pending snoozes whose restore time has passed.
func (s *Store) FindDueSnoozes(ctx context.Context, now time.Time, limit int) ([]*EmailSnooze, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+snoozeColumns+`
		 FROM email_snoozes
		 WHERE status = $1 AND restore_at <= $2
		 ORDER BY restore_at
		 LIMIT $3`,
		SnoozePending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due snoozes: %w", err)
	}
	defer rows.Close()

	var snoozes []*EmailSnooze
	for rows.Next() {
		var sn EmailSnooze
		if err := rows.Scan(&sn.ID, &sn.UserID, &sn.ProviderMsgID, &sn.SnoozeLabelID,
			&sn.OriginalLabelIDs, &sn.RestoreAt, &sn.Status, &sn.LastError,
			&sn.CreatedAt, &sn.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snooze: %w", err)
		}
		snoozes = append(snoozes, &sn)
	}
	return snoozes, rows.Err()
}

// DeleteSnooze removes a snooze after its labels are restored. The returned
// bool reports whether a row was actually deleted, so a worker retrying a
// finished job can tell it has nothing left to do.
func (s *Store) DeleteSnooze(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM email_snoozes WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete snooze: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkSnoozeFailed records a permanent restore failure.
func (s *Store) MarkSnoozeFailed(ctx context.Context, id int64, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE email_snoozes
		SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, SnoozeFailed, reason, SnoozePending)
	if err != nil {
		return fmt.Errorf("failed to mark snooze failed: %w", err)
	}
	return nil
}
