package store

import (
	"context"
	"fmt"
	"time"
)

// Scheduled email lifecycle states.
const (
	ScheduledEmailPending   = "PENDING"
	ScheduledEmailSent      = "SENT"
	ScheduledEmailFailed    = "FAILED"
	ScheduledEmailCancelled = "CANCELLED"
)

// ScheduledEmail is a single message scheduled for future delivery.
type ScheduledEmail struct {
	ID               int64
	UserID           string
	DomainID         string
	FromAddress      string
	ToAddress        string
	CcAddresses      []string
	Subject          string
	BodyHTML         string
	BodyText         string
	ScheduledAt      time.Time
	Status           string
	ReplyToMessageID string
	ThreadReferences string
	ProviderMsgID    string
	LastError        string
	SentAt           *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

const scheduledEmailColumns = `id, user_id, domain_id, from_address, to_address, cc_addresses,
	subject, body_html, body_text, scheduled_at, status, reply_to_message_id,
	thread_references, provider_message_id, last_error, sent_at, created_at, updated_at`

// CreateScheduledEmail inserts a new pending email and returns its ID.
func (s *Store) CreateScheduledEmail(ctx context.Context, e *ScheduledEmail) (int64, error) {
	if e.CcAddresses == nil {
		e.CcAddresses = []string{}
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO scheduled_emails
			(user_id, domain_id, from_address, to_address, cc_addresses,
			 subject, body_html, body_text, scheduled_at,
			 reply_to_message_id, thread_references)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		e.UserID, e.DomainID, e.FromAddress, e.ToAddress, e.CcAddresses,
		e.Subject, e.BodyHTML, e.BodyText, e.ScheduledAt,
		e.ReplyToMessageID, e.ThreadReferences,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create scheduled email: %w", err)
	}
	return id, nil
}

// GetScheduledEmail loads one email by ID.
func (s *Store) GetScheduledEmail(ctx context.Context, id int64) (*ScheduledEmail, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+scheduledEmailColumns+` FROM scheduled_emails WHERE id = $1`, id)

	var e ScheduledEmail
	err := row.Scan(&e.ID, &e.UserID, &e.DomainID, &e.FromAddress, &e.ToAddress,
		&e.CcAddresses, &e.Subject, &e.BodyHTML, &e.BodyText, &e.ScheduledAt,
		&e.Status, &e.ReplyToMessageID, &e.ThreadReferences, &e.ProviderMsgID,
		&e.LastError, &e.SentAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

// FindDueScheduledEmails returns pending emails whose scheduled time has
// passed, oldest first.
func (s *Store) FindDueScheduledEmails(ctx context.Context, now time.Time, limit int) ([]*ScheduledEmail, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+scheduledEmailColumns+`
		 FROM scheduled_emails
		 WHERE status = $1 AND scheduled_at <= $2
		 ORDER BY scheduled_at
		 LIMIT $3`,
		ScheduledEmailPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due scheduled emails: %w", err)
	}
	defer rows.Close()

	var emails []*ScheduledEmail
	for rows.Next() {
		var e ScheduledEmail
		if err := rows.Scan(&e.ID, &e.UserID, &e.DomainID, &e.FromAddress, &e.ToAddress,
			&e.CcAddresses, &e.Subject, &e.BodyHTML, &e.BodyText, &e.ScheduledAt,
			&e.Status, &e.ReplyToMessageID, &e.ThreadReferences, &e.ProviderMsgID,
			&e.LastError, &e.SentAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan scheduled email: %w", err)
		}
		emails = append(emails, &e)
	}
	return emails, rows.Err()
}

// MarkScheduledEmailSent records a successful send. It only transitions
// pending rows; the returned bool reports whether this call won the
// transition.
func (s *Store) MarkScheduledEmailSent(ctx context.Context, id int64, providerMsgID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_emails
		SET status = $2, provider_message_id = $3, sent_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, ScheduledEmailSent, providerMsgID, ScheduledEmailPending)
	if err != nil {
		return false, fmt.Errorf("failed to mark scheduled email sent: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkScheduledEmailFailed records a permanent failure.
func (s *Store) MarkScheduledEmailFailed(ctx context.Context, id int64, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scheduled_emails
		SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, ScheduledEmailFailed, reason, ScheduledEmailPending)
	if err != nil {
		return fmt.Errorf("failed to mark scheduled email failed: %w", err)
	}
	return nil
}

// CancelScheduledEmail cancels a pending email. Cancelling a row that
// already left the pending state reports ErrNotFound.
func (s *Store) CancelScheduledEmail(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_emails
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3`,
		id, ScheduledEmailCancelled, ScheduledEmailPending)
	if err != nil {
		return fmt.Errorf("failed to cancel scheduled email: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
