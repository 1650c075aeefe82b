package store

import (
	"context"
	"fmt"
	"time"
)

// Meeting reminder lifecycle states.
const (
	ReminderPending   = "PENDING"
	ReminderSent      = "SENT"
	ReminderFailed    = "FAILED"
	ReminderCancelled = "CANCELLED"
)

// MeetingReminder is a notification for an upcoming calendar event.
type MeetingReminder struct {
	ID              int64
	UserID          string
	CalendarEventID string
	Title           string
	Recipient       string
	StartsAt        time.Time
	RemindAt        time.Time
	Status          string
	LastError       string
	SentAt          *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

const reminderColumns = `id, user_id, calendar_event_id, title, recipient,
	starts_at, remind_at, status, last_error, sent_at, created_at, updated_at`

func scanReminder(row interface{ Scan(...any) error }) (*MeetingReminder, error) {
	var r MeetingReminder
	err := row.Scan(&r.ID, &r.UserID, &r.CalendarEventID, &r.Title, &r.Recipient,
		&r.StartsAt, &r.RemindAt, &r.Status, &r.LastError, &r.SentAt,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateMeetingReminder inserts a new pending reminder and returns its ID.
func (s *Store) CreateMeetingReminder(ctx context.Context, r *MeetingReminder) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO meeting_reminders
			(user_id, calendar_event_id, title, recipient, starts_at, remind_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		r.UserID, r.CalendarEventID, r.Title, r.Recipient, r.StartsAt, r.RemindAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create meeting reminder: %w", err)
	}
	return id, nil
}

// GetMeetingReminder loads one reminder by ID.
func (s *Store) GetMeetingReminder(ctx context.Context, id int64) (*MeetingReminder, error) {
	r, err := scanReminder(s.pool.QueryRow(ctx,
		`SELECT `+reminderColumns+` FROM meeting_reminders WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return r, nil
}

// MarkReminderSent records a delivered reminder; only pending rows move.
func (s *Store) MarkReminderSent(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE meeting_reminders
		SET status = $2, sent_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $3`,
		id, ReminderSent, ReminderPending)
	if err != nil {
		return false, fmt.Errorf("failed to mark reminder sent: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkReminderFailed records a permanent delivery failure.
func (s *Store) MarkReminderFailed(ctx context.Context, id int64, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE meeting_reminders
		SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, ReminderFailed, reason, ReminderPending)
	if err != nil {
		return fmt.Errorf("failed to mark reminder failed: %w", err)
	}
	return nil
}

// CancelMeetingReminder cancels a pending reminder, typically because the
// event was deleted or the attendee declined.
func (s *Store) CancelMeetingReminder(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE meeting_reminders
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3`,
		id, ReminderCancelled, ReminderPending)
	if err != nil {
		return fmt.Errorf("failed to cancel meeting reminder: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
