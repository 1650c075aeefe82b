package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Campaign lifecycle states.
const (
	CampaignDraft     = "DRAFT"
	CampaignSending   = "SENDING"
	CampaignPaused    = "PAUSED"
	CampaignCompleted = "COMPLETED"
)

// Campaign recipient lifecycle states.
const (
	RecipientPending      = "PENDING"
	RecipientSent         = "SENT"
	RecipientFailed       = "FAILED"
	RecipientUnsubscribed = "UNSUBSCRIBED"
	RecipientBounced      = "BOUNCED"
	RecipientSuppressed   = "SUPPRESSED"
)

// Followup lifecycle states.
const (
	FollowupPending   = "PENDING"
	FollowupSent      = "SENT"
	FollowupSkipped   = "SKIPPED"
	FollowupFailed    = "FAILED"
	FollowupCancelled = "CANCELLED"
)

// Campaign is a bulk send to a list of recipients from one sending domain.
type Campaign struct {
	ID           int64
	UserID       string
	DomainID     string
	Name         string
	FromAddress  string
	Subject      string
	BodyHTML     string
	BodyText     string
	Status       string
	PausedReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CampaignRecipient is a single address inside a campaign.
type CampaignRecipient struct {
	ID            int64
	CampaignID    int64
	Email         string
	Name          string
	Status        string
	ProviderMsgID string
	LastError     string
	SentAt        *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Followup is a scheduled second touch for a campaign recipient, sent only
// while the recipient is still in good standing.
type Followup struct {
	ID               int64
	CampaignID       int64
	RecipientID      int64
	Email            string
	Subject          string
	BodyHTML         string
	BodyText         string
	ReplyToMessageID string
	DueAt            time.Time
	Status           string
	LastError        string
	SentAt           *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CreateCampaign inserts a draft campaign and returns its ID.
func (s *Store) CreateCampaign(ctx context.Context, c *Campaign) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO campaigns (user_id, domain_id, name, from_address, subject, body_html, body_text)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		c.UserID, c.DomainID, c.Name, c.FromAddress, c.Subject, c.BodyHTML, c.BodyText,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create campaign: %w", err)
	}
	return id, nil
}

// GetCampaign loads one campaign by ID.
func (s *Store) GetCampaign(ctx context.Context, id int64) (*Campaign, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, domain_id, name, from_address, subject, body_html, body_text,
		       status, paused_reason, created_at, updated_at
		FROM campaigns WHERE id = $1`, id)

	var c Campaign
	err := row.Scan(&c.ID, &c.UserID, &c.DomainID, &c.Name, &c.FromAddress, &c.Subject,
		&c.BodyHTML, &c.BodyText, &c.Status, &c.PausedReason, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// StartCampaign moves a draft or paused campaign into the sending state.
func (s *Store) StartCampaign(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaigns
		SET status = $2, paused_reason = '', updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)`,
		id, CampaignSending, CampaignDraft, CampaignPaused)
	if err != nil {
		return fmt.Errorf("failed to start campaign: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PauseCampaign stops further dispatch for a sending campaign and records
// why. Pausing an already paused or finished campaign is a no-op.
func (s *Store) PauseCampaign(ctx context.Context, id int64, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaigns
		SET status = $2, paused_reason = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, CampaignPaused, reason, CampaignSending)
	if err != nil {
		return false, fmt.Errorf("failed to pause campaign: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CompleteCampaignIfDone marks a sending campaign completed once no pending
// recipients remain.
func (s *Store) CompleteCampaignIfDone(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaigns
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
		  AND NOT EXISTS (
			SELECT 1 FROM campaign_recipients
			WHERE campaign_id = $1 AND status = $4
		  )`,
		id, CampaignCompleted, CampaignSending, RecipientPending)
	if err != nil {
		return false, fmt.Errorf("failed to complete campaign: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// AddCampaignRecipient inserts a recipient, ignoring exact duplicates within
// the same campaign. The returned bool reports whether a row was added.
func (s *Store) AddCampaignRecipient(ctx context.Context, campaignID int64, email, name string) (int64, bool, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO campaign_recipients (campaign_id, email, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (campaign_id, email) DO NOTHING
		RETURNING id`,
		campaignID, email, name,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to add campaign recipient: %w", err)
	}
	return id, true, nil
}

// GetCampaignRecipient loads one recipient by ID.
func (s *Store) GetCampaignRecipient(ctx context.Context, id int64) (*CampaignRecipient, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, campaign_id, email, name, status, provider_message_id,
		       last_error, sent_at, created_at, updated_at
		FROM campaign_recipients WHERE id = $1`, id)

	var r CampaignRecipient
	err := row.Scan(&r.ID, &r.CampaignID, &r.Email, &r.Name, &r.Status,
		&r.ProviderMsgID, &r.LastError, &r.SentAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

// ListPendingRecipients returns up to limit pending recipients of a campaign.
func (s *Store) ListPendingRecipients(ctx context.Context, campaignID int64, limit int) ([]*CampaignRecipient, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, campaign_id, email, name, status, provider_message_id,
		       last_error, sent_at, created_at, updated_at
		FROM campaign_recipients
		WHERE campaign_id = $1 AND status = $2
		ORDER BY id
		LIMIT $3`,
		campaignID, RecipientPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending recipients: %w", err)
	}
	defer rows.Close()

	var recipients []*CampaignRecipient
	for rows.Next() {
		var r CampaignRecipient
		if err := rows.Scan(&r.ID, &r.CampaignID, &r.Email, &r.Name, &r.Status,
			&r.ProviderMsgID, &r.LastError, &r.SentAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan campaign recipient: %w", err)
		}
		recipients = append(recipients, &r)
	}
	return recipients, rows.Err()
}

// MarkRecipientSent records a delivered campaign message; only pending rows
// move.
func (s *Store) MarkRecipientSent(ctx context.Context, id int64, providerMsgID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaign_recipients
		SET status = $2, provider_message_id = $3, sent_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, RecipientSent, providerMsgID, RecipientPending)
	if err != nil {
		return false, fmt.Errorf("failed to mark recipient sent: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkRecipientFailed records a permanent send failure for a recipient.
func (s *Store) MarkRecipientFailed(ctx context.Context, id int64, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE campaign_recipients
		SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, RecipientFailed, reason, RecipientPending)
	if err != nil {
		return fmt.Errorf("failed to mark recipient failed: %w", err)
	}
	return nil
}

// MarkRecipientSuppressed moves a pending recipient to the suppressed state.
func (s *Store) MarkRecipientSuppressed(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE campaign_recipients
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3`,
		id, RecipientSuppressed, RecipientPending)
	if err != nil {
		return fmt.Errorf("failed to mark recipient suppressed: %w", err)
	}
	return nil
}

// MarkRecipientBounced records that the send attempt for a recipient came
// back with a bounce.
func (s *Store) MarkRecipientBounced(ctx context.Context, id int64, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE campaign_recipients
		SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, RecipientBounced, reason, RecipientPending)
	if err != nil {
		return fmt.Errorf("failed to mark recipient bounced: %w", err)
	}
	return nil
}

// SuppressRecipientsByEmail flips every still-pending recipient row for an
// address to suppressed, across all campaigns. Called when a hard bounce or
// complaint permanently disqualifies the address.
func (s *Store) SuppressRecipientsByEmail(ctx context.Context, email string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaign_recipients
		SET status = $2, updated_at = NOW()
		WHERE email = $1 AND status = $3`,
		email, RecipientSuppressed, RecipientPending)
	if err != nil {
		return 0, fmt.Errorf("failed to suppress recipients: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkRecipientUnsubscribed flips a pending recipient to unsubscribed.
func (s *Store) MarkRecipientUnsubscribed(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE campaign_recipients
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3`,
		id, RecipientUnsubscribed, RecipientPending)
	if err != nil {
		return fmt.Errorf("failed to mark recipient unsubscribed: %w", err)
	}
	return nil
}

// CreateFollowup inserts a pending followup and returns its ID.
func (s *Store) CreateFollowup(ctx context.Context, f *Followup) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO followups
			(campaign_id, recipient_id, email, subject, body_html, body_text,
			 reply_to_message_id, due_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		f.CampaignID, f.RecipientID, f.Email, f.Subject, f.BodyHTML, f.BodyText,
		f.ReplyToMessageID, f.DueAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create followup: %w", err)
	}
	return id, nil
}

// GetFollowup loads one followup by ID.
func (s *Store) GetFollowup(ctx context.Context, id int64) (*Followup, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, campaign_id, recipient_id, email, subject, body_html, body_text,
		       reply_to_message_id, due_at, status, last_error, sent_at, created_at, updated_at
		FROM followups WHERE id = $1`, id)

	var f Followup
	err := row.Scan(&f.ID, &f.CampaignID, &f.RecipientID, &f.Email, &f.Subject,
		&f.BodyHTML, &f.BodyText, &f.ReplyToMessageID, &f.DueAt, &f.Status,
		&f.LastError, &f.SentAt, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &f, nil
}

// MarkFollowupSent records a delivered followup; only pending rows move.
func (s *Store) MarkFollowupSent(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE followups
		SET status = $2, sent_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $3`,
		id, FollowupSent, FollowupPending)
	if err != nil {
		return false, fmt.Errorf("failed to mark followup sent: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFollowupSkipped records that a followup was withheld, with the reason.
func (s *Store) MarkFollowupSkipped(ctx context.Context, id int64, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE followups
		SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, FollowupSkipped, reason, FollowupPending)
	if err != nil {
		return fmt.Errorf("failed to mark followup skipped: %w", err)
	}
	return nil
}

// SkipFollowupsByEmail withholds every pending followup for an address,
// across all campaigns. Called when the recipient replies or is suppressed.
func (s *Store) SkipFollowupsByEmail(ctx context.Context, email, reason string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE followups
		SET status = $2, last_error = $3, updated_at = NOW()
		WHERE email = $1 AND status = $4`,
		email, FollowupSkipped, reason, FollowupPending)
	if err != nil {
		return 0, fmt.Errorf("failed to skip followups: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkFollowupFailed records a permanent followup failure.
func (s *Store) MarkFollowupFailed(ctx context.Context, id int64, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE followups
		SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, FollowupFailed, reason, FollowupPending)
	if err != nil {
		return fmt.Errorf("failed to mark followup failed: %w", err)
	}
	return nil
}
