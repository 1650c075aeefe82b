package store

import (
	"context"
	"fmt"
	"time"
)

// Bounce types as stored.
const (
	BounceHard = "HARD"
	BounceSoft = "SOFT"
)

// EmailBounce is one recorded bounce event for an address.
type EmailBounce struct {
	ID         int64
	DomainID   string
	Email      string
	BounceType string
	Category   string
	Provider   string
	Reason     string
	CreatedAt  time.Time
}

// EmailComplaint is one recorded spam complaint for an address.
type EmailComplaint struct {
	ID           int64
	DomainID     string
	Email        string
	Provider     string
	FeedbackType string
	CreatedAt    time.Time
}

// BounceCounts aggregates recorded bounces for one address by type.
type BounceCounts struct {
	Hard int64
	Soft int64
}

// EmailEvent is a raw engagement or delivery event used for reputation
// accounting and debugging.
type EmailEvent struct {
	ID        int64
	DomainID  string
	Email     string
	MessageID string
	EventType string
	Metadata  []byte
	CreatedAt time.Time
}

// InsertBounce records a bounce and returns its ID.
func (s *Store) InsertBounce(ctx context.Context, b *EmailBounce) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO email_bounces (domain_id, email, bounce_type, category, provider, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		b.DomainID, b.Email, b.BounceType, b.Category, b.Provider, b.Reason,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert bounce: %w", err)
	}
	return id, nil
}

// CountBounces aggregates all recorded bounces for an address by type.
func (s *Store) CountBounces(ctx context.Context, email string) (BounceCounts, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT bounce_type, COUNT(*)
		FROM email_bounces
		WHERE email = $1
		GROUP BY bounce_type`, email)
	if err != nil {
		return BounceCounts{}, fmt.Errorf("failed to count bounces: %w", err)
	}
	defer rows.Close()

	var counts BounceCounts
	for rows.Next() {
		var bounceType string
		var n int64
		if err := rows.Scan(&bounceType, &n); err != nil {
			return BounceCounts{}, fmt.Errorf("failed to scan bounce count: %w", err)
		}
		switch bounceType {
		case BounceHard:
			counts.Hard = n
		case BounceSoft:
			counts.Soft = n
		}
	}
	return counts, rows.Err()
}

// ListBouncesByDomain returns the most recent bounces for a domain.
func (s *Store) ListBouncesByDomain(ctx context.Context, domainID string, limit int) ([]*EmailBounce, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, domain_id, email, bounce_type, category, provider, reason, created_at
		FROM email_bounces
		WHERE domain_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, domainID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query bounces: %w", err)
	}
	defer rows.Close()

	var bounces []*EmailBounce
	for rows.Next() {
		var b EmailBounce
		if err := rows.Scan(&b.ID, &b.DomainID, &b.Email, &b.BounceType, &b.Category,
			&b.Provider, &b.Reason, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bounce: %w", err)
		}
		bounces = append(bounces, &b)
	}
	return bounces, rows.Err()
}

// InsertComplaint records a spam complaint and returns its ID.
func (s *Store) InsertComplaint(ctx context.Context, c *EmailComplaint) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO email_complaints (domain_id, email, provider, feedback_type)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		c.DomainID, c.Email, c.Provider, c.FeedbackType,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert complaint: %w", err)
	}
	return id, nil
}

// SuppressEmail adds an address to the suppression list. Suppressing an
// already suppressed address keeps the original reason; the returned bool
// reports whether a new row was added.
func (s *Store) SuppressEmail(ctx context.Context, email, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO suppressed_emails (email, reason)
		VALUES ($1, $2)
		ON CONFLICT (email) DO NOTHING`,
		email, reason)
	if err != nil {
		return false, fmt.Errorf("failed to suppress email: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UnsuppressEmail removes an address from the suppression list.
func (s *Store) UnsuppressEmail(ctx context.Context, email string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM suppressed_emails WHERE email = $1`, email)
	if err != nil {
		return fmt.Errorf("failed to unsuppress email: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IsSuppressed reports whether sends to this address are blocked.
func (s *Store) IsSuppressed(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM suppressed_emails WHERE email = $1)`, email,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check suppression: %w", err)
	}
	return exists, nil
}

// SuppressionReason returns why an address is suppressed, or ErrNotFound.
func (s *Store) SuppressionReason(ctx context.Context, email string) (string, error) {
	var reason string
	err := s.pool.QueryRow(ctx,
		`SELECT reason FROM suppressed_emails WHERE email = $1`, email,
	).Scan(&reason)
	if err != nil {
		return "", notFound(err)
	}
	return reason, nil
}

// InsertEmailEvent records a raw engagement or delivery event.
func (s *Store) InsertEmailEvent(ctx context.Context, ev *EmailEvent) (int64, error) {
	metadata := ev.Metadata
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO email_events (domain_id, email, message_id, event_type, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		ev.DomainID, ev.Email, ev.MessageID, ev.EventType, metadata,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert email event: %w", err)
	}
	return id, nil
}
