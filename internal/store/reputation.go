package store

import (
	"context"
	"fmt"
	"time"
)

// DomainReputation holds the lifetime counters and computed score for one
// sending domain. A domain with no row has never sent and is treated as
// brand new by the reputation layer. The rate columns are denormalized at
// recalculation time so operators can query them directly.
type DomainReputation struct {
	DomainID         string
	TotalSent        int64
	TotalDelivered   int64
	TotalBounced     int64
	TotalComplaints  int64
	TotalOpened      int64
	TotalClicked     int64
	BounceRate       float64
	ComplaintRate    float64
	OpenRate         float64
	ClickRate        float64
	Score            int
	WarmupDays       int
	WarmupComplete   bool
	LastSendDate     *time.Time
	LastCalculatedAt *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CountsDelta is a batch of counter increments for one domain.
type CountsDelta struct {
	Sent       int64
	Delivered  int64
	Bounced    int64
	Complaints int64
	Opened     int64
	Clicked    int64
}

const reputationColumns = `domain_id, total_sent, total_delivered, total_bounced,
	total_complaints, total_opened, total_clicked, bounce_rate, complaint_rate,
	open_rate, click_rate, score, warmup_days, warmup_complete, last_send_date,
	last_calculated_at, created_at, updated_at`

func scanReputation(row interface{ Scan(...any) error }) (*DomainReputation, error) {
	var r DomainReputation
	err := row.Scan(&r.DomainID, &r.TotalSent, &r.TotalDelivered, &r.TotalBounced,
		&r.TotalComplaints, &r.TotalOpened, &r.TotalClicked, &r.BounceRate,
		&r.ComplaintRate, &r.OpenRate, &r.ClickRate, &r.Score, &r.WarmupDays,
		&r.WarmupComplete, &r.LastSendDate, &r.LastCalculatedAt, &r.CreatedAt,
		&r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetDomainReputation loads the reputation row for a domain, or ErrNotFound
// for a domain that has never sent.
func (s *Store) GetDomainReputation(ctx context.Context, domainID string) (*DomainReputation, error) {
	r, err := scanReputation(s.pool.QueryRow(ctx,
		`SELECT `+reputationColumns+` FROM domain_reputation WHERE domain_id = $1`, domainID))
	if err != nil {
		return nil, notFound(err)
	}
	return r, nil
}

// AddDomainCounts atomically increments a domain's counters, creating the
// row on first contact. A send on a new calendar day advances the warm-up
// day count by one.
func (s *Store) AddDomainCounts(ctx context.Context, domainID string, d CountsDelta) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO domain_reputation
			(domain_id, total_sent, total_delivered, total_bounced, total_complaints,
			 total_opened, total_clicked, warmup_days, last_send_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7,
			CASE WHEN $2 > 0 THEN 1 ELSE 0 END,
			CASE WHEN $2 > 0 THEN CURRENT_DATE ELSE NULL END)
		ON CONFLICT (domain_id) DO UPDATE SET
			total_sent       = domain_reputation.total_sent + EXCLUDED.total_sent,
			total_delivered  = domain_reputation.total_delivered + EXCLUDED.total_delivered,
			total_bounced    = domain_reputation.total_bounced + EXCLUDED.total_bounced,
			total_complaints = domain_reputation.total_complaints + EXCLUDED.total_complaints,
			total_opened     = domain_reputation.total_opened + EXCLUDED.total_opened,
			total_clicked    = domain_reputation.total_clicked + EXCLUDED.total_clicked,
			warmup_days = domain_reputation.warmup_days + CASE
				WHEN EXCLUDED.total_sent > 0
				 AND domain_reputation.last_send_date IS DISTINCT FROM CURRENT_DATE
				THEN 1 ELSE 0 END,
			last_send_date = CASE
				WHEN EXCLUDED.total_sent > 0 THEN CURRENT_DATE
				ELSE domain_reputation.last_send_date END,
			updated_at = NOW()`,
		domainID, d.Sent, d.Delivered, d.Bounced, d.Complaints, d.Opened, d.Clicked)
	if err != nil {
		return fmt.Errorf("failed to update domain counters: %w", err)
	}
	return nil
}

// UpdateReputationScore stores a freshly computed score, refreshes the
// denormalized rate columns from the counters, and graduates the domain out
// of warm-up once it has sent on graduationDays distinct days.
func (s *Store) UpdateReputationScore(ctx context.Context, domainID string, score, graduationDays int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE domain_reputation
		SET score = $2,
		    bounce_rate = CASE WHEN total_sent > 0
				THEN total_bounced::double precision / total_sent * 100 ELSE 0 END,
		    complaint_rate = CASE WHEN total_sent > 0
				THEN total_complaints::double precision / total_sent * 100 ELSE 0 END,
		    open_rate = CASE WHEN total_sent > 0
				THEN total_opened::double precision / total_sent * 100 ELSE 0 END,
		    click_rate = CASE WHEN total_sent > 0
				THEN total_clicked::double precision / total_sent * 100 ELSE 0 END,
		    warmup_complete = warmup_complete OR warmup_days >= $3,
		    last_calculated_at = NOW(),
		    updated_at = NOW()
		WHERE domain_id = $1`,
		domainID, score, graduationDays)
	if err != nil {
		return fmt.Errorf("failed to update reputation score: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDomainReputations returns every tracked domain, worst score first.
func (s *Store) ListDomainReputations(ctx context.Context, limit int) ([]*DomainReputation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+reputationColumns+`
		 FROM domain_reputation
		 ORDER BY score, domain_id
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query domain reputations: %w", err)
	}
	defer rows.Close()

	var reputations []*DomainReputation
	for rows.Next() {
		r, err := scanReputation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan domain reputation: %w", err)
		}
		reputations = append(reputations, r)
	}
	return reputations, rows.Err()
}
