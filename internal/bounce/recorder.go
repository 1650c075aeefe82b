package bounce

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/outflowhq/outflow/internal/logging"
	"github.com/outflowhq/outflow/internal/metrics"
	"github.com/outflowhq/outflow/internal/store"
)

// Suppression thresholds. One hard bounce or three soft bounces disqualify
// an address from further sends.
const (
	hardBounceLimit = 1
	softBounceLimit = 3
)

// Store is the slice of the relational store the recorder writes to.
type Store interface {
	InsertBounce(ctx context.Context, b *store.EmailBounce) (int64, error)
	InsertComplaint(ctx context.Context, c *store.EmailComplaint) (int64, error)
	CountBounces(ctx context.Context, email string) (store.BounceCounts, error)
	IsSuppressed(ctx context.Context, email string) (bool, error)
	SuppressEmail(ctx context.Context, email, reason string) (bool, error)
	SuppressRecipientsByEmail(ctx context.Context, email string) (int64, error)
}

// Reputation receives per-domain bounce and complaint notifications and
// recalculates the domain score.
type Reputation interface {
	RecordBounced(ctx context.Context, domainID string) error
	RecordComplaint(ctx context.Context, domainID string) error
}

// Recorder persists bounce and complaint events and applies their
// consequences: reputation recalculation, campaign membership suppression,
// and maintenance of the address suppression list.
type Recorder struct {
	store       Store
	reputation  Reputation
	classifier  *Classifier
	logger      *slog.Logger
	dispatchLog *logging.DispatchLogger
	metrics     *metrics.Metrics
}

// NewRecorder builds a recorder. A nil classifier gets the default rules.
func NewRecorder(st Store, rep Reputation, cls *Classifier, logger *slog.Logger) *Recorder {
	if cls == nil {
		cls = NewClassifier(nil)
	}
	return &Recorder{
		store:       st,
		reputation:  rep,
		classifier:  cls,
		logger:      logger.With("component", "bounce"),
		dispatchLog: logging.NewDispatchLogger(logger),
		metrics:     metrics.Get(),
	}
}

// Bounce is one provider bounce notification. RawError carries the
// provider's error text; Type and Category may be set directly when the
// provider already classified the bounce, otherwise they are derived from
// RawError.
type Bounce struct {
	DomainID string
	Email    string
	Provider string
	RawError string
	Type     string
	Category string
}

// Complaint is one provider spam-complaint notification.
type Complaint struct {
	DomainID     string
	Email        string
	Provider     string
	FeedbackType string
}

// RecordBounce persists a bounce event and applies its consequences: the
// owning domain's reputation is recalculated, a hard bounce suppresses the
// address's pending campaign memberships, and an address past the bounce
// thresholds lands on the suppression list. The bounce row is the source of
// truth; failures in the follow-up steps are logged, not returned, so a
// retried job cannot double-record the event.
func (r *Recorder) RecordBounce(ctx context.Context, b Bounce) (Classification, error) {
	cls := Classification{Type: b.Type, Category: b.Category}
	if cls.Type == "" {
		cls = r.classifier.Classify(b.RawError)
	} else if cls.Category == "" {
		cls.Category = CategoryOther
	}

	_, err := r.store.InsertBounce(ctx, &store.EmailBounce{
		DomainID:   b.DomainID,
		Email:      b.Email,
		BounceType: cls.Type,
		Category:   cls.Category,
		Provider:   b.Provider,
		Reason:     b.RawError,
	})
	if err != nil {
		return cls, fmt.Errorf("failed to record bounce: %w", err)
	}

	r.metrics.BouncesRecorded.WithLabelValues(strings.ToLower(cls.Type)).Inc()
	r.dispatchLog.LogBounceRecorded(logging.BounceContext{
		Email:      b.Email,
		DomainID:   b.DomainID,
		BounceType: cls.Type,
		Category:   cls.Category,
		Provider:   b.Provider,
	})

	if b.DomainID != "" {
		if err := r.reputation.RecordBounced(ctx, b.DomainID); err != nil {
			r.logger.Warn("failed to update reputation after bounce",
				"domain_id", b.DomainID, "error", err)
		}
	}

	if cls.Type == TypeHard {
		if n, err := r.store.SuppressRecipientsByEmail(ctx, b.Email); err != nil {
			r.logger.Warn("failed to suppress campaign memberships",
				"email", b.Email, "error", err)
		} else if n > 0 {
			r.logger.Info("suppressed pending campaign memberships",
				"email", b.Email, "recipients", n)
		}
	}

	if err := r.applySuppressionPolicy(ctx, b.Email); err != nil {
		r.logger.Warn("failed to apply suppression policy",
			"email", b.Email, "error", err)
	}
	return cls, nil
}

// RecordComplaint persists a spam complaint and suppresses the address. An
// address that reports mail as spam must never be mailed again.
func (r *Recorder) RecordComplaint(ctx context.Context, c Complaint) error {
	_, err := r.store.InsertComplaint(ctx, &store.EmailComplaint{
		DomainID:     c.DomainID,
		Email:        c.Email,
		Provider:     c.Provider,
		FeedbackType: c.FeedbackType,
	})
	if err != nil {
		return fmt.Errorf("failed to record complaint: %w", err)
	}

	r.metrics.ComplaintsRecorded.Inc()
	r.dispatchLog.LogComplaintRecorded(logging.BounceContext{
		Email:    c.Email,
		DomainID: c.DomainID,
		Provider: c.Provider,
	})

	if c.DomainID != "" {
		if err := r.reputation.RecordComplaint(ctx, c.DomainID); err != nil {
			r.logger.Warn("failed to update reputation after complaint",
				"domain_id", c.DomainID, "error", err)
		}
	}

	if added, err := r.store.SuppressEmail(ctx, c.Email, "spam complaint"); err != nil {
		r.logger.Warn("failed to suppress complaining address",
			"email", c.Email, "error", err)
	} else if added {
		r.logger.Info("address suppressed", "email", c.Email, "reason", "spam complaint")
	}
	if _, err := r.store.SuppressRecipientsByEmail(ctx, c.Email); err != nil {
		r.logger.Warn("failed to suppress campaign memberships",
			"email", c.Email, "error", err)
	}
	return nil
}

// ShouldSuppress reports whether an address must not be sent to, with a
// human-readable reason. Dispatch checks it immediately before every send
// attempt since bounces accrue mid-campaign. Both the suppression list and
// the live bounce counts are consulted so a freshly recorded bounce takes
// effect even when list maintenance lagged.
func (r *Recorder) ShouldSuppress(ctx context.Context, email string) (bool, string, error) {
	suppressed, err := r.store.IsSuppressed(ctx, email)
	if err != nil {
		return false, "", fmt.Errorf("failed to check suppression list: %w", err)
	}
	if suppressed {
		return true, "address on suppression list", nil
	}

	counts, err := r.store.CountBounces(ctx, email)
	if err != nil {
		return false, "", fmt.Errorf("failed to count bounces: %w", err)
	}
	switch {
	case counts.Hard >= hardBounceLimit:
		return true, "hard bounce recorded", nil
	case counts.Soft >= softBounceLimit:
		return true, fmt.Sprintf("%d soft bounces recorded", counts.Soft), nil
	}
	return false, "", nil
}

// applySuppressionPolicy adds the address to the suppression list once its
// recorded bounces cross a threshold. Re-applying for an already listed
// address is a no-op; the original suppression reason is kept.
func (r *Recorder) applySuppressionPolicy(ctx context.Context, email string) error {
	counts, err := r.store.CountBounces(ctx, email)
	if err != nil {
		return err
	}
	if counts.Hard < hardBounceLimit && counts.Soft < softBounceLimit {
		return nil
	}

	reason := fmt.Sprintf("bounce threshold reached: %d hard, %d soft", counts.Hard, counts.Soft)
	added, err := r.store.SuppressEmail(ctx, email, reason)
	if err != nil {
		return err
	}
	if added {
		r.logger.Info("address suppressed",
			"email", email, "hard_bounces", counts.Hard, "soft_bounces", counts.Soft)
	}
	return nil
}
