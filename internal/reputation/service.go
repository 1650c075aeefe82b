package reputation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/outflowhq/outflow/internal/cache"
	"github.com/outflowhq/outflow/internal/metrics"
	"github.com/outflowhq/outflow/internal/store"
)

// Counter TTLs keep the per-hour and per-day send counters alive long
// enough to be read for the whole window plus some slack.
const (
	hourlyCounterTTL = 2 * time.Hour
	dailyCounterTTL  = 26 * time.Hour
)

// Store is the slice of the persistence layer the reputation service needs.
type Store interface {
	GetDomainReputation(ctx context.Context, domainID string) (*store.DomainReputation, error)
	AddDomainCounts(ctx context.Context, domainID string, d store.CountsDelta) error
	UpdateReputationScore(ctx context.Context, domainID string, score, graduationDays int) error
	InsertEmailEvent(ctx context.Context, ev *store.EmailEvent) (int64, error)
}

// Service maintains per-domain counters, recomputes scores, and answers the
// standing and limit checks made on the send path.
type Service struct {
	store          Store
	cache          cache.Cache
	logger         *slog.Logger
	metrics        *metrics.Metrics
	graduationDays int
}

// NewService builds the reputation service. graduationDays is how many
// distinct sending days a domain needs before it leaves warm-up.
func NewService(st Store, c cache.Cache, graduationDays int, logger *slog.Logger) *Service {
	if graduationDays <= 0 {
		graduationDays = 30
	}
	return &Service{
		store:          st,
		cache:          c,
		logger:         logger.With("component", "reputation"),
		metrics:        metrics.Get(),
		graduationDays: graduationDays,
	}
}

// RecordSent counts n accepted sends for a domain and bumps the hourly
// counter consulted by dispatch throttling.
func (s *Service) RecordSent(ctx context.Context, domainID string, n int64) error {
	if n <= 0 {
		return nil
	}
	if err := s.store.AddDomainCounts(ctx, domainID, store.CountsDelta{Sent: n}); err != nil {
		return err
	}
	s.bumpSendCounters(ctx, domainID, n)
	return nil
}

// RecordDelivered counts a delivery confirmation. Deliveries do not move
// the score but are tracked for per-domain visibility.
func (s *Service) RecordDelivered(ctx context.Context, domainID, email, messageID string) error {
	if err := s.store.AddDomainCounts(ctx, domainID, store.CountsDelta{Delivered: 1}); err != nil {
		return err
	}
	_, err := s.store.InsertEmailEvent(ctx, &store.EmailEvent{
		DomainID:  domainID,
		Email:     email,
		MessageID: messageID,
		EventType: "delivery",
	})
	return err
}

// RecordOpened counts an open event for a domain.
func (s *Service) RecordOpened(ctx context.Context, domainID, email, messageID string) error {
	if err := s.store.AddDomainCounts(ctx, domainID, store.CountsDelta{Opened: 1}); err != nil {
		return err
	}
	_, err := s.store.InsertEmailEvent(ctx, &store.EmailEvent{
		DomainID:  domainID,
		Email:     email,
		MessageID: messageID,
		EventType: "open",
	})
	return err
}

// RecordClicked counts a click event for a domain.
func (s *Service) RecordClicked(ctx context.Context, domainID, email, messageID string) error {
	if err := s.store.AddDomainCounts(ctx, domainID, store.CountsDelta{Clicked: 1}); err != nil {
		return err
	}
	_, err := s.store.InsertEmailEvent(ctx, &store.EmailEvent{
		DomainID:  domainID,
		Email:     email,
		MessageID: messageID,
		EventType: "click",
	})
	return err
}

// RecordBounced counts a bounce and recomputes the domain's score.
func (s *Service) RecordBounced(ctx context.Context, domainID string) error {
	if err := s.store.AddDomainCounts(ctx, domainID, store.CountsDelta{Bounced: 1}); err != nil {
		return err
	}
	_, err := s.Recalculate(ctx, domainID)
	return err
}

// RecordComplaint counts a spam complaint and recomputes the domain's score.
func (s *Service) RecordComplaint(ctx context.Context, domainID string) error {
	if err := s.store.AddDomainCounts(ctx, domainID, store.CountsDelta{Complaints: 1}); err != nil {
		return err
	}
	_, err := s.Recalculate(ctx, domainID)
	return err
}

// Recalculate recomputes and persists the score for a domain, returning the
// new value. Recalculating a domain with no row is a no-op that reports the
// default score.
func (s *Service) Recalculate(ctx context.Context, domainID string) (int, error) {
	rec, err := s.store.GetDomainReputation(ctx, domainID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 100, nil
		}
		return 0, err
	}

	score := Score(CountsOf(rec))
	if err := s.store.UpdateReputationScore(ctx, domainID, score, s.graduationDays); err != nil {
		return 0, err
	}

	s.metrics.ReputationScore.WithLabelValues(domainID).Set(float64(score))
	if score != rec.Score {
		s.logger.Info("domain reputation score changed",
			"domain_id", domainID,
			"previous_score", rec.Score,
			"score", score)
	}
	return score, nil
}

// SendingLimits answers the limit check for a domain.
func (s *Service) SendingLimits(ctx context.Context, domainID string) (SendingLimits, error) {
	rec, err := s.fetch(ctx, domainID)
	if err != nil {
		return SendingLimits{}, err
	}
	return LimitsFor(rec), nil
}

// GoodStanding answers the standing check for a domain.
func (s *Service) GoodStanding(ctx context.Context, domainID string) (bool, error) {
	rec, err := s.fetch(ctx, domainID)
	if err != nil {
		return false, err
	}
	return GoodStanding(rec), nil
}

// Snapshot returns the stored reputation row, or nil for a domain that has
// never sent.
func (s *Service) Snapshot(ctx context.Context, domainID string) (*store.DomainReputation, error) {
	return s.fetch(ctx, domainID)
}

func (s *Service) fetch(ctx context.Context, domainID string) (*store.DomainReputation, error) {
	rec, err := s.store.GetDomainReputation(ctx, domainID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// HourlySends reports how many sends the domain has made in the current UTC
// hour. Counter reads fail open to zero so a cache outage cannot stall
// dispatch.
func (s *Service) HourlySends(ctx context.Context, domainID string) int64 {
	return s.readCounter(ctx, hourlySendKey(domainID, time.Now()))
}

// DailySends reports how many sends the domain has made in the current UTC
// day.
func (s *Service) DailySends(ctx context.Context, domainID string) int64 {
	return s.readCounter(ctx, dailySendKey(domainID, time.Now()))
}

func (s *Service) readCounter(ctx context.Context, key string) int64 {
	value, err := s.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			s.logger.Warn("failed to read send counter",
				"key", key,
				"error", err)
		}
		return 0
	}

	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (s *Service) bumpSendCounters(ctx context.Context, domainID string, n int64) {
	now := time.Now()
	s.bumpCounter(ctx, hourlySendKey(domainID, now), n, hourlyCounterTTL)
	s.bumpCounter(ctx, dailySendKey(domainID, now), n, dailyCounterTTL)
}

func (s *Service) bumpCounter(ctx context.Context, key string, n int64, ttl time.Duration) {
	value, err := s.cache.Increment(ctx, key, n)
	if err != nil {
		s.logger.Warn("failed to bump send counter",
			"key", key,
			"error", err)
		return
	}
	if value == n {
		// First increment in the window owns the expiry.
		if err := s.cache.Expire(ctx, key, ttl); err != nil {
			s.logger.Warn("failed to expire send counter",
				"key", key,
				"error", err)
		}
	}
}

func hourlySendKey(domainID string, now time.Time) string {
	return fmt.Sprintf("sends:%s:%s", domainID, now.UTC().Format("2006010215"))
}

func dailySendKey(domainID string, now time.Time) string {
	return fmt.Sprintf("sends:%s:%s", domainID, now.UTC().Format("20060102"))
}
