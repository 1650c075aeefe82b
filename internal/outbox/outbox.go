// Package outbox relays enqueue intents from the database into the live
// broker. Components that must never lose work write the intent in the same
// transaction as their state change; the relay drains those rows into real
// queue jobs once the broker is reachable.
package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/outflowhq/outflow/internal/metrics"
	"github.com/outflowhq/outflow/internal/queue"
	"github.com/outflowhq/outflow/internal/store"
)

const (
	DefaultInterval   = 5 * time.Second
	DefaultBatchLimit = 50

	// retryDelay is how long a rejected event rests before the relay sees
	// it again.
	retryDelay = 30 * time.Second
)

// Store is the outbox surface of the persistence layer. *store.Store
// implements it.
type Store interface {
	DispatchOutbox(ctx context.Context, limit int, retryDelay time.Duration, fn func(ctx context.Context, ev *store.OutboxEvent) error) (int, error)
}

// Relay periodically drains pending outbox events into the broker.
type Relay struct {
	store    Store
	broker   queue.Broker
	interval time.Duration
	batch    int
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewRelay builds a relay. Zero interval or batch pick the defaults.
func NewRelay(st Store, broker queue.Broker, interval time.Duration, batch int, logger *slog.Logger) *Relay {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if batch <= 0 {
		batch = DefaultBatchLimit
	}
	return &Relay{
		store:    st,
		broker:   broker,
		interval: interval,
		batch:    batch,
		logger:   logger.With("component", "outbox"),
		metrics:  metrics.Get(),
	}
}

// Run drains the outbox on a fixed cadence until ctx is cancelled. The
// first drain happens immediately.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.drain(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// drain moves batches until the backlog is caught up or a store error
// interrupts the cycle.
func (r *Relay) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		delivered, err := r.store.DispatchOutbox(ctx, r.batch, retryDelay, r.deliver)
		if err != nil {
			r.logger.Error("outbox drain failed", "error", err)
			return
		}
		if delivered < r.batch {
			return
		}
	}
}

// deliver hands one event to the broker. A duplicate job means the intent
// is already queued and counts as delivered.
func (r *Relay) deliver(ctx context.Context, ev *store.OutboxEvent) error {
	err := r.broker.Queue(ev.Queue).Enqueue(ctx, queue.NewRawJob(ev.JobID, ev.Payload))
	switch {
	case errors.Is(err, queue.ErrDuplicateJob):
		return nil
	case err != nil:
		r.metrics.OutboxFailed.Inc()
		r.logger.Warn("failed to deliver outbox event",
			"event_id", ev.ID, "queue", ev.Queue, "job_id", ev.JobID, "error", err)
		return err
	}
	r.metrics.OutboxDispatched.Inc()
	return nil
}
