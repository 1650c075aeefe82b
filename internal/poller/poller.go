// Package poller promotes due database rows into queue jobs. Each poller
// owns one table: on every cycle it asks the store for rows whose time has
// come and enqueues a job per row. Deterministic job IDs make promotion
// idempotent, so a row seen by several cycles before a worker consumes it
// still produces exactly one job.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/outflowhq/outflow/internal/dispatch"
	"github.com/outflowhq/outflow/internal/metrics"
	"github.com/outflowhq/outflow/internal/queue"
	"github.com/outflowhq/outflow/internal/store"
)

const (
	DefaultScheduledEmailInterval = time.Minute
	DefaultSnoozeRestoreInterval  = time.Minute
	DefaultCalendarSyncInterval   = 15 * time.Minute
	DefaultBatchLimit             = 100
)

// RunFunc performs one promotion cycle and reports how many rows it
// promoted. Returning an error marks the whole cycle failed; per-row
// problems should be handled inside and not abort the batch.
type RunFunc func(ctx context.Context, limit int) (int, error)

// Poller runs a promotion cycle on a fixed interval. The first cycle runs
// immediately. A tick that arrives while the previous cycle is still
// running is skipped, never stacked.
type Poller struct {
	name     string
	interval time.Duration
	batch    int
	run      RunFunc

	inFlight atomic.Bool
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// New builds a poller around a promotion function.
func New(name string, interval time.Duration, batch int, run RunFunc, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = DefaultBatchLimit
	}
	return &Poller{
		name:     name,
		interval: interval,
		batch:    batch,
		run:      run,
		logger:   logger.With("component", "poller", "name", name),
		metrics:  metrics.Get(),
	}
}

// Run drives the poll loop until ctx is cancelled. It waits for an
// in-flight cycle before returning.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	launch := func() {
		if !p.inFlight.CompareAndSwap(false, true) {
			p.metrics.PollerSkipped.WithLabelValues(p.name).Inc()
			p.logger.Warn("previous cycle still running, skipping tick")
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer p.inFlight.Store(false)
			p.cycle(ctx)
		}()
	}

	launch()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-ticker.C:
			launch()
		}
	}
}

func (p *Poller) cycle(ctx context.Context) {
	// The timeout only catches hung cycles; ordinary slow cycles are
	// handled by the overlap guard.
	timeout := 2 * p.interval
	if timeout < 30*time.Second {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	p.metrics.PollerRuns.WithLabelValues(p.name).Inc()

	promoted, err := p.run(ctx, p.batch)
	if err != nil {
		p.metrics.PollerErrors.WithLabelValues(p.name).Inc()
		p.logger.Error("poll cycle failed",
			"error", err, "duration", time.Since(start))
		return
	}
	if promoted > 0 {
		p.metrics.PollerPromoted.WithLabelValues(p.name).Add(float64(promoted))
		p.logger.Info("promoted due rows",
			"count", promoted, "duration", time.Since(start))
	}
}

// Store is the due-row lookup surface the stock pollers need. *store.Store
// implements it.
type Store interface {
	FindDueScheduledEmails(ctx context.Context, now time.Time, limit int) ([]*store.ScheduledEmail, error)
	FindDueSnoozes(ctx context.Context, now time.Time, limit int) ([]*store.EmailSnooze, error)
	FindSyncDueConnections(ctx context.Context, olderThan time.Time, limit int) ([]*store.CalendarConnection, error)
}

// NewScheduledEmailPoller promotes scheduled emails whose send time has
// arrived.
func NewScheduledEmailPoller(st Store, broker queue.Broker, interval time.Duration, batch int, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultScheduledEmailInterval
	}
	var p *Poller
	p = New("scheduled-email", interval, batch, func(ctx context.Context, limit int) (int, error) {
		due, err := st.FindDueScheduledEmails(ctx, time.Now(), limit)
		if err != nil {
			return 0, err
		}
		promoted := 0
		for _, e := range due {
			if promoteOne(p, dispatch.EnqueueScheduledEmail(ctx, broker, e.ID), "email_id", e.ID) {
				promoted++
			}
		}
		return promoted, nil
	}, logger)
	return p
}

// NewSnoozeRestorePoller promotes snoozes whose restore time has arrived.
func NewSnoozeRestorePoller(st Store, broker queue.Broker, interval time.Duration, batch int, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultSnoozeRestoreInterval
	}
	var p *Poller
	p = New("snooze-restore", interval, batch, func(ctx context.Context, limit int) (int, error) {
		due, err := st.FindDueSnoozes(ctx, time.Now(), limit)
		if err != nil {
			return 0, err
		}
		promoted := 0
		for _, sn := range due {
			if promoteOne(p, dispatch.EnqueueSnoozeRestore(ctx, broker, sn.ID), "snooze_id", sn.ID) {
				promoted++
			}
		}
		return promoted, nil
	}, logger)
	return p
}

// NewCalendarSyncPoller enqueues a sync for every active connection not
// synced within the last interval.
func NewCalendarSyncPoller(st Store, broker queue.Broker, interval time.Duration, batch int, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultCalendarSyncInterval
	}
	var p *Poller
	p = New("calendar-sync", interval, batch, func(ctx context.Context, limit int) (int, error) {
		due, err := st.FindSyncDueConnections(ctx, time.Now().Add(-interval), limit)
		if err != nil {
			return 0, err
		}
		promoted := 0
		for _, conn := range due {
			if promoteOne(p, dispatch.EnqueueCalendarSync(ctx, broker, conn.ID), "connection_id", conn.ID) {
				promoted++
			}
		}
		return promoted, nil
	}, logger)
	return p
}

// promoteOne interprets a single enqueue outcome. A duplicate means a
// previous cycle already promoted the row and is a clean no-op; any other
// failure is logged without aborting the rest of the batch.
func promoteOne(p *Poller, err error, idKey string, id any) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, queue.ErrDuplicateJob):
		return false
	default:
		p.logger.Warn("failed to enqueue job for due row", idKey, id, "error", err)
		return false
	}
}
