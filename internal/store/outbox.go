package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Outbox event lifecycle states.
const (
	OutboxPending   = "PENDING"
	OutboxDelivered = "DELIVERED"
	OutboxFailed    = "FAILED"
)

// outboxMaxAttempts is how many delivery attempts an event gets before it is
// parked as failed.
const outboxMaxAttempts = 10

// OutboxEvent is a queued enqueue intent written in the same transaction as
// the state change that requires it. A relay drains pending events into the
// real broker, so a broker outage can never lose the intent.
type OutboxEvent struct {
	ID          int64
	Queue       string
	JobID       string
	Payload     []byte
	Status      string
	Attempts    int
	AvailableAt time.Time
	LastError   string
	DeliveredAt *time.Time
	CreatedAt   time.Time
}

// EnqueueOutbox records an enqueue intent outside any caller transaction.
func (s *Store) EnqueueOutbox(ctx context.Context, queue, jobID string, payload []byte, availableAt time.Time) (int64, error) {
	return enqueueOutbox(ctx, s.pool, queue, jobID, payload, availableAt)
}

// EnqueueOutboxTx records an enqueue intent inside the caller's transaction,
// committing or rolling back together with the caller's state change.
func (s *Store) EnqueueOutboxTx(ctx context.Context, tx pgx.Tx, queue, jobID string, payload []byte, availableAt time.Time) (int64, error) {
	return enqueueOutbox(ctx, tx, queue, jobID, payload, availableAt)
}

type execQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func enqueueOutbox(ctx context.Context, q execQuerier, queue, jobID string, payload []byte, availableAt time.Time) (int64, error) {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if availableAt.IsZero() {
		availableAt = time.Now()
	}

	var id int64
	err := q.QueryRow(ctx, `
		INSERT INTO outbox_events (queue, job_id, payload, available_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		queue, jobID, payload, availableAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return id, nil
}

// DispatchOutbox hands up to limit due pending events to fn inside one
// transaction, using row locks so concurrent relays never double-deliver.
// Events fn accepts are marked delivered; events it rejects are retried
// after retryDelay until their attempts run out, then parked as failed.
// Returns how many events were delivered.
func (s *Store) DispatchOutbox(ctx context.Context, limit int, retryDelay time.Duration, fn func(ctx context.Context, ev *OutboxEvent) error) (int, error) {
	var delivered int

	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, queue, job_id, payload, status, attempts, available_at,
			       last_error, delivered_at, created_at
			FROM outbox_events
			WHERE status = $1 AND available_at <= NOW()
			ORDER BY id
			LIMIT $2
			FOR UPDATE SKIP LOCKED`,
			OutboxPending, limit)
		if err != nil {
			return fmt.Errorf("failed to query pending outbox events: %w", err)
		}

		var events []*OutboxEvent
		for rows.Next() {
			var ev OutboxEvent
			if err := rows.Scan(&ev.ID, &ev.Queue, &ev.JobID, &ev.Payload, &ev.Status,
				&ev.Attempts, &ev.AvailableAt, &ev.LastError, &ev.DeliveredAt,
				&ev.CreatedAt); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan outbox event: %w", err)
			}
			events = append(events, &ev)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, ev := range events {
			if err := fn(ctx, ev); err != nil {
				ev.Attempts++
				status := OutboxPending
				if ev.Attempts >= outboxMaxAttempts {
					status = OutboxFailed
				}
				if _, uerr := tx.Exec(ctx, `
					UPDATE outbox_events
					SET status = $2, attempts = $3, last_error = $4, available_at = $5
					WHERE id = $1`,
					ev.ID, status, ev.Attempts, err.Error(), time.Now().Add(retryDelay)); uerr != nil {
					return fmt.Errorf("failed to record outbox delivery failure: %w", uerr)
				}
				continue
			}

			if _, uerr := tx.Exec(ctx, `
				UPDATE outbox_events
				SET status = $2, delivered_at = NOW()
				WHERE id = $1`,
				ev.ID, OutboxDelivered); uerr != nil {
				return fmt.Errorf("failed to mark outbox event delivered: %w", uerr)
			}
			delivered++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return delivered, nil
}

// PendingOutboxCount reports how many events still await delivery.
func (s *Store) PendingOutboxCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox_events WHERE status = $1`, OutboxPending,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending outbox events: %w", err)
	}
	return n, nil
}
