package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Calendar connection lifecycle states.
const (
	ConnectionPendingSetup = "PENDING_SETUP"
	ConnectionActive       = "ACTIVE"
	ConnectionError        = "ERROR"
	ConnectionDisabled     = "DISABLED"
)

// CalendarConnection binds a user to one external calendar account.
type CalendarConnection struct {
	ID           string
	UserID       string
	Provider     string
	DisplayName  string
	Status       string
	SyncToken    string
	LastError    string
	LastSyncedAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// BusyBlock is one busy interval mirrored from an external calendar.
type BusyBlock struct {
	ID           int64
	ConnectionID string
	StartsAt     time.Time
	EndsAt       time.Time
	CreatedAt    time.Time
}

const connectionColumns = `id, user_id, provider, display_name, status, sync_token,
	last_error, last_synced_at, created_at, updated_at`

func scanConnection(row interface{ Scan(...any) error }) (*CalendarConnection, error) {
	var c CalendarConnection
	err := row.Scan(&c.ID, &c.UserID, &c.Provider, &c.DisplayName, &c.Status,
		&c.SyncToken, &c.LastError, &c.LastSyncedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateCalendarConnection inserts a connection awaiting provider setup.
func (s *Store) CreateCalendarConnection(ctx context.Context, c *CalendarConnection) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO calendar_connections (id, user_id, provider, display_name)
		VALUES ($1, $2, $3, $4)`,
		c.ID, c.UserID, c.Provider, c.DisplayName)
	if err != nil {
		return fmt.Errorf("failed to create calendar connection: %w", err)
	}
	return nil
}

// RegisterCalendarConnection inserts a connection and records the enqueue
// intent for its setup job in one transaction. The caller names the job;
// the outbox relay delivers it once the row is committed, so a broker
// outage during registration cannot strand the connection in setup.
func (s *Store) RegisterCalendarConnection(ctx context.Context, c *CalendarConnection, queue, jobID string, payload []byte) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO calendar_connections (id, user_id, provider, display_name)
			VALUES ($1, $2, $3, $4)`,
			c.ID, c.UserID, c.Provider, c.DisplayName)
		if err != nil {
			return fmt.Errorf("failed to create calendar connection: %w", err)
		}
		_, err = s.EnqueueOutboxTx(ctx, tx, queue, jobID, payload, time.Time{})
		return err
	})
}

// GetCalendarConnection loads one connection by ID.
func (s *Store) GetCalendarConnection(ctx context.Context, id string) (*CalendarConnection, error) {
	c, err := scanConnection(s.pool.QueryRow(ctx,
		`SELECT `+connectionColumns+` FROM calendar_connections WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

// ActivateCalendarConnection moves a connection out of setup once the
// provider side is ready.
func (s *Store) ActivateCalendarConnection(ctx context.Context, id, displayName string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE calendar_connections
		SET status = $2, display_name = $3, last_error = '', updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, ConnectionActive, displayName, ConnectionPendingSetup)
	if err != nil {
		return fmt.Errorf("failed to activate calendar connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindSyncDueConnections returns active connections that have never synced
// or whose last sync is older than the cutoff.
func (s *Store) FindSyncDueConnections(ctx context.Context, olderThan time.Time, limit int) ([]*CalendarConnection, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+connectionColumns+`
		 FROM calendar_connections
		 WHERE status = $1 AND (last_synced_at IS NULL OR last_synced_at <= $2)
		 ORDER BY last_synced_at NULLS FIRST
		 LIMIT $3`,
		ConnectionActive, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync-due connections: %w", err)
	}
	defer rows.Close()

	var connections []*CalendarConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan calendar connection: %w", err)
		}
		connections = append(connections, c)
	}
	return connections, rows.Err()
}

// MarkConnectionSynced records a successful sync and the provider's next
// incremental sync token.
func (s *Store) MarkConnectionSynced(ctx context.Context, id, syncToken string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE calendar_connections
		SET sync_token = $2, last_synced_at = NOW(), last_error = '', updated_at = NOW()
		WHERE id = $1`,
		id, syncToken)
	if err != nil {
		return fmt.Errorf("failed to mark connection synced: %w", err)
	}
	return nil
}

// MarkConnectionSyncError records a failed sync without disabling the
// connection; the next poll cycle will try again.
func (s *Store) MarkConnectionSyncError(ctx context.Context, id, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE calendar_connections
		SET last_error = $2, updated_at = NOW()
		WHERE id = $1`,
		id, reason)
	if err != nil {
		return fmt.Errorf("failed to record connection sync error: %w", err)
	}
	return nil
}

// MarkConnectionFailed moves a connection into the error state when setup
// cannot complete. Unlike a sync error this takes it out of the rotation
// until the user reconnects.
func (s *Store) MarkConnectionFailed(ctx context.Context, id, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE calendar_connections
		SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1`,
		id, ConnectionError, reason)
	if err != nil {
		return fmt.Errorf("failed to mark connection failed: %w", err)
	}
	return nil
}

// DisableCalendarConnection takes a connection out of the sync rotation.
func (s *Store) DisableCalendarConnection(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE calendar_connections
		SET status = $2, updated_at = NOW()
		WHERE id = $1`,
		id, ConnectionDisabled)
	if err != nil {
		return fmt.Errorf("failed to disable calendar connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceBusyBlocks swaps a connection's busy blocks for a fresh snapshot in
// one transaction, bulk-loading the new rows.
func (s *Store) ReplaceBusyBlocks(ctx context.Context, connectionID string, blocks []BusyBlock) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM busy_blocks WHERE connection_id = $1`, connectionID); err != nil {
			return fmt.Errorf("failed to clear busy blocks: %w", err)
		}
		if len(blocks) == 0 {
			return nil
		}

		copyRows := make([][]any, len(blocks))
		for i, b := range blocks {
			copyRows[i] = []any{connectionID, b.StartsAt, b.EndsAt}
		}

		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"busy_blocks"},
			[]string{"connection_id", "starts_at", "ends_at"},
			pgx.CopyFromRows(copyRows))
		if err != nil {
			return fmt.Errorf("failed to load busy blocks: %w", err)
		}
		return nil
	})
}

// ListBusyBlocks returns a connection's busy intervals overlapping the
// given window.
func (s *Store) ListBusyBlocks(ctx context.Context, connectionID string, from, to time.Time) ([]BusyBlock, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, connection_id, starts_at, ends_at, created_at
		FROM busy_blocks
		WHERE connection_id = $1 AND starts_at < $3 AND ends_at > $2
		ORDER BY starts_at`,
		connectionID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query busy blocks: %w", err)
	}
	defer rows.Close()

	var blocks []BusyBlock
	for rows.Next() {
		var b BusyBlock
		if err := rows.Scan(&b.ID, &b.ConnectionID, &b.StartsAt, &b.EndsAt, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan busy block: %w", err)
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}
