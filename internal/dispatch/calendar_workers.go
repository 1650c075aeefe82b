package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/outflowhq/outflow/internal/queue"
	"github.com/outflowhq/outflow/internal/store"
)

// handleCalendarSync refreshes one connection's busy-block mirror. Provider
// and store failures are recorded on the connection and the job completes;
// the periodic sync poller picks the connection up again on its next cycle.
func (w *Workers) handleCalendarSync(ctx context.Context, job *queue.Job) error {
	var payload CalendarSyncJob
	if err := job.Decode(&payload); err != nil {
		w.logger.Error("malformed calendar sync job",
			"job_id", job.ID, "payload", string(job.Payload), "error", err)
		return err
	}

	conn, err := w.store.GetCalendarConnection(ctx, payload.ConnectionID)
	if errors.Is(err, store.ErrNotFound) {
		w.logger.Warn("calendar connection no longer exists",
			"connection_id", payload.ConnectionID)
		return nil
	}
	if err != nil {
		return err
	}
	if conn.Status != store.ConnectionActive {
		w.logger.Info("skipping sync for inactive connection",
			"connection_id", conn.ID, "status", conn.Status)
		return nil
	}

	now := time.Now()
	fctx, cancel := context.WithTimeout(ctx, providerTimeout)
	result, err := w.calendar.FetchBusyBlocks(fctx, conn.UserID, conn.ID, now, now.Add(syncHorizon))
	cancel()
	if err != nil {
		w.logger.Warn("calendar fetch failed, will retry next cycle",
			"connection_id", conn.ID, "provider", conn.Provider, "error", err)
		if sErr := w.store.MarkConnectionSyncError(ctx, conn.ID, err.Error()); sErr != nil {
			w.logger.Warn("failed to record sync error",
				"connection_id", conn.ID, "error", sErr)
		}
		return nil
	}

	blocks := make([]store.BusyBlock, len(result.Blocks))
	for i, b := range result.Blocks {
		blocks[i] = store.BusyBlock{
			ConnectionID: conn.ID,
			StartsAt:     b.StartsAt,
			EndsAt:       b.EndsAt,
		}
	}
	if err := w.store.ReplaceBusyBlocks(ctx, conn.ID, blocks); err != nil {
		w.logger.Warn("failed to store busy blocks, will retry next cycle",
			"connection_id", conn.ID, "error", err)
		return nil
	}
	if err := w.store.MarkConnectionSynced(ctx, conn.ID, result.SyncToken); err != nil {
		w.logger.Warn("failed to mark connection synced",
			"connection_id", conn.ID, "error", err)
		return nil
	}

	w.logger.Info("calendar connection synced",
		"connection_id", conn.ID, "busy_blocks", len(blocks))
	return nil
}

// handleConnectionSetup finishes provisioning a new calendar connection:
// it resolves the account's primary calendar, activates the connection, and
// kicks off the first sync. Provider failures are retried by the queue.
func (w *Workers) handleConnectionSetup(ctx context.Context, job *queue.Job) error {
	var payload ConnectionSetupJob
	if err := job.Decode(&payload); err != nil {
		w.logger.Error("malformed connection setup job",
			"job_id", job.ID, "payload", string(job.Payload), "error", err)
		return err
	}

	conn, err := w.store.GetCalendarConnection(ctx, payload.ConnectionID)
	if errors.Is(err, store.ErrNotFound) {
		w.logger.Warn("calendar connection no longer exists",
			"connection_id", payload.ConnectionID)
		return nil
	}
	if err != nil {
		return err
	}
	if conn.Status != store.ConnectionPendingSetup {
		w.logger.Info("connection setup already resolved",
			"connection_id", conn.ID, "status", conn.Status)
		return nil
	}

	mctx, cancel := context.WithTimeout(ctx, providerTimeout)
	info, err := w.calendarMeta.PrimaryCalendar(mctx, conn.UserID)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to resolve primary calendar: %w", err)
	}

	displayName := info.DisplayName
	if displayName == "" {
		displayName = conn.DisplayName
	}
	if err := w.store.ActivateCalendarConnection(ctx, conn.ID, displayName); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			w.logger.Info("connection left setup state mid-activation",
				"connection_id", conn.ID)
			return nil
		}
		return err
	}
	w.logger.Info("calendar connection activated",
		"connection_id", conn.ID, "provider", conn.Provider, "calendar_id", info.CalendarID)

	// First sync runs immediately rather than waiting for the poller.
	if err := EnqueueCalendarSync(ctx, w.broker, conn.ID); err != nil &&
		!errors.Is(err, queue.ErrDuplicateJob) {
		w.logger.Warn("failed to enqueue initial sync",
			"connection_id", conn.ID, "error", err)
	}
	return nil
}

func (w *Workers) connectionSetupDead(ctx context.Context, job *queue.Job, jobErr error) {
	var payload ConnectionSetupJob
	if err := job.Decode(&payload); err != nil {
		return
	}
	if err := w.store.MarkConnectionFailed(ctx, payload.ConnectionID, jobErr.Error()); err != nil {
		w.logger.Error("failed to mark connection failed",
			"connection_id", payload.ConnectionID, "error", err)
	}
}
