package logging

import (
	"log/slog"
	"time"
)

// DispatchLogger provides structured logging for job and send lifecycle
// events. Every record carries an event_type key so downstream aggregation
// can group by lifecycle stage without parsing message text.
type DispatchLogger struct {
	logger *slog.Logger
}

// NewDispatchLogger creates a new dispatch logger.
func NewDispatchLogger(logger *slog.Logger) *DispatchLogger {
	return &DispatchLogger{
		logger: logger.With("component", "dispatch-lifecycle"),
	}
}

// JobContext contains all context about a queued job for logging.
type JobContext struct {
	JobID       string
	Queue       string
	Attempt     int
	MaxAttempts int
	EnqueuedAt  time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	NextRetryAt time.Time
	Error       string
}

// LogEnqueued logs when a job is accepted by the queue.
func (dl *DispatchLogger) LogEnqueued(ctx JobContext) {
	dl.logger.Info("job_enqueued",
		"event_type", "job_enqueued",
		"job_id", ctx.JobID,
		"queue", ctx.Queue,
		"max_attempts", ctx.MaxAttempts,
		"enqueued_at", ctx.EnqueuedAt.Format(time.RFC3339),
	)
}

// LogCompleted logs successful job completion.
func (dl *DispatchLogger) LogCompleted(ctx JobContext) {
	queueDelay := time.Duration(0)
	if !ctx.StartedAt.IsZero() && !ctx.EnqueuedAt.IsZero() {
		queueDelay = ctx.StartedAt.Sub(ctx.EnqueuedAt)
	}
	duration := time.Duration(0)
	if !ctx.FinishedAt.IsZero() && !ctx.StartedAt.IsZero() {
		duration = ctx.FinishedAt.Sub(ctx.StartedAt)
	}

	dl.logger.Info("job_completed",
		"event_type", "job_completed",
		"job_id", ctx.JobID,
		"queue", ctx.Queue,
		"attempt", ctx.Attempt,
		"queue_delay_ms", queueDelay.Milliseconds(),
		"duration_ms", duration.Milliseconds(),
		"status", "completed",
	)
}

// LogRetried logs when a failed job is scheduled for another attempt.
func (dl *DispatchLogger) LogRetried(ctx JobContext) {
	retryIn := time.Duration(0)
	if !ctx.NextRetryAt.IsZero() {
		retryIn = time.Until(ctx.NextRetryAt)
	}

	dl.logger.Warn("job_retried",
		"event_type", "job_retried",
		"job_id", ctx.JobID,
		"queue", ctx.Queue,
		"attempt", ctx.Attempt,
		"max_attempts", ctx.MaxAttempts,
		"next_retry", ctx.NextRetryAt.Format(time.RFC3339),
		"next_retry_in_seconds", int(retryIn.Seconds()),
		"failure_reason", sanitizeMessage(ctx.Error),
		"status", "retried",
	)
}

// LogFailed logs when a job attempt fails.
func (dl *DispatchLogger) LogFailed(ctx JobContext) {
	dl.logger.Error("job_failed",
		"event_type", "job_failed",
		"job_id", ctx.JobID,
		"queue", ctx.Queue,
		"attempt", ctx.Attempt,
		"max_attempts", ctx.MaxAttempts,
		"failure_reason", sanitizeMessage(ctx.Error),
		"status", "failed",
	)
}

// LogDead logs when a job exhausts its attempts and moves to the dead set.
func (dl *DispatchLogger) LogDead(ctx JobContext) {
	dl.logger.Error("job_dead",
		"event_type", "job_dead",
		"job_id", ctx.JobID,
		"queue", ctx.Queue,
		"attempt", ctx.Attempt,
		"max_attempts", ctx.MaxAttempts,
		"failure_reason", sanitizeMessage(ctx.Error),
		"status", "dead",
	)
}

// SendContext contains context about an individual send decision.
type SendContext struct {
	Email      string
	DomainID   string
	CampaignID string
	Reason     string
}

// LogSuppressed logs when a send is skipped for a suppressed recipient.
func (dl *DispatchLogger) LogSuppressed(ctx SendContext) {
	dl.logger.Info("send_suppressed",
		"event_type", "send_suppressed",
		"email", ctx.Email,
		"campaign_id", ctx.CampaignID,
		"reason", ctx.Reason,
	)
}

// LogCampaignPaused logs when dispatch pauses a campaign because the sending
// domain fell out of good standing.
func (dl *DispatchLogger) LogCampaignPaused(ctx SendContext) {
	dl.logger.Warn("campaign_paused",
		"event_type", "campaign_paused",
		"campaign_id", ctx.CampaignID,
		"domain_id", ctx.DomainID,
		"reason", ctx.Reason,
	)
}

// BounceContext contains context about a recorded bounce or complaint.
type BounceContext struct {
	Email      string
	DomainID   string
	BounceType string
	Category   string
	Provider   string
}

// LogBounceRecorded logs a classified bounce event.
func (dl *DispatchLogger) LogBounceRecorded(ctx BounceContext) {
	dl.logger.Warn("bounce_recorded",
		"event_type", "bounce_recorded",
		"email", ctx.Email,
		"domain_id", ctx.DomainID,
		"bounce_type", ctx.BounceType,
		"category", ctx.Category,
		"provider", ctx.Provider,
	)
}

// LogComplaintRecorded logs a spam complaint event.
func (dl *DispatchLogger) LogComplaintRecorded(ctx BounceContext) {
	dl.logger.Warn("complaint_recorded",
		"event_type", "complaint_recorded",
		"email", ctx.Email,
		"domain_id", ctx.DomainID,
		"provider", ctx.Provider,
	)
}
