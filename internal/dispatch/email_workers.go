package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/outflowhq/outflow/internal/bounce"
	"github.com/outflowhq/outflow/internal/logging"
	"github.com/outflowhq/outflow/internal/queue"
	"github.com/outflowhq/outflow/internal/store"
)

// handleScheduledEmail delivers one scheduled email. The row moves to SENT
// exactly once; a job that finds it in any other state logs and returns.
func (w *Workers) handleScheduledEmail(ctx context.Context, job *queue.Job) error {
	var payload ScheduledEmailJob
	if err := job.Decode(&payload); err != nil {
		w.logger.Error("malformed scheduled email job",
			"job_id", job.ID, "payload", string(job.Payload), "error", err)
		return err
	}

	email, err := w.store.GetScheduledEmail(ctx, payload.EmailID)
	if errors.Is(err, store.ErrNotFound) {
		w.logger.Warn("scheduled email no longer exists",
			"job_id", job.ID, "email_id", payload.EmailID)
		return nil
	}
	if err != nil {
		return err
	}
	if email.Status != store.ScheduledEmailPending {
		w.logger.Info("scheduled email already in terminal state",
			"email_id", email.ID, "status", email.Status)
		return nil
	}
	if time.Now().Before(email.ScheduledAt) {
		return queue.NotYetDue(email.ScheduledAt)
	}

	suppressed, reason, err := w.bounces.ShouldSuppress(ctx, email.ToAddress)
	if err != nil {
		return err
	}
	if suppressed {
		w.metrics.SendsSuppressed.Inc()
		w.dispatchLog.LogSuppressed(logging.SendContext{
			Email:    email.ToAddress,
			DomainID: email.DomainID,
			Reason:   reason,
		})
		return w.store.MarkScheduledEmailFailed(ctx, email.ID, "recipient suppressed: "+reason)
	}

	mail := Mail{
		UserID:   email.UserID,
		From:     email.FromAddress,
		To:       email.ToAddress,
		Cc:       email.CcAddresses,
		Subject:  email.Subject,
		BodyHTML: email.BodyHTML,
		BodyText: email.BodyText,
	}
	if email.ReplyToMessageID != "" {
		threadID := email.ThreadReferences
		if threadID == "" {
			tctx, cancel := context.WithTimeout(ctx, providerTimeout)
			threadID, err = w.mailer.ThreadForMessage(tctx, email.UserID, email.ReplyToMessageID)
			cancel()
			if err != nil {
				return fmt.Errorf("failed to resolve thread for reply: %w", err)
			}
		}
		// Only a resolved thread gets the reply prefix, and only once.
		mail.ThreadID = threadID
		mail.Subject = replySubject(mail.Subject)
		mail.Headers = map[string]string{"In-Reply-To": email.ReplyToMessageID}
	}

	providerID, err := w.send(ctx, mail)
	if err != nil {
		if !providerUnavailable(err) {
			if cls := w.classifier.Classify(err.Error()); cls.Category != bounce.CategoryOther {
				// The provider rejected the address outright.
				w.recordSendBounce(ctx, email.DomainID, email.ToAddress, err)
				w.dispatchLog.LogFailed(logging.JobContext{
					JobID:       job.ID,
					Queue:       job.Queue,
					Attempt:     job.Attempts,
					MaxAttempts: job.MaxAttempts,
					Error:       err.Error(),
				})
				return w.store.MarkScheduledEmailFailed(ctx, email.ID, err.Error())
			}
		}
		return fmt.Errorf("failed to send scheduled email: %w", err)
	}

	updated, err := w.store.MarkScheduledEmailSent(ctx, email.ID, providerID)
	if err != nil {
		return err
	}
	if !updated {
		w.logger.Warn("scheduled email changed state mid-send", "email_id", email.ID)
		return nil
	}
	if email.DomainID != "" {
		if err := w.reputation.RecordSent(ctx, email.DomainID, 1); err != nil {
			w.logger.Warn("failed to record send",
				"domain_id", email.DomainID, "error", err)
		}
	}
	return nil
}

func (w *Workers) scheduledEmailDead(ctx context.Context, job *queue.Job, jobErr error) {
	var payload ScheduledEmailJob
	if err := job.Decode(&payload); err != nil {
		return
	}
	if err := w.store.MarkScheduledEmailFailed(ctx, payload.EmailID, jobErr.Error()); err != nil {
		w.logger.Error("failed to mark scheduled email failed",
			"email_id", payload.EmailID, "error", err)
	}
}

// handleSnoozeRestore puts a snoozed message's labels back and deletes the
// snooze row. A missing row means a previous attempt already finished.
func (w *Workers) handleSnoozeRestore(ctx context.Context, job *queue.Job) error {
	var payload SnoozeRestoreJob
	if err := job.Decode(&payload); err != nil {
		w.logger.Error("malformed snooze restore job",
			"job_id", job.ID, "payload", string(job.Payload), "error", err)
		return err
	}

	snooze, err := w.store.GetSnooze(ctx, payload.SnoozeID)
	if errors.Is(err, store.ErrNotFound) {
		w.logger.Info("snooze already restored", "snooze_id", payload.SnoozeID)
		return nil
	}
	if err != nil {
		return err
	}
	if snooze.Status != store.SnoozePending {
		w.logger.Info("snooze not pending, skipping",
			"snooze_id", snooze.ID, "status", snooze.Status)
		return nil
	}
	if time.Now().Before(snooze.RestoreAt) {
		return queue.NotYetDue(snooze.RestoreAt)
	}

	rctx, cancel := context.WithTimeout(ctx, providerTimeout)
	err = w.labels.RestoreLabels(rctx, snooze.UserID, snooze.ProviderMsgID,
		snooze.OriginalLabelIDs, []string{snooze.SnoozeLabelID})
	cancel()
	if err != nil {
		return fmt.Errorf("failed to restore labels: %w", err)
	}

	deleted, err := w.store.DeleteSnooze(ctx, snooze.ID)
	if err != nil {
		return err
	}
	if !deleted {
		w.logger.Info("snooze row already removed", "snooze_id", snooze.ID)
	}
	return nil
}

func (w *Workers) snoozeDead(ctx context.Context, job *queue.Job, jobErr error) {
	var payload SnoozeRestoreJob
	if err := job.Decode(&payload); err != nil {
		return
	}
	if err := w.store.MarkSnoozeFailed(ctx, payload.SnoozeID, jobErr.Error()); err != nil {
		w.logger.Error("failed to mark snooze failed",
			"snooze_id", payload.SnoozeID, "error", err)
	}
}

// handleMeetingReminder sends one reminder email. A reminder overtaken by
// its event's start time is cancelled instead of sent late.
func (w *Workers) handleMeetingReminder(ctx context.Context, job *queue.Job) error {
	var payload MeetingReminderJob
	if err := job.Decode(&payload); err != nil {
		w.logger.Error("malformed meeting reminder job",
			"job_id", job.ID, "payload", string(job.Payload), "error", err)
		return err
	}

	reminder, err := w.store.GetMeetingReminder(ctx, payload.ReminderID)
	if errors.Is(err, store.ErrNotFound) {
		w.logger.Warn("meeting reminder no longer exists",
			"job_id", job.ID, "reminder_id", payload.ReminderID)
		return nil
	}
	if err != nil {
		return err
	}
	if reminder.Status != store.ReminderPending {
		w.logger.Info("meeting reminder already handled",
			"reminder_id", reminder.ID, "status", reminder.Status)
		return nil
	}
	now := time.Now()
	if now.Before(reminder.RemindAt) {
		return queue.NotYetDue(reminder.RemindAt)
	}
	if now.After(reminder.StartsAt) {
		w.logger.Info("meeting already started, cancelling reminder",
			"reminder_id", reminder.ID, "starts_at", reminder.StartsAt.Format(time.RFC3339))
		if err := w.store.CancelMeetingReminder(ctx, reminder.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return nil
	}

	_, err = w.send(ctx, Mail{
		UserID:   reminder.UserID,
		To:       reminder.Recipient,
		Subject:  "Reminder: " + reminder.Title,
		BodyHTML: fmt.Sprintf("<p>Your meeting <strong>%s</strong> starts at %s.</p>",
			reminder.Title, reminder.StartsAt.Format("15:04 MST, Mon Jan 2")),
		BodyText: fmt.Sprintf("Your meeting %q starts at %s.",
			reminder.Title, reminder.StartsAt.Format("15:04 MST, Mon Jan 2")),
	})
	if err != nil {
		return fmt.Errorf("failed to send meeting reminder: %w", err)
	}

	updated, err := w.store.MarkReminderSent(ctx, reminder.ID)
	if err != nil {
		return err
	}
	if !updated {
		w.logger.Warn("meeting reminder changed state mid-send", "reminder_id", reminder.ID)
	}
	return nil
}

func (w *Workers) reminderDead(ctx context.Context, job *queue.Job, jobErr error) {
	var payload MeetingReminderJob
	if err := job.Decode(&payload); err != nil {
		return
	}
	if err := w.store.MarkReminderFailed(ctx, payload.ReminderID, jobErr.Error()); err != nil {
		w.logger.Error("failed to mark reminder failed",
			"reminder_id", payload.ReminderID, "error", err)
	}
}
