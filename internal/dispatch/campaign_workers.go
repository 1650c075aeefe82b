package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/outflowhq/outflow/internal/bounce"
	"github.com/outflowhq/outflow/internal/logging"
	"github.com/outflowhq/outflow/internal/queue"
	"github.com/outflowhq/outflow/internal/store"
)

const standingPauseReason = "sending domain out of good standing"

// handleCampaignDispatch releases one slice of a campaign: it gates on the
// domain's good standing and sending budget, sends to up to
// campaignBatchSize pending recipients, then hands off to a continuation
// job. Per-recipient failures never abort the slice; only a provider outage
// does, so the whole slice can retry once the provider is back.
func (w *Workers) handleCampaignDispatch(ctx context.Context, job *queue.Job) error {
	var payload CampaignJob
	if err := job.Decode(&payload); err != nil {
		w.logger.Error("malformed campaign dispatch job",
			"job_id", job.ID, "payload", string(job.Payload), "error", err)
		return err
	}

	campaign, err := w.store.GetCampaign(ctx, payload.CampaignID)
	if errors.Is(err, store.ErrNotFound) {
		w.logger.Warn("campaign no longer exists", "campaign_id", payload.CampaignID)
		return nil
	}
	if err != nil {
		return err
	}
	if campaign.Status != store.CampaignSending {
		w.logger.Info("campaign not sending, dropping slice",
			"campaign_id", campaign.ID, "status", campaign.Status)
		return nil
	}

	ok, err := w.gateStanding(ctx, campaign)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	budget, resumeAt := w.sendBudget(ctx, campaign.DomainID)
	if budget <= 0 {
		return queue.NotYetDue(resumeAt)
	}
	if budget > campaignBatchSize {
		budget = campaignBatchSize
	}

	recipients, err := w.store.ListPendingRecipients(ctx, campaign.ID, int(budget))
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		done, err := w.store.CompleteCampaignIfDone(ctx, campaign.ID)
		if err != nil {
			return err
		}
		if done {
			w.logger.Info("campaign completed", "campaign_id", campaign.ID)
		}
		return nil
	}

	var sent int64
	var lastID int64
	for _, r := range recipients {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastID = r.ID
		ok, err := w.dispatchRecipient(ctx, campaign, r)
		if err != nil {
			return err
		}
		if ok {
			sent++
		}
	}

	if sent > 0 {
		if err := w.reputation.RecordSent(ctx, campaign.DomainID, sent); err != nil {
			w.logger.Warn("failed to record sends",
				"domain_id", campaign.DomainID, "error", err)
		}
	}

	// More recipients may remain; the continuation observes what is left
	// and either sends the next slice or completes the campaign.
	next, err := queue.NewJob(CampaignJobID(campaign.ID, lastID),
		CampaignJob{CampaignID: campaign.ID, AfterRecipientID: lastID})
	if err != nil {
		return err
	}
	if err := w.broker.Queue(QueueCampaignDispatch).Enqueue(ctx, next); err != nil &&
		!errors.Is(err, queue.ErrDuplicateJob) {
		return err
	}
	return nil
}

// gateStanding reports whether the campaign's sending domain is in good
// standing, pausing the campaign when it is not.
func (w *Workers) gateStanding(ctx context.Context, campaign *store.Campaign) (bool, error) {
	ok, err := w.reputation.GoodStanding(ctx, campaign.DomainID)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	paused, err := w.store.PauseCampaign(ctx, campaign.ID, standingPauseReason)
	if err != nil {
		return false, err
	}
	if paused {
		w.metrics.CampaignsPaused.Inc()
		w.dispatchLog.LogCampaignPaused(logging.SendContext{
			CampaignID: strconv.FormatInt(campaign.ID, 10),
			DomainID:   campaign.DomainID,
			Reason:     standingPauseReason,
		})
	}
	return false, nil
}

// sendBudget computes how many sends the domain has left right now and,
// when the answer is none, when the next window opens.
func (w *Workers) sendBudget(ctx context.Context, domainID string) (int64, time.Time) {
	limits, err := w.reputation.SendingLimits(ctx, domainID)
	if err != nil {
		// Limits fail open: a reputation outage must not stall dispatch.
		w.logger.Warn("failed to load sending limits, proceeding unthrottled",
			"domain_id", domainID, "error", err)
		return campaignBatchSize, time.Time{}
	}

	hourlyLeft := int64(limits.Hourly) - w.reputation.HourlySends(ctx, domainID)
	dailyLeft := int64(limits.Daily) - w.reputation.DailySends(ctx, domainID)

	budget := hourlyLeft
	if dailyLeft < budget {
		budget = dailyLeft
	}
	if budget > 0 {
		return budget, time.Time{}
	}

	now := time.Now().UTC()
	if dailyLeft <= 0 {
		y, m, d := now.Date()
		return 0, time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	}
	return 0, now.Truncate(time.Hour).Add(time.Hour)
}

// dispatchRecipient sends to one recipient. It returns (true, nil) on a
// delivered send, (false, nil) when the recipient was resolved without a
// send (suppressed, bounced, failed, lost a race), and an error only when
// the provider is unavailable and the slice should retry as a whole.
func (w *Workers) dispatchRecipient(ctx context.Context, c *store.Campaign, r *store.CampaignRecipient) (bool, error) {
	suppressed, reason, err := w.bounces.ShouldSuppress(ctx, r.Email)
	if err != nil {
		w.logger.Warn("failed to check suppression, recipient left pending",
			"email", r.Email, "error", err)
		return false, nil
	}
	if suppressed {
		w.metrics.SendsSuppressed.Inc()
		w.dispatchLog.LogSuppressed(logging.SendContext{
			Email:      r.Email,
			DomainID:   c.DomainID,
			CampaignID: strconv.FormatInt(c.ID, 10),
			Reason:     reason,
		})
		if err := w.store.MarkRecipientSuppressed(ctx, r.ID); err != nil {
			w.logger.Warn("failed to mark recipient suppressed",
				"recipient_id", r.ID, "error", err)
		}
		return false, nil
	}

	providerID, err := w.send(ctx, Mail{
		UserID:   c.UserID,
		From:     c.FromAddress,
		To:       r.Email,
		Subject:  c.Subject,
		BodyHTML: c.BodyHTML,
		BodyText: c.BodyText,
	})
	if err != nil {
		if providerUnavailable(err) {
			return false, err
		}
		if cls := w.classifier.Classify(err.Error()); cls.Category != bounce.CategoryOther {
			w.recordSendBounce(ctx, c.DomainID, r.Email, err)
			if mErr := w.store.MarkRecipientBounced(ctx, r.ID, err.Error()); mErr != nil {
				w.logger.Warn("failed to mark recipient bounced",
					"recipient_id", r.ID, "error", mErr)
			}
		} else if mErr := w.store.MarkRecipientFailed(ctx, r.ID, err.Error()); mErr != nil {
			w.logger.Warn("failed to mark recipient failed",
				"recipient_id", r.ID, "error", mErr)
		}
		return false, nil
	}

	updated, err := w.store.MarkRecipientSent(ctx, r.ID, providerID)
	if err != nil {
		w.logger.Warn("failed to mark recipient sent",
			"recipient_id", r.ID, "error", err)
		return true, nil
	}
	if !updated {
		w.logger.Warn("recipient changed state mid-send", "recipient_id", r.ID)
	}
	return true, nil
}

// handleFollowupDispatch sends one followup, skipping it permanently when
// its campaign or recipient is no longer eligible.
func (w *Workers) handleFollowupDispatch(ctx context.Context, job *queue.Job) error {
	var payload FollowupJob
	if err := job.Decode(&payload); err != nil {
		w.logger.Error("malformed followup job",
			"job_id", job.ID, "payload", string(job.Payload), "error", err)
		return err
	}

	f, err := w.store.GetFollowup(ctx, payload.FollowupID)
	if errors.Is(err, store.ErrNotFound) {
		w.logger.Warn("followup no longer exists", "followup_id", payload.FollowupID)
		return nil
	}
	if err != nil {
		return err
	}
	if f.Status != store.FollowupPending {
		w.logger.Info("followup already handled",
			"followup_id", f.ID, "status", f.Status)
		return nil
	}
	if time.Now().Before(f.DueAt) {
		return queue.NotYetDue(f.DueAt)
	}

	campaign, err := w.store.GetCampaign(ctx, f.CampaignID)
	if errors.Is(err, store.ErrNotFound) {
		return w.store.MarkFollowupSkipped(ctx, f.ID, "campaign deleted")
	}
	if err != nil {
		return err
	}
	if campaign.Status != store.CampaignSending {
		return w.store.MarkFollowupSkipped(ctx, f.ID,
			"campaign is "+strings.ToLower(campaign.Status))
	}

	recipient, err := w.store.GetCampaignRecipient(ctx, f.RecipientID)
	if errors.Is(err, store.ErrNotFound) {
		return w.store.MarkFollowupSkipped(ctx, f.ID, "recipient removed")
	}
	if err != nil {
		return err
	}
	if recipient.Status != store.RecipientSent {
		return w.store.MarkFollowupSkipped(ctx, f.ID,
			"recipient is "+strings.ToLower(recipient.Status))
	}

	standing, err := w.gateStanding(ctx, campaign)
	if err != nil {
		return err
	}
	if !standing {
		return w.store.MarkFollowupSkipped(ctx, f.ID, standingPauseReason)
	}

	suppressed, reason, err := w.bounces.ShouldSuppress(ctx, f.Email)
	if err != nil {
		return err
	}
	if suppressed {
		w.metrics.SendsSuppressed.Inc()
		w.dispatchLog.LogSuppressed(logging.SendContext{
			Email:      f.Email,
			DomainID:   campaign.DomainID,
			CampaignID: strconv.FormatInt(campaign.ID, 10),
			Reason:     reason,
		})
		return w.store.MarkFollowupSkipped(ctx, f.ID, "recipient suppressed: "+reason)
	}

	mail := Mail{
		UserID:   campaign.UserID,
		From:     campaign.FromAddress,
		To:       f.Email,
		Subject:  f.Subject,
		BodyHTML: f.BodyHTML,
		BodyText: f.BodyText,
	}
	if f.ReplyToMessageID != "" {
		tctx, cancel := context.WithTimeout(ctx, providerTimeout)
		threadID, err := w.mailer.ThreadForMessage(tctx, campaign.UserID, f.ReplyToMessageID)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to resolve followup thread: %w", err)
		}
		mail.ThreadID = threadID
		mail.Subject = replySubject(mail.Subject)
		mail.Headers = map[string]string{"In-Reply-To": f.ReplyToMessageID}
	}

	_, err = w.send(ctx, mail)
	if err != nil {
		if !providerUnavailable(err) {
			if cls := w.classifier.Classify(err.Error()); cls.Category != bounce.CategoryOther {
				w.recordSendBounce(ctx, campaign.DomainID, f.Email, err)
				w.dispatchLog.LogFailed(logging.JobContext{
					JobID:       job.ID,
					Queue:       job.Queue,
					Attempt:     job.Attempts,
					MaxAttempts: job.MaxAttempts,
					Error:       err.Error(),
				})
				return w.store.MarkFollowupFailed(ctx, f.ID, err.Error())
			}
		}
		return fmt.Errorf("failed to send followup: %w", err)
	}

	updated, err := w.store.MarkFollowupSent(ctx, f.ID)
	if err != nil {
		return err
	}
	if !updated {
		w.logger.Warn("followup changed state mid-send", "followup_id", f.ID)
		return nil
	}
	if err := w.reputation.RecordSent(ctx, campaign.DomainID, 1); err != nil {
		w.logger.Warn("failed to record send",
			"domain_id", campaign.DomainID, "error", err)
	}
	return nil
}

func (w *Workers) followupDead(ctx context.Context, job *queue.Job, jobErr error) {
	var payload FollowupJob
	if err := job.Decode(&payload); err != nil {
		return
	}
	if err := w.store.MarkFollowupFailed(ctx, payload.FollowupID, jobErr.Error()); err != nil {
		w.logger.Error("failed to mark followup failed",
			"followup_id", payload.FollowupID, "error", err)
	}
}

// handleTrackingEvent ingests one provider event. Telemetry is best-effort:
// failures are logged and the event dropped, never retried into a backlog.
func (w *Workers) handleTrackingEvent(ctx context.Context, job *queue.Job) error {
	var ev TrackingJob
	if err := job.Decode(&ev); err != nil {
		w.logger.Error("malformed tracking event",
			"job_id", job.ID, "payload", string(job.Payload), "error", err)
		return nil
	}

	var err error
	switch ev.Type {
	case TrackingDelivery:
		err = w.reputation.RecordDelivered(ctx, ev.DomainID, ev.Email, ev.MessageID)
	case TrackingOpen:
		err = w.reputation.RecordOpened(ctx, ev.DomainID, ev.Email, ev.MessageID)
	case TrackingClick:
		err = w.reputation.RecordClicked(ctx, ev.DomainID, ev.Email, ev.MessageID)
	case TrackingBounce:
		_, err = w.bounces.RecordBounce(ctx, bounce.Bounce{
			DomainID: ev.DomainID,
			Email:    ev.Email,
			Provider: ev.Provider,
			RawError: ev.RawError,
		})
	case TrackingComplaint:
		err = w.bounces.RecordComplaint(ctx, bounce.Complaint{
			DomainID:     ev.DomainID,
			Email:        ev.Email,
			Provider:     ev.Provider,
			FeedbackType: ev.FeedbackType,
		})
	case TrackingReply:
		_, err = w.store.InsertEmailEvent(ctx, &store.EmailEvent{
			DomainID:  ev.DomainID,
			Email:     ev.Email,
			MessageID: ev.MessageID,
			EventType: TrackingReply,
		})
		if err == nil {
			var skipped int64
			skipped, err = w.store.SkipFollowupsByEmail(ctx, ev.Email, "recipient replied")
			if skipped > 0 {
				w.logger.Info("followups skipped after reply",
					"email", ev.Email, "count", skipped)
			}
		}
	default:
		w.logger.Warn("unknown tracking event type", "type", ev.Type)
		return nil
	}

	if err != nil {
		w.logger.Warn("failed to process tracking event",
			"type", ev.Type, "email", ev.Email, "error", err)
	}
	return nil
}
