package store

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"
)

// newTestStore connects to the database named by TEST_DATABASE_URL, applies
// migrations, and empties the tables. Tests are skipped when the variable is
// unset so the suite stays green on machines without Postgres.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping store integration test")
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Connect(context.Background(), Config{URL: url, MaxConns: 4}, logger)
	if err != nil {
		t.Skipf("database not available: %v", err)
	}
	t.Cleanup(s.Close)

	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}

	tables := []string{
		"outbox_events", "busy_blocks", "calendar_connections",
		"email_events", "email_complaints", "email_bounces", "suppressed_emails",
		"followups", "campaign_recipients", "campaigns", "domain_reputation",
		"meeting_reminders", "email_snoozes", "scheduled_emails",
	}
	for _, table := range tables {
		if _, err := s.pool.Exec(context.Background(), "DELETE FROM "+table); err != nil {
			t.Fatalf("failed to clear table %s: %v", table, err)
		}
	}
	return s
}

func TestScheduledEmailLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateScheduledEmail(ctx, &ScheduledEmail{
		UserID:      "user-1",
		DomainID:    "dom-1",
		FromAddress: "alex@example.com",
		ToAddress:   "sam@example.org",
		Subject:     "Quarterly check-in",
		BodyText:    "Hi Sam,",
		ScheduledAt: time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("CreateScheduledEmail failed: %v", err)
	}

	due, err := s.FindDueScheduledEmails(ctx, time.Now(), 100)
	if err != nil {
		t.Fatalf("FindDueScheduledEmails failed: %v", err)
	}
	if len(due) != 1 || due[0].ID != id {
		t.Fatalf("expected the created email to be due, got %d rows", len(due))
	}
	if due[0].Status != ScheduledEmailPending {
		t.Errorf("expected PENDING, got %s", due[0].Status)
	}

	won, err := s.MarkScheduledEmailSent(ctx, id, "msg-abc")
	if err != nil {
		t.Fatalf("MarkScheduledEmailSent failed: %v", err)
	}
	if !won {
		t.Error("first sent transition should win")
	}

	// The transition is single-shot.
	won, err = s.MarkScheduledEmailSent(ctx, id, "msg-other")
	if err != nil {
		t.Fatalf("second MarkScheduledEmailSent failed: %v", err)
	}
	if won {
		t.Error("second sent transition should lose")
	}

	e, err := s.GetScheduledEmail(ctx, id)
	if err != nil {
		t.Fatalf("GetScheduledEmail failed: %v", err)
	}
	if e.Status != ScheduledEmailSent || e.ProviderMsgID != "msg-abc" || e.SentAt == nil {
		t.Errorf("unexpected row after send: status=%s provider_id=%s", e.Status, e.ProviderMsgID)
	}

	if err := s.CancelScheduledEmail(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("cancelling a sent email should report ErrNotFound, got %v", err)
	}
}

func TestSnoozeRestoreDeletesRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateSnooze(ctx, &EmailSnooze{
		UserID:           "user-1",
		ProviderMsgID:    "msg-1",
		SnoozeLabelID:    "SNOOZED",
		OriginalLabelIDs: []string{"INBOX", "IMPORTANT"},
		RestoreAt:        time.Now().Add(-time.Second),
	})
	if err != nil {
		t.Fatalf("CreateSnooze failed: %v", err)
	}

	due, err := s.FindDueSnoozes(ctx, time.Now(), 100)
	if err != nil {
		t.Fatalf("FindDueSnoozes failed: %v", err)
	}
	if len(due) != 1 || due[0].ID != id {
		t.Fatalf("expected the snooze to be due, got %d rows", len(due))
	}
	if len(due[0].OriginalLabelIDs) != 2 {
		t.Errorf("expected 2 original labels, got %v", due[0].OriginalLabelIDs)
	}

	deleted, err := s.DeleteSnooze(ctx, id)
	if err != nil || !deleted {
		t.Fatalf("DeleteSnooze: deleted=%v err=%v", deleted, err)
	}
	// A retried restore job finds nothing left to do.
	deleted, err = s.DeleteSnooze(ctx, id)
	if err != nil {
		t.Fatalf("second DeleteSnooze failed: %v", err)
	}
	if deleted {
		t.Error("second delete should report no row")
	}

	if _, err := s.GetSnooze(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestCampaignRecipientsAndCompletion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	campaignID, err := s.CreateCampaign(ctx, &Campaign{
		UserID:      "user-1",
		DomainID:    "dom-1",
		Name:        "Launch",
		FromAddress: "hello@example.com",
		Subject:     "We launched",
	})
	if err != nil {
		t.Fatalf("CreateCampaign failed: %v", err)
	}

	r1, added, err := s.AddCampaignRecipient(ctx, campaignID, "a@example.org", "A")
	if err != nil || !added {
		t.Fatalf("AddCampaignRecipient failed: added=%v err=%v", added, err)
	}
	if _, added, _ = s.AddCampaignRecipient(ctx, campaignID, "a@example.org", "A"); added {
		t.Error("duplicate recipient should not be added")
	}
	r2, _, err := s.AddCampaignRecipient(ctx, campaignID, "b@example.org", "B")
	if err != nil {
		t.Fatalf("AddCampaignRecipient failed: %v", err)
	}

	if err := s.StartCampaign(ctx, campaignID); err != nil {
		t.Fatalf("StartCampaign failed: %v", err)
	}

	if done, _ := s.CompleteCampaignIfDone(ctx, campaignID); done {
		t.Error("campaign with pending recipients must not complete")
	}

	if _, err := s.MarkRecipientSent(ctx, r1, "msg-1"); err != nil {
		t.Fatalf("MarkRecipientSent failed: %v", err)
	}
	if n, err := s.SuppressRecipientsByEmail(ctx, "b@example.org"); err != nil || n != 1 {
		t.Fatalf("SuppressRecipientsByEmail: n=%d err=%v", n, err)
	}

	done, err := s.CompleteCampaignIfDone(ctx, campaignID)
	if err != nil {
		t.Fatalf("CompleteCampaignIfDone failed: %v", err)
	}
	if !done {
		t.Error("campaign with no pending recipients should complete")
	}

	rec, err := s.GetCampaignRecipient(ctx, r2)
	if err != nil {
		t.Fatalf("GetCampaignRecipient failed: %v", err)
	}
	if rec.Status != RecipientSuppressed {
		t.Errorf("expected SUPPRESSED, got %s", rec.Status)
	}
}

func TestCampaignPauseIsSingleShot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateCampaign(ctx, &Campaign{
		UserID: "user-1", DomainID: "dom-1", Name: "Pause me",
		FromAddress: "hello@example.com", Subject: "s",
	})
	if err != nil {
		t.Fatalf("CreateCampaign failed: %v", err)
	}
	if err := s.StartCampaign(ctx, id); err != nil {
		t.Fatalf("StartCampaign failed: %v", err)
	}

	paused, err := s.PauseCampaign(ctx, id, "domain not in good standing")
	if err != nil || !paused {
		t.Fatalf("PauseCampaign: paused=%v err=%v", paused, err)
	}
	paused, err = s.PauseCampaign(ctx, id, "second reason")
	if err != nil {
		t.Fatalf("second PauseCampaign failed: %v", err)
	}
	if paused {
		t.Error("pausing an already paused campaign should be a no-op")
	}

	c, _ := s.GetCampaign(ctx, id)
	if c.Status != CampaignPaused || c.PausedReason != "domain not in good standing" {
		t.Errorf("unexpected campaign state: %s / %q", c.Status, c.PausedReason)
	}
}

func TestSuppressionIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	added, err := s.SuppressEmail(ctx, "gone@example.org", "hard bounce")
	if err != nil || !added {
		t.Fatalf("SuppressEmail: added=%v err=%v", added, err)
	}
	added, err = s.SuppressEmail(ctx, "gone@example.org", "another reason")
	if err != nil {
		t.Fatalf("second SuppressEmail failed: %v", err)
	}
	if added {
		t.Error("re-suppressing should not add a row")
	}

	reason, err := s.SuppressionReason(ctx, "gone@example.org")
	if err != nil {
		t.Fatalf("SuppressionReason failed: %v", err)
	}
	if reason != "hard bounce" {
		t.Errorf("original reason should be kept, got %q", reason)
	}

	suppressed, err := s.IsSuppressed(ctx, "gone@example.org")
	if err != nil || !suppressed {
		t.Fatalf("IsSuppressed: %v %v", suppressed, err)
	}
	if suppressed, _ := s.IsSuppressed(ctx, "fine@example.org"); suppressed {
		t.Error("unrelated address should not be suppressed")
	}
}

func TestBounceCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := s.InsertBounce(ctx, &EmailBounce{
			DomainID: "dom-1", Email: "soft@example.org",
			BounceType: BounceSoft, Category: "MAILBOX_FULL",
		}); err != nil {
			t.Fatalf("InsertBounce failed: %v", err)
		}
	}
	if _, err := s.InsertBounce(ctx, &EmailBounce{
		DomainID: "dom-1", Email: "soft@example.org",
		BounceType: BounceHard, Category: "INVALID_EMAIL",
	}); err != nil {
		t.Fatalf("InsertBounce failed: %v", err)
	}

	counts, err := s.CountBounces(ctx, "soft@example.org")
	if err != nil {
		t.Fatalf("CountBounces failed: %v", err)
	}
	if counts.Hard != 1 || counts.Soft != 2 {
		t.Errorf("expected 1 hard / 2 soft, got %d / %d", counts.Hard, counts.Soft)
	}
}

func TestDomainCountsCreateAndIncrement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetDomainReputation(ctx, "fresh.example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown domain, got %v", err)
	}

	if err := s.AddDomainCounts(ctx, "fresh.example.com", CountsDelta{Sent: 10}); err != nil {
		t.Fatalf("AddDomainCounts failed: %v", err)
	}
	if err := s.AddDomainCounts(ctx, "fresh.example.com", CountsDelta{Sent: 5, Bounced: 1}); err != nil {
		t.Fatalf("AddDomainCounts failed: %v", err)
	}

	r, err := s.GetDomainReputation(ctx, "fresh.example.com")
	if err != nil {
		t.Fatalf("GetDomainReputation failed: %v", err)
	}
	if r.TotalSent != 15 || r.TotalBounced != 1 {
		t.Errorf("expected sent=15 bounced=1, got %d %d", r.TotalSent, r.TotalBounced)
	}
	// Both sends landed on the same calendar day.
	if r.WarmupDays != 1 {
		t.Errorf("expected warmup_days=1, got %d", r.WarmupDays)
	}
	if r.WarmupComplete {
		t.Error("fresh domain should still be warming up")
	}

	if err := s.UpdateReputationScore(ctx, "fresh.example.com", 85, 30); err != nil {
		t.Fatalf("UpdateReputationScore failed: %v", err)
	}
	r, _ = s.GetDomainReputation(ctx, "fresh.example.com")
	if r.Score != 85 || r.LastCalculatedAt == nil {
		t.Errorf("expected score=85 with a calculation timestamp, got %d", r.Score)
	}
}

func TestOutboxDispatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.EnqueueOutbox(ctx, "campaign-dispatch", "campaign-dispatch-1",
		[]byte(`{"recipient_id":1}`), time.Time{}); err != nil {
		t.Fatalf("EnqueueOutbox failed: %v", err)
	}
	if _, err := s.EnqueueOutbox(ctx, "campaign-dispatch", "campaign-dispatch-2",
		[]byte(`{"recipient_id":2}`), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("EnqueueOutbox failed: %v", err)
	}

	var seen []string
	delivered, err := s.DispatchOutbox(ctx, 10, 30*time.Second, func(ctx context.Context, ev *OutboxEvent) error {
		seen = append(seen, ev.JobID)
		return nil
	})
	if err != nil {
		t.Fatalf("DispatchOutbox failed: %v", err)
	}
	if delivered != 1 || len(seen) != 1 || seen[0] != "campaign-dispatch-1" {
		t.Fatalf("expected only the due event, delivered=%d seen=%v", delivered, seen)
	}

	pending, err := s.PendingOutboxCount(ctx)
	if err != nil {
		t.Fatalf("PendingOutboxCount failed: %v", err)
	}
	if pending != 1 {
		t.Errorf("the future event should remain pending, got %d", pending)
	}

	// A rejected event is retried later, not lost.
	if _, err := s.EnqueueOutbox(ctx, "tracking-events", "tracking-events-9",
		[]byte(`{}`), time.Time{}); err != nil {
		t.Fatalf("EnqueueOutbox failed: %v", err)
	}
	delivered, err = s.DispatchOutbox(ctx, 10, 30*time.Second, func(ctx context.Context, ev *OutboxEvent) error {
		return errors.New("broker down")
	})
	if err != nil {
		t.Fatalf("DispatchOutbox failed: %v", err)
	}
	if delivered != 0 {
		t.Errorf("no events should be delivered, got %d", delivered)
	}
	pending, _ = s.PendingOutboxCount(ctx)
	if pending != 2 {
		t.Errorf("rejected event should stay pending, got %d", pending)
	}
}

func TestCalendarConnectionsAndBusyBlocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conn := &CalendarConnection{
		ID:       "conn-1",
		UserID:   "user-1",
		Provider: "google",
	}
	if err := s.CreateCalendarConnection(ctx, conn); err != nil {
		t.Fatalf("CreateCalendarConnection failed: %v", err)
	}

	// A pending connection is not in the sync rotation.
	due, err := s.FindSyncDueConnections(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("FindSyncDueConnections failed: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("pending connection should not be sync-due, got %d", len(due))
	}

	if err := s.ActivateCalendarConnection(ctx, "conn-1", "Work Calendar"); err != nil {
		t.Fatalf("ActivateCalendarConnection failed: %v", err)
	}

	due, err = s.FindSyncDueConnections(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("FindSyncDueConnections failed: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("never-synced active connection should be due, got %d", len(due))
	}

	base := time.Now().Truncate(time.Hour)
	blocks := []BusyBlock{
		{StartsAt: base, EndsAt: base.Add(30 * time.Minute)},
		{StartsAt: base.Add(2 * time.Hour), EndsAt: base.Add(3 * time.Hour)},
	}
	if err := s.ReplaceBusyBlocks(ctx, "conn-1", blocks); err != nil {
		t.Fatalf("ReplaceBusyBlocks failed: %v", err)
	}
	if err := s.MarkConnectionSynced(ctx, "conn-1", "tok-1"); err != nil {
		t.Fatalf("MarkConnectionSynced failed: %v", err)
	}

	got, err := s.ListBusyBlocks(ctx, "conn-1", base.Add(-time.Hour), base.Add(time.Hour))
	if err != nil {
		t.Fatalf("ListBusyBlocks failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected 1 overlapping block, got %d", len(got))
	}

	// Replacing drops blocks missing from the new snapshot.
	if err := s.ReplaceBusyBlocks(ctx, "conn-1", nil); err != nil {
		t.Fatalf("ReplaceBusyBlocks with empty snapshot failed: %v", err)
	}
	got, _ = s.ListBusyBlocks(ctx, "conn-1", base.Add(-24*time.Hour), base.Add(24*time.Hour))
	if len(got) != 0 {
		t.Errorf("expected no blocks after empty snapshot, got %d", len(got))
	}

	fresh, err := s.FindSyncDueConnections(ctx, time.Now().Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("FindSyncDueConnections failed: %v", err)
	}
	if len(fresh) != 0 {
		t.Errorf("recently synced connection should not be due, got %d", len(fresh))
	}
}

func TestRegisterCalendarConnectionWritesOutbox(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conn := &CalendarConnection{
		ID:          "conn-reg-1",
		UserID:      "user-1",
		Provider:    "google",
		DisplayName: "Work",
	}
	payload := []byte(`{"connection_id":"conn-reg-1"}`)
	err := s.RegisterCalendarConnection(ctx, conn,
		"calendar-connection-setup", "calendar-connection-setup-conn-reg-1", payload)
	if err != nil {
		t.Fatalf("RegisterCalendarConnection failed: %v", err)
	}

	got, err := s.GetCalendarConnection(ctx, "conn-reg-1")
	if err != nil {
		t.Fatalf("GetCalendarConnection failed: %v", err)
	}
	if got.Status != ConnectionPendingSetup {
		t.Errorf("expected %s, got %s", ConnectionPendingSetup, got.Status)
	}

	var events []*OutboxEvent
	delivered, err := s.DispatchOutbox(ctx, 10, time.Minute, func(ctx context.Context, ev *OutboxEvent) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("DispatchOutbox failed: %v", err)
	}
	if delivered != 1 || len(events) != 1 {
		t.Fatalf("expected one outbox event, delivered=%d", delivered)
	}
	if events[0].Queue != "calendar-connection-setup" ||
		events[0].JobID != "calendar-connection-setup-conn-reg-1" {
		t.Errorf("unexpected event routing: queue=%s job=%s", events[0].Queue, events[0].JobID)
	}
	var body struct {
		ConnectionID string `json:"connection_id"`
	}
	if err := json.Unmarshal(events[0].Payload, &body); err != nil {
		t.Fatalf("payload does not decode: %v", err)
	}
	if body.ConnectionID != "conn-reg-1" {
		t.Errorf("payload lost the connection id: %s", events[0].Payload)
	}

	// A duplicate registration rolls back whole, leaving no stray intent.
	err = s.RegisterCalendarConnection(ctx, conn,
		"calendar-connection-setup", "calendar-connection-setup-dup", payload)
	if err == nil {
		t.Fatal("duplicate registration should fail")
	}
	pending, err := s.PendingOutboxCount(ctx)
	if err != nil {
		t.Fatalf("PendingOutboxCount failed: %v", err)
	}
	if pending != 0 {
		t.Errorf("rollback should leave no pending events, got %d", pending)
	}
}
