// Package dispatch owns the named work queues and their processors: outbound
// campaign and followup sending, tracking-event ingestion, meeting reminders,
// calendar syncing, scheduled delivery, snooze restoration, and calendar
// connection setup. Every handler is idempotent under retry: externally
// visible actions happen before the owning row is marked, and rows already in
// a terminal state are tolerated with a log line instead of a resend.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/outflowhq/outflow/internal/bounce"
	"github.com/outflowhq/outflow/internal/logging"
	"github.com/outflowhq/outflow/internal/metrics"
	"github.com/outflowhq/outflow/internal/queue"
	"github.com/outflowhq/outflow/internal/reputation"
	"github.com/outflowhq/outflow/internal/store"
)

// Queue names. Each carries one job type.
const (
	QueueCampaignDispatch = "campaign-dispatch"
	QueueFollowupDispatch = "followup-dispatch"
	QueueTrackingEvents   = "tracking-events"
	QueueMeetingReminders = "meeting-reminders"
	QueueCalendarSync     = "calendar-sync"
	QueueScheduledEmail   = "scheduled-email"
	QueueSnoozeRestore    = "snooze-restore"
	QueueConnectionSetup  = "calendar-connection-setup"
)

// AllQueues lists every queue the workers consume. Inspection tooling
// iterates this instead of the broker's bound set, which only contains
// queues the current process has touched.
func AllQueues() []string {
	return []string{
		QueueCampaignDispatch,
		QueueFollowupDispatch,
		QueueTrackingEvents,
		QueueMeetingReminders,
		QueueCalendarSync,
		QueueScheduledEmail,
		QueueSnoozeRestore,
		QueueConnectionSetup,
	}
}

// Tracking event types carried by tracking-events jobs.
const (
	TrackingDelivery  = "delivery"
	TrackingOpen      = "open"
	TrackingClick     = "click"
	TrackingBounce    = "bounce"
	TrackingComplaint = "complaint"
	TrackingReply     = "reply"
)

const (
	// providerTimeout bounds every external provider call so a stalled
	// network request cannot occupy a worker slot indefinitely.
	providerTimeout = 10 * time.Second

	// campaignBatchSize is the most recipients one campaign-dispatch job
	// releases before handing off to a continuation job.
	campaignBatchSize = 50

	// syncHorizon is how far ahead calendar sync mirrors busy blocks.
	syncHorizon = 30 * 24 * time.Hour
)

// Deterministic job IDs, derived from the business entity a job represents
// so re-enqueueing the same due row is deduplicated by the broker.

func ScheduledEmailJobID(emailID int64) string {
	return fmt.Sprintf("scheduled-email-%d", emailID)
}

func SnoozeRestoreJobID(snoozeID int64) string {
	return fmt.Sprintf("snooze-restore-%d", snoozeID)
}

func CalendarSyncJobID(connectionID string) string {
	return fmt.Sprintf("calendar-sync-%s", connectionID)
}

func ConnectionSetupJobID(connectionID string) string {
	return fmt.Sprintf("calendar-connection-setup-%s", connectionID)
}

func MeetingReminderJobID(reminderID int64) string {
	return fmt.Sprintf("meeting-reminder-%d", reminderID)
}

func FollowupJobID(followupID int64) string {
	return fmt.Sprintf("followup-%d", followupID)
}

// CampaignJobID names one dispatch slice of a campaign. afterRecipientID is
// the progress cursor: the ID of the last recipient the previous slice
// looked at, zero for the first slice. Including it keeps continuation jobs
// from colliding with the slice that spawned them while still deduplicating
// re-enqueues of the same slice.
func CampaignJobID(campaignID, afterRecipientID int64) string {
	if afterRecipientID == 0 {
		return fmt.Sprintf("campaign-dispatch-%d", campaignID)
	}
	return fmt.Sprintf("campaign-dispatch-%d-after-%d", campaignID, afterRecipientID)
}

// TrackingJobID is random: tracking events are fire-and-forget telemetry
// with no row to deduplicate against.
func TrackingJobID() string {
	return "tracking-" + uuid.NewString()
}

// Job payloads.

type ScheduledEmailJob struct {
	EmailID int64 `json:"email_id"`
}

type SnoozeRestoreJob struct {
	SnoozeID int64 `json:"snooze_id"`
}

type MeetingReminderJob struct {
	ReminderID int64 `json:"reminder_id"`
}

type CampaignJob struct {
	CampaignID int64 `json:"campaign_id"`
	// AfterRecipientID mirrors the progress cursor in the job ID.
	AfterRecipientID int64 `json:"after_recipient_id,omitempty"`
}

type FollowupJob struct {
	FollowupID int64 `json:"followup_id"`
}

type CalendarSyncJob struct {
	ConnectionID string `json:"connection_id"`
}

type ConnectionSetupJob struct {
	ConnectionID string `json:"connection_id"`
}

// TrackingJob is one provider event: a delivery receipt, an engagement
// signal, a bounce, a complaint, or a detected reply.
type TrackingJob struct {
	Type         string    `json:"type"`
	DomainID     string    `json:"domain_id,omitempty"`
	Email        string    `json:"email"`
	MessageID    string    `json:"message_id,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	RawError     string    `json:"raw_error,omitempty"`
	FeedbackType string    `json:"feedback_type,omitempty"`
	OccurredAt   time.Time `json:"occurred_at,omitempty"`
}

// Mail is one outbound message handed to the mail collaborator.
type Mail struct {
	UserID   string
	From     string
	To       string
	Cc       []string
	Subject  string
	BodyHTML string
	BodyText string
	ThreadID string
	Headers  map[string]string
}

// Mailer is the outbound mail collaborator, implemented by the provider
// integration layer.
type Mailer interface {
	// SendMail delivers one message and returns the provider message ID.
	SendMail(ctx context.Context, m Mail) (string, error)

	// ThreadForMessage resolves the conversation thread of a previously
	// sent message, used when composing a reply whose thread is not on
	// record.
	ThreadForMessage(ctx context.Context, userID, messageID string) (string, error)
}

// LabelRestorer puts a snoozed message's labels back.
type LabelRestorer interface {
	RestoreLabels(ctx context.Context, userID, messageID string, addLabelIDs, removeLabelIDs []string) error
}

// BusySpan is one busy interval reported by the calendar provider.
type BusySpan struct {
	StartsAt time.Time
	EndsAt   time.Time
}

// SyncResult is a calendar fetch outcome: the busy snapshot plus the
// provider's token for the next incremental sync.
type SyncResult struct {
	Blocks    []BusySpan
	SyncToken string
}

// BusyBlockFetcher pulls a connection's busy blocks from the provider.
type BusyBlockFetcher interface {
	FetchBusyBlocks(ctx context.Context, userID, connectionID string, start, end time.Time) (SyncResult, error)
}

// CalendarInfo describes a user's primary calendar.
type CalendarInfo struct {
	CalendarID  string
	DisplayName string
	TimeZone    string
}

// CalendarMetadata fetches calendar account metadata during connection
// setup.
type CalendarMetadata interface {
	PrimaryCalendar(ctx context.Context, userID string) (CalendarInfo, error)
}

// Store is the persistence surface the workers drive. *store.Store
// implements it.
type Store interface {
	GetScheduledEmail(ctx context.Context, id int64) (*store.ScheduledEmail, error)
	MarkScheduledEmailSent(ctx context.Context, id int64, providerMsgID string) (bool, error)
	MarkScheduledEmailFailed(ctx context.Context, id int64, reason string) error

	GetSnooze(ctx context.Context, id int64) (*store.EmailSnooze, error)
	DeleteSnooze(ctx context.Context, id int64) (bool, error)
	MarkSnoozeFailed(ctx context.Context, id int64, reason string) error

	GetMeetingReminder(ctx context.Context, id int64) (*store.MeetingReminder, error)
	MarkReminderSent(ctx context.Context, id int64) (bool, error)
	MarkReminderFailed(ctx context.Context, id int64, reason string) error
	CancelMeetingReminder(ctx context.Context, id int64) error

	GetCampaign(ctx context.Context, id int64) (*store.Campaign, error)
	PauseCampaign(ctx context.Context, id int64, reason string) (bool, error)
	CompleteCampaignIfDone(ctx context.Context, id int64) (bool, error)
	ListPendingRecipients(ctx context.Context, campaignID int64, limit int) ([]*store.CampaignRecipient, error)
	GetCampaignRecipient(ctx context.Context, id int64) (*store.CampaignRecipient, error)
	MarkRecipientSent(ctx context.Context, id int64, providerMsgID string) (bool, error)
	MarkRecipientFailed(ctx context.Context, id int64, reason string) error
	MarkRecipientBounced(ctx context.Context, id int64, reason string) error
	MarkRecipientSuppressed(ctx context.Context, id int64) error

	GetFollowup(ctx context.Context, id int64) (*store.Followup, error)
	MarkFollowupSent(ctx context.Context, id int64) (bool, error)
	MarkFollowupSkipped(ctx context.Context, id int64, reason string) error
	MarkFollowupFailed(ctx context.Context, id int64, reason string) error
	SkipFollowupsByEmail(ctx context.Context, email, reason string) (int64, error)
	InsertEmailEvent(ctx context.Context, ev *store.EmailEvent) (int64, error)

	GetCalendarConnection(ctx context.Context, id string) (*store.CalendarConnection, error)
	ActivateCalendarConnection(ctx context.Context, id, displayName string) error
	ReplaceBusyBlocks(ctx context.Context, connectionID string, blocks []store.BusyBlock) error
	MarkConnectionSynced(ctx context.Context, id, syncToken string) error
	MarkConnectionSyncError(ctx context.Context, id, reason string) error
	MarkConnectionFailed(ctx context.Context, id, reason string) error
}

// Reputation is the subset of the reputation service the send path needs.
// *reputation.Service implements it.
type Reputation interface {
	GoodStanding(ctx context.Context, domainID string) (bool, error)
	SendingLimits(ctx context.Context, domainID string) (reputation.SendingLimits, error)
	HourlySends(ctx context.Context, domainID string) int64
	DailySends(ctx context.Context, domainID string) int64
	RecordSent(ctx context.Context, domainID string, n int64) error
	RecordDelivered(ctx context.Context, domainID, email, messageID string) error
	RecordOpened(ctx context.Context, domainID, email, messageID string) error
	RecordClicked(ctx context.Context, domainID, email, messageID string) error
}

// Bounces is the bounce pipeline surface the send path needs.
// *bounce.Recorder implements it.
type Bounces interface {
	RecordBounce(ctx context.Context, b bounce.Bounce) (bounce.Classification, error)
	RecordComplaint(ctx context.Context, c bounce.Complaint) error
	ShouldSuppress(ctx context.Context, email string) (bool, string, error)
}

// Deps bundles the collaborators the workers drive.
type Deps struct {
	Broker       queue.Broker
	Store        Store
	Reputation   Reputation
	Bounces      Bounces
	Mailer       Mailer
	Labels       LabelRestorer
	Calendar     BusyBlockFetcher
	CalendarMeta CalendarMetadata

	// Classifier decides whether a synchronous send error is a bounce.
	// Nil gets the default rules.
	Classifier *bounce.Classifier
}

// Workers runs the eight queue processors.
type Workers struct {
	broker       queue.Broker
	store        Store
	reputation   Reputation
	bounces      Bounces
	mailer       Mailer
	labels       LabelRestorer
	calendar     BusyBlockFetcher
	calendarMeta CalendarMetadata
	classifier   *bounce.Classifier
	breaker      *gobreaker.CircuitBreaker
	concurrency  int
	logger       *slog.Logger
	dispatchLog  *logging.DispatchLogger
	metrics      *metrics.Metrics
}

// NewWorkers builds the worker set. concurrency is the per-queue goroutine
// count.
func NewWorkers(deps Deps, concurrency int, logger *slog.Logger) *Workers {
	if concurrency <= 0 {
		concurrency = 3
	}
	cls := deps.Classifier
	if cls == nil {
		cls = bounce.NewClassifier(nil)
	}
	componentLog := logger.With("component", "dispatch")
	return &Workers{
		broker:       deps.Broker,
		store:        deps.Store,
		reputation:   deps.Reputation,
		bounces:      deps.Bounces,
		mailer:       deps.Mailer,
		labels:       deps.Labels,
		calendar:     deps.Calendar,
		calendarMeta: deps.CalendarMeta,
		classifier:   cls,
		breaker:      newSendBreaker(componentLog),
		concurrency:  concurrency,
		logger:       componentLog,
		dispatchLog:  logging.NewDispatchLogger(logger),
		metrics:      metrics.Get(),
	}
}

// newSendBreaker guards the mail provider: five consecutive failures open
// the circuit for 30 seconds, turning a provider outage into fast transient
// errors instead of fifty slow timeouts per batch.
func newSendBreaker(logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "mail-provider",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("mail provider circuit state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})
}

type registration struct {
	queue   string
	handler queue.Handler
	onDead  func(ctx context.Context, job *queue.Job, jobErr error)
}

func (w *Workers) registrations() []registration {
	return []registration{
		{QueueScheduledEmail, w.handleScheduledEmail, w.scheduledEmailDead},
		{QueueSnoozeRestore, w.handleSnoozeRestore, w.snoozeDead},
		{QueueMeetingReminders, w.handleMeetingReminder, w.reminderDead},
		{QueueCampaignDispatch, w.handleCampaignDispatch, nil},
		{QueueFollowupDispatch, w.handleFollowupDispatch, w.followupDead},
		{QueueTrackingEvents, w.handleTrackingEvent, nil},
		{QueueCalendarSync, w.handleCalendarSync, nil},
		{QueueConnectionSetup, w.handleConnectionSetup, w.connectionSetupDead},
	}
}

// Run starts every queue's worker pool and blocks until ctx is cancelled or
// a pool fails.
func (w *Workers) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, reg := range w.registrations() {
		reg := reg
		q := w.broker.Queue(reg.queue)
		g.Go(func() error {
			return q.Process(ctx, reg.handler, queue.WorkerOptions{
				Concurrency: w.concurrency,
				OnDead:      reg.onDead,
			})
		})
	}
	w.logger.Info("queue workers started",
		"queues", len(w.registrations()),
		"concurrency", w.concurrency)
	return g.Wait()
}

// send delivers mail through the circuit breaker with a bounded timeout.
func (w *Workers) send(ctx context.Context, m Mail) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, providerTimeout)
	defer cancel()

	id, err := w.breaker.Execute(func() (interface{}, error) {
		return w.mailer.SendMail(ctx, m)
	})
	if err != nil {
		return "", err
	}
	return id.(string), nil
}

// providerUnavailable reports errors that say nothing about the message
// being sent, only about the provider being unreachable right now.
func providerUnavailable(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// recordSendBounce feeds a synchronous provider rejection into the bounce
// pipeline. Recording failures are logged, not propagated: the send outcome
// has already been decided.
func (w *Workers) recordSendBounce(ctx context.Context, domainID, email string, sendErr error) {
	_, err := w.bounces.RecordBounce(ctx, bounce.Bounce{
		DomainID: domainID,
		Email:    email,
		RawError: sendErr.Error(),
	})
	if err != nil {
		w.logger.Warn("failed to record bounce for rejected send",
			"email", email, "error", err)
	}
}

// replySubject prefixes "Re: " exactly once.
func replySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(subject)), "re:") {
		return subject
	}
	return "Re: " + subject
}

// Enqueue helpers. All of them are fire-and-forget from the caller's point
// of view; queue.ErrDuplicateJob means the work is already queued and is a
// clean no-op for deterministic IDs.

func EnqueueScheduledEmail(ctx context.Context, broker queue.Broker, emailID int64) error {
	return enqueue(ctx, broker, QueueScheduledEmail,
		ScheduledEmailJobID(emailID), ScheduledEmailJob{EmailID: emailID}, 0)
}

func EnqueueSnoozeRestore(ctx context.Context, broker queue.Broker, snoozeID int64) error {
	return enqueue(ctx, broker, QueueSnoozeRestore,
		SnoozeRestoreJobID(snoozeID), SnoozeRestoreJob{SnoozeID: snoozeID}, 0)
}

// EnqueueMeetingReminder schedules delivery of a reminder, delayed until
// its remind-at time.
func EnqueueMeetingReminder(ctx context.Context, broker queue.Broker, reminderID int64, remindAt time.Time) error {
	return enqueue(ctx, broker, QueueMeetingReminders,
		MeetingReminderJobID(reminderID), MeetingReminderJob{ReminderID: reminderID},
		time.Until(remindAt))
}

func EnqueueCampaignDispatch(ctx context.Context, broker queue.Broker, campaignID int64) error {
	return enqueue(ctx, broker, QueueCampaignDispatch,
		CampaignJobID(campaignID, 0), CampaignJob{CampaignID: campaignID}, 0)
}

// EnqueueFollowup schedules a followup send, delayed until it is due.
func EnqueueFollowup(ctx context.Context, broker queue.Broker, followupID int64, dueAt time.Time) error {
	return enqueue(ctx, broker, QueueFollowupDispatch,
		FollowupJobID(followupID), FollowupJob{FollowupID: followupID},
		time.Until(dueAt))
}

func EnqueueTrackingEvent(ctx context.Context, broker queue.Broker, ev TrackingJob) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	return enqueue(ctx, broker, QueueTrackingEvents, TrackingJobID(), ev, 0)
}

func EnqueueCalendarSync(ctx context.Context, broker queue.Broker, connectionID string) error {
	return enqueue(ctx, broker, QueueCalendarSync,
		CalendarSyncJobID(connectionID), CalendarSyncJob{ConnectionID: connectionID}, 0)
}

func EnqueueConnectionSetup(ctx context.Context, broker queue.Broker, connectionID string) error {
	return enqueue(ctx, broker, QueueConnectionSetup,
		ConnectionSetupJobID(connectionID), ConnectionSetupJob{ConnectionID: connectionID}, 0)
}

// ConnectionRegistrar persists a calendar connection together with a queued
// job intent in one transaction. *store.Store implements it.
type ConnectionRegistrar interface {
	RegisterCalendarConnection(ctx context.Context, c *store.CalendarConnection, queue, jobID string, payload []byte) error
}

// RegisterCalendarConnection stores a new connection and the intent for its
// setup job in one transaction. The outbox relay moves the intent onto the
// calendar-connection-setup queue after commit, so the job survives a broker
// outage at registration time.
func RegisterCalendarConnection(ctx context.Context, reg ConnectionRegistrar, c *store.CalendarConnection) error {
	job, err := queue.NewJob(ConnectionSetupJobID(c.ID), ConnectionSetupJob{ConnectionID: c.ID})
	if err != nil {
		return err
	}
	return reg.RegisterCalendarConnection(ctx, c, QueueConnectionSetup, job.ID, job.Payload)
}

func enqueue(ctx context.Context, broker queue.Broker, queueName, jobID string, payload any, delay time.Duration) error {
	job, err := queue.NewJob(jobID, payload)
	if err != nil {
		return err
	}
	if delay > 0 {
		job.Delay = delay
	}
	return broker.Queue(queueName).Enqueue(ctx, job)
}
