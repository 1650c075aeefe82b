package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/outflowhq/outflow/internal/dispatch"
)

// stubMailer logs outbound mail instead of delivering it. Every send
// succeeds with a synthetic message ID so the rest of the pipeline
// (reputation counters, followup scheduling) behaves normally in
// development.
type stubMailer struct {
	logger *slog.Logger
}

func (m stubMailer) SendMail(ctx context.Context, mail dispatch.Mail) (string, error) {
	m.logger.Info("stub mailer send",
		"user_id", mail.UserID, "to", mail.To, "subject", mail.Subject)
	return "stub-" + uuid.NewString(), nil
}

func (m stubMailer) ThreadForMessage(ctx context.Context, userID, messageID string) (string, error) {
	return "", nil
}

type stubLabels struct {
	logger *slog.Logger
}

func (l stubLabels) RestoreLabels(ctx context.Context, userID, messageID string, addLabelIDs, removeLabelIDs []string) error {
	l.logger.Info("stub label restore",
		"user_id", userID, "message_id", messageID,
		"add", len(addLabelIDs), "remove", len(removeLabelIDs))
	return nil
}

// stubCalendar reports an empty busy snapshot, which marks connections
// synced without inventing availability data.
type stubCalendar struct {
	logger *slog.Logger
}

func (c stubCalendar) FetchBusyBlocks(ctx context.Context, userID, connectionID string, start, end time.Time) (dispatch.SyncResult, error) {
	c.logger.Info("stub calendar fetch",
		"user_id", userID, "connection_id", connectionID)
	return dispatch.SyncResult{}, nil
}

type stubCalendarMeta struct{}

func (stubCalendarMeta) PrimaryCalendar(ctx context.Context, userID string) (dispatch.CalendarInfo, error) {
	return dispatch.CalendarInfo{CalendarID: "primary"}, nil
}
