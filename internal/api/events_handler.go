package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/outflowhq/outflow/internal/dispatch"
)

// trackingEventRequest is the shared shape of all event webhooks. Which
// fields matter depends on the event type; email is always required.
type trackingEventRequest struct {
	DomainID     string    `json:"domain_id"`
	Email        string    `json:"email"`
	MessageID    string    `json:"message_id"`
	Provider     string    `json:"provider"`
	Error        string    `json:"error"`
	FeedbackType string    `json:"feedback_type"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// handleTrackingEvent accepts a provider webhook and queues it for the
// tracking worker. Ingestion is accept-and-queue: the 202 means the
// event is durably queued, not that it has been applied.
func (s *Server) handleTrackingEvent(eventType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req trackingEventRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Email == "" {
			s.writeError(w, http.StatusBadRequest, "email is required")
			return
		}

		job := dispatch.TrackingJob{
			Type:         eventType,
			DomainID:     req.DomainID,
			Email:        req.Email,
			MessageID:    req.MessageID,
			Provider:     req.Provider,
			RawError:     req.Error,
			FeedbackType: req.FeedbackType,
			OccurredAt:   req.OccurredAt,
		}
		if err := dispatch.EnqueueTrackingEvent(r.Context(), s.broker, job); err != nil {
			s.logger.Error("failed to enqueue tracking event", "type", eventType, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to queue event")
			return
		}

		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	}
}
