package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// standingResponse summarizes a domain's deliverability state. A domain
// that has never sent reports the fresh-domain defaults.
type standingResponse struct {
	DomainID       string  `json:"domain_id"`
	InGoodStanding bool    `json:"in_good_standing"`
	Score          int     `json:"score"`
	BounceRate     float64 `json:"bounce_rate"`
	ComplaintRate  float64 `json:"complaint_rate"`
	InWarmup       bool    `json:"is_in_warmup"`
}

// handleSendingLimits reports the domain's current daily and hourly
// send allowance.
func (s *Server) handleSendingLimits(w http.ResponseWriter, r *http.Request) {
	domainID := mux.Vars(r)["id"]

	limits, err := s.reputation.SendingLimits(r.Context(), domainID)
	if err != nil {
		s.logger.Error("failed to load sending limits", "domain_id", domainID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load sending limits")
		return
	}
	s.writeJSON(w, http.StatusOK, limits)
}

// handleStanding reports whether the domain may keep sending and the
// reputation inputs behind that answer.
func (s *Server) handleStanding(w http.ResponseWriter, r *http.Request) {
	domainID := mux.Vars(r)["id"]

	rec, err := s.reputation.Snapshot(r.Context(), domainID)
	if err != nil {
		s.logger.Error("failed to load domain reputation", "domain_id", domainID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load domain reputation")
		return
	}

	resp := standingResponse{DomainID: domainID, InGoodStanding: true, Score: 100, InWarmup: true}
	if rec != nil {
		standing, err := s.reputation.GoodStanding(r.Context(), domainID)
		if err != nil {
			s.logger.Error("failed to evaluate standing", "domain_id", domainID, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to load domain reputation")
			return
		}
		resp.InGoodStanding = standing
		resp.Score = rec.Score
		resp.BounceRate = rec.BounceRate
		resp.ComplaintRate = rec.ComplaintRate
		resp.InWarmup = !rec.WarmupComplete
	}
	s.writeJSON(w, http.StatusOK, resp)
}
