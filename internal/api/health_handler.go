package api

import (
	"context"
	"net/http"
	"runtime"
	"time"
)

// HealthStatus is the liveness payload.
type HealthStatus struct {
	Status          string    `json:"status"`
	Uptime          int64     `json:"uptime"`
	UptimeFormatted string    `json:"uptime_formatted"`
	StartedAt       time.Time `json:"started_at"`
	GoVersion       string    `json:"go_version"`
	NumGoroutines   int       `json:"num_goroutines"`
}

// handleHealthz reports process liveness. It answers as long as the
// process can serve HTTP at all; dependency state belongs to readyz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startedAt)
	s.writeJSON(w, http.StatusOK, HealthStatus{
		Status:          "ok",
		Uptime:          int64(uptime.Seconds()),
		UptimeFormatted: uptime.Round(time.Second).String(),
		StartedAt:       s.startedAt,
		GoVersion:       runtime.Version(),
		NumGoroutines:   runtime.NumGoroutine(),
	})
}

// handleReadyz runs the composed dependency check. A failing check
// answers 503 so load balancers stop routing while the process keeps
// running in degraded mode.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready == nil {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.ready(ctx); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
