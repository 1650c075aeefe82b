package api

import (
	"encoding/json"
	"net/http"

	"github.com/outflowhq/outflow/internal/logging"
)

type logLevelRequest struct {
	Level string `json:"level"`
}

type logLevelResponse struct {
	CurrentLevel string `json:"current_level"`
	Message      string `json:"message,omitempty"`
}

// handleGetLogLevel returns the current runtime log level.
func (s *Server) handleGetLogLevel(w http.ResponseWriter, r *http.Request) {
	level := logging.GetLevelManager().GetLevel()
	s.writeJSON(w, http.StatusOK, logLevelResponse{
		CurrentLevel: logging.LevelToString(level),
	})
}

// handleSetLogLevel changes the log level at runtime, typically to turn
// on debug logging while chasing a production issue.
func (s *Server) handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	var req logLevelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	level, err := logging.StringToLevel(req.Level)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid log level, expected DEBUG, INFO, WARN or ERROR")
		return
	}

	logging.GetLevelManager().SetLevel(level)
	s.logger.Info("log level changed", "level", req.Level)

	s.writeJSON(w, http.StatusOK, logLevelResponse{
		CurrentLevel: logging.LevelToString(level),
		Message:      "log level updated",
	})
}
