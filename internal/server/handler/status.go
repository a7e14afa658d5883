package handler

import (
	"net/http"
	"time"
)

// StatusHandler serves the instance's mode and consumer routes.
type StatusHandler struct {
	Mode      string
	Routes    []string
	StartedAt time.Time
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, routes []string) *StatusHandler {
	return &StatusHandler{Mode: mode, Routes: routes, StartedAt: time.Now().UTC()}
}

// GetStatus responds with the current mode and routes.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":       h.Mode,
		"routes":     h.Routes,
		"started_at": h.StartedAt.Format(time.RFC3339),
	})
}
