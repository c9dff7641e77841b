package handler

import (
	"net/http"

	"github.com/alanyoungcy/predicta/internal/domain"
)

// SessionStatus reports the clearnode session. *clearnode.Session
// implements it.
type SessionStatus interface {
	Status() domain.SessionStatus
}

// SessionHandler serves the session status endpoint.
type SessionHandler struct {
	session SessionStatus
	mode    string
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(session SessionStatus, mode string) *SessionHandler {
	return &SessionHandler{session: session, mode: mode}
}

type sessionResponse struct {
	Mode string `json:"mode"`
	domain.SessionStatus
}

// GetSession responds with the auth state and the session key in use.
// GET /api/session
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sessionResponse{Mode: h.mode, SessionStatus: h.session.Status()})
}
