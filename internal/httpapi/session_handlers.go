package httpapi

import (
	"net/http"
	"strings"
	"time"

	"guildpost.org/internal/auth"
	"guildpost.org/internal/ids"
)

type sessionResponse struct {
	ID           string    `json:"id"`
	Device       string    `json:"device,omitempty"`
	IP           string    `json:"ip,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Current      bool      `json:"current"`
}

func toSessionResponses(sessions []*auth.Session, currentID string) []sessionResponse {
	res := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		res = append(res, sessionResponse{
			ID:           s.ID,
			Device:       s.Device,
			IP:           s.IP,
			CreatedAt:    s.CreatedAt,
			LastActiveAt: s.LastActiveAt,
			ExpiresAt:    s.ExpiresAt,
			Current:      s.ID == currentID,
		})
	}
	return res
}

// handleSessions lists the caller's own active sessions.
func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	sessions, err := a.svc.ListSessions(r.Context(), p, p.UserID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": toSessionResponses(sessions, p.SessionID),
	})
}

// handleSessionResource revokes one session by id.
func (a *API) handleSessionResource(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/sessions/"), "/")
	if strings.Contains(id, "/") || !ids.Valid(id) {
		writeError(w, r, http.StatusNotFound, codeNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	if err := a.svc.RevokeSession(r.Context(), p, id); err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUserResource covers /v1/users/{id} (deactivate) and
// /v1/users/{id}/sessions (admin session listing).
func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/users/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, codeNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	if !ids.Valid(parts[0]) {
		writeError(w, r, http.StatusNotFound, codeNotFound, "resource not found")
		return
	}
	p, ok := a.principal(w, r)
	if !ok {
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		if err := a.svc.DeactivateUser(r.Context(), p, parts[0]); err != nil {
			handleAuthError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case len(parts) == 2 && parts[1] == "sessions":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		sessions, err := a.svc.ListSessions(r.Context(), p, parts[0])
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"sessions": toSessionResponses(sessions, p.SessionID),
		})
	default:
		writeError(w, r, http.StatusNotFound, codeNotFound, "resource not found")
	}
}
