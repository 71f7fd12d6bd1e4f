package httpapi

import (
	"net/http"
	"strings"
	"time"

	"guildpost.org/internal/auth"
)

type platformGrantRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

type moduleLeadRequest struct {
	UserID string `json:"user_id"`
	Module string `json:"module"`
}

type platformGrantResponse struct {
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

func (a *API) handlePlatformGrants(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		grants, err := a.svc.ListPlatformGrants(r.Context(), p)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		res := make([]platformGrantResponse, 0, len(grants))
		for _, g := range grants {
			res = append(res, platformGrantResponse{
				UserID:    g.UserID,
				Role:      string(g.Role),
				CreatedAt: g.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"grants": res})
	case http.MethodPost:
		var req platformGrantRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, codeValidation, err.Error())
			return
		}
		if err := a.svc.GrantPlatformRole(r.Context(), p, req.UserID, auth.PlatformRole(req.Role)); err != nil {
			handleAuthError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handlePlatformGrantResource(w http.ResponseWriter, r *http.Request) {
	userID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/admin/platform-grants/"), "/")
	if userID == "" || strings.Contains(userID, "/") {
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
	if err := a.svc.RevokePlatformRole(r.Context(), p, userID); err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleModuleLeads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req moduleLeadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeValidation, err.Error())
		return
	}
	if err := a.svc.GrantModuleLead(r.Context(), p, req.UserID, req.Module); err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleModuleLeadResource removes a lead grant at
// /v1/admin/module-leads/{userID}/{module}.
func (a *API) handleModuleLeadResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/admin/module-leads/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
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
	if err := a.svc.RevokeModuleLead(r.Context(), p, parts[0], parts[1]); err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
