package httpapi

import (
	"net/http"
	"strings"
	"time"

	"guildpost.org/internal/auth"
	"guildpost.org/internal/ids"
)

type applyRequest struct {
	Role string `json:"role"`
}

type changeRoleRequest struct {
	Role string `json:"role"`
}

type membershipResponse struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	RegionID  string    `json:"region_id"`
	Role      string    `json:"role"`
	Status    string    `json:"status"`
	IsPrimary bool      `json:"is_primary"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toMembershipResponse(m *auth.RegionMembership) membershipResponse {
	return membershipResponse{
		ID:        m.ID,
		UserID:    m.UserID,
		RegionID:  m.RegionID,
		Role:      string(m.Role),
		Status:    string(m.Status),
		IsPrimary: m.IsPrimary,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func toMembershipResponses(ms []*auth.RegionMembership) []membershipResponse {
	res := make([]membershipResponse, 0, len(ms))
	for _, m := range ms {
		res = append(res, toMembershipResponse(m))
	}
	return res
}

// handleMyMemberships lists the caller's memberships.
func (a *API) handleMyMemberships(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	ms, err := a.svc.ListMyMemberships(r.Context(), p)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memberships": toMembershipResponses(ms)})
}

// handleRegionResource covers /v1/regions/{id}/memberships: POST applies,
// GET lists, DELETE purges a deleted region's rows.
func (a *API) handleRegionResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/regions/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "memberships" {
		writeError(w, r, http.StatusNotFound, codeNotFound, "resource not found")
		return
	}
	regionID := parts[0]
	p, ok := a.principal(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodPost:
		var req applyRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, codeValidation, err.Error())
			return
		}
		m, err := a.svc.ApplyToRegion(r.Context(), p, regionID, auth.RegionRole(req.Role))
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toMembershipResponse(m))
	case http.MethodGet:
		ms, err := a.svc.ListRegionMembers(r.Context(), p, regionID)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"memberships": toMembershipResponses(ms)})
	case http.MethodDelete:
		n, err := a.svc.DeleteRegionMemberships(r.Context(), p, regionID)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"removed": n})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost, http.MethodDelete)
	}
}

// handleMembershipResource covers /v1/memberships/{id} and its
// accept/reject/role/primary subresources.
func (a *API) handleMembershipResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/memberships/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, codeNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	id := parts[0]
	if !ids.Valid(id) {
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
		if err := a.svc.RemoveMembership(r.Context(), p, id); err != nil {
			handleAuthError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case len(parts) == 2 && parts[1] == "accept":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		if err := a.svc.AcceptMembership(r.Context(), p, id); err != nil {
			handleAuthError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case len(parts) == 2 && parts[1] == "reject":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		if err := a.svc.RejectMembership(r.Context(), p, id); err != nil {
			handleAuthError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case len(parts) == 2 && parts[1] == "role":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		var req changeRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, codeValidation, err.Error())
			return
		}
		if err := a.svc.ChangeMembershipRole(r.Context(), p, id, auth.RegionRole(req.Role)); err != nil {
			handleAuthError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case len(parts) == 2 && parts[1] == "primary":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		if err := a.svc.SetPrimaryRegion(r.Context(), p, id); err != nil {
			handleAuthError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, r, http.StatusNotFound, codeNotFound, "resource not found")
	}
}
