package httpapi

import (
	"net/http"
	"time"

	"careunits.org/internal/auth"
	"careunits.org/internal/obs"
)

type tokenRequest struct {
	UserID         string   `json:"user_id"`
	OrganizationID string   `json:"organization_id"`
	Roles          []string `json:"roles"`
	TTLSeconds     int      `json:"ttl_seconds,omitempty"`
}

// handleAuthToken issues a signed development token. In production the
// token would come from the identity provider; this endpoint keeps local
// and smoke-test flows self-contained.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" || req.OrganizationID == "" || len(req.Roles) == 0 {
		writeError(w, r, http.StatusBadRequest, "user_id, organization_id and roles are required")
		return
	}
	for _, role := range req.Roles {
		if !auth.KnownRole(role) {
			writeError(w, r, http.StatusBadRequest, "unknown role: "+role)
			return
		}
	}

	ttl := time.Hour
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	token, err := auth.GenerateToken(req.UserID, req.OrganizationID, req.Roles, ttl)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	obs.LogRequest(map[string]any{
		"ts":           time.Now().UTC().Format(time.RFC3339Nano),
		"level":        "info",
		"type":         "token_issued",
		"user_id":      req.UserID,
		"organization": req.OrganizationID,
		"roles":        req.Roles,
		"request_id":   RequestIDFromContext(r),
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"token_type": "Bearer",
		"expires_in": int(ttl.Seconds()),
	})
}
