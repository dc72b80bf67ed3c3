package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/scopecfg/scopecfg/pkg/identity"
	"github.com/scopecfg/scopecfg/pkg/types"
)

func (s *Server) handleListTeamTokens(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "org")
	if _, ok := requireAdmin(w, r, orgID); !ok {
		return
	}
	page := pageFromQuery(r)
	items, total, err := s.deps.Tokens.ListForTeam(r.Context(), orgID, chi.URLParam(r, "team"), page)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pageEnvelope("items", items, total, page, len(items)))
}

func (s *Server) handleIssueTeamToken(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "org")
	p, ok := requireAdmin(w, r, orgID)
	if !ok {
		return
	}
	var body struct {
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
	}
	token, secret, err := s.deps.Tokens.Issue(r.Context(), orgID, chi.URLParam(r, "team"), body.ExpiresAt, p.Actor())
	if err != nil {
		writeError(w, err)
		return
	}
	// The plaintext secret appears in this response and nowhere else.
	writeJSON(w, http.StatusCreated, map[string]any{
		"token_id":   token.TokenID,
		"token":      secret,
		"expires_at": token.ExpiresAt,
	})
}

func (s *Server) handleRevokeTeamToken(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "org")
	p, ok := requireAdmin(w, r, orgID)
	if !ok {
		return
	}
	tokenID := chi.URLParam(r, "id")

	// The token must belong to the addressed org and team.
	token, err := s.deps.Tokens.Get(r.Context(), tokenID)
	if err != nil {
		writeError(w, err)
		return
	}
	if token.OrgID != orgID || token.TeamNodeID != chi.URLParam(r, "team") {
		writeError(w, types.Ef(types.KindNotFound, "token %q not found", tokenID))
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
	}
	if err := s.deps.Tokens.Revoke(r.Context(), tokenID, body.Reason, p.Actor()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAdminTokens(w http.ResponseWriter, r *http.Request) {
	p, ok := requireAdmin(w, r, "")
	if !ok {
		return
	}
	if !identity.HasAdminAll(p) {
		writeError(w, types.E(types.KindPermissionDenied, "listing admin tokens requires admin:*"))
		return
	}
	items, err := s.deps.AdminTokens.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleIssueAdminToken(w http.ResponseWriter, r *http.Request) {
	p, ok := requireAdmin(w, r, "")
	if !ok {
		return
	}
	if !identity.HasAdminAll(p) {
		writeError(w, types.E(types.KindPermissionDenied, "issuing admin tokens requires admin:*"))
		return
	}
	var body struct {
		OrgID  *string  `json:"org_id"`
		Scopes []string `json:"scopes"`
		Name   string   `json:"name"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	token, secret, err := s.deps.AdminTokens.Issue(r.Context(), body.OrgID, body.Scopes, body.Name, p.Actor())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"token_id": token.TokenID,
		"token":    secret,
		"scopes":   token.Scopes,
	})
}

func (s *Server) handleRevokeAdminToken(w http.ResponseWriter, r *http.Request) {
	p, ok := requireAdmin(w, r, "")
	if !ok {
		return
	}
	if !identity.HasAdminAll(p) {
		writeError(w, types.E(types.KindPermissionDenied, "revoking admin tokens requires admin:*"))
		return
	}
	if err := s.deps.AdminTokens.Revoke(r.Context(), chi.URLParam(r, "id"), p.Actor()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
