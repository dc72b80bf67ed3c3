package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/scopecfg/scopecfg/pkg/audit"
	"github.com/scopecfg/scopecfg/pkg/storage"
	"github.com/scopecfg/scopecfg/pkg/types"
)

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "org")
	if _, ok := requireAdmin(w, r, orgID); !ok {
		return
	}
	pol, err := s.deps.Store.GetPolicy(r.Context(), orgID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pol)
}

func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "org")
	p, ok := requireAdmin(w, r, orgID)
	if !ok {
		return
	}
	if _, err := s.deps.Store.GetOrg(r.Context(), orgID); err != nil {
		writeError(w, err)
		return
	}

	var pol types.SecurityPolicy
	if err := decodeJSON(r, &pol); err != nil {
		writeError(w, err)
		return
	}
	if pol.TokenExpiryDays < 0 || pol.TokenWarnBeforeDays < 0 || pol.TokenRevokeInactiveDays < 0 {
		writeError(w, types.E(types.KindInvalidInput, "token lifecycle days cannot be negative"))
		return
	}
	pol.OrgID = orgID
	pol.UpdatedAt = time.Now().UTC()

	err := s.deps.Store.WithinTx(r.Context(), func(tx storage.Store) error {
		if err := tx.UpsertPolicy(r.Context(), &pol); err != nil {
			return err
		}
		ev := audit.NewEvent(r.Context(), orgID, types.AuditSourceConfig, types.AuditPolicyUpdated, p.Actor(),
			"security policy replaced")
		ev.Details = types.JSONMap{
			"locked_paths":      len(pol.LockedPaths),
			"max_values":        len(pol.MaxValues),
			"approval_gates":    pol.RequireApprovalForPrompts || pol.RequireApprovalForTools,
			"token_expiry_days": pol.TokenExpiryDays,
		}
		return tx.InsertAuditEvent(r.Context(), ev)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &pol)
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "org")
	if _, ok := requireAdmin(w, r, orgID); !ok {
		return
	}
	page := pageFromQuery(r)
	status := types.ProposalStatus(r.URL.Query().Get("status"))
	items, total, err := s.deps.Engine.ListProposals(r.Context(), orgID, status, page)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pageEnvelope("items", items, total, page, len(items)))
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "org")
	if _, ok := requireAdmin(w, r, orgID); !ok {
		return
	}
	proposal, err := s.deps.Engine.GetProposal(r.Context(), orgID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

func (s *Server) handleApproveProposal(w http.ResponseWriter, r *http.Request) {
	s.decideProposal(w, r, true)
}

func (s *Server) handleRejectProposal(w http.ResponseWriter, r *http.Request) {
	s.decideProposal(w, r, false)
}

func (s *Server) decideProposal(w http.ResponseWriter, r *http.Request, approve bool) {
	orgID := chi.URLParam(r, "org")
	p, ok := requireAdmin(w, r, orgID)
	if !ok {
		return
	}
	proposal, err := s.deps.Engine.DecideProposal(r.Context(), orgID, chi.URLParam(r, "id"), approve, p.Actor())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

func (s *Server) handleGetSSO(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "org")
	if _, ok := requireAdmin(w, r, orgID); !ok {
		return
	}
	cfg, err := s.deps.SSO.Get(r.Context(), orgID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutSSO(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "org")
	p, ok := requireAdmin(w, r, orgID)
	if !ok {
		return
	}
	var cfg types.SSOConfig
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, err)
		return
	}
	cfg.OrgID = orgID
	if err := s.deps.SSO.Upsert(r.Context(), &cfg, p.Actor()); err != nil {
		writeError(w, err)
		return
	}
	out, err := s.deps.SSO.Get(r.Context(), orgID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
