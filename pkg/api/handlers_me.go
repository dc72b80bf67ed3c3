package api

import (
	"net/http"

	"github.com/scopecfg/scopecfg/pkg/identity"
	"github.com/scopecfg/scopecfg/pkg/metrics"
	"github.com/scopecfg/scopecfg/pkg/types"
)

func (s *Server) handleAuthMe(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())

	body := map[string]any{
		"role":        p.Role(),
		"auth_kind":   p.AuthKind(),
		"permissions": p.Permissions(),
		"can_write":   identity.Allows(p, identity.PermConfigWriteSelf) || identity.HasAdminAll(p),
	}
	switch t := p.(type) {
	case *identity.Admin:
		if t.OrgID != nil {
			body["org_id"] = *t.OrgID
		}
	case *identity.Team:
		body["org_id"] = t.OrgID
		body["team_node_id"] = t.TeamNodeID
	case *identity.Viewer:
		body["org_id"] = t.OrgID
	}
	writeJSON(w, http.StatusOK, body)
}

// teamPrincipal returns the caller's team identity, or fails the
// request. The /config/me surface only exists for teams.
func teamPrincipal(w http.ResponseWriter, r *http.Request) (*identity.Team, bool) {
	if team, ok := principalFrom(r.Context()).(*identity.Team); ok {
		return team, true
	}
	writeError(w, types.E(types.KindPermissionDenied, "this endpoint requires a team credential"))
	return nil, false
}

func (s *Server) handleMyEffective(w http.ResponseWriter, r *http.Request) {
	team, ok := teamPrincipal(w, r)
	if !ok {
		return
	}
	cfg, lineage, err := s.deps.Engine.EffectiveConfig(r.Context(), team.OrgID, team.TeamNodeID)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.ConfigMergesTotal.Inc()
	writeJSON(w, http.StatusOK, map[string]any{"config": cfg, "lineage": lineageIDs(lineage)})
}

func (s *Server) handleMyRaw(w http.ResponseWriter, r *http.Request) {
	team, ok := teamPrincipal(w, r)
	if !ok {
		return
	}
	cfg, meta, err := s.deps.Engine.RawConfig(r.Context(), team.OrgID, team.TeamNodeID, false)
	if err != nil {
		writeError(w, err)
		return
	}
	lineage, err := s.deps.Engine.Lineage(r.Context(), team.OrgID, team.TeamNodeID)
	if err != nil {
		writeError(w, err)
		return
	}
	body := map[string]any{"config": cfg, "lineage": lineageIDs(lineage)}
	if meta != nil {
		body["updated_at"] = meta.UpdatedAt
		body["updated_by"] = meta.UpdatedBy
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleMyConfigPut(w http.ResponseWriter, r *http.Request) {
	team, ok := teamPrincipal(w, r)
	if !ok {
		return
	}
	var patch types.JSONMap
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	s.applyConfigWrite(w, r, team, team.OrgID, team.TeamNodeID, patch)
}

// applyConfigWrite is the single config write path shared by the
// admin and team surfaces: authorization, policy evaluation through
// the engine, and the applied-vs-proposed response split.
func (s *Server) applyConfigWrite(w http.ResponseWriter, r *http.Request, p identity.Principal, orgID, nodeID string, patch types.JSONMap) {
	isDescendant := func(ancestor, node string) bool {
		lineage, err := s.deps.Engine.Lineage(r.Context(), orgID, node)
		if err != nil {
			return false
		}
		for _, n := range lineage[:len(lineage)-1] {
			if n.NodeID == ancestor {
				return true
			}
		}
		return false
	}
	if err := identity.CanWriteNode(p, orgID, nodeID, isDescendant); err != nil {
		writeError(w, err)
		return
	}

	cfg, proposal, err := s.deps.Engine.UpdateConfig(r.Context(), orgID, nodeID, patch, p.Actor())
	if err != nil {
		metrics.ConfigWritesTotal.WithLabelValues("rejected").Inc()
		writeError(w, err)
		return
	}
	if proposal != nil {
		metrics.ConfigWritesTotal.WithLabelValues("proposed").Inc()
		writeJSON(w, http.StatusAccepted, map[string]any{"proposal": proposal})
		return
	}
	metrics.ConfigWritesTotal.WithLabelValues("applied").Inc()

	// Respond with the new local overrides, masked unless the caller
	// holds admin:*.
	masked, _, err := s.deps.Engine.RawConfig(r.Context(), orgID, nodeID, identity.HasAdminAll(p))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"config": masked, "updated_at": cfg.UpdatedAt})
}
