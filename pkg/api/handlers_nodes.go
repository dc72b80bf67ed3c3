package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/scopecfg/scopecfg/pkg/identity"
	"github.com/scopecfg/scopecfg/pkg/metrics"
	"github.com/scopecfg/scopecfg/pkg/tree"
	"github.com/scopecfg/scopecfg/pkg/types"
)

// requireAdmin enforces the admin role and org binding for the
// /admin surface. orgID may be empty for org-independent routes.
func requireAdmin(w http.ResponseWriter, r *http.Request, orgID string) (identity.Principal, bool) {
	p := principalFrom(r.Context())
	if p == nil || p.Role() != identity.RoleAdmin {
		writeError(w, types.E(types.KindPermissionDenied, "administrative credential required"))
		return nil, false
	}
	if orgID != "" && !identity.OrgAllowed(p, orgID) {
		writeError(w, types.Ef(types.KindPermissionDenied, "credential is not valid for org %q", orgID))
		return nil, false
	}
	return p, true
}

func (s *Server) handleListOrgs(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r, ""); !ok {
		return
	}
	orgs, err := s.deps.Store.ListOrgs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": orgs, "total": len(orgs)})
}

func (s *Server) handleCreateOrg(w http.ResponseWriter, r *http.Request) {
	p, ok := requireAdmin(w, r, "")
	if !ok {
		return
	}
	var body struct {
		OrgID string `json:"org_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if !identity.OrgAllowed(p, body.OrgID) {
		writeError(w, types.E(types.KindPermissionDenied, "credential cannot create this org"))
		return
	}
	org, err := s.deps.Engine.CreateOrg(r.Context(), body.OrgID, p.Actor())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, org)
}

func (s *Server) handleGetOrg(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "org")
	if _, ok := requireAdmin(w, r, orgID); !ok {
		return
	}
	org, err := s.deps.Store.GetOrg(r.Context(), orgID)
	if err != nil {
		writeError(w, err)
		return
	}
	nodes, err := s.deps.Engine.ListNodes(r.Context(), orgID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"org": org, "node_count": len(nodes)})
}

func (s *Server) handleDeleteOrg(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "org")
	p, ok := requireAdmin(w, r, orgID)
	if !ok {
		return
	}
	if err := s.deps.Engine.DeleteOrg(r.Context(), orgID, p.Actor()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "org")
	if _, ok := requireAdmin(w, r, orgID); !ok {
		return
	}
	nodes, err := s.deps.Engine.ListNodes(r.Context(), orgID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": nodes, "total": len(nodes)})
}

func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "org")
	p, ok := requireAdmin(w, r, orgID)
	if !ok {
		return
	}
	var body struct {
		NodeID   string         `json:"node_id"`
		ParentID *string        `json:"parent_id"`
		NodeType types.NodeType `json:"node_type"`
		Name     string         `json:"name"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	node, err := s.deps.Engine.CreateNode(r.Context(), orgID, body.NodeID, body.ParentID, body.NodeType, body.Name, p.Actor())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "org")
	if _, ok := requireAdmin(w, r, orgID); !ok {
		return
	}
	node, err := s.deps.Engine.GetNode(r.Context(), orgID, chi.URLParam(r, "node"))
	if err != nil {
		writeError(w, err)
		return
	}
	children, err := s.deps.Engine.Children(r.Context(), orgID, node.NodeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"node": node, "children": children})
}

func (s *Server) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "org")
	p, ok := requireAdmin(w, r, orgID)
	if !ok {
		return
	}
	var body struct {
		Name     *string `json:"name"`
		ParentID *string `json:"parent_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	node, err := s.deps.Engine.UpdateNode(r.Context(), orgID, chi.URLParam(r, "node"),
		tree.UpdateNodeParams{Name: body.Name, ParentID: body.ParentID}, p.Actor())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "org")
	p, ok := requireAdmin(w, r, orgID)
	if !ok {
		return
	}
	if err := s.deps.Engine.DeleteNode(r.Context(), orgID, chi.URLParam(r, "node"), p.Actor()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNodeEffective(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "org")
	if _, ok := requireAdmin(w, r, orgID); !ok {
		return
	}
	cfg, lineage, err := s.deps.Engine.EffectiveConfig(r.Context(), orgID, chi.URLParam(r, "node"))
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.ConfigMergesTotal.Inc()
	writeJSON(w, http.StatusOK, map[string]any{"config": cfg, "lineage": lineageIDs(lineage)})
}

func (s *Server) handleNodeRaw(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "org")
	p, ok := requireAdmin(w, r, orgID)
	if !ok {
		return
	}
	cfg, meta, err := s.deps.Engine.RawConfig(r.Context(), orgID, chi.URLParam(r, "node"), identity.HasAdminAll(p))
	if err != nil {
		writeError(w, err)
		return
	}
	body := map[string]any{"config": cfg}
	if meta != nil {
		body["updated_at"] = meta.UpdatedAt
		body["updated_by"] = meta.UpdatedBy
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleNodeConfigPut(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "org")
	nodeID := chi.URLParam(r, "node")
	p, ok := requireAdmin(w, r, orgID)
	if !ok {
		return
	}
	var patch types.JSONMap
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	s.applyConfigWrite(w, r, p, orgID, nodeID, patch)
}

func (s *Server) handleRekey(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "org")
	p, ok := requireAdmin(w, r, orgID)
	if !ok {
		return
	}
	if !identity.HasAdminAll(p) {
		writeError(w, types.E(types.KindPermissionDenied, "re-keying requires admin:*"))
		return
	}
	n, err := s.deps.Engine.RekeyNodeConfigs(r.Context(), orgID, p.Actor())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rekeyed": n})
}

func lineageIDs(lineage []*types.Node) []map[string]any {
	out := make([]map[string]any, len(lineage))
	for i, n := range lineage {
		out[i] = map[string]any{"node_id": n.NodeID, "node_type": n.NodeType, "name": n.Name}
	}
	return out
}
