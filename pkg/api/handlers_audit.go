package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/scopecfg/scopecfg/pkg/identity"
	"github.com/scopecfg/scopecfg/pkg/metrics"
	"github.com/scopecfg/scopecfg/pkg/storage"
	"github.com/scopecfg/scopecfg/pkg/types"
)

func auditFilterFromQuery(r *http.Request) storage.AuditFilter {
	q := r.URL.Query()
	filter := storage.AuditFilter{
		TeamNodeID: q.Get("team_node_id"),
		Search:     q.Get("search"),
	}
	for _, src := range q["source"] {
		filter.Sources = append(filter.Sources, types.AuditSource(src))
	}
	if raw := q.Get("since"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.Since = t
		}
	}
	if raw := q.Get("until"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.Until = t
		}
	}
	page := pageFromQuery(r)
	filter.Limit = page.Limit
	filter.Offset = page.Offset
	return filter
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "org")
	if _, ok := requireAdmin(w, r, orgID); !ok {
		return
	}
	filter := auditFilterFromQuery(r)
	events, total, err := s.deps.Audit.Query(r.Context(), orgID, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	page := storage.Page{Limit: filter.Limit, Offset: filter.Offset}
	writeJSON(w, http.StatusOK, pageEnvelope("events", events, total, page, len(events)))
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "org")
	if _, ok := requireAdmin(w, r, orgID); !ok {
		return
	}
	filter := auditFilterFromQuery(r)

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-`+orgID+`.csv"`)
	if err := s.deps.Audit.ExportCSV(r.Context(), w, orgID, filter); err != nil {
		// Headers may already be gone; all we can do is log.
		writeError(w, err)
	}
}

func (s *Server) handleAgentEvent(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())

	var body struct {
		OrgID      string        `json:"org_id"`
		EventType  string        `json:"event_type"`
		Actor      string        `json:"actor"`
		Summary    string        `json:"summary"`
		TeamNodeID string        `json:"team_node_id"`
		Details    types.JSONMap `json:"details"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}

	// Team principals report for their own org and team; admins may
	// report on behalf of any org they are bound to.
	if team, ok := p.(*identity.Team); ok {
		body.OrgID = team.OrgID
		if body.TeamNodeID == "" {
			body.TeamNodeID = team.TeamNodeID
		}
	}
	if body.OrgID == "" {
		writeError(w, types.E(types.KindInvalidInput, "org_id is required"))
		return
	}
	if !identity.OrgAllowed(p, body.OrgID) {
		writeError(w, types.Ef(types.KindPermissionDenied, "credential is not valid for org %q", body.OrgID))
		return
	}
	if body.Actor == "" {
		body.Actor = p.Actor()
	}

	ev, err := s.deps.Audit.IngestAgentEvent(r.Context(), body.OrgID, body.EventType, body.Actor,
		body.Summary, body.TeamNodeID, body.Details)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.AuditEventsTotal.WithLabelValues(string(types.AuditSourceAgent)).Inc()
	writeJSON(w, http.StatusCreated, ev)
}
