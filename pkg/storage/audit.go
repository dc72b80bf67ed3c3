package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/scopecfg/scopecfg/pkg/types"
)

func (s *Postgres) InsertAuditEvent(ctx context.Context, event *types.AuditEvent) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO audit_events
		     (event_id, org_id, source, event_type, occurred_at, actor, team_node_id, summary, details, correlation_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.EventID, event.OrgID, event.Source, event.EventType,
		touchTime(event.OccurredAt), event.Actor, event.TeamNodeID,
		event.Summary, event.Details, event.CorrelationID)
	return mapError(err)
}

// QueryAuditEvents returns a filtered page of events, newest first,
// plus the total matching count.
func (s *Postgres) QueryAuditEvents(ctx context.Context, orgID string, filter AuditFilter) ([]*types.AuditEvent, int, error) {
	where := []string{"org_id = $1"}
	args := []any{orgID}

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.Sources) > 0 {
		sources := make([]string, len(filter.Sources))
		for i, src := range filter.Sources {
			sources[i] = string(src)
		}
		where = append(where, "source = ANY("+arg(pq.StringArray(sources))+")")
	}
	if filter.TeamNodeID != "" {
		where = append(where, "team_node_id = "+arg(filter.TeamNodeID))
	}
	if !filter.Since.IsZero() {
		where = append(where, "occurred_at >= "+arg(touchTime(filter.Since)))
	}
	if !filter.Until.IsZero() {
		where = append(where, "occurred_at <= "+arg(touchTime(filter.Until)))
	}
	if filter.Search != "" {
		pattern := "%" + escapeLike(filter.Search) + "%"
		p := arg(pattern)
		where = append(where, "(summary ILIKE "+p+" OR details::text ILIKE "+p+")")
	}

	clause := strings.Join(where, " AND ")

	var total int
	if err := s.q.GetContext(ctx, &total,
		`SELECT count(*) FROM audit_events WHERE `+clause, args...); err != nil {
		return nil, 0, mapError(err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT event_id, org_id, source, event_type, occurred_at, seq, actor,
	                 team_node_id, summary, details, correlation_id
	          FROM audit_events WHERE ` + clause +
		` ORDER BY occurred_at DESC, seq DESC LIMIT ` + arg(limit) + ` OFFSET ` + arg(filter.Offset)

	events := []*types.AuditEvent{}
	if err := s.q.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, 0, mapError(err)
	}
	return events, total, nil
}

// escapeLike neutralizes LIKE metacharacters in user search input
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
