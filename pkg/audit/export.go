package audit

import (
	"context"
	"encoding/csv"
	"io"

	"github.com/scopecfg/scopecfg/pkg/storage"
	"github.com/scopecfg/scopecfg/pkg/types"
)

// ExportColumns is the stable CSV column order. Consumers depend on
// it; do not reorder.
var ExportColumns = []string{
	"event_id", "occurred_at", "source", "event_type", "actor",
	"team_node_id", "summary", "correlation_id",
}

const exportBatchSize = 500

// ExportCSV streams the filtered timeline to w as CSV, paging through
// the store so arbitrarily large exports never buffer fully in
// memory. The filter's Limit and Offset are ignored; everything that
// matches is exported.
func (s *Service) ExportCSV(ctx context.Context, w io.Writer, orgID string, filter storage.AuditFilter) error {
	if _, err := s.store.GetOrg(ctx, orgID); err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(ExportColumns); err != nil {
		return err
	}

	filter.Limit = exportBatchSize
	filter.Offset = 0
	for {
		events, _, err := s.store.QueryAuditEvents(ctx, orgID, filter)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if err := cw.Write(exportRow(ev)); err != nil {
				return err
			}
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			return err
		}
		if len(events) < exportBatchSize {
			return nil
		}
		filter.Offset += exportBatchSize
	}
}

func exportRow(ev *types.AuditEvent) []string {
	teamNode := ""
	if ev.TeamNodeID != nil {
		teamNode = *ev.TeamNodeID
	}
	correlation := ""
	if ev.CorrelationID != nil {
		correlation = *ev.CorrelationID
	}
	return []string{
		ev.EventID.String(),
		ev.OccurredAt.UTC().Format("2006-01-02T15:04:05.000000Z"),
		string(ev.Source),
		ev.EventType,
		ev.Actor,
		teamNode,
		ev.Summary,
		correlation,
	}
}
