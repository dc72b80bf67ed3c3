package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/scopecfg/scopecfg/pkg/storage"
	"github.com/scopecfg/scopecfg/pkg/types"
)

type correlationKey struct{}

// WithCorrelation stores a correlation identifier in the context
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationFrom returns the correlation identifier, or "" when the
// context carries none.
func CorrelationFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// MintCorrelation generates a fresh correlation identifier
func MintCorrelation() string {
	return uuid.NewString()
}

// NewEvent builds an audit event stamped with the context's
// correlation identifier. Callers set TeamNodeID and Details before
// inserting. OccurredAt is assigned here so events built in sequence
// within one transaction carry monotonic timestamps.
func NewEvent(ctx context.Context, orgID string, source types.AuditSource, eventType, actor, summary string) *types.AuditEvent {
	ev := &types.AuditEvent{
		EventID:    uuid.New(),
		OrgID:      orgID,
		Source:     source,
		EventType:  eventType,
		OccurredAt: time.Now().UTC(),
		Actor:      actor,
		Summary:    summary,
		Details:    types.JSONMap{},
	}
	if id := CorrelationFrom(ctx); id != "" {
		ev.CorrelationID = &id
	}
	return ev
}

// Service queries the trail and ingests externally produced events
type Service struct {
	store storage.Store
}

// NewService creates an audit service over the given store
func NewService(store storage.Store) *Service {
	return &Service{store: store}
}

// Query returns a filtered page of events, newest first
func (s *Service) Query(ctx context.Context, orgID string, filter storage.AuditFilter) ([]*types.AuditEvent, int, error) {
	if _, err := s.store.GetOrg(ctx, orgID); err != nil {
		return nil, 0, err
	}
	return s.store.QueryAuditEvents(ctx, orgID, filter)
}

// IngestAgentEvent records an event reported by the agent
// orchestrator. Stored identically to internally produced events.
func (s *Service) IngestAgentEvent(ctx context.Context, orgID, eventType, actor, summary string, teamNodeID string, details types.JSONMap) (*types.AuditEvent, error) {
	if _, err := s.store.GetOrg(ctx, orgID); err != nil {
		return nil, err
	}
	if eventType == "" {
		return nil, types.E(types.KindInvalidInput, "event_type is required")
	}

	ev := NewEvent(ctx, orgID, types.AuditSourceAgent, eventType, actor, summary)
	if teamNodeID != "" {
		ev.TeamNodeID = &teamNodeID
	}
	if details != nil {
		ev.Details = details
	}
	if err := s.store.InsertAuditEvent(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}
