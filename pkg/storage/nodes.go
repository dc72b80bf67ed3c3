package storage

import (
	"context"
	"time"

	"github.com/scopecfg/scopecfg/pkg/types"
)

// Organization operations

func (s *Postgres) CreateOrg(ctx context.Context, org *types.Organization) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO organizations (org_id, created_at) VALUES ($1, $2)`,
		org.OrgID, org.CreatedAt)
	return mapError(err)
}

func (s *Postgres) GetOrg(ctx context.Context, orgID string) (*types.Organization, error) {
	var org types.Organization
	err := s.q.GetContext(ctx, &org,
		`SELECT org_id, created_at FROM organizations WHERE org_id = $1`, orgID)
	if err != nil {
		return nil, mapError(err)
	}
	return &org, nil
}

func (s *Postgres) ListOrgs(ctx context.Context) ([]*types.Organization, error) {
	orgs := []*types.Organization{}
	err := s.q.SelectContext(ctx, &orgs,
		`SELECT org_id, created_at FROM organizations ORDER BY org_id`)
	if err != nil {
		return nil, mapError(err)
	}
	return orgs, nil
}

func (s *Postgres) DeleteOrg(ctx context.Context, orgID string) error {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM organizations WHERE org_id = $1`, orgID)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.Ef(types.KindNotFound, "organization %q not found", orgID)
	}
	return nil
}

// Node operations

const nodeColumns = `org_id, node_id, parent_id, node_type, name, created_at, updated_at`

func (s *Postgres) CreateNode(ctx context.Context, node *types.Node) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO nodes (org_id, node_id, parent_id, node_type, name, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		node.OrgID, node.NodeID, node.ParentID, node.NodeType, node.Name,
		node.CreatedAt, node.UpdatedAt)
	return mapError(err)
}

func (s *Postgres) GetNode(ctx context.Context, orgID, nodeID string) (*types.Node, error) {
	var node types.Node
	err := s.q.GetContext(ctx, &node,
		`SELECT `+nodeColumns+` FROM nodes WHERE org_id = $1 AND node_id = $2`,
		orgID, nodeID)
	if err != nil {
		return nil, mapError(err)
	}
	return &node, nil
}

func (s *Postgres) ListNodes(ctx context.Context, orgID string) ([]*types.Node, error) {
	nodes := []*types.Node{}
	err := s.q.SelectContext(ctx, &nodes,
		`SELECT `+nodeColumns+` FROM nodes WHERE org_id = $1 ORDER BY node_id`, orgID)
	if err != nil {
		return nil, mapError(err)
	}
	return nodes, nil
}

func (s *Postgres) ListChildren(ctx context.Context, orgID, nodeID string) ([]*types.Node, error) {
	nodes := []*types.Node{}
	err := s.q.SelectContext(ctx, &nodes,
		`SELECT `+nodeColumns+` FROM nodes WHERE org_id = $1 AND parent_id = $2 ORDER BY node_id`,
		orgID, nodeID)
	if err != nil {
		return nil, mapError(err)
	}
	return nodes, nil
}

func (s *Postgres) UpdateNode(ctx context.Context, node *types.Node) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE nodes SET parent_id = $3, name = $4, updated_at = $5
		 WHERE org_id = $1 AND node_id = $2`,
		node.OrgID, node.NodeID, node.ParentID, node.Name, node.UpdatedAt)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.Ef(types.KindNotFound, "node %q not found", node.NodeID)
	}
	return nil
}

func (s *Postgres) DeleteNode(ctx context.Context, orgID, nodeID string) error {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM nodes WHERE org_id = $1 AND node_id = $2`, orgID, nodeID)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.Ef(types.KindNotFound, "node %q not found", nodeID)
	}
	return nil
}

// Node config operations

func (s *Postgres) GetNodeConfig(ctx context.Context, orgID, nodeID string) (*types.NodeConfig, error) {
	var cfg types.NodeConfig
	err := s.q.GetContext(ctx, &cfg,
		`SELECT org_id, node_id, config, updated_at, updated_by
		 FROM node_configs WHERE org_id = $1 AND node_id = $2`, orgID, nodeID)
	if err != nil {
		return nil, mapError(err)
	}
	return &cfg, nil
}

func (s *Postgres) ListNodeConfigs(ctx context.Context, orgID string) ([]*types.NodeConfig, error) {
	cfgs := []*types.NodeConfig{}
	err := s.q.SelectContext(ctx, &cfgs,
		`SELECT org_id, node_id, config, updated_at, updated_by
		 FROM node_configs WHERE org_id = $1 ORDER BY node_id`, orgID)
	if err != nil {
		return nil, mapError(err)
	}
	return cfgs, nil
}

func (s *Postgres) UpsertNodeConfig(ctx context.Context, cfg *types.NodeConfig) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO node_configs (org_id, node_id, config, updated_at, updated_by)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (org_id, node_id)
		 DO UPDATE SET config = EXCLUDED.config,
		               updated_at = EXCLUDED.updated_at,
		               updated_by = EXCLUDED.updated_by`,
		cfg.OrgID, cfg.NodeID, cfg.Config, cfg.UpdatedAt, cfg.UpdatedBy)
	return mapError(err)
}

func (s *Postgres) DeleteNodeConfig(ctx context.Context, orgID, nodeID string) error {
	_, err := s.q.ExecContext(ctx,
		`DELETE FROM node_configs WHERE org_id = $1 AND node_id = $2`, orgID, nodeID)
	return mapError(err)
}

// touchTime truncates to microseconds to match timestamptz precision,
// so values written and read back compare equal.
func touchTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
