package tree

import (
	"context"
	"time"

	"github.com/scopecfg/scopecfg/pkg/audit"
	"github.com/scopecfg/scopecfg/pkg/crypto"
	"github.com/scopecfg/scopecfg/pkg/log"
	"github.com/scopecfg/scopecfg/pkg/storage"
	"github.com/scopecfg/scopecfg/pkg/types"
)

// Engine owns the scope tree and its configuration inheritance
type Engine struct {
	store     storage.Store
	keyring   *crypto.Keyring
	sensitive crypto.SensitiveSet
	maxDepth  int
}

// NewEngine creates a tree engine
func NewEngine(store storage.Store, keyring *crypto.Keyring, sensitive crypto.SensitiveSet, maxDepth int) *Engine {
	return &Engine{
		store:     store,
		keyring:   keyring,
		sensitive: sensitive,
		maxDepth:  maxDepth,
	}
}

// CreateOrg creates an organization
func (e *Engine) CreateOrg(ctx context.Context, orgID, actor string) (*types.Organization, error) {
	if orgID == "" {
		return nil, types.E(types.KindInvalidInput, "org_id is required")
	}
	org := &types.Organization{OrgID: orgID, CreatedAt: time.Now().UTC()}

	err := e.store.WithinTx(ctx, func(tx storage.Store) error {
		if err := tx.CreateOrg(ctx, org); err != nil {
			return err
		}
		ev := audit.NewEvent(ctx, orgID, types.AuditSourceConfig, types.AuditOrgCreated, actor,
			"organization "+orgID+" created")
		return tx.InsertAuditEvent(ctx, ev)
	})
	if err != nil {
		return nil, err
	}
	return org, nil
}

// DeleteOrg removes an empty organization. Orgs that still have
// nodes are refused.
func (e *Engine) DeleteOrg(ctx context.Context, orgID, actor string) error {
	nodes, err := e.store.ListNodes(ctx, orgID)
	if err != nil {
		return err
	}
	if len(nodes) > 0 {
		return types.Ef(types.KindConflict, "organization %q still has %d nodes", orgID, len(nodes))
	}
	return e.store.WithinTx(ctx, func(tx storage.Store) error {
		if err := tx.DeleteOrg(ctx, orgID); err != nil {
			return err
		}
		ev := audit.NewEvent(ctx, orgID, types.AuditSourceConfig, types.AuditOrgDeleted, actor,
			"organization "+orgID+" deleted")
		return tx.InsertAuditEvent(ctx, ev)
	})
}

// CreateNode adds a node to the org's tree
func (e *Engine) CreateNode(ctx context.Context, orgID, nodeID string, parentID *string, nodeType types.NodeType, name, actor string) (*types.Node, error) {
	if nodeID == "" {
		return nil, types.E(types.KindInvalidInput, "node_id is required")
	}
	if !nodeType.Valid() {
		return nil, types.Ef(types.KindInvalidInput, "invalid node_type %q", nodeType)
	}
	if _, err := e.store.GetOrg(ctx, orgID); err != nil {
		return nil, err
	}

	if nodeType == types.NodeTypeOrg {
		if parentID != nil {
			return nil, types.E(types.KindInvalidInput, "an org root cannot have a parent")
		}
		nodes, err := e.store.ListNodes(ctx, orgID)
		if err != nil {
			return nil, err
		}
		for _, n := range nodes {
			if n.IsRoot() {
				return nil, types.Ef(types.KindInvalidInput, "org %q already has a root node %q", orgID, n.NodeID)
			}
		}
	} else {
		if parentID == nil {
			return nil, types.Ef(types.KindInvalidInput, "node_type %q requires a parent", nodeType)
		}
		parent, err := e.store.GetNode(ctx, orgID, *parentID)
		if err != nil {
			if types.IsKind(err, types.KindNotFound) {
				return nil, types.Ef(types.KindInvalidInput, "parent %q does not exist in org %q", *parentID, orgID)
			}
			return nil, err
		}
		if err := validNesting(parent.NodeType, nodeType); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	node := &types.Node{
		OrgID:     orgID,
		NodeID:    nodeID,
		ParentID:  parentID,
		NodeType:  nodeType,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := e.store.WithinTx(ctx, func(tx storage.Store) error {
		if err := tx.CreateNode(ctx, node); err != nil {
			return err
		}
		ev := audit.NewEvent(ctx, orgID, types.AuditSourceConfig, types.AuditNodeCreated, actor,
			"node "+nodeID+" ("+string(nodeType)+") created")
		ev.Details = types.JSONMap{"node_id": nodeID, "node_type": string(nodeType), "name": name}
		if nodeType == types.NodeTypeTeam {
			ev.TeamNodeID = &node.NodeID
		}
		return tx.InsertAuditEvent(ctx, ev)
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// UpdateNodeParams carries the mutable node fields. Nil means leave
// unchanged.
type UpdateNodeParams struct {
	Name     *string
	ParentID *string
}

// UpdateNode renames or reparents a node. Reparenting onto the node
// itself or any of its descendants is refused, so the tree can never
// acquire a cycle.
func (e *Engine) UpdateNode(ctx context.Context, orgID, nodeID string, params UpdateNodeParams, actor string) (*types.Node, error) {
	node, err := e.store.GetNode(ctx, orgID, nodeID)
	if err != nil {
		return nil, err
	}

	if params.Name != nil {
		node.Name = *params.Name
	}

	if params.ParentID != nil {
		newParent := *params.ParentID
		if node.IsRoot() {
			// Every node descends from the root, so any new parent
			// would close a cycle.
			return nil, types.E(types.KindConflict, "reparenting the org root would create a cycle")
		}
		if newParent == nodeID {
			return nil, types.E(types.KindConflict, "reparenting a node onto itself would create a cycle")
		}

		parent, err := e.store.GetNode(ctx, orgID, newParent)
		if err != nil {
			if types.IsKind(err, types.KindNotFound) {
				return nil, types.Ef(types.KindInvalidInput, "parent %q does not exist in org %q", newParent, orgID)
			}
			return nil, err
		}
		if err := validNesting(parent.NodeType, node.NodeType); err != nil {
			return nil, err
		}

		index, err := e.nodeIndex(ctx, orgID)
		if err != nil {
			return nil, err
		}
		if descendants(index, nodeID)[newParent] {
			return nil, types.Ef(types.KindConflict,
				"reparenting %q under its descendant %q would create a cycle", nodeID, newParent)
		}
		node.ParentID = &newParent
	}

	node.UpdatedAt = time.Now().UTC()

	err = e.store.WithinTx(ctx, func(tx storage.Store) error {
		if err := tx.UpdateNode(ctx, node); err != nil {
			return err
		}
		ev := audit.NewEvent(ctx, orgID, types.AuditSourceConfig, types.AuditNodeUpdated, actor,
			"node "+nodeID+" updated")
		if node.NodeType == types.NodeTypeTeam {
			ev.TeamNodeID = &node.NodeID
		}
		return tx.InsertAuditEvent(ctx, ev)
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// DeleteNode removes a leaf node. Nodes with children are refused:
// subtrees are never deleted implicitly. Deleting a team node revokes
// its tokens and removes their rows in the same transaction; the
// revocations stay on the audit trail.
func (e *Engine) DeleteNode(ctx context.Context, orgID, nodeID, actor string) error {
	node, err := e.store.GetNode(ctx, orgID, nodeID)
	if err != nil {
		return err
	}

	children, err := e.store.ListChildren(ctx, orgID, nodeID)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return types.Ef(types.KindConflict, "node %q has %d children; delete or move them first", nodeID, len(children))
	}

	return e.store.WithinTx(ctx, func(tx storage.Store) error {
		if node.NodeType == types.NodeTypeTeam {
			revoked, err := tx.RevokeTeamTokens(ctx, orgID, nodeID, "team deleted", time.Now().UTC())
			if err != nil {
				return err
			}
			for _, tok := range revoked {
				ev := audit.NewEvent(ctx, orgID, types.AuditSourceToken, types.AuditTokenRevoked, actor,
					"token "+tok.TokenID+" revoked: team deleted")
				ev.TeamNodeID = &node.NodeID
				ev.Details = types.JSONMap{"token_id": tok.TokenID, "reason": "team deleted"}
				if err := tx.InsertAuditEvent(ctx, ev); err != nil {
					return err
				}
			}
			// The rows reference the team node and would block its
			// deletion.
			if err := tx.DeleteTeamTokens(ctx, orgID, nodeID); err != nil {
				return err
			}
		}
		if err := tx.DeleteNodeConfig(ctx, orgID, nodeID); err != nil {
			return err
		}
		if err := tx.DeleteNode(ctx, orgID, nodeID); err != nil {
			return err
		}
		ev := audit.NewEvent(ctx, orgID, types.AuditSourceConfig, types.AuditNodeDeleted, actor,
			"node "+nodeID+" deleted")
		if node.NodeType == types.NodeTypeTeam {
			ev.TeamNodeID = &node.NodeID
		}
		return tx.InsertAuditEvent(ctx, ev)
	})
}

// GetNode returns one node
func (e *Engine) GetNode(ctx context.Context, orgID, nodeID string) (*types.Node, error) {
	return e.store.GetNode(ctx, orgID, nodeID)
}

// ListNodes returns every node in the org
func (e *Engine) ListNodes(ctx context.Context, orgID string) ([]*types.Node, error) {
	if _, err := e.store.GetOrg(ctx, orgID); err != nil {
		return nil, err
	}
	return e.store.ListNodes(ctx, orgID)
}

// Children returns a node's direct children
func (e *Engine) Children(ctx context.Context, orgID, nodeID string) ([]*types.Node, error) {
	if _, err := e.store.GetNode(ctx, orgID, nodeID); err != nil {
		return nil, err
	}
	return e.store.ListChildren(ctx, orgID, nodeID)
}

// Lineage returns the path from the org root to the node, inclusive.
// A lineage longer than the configured maximum depth means the stored
// tree is corrupt and is reported as an internal fault.
func (e *Engine) Lineage(ctx context.Context, orgID, nodeID string) ([]*types.Node, error) {
	index, err := e.nodeIndex(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return e.lineageFrom(index, orgID, nodeID)
}

func (e *Engine) lineageFrom(index map[string]*types.Node, orgID, nodeID string) ([]*types.Node, error) {
	node, ok := index[nodeID]
	if !ok {
		return nil, types.Ef(types.KindNotFound, "node %q not found in org %q", nodeID, orgID)
	}

	var reversed []*types.Node
	for depth := 0; ; depth++ {
		if depth >= e.maxDepth {
			zl1 := log.WithNode(orgID, nodeID)
			zl1.Error().Int("max_depth", e.maxDepth).
				Msg("lineage exceeds maximum depth; tree data is corrupt")
			return nil, types.Ef(types.KindInternal,
				"lineage of %q exceeds maximum depth %d", nodeID, e.maxDepth)
		}
		reversed = append(reversed, node)
		if node.ParentID == nil {
			break
		}
		parent, ok := index[*node.ParentID]
		if !ok {
			return nil, types.Ef(types.KindInternal, "node %q references missing parent %q", node.NodeID, *node.ParentID)
		}
		node = parent
	}

	lineage := make([]*types.Node, len(reversed))
	for i, n := range reversed {
		lineage[len(reversed)-1-i] = n
	}
	return lineage, nil
}

// nodeIndex loads the org's nodes into a map for lineage and
// descendant walks.
func (e *Engine) nodeIndex(ctx context.Context, orgID string) (map[string]*types.Node, error) {
	if _, err := e.store.GetOrg(ctx, orgID); err != nil {
		return nil, err
	}
	nodes, err := e.store.ListNodes(ctx, orgID)
	if err != nil {
		return nil, err
	}
	index := make(map[string]*types.Node, len(nodes))
	for _, n := range nodes {
		index[n.NodeID] = n
	}
	return index, nil
}

// descendants returns the set of node ids strictly below nodeID
func descendants(index map[string]*types.Node, nodeID string) map[string]bool {
	children := make(map[string][]string, len(index))
	for _, n := range index {
		if n.ParentID != nil {
			children[*n.ParentID] = append(children[*n.ParentID], n.NodeID)
		}
	}

	out := make(map[string]bool)
	stack := append([]string(nil), children[nodeID]...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if out[id] {
			continue
		}
		out[id] = true
		stack = append(stack, children[id]...)
	}
	return out
}

// validNesting enforces the org → unit → team ordering. Units may
// nest under units for deeper hierarchies; teams are always leaves.
func validNesting(parent, child types.NodeType) error {
	switch child {
	case types.NodeTypeUnit:
		if parent == types.NodeTypeOrg || parent == types.NodeTypeUnit {
			return nil
		}
	case types.NodeTypeTeam:
		if parent == types.NodeTypeOrg || parent == types.NodeTypeUnit {
			return nil
		}
	}
	return types.Ef(types.KindInvalidInput, "a %s node cannot nest under a %s node", child, parent)
}
