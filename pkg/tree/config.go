package tree

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/scopecfg/scopecfg/pkg/audit"
	"github.com/scopecfg/scopecfg/pkg/crypto"
	"github.com/scopecfg/scopecfg/pkg/metrics"
	"github.com/scopecfg/scopecfg/pkg/policy"
	"github.com/scopecfg/scopecfg/pkg/storage"
	"github.com/scopecfg/scopecfg/pkg/types"
)

// noteDecryptFailure counts a failed envelope decryption before the
// error propagates.
func noteDecryptFailure(err error) error {
	metrics.DecryptFailuresTotal.WithLabelValues(string(types.KindOf(err))).Inc()
	return err
}

// EffectiveConfig computes a node's merged configuration: the lineage
// root-to-leaf, each layer decrypted, then deep-merged. The lineage is
// returned alongside so callers can report which scopes contributed.
func (e *Engine) EffectiveConfig(ctx context.Context, orgID, nodeID string) (types.JSONMap, []*types.Node, error) {
	lineage, err := e.Lineage(ctx, orgID, nodeID)
	if err != nil {
		return nil, nil, err
	}

	configs, err := e.store.ListNodeConfigs(ctx, orgID)
	if err != nil {
		return nil, nil, err
	}
	byNode := make(map[string]*types.NodeConfig, len(configs))
	for _, c := range configs {
		byNode[c.NodeID] = c
	}

	layers := make([]types.JSONMap, 0, len(lineage))
	for _, n := range lineage {
		cfg, ok := byNode[n.NodeID]
		if !ok {
			continue
		}
		plain, err := e.keyring.DecryptSubtree(cfg.Config)
		if err != nil {
			noteDecryptFailure(err)
			return nil, nil, types.Wrap(types.KindOf(err), "decrypting config of node "+n.NodeID, err)
		}
		layers = append(layers, plain)
	}

	return MergeAll(layers...), lineage, nil
}

// RawConfig returns a node's local overrides only, without
// inheritance. Sensitive values are masked unless includeSecrets is
// set; nulls that shadow ancestor values are preserved either way. A
// node with no stored overrides yields an empty map.
func (e *Engine) RawConfig(ctx context.Context, orgID, nodeID string, includeSecrets bool) (types.JSONMap, *types.NodeConfig, error) {
	if _, err := e.store.GetNode(ctx, orgID, nodeID); err != nil {
		return nil, nil, err
	}

	cfg, err := e.store.GetNodeConfig(ctx, orgID, nodeID)
	if err != nil {
		if types.IsKind(err, types.KindNotFound) {
			return types.JSONMap{}, nil, nil
		}
		return nil, nil, err
	}

	if includeSecrets {
		plain, err := e.keyring.DecryptSubtree(cfg.Config)
		if err != nil {
			return nil, nil, noteDecryptFailure(err)
		}
		return plain, cfg, nil
	}
	return crypto.MaskSubtree(cfg.Config, e.sensitive), cfg, nil
}

// UpdateConfig merges a patch into a node's local overrides, subject
// to the org's security policy. Exactly one of the returned config and
// proposal is non-nil: policy may route the patch to manual approval
// instead of applying it.
func (e *Engine) UpdateConfig(ctx context.Context, orgID, nodeID string, patch types.JSONMap, actor string) (*types.NodeConfig, *types.Proposal, error) {
	node, err := e.store.GetNode(ctx, orgID, nodeID)
	if err != nil {
		return nil, nil, err
	}
	if patch == nil {
		return nil, nil, types.E(types.KindInvalidInput, "config patch body is required")
	}

	pol, err := e.store.GetPolicy(ctx, orgID)
	if err != nil && !types.IsKind(err, types.KindNotFound) {
		return nil, nil, err
	}

	verdict, err := policy.Evaluate(patch, pol)
	if err != nil {
		return nil, nil, err
	}

	if verdict == policy.NeedsApproval {
		proposal := &types.Proposal{
			ProposalID:  uuid.New(),
			OrgID:       orgID,
			NodeID:      nodeID,
			Patch:       patch.Clone(),
			Reason:      "approval required by organization policy",
			RequestedBy: actor,
			Status:      types.ProposalPending,
			CreatedAt:   time.Now().UTC(),
		}
		err := e.store.WithinTx(ctx, func(tx storage.Store) error {
			if err := tx.CreateProposal(ctx, proposal); err != nil {
				return err
			}
			ev := audit.NewEvent(ctx, orgID, types.AuditSourceConfig, types.AuditConfigProposed, actor,
				"config change for node "+nodeID+" queued for approval")
			ev.Details = types.JSONMap{"proposal_id": proposal.ProposalID.String(), "paths": patchPaths(patch)}
			if node.NodeType == types.NodeTypeTeam {
				ev.TeamNodeID = &node.NodeID
			}
			return tx.InsertAuditEvent(ctx, ev)
		})
		if err != nil {
			return nil, nil, err
		}
		return nil, proposal, nil
	}

	var updated *types.NodeConfig
	err = e.store.WithinTx(ctx, func(tx storage.Store) error {
		updated, err = e.applyPatch(ctx, tx, node, patch, actor)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return updated, nil, nil
}

// applyPatch merges the patch into the node's stored overrides and
// records the audit event. Runs inside the caller's transaction.
func (e *Engine) applyPatch(ctx context.Context, tx storage.Store, node *types.Node, patch types.JSONMap, actor string) (*types.NodeConfig, error) {
	local := types.JSONMap{}
	existing, err := tx.GetNodeConfig(ctx, node.OrgID, node.NodeID)
	if err != nil {
		if !types.IsKind(err, types.KindNotFound) {
			return nil, err
		}
	} else {
		local, err = e.keyring.DecryptSubtree(existing.Config)
		if err != nil {
			return nil, noteDecryptFailure(err)
		}
	}

	merged := MergePatch(local, patch)
	sealed, err := e.keyring.EncryptSubtree(merged, e.sensitive)
	if err != nil {
		return nil, err
	}

	cfg := &types.NodeConfig{
		OrgID:     node.OrgID,
		NodeID:    node.NodeID,
		Config:    sealed,
		UpdatedAt: time.Now().UTC(),
		UpdatedBy: actor,
	}
	if err := tx.UpsertNodeConfig(ctx, cfg); err != nil {
		return nil, err
	}

	ev := audit.NewEvent(ctx, node.OrgID, types.AuditSourceConfig, types.AuditConfigUpdated, actor,
		"config of node "+node.NodeID+" updated")
	ev.Details = types.JSONMap{"paths": patchPaths(patch)}
	if node.NodeType == types.NodeTypeTeam {
		ev.TeamNodeID = &node.NodeID
	}
	if err := tx.InsertAuditEvent(ctx, ev); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GetProposal returns one proposal
func (e *Engine) GetProposal(ctx context.Context, orgID, proposalID string) (*types.Proposal, error) {
	return e.store.GetProposal(ctx, orgID, proposalID)
}

// ListProposals returns a page of proposals, optionally filtered by
// status.
func (e *Engine) ListProposals(ctx context.Context, orgID string, status types.ProposalStatus, page storage.Page) ([]*types.Proposal, int, error) {
	if _, err := e.store.GetOrg(ctx, orgID); err != nil {
		return nil, 0, err
	}
	return e.store.ListProposals(ctx, orgID, status, page)
}

// DecideProposal approves or rejects a pending proposal. Approval
// applies the queued patch in the same transaction as the decision, so
// a decision and its effect are atomic.
func (e *Engine) DecideProposal(ctx context.Context, orgID, proposalID string, approve bool, decidedBy string) (*types.Proposal, error) {
	proposal, err := e.store.GetProposal(ctx, orgID, proposalID)
	if err != nil {
		return nil, err
	}

	status := types.ProposalRejected
	if approve {
		status = types.ProposalApproved
	}
	now := time.Now().UTC()

	err = e.store.WithinTx(ctx, func(tx storage.Store) error {
		if err := tx.DecideProposal(ctx, orgID, proposalID, status, decidedBy, now); err != nil {
			return err
		}
		if approve {
			node, err := tx.GetNode(ctx, orgID, proposal.NodeID)
			if err != nil {
				return err
			}
			if _, err := e.applyPatch(ctx, tx, node, proposal.Patch, decidedBy); err != nil {
				return err
			}
		}
		ev := audit.NewEvent(ctx, orgID, types.AuditSourceConfig, types.AuditProposalDecided, decidedBy,
			"proposal "+proposalID+" "+string(status))
		ev.Details = types.JSONMap{"proposal_id": proposalID, "status": string(status), "node_id": proposal.NodeID}
		return tx.InsertAuditEvent(ctx, ev)
	})
	if err != nil {
		return nil, err
	}

	proposal.Status = status
	proposal.DecidedBy = &decidedBy
	proposal.DecidedAt = &now
	return proposal, nil
}

// patchPaths lists the dotted paths a patch touches, for audit detail
func patchPaths(patch types.JSONMap) []any {
	flat := policy.Flatten(patch)
	paths := make([]any, len(flat))
	for i, pv := range flat {
		paths[i] = pv.Path
	}
	return paths
}
