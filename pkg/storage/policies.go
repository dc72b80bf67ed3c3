package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	"github.com/scopecfg/scopecfg/pkg/types"
)

type policyRow struct {
	OrgID                     string         `db:"org_id"`
	TokenExpiryDays           int            `db:"token_expiry_days"`
	TokenWarnBeforeDays       int            `db:"token_warn_before_days"`
	TokenRevokeInactiveDays   int            `db:"token_revoke_inactive_days"`
	LockedPaths               pq.StringArray `db:"locked_paths"`
	MaxValues                 []byte         `db:"max_values"`
	RequireApprovalForPrompts bool           `db:"require_approval_for_prompts"`
	RequireApprovalForTools   bool           `db:"require_approval_for_tools"`
	LogAllChanges             bool           `db:"log_all_changes"`
	UpdatedAt                 time.Time      `db:"updated_at"`
}

func (r *policyRow) toType() (*types.SecurityPolicy, error) {
	maxValues := map[string]float64{}
	if len(r.MaxValues) > 0 {
		if err := json.Unmarshal(r.MaxValues, &maxValues); err != nil {
			return nil, types.Wrap(types.KindInternal, "corrupt max_values column", err)
		}
	}
	return &types.SecurityPolicy{
		OrgID:                     r.OrgID,
		TokenExpiryDays:           r.TokenExpiryDays,
		TokenWarnBeforeDays:       r.TokenWarnBeforeDays,
		TokenRevokeInactiveDays:   r.TokenRevokeInactiveDays,
		LockedPaths:               []string(r.LockedPaths),
		MaxValues:                 maxValues,
		RequireApprovalForPrompts: r.RequireApprovalForPrompts,
		RequireApprovalForTools:   r.RequireApprovalForTools,
		LogAllChanges:             r.LogAllChanges,
		UpdatedAt:                 r.UpdatedAt,
	}, nil
}

func (s *Postgres) GetPolicy(ctx context.Context, orgID string) (*types.SecurityPolicy, error) {
	var row policyRow
	err := s.q.GetContext(ctx, &row,
		`SELECT org_id, token_expiry_days, token_warn_before_days, token_revoke_inactive_days,
		        locked_paths, max_values, require_approval_for_prompts,
		        require_approval_for_tools, log_all_changes, updated_at
		 FROM security_policies WHERE org_id = $1`, orgID)
	if err != nil {
		return nil, mapError(err)
	}
	return row.toType()
}

func (s *Postgres) UpsertPolicy(ctx context.Context, policy *types.SecurityPolicy) error {
	maxValues, err := json.Marshal(policy.MaxValues)
	if err != nil {
		return types.Wrap(types.KindInvalidInput, "unserializable max_values", err)
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO security_policies
		     (org_id, token_expiry_days, token_warn_before_days, token_revoke_inactive_days,
		      locked_paths, max_values, require_approval_for_prompts,
		      require_approval_for_tools, log_all_changes, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (org_id) DO UPDATE SET
		     token_expiry_days = EXCLUDED.token_expiry_days,
		     token_warn_before_days = EXCLUDED.token_warn_before_days,
		     token_revoke_inactive_days = EXCLUDED.token_revoke_inactive_days,
		     locked_paths = EXCLUDED.locked_paths,
		     max_values = EXCLUDED.max_values,
		     require_approval_for_prompts = EXCLUDED.require_approval_for_prompts,
		     require_approval_for_tools = EXCLUDED.require_approval_for_tools,
		     log_all_changes = EXCLUDED.log_all_changes,
		     updated_at = EXCLUDED.updated_at`,
		policy.OrgID, policy.TokenExpiryDays, policy.TokenWarnBeforeDays,
		policy.TokenRevokeInactiveDays, pq.StringArray(policy.LockedPaths), maxValues,
		policy.RequireApprovalForPrompts, policy.RequireApprovalForTools,
		policy.LogAllChanges, touchTime(policy.UpdatedAt))
	return mapError(err)
}
