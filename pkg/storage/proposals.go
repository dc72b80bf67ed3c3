package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/scopecfg/scopecfg/pkg/types"
)

const proposalColumns = `proposal_id, org_id, node_id, patch, reason, requested_by, status,
	created_at, decided_by, decided_at`

func (s *Postgres) CreateProposal(ctx context.Context, p *types.Proposal) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO proposals (proposal_id, org_id, node_id, patch, reason, requested_by, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ProposalID, p.OrgID, p.NodeID, p.Patch, p.Reason, p.RequestedBy,
		p.Status, touchTime(p.CreatedAt))
	return mapError(err)
}

func (s *Postgres) GetProposal(ctx context.Context, orgID, proposalID string) (*types.Proposal, error) {
	var p types.Proposal
	err := s.q.GetContext(ctx, &p,
		`SELECT `+proposalColumns+` FROM proposals WHERE org_id = $1 AND proposal_id = $2`,
		orgID, proposalID)
	if err != nil {
		return nil, mapError(err)
	}
	return &p, nil
}

func (s *Postgres) ListProposals(ctx context.Context, orgID string, status types.ProposalStatus, page Page) ([]*types.Proposal, int, error) {
	where := `org_id = $1`
	args := []any{orgID}
	if status != "" {
		where += ` AND status = $2`
		args = append(args, status)
	}

	var total int
	if err := s.q.GetContext(ctx, &total,
		`SELECT count(*) FROM proposals WHERE `+where, args...); err != nil {
		return nil, 0, mapError(err)
	}

	args = append(args, page.Limit, page.Offset)
	proposals := []*types.Proposal{}
	err := s.q.SelectContext(ctx, &proposals,
		`SELECT `+proposalColumns+` FROM proposals WHERE `+where+
			` ORDER BY created_at DESC LIMIT $`+strconv.Itoa(len(args)-1)+` OFFSET $`+strconv.Itoa(len(args)),
		args...)
	if err != nil {
		return nil, 0, mapError(err)
	}
	return proposals, total, nil
}

func (s *Postgres) DecideProposal(ctx context.Context, orgID, proposalID string, status types.ProposalStatus, decidedBy string, at time.Time) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE proposals SET status = $3, decided_by = $4, decided_at = $5
		 WHERE org_id = $1 AND proposal_id = $2 AND status = 'pending'`,
		orgID, proposalID, status, decidedBy, touchTime(at))
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.Ef(types.KindConflict, "proposal %q is not pending", proposalID)
	}
	return nil
}
