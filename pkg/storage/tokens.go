package storage

import (
	"context"
	"time"

	"github.com/scopecfg/scopecfg/pkg/types"
)

const tokenColumns = `token_id, org_id, team_node_id, token_hash, issued_at, issued_by,
	last_used_at, expires_at, revoked_at, revoked_reason, warned_at`

// tokenRow carries the warned_at column that the domain type does not
// expose.
type tokenRow struct {
	types.Token
	WarnedAt *time.Time `db:"warned_at"`
}

func rowsToTokens(rows []tokenRow) []*types.Token {
	out := make([]*types.Token, len(rows))
	for i := range rows {
		t := rows[i].Token
		out[i] = &t
	}
	return out
}

func (s *Postgres) CreateToken(ctx context.Context, token *types.Token) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO tokens (token_id, org_id, team_node_id, token_hash, issued_at, issued_by, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		token.TokenID, token.OrgID, token.TeamNodeID, token.TokenHash,
		touchTime(token.IssuedAt), token.IssuedBy, token.ExpiresAt)
	return mapError(err)
}

func (s *Postgres) GetToken(ctx context.Context, tokenID string) (*types.Token, error) {
	var row tokenRow
	err := s.q.GetContext(ctx, &row,
		`SELECT `+tokenColumns+` FROM tokens WHERE token_id = $1`, tokenID)
	if err != nil {
		return nil, mapError(err)
	}
	return &row.Token, nil
}

func (s *Postgres) GetTokenByHash(ctx context.Context, hash []byte) (*types.Token, error) {
	var row tokenRow
	err := s.q.GetContext(ctx, &row,
		`SELECT `+tokenColumns+` FROM tokens WHERE token_hash = $1`, hash)
	if err != nil {
		return nil, mapError(err)
	}
	return &row.Token, nil
}

func (s *Postgres) ListTokensForTeam(ctx context.Context, orgID, teamNodeID string, page Page) ([]*types.Token, int, error) {
	var total int
	if err := s.q.GetContext(ctx, &total,
		`SELECT count(*) FROM tokens WHERE org_id = $1 AND team_node_id = $2`,
		orgID, teamNodeID); err != nil {
		return nil, 0, mapError(err)
	}

	rows := []tokenRow{}
	err := s.q.SelectContext(ctx, &rows,
		`SELECT `+tokenColumns+` FROM tokens
		 WHERE org_id = $1 AND team_node_id = $2
		 ORDER BY issued_at DESC, token_id
		 LIMIT $3 OFFSET $4`,
		orgID, teamNodeID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, mapError(err)
	}
	return rowsToTokens(rows), total, nil
}

func (s *Postgres) ListTokensForOrg(ctx context.Context, orgID string, page Page) ([]*types.Token, int, error) {
	var total int
	if err := s.q.GetContext(ctx, &total,
		`SELECT count(*) FROM tokens WHERE org_id = $1`, orgID); err != nil {
		return nil, 0, mapError(err)
	}

	rows := []tokenRow{}
	err := s.q.SelectContext(ctx, &rows,
		`SELECT `+tokenColumns+` FROM tokens
		 WHERE org_id = $1
		 ORDER BY issued_at DESC, token_id
		 LIMIT $2 OFFSET $3`,
		orgID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, mapError(err)
	}
	return rowsToTokens(rows), total, nil
}

func (s *Postgres) RevokeToken(ctx context.Context, tokenID, reason string, at time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE tokens SET revoked_at = $2, revoked_reason = $3
		 WHERE token_id = $1 AND revoked_at IS NULL`,
		tokenID, touchTime(at), reason)
	if err != nil {
		return false, mapError(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Postgres) RevokeTeamTokens(ctx context.Context, orgID, teamNodeID, reason string, at time.Time) ([]*types.Token, error) {
	rows := []tokenRow{}
	err := s.q.SelectContext(ctx, &rows,
		`UPDATE tokens SET revoked_at = $3, revoked_reason = $4
		 WHERE org_id = $1 AND team_node_id = $2 AND revoked_at IS NULL
		 RETURNING `+tokenColumns,
		orgID, teamNodeID, touchTime(at), reason)
	if err != nil {
		return nil, mapError(err)
	}
	return rowsToTokens(rows), nil
}

func (s *Postgres) DeleteTeamTokens(ctx context.Context, orgID, teamNodeID string) error {
	_, err := s.q.ExecContext(ctx,
		`DELETE FROM tokens WHERE org_id = $1 AND team_node_id = $2`,
		orgID, teamNodeID)
	return mapError(err)
}

func (s *Postgres) UpdateTokenLastUsed(ctx context.Context, lastUsed map[string]time.Time) error {
	for tokenID, at := range lastUsed {
		_, err := s.q.ExecContext(ctx,
			`UPDATE tokens SET last_used_at = $2
			 WHERE token_id = $1 AND (last_used_at IS NULL OR last_used_at < $2)`,
			tokenID, touchTime(at))
		if err != nil {
			return mapError(err)
		}
	}
	return nil
}

// SelectExpiredTokensForUpdate locks tokens past their expiry, either
// the explicit expires_at or the org policy's token_expiry_days
// applied to issued_at. SKIP LOCKED keeps concurrent sweepers from
// double-processing.
func (s *Postgres) SelectExpiredTokensForUpdate(ctx context.Context, now time.Time, limit int) ([]*types.Token, error) {
	rows := []tokenRow{}
	err := s.q.SelectContext(ctx, &rows,
		`SELECT t.token_id, t.org_id, t.team_node_id, t.token_hash, t.issued_at, t.issued_by,
		        t.last_used_at, t.expires_at, t.revoked_at, t.revoked_reason, t.warned_at
		 FROM tokens t
		 LEFT JOIN security_policies p ON p.org_id = t.org_id
		 WHERE t.revoked_at IS NULL
		   AND (t.expires_at <= $1
		        OR (COALESCE(p.token_expiry_days, 0) > 0
		            AND t.issued_at + make_interval(days => p.token_expiry_days) <= $1))
		 ORDER BY t.issued_at
		 LIMIT $2
		 FOR UPDATE OF t SKIP LOCKED`,
		touchTime(now), limit)
	if err != nil {
		return nil, mapError(err)
	}
	return rowsToTokens(rows), nil
}

// SelectInactiveTokensForUpdate locks tokens idle beyond the org
// policy's inactivity window.
func (s *Postgres) SelectInactiveTokensForUpdate(ctx context.Context, now time.Time, limit int) ([]*types.Token, error) {
	rows := []tokenRow{}
	err := s.q.SelectContext(ctx, &rows,
		`SELECT t.token_id, t.org_id, t.team_node_id, t.token_hash, t.issued_at, t.issued_by,
		        t.last_used_at, t.expires_at, t.revoked_at, t.revoked_reason, t.warned_at
		 FROM tokens t
		 JOIN security_policies p ON p.org_id = t.org_id
		 WHERE t.revoked_at IS NULL
		   AND p.token_revoke_inactive_days > 0
		   AND COALESCE(t.last_used_at, t.issued_at)
		       + make_interval(days => p.token_revoke_inactive_days) <= $1
		 ORDER BY t.issued_at
		 LIMIT $2
		 FOR UPDATE OF t SKIP LOCKED`,
		touchTime(now), limit)
	if err != nil {
		return nil, mapError(err)
	}
	return rowsToTokens(rows), nil
}

// SelectExpiringTokensForUpdate locks unwarned tokens inside the org
// policy's warn window.
func (s *Postgres) SelectExpiringTokensForUpdate(ctx context.Context, now time.Time, limit int) ([]*types.Token, error) {
	rows := []tokenRow{}
	err := s.q.SelectContext(ctx, &rows,
		`SELECT t.token_id, t.org_id, t.team_node_id, t.token_hash, t.issued_at, t.issued_by,
		        t.last_used_at, t.expires_at, t.revoked_at, t.revoked_reason, t.warned_at
		 FROM tokens t
		 JOIN security_policies p ON p.org_id = t.org_id
		 WHERE t.revoked_at IS NULL
		   AND t.warned_at IS NULL
		   AND p.token_warn_before_days > 0
		   AND COALESCE(t.expires_at,
		                CASE WHEN p.token_expiry_days > 0
		                     THEN t.issued_at + make_interval(days => p.token_expiry_days)
		                END)
		       <= $1 + make_interval(days => p.token_warn_before_days)
		 ORDER BY t.issued_at
		 LIMIT $2
		 FOR UPDATE OF t SKIP LOCKED`,
		touchTime(now), limit)
	if err != nil {
		return nil, mapError(err)
	}
	return rowsToTokens(rows), nil
}

func (s *Postgres) MarkTokenWarned(ctx context.Context, tokenID string, at time.Time) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE tokens SET warned_at = $2 WHERE token_id = $1`, tokenID, touchTime(at))
	return mapError(err)
}
