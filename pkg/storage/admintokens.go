package storage

import (
	"context"
	"time"

	"github.com/lib/pq"

	"github.com/scopecfg/scopecfg/pkg/types"
)

type adminTokenRow struct {
	TokenID   string         `db:"token_id"`
	OrgID     *string        `db:"org_id"`
	TokenHash []byte         `db:"token_hash"`
	Scopes    pq.StringArray `db:"scopes"`
	Name      string         `db:"name"`
	CreatedAt time.Time      `db:"created_at"`
	CreatedBy string         `db:"created_by"`
	RevokedAt *time.Time     `db:"revoked_at"`
}

func (r *adminTokenRow) toType() *types.AdminToken {
	return &types.AdminToken{
		TokenID:   r.TokenID,
		OrgID:     r.OrgID,
		TokenHash: r.TokenHash,
		Scopes:    []string(r.Scopes),
		Name:      r.Name,
		CreatedAt: r.CreatedAt,
		CreatedBy: r.CreatedBy,
		RevokedAt: r.RevokedAt,
	}
}

func (s *Postgres) CreateAdminToken(ctx context.Context, token *types.AdminToken) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO admin_tokens (token_id, org_id, token_hash, scopes, name, created_at, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		token.TokenID, token.OrgID, token.TokenHash, pq.StringArray(token.Scopes),
		token.Name, touchTime(token.CreatedAt), token.CreatedBy)
	return mapError(err)
}

func (s *Postgres) GetAdminToken(ctx context.Context, tokenID string) (*types.AdminToken, error) {
	var row adminTokenRow
	err := s.q.GetContext(ctx, &row,
		`SELECT token_id, org_id, token_hash, scopes, name, created_at, created_by, revoked_at
		 FROM admin_tokens WHERE token_id = $1`, tokenID)
	if err != nil {
		return nil, mapError(err)
	}
	return row.toType(), nil
}

func (s *Postgres) GetAdminTokenByHash(ctx context.Context, hash []byte) (*types.AdminToken, error) {
	var row adminTokenRow
	err := s.q.GetContext(ctx, &row,
		`SELECT token_id, org_id, token_hash, scopes, name, created_at, created_by, revoked_at
		 FROM admin_tokens WHERE token_hash = $1`, hash)
	if err != nil {
		return nil, mapError(err)
	}
	return row.toType(), nil
}

func (s *Postgres) ListAdminTokens(ctx context.Context) ([]*types.AdminToken, error) {
	rows := []adminTokenRow{}
	err := s.q.SelectContext(ctx, &rows,
		`SELECT token_id, org_id, token_hash, scopes, name, created_at, created_by, revoked_at
		 FROM admin_tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]*types.AdminToken, len(rows))
	for i := range rows {
		out[i] = rows[i].toType()
	}
	return out, nil
}

func (s *Postgres) RevokeAdminToken(ctx context.Context, tokenID string, at time.Time) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE admin_tokens SET revoked_at = $2
		 WHERE token_id = $1 AND revoked_at IS NULL`, tokenID, touchTime(at))
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.Ef(types.KindNotFound, "admin token %q not found or already revoked", tokenID)
	}
	return nil
}
