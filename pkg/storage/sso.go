package storage

import (
	"context"
	"time"

	"github.com/lib/pq"

	"github.com/scopecfg/scopecfg/pkg/types"
)

type ssoRow struct {
	OrgID          string         `db:"org_id"`
	ProviderType   string         `db:"provider_type"`
	Issuer         string         `db:"issuer"`
	ClientID       string         `db:"client_id"`
	ClientSecret   string         `db:"client_secret"`
	AllowedDomains pq.StringArray `db:"allowed_domains"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (s *Postgres) GetSSOConfig(ctx context.Context, orgID string) (*types.SSOConfig, error) {
	var row ssoRow
	err := s.q.GetContext(ctx, &row,
		`SELECT org_id, provider_type, issuer, client_id, client_secret, allowed_domains, updated_at
		 FROM sso_configs WHERE org_id = $1`, orgID)
	if err != nil {
		return nil, mapError(err)
	}
	return &types.SSOConfig{
		OrgID:          row.OrgID,
		ProviderType:   row.ProviderType,
		Issuer:         row.Issuer,
		ClientID:       row.ClientID,
		ClientSecret:   row.ClientSecret,
		AllowedDomains: []string(row.AllowedDomains),
		UpdatedAt:      row.UpdatedAt,
	}, nil
}

func (s *Postgres) UpsertSSOConfig(ctx context.Context, cfg *types.SSOConfig) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO sso_configs (org_id, provider_type, issuer, client_id, client_secret, allowed_domains, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (org_id) DO UPDATE SET
		     provider_type = EXCLUDED.provider_type,
		     issuer = EXCLUDED.issuer,
		     client_id = EXCLUDED.client_id,
		     client_secret = EXCLUDED.client_secret,
		     allowed_domains = EXCLUDED.allowed_domains,
		     updated_at = EXCLUDED.updated_at`,
		cfg.OrgID, cfg.ProviderType, cfg.Issuer, cfg.ClientID, cfg.ClientSecret,
		pq.StringArray(cfg.AllowedDomains), touchTime(cfg.UpdatedAt))
	return mapError(err)
}
