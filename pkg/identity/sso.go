package identity

import (
	"context"
	"time"

	"github.com/scopecfg/scopecfg/pkg/audit"
	"github.com/scopecfg/scopecfg/pkg/crypto"
	"github.com/scopecfg/scopecfg/pkg/storage"
	"github.com/scopecfg/scopecfg/pkg/types"
)

// SSO manages per-org identity-provider settings. The client secret
// is envelope-encrypted at rest and masked on every read.
type SSO struct {
	store   storage.Store
	keyring *crypto.Keyring
}

// NewSSO creates the SSO settings manager
func NewSSO(store storage.Store, keyring *crypto.Keyring) *SSO {
	return &SSO{store: store, keyring: keyring}
}

// Get returns an org's SSO settings with the client secret masked
func (s *SSO) Get(ctx context.Context, orgID string) (*types.SSOConfig, error) {
	cfg, err := s.store.GetSSOConfig(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if cfg.ClientSecret != "" {
		cfg.ClientSecret = crypto.Masked
	}
	return cfg, nil
}

// Upsert replaces an org's SSO settings. An empty incoming client
// secret keeps the stored one.
func (s *SSO) Upsert(ctx context.Context, cfg *types.SSOConfig, actor string) error {
	if _, err := s.store.GetOrg(ctx, cfg.OrgID); err != nil {
		return err
	}
	if cfg.Issuer == "" || cfg.ClientID == "" {
		return types.E(types.KindInvalidInput, "issuer and client_id are required")
	}

	if cfg.ClientSecret == "" || cfg.ClientSecret == crypto.Masked {
		existing, err := s.store.GetSSOConfig(ctx, cfg.OrgID)
		if err != nil && !types.IsKind(err, types.KindNotFound) {
			return err
		}
		if existing != nil {
			cfg.ClientSecret = existing.ClientSecret
		} else {
			cfg.ClientSecret = ""
		}
	} else if !crypto.IsEnvelope(cfg.ClientSecret) {
		sealed, err := s.keyring.Encrypt(cfg.ClientSecret)
		if err != nil {
			return err
		}
		cfg.ClientSecret = sealed
	}
	cfg.UpdatedAt = time.Now().UTC()

	return s.store.WithinTx(ctx, func(tx storage.Store) error {
		if err := tx.UpsertSSOConfig(ctx, cfg); err != nil {
			return err
		}
		ev := audit.NewEvent(ctx, cfg.OrgID, types.AuditSourceConfig, types.AuditSSOUpdated, actor,
			"SSO settings updated")
		ev.Details = types.JSONMap{"issuer": cfg.Issuer, "provider_type": cfg.ProviderType}
		return tx.InsertAuditEvent(ctx, ev)
	})
}
