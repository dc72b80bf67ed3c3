package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/google/uuid"

	"github.com/scopecfg/scopecfg/pkg/audit"
	"github.com/scopecfg/scopecfg/pkg/storage"
	"github.com/scopecfg/scopecfg/pkg/tokens"
	"github.com/scopecfg/scopecfg/pkg/types"
)

// AdminSecretPrefix marks admin bearer secrets
const AdminSecretPrefix = "sca_"

// AdminTokens manages database-resident admin credentials
type AdminTokens struct {
	store storage.Store
	hash  func(string) []byte
}

// NewAdminTokens creates the admin-token manager. Hashing is shared
// with the team-token service so both live under one pepper.
func NewAdminTokens(store storage.Store, tokenSvc *tokens.Service) *AdminTokens {
	return &AdminTokens{store: store, hash: tokenSvc.Hash}
}

// Issue mints an admin token. orgID nil means global. The plaintext
// secret is returned once.
func (a *AdminTokens) Issue(ctx context.Context, orgID *string, scopes []string, name, actor string) (*types.AdminToken, string, error) {
	if len(scopes) == 0 {
		return nil, "", types.E(types.KindInvalidInput, "at least one scope is required")
	}
	auditOrg := ""
	if orgID != nil {
		if _, err := a.store.GetOrg(ctx, *orgID); err != nil {
			return nil, "", err
		}
		auditOrg = *orgID
	}

	raw := make([]byte, 48)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", types.Wrap(types.KindInternal, "generating admin token secret", err)
	}
	secret := AdminSecretPrefix + base64.RawURLEncoding.EncodeToString(raw)

	token := &types.AdminToken{
		TokenID:   "adm_" + uuid.NewString(),
		OrgID:     orgID,
		TokenHash: a.hash(secret),
		Scopes:    scopes,
		Name:      name,
		CreatedAt: time.Now().UTC(),
		CreatedBy: actor,
	}

	err := a.store.WithinTx(ctx, func(tx storage.Store) error {
		if err := tx.CreateAdminToken(ctx, token); err != nil {
			return err
		}
		// Global tokens have no org to file the event under.
		if auditOrg == "" {
			return nil
		}
		ev := audit.NewEvent(ctx, auditOrg, types.AuditSourceToken, types.AuditTokenIssued, actor,
			"admin token "+token.TokenID+" ("+name+") issued")
		ev.Details = types.JSONMap{"token_id": token.TokenID, "admin": true, "scopes": scopesAsAny(scopes)}
		return tx.InsertAuditEvent(ctx, ev)
	})
	if err != nil {
		return nil, "", err
	}
	return token, secret, nil
}

// List returns every admin token's metadata
func (a *AdminTokens) List(ctx context.Context) ([]*types.AdminToken, error) {
	return a.store.ListAdminTokens(ctx)
}

// Revoke deactivates an admin token and records who pulled it
func (a *AdminTokens) Revoke(ctx context.Context, tokenID, actor string) error {
	token, err := a.store.GetAdminToken(ctx, tokenID)
	if err != nil {
		return err
	}
	return a.store.WithinTx(ctx, func(tx storage.Store) error {
		if err := tx.RevokeAdminToken(ctx, tokenID, time.Now().UTC()); err != nil {
			return err
		}
		// Global tokens have no org to file the event under.
		if token.OrgID == nil {
			return nil
		}
		ev := audit.NewEvent(ctx, *token.OrgID, types.AuditSourceToken, types.AuditTokenRevoked, actor,
			"admin token "+tokenID+" ("+token.Name+") revoked")
		ev.Details = types.JSONMap{"token_id": tokenID, "admin": true}
		return tx.InsertAuditEvent(ctx, ev)
	})
}

func scopesAsAny(scopes []string) []any {
	out := make([]any, len(scopes))
	for i, s := range scopes {
		out[i] = s
	}
	return out
}
