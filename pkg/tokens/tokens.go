package tokens

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scopecfg/scopecfg/pkg/audit"
	"github.com/scopecfg/scopecfg/pkg/log"
	"github.com/scopecfg/scopecfg/pkg/storage"
	"github.com/scopecfg/scopecfg/pkg/types"
)

// SecretPrefix marks team bearer secrets so they are recognizable in
// scanners and never confused with JWTs.
const SecretPrefix = "sct_"

const secretBytes = 48

// Service issues and resolves team tokens
type Service struct {
	store    storage.Store
	pepper   []byte
	lastUsed *lastUsedBuffer
}

// NewService creates a token service. flushInterval bounds how long a
// last-used update may sit in memory before being written back.
func NewService(store storage.Store, pepper []byte, flushInterval time.Duration) *Service {
	return &Service{
		store:    store,
		pepper:   pepper,
		lastUsed: newLastUsedBuffer(store, flushInterval),
	}
}

// Stop flushes pending last-used updates and halts the background
// writer. Call on shutdown.
func (s *Service) Stop() {
	s.lastUsed.Stop()
}

// Hash computes the peppered HMAC of a bearer secret. Deterministic,
// so the stored value is directly indexable.
func (s *Service) Hash(secret string) []byte {
	mac := hmac.New(sha256.New, s.pepper)
	mac.Write([]byte(secret))
	return mac.Sum(nil)
}

// Issue mints a token for a team node. The plaintext secret is
// returned exactly once; only its hash is stored.
func (s *Service) Issue(ctx context.Context, orgID, teamNodeID string, expiresAt *time.Time, issuedBy string) (*types.Token, string, error) {
	node, err := s.store.GetNode(ctx, orgID, teamNodeID)
	if err != nil {
		return nil, "", err
	}
	if node.NodeType != types.NodeTypeTeam {
		return nil, "", types.Ef(types.KindInvalidInput, "tokens can only be issued to team nodes, %q is a %s", teamNodeID, node.NodeType)
	}
	if expiresAt != nil && !expiresAt.After(time.Now()) {
		return nil, "", types.E(types.KindInvalidInput, "expires_at is in the past")
	}

	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", types.Wrap(types.KindInternal, "generating token secret", err)
	}
	secret := SecretPrefix + base64.RawURLEncoding.EncodeToString(raw)

	token := &types.Token{
		TokenID:    "tok_" + uuid.NewString(),
		OrgID:      orgID,
		TeamNodeID: teamNodeID,
		TokenHash:  s.Hash(secret),
		IssuedAt:   time.Now().UTC(),
		IssuedBy:   issuedBy,
		ExpiresAt:  expiresAt,
	}

	err = s.store.WithinTx(ctx, func(tx storage.Store) error {
		if err := tx.CreateToken(ctx, token); err != nil {
			return err
		}
		ev := audit.NewEvent(ctx, orgID, types.AuditSourceToken, types.AuditTokenIssued, issuedBy,
			"token "+token.TokenID+" issued for team "+teamNodeID)
		ev.TeamNodeID = &token.TeamNodeID
		ev.Details = types.JSONMap{"token_id": token.TokenID}
		return tx.InsertAuditEvent(ctx, ev)
	})
	if err != nil {
		return nil, "", err
	}

	zl1 := log.WithTokenID(token.TokenID)
	zl1.Info().
		Str("org_id", orgID).Str("team_node_id", teamNodeID).Msg("token issued")
	return token, secret, nil
}

// Resolve authenticates a presented bearer secret. Revoked and unknown
// secrets fail identically so callers cannot distinguish them. A token
// found to be past its effective expiry is revoked in place before the
// failure is returned.
func (s *Service) Resolve(ctx context.Context, secret string) (*types.Token, error) {
	token, err := s.store.GetTokenByHash(ctx, s.Hash(secret))
	if err != nil {
		if types.IsKind(err, types.KindNotFound) {
			return nil, types.E(types.KindUnauthenticated, "invalid token")
		}
		return nil, err
	}
	if token.RevokedAt != nil {
		return nil, types.E(types.KindUnauthenticated, "invalid token")
	}

	now := time.Now().UTC()
	expiry, err := s.effectiveExpiry(ctx, token)
	if err != nil {
		return nil, err
	}
	if expiry != nil && !expiry.After(now) {
		if err := s.revokeExpired(ctx, token, now); err != nil {
			zl2 := log.WithTokenID(token.TokenID)
			zl2.Error().Err(err).Msg("revoking expired token on read")
		}
		return nil, types.E(types.KindUnauthenticated, "invalid token")
	}

	s.lastUsed.Note(token.TokenID, now)
	return token, nil
}

// effectiveExpiry is the earlier of the token's own expires_at and the
// expiry the org policy derives from issued_at.
func (s *Service) effectiveExpiry(ctx context.Context, token *types.Token) (*time.Time, error) {
	expiry := token.ExpiresAt
	pol, err := s.store.GetPolicy(ctx, token.OrgID)
	if err != nil {
		if types.IsKind(err, types.KindNotFound) {
			return expiry, nil
		}
		return nil, err
	}
	if pol.TokenExpiryDays > 0 {
		derived := token.IssuedAt.AddDate(0, 0, pol.TokenExpiryDays)
		if expiry == nil || derived.Before(*expiry) {
			expiry = &derived
		}
	}
	return expiry, nil
}

func (s *Service) revokeExpired(ctx context.Context, token *types.Token, now time.Time) error {
	return s.store.WithinTx(ctx, func(tx storage.Store) error {
		performed, err := tx.RevokeToken(ctx, token.TokenID, "expired", now)
		if err != nil || !performed {
			return err
		}
		ev := audit.NewEvent(ctx, token.OrgID, types.AuditSourceToken, types.AuditTokenRevoked, "system",
			"token "+token.TokenID+" revoked: expired")
		ev.TeamNodeID = &token.TeamNodeID
		ev.Details = types.JSONMap{"token_id": token.TokenID, "reason": "expired"}
		return tx.InsertAuditEvent(ctx, ev)
	})
}

// Revoke deactivates a token. Idempotent: revoking an already revoked
// token succeeds without a second audit event.
func (s *Service) Revoke(ctx context.Context, tokenID, reason, actor string) error {
	token, err := s.store.GetToken(ctx, tokenID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "revoked by operator"
	}
	return s.store.WithinTx(ctx, func(tx storage.Store) error {
		performed, err := tx.RevokeToken(ctx, tokenID, reason, time.Now().UTC())
		if err != nil || !performed {
			return err
		}
		ev := audit.NewEvent(ctx, token.OrgID, types.AuditSourceToken, types.AuditTokenRevoked, actor,
			"token "+tokenID+" revoked: "+reason)
		ev.TeamNodeID = &token.TeamNodeID
		ev.Details = types.JSONMap{"token_id": tokenID, "reason": reason}
		return tx.InsertAuditEvent(ctx, ev)
	})
}

// ListForTeam returns a page of a team's tokens, newest first
func (s *Service) ListForTeam(ctx context.Context, orgID, teamNodeID string, page storage.Page) ([]*types.Token, int, error) {
	node, err := s.store.GetNode(ctx, orgID, teamNodeID)
	if err != nil {
		return nil, 0, err
	}
	if node.NodeType != types.NodeTypeTeam {
		return nil, 0, types.Ef(types.KindInvalidInput, "%q is not a team node", teamNodeID)
	}
	return s.store.ListTokensForTeam(ctx, orgID, teamNodeID, page)
}

// ListForOrg returns a page of every token in the org, newest first
func (s *Service) ListForOrg(ctx context.Context, orgID string, page storage.Page) ([]*types.Token, int, error) {
	if _, err := s.store.GetOrg(ctx, orgID); err != nil {
		return nil, 0, err
	}
	return s.store.ListTokensForOrg(ctx, orgID, page)
}

// Get returns one token's metadata
func (s *Service) Get(ctx context.Context, tokenID string) (*types.Token, error) {
	return s.store.GetToken(ctx, tokenID)
}

// LooksLikeSecret reports whether a bearer credential has the shape of
// a team token secret.
func LooksLikeSecret(credential string) bool {
	return strings.HasPrefix(credential, SecretPrefix)
}

// ConstantTimeEqual compares two secrets without leaking length-prefix
// timing. Used for the environment admin token check.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
