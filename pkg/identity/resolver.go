package identity

import (
	"context"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/scopecfg/scopecfg/pkg/log"
	"github.com/scopecfg/scopecfg/pkg/storage"
	"github.com/scopecfg/scopecfg/pkg/tokens"
	"github.com/scopecfg/scopecfg/pkg/types"
)

// Resolver turns a raw bearer credential into a Principal
type Resolver struct {
	store    storage.Store
	tokens   *tokens.Service
	envAdmin string
	jwks     *JWKSCache
}

// NewResolver creates a resolver. envAdmin is the break-glass token
// from the environment; empty disables that path.
func NewResolver(store storage.Store, tokenSvc *tokens.Service, envAdmin string, jwks *JWKSCache) *Resolver {
	return &Resolver{
		store:    store,
		tokens:   tokenSvc,
		envAdmin: envAdmin,
		jwks:     jwks,
	}
}

// Resolve authenticates a bearer credential. Order: the break-glass
// env token, then SSO JWTs (recognized by shape, verified against the
// asserted org's provider), then admin tokens, then team tokens. Every
// failure collapses to Unauthenticated so callers cannot probe which
// stage rejected them.
func (r *Resolver) Resolve(ctx context.Context, bearer string) (Principal, error) {
	if bearer == "" {
		return nil, types.E(types.KindUnauthenticated, "missing bearer credential")
	}

	if r.envAdmin != "" && tokens.ConstantTimeEqual(bearer, r.envAdmin) {
		return &Admin{Kind: AuthEnvAdmin}, nil
	}

	// A JWT has exactly two dots and is never a team secret; probing
	// the shape here avoids a pointless hash lookup.
	if looksLikeJWT(bearer) {
		return r.resolveJWT(ctx, bearer)
	}

	hash := r.tokens.Hash(bearer)
	adminToken, err := r.store.GetAdminTokenByHash(ctx, hash)
	switch {
	case err == nil:
		if adminToken.RevokedAt != nil {
			return nil, types.E(types.KindUnauthenticated, "invalid token")
		}
		return &Admin{
			TokenID: adminToken.TokenID,
			OrgID:   adminToken.OrgID,
			Scopes:  adminToken.Scopes,
			Kind:    AuthAdminToken,
		}, nil
	case !types.IsKind(err, types.KindNotFound):
		return nil, err
	}

	token, err := r.tokens.Resolve(ctx, bearer)
	if err != nil {
		return nil, err
	}
	return &Team{
		OrgID:      token.OrgID,
		TeamNodeID: token.TeamNodeID,
		TokenID:    token.TokenID,
		Kind:       AuthTeamToken,
	}, nil
}

func looksLikeJWT(bearer string) bool {
	if tokens.LooksLikeSecret(bearer) {
		return false
	}
	return strings.Count(bearer, ".") == 2
}

// ssoClaims is the claim set scopecfg requires from an org's identity
// provider.
type ssoClaims struct {
	jwt.RegisteredClaims
	OrgID      string `json:"org_id"`
	UserRole   string `json:"role"`
	TeamNodeID string `json:"team_node_id"`
	Email      string `json:"email"`
}

func (r *Resolver) resolveJWT(ctx context.Context, bearer string) (Principal, error) {
	// Unverified peek to learn which org's provider to verify against.
	var peek ssoClaims
	if _, _, err := jwt.NewParser().ParseUnverified(bearer, &peek); err != nil {
		return nil, types.E(types.KindUnauthenticated, "malformed token")
	}
	if peek.OrgID == "" {
		return nil, types.E(types.KindUnauthenticated, "token carries no org_id claim")
	}

	ssoCfg, err := r.store.GetSSOConfig(ctx, peek.OrgID)
	if err != nil {
		if types.IsKind(err, types.KindNotFound) {
			return nil, types.E(types.KindUnauthenticated, "SSO is not configured for this org")
		}
		return nil, err
	}

	claims := &ssoClaims{}
	_, err = jwt.ParseWithClaims(bearer, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return r.jwks.Key(ctx, ssoCfg.Issuer, kid)
	},
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithIssuer(ssoCfg.Issuer),
		jwt.WithAudience(ssoCfg.ClientID),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if types.IsKind(err, types.KindTransient) {
			return nil, err
		}
		zl1 := log.WithOrg(peek.OrgID)
		zl1.Debug().Err(err).Msg("SSO token rejected")
		return nil, types.E(types.KindUnauthenticated, "invalid token")
	}

	if claims.OrgID != peek.OrgID {
		return nil, types.E(types.KindUnauthenticated, "invalid token")
	}
	if err := checkDomain(claims.Email, ssoCfg.AllowedDomains); err != nil {
		return nil, err
	}

	switch claims.UserRole {
	case "admin":
		org := claims.OrgID
		return &Admin{
			TokenID: claims.Subject,
			OrgID:   &org,
			Scopes:  []string{PermAdminAll},
			Kind:    AuthSSO,
		}, nil
	case "team":
		if claims.TeamNodeID == "" {
			return nil, types.E(types.KindUnauthenticated, "team token carries no team_node_id claim")
		}
		node, err := r.store.GetNode(ctx, claims.OrgID, claims.TeamNodeID)
		if err != nil {
			if types.IsKind(err, types.KindNotFound) {
				return nil, types.E(types.KindUnauthenticated, "invalid token")
			}
			return nil, err
		}
		if node.NodeType != types.NodeTypeTeam {
			return nil, types.E(types.KindUnauthenticated, "invalid token")
		}
		return &Team{
			OrgID:      claims.OrgID,
			TeamNodeID: claims.TeamNodeID,
			Kind:       AuthSSO,
		}, nil
	case "viewer", "":
		return &Viewer{OrgID: claims.OrgID, Subject: claims.Subject, Email: claims.Email}, nil
	default:
		return nil, types.Ef(types.KindUnauthenticated, "unknown role claim %q", claims.UserRole)
	}
}

func checkDomain(email string, allowed []string) error {
	if len(allowed) == 0 {
		return nil
	}
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return types.E(types.KindUnauthenticated, "token carries no usable email claim")
	}
	domain := strings.ToLower(email[at+1:])
	for _, d := range allowed {
		if strings.EqualFold(d, domain) {
			return nil
		}
	}
	return types.E(types.KindPermissionDenied, "email domain is not allowed for this org")
}
