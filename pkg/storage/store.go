package storage

import (
	"context"
	"time"

	"github.com/scopecfg/scopecfg/pkg/types"
)

// AuditFilter narrows an audit query. Zero values mean "no filter".
type AuditFilter struct {
	Sources    []types.AuditSource
	TeamNodeID string
	Since      time.Time
	Until      time.Time
	Search     string
	Limit      int
	Offset     int
}

// Page bounds a token or proposal listing
type Page struct {
	Limit  int
	Offset int
}

// Store defines the persistence interface for scopecfg state.
// Implemented by the Postgres store; tests substitute in-memory
// fakes.
type Store interface {
	// WithinTx runs fn against a Store bound to a single
	// transaction. fn returning an error rolls everything back.
	WithinTx(ctx context.Context, fn func(tx Store) error) error

	// Organizations
	CreateOrg(ctx context.Context, org *types.Organization) error
	GetOrg(ctx context.Context, orgID string) (*types.Organization, error)
	ListOrgs(ctx context.Context) ([]*types.Organization, error)
	DeleteOrg(ctx context.Context, orgID string) error

	// Nodes
	CreateNode(ctx context.Context, node *types.Node) error
	GetNode(ctx context.Context, orgID, nodeID string) (*types.Node, error)
	ListNodes(ctx context.Context, orgID string) ([]*types.Node, error)
	ListChildren(ctx context.Context, orgID, nodeID string) ([]*types.Node, error)
	UpdateNode(ctx context.Context, node *types.Node) error
	DeleteNode(ctx context.Context, orgID, nodeID string) error

	// Node configs
	GetNodeConfig(ctx context.Context, orgID, nodeID string) (*types.NodeConfig, error)
	ListNodeConfigs(ctx context.Context, orgID string) ([]*types.NodeConfig, error)
	UpsertNodeConfig(ctx context.Context, cfg *types.NodeConfig) error
	DeleteNodeConfig(ctx context.Context, orgID, nodeID string) error

	// Team tokens
	CreateToken(ctx context.Context, token *types.Token) error
	GetToken(ctx context.Context, tokenID string) (*types.Token, error)
	GetTokenByHash(ctx context.Context, hash []byte) (*types.Token, error)
	ListTokensForTeam(ctx context.Context, orgID, teamNodeID string, page Page) ([]*types.Token, int, error)
	ListTokensForOrg(ctx context.Context, orgID string, page Page) ([]*types.Token, int, error)
	// RevokeToken is idempotent; it reports whether this call
	// performed the revocation.
	RevokeToken(ctx context.Context, tokenID, reason string, at time.Time) (bool, error)
	RevokeTeamTokens(ctx context.Context, orgID, teamNodeID, reason string, at time.Time) ([]*types.Token, error)
	// DeleteTeamTokens removes a team's token rows. They reference
	// the team node, so the node cannot be dropped while they exist.
	DeleteTeamTokens(ctx context.Context, orgID, teamNodeID string) error
	UpdateTokenLastUsed(ctx context.Context, lastUsed map[string]time.Time) error
	// Sweep selects lock rows with FOR UPDATE SKIP LOCKED so
	// concurrent replicas never process the same token.
	SelectExpiredTokensForUpdate(ctx context.Context, now time.Time, limit int) ([]*types.Token, error)
	SelectInactiveTokensForUpdate(ctx context.Context, now time.Time, limit int) ([]*types.Token, error)
	SelectExpiringTokensForUpdate(ctx context.Context, now time.Time, limit int) ([]*types.Token, error)
	MarkTokenWarned(ctx context.Context, tokenID string, at time.Time) error

	// Admin tokens
	CreateAdminToken(ctx context.Context, token *types.AdminToken) error
	GetAdminToken(ctx context.Context, tokenID string) (*types.AdminToken, error)
	GetAdminTokenByHash(ctx context.Context, hash []byte) (*types.AdminToken, error)
	ListAdminTokens(ctx context.Context) ([]*types.AdminToken, error)
	RevokeAdminToken(ctx context.Context, tokenID string, at time.Time) error

	// SSO
	GetSSOConfig(ctx context.Context, orgID string) (*types.SSOConfig, error)
	UpsertSSOConfig(ctx context.Context, cfg *types.SSOConfig) error

	// Security policies
	GetPolicy(ctx context.Context, orgID string) (*types.SecurityPolicy, error)
	UpsertPolicy(ctx context.Context, policy *types.SecurityPolicy) error

	// Audit
	InsertAuditEvent(ctx context.Context, event *types.AuditEvent) error
	QueryAuditEvents(ctx context.Context, orgID string, filter AuditFilter) ([]*types.AuditEvent, int, error)

	// Proposals
	CreateProposal(ctx context.Context, p *types.Proposal) error
	GetProposal(ctx context.Context, orgID string, proposalID string) (*types.Proposal, error)
	ListProposals(ctx context.Context, orgID string, status types.ProposalStatus, page Page) ([]*types.Proposal, int, error)
	DecideProposal(ctx context.Context, orgID, proposalID string, status types.ProposalStatus, decidedBy string, at time.Time) error

	// Utility
	Ping(ctx context.Context) error
	Close() error
}
