package types

import (
	"time"

	"github.com/google/uuid"
)

// Organization is the root of tenant isolation. Every other entity
// carries its OrgID.
type Organization struct {
	OrgID     string    `json:"org_id" db:"org_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// NodeType classifies a node's position in the scope tree
type NodeType string

const (
	NodeTypeOrg  NodeType = "org"
	NodeTypeUnit NodeType = "unit"
	NodeTypeTeam NodeType = "team"
)

// Valid reports whether t is a known node type
func (t NodeType) Valid() bool {
	switch t {
	case NodeTypeOrg, NodeTypeUnit, NodeTypeTeam:
		return true
	}
	return false
}

// Node is a single scope in an organization's tree. Exactly one node
// per org has ParentID == nil and NodeType == org.
type Node struct {
	OrgID     string    `json:"org_id" db:"org_id"`
	NodeID    string    `json:"node_id" db:"node_id"`
	ParentID  *string   `json:"parent_id" db:"parent_id"`
	NodeType  NodeType  `json:"node_type" db:"node_type"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsRoot reports whether the node is its org's root
func (n *Node) IsRoot() bool {
	return n.ParentID == nil
}

// NodeConfig holds a node's local configuration overrides. Only the
// overrides are stored; the effective (merged) view is computed on
// read. Sensitive fields are stored as crypto envelopes.
type NodeConfig struct {
	OrgID     string    `json:"org_id" db:"org_id"`
	NodeID    string    `json:"node_id" db:"node_id"`
	Config    JSONMap   `json:"config" db:"config"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
	UpdatedBy string    `json:"updated_by" db:"updated_by"`
}

// Token is an opaque bearer credential bound to a team node. Only the
// peppered HMAC of the secret is stored; the plaintext is returned
// once at issuance and never again.
type Token struct {
	TokenID       string     `json:"token_id" db:"token_id"`
	OrgID         string     `json:"org_id" db:"org_id"`
	TeamNodeID    string     `json:"team_node_id" db:"team_node_id"`
	TokenHash     []byte     `json:"-" db:"token_hash"`
	IssuedAt      time.Time  `json:"issued_at" db:"issued_at"`
	IssuedBy      string     `json:"issued_by" db:"issued_by"`
	LastUsedAt    *time.Time `json:"last_used_at" db:"last_used_at"`
	ExpiresAt     *time.Time `json:"expires_at" db:"expires_at"`
	RevokedAt     *time.Time `json:"revoked_at" db:"revoked_at"`
	RevokedReason string     `json:"revoked_reason,omitempty" db:"revoked_reason"`
}

// Active reports whether the token is usable at the given instant
func (t *Token) Active(now time.Time) bool {
	if t.RevokedAt != nil {
		return false
	}
	return t.ExpiresAt == nil || t.ExpiresAt.After(now)
}

// AdminToken is an administrative credential. A nil OrgID means the
// token is global; otherwise it is bound to one organization.
type AdminToken struct {
	TokenID   string     `json:"token_id" db:"token_id"`
	OrgID     *string    `json:"org_id" db:"org_id"`
	TokenHash []byte     `json:"-" db:"token_hash"`
	Scopes    []string   `json:"scopes" db:"scopes"`
	Name      string     `json:"name" db:"name"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	CreatedBy string     `json:"created_by" db:"created_by"`
	RevokedAt *time.Time `json:"revoked_at" db:"revoked_at"`
}

// SSOConfig holds a single organization's OIDC provider settings.
// ClientSecret is encrypted at rest.
type SSOConfig struct {
	OrgID          string    `json:"org_id" db:"org_id"`
	ProviderType   string    `json:"provider_type" db:"provider_type"`
	Issuer         string    `json:"issuer" db:"issuer"`
	ClientID       string    `json:"client_id" db:"client_id"`
	ClientSecret   string    `json:"client_secret,omitempty" db:"client_secret"`
	AllowedDomains []string  `json:"allowed_domains" db:"allowed_domains"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// SecurityPolicy is an organization's write restrictions and token
// lifecycle policy. Zero or one row per org; zero values mean the
// corresponding control is disabled.
type SecurityPolicy struct {
	OrgID                     string             `json:"org_id" db:"org_id"`
	TokenExpiryDays           int                `json:"token_expiry_days" db:"token_expiry_days"`
	TokenWarnBeforeDays       int                `json:"token_warn_before_days" db:"token_warn_before_days"`
	TokenRevokeInactiveDays   int                `json:"token_revoke_inactive_days" db:"token_revoke_inactive_days"`
	LockedPaths               []string           `json:"locked_paths" db:"locked_paths"`
	MaxValues                 map[string]float64 `json:"max_values" db:"max_values"`
	RequireApprovalForPrompts bool               `json:"require_approval_for_prompts" db:"require_approval_for_prompts"`
	RequireApprovalForTools   bool               `json:"require_approval_for_tools" db:"require_approval_for_tools"`
	LogAllChanges             bool               `json:"log_all_changes" db:"log_all_changes"`
	UpdatedAt                 time.Time          `json:"updated_at" db:"updated_at"`
}

// ProposalStatus tracks an approval-gated change through its lifecycle
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
)

// Proposal is a config change that policy routed to manual approval
// instead of applying directly.
type Proposal struct {
	ProposalID  uuid.UUID      `json:"proposal_id" db:"proposal_id"`
	OrgID       string         `json:"org_id" db:"org_id"`
	NodeID      string         `json:"node_id" db:"node_id"`
	Patch       JSONMap        `json:"patch" db:"patch"`
	Reason      string         `json:"reason" db:"reason"`
	RequestedBy string         `json:"requested_by" db:"requested_by"`
	Status      ProposalStatus `json:"status" db:"status"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	DecidedBy   *string        `json:"decided_by" db:"decided_by"`
	DecidedAt   *time.Time     `json:"decided_at" db:"decided_at"`
}

// AuditSource identifies which subsystem produced an audit event
type AuditSource string

const (
	AuditSourceToken  AuditSource = "token"
	AuditSourceConfig AuditSource = "config"
	AuditSourceAgent  AuditSource = "agent"
)

// Audit event types emitted by the core. Agent events arrive from the
// orchestrator with their own types and are stored verbatim.
const (
	AuditNodeCreated     = "node.created"
	AuditNodeUpdated     = "node.updated"
	AuditNodeDeleted     = "node.deleted"
	AuditConfigUpdated   = "config.updated"
	AuditConfigProposed  = "config.proposed"
	AuditPolicyUpdated   = "policy.updated"
	AuditSSOUpdated      = "sso.updated"
	AuditOrgCreated      = "org.created"
	AuditOrgDeleted      = "org.deleted"
	AuditTokenIssued     = "token.issued"
	AuditTokenRevoked    = "token.revoked"
	AuditTokenWarned     = "token.warned"
	AuditProposalDecided = "proposal.decided"
)

// AuditEvent is one row of the append-only audit trail. Seq is
// assigned by the store at insert time and, together with OccurredAt,
// gives readers a total order within an org.
type AuditEvent struct {
	EventID       uuid.UUID   `json:"event_id" db:"event_id"`
	OrgID         string      `json:"org_id" db:"org_id"`
	Source        AuditSource `json:"source" db:"source"`
	EventType     string      `json:"event_type" db:"event_type"`
	OccurredAt    time.Time   `json:"occurred_at" db:"occurred_at"`
	Seq           int64       `json:"-" db:"seq"`
	Actor         string      `json:"actor" db:"actor"`
	TeamNodeID    *string     `json:"team_node_id" db:"team_node_id"`
	Summary       string      `json:"summary" db:"summary"`
	Details       JSONMap     `json:"details" db:"details"`
	CorrelationID *string     `json:"correlation_id" db:"correlation_id"`
}
