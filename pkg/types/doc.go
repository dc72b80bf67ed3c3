/*
Package types defines the core data structures used throughout scopecfg.

This package contains the domain model for the configuration service:
organizations, scope tree nodes, node configurations, team and admin
tokens, SSO provider configuration, security policies, pending change
proposals, and audit events. It also defines the shared error taxonomy
that storage, engines and the HTTP layer communicate with.

# Core Types

Tree:
  - Organization: tenant root; every other entity is scoped by OrgID
  - Node: a scope in the org tree (org, unit or team)
  - NodeConfig: a node's local configuration overrides (JSON object)

Credentials:
  - Token: opaque bearer credential bound to a team node
  - AdminToken: org-scoped or global admin credential with permission scopes
  - SSOConfig: per-org OIDC identity provider settings

Governance:
  - SecurityPolicy: org-wide write restrictions and token lifecycle policy
  - Proposal: a policy-gated config change awaiting approval
  - AuditEvent: one row of the append-only audit trail

# Error Taxonomy

All layers report failures as *types.Error carrying a Kind. The HTTP
layer maps kinds to status codes at the boundary; nothing below it
needs to know about HTTP.

Enumeration Pattern:

	All enums use typed string constants for safety and clarity:
	  type NodeType string
	  const (
	      NodeTypeOrg  NodeType = "org"
	      NodeTypeTeam NodeType = "team"
	  )

# Thread Safety

Types are read-safe; mutations must be synchronized by callers. The
storage layer owns synchronization for persisted state.
*/
package types
