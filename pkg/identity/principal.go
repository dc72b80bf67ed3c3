package identity

import (
	"strings"

	"github.com/scopecfg/scopecfg/pkg/types"
)

// Role is a principal's coarse classification
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleTeam   Role = "team"
	RoleViewer Role = "viewer"
)

// AuthKind names which credential path authenticated the request
type AuthKind string

const (
	AuthEnvAdmin   AuthKind = "env_admin"
	AuthAdminToken AuthKind = "admin_token"
	AuthTeamToken  AuthKind = "team_token"
	AuthSSO        AuthKind = "sso"
)

// Permission strings. admin:* matches everything.
const (
	PermAdminAll   = "admin:*"
	PermConfigRead = "config:read"
	// PermConfigWriteSelf allows writes only to the caller's own team
	// node or its descendants.
	PermConfigWriteSelf = "config:write:self"
)

// Principal is the resolved identity behind a bearer credential.
// Exactly three variants exist: Admin, Team, and Viewer.
type Principal interface {
	Role() Role
	AuthKind() AuthKind
	// Actor is the string recorded in audit events
	Actor() string
	Permissions() []string
	sealed()
}

// Admin is an administrative principal. A nil OrgID means the
// credential is global; otherwise every operation is restricted to
// that org.
type Admin struct {
	TokenID string
	OrgID   *string
	Scopes  []string
	Kind    AuthKind
}

func (a *Admin) Role() Role         { return RoleAdmin }
func (a *Admin) AuthKind() AuthKind { return a.Kind }
func (a *Admin) Permissions() []string {
	if a.Kind == AuthEnvAdmin {
		return []string{PermAdminAll}
	}
	return a.Scopes
}
func (a *Admin) Actor() string {
	if a.Kind == AuthEnvAdmin {
		return "env-admin"
	}
	if a.Kind == AuthSSO {
		return "sso-admin:" + a.TokenID
	}
	return "admin:" + a.TokenID
}
func (a *Admin) sealed() {}

// Team is a principal scoped to one team node. Token-backed teams
// carry the token id; SSO-asserted teams carry none.
type Team struct {
	OrgID      string
	TeamNodeID string
	TokenID    string
	Kind       AuthKind
}

func (t *Team) Role() Role            { return RoleTeam }
func (t *Team) AuthKind() AuthKind    { return t.Kind }
func (t *Team) Permissions() []string { return []string{PermConfigRead, PermConfigWriteSelf} }
func (t *Team) Actor() string         { return "team:" + t.TeamNodeID }
func (t *Team) sealed()               {}

// Viewer is a read-only SSO principal
type Viewer struct {
	OrgID   string
	Subject string
	Email   string
}

func (v *Viewer) Role() Role            { return RoleViewer }
func (v *Viewer) AuthKind() AuthKind    { return AuthSSO }
func (v *Viewer) Permissions() []string { return []string{PermConfigRead} }
func (v *Viewer) Actor() string {
	if v.Email != "" {
		return "sso:" + v.Email
	}
	return "sso:" + v.Subject
}
func (v *Viewer) sealed() {}

// Allows reports whether the principal's permission set grants the
// required permission. admin:* grants everything; a granted entry
// ending in ":*" matches any required permission sharing its prefix.
func Allows(p Principal, required string) bool {
	for _, granted := range p.Permissions() {
		if granted == PermAdminAll || granted == required {
			return true
		}
		if prefix, ok := strings.CutSuffix(granted, ":*"); ok && strings.HasPrefix(required, prefix+":") {
			return true
		}
	}
	return false
}

// HasAdminAll reports whether the principal carries the unrestricted
// admin:* permission. Raw config reads reveal secrets only to these.
func HasAdminAll(p Principal) bool {
	for _, granted := range p.Permissions() {
		if granted == PermAdminAll {
			return true
		}
	}
	return false
}

// OrgAllowed reports whether the principal may operate on the org at
// all. Global admins may touch any org; everyone else is pinned to
// their own.
func OrgAllowed(p Principal, orgID string) bool {
	switch t := p.(type) {
	case *Admin:
		return t.OrgID == nil || *t.OrgID == orgID
	case *Team:
		return t.OrgID == orgID
	case *Viewer:
		return t.OrgID == orgID
	}
	return false
}

// CanWriteNode decides config-write authorization for a target node.
// isDescendant reports whether node is strictly below ancestor in the
// caller's org tree; it is only consulted for team principals.
func CanWriteNode(p Principal, orgID, nodeID string, isDescendant func(ancestor, node string) bool) error {
	if !OrgAllowed(p, orgID) {
		return types.Ef(types.KindPermissionDenied, "credential is not valid for org %q", orgID)
	}
	if Allows(p, "config:write") || HasAdminAll(p) {
		return nil
	}
	if Allows(p, PermConfigWriteSelf) {
		team, ok := p.(*Team)
		if !ok {
			return types.E(types.KindPermissionDenied, "config:write:self requires a team credential")
		}
		if team.TeamNodeID == nodeID || isDescendant(team.TeamNodeID, nodeID) {
			return nil
		}
		return types.Ef(types.KindPermissionDenied, "team %q cannot write config of node %q", team.TeamNodeID, nodeID)
	}
	return types.E(types.KindPermissionDenied, "missing config write permission")
}
