package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/scopecfg/scopecfg/pkg/types"
)

// Memory is an in-process Store for tests and local development. It
// mirrors the Postgres store's semantics (conflict detection, the
// single-root rule, policy-derived token expiry) but offers no
// transaction isolation: WithinTx runs fn against the same store, so a
// failing fn does not roll back earlier writes.
type Memory struct {
	mu sync.Mutex

	orgs      map[string]*types.Organization
	nodes     map[string]map[string]*types.Node
	configs   map[string]map[string]*types.NodeConfig
	tokens    map[string]*types.Token
	warned    map[string]time.Time
	admins    map[string]*types.AdminToken
	sso       map[string]*types.SSOConfig
	policies  map[string]*types.SecurityPolicy
	audit     []*types.AuditEvent
	seq       int64
	proposals map[string]map[string]*types.Proposal
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		orgs:      make(map[string]*types.Organization),
		nodes:     make(map[string]map[string]*types.Node),
		configs:   make(map[string]map[string]*types.NodeConfig),
		tokens:    make(map[string]*types.Token),
		warned:    make(map[string]time.Time),
		admins:    make(map[string]*types.AdminToken),
		sso:       make(map[string]*types.SSOConfig),
		policies:  make(map[string]*types.SecurityPolicy),
		proposals: make(map[string]map[string]*types.Proposal),
	}
}

func (m *Memory) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	return fn(m)
}

func (m *Memory) CreateOrg(ctx context.Context, org *types.Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orgs[org.OrgID]; ok {
		return types.Ef(types.KindConflict, "organization %q already exists", org.OrgID)
	}
	cp := *org
	m.orgs[org.OrgID] = &cp
	return nil
}

func (m *Memory) GetOrg(ctx context.Context, orgID string) (*types.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	org, ok := m.orgs[orgID]
	if !ok {
		return nil, types.Ef(types.KindNotFound, "organization %q not found", orgID)
	}
	cp := *org
	return &cp, nil
}

func (m *Memory) ListOrgs(ctx context.Context) ([]*types.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Organization, 0, len(m.orgs))
	for _, org := range m.orgs {
		cp := *org
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrgID < out[j].OrgID })
	return out, nil
}

func (m *Memory) DeleteOrg(ctx context.Context, orgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orgs[orgID]; !ok {
		return types.Ef(types.KindNotFound, "organization %q not found", orgID)
	}
	delete(m.orgs, orgID)
	delete(m.nodes, orgID)
	delete(m.configs, orgID)
	delete(m.policies, orgID)
	delete(m.sso, orgID)
	delete(m.proposals, orgID)
	return nil
}

func (m *Memory) CreateNode(ctx context.Context, node *types.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	orgNodes := m.nodes[node.OrgID]
	if orgNodes == nil {
		orgNodes = make(map[string]*types.Node)
		m.nodes[node.OrgID] = orgNodes
	}
	if _, ok := orgNodes[node.NodeID]; ok {
		return types.Ef(types.KindConflict, "node %q already exists in org %q", node.NodeID, node.OrgID)
	}
	if node.ParentID == nil {
		for _, n := range orgNodes {
			if n.ParentID == nil {
				return types.Ef(types.KindConflict, "org %q already has a root node %q", node.OrgID, n.NodeID)
			}
		}
	}
	cp := *node
	orgNodes[node.NodeID] = &cp
	return nil
}

func (m *Memory) GetNode(ctx context.Context, orgID, nodeID string) (*types.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[orgID][nodeID]
	if !ok {
		return nil, types.Ef(types.KindNotFound, "node %q not found in org %q", nodeID, orgID)
	}
	cp := *node
	return &cp, nil
}

func (m *Memory) ListNodes(ctx context.Context, orgID string) ([]*types.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Node, 0, len(m.nodes[orgID]))
	for _, n := range m.nodes[orgID] {
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (m *Memory) ListChildren(ctx context.Context, orgID, nodeID string) ([]*types.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Node
	for _, n := range m.nodes[orgID] {
		if n.ParentID != nil && *n.ParentID == nodeID {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (m *Memory) UpdateNode(ctx context.Context, node *types.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[node.OrgID][node.NodeID]; !ok {
		return types.Ef(types.KindNotFound, "node %q not found in org %q", node.NodeID, node.OrgID)
	}
	cp := *node
	m.nodes[node.OrgID][node.NodeID] = &cp
	return nil
}

func (m *Memory) DeleteNode(ctx context.Context, orgID, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[orgID][nodeID]; !ok {
		return types.Ef(types.KindNotFound, "node %q not found in org %q", nodeID, orgID)
	}
	for _, n := range m.nodes[orgID] {
		if n.ParentID != nil && *n.ParentID == nodeID {
			return types.Ef(types.KindConflict, "node %q still has children", nodeID)
		}
	}
	// Token rows reference their team node, as the SQL schema enforces.
	for _, t := range m.tokens {
		if t.OrgID == orgID && t.TeamNodeID == nodeID {
			return types.Ef(types.KindFKViolation, "node %q is still referenced by token %q", nodeID, t.TokenID)
		}
	}
	delete(m.nodes[orgID], nodeID)
	return nil
}

func (m *Memory) GetNodeConfig(ctx context.Context, orgID, nodeID string) (*types.NodeConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[orgID][nodeID]
	if !ok {
		return nil, types.Ef(types.KindNotFound, "no config stored for node %q", nodeID)
	}
	cp := *cfg
	cp.Config = cfg.Config.Clone()
	return &cp, nil
}

func (m *Memory) ListNodeConfigs(ctx context.Context, orgID string) ([]*types.NodeConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.NodeConfig, 0, len(m.configs[orgID]))
	for _, cfg := range m.configs[orgID] {
		cp := *cfg
		cp.Config = cfg.Config.Clone()
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (m *Memory) UpsertNodeConfig(ctx context.Context, cfg *types.NodeConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	orgConfigs := m.configs[cfg.OrgID]
	if orgConfigs == nil {
		orgConfigs = make(map[string]*types.NodeConfig)
		m.configs[cfg.OrgID] = orgConfigs
	}
	cp := *cfg
	cp.Config = cfg.Config.Clone()
	orgConfigs[cfg.NodeID] = &cp
	return nil
}

func (m *Memory) DeleteNodeConfig(ctx context.Context, orgID, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.configs[orgID], nodeID)
	return nil
}

func (m *Memory) CreateToken(ctx context.Context, token *types.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[token.TokenID]; ok {
		return types.Ef(types.KindConflict, "token %q already exists", token.TokenID)
	}
	for _, t := range m.tokens {
		if bytes.Equal(t.TokenHash, token.TokenHash) {
			return types.E(types.KindConflict, "token hash collision")
		}
	}
	cp := *token
	m.tokens[token.TokenID] = &cp
	return nil
}

func (m *Memory) GetToken(ctx context.Context, tokenID string) (*types.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[tokenID]
	if !ok {
		return nil, types.Ef(types.KindNotFound, "token %q not found", tokenID)
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) GetTokenByHash(ctx context.Context, hash []byte) (*types.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if bytes.Equal(t.TokenHash, hash) {
			cp := *t
			return &cp, nil
		}
	}
	return nil, types.E(types.KindNotFound, "token not found")
}

func (m *Memory) listTokens(match func(*types.Token) bool, page Page) ([]*types.Token, int) {
	var all []*types.Token
	for _, t := range m.tokens {
		if match(t) {
			cp := *t
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].IssuedAt.Equal(all[j].IssuedAt) {
			return all[i].TokenID < all[j].TokenID
		}
		return all[i].IssuedAt.After(all[j].IssuedAt)
	})
	total := len(all)
	if page.Offset >= len(all) {
		return nil, total
	}
	all = all[page.Offset:]
	if page.Limit > 0 && page.Limit < len(all) {
		all = all[:page.Limit]
	}
	return all, total
}

func (m *Memory) ListTokensForTeam(ctx context.Context, orgID, teamNodeID string, page Page) ([]*types.Token, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, total := m.listTokens(func(t *types.Token) bool {
		return t.OrgID == orgID && t.TeamNodeID == teamNodeID
	}, page)
	return out, total, nil
}

func (m *Memory) ListTokensForOrg(ctx context.Context, orgID string, page Page) ([]*types.Token, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, total := m.listTokens(func(t *types.Token) bool { return t.OrgID == orgID }, page)
	return out, total, nil
}

func (m *Memory) RevokeToken(ctx context.Context, tokenID, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[tokenID]
	if !ok {
		return false, types.Ef(types.KindNotFound, "token %q not found", tokenID)
	}
	if t.RevokedAt != nil {
		return false, nil
	}
	t.RevokedAt = &at
	t.RevokedReason = reason
	return true, nil
}

func (m *Memory) RevokeTeamTokens(ctx context.Context, orgID, teamNodeID, reason string, at time.Time) ([]*types.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var revoked []*types.Token
	for _, t := range m.tokens {
		if t.OrgID == orgID && t.TeamNodeID == teamNodeID && t.RevokedAt == nil {
			t.RevokedAt = &at
			t.RevokedReason = reason
			cp := *t
			revoked = append(revoked, &cp)
		}
	}
	sort.Slice(revoked, func(i, j int) bool { return revoked[i].TokenID < revoked[j].TokenID })
	return revoked, nil
}

func (m *Memory) DeleteTeamTokens(ctx context.Context, orgID, teamNodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tokens {
		if t.OrgID == orgID && t.TeamNodeID == teamNodeID {
			delete(m.tokens, id)
			delete(m.warned, id)
		}
	}
	return nil
}

func (m *Memory) UpdateTokenLastUsed(ctx context.Context, lastUsed map[string]time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, at := range lastUsed {
		if t, ok := m.tokens[id]; ok {
			cp := at
			t.LastUsedAt = &cp
		}
	}
	return nil
}

// effectiveExpiry mirrors the SQL sweep's policy-derived expiry: the
// earlier of the token's own expires_at and issued_at plus the org
// policy's token_expiry_days.
func (m *Memory) effectiveExpiry(t *types.Token) *time.Time {
	expiry := t.ExpiresAt
	if pol, ok := m.policies[t.OrgID]; ok && pol.TokenExpiryDays > 0 {
		derived := t.IssuedAt.AddDate(0, 0, pol.TokenExpiryDays)
		if expiry == nil || derived.Before(*expiry) {
			expiry = &derived
		}
	}
	return expiry
}

func (m *Memory) selectTokens(match func(*types.Token) bool, limit int) []*types.Token {
	var out []*types.Token
	for _, t := range m.tokens {
		if t.RevokedAt == nil && match(t) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

func (m *Memory) SelectExpiredTokensForUpdate(ctx context.Context, now time.Time, limit int) ([]*types.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectTokens(func(t *types.Token) bool {
		expiry := m.effectiveExpiry(t)
		return expiry != nil && !expiry.After(now)
	}, limit), nil
}

func (m *Memory) SelectInactiveTokensForUpdate(ctx context.Context, now time.Time, limit int) ([]*types.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectTokens(func(t *types.Token) bool {
		pol, ok := m.policies[t.OrgID]
		if !ok || pol.TokenRevokeInactiveDays <= 0 {
			return false
		}
		lastUsed := t.IssuedAt
		if t.LastUsedAt != nil {
			lastUsed = *t.LastUsedAt
		}
		return !lastUsed.AddDate(0, 0, pol.TokenRevokeInactiveDays).After(now)
	}, limit), nil
}

func (m *Memory) SelectExpiringTokensForUpdate(ctx context.Context, now time.Time, limit int) ([]*types.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectTokens(func(t *types.Token) bool {
		pol, ok := m.policies[t.OrgID]
		if !ok || pol.TokenWarnBeforeDays <= 0 {
			return false
		}
		if _, alreadyWarned := m.warned[t.TokenID]; alreadyWarned {
			return false
		}
		expiry := m.effectiveExpiry(t)
		if expiry == nil || !expiry.After(now) {
			return false
		}
		return !now.AddDate(0, 0, pol.TokenWarnBeforeDays).Before(*expiry)
	}, limit), nil
}

func (m *Memory) MarkTokenWarned(ctx context.Context, tokenID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[tokenID]; !ok {
		return types.Ef(types.KindNotFound, "token %q not found", tokenID)
	}
	m.warned[tokenID] = at
	return nil
}

func (m *Memory) CreateAdminToken(ctx context.Context, token *types.AdminToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.admins[token.TokenID]; ok {
		return types.Ef(types.KindConflict, "admin token %q already exists", token.TokenID)
	}
	cp := *token
	m.admins[token.TokenID] = &cp
	return nil
}

func (m *Memory) GetAdminToken(ctx context.Context, tokenID string) (*types.AdminToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.admins[tokenID]
	if !ok {
		return nil, types.Ef(types.KindNotFound, "admin token %q not found", tokenID)
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) GetAdminTokenByHash(ctx context.Context, hash []byte) (*types.AdminToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.admins {
		if bytes.Equal(t.TokenHash, hash) {
			cp := *t
			return &cp, nil
		}
	}
	return nil, types.E(types.KindNotFound, "admin token not found")
}

func (m *Memory) ListAdminTokens(ctx context.Context) ([]*types.AdminToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.AdminToken, 0, len(m.admins))
	for _, t := range m.admins {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out, nil
}

func (m *Memory) RevokeAdminToken(ctx context.Context, tokenID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.admins[tokenID]
	if !ok || t.RevokedAt != nil {
		return types.Ef(types.KindNotFound, "admin token %q not found or already revoked", tokenID)
	}
	t.RevokedAt = &at
	return nil
}

func (m *Memory) GetSSOConfig(ctx context.Context, orgID string) (*types.SSOConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.sso[orgID]
	if !ok {
		return nil, types.Ef(types.KindNotFound, "no SSO config for org %q", orgID)
	}
	cp := *cfg
	return &cp, nil
}

func (m *Memory) UpsertSSOConfig(ctx context.Context, cfg *types.SSOConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cfg
	m.sso[cfg.OrgID] = &cp
	return nil
}

func (m *Memory) GetPolicy(ctx context.Context, orgID string) (*types.SecurityPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pol, ok := m.policies[orgID]
	if !ok {
		return nil, types.Ef(types.KindNotFound, "no security policy for org %q", orgID)
	}
	cp := *pol
	return &cp, nil
}

func (m *Memory) UpsertPolicy(ctx context.Context, policy *types.SecurityPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *policy
	m.policies[policy.OrgID] = &cp
	return nil
}

func (m *Memory) InsertAuditEvent(ctx context.Context, event *types.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	cp := *event
	cp.Seq = m.seq
	cp.Details = event.Details.Clone()
	m.audit = append(m.audit, &cp)
	event.Seq = m.seq
	return nil
}

func (m *Memory) QueryAuditEvents(ctx context.Context, orgID string, filter AuditFilter) ([]*types.AuditEvent, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []*types.AuditEvent
	for _, ev := range m.audit {
		if ev.OrgID != orgID {
			continue
		}
		if len(filter.Sources) > 0 && !containsSource(filter.Sources, ev.Source) {
			continue
		}
		if filter.TeamNodeID != "" && (ev.TeamNodeID == nil || *ev.TeamNodeID != filter.TeamNodeID) {
			continue
		}
		if !filter.Since.IsZero() && ev.OccurredAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && !ev.OccurredAt.Before(filter.Until) {
			continue
		}
		if filter.Search != "" && !auditSearchMatch(ev, filter.Search) {
			continue
		}
		cp := *ev
		all = append(all, &cp)
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].OccurredAt.Equal(all[j].OccurredAt) {
			return all[i].Seq > all[j].Seq
		}
		return all[i].OccurredAt.After(all[j].OccurredAt)
	})

	total := len(all)
	if filter.Offset >= len(all) {
		return nil, total, nil
	}
	all = all[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(all) {
		all = all[:filter.Limit]
	}
	return all, total, nil
}

// auditSearchMatch mirrors the SQL store's search, which scans both
// the summary and the details JSON.
func auditSearchMatch(ev *types.AuditEvent, search string) bool {
	needle := strings.ToLower(search)
	if strings.Contains(strings.ToLower(ev.Summary), needle) {
		return true
	}
	if len(ev.Details) == 0 {
		return false
	}
	raw, err := json.Marshal(ev.Details)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(raw)), needle)
}

func containsSource(sources []types.AuditSource, s types.AuditSource) bool {
	for _, src := range sources {
		if src == s {
			return true
		}
	}
	return false
}

func (m *Memory) CreateProposal(ctx context.Context, p *types.Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	orgProposals := m.proposals[p.OrgID]
	if orgProposals == nil {
		orgProposals = make(map[string]*types.Proposal)
		m.proposals[p.OrgID] = orgProposals
	}
	id := p.ProposalID.String()
	if _, ok := orgProposals[id]; ok {
		return types.Ef(types.KindConflict, "proposal %q already exists", id)
	}
	cp := *p
	cp.Patch = p.Patch.Clone()
	orgProposals[id] = &cp
	return nil
}

func (m *Memory) GetProposal(ctx context.Context, orgID, proposalID string) (*types.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[orgID][proposalID]
	if !ok {
		return nil, types.Ef(types.KindNotFound, "proposal %q not found", proposalID)
	}
	cp := *p
	cp.Patch = p.Patch.Clone()
	return &cp, nil
}

func (m *Memory) ListProposals(ctx context.Context, orgID string, status types.ProposalStatus, page Page) ([]*types.Proposal, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*types.Proposal
	for _, p := range m.proposals[orgID] {
		if status != "" && p.Status != status {
			continue
		}
		cp := *p
		cp.Patch = p.Patch.Clone()
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ProposalID.String() < all[j].ProposalID.String()
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	total := len(all)
	if page.Offset >= len(all) {
		return nil, total, nil
	}
	all = all[page.Offset:]
	if page.Limit > 0 && page.Limit < len(all) {
		all = all[:page.Limit]
	}
	return all, total, nil
}

func (m *Memory) DecideProposal(ctx context.Context, orgID, proposalID string, status types.ProposalStatus, decidedBy string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[orgID][proposalID]
	if !ok {
		return types.Ef(types.KindNotFound, "proposal %q not found", proposalID)
	}
	if p.Status != types.ProposalPending {
		return types.Ef(types.KindConflict, "proposal %q is already %s", proposalID, p.Status)
	}
	p.Status = status
	p.DecidedBy = &decidedBy
	p.DecidedAt = &at
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
