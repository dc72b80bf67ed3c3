package tree

import (
	"context"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/scopecfg/scopecfg/pkg/crypto"
	"github.com/scopecfg/scopecfg/pkg/log"
	"github.com/scopecfg/scopecfg/pkg/metrics"
	"github.com/scopecfg/scopecfg/pkg/storage"
	"github.com/scopecfg/scopecfg/pkg/types"
)

func testKeyring(t *testing.T, fill byte) *crypto.Keyring {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = fill
	}
	kr, err := crypto.NewKeyring(key)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	return kr
}

func testSensitive() crypto.SensitiveSet {
	return crypto.NewSensitiveSet([]string{"token", "api_key", "password", "client_secret"})
}

func newTestEngine(t *testing.T) (*Engine, *storage.Memory) {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	mem := storage.NewMemory()
	return NewEngine(mem, testKeyring(t, 1), testSensitive(), 32), mem
}

func strptr(s string) *string { return &s }

// seedTree builds acme (org root) -> eng (unit) -> sre (team) plus a
// sibling team ops under the root.
func seedTree(t *testing.T, e *Engine) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.CreateOrg(ctx, "acme", "admin"); err != nil {
		t.Fatalf("CreateOrg: %v", err)
	}
	mustCreate := func(nodeID string, parent *string, nt types.NodeType) {
		if _, err := e.CreateNode(ctx, "acme", nodeID, parent, nt, nodeID, "admin"); err != nil {
			t.Fatalf("CreateNode(%s): %v", nodeID, err)
		}
	}
	mustCreate("acme", nil, types.NodeTypeOrg)
	mustCreate("eng", strptr("acme"), types.NodeTypeUnit)
	mustCreate("sre", strptr("eng"), types.NodeTypeTeam)
	mustCreate("ops", strptr("acme"), types.NodeTypeTeam)
}

func TestCreateNodeNesting(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	seedTree(t, e)

	tests := []struct {
		name     string
		nodeID   string
		parent   *string
		nodeType types.NodeType
		wantKind types.Kind
	}{
		{"second root rejected", "acme2", nil, types.NodeTypeOrg, types.KindInvalidInput},
		{"team under team rejected", "subteam", strptr("sre"), types.NodeTypeTeam, types.KindInvalidInput},
		{"unit under team rejected", "subunit", strptr("sre"), types.NodeTypeUnit, types.KindInvalidInput},
		{"missing parent rejected", "orphan", strptr("nope"), types.NodeTypeTeam, types.KindInvalidInput},
		{"org with parent rejected", "root2", strptr("eng"), types.NodeTypeOrg, types.KindInvalidInput},
		{"duplicate id rejected", "eng", strptr("acme"), types.NodeTypeUnit, types.KindConflict},
		{"unit under unit allowed", "platform", strptr("eng"), types.NodeTypeUnit, ""},
		{"team under unit allowed", "dbre", strptr("eng"), types.NodeTypeTeam, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.CreateNode(ctx, "acme", tt.nodeID, tt.parent, tt.nodeType, tt.nodeID, "admin")
			if tt.wantKind == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !types.IsKind(err, tt.wantKind) {
				t.Fatalf("got %v, want kind %s", err, tt.wantKind)
			}
		})
	}
}

func TestLineage(t *testing.T) {
	e, _ := newTestEngine(t)
	seedTree(t, e)

	lineage, err := e.Lineage(context.Background(), "acme", "sre")
	if err != nil {
		t.Fatalf("Lineage: %v", err)
	}
	var ids []string
	for _, n := range lineage {
		ids = append(ids, n.NodeID)
	}
	if !reflect.DeepEqual(ids, []string{"acme", "eng", "sre"}) {
		t.Errorf("lineage = %v, want [acme eng sre]", ids)
	}
}

func TestLineageDepthBound(t *testing.T) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	mem := storage.NewMemory()
	e := NewEngine(mem, testKeyring(t, 1), testSensitive(), 3)
	ctx := context.Background()

	if _, err := e.CreateOrg(ctx, "acme", "admin"); err != nil {
		t.Fatal(err)
	}
	parent := ""
	for i, id := range []string{"acme", "u1", "u2", "u3"} {
		nt := types.NodeTypeUnit
		var p *string
		if i == 0 {
			nt = types.NodeTypeOrg
		} else {
			p = strptr(parent)
		}
		if _, err := e.CreateNode(ctx, "acme", id, p, nt, id, "admin"); err != nil {
			t.Fatalf("CreateNode(%s): %v", id, err)
		}
		parent = id
	}

	_, err := e.Lineage(ctx, "acme", "u3")
	if err == nil || !types.IsKind(err, types.KindInternal) {
		t.Fatalf("got %v, want internal error for over-deep lineage", err)
	}
}

func TestEffectiveConfigInheritance(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	seedTree(t, e)

	patches := map[string]types.JSONMap{
		"acme": {"grafana": map[string]any{"url": "https://grafana.acme.example", "timeout": float64(30)}},
		"eng":  {"grafana": map[string]any{"timeout": float64(60)}},
		"sre":  {"grafana": map[string]any{"dashboard": "sre-main", "token": "sk_live_sre"}},
	}
	for nodeID, patch := range patches {
		if _, _, err := e.UpdateConfig(ctx, "acme", nodeID, patch, "admin"); err != nil {
			t.Fatalf("UpdateConfig(%s): %v", nodeID, err)
		}
	}

	got, lineage, err := e.EffectiveConfig(ctx, "acme", "sre")
	if err != nil {
		t.Fatalf("EffectiveConfig: %v", err)
	}
	if len(lineage) != 3 {
		t.Fatalf("lineage length = %d, want 3", len(lineage))
	}

	want := types.JSONMap{
		"grafana": map[string]any{
			"url":       "https://grafana.acme.example",
			"timeout":   float64(60),
			"dashboard": "sre-main",
			"token":     "sk_live_sre",
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("EffectiveConfig = %#v, want %#v", got, want)
	}
}

func TestEffectiveConfigNullShadowsAncestor(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	seedTree(t, e)

	if _, _, err := e.UpdateConfig(ctx, "acme", "acme",
		types.JSONMap{"slack": map[string]any{"channel": "#general"}}, "admin"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.UpdateConfig(ctx, "acme", "sre",
		types.JSONMap{"slack": nil}, "admin"); err != nil {
		t.Fatal(err)
	}

	got, _, err := e.EffectiveConfig(ctx, "acme", "sre")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got["slack"]; ok {
		t.Errorf("null override did not shadow the inherited key: %#v", got)
	}

	// The sibling still inherits.
	sibling, _, err := e.EffectiveConfig(ctx, "acme", "ops")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := sibling["slack"]; !ok {
		t.Error("sibling lost the inherited key")
	}

	// The raw view keeps the null so the override is visible.
	raw, _, err := e.RawConfig(ctx, "acme", "sre", false)
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := raw["slack"]; !ok || v != nil {
		t.Errorf("raw view lost the null override: %#v", raw)
	}
}

func TestRawConfigMasking(t *testing.T) {
	e, mem := newTestEngine(t)
	ctx := context.Background()
	seedTree(t, e)

	patch := types.JSONMap{"grafana": map[string]any{"url": "https://g/", "token": "sk_live_X"}}
	if _, _, err := e.UpdateConfig(ctx, "acme", "sre", patch, "admin"); err != nil {
		t.Fatal(err)
	}

	// Stored form is an envelope, not plaintext.
	stored, err := mem.GetNodeConfig(ctx, "acme", "sre")
	if err != nil {
		t.Fatal(err)
	}
	storedToken := stored.Config["grafana"].(map[string]any)["token"].(string)
	if !crypto.IsEnvelope(storedToken) {
		t.Errorf("stored token is not encrypted: %q", storedToken)
	}
	if strings.Contains(storedToken, "sk_live_X") {
		t.Error("stored token leaks plaintext")
	}

	masked, _, err := e.RawConfig(ctx, "acme", "sre", false)
	if err != nil {
		t.Fatal(err)
	}
	if got := masked["grafana"].(map[string]any)["token"]; got != crypto.Masked {
		t.Errorf("masked token = %v, want %q", got, crypto.Masked)
	}

	full, _, err := e.RawConfig(ctx, "acme", "sre", true)
	if err != nil {
		t.Fatal(err)
	}
	if got := full["grafana"].(map[string]any)["token"]; got != "sk_live_X" {
		t.Errorf("include_secrets token = %v, want plaintext", got)
	}
}

func TestRawConfigEmptyNode(t *testing.T) {
	e, _ := newTestEngine(t)
	seedTree(t, e)

	raw, cfg, err := e.RawConfig(context.Background(), "acme", "eng", false)
	if err != nil {
		t.Fatalf("RawConfig: %v", err)
	}
	if len(raw) != 0 || cfg != nil {
		t.Errorf("expected empty config, got %#v", raw)
	}
}

func TestReparentCycleRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	seedTree(t, e)

	// Root cannot be reparented: every node descends from it.
	_, err := e.UpdateNode(ctx, "acme", "acme", UpdateNodeParams{ParentID: strptr("sre")}, "admin")
	if err == nil || !types.IsKind(err, types.KindConflict) {
		t.Fatalf("reparenting root: got %v, want conflict", err)
	}

	// A node cannot move under its own descendant.
	if _, err := e.CreateNode(ctx, "acme", "platform", strptr("eng"), types.NodeTypeUnit, "platform", "admin"); err != nil {
		t.Fatal(err)
	}
	_, err = e.UpdateNode(ctx, "acme", "eng", UpdateNodeParams{ParentID: strptr("platform")}, "admin")
	if err == nil || !types.IsKind(err, types.KindConflict) {
		t.Fatalf("reparenting under descendant: got %v, want conflict", err)
	}

	_, err = e.UpdateNode(ctx, "acme", "eng", UpdateNodeParams{ParentID: strptr("eng")}, "admin")
	if err == nil || !types.IsKind(err, types.KindConflict) {
		t.Fatalf("reparenting onto self: got %v, want conflict", err)
	}
}

func TestDeleteNode(t *testing.T) {
	e, mem := newTestEngine(t)
	ctx := context.Background()
	seedTree(t, e)

	err := e.DeleteNode(ctx, "acme", "eng", "admin")
	if err == nil || !types.IsKind(err, types.KindConflict) {
		t.Fatalf("deleting node with children: got %v, want conflict", err)
	}

	// Deleting a team revokes its tokens, drops their rows and then
	// removes the node, all in one transaction.
	now := time.Now().UTC()
	tok := &types.Token{
		TokenID: "tok_1", OrgID: "acme", TeamNodeID: "ops",
		TokenHash: []byte("h1"), IssuedAt: now, IssuedBy: "admin",
	}
	if err := mem.CreateToken(ctx, tok); err != nil {
		t.Fatal(err)
	}

	// The store refuses to drop a node that token rows still reference.
	if err := mem.DeleteNode(ctx, "acme", "ops"); !types.IsKind(err, types.KindFKViolation) {
		t.Fatalf("store delete with live tokens: got %v, want fk_violation", err)
	}

	if err := e.DeleteNode(ctx, "acme", "ops", "admin"); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
	if _, err := e.GetNode(ctx, "acme", "ops"); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("node still present after delete: %v", err)
	}
	if _, err := mem.GetToken(ctx, "tok_1"); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("token row outlived its team: %v", err)
	}

	// The revocation survives on the audit trail.
	events, _, err := mem.QueryAuditEvents(ctx, "acme", storage.AuditFilter{TeamNodeID: "ops"})
	if err != nil {
		t.Fatal(err)
	}
	var sawRevocation bool
	for _, ev := range events {
		if ev.EventType == types.AuditTokenRevoked && ev.Details["token_id"] == "tok_1" {
			sawRevocation = true
		}
	}
	if !sawRevocation {
		t.Error("no token.revoked audit event for the team delete")
	}
}

func TestDecryptFailureCounted(t *testing.T) {
	e, mem := newTestEngine(t)
	ctx := context.Background()
	seedTree(t, e)

	if _, _, err := e.UpdateConfig(ctx, "acme", "sre",
		types.JSONMap{"api_key": "sk_live"}, "admin"); err != nil {
		t.Fatal(err)
	}

	// A keyring without the sealing key cannot open the envelopes.
	other := NewEngine(mem, testKeyring(t, 9), testSensitive(), 32)
	counter := metrics.DecryptFailuresTotal.WithLabelValues(string(types.KindKeyUnknown))
	before := testutil.ToFloat64(counter)

	_, _, err := other.EffectiveConfig(ctx, "acme", "sre")
	if err == nil || !types.IsKind(err, types.KindKeyUnknown) {
		t.Fatalf("got %v, want key_unknown", err)
	}
	if got := testutil.ToFloat64(counter); got < before+1 {
		t.Errorf("decrypt failure counter = %v, want at least %v", got, before+1)
	}
}

func TestUpdateConfigPolicy(t *testing.T) {
	e, mem := newTestEngine(t)
	ctx := context.Background()
	seedTree(t, e)

	pol := &types.SecurityPolicy{
		OrgID:                     "acme",
		LockedPaths:               []string{"agents.model"},
		MaxValues:                 map[string]float64{"agents.max_tokens": 4096},
		RequireApprovalForPrompts: true,
	}
	if err := mem.UpsertPolicy(ctx, pol); err != nil {
		t.Fatal(err)
	}

	_, _, err := e.UpdateConfig(ctx, "acme", "sre",
		types.JSONMap{"agents": map[string]any{"model": map[string]any{"name": "m-huge"}}}, "team")
	if err == nil || !types.IsKind(err, types.KindPolicyViolation) {
		t.Fatalf("locked path write: got %v, want policy_violation", err)
	}

	_, _, err = e.UpdateConfig(ctx, "acme", "sre",
		types.JSONMap{"agents": map[string]any{"max_tokens": float64(8192)}}, "team")
	if err == nil || !types.IsKind(err, types.KindPolicyViolation) {
		t.Fatalf("over-limit write: got %v, want policy_violation", err)
	}

	// Prompt writes queue a proposal instead of applying.
	cfg, proposal, err := e.UpdateConfig(ctx, "acme", "sre",
		types.JSONMap{"agents": map[string]any{"triage": map[string]any{"prompt": "be brief"}}}, "team")
	if err != nil {
		t.Fatalf("gated write: %v", err)
	}
	if cfg != nil || proposal == nil {
		t.Fatal("gated write applied instead of queueing a proposal")
	}
	if proposal.Status != types.ProposalPending {
		t.Errorf("proposal status = %s, want pending", proposal.Status)
	}
	if raw, _, _ := e.RawConfig(ctx, "acme", "sre", true); len(raw) != 0 {
		t.Errorf("gated write mutated config: %#v", raw)
	}

	// Approval applies the queued patch.
	decided, err := e.DecideProposal(ctx, "acme", proposal.ProposalID.String(), true, "admin")
	if err != nil {
		t.Fatalf("DecideProposal: %v", err)
	}
	if decided.Status != types.ProposalApproved {
		t.Errorf("status = %s, want approved", decided.Status)
	}
	raw, _, err := e.RawConfig(ctx, "acme", "sre", true)
	if err != nil {
		t.Fatal(err)
	}
	prompt := raw["agents"].(map[string]any)["triage"].(map[string]any)["prompt"]
	if prompt != "be brief" {
		t.Errorf("approved patch not applied: %#v", raw)
	}

	// Deciding twice conflicts.
	if _, err := e.DecideProposal(ctx, "acme", proposal.ProposalID.String(), false, "admin"); !types.IsKind(err, types.KindConflict) {
		t.Errorf("second decision: got %v, want conflict", err)
	}
}

func TestUpdateConfigAudits(t *testing.T) {
	e, mem := newTestEngine(t)
	ctx := context.Background()
	seedTree(t, e)

	if _, _, err := e.UpdateConfig(ctx, "acme", "sre",
		types.JSONMap{"grafana": map[string]any{"timeout": float64(5)}}, "alice"); err != nil {
		t.Fatal(err)
	}

	events, _, err := mem.QueryAuditEvents(ctx, "acme", storage.AuditFilter{
		Sources: []types.AuditSource{types.AuditSourceConfig},
	})
	if err != nil {
		t.Fatal(err)
	}
	var found *types.AuditEvent
	for _, ev := range events {
		if ev.EventType == types.AuditConfigUpdated {
			found = ev
			break
		}
	}
	if found == nil {
		t.Fatal("no config.updated audit event")
	}
	if found.Actor != "alice" {
		t.Errorf("actor = %q, want alice", found.Actor)
	}
	if found.TeamNodeID == nil || *found.TeamNodeID != "sre" {
		t.Errorf("team_node_id = %v, want sre", found.TeamNodeID)
	}
	paths, _ := found.Details["paths"].([]any)
	if len(paths) != 1 || paths[0] != "grafana.timeout" {
		t.Errorf("details.paths = %#v, want [grafana.timeout]", found.Details["paths"])
	}
}

func TestRekeyNodeConfigs(t *testing.T) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	mem := storage.NewMemory()
	ctx := context.Background()

	oldKey := make([]byte, 32)
	newKey := make([]byte, 32)
	for i := range oldKey {
		oldKey[i] = 0xAA
		newKey[i] = 0xBB
	}

	oldKr, err := crypto.NewKeyring(oldKey)
	if err != nil {
		t.Fatal(err)
	}
	e := NewEngine(mem, oldKr, testSensitive(), 32)
	seedTree(t, e)
	if _, _, err := e.UpdateConfig(ctx, "acme", "sre",
		types.JSONMap{"api_key": "sk_old", "plain": "x"}, "admin"); err != nil {
		t.Fatal(err)
	}

	// Rotate: new active key, old key retired.
	newKr, err := crypto.NewKeyring(newKey, oldKey)
	if err != nil {
		t.Fatal(err)
	}
	rotated := NewEngine(mem, newKr, testSensitive(), 32)

	n, err := rotated.RekeyNodeConfigs(ctx, "acme", "admin")
	if err != nil {
		t.Fatalf("RekeyNodeConfigs: %v", err)
	}
	if n != 1 {
		t.Fatalf("rekeyed %d configs, want 1", n)
	}

	stored, err := mem.GetNodeConfig(ctx, "acme", "sre")
	if err != nil {
		t.Fatal(err)
	}
	envelope := stored.Config["api_key"].(string)
	keyID, err := crypto.EnvelopeKeyID(envelope)
	if err != nil {
		t.Fatal(err)
	}
	if keyID != newKr.ActiveKeyID() {
		t.Errorf("envelope key id = %s, want active %s", keyID, newKr.ActiveKeyID())
	}

	plain, _, err := rotated.RawConfig(ctx, "acme", "sre", true)
	if err != nil {
		t.Fatal(err)
	}
	if plain["api_key"] != "sk_old" {
		t.Errorf("rekeyed value = %v, want sk_old", plain["api_key"])
	}

	// Second pass is a no-op.
	n, err = rotated.RekeyNodeConfigs(ctx, "acme", "admin")
	if err != nil || n != 0 {
		t.Errorf("second rekey = (%d, %v), want (0, nil)", n, err)
	}
}
