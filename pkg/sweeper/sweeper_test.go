package sweeper

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/scopecfg/scopecfg/pkg/log"
	"github.com/scopecfg/scopecfg/pkg/storage"
	"github.com/scopecfg/scopecfg/pkg/types"
)

func seed(t *testing.T) *storage.Memory {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	mem := storage.NewMemory()
	ctx := context.Background()
	if err := mem.CreateOrg(ctx, &types.Organization{OrgID: "acme", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	return mem
}

func addToken(t *testing.T, mem *storage.Memory, id string, issued time.Time, expires, lastUsed *time.Time) {
	t.Helper()
	err := mem.CreateToken(context.Background(), &types.Token{
		TokenID: id, OrgID: "acme", TeamNodeID: "sre",
		TokenHash: []byte(id), IssuedAt: issued, IssuedBy: "admin",
		ExpiresAt: expires, LastUsedAt: lastUsed,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSweepRevokesExpired(t *testing.T) {
	mem := seed(t)
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	addToken(t, mem, "tok_past", now.Add(-48*time.Hour), &past, nil)
	addToken(t, mem, "tok_future", now.Add(-48*time.Hour), &future, nil)
	addToken(t, mem, "tok_open", now.Add(-48*time.Hour), nil, nil)

	New(mem, 256).Sweep()

	expired, _ := mem.GetToken(ctx, "tok_past")
	if expired.RevokedAt == nil || expired.RevokedReason != "expired" {
		t.Errorf("expired token not revoked: %+v", expired)
	}
	for _, id := range []string{"tok_future", "tok_open"} {
		tok, _ := mem.GetToken(ctx, id)
		if tok.RevokedAt != nil {
			t.Errorf("token %s revoked without cause: %+v", id, tok)
		}
	}

	events, _, err := mem.QueryAuditEvents(ctx, "acme", storage.AuditFilter{
		Sources: []types.AuditSource{types.AuditSourceToken},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].EventType != types.AuditTokenRevoked || events[0].Actor != "sweeper" {
		t.Errorf("expected one sweeper revocation event, got %d", len(events))
	}
}

func TestSweepPolicyDerivedExpiry(t *testing.T) {
	mem := seed(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := mem.UpsertPolicy(ctx, &types.SecurityPolicy{OrgID: "acme", TokenExpiryDays: 30}); err != nil {
		t.Fatal(err)
	}
	addToken(t, mem, "tok_old", now.Add(-31*24*time.Hour), nil, nil)
	addToken(t, mem, "tok_new", now.Add(-1*24*time.Hour), nil, nil)

	New(mem, 256).Sweep()

	old, _ := mem.GetToken(ctx, "tok_old")
	if old.RevokedAt == nil {
		t.Error("token past the policy window survived the sweep")
	}
	fresh, _ := mem.GetToken(ctx, "tok_new")
	if fresh.RevokedAt != nil {
		t.Error("fresh token revoked")
	}
}

func TestSweepRevokesInactive(t *testing.T) {
	mem := seed(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := mem.UpsertPolicy(ctx, &types.SecurityPolicy{OrgID: "acme", TokenRevokeInactiveDays: 7}); err != nil {
		t.Fatal(err)
	}
	stale := now.Add(-10 * 24 * time.Hour)
	active := now.Add(-time.Hour)
	addToken(t, mem, "tok_stale", now.Add(-30*24*time.Hour), nil, &stale)
	addToken(t, mem, "tok_active", now.Add(-30*24*time.Hour), nil, &active)
	// Never used: inactivity counts from issuance.
	addToken(t, mem, "tok_never", now.Add(-30*24*time.Hour), nil, nil)

	New(mem, 256).Sweep()

	for id, wantRevoked := range map[string]bool{
		"tok_stale": true, "tok_active": false, "tok_never": true,
	} {
		tok, _ := mem.GetToken(ctx, id)
		if (tok.RevokedAt != nil) != wantRevoked {
			t.Errorf("token %s: revoked=%v, want %v", id, tok.RevokedAt != nil, wantRevoked)
		}
		if wantRevoked && tok.RevokedAt != nil && tok.RevokedReason != "inactive" {
			t.Errorf("token %s reason = %q, want inactive", id, tok.RevokedReason)
		}
	}
}

func TestSweepWarnsOnce(t *testing.T) {
	mem := seed(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := mem.UpsertPolicy(ctx, &types.SecurityPolicy{OrgID: "acme", TokenWarnBeforeDays: 7}); err != nil {
		t.Fatal(err)
	}
	soon := now.Add(3 * 24 * time.Hour)
	far := now.Add(30 * 24 * time.Hour)
	addToken(t, mem, "tok_soon", now.Add(-time.Hour), &soon, nil)
	addToken(t, mem, "tok_far", now.Add(-time.Hour), &far, nil)

	sw := New(mem, 256)
	sw.Sweep()
	sw.Sweep() // second pass must not re-warn

	events, _, err := mem.QueryAuditEvents(ctx, "acme", storage.AuditFilter{
		Sources: []types.AuditSource{types.AuditSourceToken},
	})
	if err != nil {
		t.Fatal(err)
	}
	warned := 0
	for _, ev := range events {
		if ev.EventType == types.AuditTokenWarned {
			warned++
			if got := ev.Details["token_id"]; got != "tok_soon" {
				t.Errorf("warned wrong token: %v", got)
			}
		}
	}
	if warned != 1 {
		t.Errorf("warn events = %d, want exactly 1", warned)
	}

	// The warned token is still usable.
	tok, _ := mem.GetToken(ctx, "tok_soon")
	if tok.RevokedAt != nil {
		t.Error("warn sweep revoked the token")
	}
}

func TestSweepBatchesDrainCompletely(t *testing.T) {
	mem := seed(t)
	ctx := context.Background()
	now := time.Now().UTC()
	past := now.Add(-time.Hour)

	const n = 10
	for i := 0; i < n; i++ {
		addToken(t, mem, "tok_"+string(rune('a'+i)), now.Add(-48*time.Hour), &past, nil)
	}

	// Batch limit smaller than the population forces multiple rounds.
	New(mem, 3).Sweep()

	tokens, _, err := mem.ListTokensForOrg(ctx, "acme", storage.Page{Limit: n})
	if err != nil {
		t.Fatal(err)
	}
	for _, tok := range tokens {
		if tok.RevokedAt == nil {
			t.Errorf("token %s survived a multi-batch sweep", tok.TokenID)
		}
	}
}
