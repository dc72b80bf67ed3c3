package identity

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/scopecfg/scopecfg/pkg/log"
	"github.com/scopecfg/scopecfg/pkg/storage"
	"github.com/scopecfg/scopecfg/pkg/tokens"
	"github.com/scopecfg/scopecfg/pkg/types"
)

func newTestAdminTokens(t *testing.T) (*AdminTokens, *storage.Memory) {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	mem := storage.NewMemory()
	tokenSvc := tokens.NewService(mem, []byte("0123456789abcdef0123456789abcdef"), time.Hour)
	t.Cleanup(tokenSvc.Stop)
	if err := mem.CreateOrg(context.Background(), &types.Organization{OrgID: "acme", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	return NewAdminTokens(mem, tokenSvc), mem
}

func TestAdminTokenRevokeAudited(t *testing.T) {
	mgr, mem := newTestAdminTokens(t)
	ctx := context.Background()

	acme := "acme"
	issued, _, err := mgr.Issue(ctx, &acme, []string{"config:write"}, "ci-runner", "env-admin")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if err := mgr.Revoke(ctx, issued.TokenID, "alice"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	stored, err := mem.GetAdminToken(ctx, issued.TokenID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.RevokedAt == nil {
		t.Error("token not marked revoked")
	}

	events, _, err := mem.QueryAuditEvents(ctx, "acme", storage.AuditFilter{
		Sources: []types.AuditSource{types.AuditSourceToken},
	})
	if err != nil {
		t.Fatal(err)
	}
	var revocation *types.AuditEvent
	for _, ev := range events {
		if ev.EventType == types.AuditTokenRevoked {
			revocation = ev
		}
	}
	if revocation == nil {
		t.Fatal("no token.revoked audit event for the admin revocation")
	}
	if revocation.Actor != "alice" {
		t.Errorf("actor = %q, want alice", revocation.Actor)
	}
	if revocation.Details["token_id"] != issued.TokenID || revocation.Details["admin"] != true {
		t.Errorf("details = %#v", revocation.Details)
	}

	// A second revocation reports not found, like the store does.
	if err := mgr.Revoke(ctx, issued.TokenID, "alice"); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("second revoke: got %v, want not_found", err)
	}
}

func TestAdminTokenRevokeGlobal(t *testing.T) {
	mgr, mem := newTestAdminTokens(t)
	ctx := context.Background()

	issued, _, err := mgr.Issue(ctx, nil, []string{"admin:*"}, "break-glass", "env-admin")
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Revoke(ctx, issued.TokenID, "env-admin"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	stored, err := mem.GetAdminToken(ctx, issued.TokenID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.RevokedAt == nil {
		t.Error("global token not marked revoked")
	}
}

func TestAdminTokenRevokeUnknown(t *testing.T) {
	mgr, _ := newTestAdminTokens(t)
	if err := mgr.Revoke(context.Background(), "adm_missing", "alice"); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("got %v, want not_found", err)
	}
}
