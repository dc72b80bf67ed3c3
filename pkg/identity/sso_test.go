package identity

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/scopecfg/scopecfg/pkg/crypto"
	"github.com/scopecfg/scopecfg/pkg/log"
	"github.com/scopecfg/scopecfg/pkg/storage"
	"github.com/scopecfg/scopecfg/pkg/types"
)

func newTestSSO(t *testing.T) (*SSO, *storage.Memory) {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	mem := storage.NewMemory()
	keyring, err := crypto.NewKeyring(bytes.Repeat([]byte{0xCC}, 32))
	if err != nil {
		t.Fatal(err)
	}
	if err := mem.CreateOrg(context.Background(), &types.Organization{OrgID: "acme", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	return NewSSO(mem, keyring), mem
}

func TestSSOSecretEncryptedAndMasked(t *testing.T) {
	svc, mem := newTestSSO(t)
	ctx := context.Background()

	err := svc.Upsert(ctx, &types.SSOConfig{
		OrgID:        "acme",
		ProviderType: "oidc",
		Issuer:       "https://idp.example.com",
		ClientID:     "scopecfg",
		ClientSecret: "hunter2",
	}, "admin")
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	stored, err := mem.GetSSOConfig(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if !crypto.IsEnvelope(stored.ClientSecret) {
		t.Errorf("stored client secret is not an envelope: %q", stored.ClientSecret)
	}

	got, err := svc.Get(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if got.ClientSecret != crypto.Masked {
		t.Errorf("Get returned %q, want masked", got.ClientSecret)
	}
}

func TestSSOUpsertKeepsSecretWhenMasked(t *testing.T) {
	svc, mem := newTestSSO(t)
	ctx := context.Background()

	base := &types.SSOConfig{
		OrgID:        "acme",
		Issuer:       "https://idp.example.com",
		ClientID:     "scopecfg",
		ClientSecret: "hunter2",
	}
	if err := svc.Upsert(ctx, base, "admin"); err != nil {
		t.Fatal(err)
	}
	before, _ := mem.GetSSOConfig(ctx, "acme")

	// Round-tripping the masked read must not clobber the secret.
	update := &types.SSOConfig{
		OrgID:          "acme",
		Issuer:         "https://idp.example.com",
		ClientID:       "scopecfg",
		ClientSecret:   crypto.Masked,
		AllowedDomains: []string{"example.com"},
	}
	if err := svc.Upsert(ctx, update, "admin"); err != nil {
		t.Fatal(err)
	}

	after, _ := mem.GetSSOConfig(ctx, "acme")
	if after.ClientSecret != before.ClientSecret {
		t.Error("masked upsert replaced the stored client secret")
	}
	if len(after.AllowedDomains) != 1 || after.AllowedDomains[0] != "example.com" {
		t.Errorf("allowed domains not updated: %v", after.AllowedDomains)
	}
}

func TestSSOUpsertRequiresIssuerAndClient(t *testing.T) {
	svc, _ := newTestSSO(t)
	err := svc.Upsert(context.Background(), &types.SSOConfig{OrgID: "acme"}, "admin")
	if !types.IsKind(err, types.KindInvalidInput) {
		t.Fatalf("got %v, want invalid_input", err)
	}
}
