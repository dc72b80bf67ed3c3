package crypto

import (
	"reflect"
	"testing"

	"github.com/scopecfg/scopecfg/pkg/types"
)

func defaultSet() SensitiveSet {
	return NewSensitiveSet([]string{
		"api_key", "bot_token", "client_secret", "password", "token",
		"webhook_url", "secret", "access_key", "private_key",
	})
}

func TestSensitiveSetMatch(t *testing.T) {
	set := defaultSet()

	tests := []struct {
		key  string
		want bool
	}{
		{"api_key", true},
		{"API_KEY", true},
		{"Token", true},
		{"timeout", false},
		{"api_key_id", false}, // exact match only
		{"url", false},
	}

	for _, tt := range tests {
		if got := set.Match(tt.key); got != tt.want {
			t.Errorf("Match(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}

func TestEncryptSubtreeRoundTrip(t *testing.T) {
	kr := mustKeyring(t, testKey(1))
	set := defaultSet()

	obj := types.JSONMap{
		"grafana": map[string]any{
			"url":     "https://g/",
			"timeout": float64(30),
			"token":   "sk_live_X",
		},
		"slack": map[string]any{
			"bot_token":   "xoxb-123",
			"webhook_url": "https://hooks.slack.example/T1",
			"channels":    []any{"#ops", "#alerts"},
		},
		"api_key": []any{"k1", "k2"},
		"agents": []any{
			map[string]any{"name": "triage", "password": "hunter2"},
		},
		"nothing": nil,
	}

	enc, err := kr.EncryptSubtree(obj, set)
	if err != nil {
		t.Fatalf("EncryptSubtree() error = %v", err)
	}

	// Sensitive leaves are envelopes
	grafana := enc["grafana"].(map[string]any)
	if !IsEnvelope(grafana["token"].(string)) {
		t.Errorf("grafana.token = %v, want envelope", grafana["token"])
	}
	if grafana["url"] != "https://g/" {
		t.Errorf("grafana.url changed: %v", grafana["url"])
	}
	if grafana["timeout"] != float64(30) {
		t.Errorf("grafana.timeout changed: %v", grafana["timeout"])
	}

	// Array under a sensitive key is encrypted element-wise
	for i, e := range enc["api_key"].([]any) {
		if !IsEnvelope(e.(string)) {
			t.Errorf("api_key[%d] = %v, want envelope", i, e)
		}
	}

	// Array of objects under a non-sensitive key is walked
	agent := enc["agents"].([]any)[0].(map[string]any)
	if agent["name"] != "triage" {
		t.Errorf("agents[0].name changed: %v", agent["name"])
	}
	if !IsEnvelope(agent["password"].(string)) {
		t.Errorf("agents[0].password = %v, want envelope", agent["password"])
	}

	dec, err := kr.DecryptSubtree(enc)
	if err != nil {
		t.Fatalf("DecryptSubtree() error = %v", err)
	}
	if !reflect.DeepEqual(map[string]any(dec), map[string]any(obj)) {
		t.Errorf("round trip mismatch:\n got %#v\nwant %#v", dec, obj)
	}
}

func TestEncryptSubtreeIdempotent(t *testing.T) {
	kr := mustKeyring(t, testKey(1))
	set := defaultSet()

	obj := types.JSONMap{"secret": "once"}
	enc1, err := kr.EncryptSubtree(obj, set)
	if err != nil {
		t.Fatal(err)
	}
	enc2, err := kr.EncryptSubtree(enc1, set)
	if err != nil {
		t.Fatal(err)
	}
	// Double encryption must not wrap the envelope again
	if enc1["secret"] != enc2["secret"] {
		t.Errorf("EncryptSubtree is not idempotent over envelopes")
	}
}

func TestEncryptSubtreeNonStringScalars(t *testing.T) {
	kr := mustKeyring(t, testKey(1))
	set := defaultSet()

	obj := types.JSONMap{
		"token":   float64(12345),
		"secret":  true,
		"regular": float64(7),
	}

	enc, err := kr.EncryptSubtree(obj, set)
	if err != nil {
		t.Fatal(err)
	}
	if !IsEnvelope(enc["token"].(string)) {
		t.Errorf("numeric sensitive value not enveloped: %v", enc["token"])
	}
	if enc["regular"] != float64(7) {
		t.Errorf("non-sensitive number changed: %v", enc["regular"])
	}

	dec, err := kr.DecryptSubtree(enc)
	if err != nil {
		t.Fatal(err)
	}
	if dec["token"] != float64(12345) {
		t.Errorf("numeric round trip = %v (%T), want 12345", dec["token"], dec["token"])
	}
	if dec["secret"] != true {
		t.Errorf("bool round trip = %v (%T), want true", dec["secret"], dec["secret"])
	}
}

func TestEncryptSubtreeDoesNotMutateInput(t *testing.T) {
	kr := mustKeyring(t, testKey(1))
	obj := types.JSONMap{"password": "plain", "nested": map[string]any{"token": "t"}}

	if _, err := kr.EncryptSubtree(obj, defaultSet()); err != nil {
		t.Fatal(err)
	}
	if obj["password"] != "plain" {
		t.Errorf("input mutated: %v", obj["password"])
	}
	if obj["nested"].(map[string]any)["token"] != "t" {
		t.Errorf("nested input mutated")
	}
}

func TestMaskSubtree(t *testing.T) {
	obj := types.JSONMap{
		"grafana": map[string]any{
			"url":   "https://g/",
			"token": "v1:abcd:AAAA:AAAA:AAAA",
		},
		"password": "plain",
	}

	masked := MaskSubtree(obj, defaultSet())
	if masked["password"] != Masked {
		t.Errorf("password = %v, want %q", masked["password"], Masked)
	}
	grafana := masked["grafana"].(map[string]any)
	if grafana["token"] != Masked {
		t.Errorf("grafana.token = %v, want %q", grafana["token"], Masked)
	}
	if grafana["url"] != "https://g/" {
		t.Errorf("grafana.url = %v, want unchanged", grafana["url"])
	}
	// Original untouched
	if obj["password"] != "plain" {
		t.Errorf("MaskSubtree mutated input")
	}
}
