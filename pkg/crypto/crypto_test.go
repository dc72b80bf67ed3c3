package crypto

import (
	"bytes"
	"strings"
	"testing"

	"github.com/scopecfg/scopecfg/pkg/types"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func mustKeyring(t *testing.T, active []byte, retired ...[]byte) *Keyring {
	t.Helper()
	kr, err := NewKeyring(active, retired...)
	if err != nil {
		t.Fatalf("NewKeyring() error = %v", err)
	}
	return kr
}

func TestNewKeyring(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{name: "valid 32-byte key", key: testKey(1), wantErr: false},
		{name: "short key", key: make([]byte, 16), wantErr: true},
		{name: "long key", key: make([]byte, 64), wantErr: true},
		{name: "empty key", key: []byte{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewKeyring(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewKeyring() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	kr := mustKeyring(t, testKey(1))

	plaintexts := []string{
		"",
		"sk_live_XYZ",
		"value with spaces and symbols !@#:%",
		"unicode – ünïcødé – 値",
		strings.Repeat("long", 4096),
	}

	for _, plain := range plaintexts {
		env, err := kr.Encrypt(plain)
		if err != nil {
			t.Fatalf("Encrypt(%q) error = %v", plain, err)
		}
		if !IsEnvelope(env) {
			t.Errorf("Encrypt(%q) = %q, not a valid envelope", plain, env)
		}
		got, err := kr.Decrypt(env)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if got != plain {
			t.Errorf("round trip = %q, want %q", got, plain)
		}
	}
}

func TestEncryptFreshNonce(t *testing.T) {
	kr := mustKeyring(t, testKey(1))

	a, err := kr.Encrypt("same plaintext")
	if err != nil {
		t.Fatal(err)
	}
	b, err := kr.Encrypt("same plaintext")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two encryptions of the same plaintext produced identical envelopes")
	}
}

func TestEnvelopeShape(t *testing.T) {
	kr := mustKeyring(t, testKey(1))
	env, err := kr.Encrypt("x")
	if err != nil {
		t.Fatal(err)
	}

	parts := strings.Split(env, ":")
	if len(parts) != 5 {
		t.Fatalf("envelope has %d fields, want 5: %q", len(parts), env)
	}
	if parts[0] != SchemeV1 {
		t.Errorf("scheme = %q, want %q", parts[0], SchemeV1)
	}
	if parts[1] != kr.ActiveKeyID() {
		t.Errorf("key id = %q, want %q", parts[1], kr.ActiveKeyID())
	}

	keyID, err := EnvelopeKeyID(env)
	if err != nil || keyID != kr.ActiveKeyID() {
		t.Errorf("EnvelopeKeyID() = %q, %v", keyID, err)
	}
}

func TestDecryptUnknownKey(t *testing.T) {
	krA := mustKeyring(t, testKey(1))
	krB := mustKeyring(t, testKey(2))

	env, err := krA.Encrypt("secret")
	if err != nil {
		t.Fatal(err)
	}

	_, err = krB.Decrypt(env)
	if !types.IsKind(err, types.KindKeyUnknown) {
		t.Errorf("Decrypt() error = %v, want KindKeyUnknown", err)
	}
}

func TestDecryptRetiredKey(t *testing.T) {
	old := testKey(1)
	krOld := mustKeyring(t, old)
	env, err := krOld.Encrypt("carried over")
	if err != nil {
		t.Fatal(err)
	}

	// Rotated keyring: new active key, old key retired
	krNew := mustKeyring(t, testKey(2), old)
	got, err := krNew.Decrypt(env)
	if err != nil {
		t.Fatalf("Decrypt() with retired key error = %v", err)
	}
	if got != "carried over" {
		t.Errorf("Decrypt() = %q", got)
	}

	// New envelopes use the new key
	env2, err := krNew.Encrypt("fresh")
	if err != nil {
		t.Fatal(err)
	}
	keyID, _ := EnvelopeKeyID(env2)
	if keyID != KeyID(testKey(2)) {
		t.Errorf("new envelope key id = %q, want active key", keyID)
	}
}

func TestDecryptTampered(t *testing.T) {
	kr := mustKeyring(t, testKey(1))
	env, err := kr.Encrypt("integrity matters")
	if err != nil {
		t.Fatal(err)
	}

	parts := strings.Split(env, ":")
	ct := []byte(parts[3])
	ct[0] ^= 'x'
	parts[3] = string(ct)
	tampered := strings.Join(parts, ":")

	if _, err := kr.Decrypt(tampered); !types.IsKind(err, types.KindTamperDetected) &&
		!types.IsKind(err, types.KindInvalidInput) {
		t.Errorf("Decrypt(tampered) error = %v, want tamper or invalid input", err)
	}
}

func TestDecryptMalformed(t *testing.T) {
	kr := mustKeyring(t, testKey(1))

	for _, env := range []string{
		"",
		"plainstring",
		"v1:abcd",
		"v2:abcd:AAAA:AAAA:AAAA",
		"v1::AAAA:AAAA:AAAA",
		"v1:abcd:!!!:AAAA:AAAA",
	} {
		if _, err := kr.Decrypt(env); !types.IsKind(err, types.KindInvalidInput) {
			t.Errorf("Decrypt(%q) error = %v, want KindInvalidInput", env, err)
		}
		if IsEnvelope(env) {
			t.Errorf("IsEnvelope(%q) = true", env)
		}
	}
}
