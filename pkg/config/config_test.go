package config

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

func validEnv() map[string]string {
	return map[string]string{
		"DATABASE_URL":   "postgres://localhost/scopecfg?sslmode=disable",
		"TOKEN_PEPPER":   strings.Repeat("p", 32),
		"ENCRYPTION_KEY": base64.StdEncoding.EncodeToString(make([]byte, 32)),
	}
}

func getenvFrom(env map[string]string) func(string) string {
	return func(name string) string { return env[name] }
}

func TestLoadDefaults(t *testing.T) {
	opts, err := load(getenvFrom(validEnv()))
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}

	if opts.SweepInterval != DefaultSweepInterval {
		t.Errorf("SweepInterval = %v, want %v", opts.SweepInterval, DefaultSweepInterval)
	}
	if opts.MaxTreeDepth != DefaultMaxTreeDepth {
		t.Errorf("MaxTreeDepth = %d, want %d", opts.MaxTreeDepth, DefaultMaxTreeDepth)
	}
	if opts.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", opts.ListenAddr, DefaultListenAddr)
	}
	if len(opts.SensitiveKeys) != len(DefaultSensitiveKeys) {
		t.Errorf("SensitiveKeys = %v, want defaults", opts.SensitiveKeys)
	}
	if len(opts.EncryptionKey) != 32 {
		t.Errorf("EncryptionKey length = %d, want 32", len(opts.EncryptionKey))
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(env map[string]string)
		wantErr string
	}{
		{
			name:    "missing database url",
			mutate:  func(env map[string]string) { delete(env, "DATABASE_URL") },
			wantErr: "DATABASE_URL",
		},
		{
			name:    "short pepper",
			mutate:  func(env map[string]string) { env["TOKEN_PEPPER"] = "short" },
			wantErr: "TOKEN_PEPPER",
		},
		{
			name:    "missing encryption key",
			mutate:  func(env map[string]string) { delete(env, "ENCRYPTION_KEY") },
			wantErr: "ENCRYPTION_KEY",
		},
		{
			name: "wrong key length",
			mutate: func(env map[string]string) {
				env["ENCRYPTION_KEY"] = base64.StdEncoding.EncodeToString(make([]byte, 16))
			},
			wantErr: "32 bytes",
		},
		{
			name: "bad retired key",
			mutate: func(env map[string]string) {
				env["ENCRYPTION_KEYS_RETIRED"] = "not-base64!!!"
			},
			wantErr: "ENCRYPTION_KEYS_RETIRED",
		},
		{
			name:    "bad sweep interval",
			mutate:  func(env map[string]string) { env["SWEEP_INTERVAL_SECONDS"] = "zero" },
			wantErr: "SWEEP_INTERVAL_SECONDS",
		},
		{
			name:    "negative sweep interval",
			mutate:  func(env map[string]string) { env["SWEEP_INTERVAL_SECONDS"] = "-5" },
			wantErr: "SWEEP_INTERVAL_SECONDS",
		},
		{
			name:    "tree depth too small",
			mutate:  func(env map[string]string) { env["MAX_TREE_DEPTH"] = "1" },
			wantErr: "MAX_TREE_DEPTH",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := validEnv()
			tt.mutate(env)
			_, err := load(getenvFrom(env))
			if err == nil {
				t.Fatal("load() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("load() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadOverrides(t *testing.T) {
	env := validEnv()
	env["SWEEP_INTERVAL_SECONDS"] = "60"
	env["MAX_TREE_DEPTH"] = "8"
	env["SENSITIVE_KEYS"] = "Api_Key, custom_secret"
	env["ADMIN_TOKEN"] = "break-glass"
	env["LISTEN_ADDR"] = ":9090"
	env["ENCRYPTION_KEYS_RETIRED"] = base64.StdEncoding.EncodeToString(make([]byte, 32))

	opts, err := load(getenvFrom(env))
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}

	if opts.SweepInterval != 60*time.Second {
		t.Errorf("SweepInterval = %v, want 60s", opts.SweepInterval)
	}
	if opts.MaxTreeDepth != 8 {
		t.Errorf("MaxTreeDepth = %d, want 8", opts.MaxTreeDepth)
	}
	want := []string{"api_key", "custom_secret"}
	if len(opts.SensitiveKeys) != 2 || opts.SensitiveKeys[0] != want[0] || opts.SensitiveKeys[1] != want[1] {
		t.Errorf("SensitiveKeys = %v, want %v (lowercased)", opts.SensitiveKeys, want)
	}
	if opts.AdminToken != "break-glass" {
		t.Errorf("AdminToken = %q", opts.AdminToken)
	}
	if len(opts.RetiredKeys) != 1 {
		t.Errorf("RetiredKeys count = %d, want 1", len(opts.RetiredKeys))
	}
}
