package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default option values
const (
	DefaultListenAddr      = ":8080"
	DefaultSweepInterval   = 5 * time.Minute
	DefaultMaxTreeDepth    = 32
	DefaultRequestTimeout  = 15 * time.Second
	DefaultPoolSize        = 20
	DefaultSweepPoolSize   = 2
	DefaultLastUsedFlush   = 30 * time.Second
	DefaultSweepBatchLimit = 256
)

// DefaultSensitiveKeys is the built-in set of JSON keys whose values
// are encrypted at rest. Matching is case-insensitive and exact.
var DefaultSensitiveKeys = []string{
	"api_key", "bot_token", "client_secret", "password", "token",
	"webhook_url", "secret", "access_key", "private_key",
}

// Options is the validated process-wide configuration
type Options struct {
	DatabaseURL string

	// TokenPepper is the HMAC pepper mixed into token hashing.
	// Required, at least 32 bytes.
	TokenPepper []byte

	// EncryptionKey is the active 32-byte AEAD key.
	EncryptionKey []byte

	// RetiredKeys are decrypt-only keys kept through a re-key.
	RetiredKeys [][]byte

	// AdminToken is the optional break-glass credential. Empty
	// disables the env override entirely.
	AdminToken string

	SensitiveKeys []string

	ListenAddr      string
	SweepInterval   time.Duration
	SweepBatchLimit int
	MaxTreeDepth    int
	RequestTimeout  time.Duration
	PoolSize        int
	SweepPoolSize   int
	LastUsedFlush   time.Duration
	LogLevel        string
}

// Load reads options from the environment and validates them
func Load() (*Options, error) {
	return load(os.Getenv)
}

// load is the testable core of Load
func load(getenv func(string) string) (*Options, error) {
	opts := &Options{
		ListenAddr:      DefaultListenAddr,
		SweepInterval:   DefaultSweepInterval,
		SweepBatchLimit: DefaultSweepBatchLimit,
		MaxTreeDepth:    DefaultMaxTreeDepth,
		RequestTimeout:  DefaultRequestTimeout,
		PoolSize:        DefaultPoolSize,
		SweepPoolSize:   DefaultSweepPoolSize,
		LastUsedFlush:   DefaultLastUsedFlush,
		LogLevel:        "info",
		SensitiveKeys:   DefaultSensitiveKeys,
	}

	opts.DatabaseURL = getenv("DATABASE_URL")
	if opts.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	pepper := getenv("TOKEN_PEPPER")
	if len(pepper) < 32 {
		return nil, fmt.Errorf("TOKEN_PEPPER is required and must be at least 32 bytes, got %d", len(pepper))
	}
	opts.TokenPepper = []byte(pepper)

	key, err := decodeKey(getenv("ENCRYPTION_KEY"))
	if err != nil {
		return nil, fmt.Errorf("ENCRYPTION_KEY: %w", err)
	}
	opts.EncryptionKey = key

	if retired := getenv("ENCRYPTION_KEYS_RETIRED"); retired != "" {
		for i, enc := range strings.Split(retired, ",") {
			k, err := decodeKey(strings.TrimSpace(enc))
			if err != nil {
				return nil, fmt.Errorf("ENCRYPTION_KEYS_RETIRED[%d]: %w", i, err)
			}
			opts.RetiredKeys = append(opts.RetiredKeys, k)
		}
	}

	opts.AdminToken = getenv("ADMIN_TOKEN")

	if keys := getenv("SENSITIVE_KEYS"); keys != "" {
		var set []string
		for _, k := range strings.Split(keys, ",") {
			if k = strings.TrimSpace(k); k != "" {
				set = append(set, strings.ToLower(k))
			}
		}
		if len(set) == 0 {
			return nil, fmt.Errorf("SENSITIVE_KEYS is set but contains no keys")
		}
		opts.SensitiveKeys = set
	}

	if addr := getenv("LISTEN_ADDR"); addr != "" {
		opts.ListenAddr = addr
	}
	if lvl := getenv("LOG_LEVEL"); lvl != "" {
		opts.LogLevel = lvl
	}

	if err := intOption(getenv, "SWEEP_INTERVAL_SECONDS", func(v int) error {
		if v < 1 {
			return fmt.Errorf("must be positive")
		}
		opts.SweepInterval = time.Duration(v) * time.Second
		return nil
	}); err != nil {
		return nil, err
	}

	if err := intOption(getenv, "SWEEP_BATCH_LIMIT", func(v int) error {
		if v < 1 {
			return fmt.Errorf("must be positive")
		}
		opts.SweepBatchLimit = v
		return nil
	}); err != nil {
		return nil, err
	}

	if err := intOption(getenv, "MAX_TREE_DEPTH", func(v int) error {
		if v < 2 {
			return fmt.Errorf("must be at least 2")
		}
		opts.MaxTreeDepth = v
		return nil
	}); err != nil {
		return nil, err
	}

	if err := intOption(getenv, "DB_POOL_SIZE", func(v int) error {
		if v < 1 {
			return fmt.Errorf("must be positive")
		}
		opts.PoolSize = v
		return nil
	}); err != nil {
		return nil, err
	}

	if err := intOption(getenv, "LAST_USED_FLUSH_SECONDS", func(v int) error {
		if v < 1 {
			return fmt.Errorf("must be positive")
		}
		opts.LastUsedFlush = time.Duration(v) * time.Second
		return nil
	}); err != nil {
		return nil, err
	}

	return opts, nil
}

// decodeKey decodes a base64 AEAD key and enforces the 32-byte length
func decodeKey(enc string) ([]byte, error) {
	if enc == "" {
		return nil, fmt.Errorf("key is required")
	}
	key, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		// Operators sometimes hand us URL-safe encodings; accept both.
		key, err = base64.URLEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("invalid base64: %w", err)
		}
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

func intOption(getenv func(string) string, name string, apply func(int) error) error {
	raw := getenv(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", name, raw)
	}
	if err := apply(v); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
