package identity

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/scopecfg/scopecfg/pkg/log"
	"github.com/scopecfg/scopecfg/pkg/types"
)

// jwksTTL bounds how long a provider's key set is reused before
// re-discovery. Providers rotate keys rarely; an hour keeps rotation
// lag acceptable without hammering the issuer.
const jwksTTL = time.Hour

// JWKSCache discovers and caches an OIDC issuer's signing keys. One
// cache serves every org; entries are keyed by issuer URL.
type JWKSCache struct {
	client *http.Client

	mu      sync.Mutex
	entries map[string]*jwksEntry
}

type jwksEntry struct {
	keys    map[string]*rsa.PublicKey
	fetched time.Time
}

// NewJWKSCache creates a key cache with a bounded HTTP client
func NewJWKSCache() *JWKSCache {
	return &JWKSCache{
		client:  &http.Client{Timeout: 10 * time.Second},
		entries: make(map[string]*jwksEntry),
	}
}

// Key returns the issuer's public key with the given kid, fetching or
// refreshing the issuer's key set as needed. An unknown kid after a
// fresh fetch is an authentication failure, not a server fault.
func (c *JWKSCache) Key(ctx context.Context, issuer, kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	entry, ok := c.entries[issuer]
	if ok && time.Since(entry.fetched) < jwksTTL {
		if key, found := entry.keys[kid]; found {
			c.mu.Unlock()
			return key, nil
		}
	}
	c.mu.Unlock()

	keys, err := c.fetch(ctx, issuer)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[issuer] = &jwksEntry{keys: keys, fetched: time.Now()}
	c.mu.Unlock()

	key, found := keys[kid]
	if !found {
		return nil, types.Ef(types.KindUnauthenticated, "token signed by unknown key %q", kid)
	}
	return key, nil
}

type discoveryDoc struct {
	JWKSURI string `json:"jwks_uri"`
}

type jwksDoc struct {
	Keys []struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		Use string `json:"use"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (c *JWKSCache) fetch(ctx context.Context, issuer string) (map[string]*rsa.PublicKey, error) {
	discoveryURL := strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"

	var doc discoveryDoc
	if err := c.getJSON(ctx, discoveryURL, &doc); err != nil {
		return nil, types.Wrap(types.KindTransient, "discovering OIDC configuration", err)
	}
	if doc.JWKSURI == "" {
		return nil, types.Ef(types.KindTransient, "issuer %q publishes no jwks_uri", issuer)
	}

	var jwks jwksDoc
	if err := c.getJSON(ctx, doc.JWKSURI, &jwks); err != nil {
		return nil, types.Wrap(types.KindTransient, "fetching JWKS", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := parseRSAKey(k.N, k.E)
		if err != nil {
			zl1 := log.WithComponent("identity")
			zl1.Warn().Err(err).Str("kid", k.Kid).
				Str("issuer", issuer).Msg("skipping unparseable JWK")
			continue
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

func (c *JWKSCache) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func parseRSAKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	exponent := 0
	for _, b := range eb {
		exponent = exponent<<8 | int(b)
	}
	if exponent <= 1 {
		return nil, fmt.Errorf("invalid exponent %d", exponent)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: exponent}, nil
}
