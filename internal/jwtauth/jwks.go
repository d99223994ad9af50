package jwtauth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/gregjones/httpcache"
	"github.com/rs/zerolog"

	"orgcrm/internal/upstream"
)

// DefaultMinRefreshInterval bounds how often an unknown kid can trigger a
// JWKS fetch.
const DefaultMinRefreshInterval = 10 * time.Second

// JWKSCache caches the identity provider's signing keys by kid. A lookup
// miss triggers one refresh; concurrent refreshes are serialized and the
// last fetched key set wins.
type JWKSCache struct {
	url                string
	mu                 sync.RWMutex
	keys               map[string]*rsa.PublicKey
	lastFetch          time.Time
	minRefreshInterval time.Duration
	httpClient         *http.Client
}

// NewJWKSCache creates a new JWKS cache. A nil client gets an in-memory
// HTTP cache honoring the endpoint's Cache-Control headers.
func NewJWKSCache(jwksURL string, client *http.Client) *JWKSCache {
	if client == nil {
		client = &http.Client{
			Timeout:   10 * time.Second,
			Transport: httpcache.NewTransport(httpcache.NewMemoryCache()),
		}
	}
	return &JWKSCache{
		url:                jwksURL,
		keys:               make(map[string]*rsa.PublicKey),
		minRefreshInterval: DefaultMinRefreshInterval,
		httpClient:         client,
	}
}

// GetKey returns the public key for the given key ID.
func (c *JWKSCache) GetKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	c.mu.RUnlock()
	if ok {
		return key, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another request may have refreshed while we waited.
	if key, ok := c.keys[kid]; ok {
		return key, nil
	}
	if !c.lastFetch.IsZero() && time.Since(c.lastFetch) < c.minRefreshInterval {
		return nil, fmt.Errorf("%w: key %s not found in JWKS", ErrNoMatchingKey, kid)
	}

	keys, err := c.fetch(ctx)
	if err != nil {
		return nil, upstream.Wrap("jwks", err)
	}
	c.keys = keys
	c.lastFetch = time.Now()

	key, ok = c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: key %s not found in JWKS", ErrNoMatchingKey, kid)
	}
	return key, nil
}

// JWKS represents a JSON Web Key Set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Alg string `json:"alg"`
}

func (c *JWKSCache) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, key := range jwks.Keys {
		if key.Kty != "RSA" || (key.Use != "" && key.Use != "sig") {
			continue
		}

		publicKey, err := parseRSAPublicKey(key.N, key.E)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("kid", key.Kid).Msg("skipping unparseable JWKS key")
			continue
		}
		keys[key.Kid] = publicKey
	}

	return keys, nil
}

// parseRSAPublicKey parses base64url-encoded n and e values into an RSA public key.
func parseRSAPublicKey(nStr, eStr string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode n: %w", err)
	}

	eBytes, err := base64.RawURLEncoding.DecodeString(eStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode e: %w", err)
	}
	if len(eBytes) == 0 || len(eBytes) > 4 {
		return nil, fmt.Errorf("invalid exponent length %d", len(eBytes))
	}

	var e int
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}
