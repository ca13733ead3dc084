package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kazokunote/kazokunote-server/internal/apperr"
)

// HTTPClient abstracts the HTTP client used to fetch the provider's JWKS.
// The standard [http.Client] satisfies this interface; tests substitute
// httptest-backed clients.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// keySet is one immutable snapshot of the provider's verification keys,
// keyed by kid. Readers always see either the previous snapshot or the
// new one, never a partially-built map.
type keySet struct {
	keys      map[string]any // kid -> *rsa.PublicKey or *ecdsa.PublicKey
	fetchedAt time.Time
}

// KeyCache holds the provider's current verification key material. It is
// process-wide, read by every request, and refreshed by atomic swap when
// the TTL lapses or a token references an unknown kid. A fetch failure
// is reported as a key-unavailable error and is attempted at most once
// per lookup.
//
// KeyCache is safe for concurrent use by multiple goroutines.
type KeyCache struct {
	url    string
	ttl    time.Duration
	client HTTPClient

	current   atomic.Pointer[keySet]
	refreshMu sync.Mutex
}

// NewKeyCache creates a key cache for the JWKS endpoint at url. If client
// is nil a default client with a 10 second timeout is used.
func NewKeyCache(url string, ttl time.Duration, client HTTPClient) *KeyCache {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &KeyCache{url: url, ttl: ttl, client: client}
}

// Key returns the public key for the given kid. A fresh cached snapshot
// containing the kid is served without network traffic; otherwise the
// JWKS is fetched once and swapped in. An unknown kid after a refresh,
// or a failed fetch, yields a key-unavailable error.
func (c *KeyCache) Key(ctx context.Context, kid string) (any, error) {
	observed := c.current.Load()
	if observed != nil && time.Since(observed.fetchedAt) < c.ttl {
		if key, ok := observed.keys[kid]; ok {
			return key, nil
		}
		// Unknown kid in a fresh set usually means key rotation; fall
		// through to a refresh.
	}

	set, err := c.refresh(ctx, observed)
	if err != nil {
		return nil, err
	}

	key, ok := set.keys[kid]
	if !ok {
		return nil, apperr.Newf(apperr.CodeAuthKeyUnavailable,
			"auth: key id %q not present in provider key set", kid)
	}
	return key, nil
}

// refresh fetches the JWKS and installs it as the current snapshot.
// Concurrent callers serialize on refreshMu; a caller whose observed
// snapshot was already replaced while it waited for the lock reuses the
// replacement instead of fetching again. This keeps each lookup to at
// most one network fetch.
func (c *KeyCache) refresh(ctx context.Context, observed *keySet) (*keySet, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if set := c.current.Load(); set != nil && set != observed &&
		time.Since(set.fetchedAt) < c.ttl {
		return set, nil
	}

	keys, err := c.fetch(ctx)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeAuthKeyUnavailable,
			"auth: fetching provider key set failed")
	}

	set := &keySet{keys: keys, fetchedAt: time.Now()}
	c.current.Store(set)
	return set, nil
}

// jwksDocument is the JSON shape of a JWKS endpoint response.
type jwksDocument struct {
	Keys []jwksKey `json:"keys"`
}

// jwksKey carries only the fields needed to rebuild RSA and EC keys.
type jwksKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	// RSA
	N string `json:"n"`
	E string `json:"e"`
	// EC
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// fetch retrieves and parses the JWKS document. The response body is
// capped at 1 MB. Malformed individual keys are skipped rather than
// failing the whole set.
func (c *KeyCache) fetch(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: building JWKS request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: JWKS request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth: JWKS endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("auth: reading JWKS response: %w", err)
	}

	var doc jwksDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("auth: parsing JWKS JSON: %w", err)
	}

	keys := make(map[string]any, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kid == "" {
			continue
		}
		switch k.Kty {
		case "RSA":
			pub, err := parseRSAKey(k.N, k.E)
			if err != nil {
				continue
			}
			keys[k.Kid] = pub
		case "EC":
			pub, err := parseECKey(k.Crv, k.X, k.Y)
			if err != nil {
				continue
			}
			keys[k.Kid] = pub
		}
	}
	return keys, nil
}

// parseRSAKey rebuilds an *rsa.PublicKey from base64url modulus and
// exponent.
func parseRSAKey(nB64, eB64 string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, fmt.Errorf("auth: decoding RSA modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, fmt.Errorf("auth: decoding RSA exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

// parseECKey rebuilds an *ecdsa.PublicKey from a curve name and
// base64url coordinates.
func parseECKey(crv, xB64, yB64 string) (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("auth: unsupported EC curve %q", crv)
	}
	xBytes, err := base64.RawURLEncoding.DecodeString(xB64)
	if err != nil {
		return nil, fmt.Errorf("auth: decoding EC x coordinate: %w", err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(yB64)
	if err != nil {
		return nil, fmt.Errorf("auth: decoding EC y coordinate: %w", err)
	}
	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}
