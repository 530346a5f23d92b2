package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultAlgorithms are the signing algorithms accepted when none are configured.
var DefaultAlgorithms = []string{"RS256", "RS384", "RS512", "PS256", "ES256", "ES384", "EdDSA", "HS256"}

// KeySource resolves verification keys by key ID. An empty kid asks for all
// candidate keys.
type KeySource interface {
	Lookup(ctx context.Context, kid string) ([]jose.JSONWebKey, error)
}

// StaticKeys is a KeySource over a fixed key set.
type StaticKeys struct {
	Set jose.JSONWebKeySet
}

func (s StaticKeys) Lookup(_ context.Context, kid string) ([]jose.JSONWebKey, error) {
	if kid == "" {
		return s.Set.Keys, nil
	}
	return s.Set.Key(kid), nil
}

// RemoteKeys fetches a JWKS document over HTTP and caches it. An unknown kid
// forces a refetch, at most once per minRefresh.
type RemoteKeys struct {
	url        string
	client     *http.Client
	ttl        time.Duration
	minRefresh time.Duration
	now        func() time.Time

	mu        sync.Mutex
	set       jose.JSONWebKeySet
	fetchedAt time.Time
}

// NewRemoteKeys returns a KeySource for the JWKS at url. A nil client uses
// http.DefaultClient.
func NewRemoteKeys(url string, client *http.Client) *RemoteKeys {
	if client == nil {
		client = http.DefaultClient
	}
	return &RemoteKeys{
		url:        url,
		client:     client,
		ttl:        time.Hour,
		minRefresh: 30 * time.Second,
		now:        time.Now,
	}
}

func (r *RemoteKeys) Lookup(ctx context.Context, kid string) ([]jose.JSONWebKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	stale := r.fetchedAt.IsZero() || now.Sub(r.fetchedAt) > r.ttl
	if !stale {
		keys := r.match(kid)
		if len(keys) > 0 || now.Sub(r.fetchedAt) < r.minRefresh {
			return keys, nil
		}
	}
	if err := r.fetch(ctx); err != nil {
		return nil, err
	}
	return r.match(kid), nil
}

func (r *RemoteKeys) match(kid string) []jose.JSONWebKey {
	if kid == "" {
		return r.set.Keys
	}
	return r.set.Key(kid)
}

func (r *RemoteKeys) fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return fmt.Errorf("building jwks request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching jwks: unexpected status %d", resp.StatusCode)
	}
	var set jose.JSONWebKeySet
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&set); err != nil {
		return fmt.Errorf("decoding jwks: %w", err)
	}
	r.set = set
	r.fetchedAt = r.now()
	return nil
}

// VerifierConfig holds the validation parameters published by the backend.
type VerifierConfig struct {
	Issuer     string
	Audience   string
	Leeway     time.Duration
	Algorithms []string
	// Now overrides the clock used for exp/nbf checks.
	Now func() time.Time
}

// JWKSVerifier validates JWTs against keys from a KeySource.
type JWKSVerifier struct {
	keys   KeySource
	parser *jwt.Parser
}

var _ Verifier = (*JWKSVerifier)(nil)

// NewJWKSVerifier builds a verifier that requires a valid signature and an
// unexpired token, plus the configured issuer and audience when set.
func NewJWKSVerifier(keys KeySource, cfg VerifierConfig) *JWKSVerifier {
	algs := cfg.Algorithms
	if len(algs) == 0 {
		algs = DefaultAlgorithms
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(algs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(cfg.Now))
	}
	return &JWKSVerifier{keys: keys, parser: jwt.NewParser(opts...)}
}

func (v *JWKSVerifier) Verify(ctx context.Context, raw string) (map[string]any, error) {
	header, _, err := peekParser.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	kid, _ := header.Header["kid"].(string)
	candidates, err := v.keys.Lookup(ctx, kid)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving keys: %w", ErrInvalidToken, err)
	}
	keys := usableKeys(candidates, header.Method.Alg())
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no key for kid %q", ErrInvalidToken, kid)
	}

	for _, key := range keys {
		claims := jwt.MapClaims{}
		_, err = v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return key, nil
		})
		if err == nil {
			return claims, nil
		}
		// Only a signature mismatch is worth retrying with another key.
		if !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			break
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
}

// usableKeys filters signing keys for alg and unwraps them to what the jwt
// signing methods expect: the public half of asymmetric keys, the raw secret
// of symmetric ones.
func usableKeys(candidates []jose.JSONWebKey, alg string) []any {
	var keys []any
	for _, k := range candidates {
		if k.Algorithm != "" && k.Algorithm != alg {
			continue
		}
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		if !k.IsPublic() {
			if pub := k.Public(); pub.Valid() {
				keys = append(keys, pub.Key)
				continue
			}
		}
		keys = append(keys, k.Key)
	}
	return keys
}
