package token

import (
	"context"
	"fmt"
	"strings"

	"github.com/xenitab/go-oidc-middleware/oidctoken"
	"github.com/xenitab/go-oidc-middleware/options"
)

// OIDCVerifier validates tokens using the issuer's OpenID discovery document
// and published JWKS.
type OIDCVerifier struct {
	handler *oidctoken.TokenHandler[map[string]any]
}

var _ Verifier = (*OIDCVerifier)(nil)

// NewOIDCVerifier returns a verifier for tokens from issuer carrying
// audience. Keys are loaded on first use so the gateway can start before the
// backend.
func NewOIDCVerifier(issuer, audience string) (*OIDCVerifier, error) {
	if issuer == "" {
		return nil, fmt.Errorf("oidc issuer is required")
	}
	opts := []options.Option{
		options.WithIssuer(issuer),
		options.WithLazyLoadJwks(true),
	}
	if audience != "" {
		opts = append(opts, options.WithRequiredAudience(audience))
	}
	handler, err := oidctoken.New[map[string]any](nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize oidc token handler: %w", err)
	}
	return &OIDCVerifier{handler: handler}, nil
}

func (v *OIDCVerifier) Verify(ctx context.Context, raw string) (map[string]any, error) {
	claims, err := v.handler.ParseToken(ctx, strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return claims, nil
}
