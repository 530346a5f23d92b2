package token

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Verifier checks a token cryptographically and returns its claims. Errors
// wrap ErrInvalidToken.
type Verifier interface {
	Verify(ctx context.Context, raw string) (map[string]any, error)
}

// Validator extracts identity from tokens that passed a Verifier.
type Validator struct {
	verifier Verifier
}

// NewValidator returns a Validator backed by v.
func NewValidator(v Verifier) *Validator {
	return &Validator{verifier: v}
}

// ValidateAndExtract verifies raw and returns its subject and, when present,
// its email. The subject comes from "sub" and falls back to the namespaced
// name identifier claim.
func (v *Validator) ValidateAndExtract(ctx context.Context, raw string) (uuid.UUID, string, error) {
	if raw == "" {
		return uuid.Nil, "", fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	claims, err := v.verifier.Verify(ctx, raw)
	if err != nil {
		return uuid.Nil, "", err
	}
	subject, ok := parseSubject(firstString(claims, subjectClaims))
	if !ok {
		return uuid.Nil, "", ErrMissingSubject
	}
	return subject, firstString(claims, emailClaims), nil
}
