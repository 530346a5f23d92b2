// Package token inspects bearer tokens issued by the identity backend.
//
// There are two entry points with different trust levels and they are kept
// apart on purpose:
//
//   - PeekSubjectAndEmail reads claims without checking the signature. Its
//     result may only index local state for a user the backend has just
//     authenticated on the same call chain.
//   - Validator.ValidateAndExtract checks signature, issuer, audience and
//     expiry before any claim is read. Tokens that reach the gateway from a
//     third party must go through it.
package token

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrInvalidToken is returned when signature, issuer, audience or expiry
	// validation fails.
	ErrInvalidToken = errors.New("invalid token")
	// ErrMissingSubject is returned when a validated token has no usable
	// subject claim.
	ErrMissingSubject = errors.New("token has no usable subject claim")
)

const (
	ClaimSubject        = "sub"
	ClaimEmail          = "email"
	ClaimNameIdentifier = "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/nameidentifier"
	ClaimEmailAddress   = "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress"
)

// Lookup order for the subject and email of a validated token. The
// registered JWT email claim has the same name as the short form, so it is
// covered by ClaimEmail.
var (
	subjectClaims = []string{ClaimSubject, ClaimNameIdentifier}
	emailClaims   = []string{ClaimEmail, ClaimEmailAddress}
)

func firstString(claims map[string]any, names []string) string {
	for _, name := range names {
		if s, ok := claims[name].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

func parseSubject(s string) (uuid.UUID, bool) {
	if s == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}
