package token

import (
	"encoding/json"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var peekParser = jwt.NewParser(jwt.WithPaddingAllowed())

// PeekSubjectAndEmail decodes the payload of raw without verifying it and
// returns the subject UUID and email. Only the middle segment is read, so
// the header and signature may be anything. ok is false for anything that is
// not a three-segment token with a JSON payload carrying a UUID "sub". It
// never panics or returns an error.
//
// The result is untrusted. Use it only to index state for a user the backend
// authenticated on this call chain.
func PeekSubjectAndEmail(raw string) (subject uuid.UUID, email string, ok bool) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 3 {
		return uuid.Nil, "", false
	}
	payload, err := peekParser.DecodeSegment(parts[1])
	if err != nil {
		return uuid.Nil, "", false
	}
	claims := jwt.MapClaims{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return uuid.Nil, "", false
	}
	s, _ := claims[ClaimSubject].(string)
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return uuid.Nil, "", false
	}
	email, _ = claims[ClaimEmail].(string)
	return id, strings.TrimSpace(email), true
}
