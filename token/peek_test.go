package token_test

import (
	"encoding/base64"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/tollgate/token"
)

func rawSegment(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func TestPeekSubjectAndEmail(t *testing.T) {
	subject := uuid.New()

	t.Run("SignedToken", func(t *testing.T) {
		raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub":   subject.String(),
			"email": "alice@example.com",
		}).SignedString([]byte("not-checked"))
		require.NoError(t, err)

		id, email, ok := token.PeekSubjectAndEmail(raw)
		require.True(t, ok)
		assert.Equal(t, subject, id)
		assert.Equal(t, "alice@example.com", email)
	})

	t.Run("NoEmail", func(t *testing.T) {
		raw := rawSegment(`{"alg":"HS256"}`) + "." + rawSegment(`{"sub":"`+subject.String()+`"}`) + ".sig"
		id, email, ok := token.PeekSubjectAndEmail(raw)
		require.True(t, ok)
		assert.Equal(t, subject, id)
		assert.Empty(t, email)
	})

	t.Run("PaddedPayload", func(t *testing.T) {
		payload := base64.URLEncoding.EncodeToString([]byte(`{"sub":"` + subject.String() + `","x":1}`))
		raw := rawSegment(`{"alg":"HS256"}`) + "." + payload + ".sig"
		id, _, ok := token.PeekSubjectAndEmail(raw)
		require.True(t, ok)
		assert.Equal(t, subject, id)
	})

	t.Run("HeaderIsNotRead", func(t *testing.T) {
		for _, header := range []string{rawSegment("header"), "", "!!!"} {
			raw := header + "." + rawSegment(`{"sub":"`+subject.String()+`"}`) + ".sig"
			id, _, ok := token.PeekSubjectAndEmail(raw)
			require.True(t, ok, "header %q", header)
			assert.Equal(t, subject, id)
		}
	})

	t.Run("NilSubjectIsAUUID", func(t *testing.T) {
		raw := rawSegment(`{"alg":"HS256"}`) + "." + rawSegment(`{"sub":"00000000-0000-0000-0000-000000000000"}`) + ".sig"
		id, _, ok := token.PeekSubjectAndEmail(raw)
		require.True(t, ok)
		assert.Equal(t, uuid.Nil, id)
	})

	t.Run("UnknownAlgorithmStillDecodes", func(t *testing.T) {
		raw := rawSegment(`{"alg":"XYZ"}`) + "." + rawSegment(`{"sub":"`+subject.String()+`"}`) + ".sig"
		id, _, ok := token.PeekSubjectAndEmail(raw)
		require.True(t, ok)
		assert.Equal(t, subject, id)
	})

	malformed := map[string]string{
		"Empty":           "",
		"TwoSegments":     rawSegment(`{"alg":"HS256"}`) + "." + rawSegment(`{"sub":"`+subject.String()+`"}`),
		"FourSegments":    rawSegment(`{"alg":"HS256"}`) + "." + rawSegment(`{"sub":"`+subject.String()+`"}`) + ".sig.extra",
		"InvalidBase64":   rawSegment(`{"alg":"HS256"}`) + ".!!!not-base64!!!.sig",
		"NonJSONPayload":  rawSegment(`{"alg":"HS256"}`) + "." + rawSegment("not json") + ".sig",
		"MissingSubject":  rawSegment(`{"alg":"HS256"}`) + "." + rawSegment(`{"email":"a@b.c"}`) + ".sig",
		"SubjectNotUUID":  rawSegment(`{"alg":"HS256"}`) + "." + rawSegment(`{"sub":"alice"}`) + ".sig",
		"SubjectNotText":  rawSegment(`{"alg":"HS256"}`) + "." + rawSegment(`{"sub":42}`) + ".sig",
		"EmptyPayload":    rawSegment(`{"alg":"HS256"}`) + "..sig",
		"PayloadIsString": rawSegment(`{"alg":"HS256"}`) + "." + rawSegment(`"just a string"`) + ".sig",
	}
	for name, raw := range malformed {
		t.Run(name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				id, email, ok := token.PeekSubjectAndEmail(raw)
				assert.False(t, ok)
				assert.Equal(t, uuid.Nil, id)
				assert.Empty(t, email)
			})
		})
	}
}
