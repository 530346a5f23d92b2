package identity

import (
	"time"

	"github.com/google/uuid"
)

// AuthTokens is a backend-issued token pair. The gateway treats both tokens
// as opaque.
type AuthTokens struct {
	AccessToken      string `json:"accessToken"`
	RefreshToken     string `json:"refreshToken"`
	ExpiresInSeconds int    `json:"expiresInSeconds"`
}

// LoginResult is either a token pair or a two-factor challenge.
type LoginResult struct {
	Tokens         *AuthTokens
	ChallengeToken string
}

// RequiresTwoFactor reports whether the login must be completed with a code.
func (r LoginResult) RequiresTwoFactor() bool {
	return r.Tokens == nil && r.ChallengeToken != ""
}

type loginResponse struct {
	AuthTokens
	RequiresTwoFactor bool   `json:"requiresTwoFactor"`
	ChallengeToken    string `json:"challengeToken"`
}

// Profile is the "who am I" view of the signed-in user.
type Profile struct {
	ID          uuid.UUID  `json:"id"`
	Email       string     `json:"email"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
}

// User is the administrative view of an account.
type User struct {
	ID               uuid.UUID  `json:"id"`
	Email            string     `json:"email"`
	IsDisabled       bool       `json:"isDisabled"`
	LockoutEnd       *time.Time `json:"lockoutEnd,omitempty"`
	EmailConfirmed   bool       `json:"emailConfirmed"`
	TwoFactorEnabled bool       `json:"twoFactorEnabled"`
	CreatedAt        time.Time  `json:"createdAt"`
	LastLoginAt      *time.Time `json:"lastLoginAt,omitempty"`
}

// TwoFactorSetup carries the shared secret for an authenticator app.
type TwoFactorSetup struct {
	SecretBase32 string `json:"secretBase32"`
	OtpAuthURI   string `json:"otpAuthUri"`
}

// TokenKind names a one-time token an administrator can issue for a user.
type TokenKind string

const (
	TokenPasswordReset     TokenKind = "password-reset"
	TokenEmailConfirmation TokenKind = "email-confirmation"
	TokenPhoneVerification TokenKind = "phone-verification"
)

// Valid reports whether k is a known token kind.
func (k TokenKind) Valid() bool {
	switch k {
	case TokenPasswordReset, TokenEmailConfirmation, TokenPhoneVerification:
		return true
	}
	return false
}
