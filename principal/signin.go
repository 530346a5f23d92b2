package principal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jmcleod/tollgate/identity"
	"github.com/jmcleod/tollgate/internal/util"
	"github.com/jmcleod/tollgate/token"
)

var (
	// ErrAccountDisabled is returned when the signing-in account is disabled.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrUnknownAccount is returned when a validated subject has no account.
	ErrUnknownAccount = errors.New("unknown account")
	// ErrEmailUnresolved is returned when neither the token nor the account
	// yields an email.
	ErrEmailUnresolved = errors.New("unable to resolve account email")
)

// Session is the part of a session handle sign-in writes to.
type Session interface {
	SetTokens(access, refresh string)
	SignIn(userID uuid.UUID, email string)
	UserID() (uuid.UUID, bool)
	Email() string
	Clear()
}

// ProfileSource fetches the profile behind an access token.
type ProfileSource interface {
	Me(ctx context.Context, accessToken string) (identity.Profile, error)
}

// FromSession rebuilds the request principal from a signed-in session.
func FromSession(sess Session) *Principal {
	id, ok := sess.UserID()
	if !ok {
		return Anonymous()
	}
	return New(id, sess.Email())
}

// SignInFromTokens stores a pair the backend issued on this call chain and
// signs the session in. The subject comes from an unverified read of the
// access token, which is acceptable only because the backend handed the
// token to us directly; when that read fails the profile endpoint is asked
// instead. loginEmail fills in a missing email claim.
func SignInFromTokens(ctx context.Context, sess Session, profiles ProfileSource, tokens identity.AuthTokens, loginEmail string) (*Principal, error) {
	sess.SetTokens(tokens.AccessToken, tokens.RefreshToken)

	userID, email, ok := token.PeekSubjectAndEmail(tokens.AccessToken)
	if !ok {
		p, err := profiles.Me(ctx, tokens.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("resolving signed-in user: %w", err)
		}
		userID, email = p.ID, p.Email
	}
	if email == "" {
		email = loginEmail
	}
	sess.SignIn(userID, email)
	return New(userID, email), nil
}

// ExternalBackend is what external sign-in needs from the identity backend.
type ExternalBackend interface {
	GetUser(ctx context.Context, id uuid.UUID) (identity.User, error)
	ExternalLogin(ctx context.Context, provider, providerUserID, email string) (identity.AuthTokens, error)
}

// ExternalSignIn signs sessions in through the backend's external-login
// exchange. The pair the backend returns is verified before any claim in it
// is used.
type ExternalSignIn struct {
	validator *token.Validator
	backend   ExternalBackend
	logger    *slog.Logger
}

// NewExternalSignIn returns an ExternalSignIn.
func NewExternalSignIn(v *token.Validator, backend ExternalBackend, logger *slog.Logger) *ExternalSignIn {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExternalSignIn{validator: v, backend: backend, logger: logger.With("component", "external_login")}
}

// SignIn exchanges the provider identity for a backend token pair, validates
// the access token and signs the session in as its subject. claimedEmail is
// forwarded to the backend but never overrides the token's email. Nothing is
// written to the session until every check has passed; a disabled account
// clears it.
func (x *ExternalSignIn) SignIn(ctx context.Context, sess Session, provider, providerUserID, claimedEmail string) (*Principal, error) {
	tokens, err := x.backend.ExternalLogin(ctx, provider, providerUserID, claimedEmail)
	if err != nil {
		return nil, err
	}

	userID, email, err := x.validator.ValidateAndExtract(ctx, tokens.AccessToken)
	if err != nil {
		return nil, err
	}

	user, err := x.backend.GetUser(ctx, userID)
	if errors.Is(err, identity.ErrUserNotFound) {
		return nil, ErrUnknownAccount
	}
	if err != nil {
		return nil, fmt.Errorf("looking up external account: %w", err)
	}
	tokenEmail := email
	if email == "" {
		email = user.Email
	}
	if email == "" {
		return nil, ErrEmailUnresolved
	}
	if claimedEmail != "" && !util.EqualFold(claimedEmail, tokenEmail) {
		x.logger.Warn("external login email mismatch", "user_id", userID, "provider", provider)
	}
	if user.IsDisabled {
		sess.Clear()
		return nil, ErrAccountDisabled
	}

	sess.SetTokens(tokens.AccessToken, tokens.RefreshToken)
	sess.SignIn(userID, email)
	return New(userID, email), nil
}
