package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// TokenSession is the slice of a browser session the refresh protocol needs.
type TokenSession interface {
	AccessToken() string
	RefreshToken() string
	SetTokens(access, refresh string)
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register creates an account and returns its first token pair.
func (c *Client) Register(ctx context.Context, email, password string) (AuthTokens, error) {
	var tokens AuthTokens
	err := c.do(ctx, http.MethodPost, "/auth/register", "", credentials{Email: email, Password: password}, &tokens)
	return tokens, err
}

// Login exchanges credentials for a token pair or a two-factor challenge.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResult, error) {
	var resp loginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", "", credentials{Email: email, Password: password}, &resp); err != nil {
		return LoginResult{}, err
	}
	if resp.RequiresTwoFactor || (resp.ChallengeToken != "" && resp.AccessToken == "") {
		if resp.ChallengeToken == "" {
			return LoginResult{}, &BackendError{Status: http.StatusBadGateway, Detail: "invalid response from identity service"}
		}
		return LoginResult{ChallengeToken: resp.ChallengeToken}, nil
	}
	tokens := resp.AuthTokens
	return LoginResult{Tokens: &tokens}, nil
}

// CompleteTwoFactor finishes a challenged login with a one-time code.
func (c *Client) CompleteTwoFactor(ctx context.Context, challengeToken, code string) (AuthTokens, error) {
	req := struct {
		ChallengeToken string `json:"challengeToken"`
		Code           string `json:"code"`
	}{challengeToken, code}
	var tokens AuthTokens
	err := c.do(ctx, http.MethodPost, "/auth/login/2fa", "", req, &tokens)
	return tokens, err
}

// ExternalLogin exchanges an externally-authenticated identity for tokens.
func (c *Client) ExternalLogin(ctx context.Context, provider, providerUserID, email string) (AuthTokens, error) {
	req := struct {
		Provider       string `json:"provider"`
		ProviderUserID string `json:"providerUserId"`
		Email          string `json:"email,omitempty"`
	}{provider, providerUserID, email}
	var tokens AuthTokens
	err := c.do(ctx, http.MethodPost, "/auth/external-login", "", req, &tokens)
	return tokens, err
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Refresh exchanges a refresh token for a new pair. The backend may rotate
// the refresh token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (AuthTokens, error) {
	var tokens AuthTokens
	err := c.do(ctx, http.MethodPost, "/auth/refresh", "", refreshRequest{refreshToken}, &tokens)
	return tokens, err
}

// Logout revokes refreshToken on the backend. Failures are logged and
// otherwise ignored; the local session is cleared regardless.
func (c *Client) Logout(ctx context.Context, refreshToken string) {
	if refreshToken == "" {
		return
	}
	if err := c.do(ctx, http.MethodPost, "/auth/logout", "", refreshRequest{refreshToken}, nil); err != nil {
		c.logger.Warn("backend logout failed", "error", err)
	}
}

// Me fetches the profile of the user owning accessToken.
func (c *Client) Me(ctx context.Context, accessToken string) (Profile, error) {
	var p Profile
	if err := c.do(ctx, http.MethodGet, "/auth/me", accessToken, nil, &p); err != nil {
		return Profile{}, err
	}
	if p.ID == uuid.Nil {
		return Profile{}, &BackendError{Status: http.StatusBadGateway, Detail: "invalid response from identity service"}
	}
	return p, nil
}

// MeWithRefresh fetches the profile, transparently refreshing once if the
// first attempt fails for any reason. The refreshed pair is written back to
// the session before the retry. At most one refresh and two profile calls
// are made.
func (c *Client) MeWithRefresh(ctx context.Context, sess TokenSession) (Profile, error) {
	var p Profile
	err := c.withRefresh(ctx, sess, func(err error) bool { return true }, func(access string) error {
		var err error
		p, err = c.Me(ctx, access)
		return err
	})
	return p, err
}

// CallWithRefresh runs call with the session's access token and, if the
// backend answers 401, refreshes once and retries.
func (c *Client) CallWithRefresh(ctx context.Context, sess TokenSession, call func(accessToken string) error) error {
	return c.withRefresh(ctx, sess, IsUnauthorized, call)
}

func (c *Client) withRefresh(ctx context.Context, sess TokenSession, retryable func(error) bool, call func(string) error) error {
	access := sess.AccessToken()
	if access == "" {
		return ErrNotAuthenticated
	}
	first := call(access)
	if first == nil {
		return nil
	}
	if !retryable(first) {
		return first
	}
	refresh := sess.RefreshToken()
	if refresh == "" {
		return ErrNotAuthenticated
	}

	tokens, err := c.Refresh(ctx, refresh)
	if err != nil {
		switch StatusOf(err) {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			c.observeRefresh(RefreshRejected)
			return fmt.Errorf("%w: %w", ErrNotAuthenticated, err)
		}
		c.observeRefresh(RefreshFailed)
		return err
	}
	c.observeRefresh(RefreshSucceeded)
	sess.SetTokens(tokens.AccessToken, tokens.RefreshToken)
	return call(tokens.AccessToken)
}

func (c *Client) observeRefresh(o RefreshOutcome) {
	if c.onRefresh != nil {
		c.onRefresh(o)
	}
	if o != RefreshSucceeded {
		c.logger.Info("token refresh did not succeed", "outcome", string(o))
	}
}

// IsNotAuthenticated reports whether err means the user must sign in again.
func IsNotAuthenticated(err error) bool {
	return errors.Is(err, ErrNotAuthenticated)
}
