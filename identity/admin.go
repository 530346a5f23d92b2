package identity

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/google/uuid"
)

func userPath(id uuid.UUID, suffix string) string {
	return "/admin/users/" + id.String() + suffix
}

// ListUsers returns every account.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	err := c.admin(ctx, http.MethodGet, "/admin/users", nil, &users)
	return users, err
}

// FindUserByEmail looks an account up by address. It returns ErrUserNotFound
// when no account matches.
func (c *Client) FindUserByEmail(ctx context.Context, email string) (User, error) {
	var u User
	err := c.admin(ctx, http.MethodGet, "/admin/users/by-email?email="+url.QueryEscape(email), nil, &u)
	if StatusOf(err) == http.StatusNotFound {
		return User{}, ErrUserNotFound
	}
	return u, err
}

// GetUser fetches one account.
func (c *Client) GetUser(ctx context.Context, id uuid.UUID) (User, error) {
	var u User
	err := c.admin(ctx, http.MethodGet, userPath(id, ""), nil, &u)
	if StatusOf(err) == http.StatusNotFound {
		return User{}, ErrUserNotFound
	}
	return u, err
}

// CreateUser provisions an account directly.
func (c *Client) CreateUser(ctx context.Context, email, password string, confirmed bool) (User, error) {
	req := struct {
		Email          string `json:"email"`
		Password       string `json:"password"`
		EmailConfirmed bool   `json:"emailConfirmed"`
	}{email, password, confirmed}
	var u User
	err := c.admin(ctx, http.MethodPost, "/admin/users", req, &u)
	return u, err
}

// UserRoles returns the role names held by a user.
func (c *Client) UserRoles(ctx context.Context, id uuid.UUID) ([]string, error) {
	var roles []string
	err := c.admin(ctx, http.MethodGet, userPath(id, "/roles"), nil, &roles)
	return roles, err
}

// AssignRole grants role to a user.
func (c *Client) AssignRole(ctx context.Context, id uuid.UUID, role string) error {
	req := struct {
		Role string `json:"role"`
	}{role}
	return c.admin(ctx, http.MethodPost, userPath(id, "/roles"), req, nil)
}

// RemoveRole revokes role from a user.
func (c *Client) RemoveRole(ctx context.Context, id uuid.UUID, role string) error {
	return c.admin(ctx, http.MethodDelete, userPath(id, "/roles/"+url.PathEscape(role)), nil, nil)
}

type reasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

// DisableUser blocks future sign-ins for a user.
func (c *Client) DisableUser(ctx context.Context, id uuid.UUID, reason string) error {
	return c.admin(ctx, http.MethodPost, userPath(id, "/disable"), reasonRequest{reason}, nil)
}

// EnableUser reverses DisableUser.
func (c *Client) EnableUser(ctx context.Context, id uuid.UUID) error {
	return c.admin(ctx, http.MethodPost, userPath(id, "/enable"), reasonRequest{}, nil)
}

// RevokeSessions invalidates every refresh token the user holds.
func (c *Client) RevokeSessions(ctx context.Context, id uuid.UUID, reason string) error {
	return c.admin(ctx, http.MethodPost, userPath(id, "/sessions/revoke"), reasonRequest{reason}, nil)
}

// SetPassword overwrites a user's password.
func (c *Client) SetPassword(ctx context.Context, id uuid.UUID, password, reason string) error {
	req := struct {
		Password string `json:"password"`
		Reason   string `json:"reason,omitempty"`
	}{password, reason}
	return c.admin(ctx, http.MethodPost, userPath(id, "/password"), req, nil)
}

// IssueToken mints a one-time token of the given kind for a user.
func (c *Client) IssueToken(ctx context.Context, id uuid.UUID, kind TokenKind) (string, error) {
	if !kind.Valid() {
		return "", errors.New("unknown token kind " + string(kind))
	}
	var out struct {
		Token string `json:"token"`
	}
	err := c.admin(ctx, http.MethodPost, userPath(id, "/tokens/"+string(kind)), nil, &out)
	return out.Token, err
}

// ListRoles returns every defined role name.
func (c *Client) ListRoles(ctx context.Context) ([]string, error) {
	var roles []string
	err := c.admin(ctx, http.MethodGet, "/admin/roles", nil, &roles)
	return roles, err
}

// CreateRole defines a role. Creating an existing role is not an error.
func (c *Client) CreateRole(ctx context.Context, name string) error {
	req := struct {
		Name string `json:"name"`
	}{name}
	err := c.admin(ctx, http.MethodPost, "/admin/roles", req, nil)
	if StatusOf(err) == http.StatusConflict {
		return nil
	}
	return err
}

// DeleteRole removes a role definition.
func (c *Client) DeleteRole(ctx context.Context, name string) error {
	return c.admin(ctx, http.MethodDelete, "/admin/roles/"+url.PathEscape(name), nil, nil)
}
