package identity

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// ChangePassword changes the signed-in user's password.
func (c *Client) ChangePassword(ctx context.Context, accessToken, current, next string) error {
	req := struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}{current, next}
	return c.do(ctx, http.MethodPost, "/auth/password/change", accessToken, req, nil)
}

// ForgotPassword asks the backend to start a reset for email. The backend
// answers the same whether or not the account exists.
func (c *Client) ForgotPassword(ctx context.Context, email string) error {
	req := struct {
		Email string `json:"email"`
	}{email}
	return c.do(ctx, http.MethodPost, "/auth/password/forgot", "", req, nil)
}

// ResetPassword completes a reset started by ForgotPassword.
func (c *Client) ResetPassword(ctx context.Context, email, resetToken, next string) error {
	req := struct {
		Email       string `json:"email"`
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}{email, resetToken, next}
	return c.do(ctx, http.MethodPost, "/auth/password/reset", "", req, nil)
}

// ConfirmEmail confirms an address with the token mailed to it.
func (c *Client) ConfirmEmail(ctx context.Context, userID uuid.UUID, confirmToken string) error {
	req := struct {
		UserID uuid.UUID `json:"userId"`
		Token  string    `json:"token"`
	}{userID, confirmToken}
	return c.do(ctx, http.MethodPost, "/auth/email/confirm", "", req, nil)
}

// SetupTwoFactor generates an authenticator secret for the signed-in user.
// It takes effect only after EnableTwoFactor.
func (c *Client) SetupTwoFactor(ctx context.Context, accessToken string) (TwoFactorSetup, error) {
	var out TwoFactorSetup
	err := c.do(ctx, http.MethodPost, "/auth/2fa/setup", accessToken, nil, &out)
	return out, err
}

type codeRequest struct {
	Code string `json:"code"`
}

// EnableTwoFactor turns on two-factor login after verifying code.
func (c *Client) EnableTwoFactor(ctx context.Context, accessToken, code string) error {
	return c.do(ctx, http.MethodPost, "/auth/2fa/enable", accessToken, codeRequest{code}, nil)
}

// DisableTwoFactor turns two-factor login off after verifying code.
func (c *Client) DisableTwoFactor(ctx context.Context, accessToken, code string) error {
	return c.do(ctx, http.MethodPost, "/auth/2fa/disable", accessToken, codeRequest{code}, nil)
}
