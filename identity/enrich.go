package identity

import (
	"context"
	"fmt"
	"time"
)

const (
	msgAccountDisabled = "This account has been disabled. Contact an administrator."
	lockoutTimeLayout  = "2006-01-02 15:04 MST"
)

// EnrichLoginError returns a more specific message than fallback when the
// account behind email is disabled or locked out. Any lookup failure yields
// fallback, so it never reveals whether an account exists.
func (c *Client) EnrichLoginError(ctx context.Context, email, fallback string) string {
	if email == "" || c.serviceToken == "" {
		return fallback
	}
	u, err := c.FindUserByEmail(ctx, email)
	if err != nil {
		return fallback
	}
	if u.IsDisabled {
		return msgAccountDisabled
	}
	if u.LockoutEnd != nil && u.LockoutEnd.After(c.now()) {
		return fmt.Sprintf("This account is locked out until %s. Please try again later.",
			u.LockoutEnd.In(time.UTC).Format(lockoutTimeLayout))
	}
	return fallback
}
