// Package gate decides whether the current session belongs to an
// administrator.
package gate

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jmcleod/tollgate/identity"
	"github.com/jmcleod/tollgate/internal/util"
)

// ErrForbidden is returned when the gate denies a privileged operation.
var ErrForbidden = errors.New("forbidden")

// Session is what a gate reads from the current session.
type Session interface {
	identity.TokenSession
	UserID() (uuid.UUID, bool)
}

// Gate is the administrator predicate every privileged operation consults.
// Implementations fail closed: any lookup error yields false.
type Gate interface {
	IsAdmin(ctx context.Context, sess Session) bool
}

// RoleLookup resolves a user's roles, typically through the role cache.
type RoleLookup interface {
	Roles(ctx context.Context, userID uuid.UUID) ([]string, error)
}

// RoleGate admits users holding a configured role.
type RoleGate struct {
	roles  RoleLookup
	role   string
	logger *slog.Logger
}

// NewRoleGate returns a gate admitting holders of role.
func NewRoleGate(roles RoleLookup, role string, logger *slog.Logger) *RoleGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoleGate{roles: roles, role: role, logger: logger.With("component", "gate")}
}

func (g *RoleGate) IsAdmin(ctx context.Context, sess Session) bool {
	userID, ok := sess.UserID()
	if !ok {
		return false
	}
	roles, err := g.roles.Roles(ctx, userID)
	if err != nil {
		g.logger.Warn("admin check failed", "user_id", userID, "error", err)
		return false
	}
	for _, r := range roles {
		if util.EqualFold(r, g.role) {
			return true
		}
	}
	return false
}

// ProfileSource fetches the signed-in profile, refreshing tokens if needed.
type ProfileSource interface {
	MeWithRefresh(ctx context.Context, sess identity.TokenSession) (identity.Profile, error)
}

// EmailGate admits the single account with a configured email.
type EmailGate struct {
	profiles ProfileSource
	email    string
	logger   *slog.Logger
}

// NewEmailGate returns a gate admitting the account whose email is email.
func NewEmailGate(profiles ProfileSource, email string, logger *slog.Logger) *EmailGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailGate{profiles: profiles, email: email, logger: logger.With("component", "gate")}
}

func (g *EmailGate) IsAdmin(ctx context.Context, sess Session) bool {
	if g.email == "" {
		return false
	}
	p, err := g.profiles.MeWithRefresh(ctx, sess)
	if err != nil {
		g.logger.Info("admin check could not load profile", "error", err)
		return false
	}
	return util.EqualFold(p.Email, g.email)
}

// Check returns ErrForbidden unless g admits sess.
func Check(ctx context.Context, g Gate, sess Session) error {
	if !g.IsAdmin(ctx, sess) {
		return ErrForbidden
	}
	return nil
}
