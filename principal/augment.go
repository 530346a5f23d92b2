package principal

import (
	"context"
	"log/slog"
	"slices"

	"github.com/google/uuid"
)

// RoleLookup resolves the current roles of a user.
type RoleLookup interface {
	Roles(ctx context.Context, userID uuid.UUID) ([]string, error)
}

// Augmenter attaches a fresh role layer to authenticated principals.
type Augmenter struct {
	roles  RoleLookup
	logger *slog.Logger
}

// NewAugmenter returns an Augmenter backed by roles.
func NewAugmenter(roles RoleLookup, logger *slog.Logger) *Augmenter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Augmenter{roles: roles, logger: logger.With("component", "claims")}
}

// Augment strips every role claim and role layer from p, then attaches one
// layer holding the user's current roles. Unauthenticated principals and
// principals without a usable subject are returned untouched. If the roles
// cannot be fetched p is left with no role layer.
func (a *Augmenter) Augment(ctx context.Context, p *Principal) *Principal {
	if !p.IsAuthenticated() {
		return p
	}
	userID, ok := p.UserID()
	if !ok {
		return p
	}

	for _, id := range p.identities {
		id.RemoveAll(ClaimRole)
	}
	p.identities = slices.DeleteFunc(p.identities, func(id *Identity) bool {
		return id.AuthenticationType == AuthRoles
	})

	roles, err := a.roles.Roles(ctx, userID)
	if err != nil {
		a.logger.Warn("role lookup failed; continuing without roles", "user_id", userID, "error", err)
		return p
	}
	layer := &Identity{AuthenticationType: AuthRoles}
	for _, r := range roles {
		layer.Add(ClaimRole, r)
	}
	p.AddIdentity(layer)
	return p
}
