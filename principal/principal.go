// Package principal models the authenticated identity attached to a request
// and layers authorization roles onto it.
package principal

import (
	"context"
	"slices"

	"github.com/google/uuid"

	"github.com/jmcleod/tollgate/internal/util"
)

// Claim types carried by identities.
const (
	ClaimSubject = "sub"
	ClaimEmail   = "email"
	ClaimRole    = "role"
)

// Authentication types of the identity layers a Principal can hold.
const (
	AuthSession = "session"
	AuthRoles   = "roles"
)

// Claim is a typed statement about a subject.
type Claim struct {
	Type  string
	Value string
}

// Identity is one layer of claims with a common origin.
type Identity struct {
	AuthenticationType string
	Claims             []Claim
}

// FindFirst returns the first claim value of typ.
func (i *Identity) FindFirst(typ string) (string, bool) {
	for _, c := range i.Claims {
		if c.Type == typ {
			return c.Value, true
		}
	}
	return "", false
}

// Add appends a claim.
func (i *Identity) Add(typ, value string) {
	i.Claims = append(i.Claims, Claim{Type: typ, Value: value})
}

// RemoveAll drops every claim of typ and reports how many were removed.
func (i *Identity) RemoveAll(typ string) int {
	before := len(i.Claims)
	i.Claims = slices.DeleteFunc(i.Claims, func(c Claim) bool { return c.Type == typ })
	return before - len(i.Claims)
}

// Principal is a primary identity plus at most one role layer.
type Principal struct {
	identities []*Identity
}

// New returns an authenticated principal for userID.
func New(userID uuid.UUID, email string) *Principal {
	id := &Identity{AuthenticationType: AuthSession}
	id.Add(ClaimSubject, userID.String())
	if email != "" {
		id.Add(ClaimEmail, email)
	}
	return &Principal{identities: []*Identity{id}}
}

// Anonymous returns an unauthenticated principal.
func Anonymous() *Principal {
	return &Principal{}
}

// IsAuthenticated reports whether any identity layer has an authentication
// type.
func (p *Principal) IsAuthenticated() bool {
	if p == nil {
		return false
	}
	for _, id := range p.identities {
		if id.AuthenticationType != "" {
			return true
		}
	}
	return false
}

// Identities returns the identity layers in attachment order.
func (p *Principal) Identities() []*Identity {
	return p.identities
}

// AddIdentity attaches a layer.
func (p *Principal) AddIdentity(id *Identity) {
	p.identities = append(p.identities, id)
}

func (p *Principal) findFirst(typ string) (string, bool) {
	for _, id := range p.identities {
		if v, ok := id.FindFirst(typ); ok {
			return v, true
		}
	}
	return "", false
}

// UserID returns the subject claim parsed as a UUID.
func (p *Principal) UserID() (uuid.UUID, bool) {
	if p == nil {
		return uuid.Nil, false
	}
	v, ok := p.findFirst(ClaimSubject)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(v)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

// Email returns the email claim, or "".
func (p *Principal) Email() string {
	if p == nil {
		return ""
	}
	v, _ := p.findFirst(ClaimEmail)
	return v
}

// Roles returns every role claim across all layers.
func (p *Principal) Roles() []string {
	if p == nil {
		return nil
	}
	var roles []string
	for _, id := range p.identities {
		for _, c := range id.Claims {
			if c.Type == ClaimRole {
				roles = append(roles, c.Value)
			}
		}
	}
	return roles
}

// IsInRole reports case-insensitive membership of role.
func (p *Principal) IsInRole(role string) bool {
	for _, r := range p.Roles() {
		if util.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// roleLayers counts attached role layers.
func (p *Principal) roleLayers() int {
	n := 0
	for _, id := range p.identities {
		if id.AuthenticationType == AuthRoles {
			n++
		}
	}
	return n
}

type principalContextKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// FromContext returns the request principal, or an anonymous one.
func FromContext(ctx context.Context) *Principal {
	if p, ok := ctx.Value(principalContextKey{}).(*Principal); ok && p != nil {
		return p
	}
	return Anonymous()
}
