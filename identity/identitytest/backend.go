// Package identitytest provides an in-memory identity backend for tests.
package identitytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jmcleod/tollgate/internal/util"
)

const (
	// Issuer is the "iss" of every token the backend signs.
	Issuer = "identitytest"
	// Audience is the "aud" of every token the backend signs.
	Audience = "tollgate"
	// KeyID is the "kid" header of every token the backend signs.
	KeyID = "identitytest-hs256"
	// ServiceToken authorizes the administrative endpoints.
	ServiceToken = "identitytest-service-token"
)

// User is an account held by the backend.
type User struct {
	ID             uuid.UUID
	Email          string
	Password       string
	Disabled       bool
	LockoutEnd     *time.Time
	EmailConfirmed bool
	TwoFactorCode  string
	Roles          map[string]bool
	CreatedAt      time.Time
	LastLoginAt    *time.Time
}

type challenge struct {
	userID uuid.UUID
}

// Backend is a fake identity backend. Access tokens are HS256 JWTs carrying
// "sub" and "email"; refresh tokens are random strings rotated on every use.
type Backend struct {
	Server *httptest.Server
	Secret []byte

	mu         sync.Mutex
	now        func() time.Time
	users      map[uuid.UUID]*User
	roles      map[string]bool
	access     map[string]uuid.UUID
	refresh    map[string]uuid.UUID
	challenges map[string]challenge
	issued     map[string]string
	links      map[string]uuid.UUID
	omitEmail  bool
	calls      map[string]int
}

// New starts a backend and registers its shutdown with t.
func New(t testing.TB) *Backend {
	t.Helper()
	secret, err := util.RandomBytes(32)
	if err != nil {
		t.Fatalf("identitytest: %v", err)
	}
	b := &Backend{
		Secret:     secret,
		now:        time.Now,
		users:      make(map[uuid.UUID]*User),
		roles:      map[string]bool{"Admin": true},
		access:     make(map[string]uuid.UUID),
		refresh:    make(map[string]uuid.UUID),
		challenges: make(map[string]challenge),
		issued:     make(map[string]string),
		links:      make(map[string]uuid.UUID),
		calls:      make(map[string]int),
	}
	b.Server = httptest.NewServer(b.router())
	t.Cleanup(b.Server.Close)
	return b
}

// URL is the backend's base URL.
func (b *Backend) URL() string { return b.Server.URL }

// SetClock overrides the clock used for token expiry and lockout.
func (b *Backend) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// KeySet returns the JWKS a verifier needs to validate backend tokens.
func (b *Backend) KeySet() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       b.Secret,
		KeyID:     KeyID,
		Algorithm: "HS256",
		Use:       "sig",
	}}}
}

// AddUser creates an account and returns it.
func (b *Backend) AddUser(email, password string, roles ...string) *User {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addUserLocked(email, password, roles...)
}

func (b *Backend) addUserLocked(email, password string, roles ...string) *User {
	u := &User{
		ID:             uuid.New(),
		Email:          email,
		Password:       password,
		EmailConfirmed: true,
		Roles:          make(map[string]bool),
		CreatedAt:      b.now().UTC(),
	}
	for _, r := range roles {
		u.Roles[r] = true
		b.roles[r] = true
	}
	b.users[u.ID] = u
	return u
}

// Update runs fn on the user with id under the backend lock.
func (b *Backend) Update(id uuid.UUID, fn func(*User)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if u, ok := b.users[id]; ok {
		fn(u)
	}
}

// LinkExternal records that provider's user providerUserID signs in as the
// account id.
func (b *Backend) LinkExternal(provider, providerUserID string, id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.links[linkKey(provider, providerUserID)] = id
}

func linkKey(provider, providerUserID string) string {
	return provider + "\x00" + providerUserID
}

// OmitEmailClaim makes issued access tokens carry only "sub".
func (b *Backend) OmitEmailClaim(omit bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.omitEmail = omit
}

// ExpireAccessTokens invalidates every outstanding access token.
func (b *Backend) ExpireAccessTokens() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.access)
}

// Calls returns how many requests hit "METHOD /path-pattern".
func (b *Backend) Calls(route string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[route]
}

// IssuedToken returns the last one-time token minted for "kind:userID".
func (b *Backend) IssuedToken(kind string, id uuid.UUID) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.issued[kind+":"+id.String()]
}

// SignToken signs claims with the backend key, filling in iss, aud, iat and
// exp when absent.
func (b *Backend) SignToken(claims jwt.MapClaims) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.signLocked(claims)
}

func (b *Backend) signLocked(claims jwt.MapClaims) string {
	now := b.now()
	defaults := jwt.MapClaims{
		"iss": Issuer,
		"aud": Audience,
		"iat": now.Unix(),
		"exp": now.Add(15 * time.Minute).Unix(),
	}
	for k, v := range defaults {
		if _, ok := claims[k]; !ok {
			claims[k] = v
		}
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = KeyID
	signed, err := tok.SignedString(b.Secret)
	if err != nil {
		panic(err)
	}
	return signed
}

func (b *Backend) issueLocked(u *User) map[string]any {
	claims := jwt.MapClaims{"sub": u.ID.String(), "email": u.Email, "jti": uuid.NewString()}
	if b.omitEmail {
		delete(claims, "email")
	}
	access := b.signLocked(claims)
	refresh, _ := util.RandomToken(32)
	b.access[access] = u.ID
	b.refresh[refresh] = u.ID
	now := b.now().UTC()
	u.LastLoginAt = &now
	return map[string]any{"accessToken": access, "refreshToken": refresh, "expiresInSeconds": 900}
}

func (b *Backend) router() http.Handler {
	r := chi.NewRouter()
	r.Use(b.count)

	r.Post("/auth/register", b.handleRegister)
	r.Post("/auth/login", b.handleLogin)
	r.Post("/auth/login/2fa", b.handleLogin2FA)
	r.Post("/auth/external-login", b.handleExternalLogin)
	r.Post("/auth/refresh", b.handleRefresh)
	r.Post("/auth/logout", b.handleLogout)
	r.Get("/auth/me", b.bearer(b.handleMe))
	r.Post("/auth/password/change", b.bearer(b.handleChangePassword))
	r.Post("/auth/password/forgot", b.handleForgotPassword)
	r.Post("/auth/password/reset", b.handleResetPassword)
	r.Post("/auth/email/confirm", b.handleConfirmEmail)
	r.Post("/auth/2fa/setup", b.bearer(b.handleSetup2FA))
	r.Post("/auth/2fa/enable", b.bearer(b.handleEnable2FA))
	r.Post("/auth/2fa/disable", b.bearer(b.handleDisable2FA))

	r.Route("/admin", func(r chi.Router) {
		r.Use(b.requireService)
		r.Get("/users", b.handleListUsers)
		r.Post("/users", b.handleCreateUser)
		r.Get("/users/by-email", b.handleUserByEmail)
		r.Get("/users/{id}", b.withUser(b.handleGetUser))
		r.Get("/users/{id}/roles", b.withUser(b.handleUserRoles))
		r.Post("/users/{id}/roles", b.withUser(b.handleAssignRole))
		r.Delete("/users/{id}/roles/{role}", b.withUser(b.handleRemoveRole))
		r.Post("/users/{id}/disable", b.withUser(b.handleDisable))
		r.Post("/users/{id}/enable", b.withUser(b.handleEnable))
		r.Post("/users/{id}/sessions/revoke", b.withUser(b.handleRevoke))
		r.Post("/users/{id}/password", b.withUser(b.handleSetPassword))
		r.Post("/users/{id}/tokens/{kind}", b.withUser(b.handleIssueToken))
		r.Get("/roles", b.handleListRoles)
		r.Post("/roles", b.handleCreateRole)
		r.Delete("/roles/{name}", b.handleDeleteRole)
	})
	return r
}

func (b *Backend) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		pattern := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			pattern = rc.RoutePattern()
		}
		b.mu.Lock()
		b.calls[r.Method+" "+pattern]++
		b.mu.Unlock()
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func problem(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"title": http.StatusText(status), "detail": detail})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		problem(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func (b *Backend) findByEmailLocked(email string) *User {
	for _, u := range b.users {
		if strings.EqualFold(u.Email, email) {
			return u
		}
	}
	return nil
}

func (b *Backend) revokeLocked(id uuid.UUID) {
	for tok, owner := range b.refresh {
		if owner == id {
			delete(b.refresh, tok)
		}
	}
	for tok, owner := range b.access {
		if owner == id {
			delete(b.access, tok)
		}
	}
}

func userView(u *User) map[string]any {
	return map[string]any{
		"id":               u.ID,
		"email":            u.Email,
		"isDisabled":       u.Disabled,
		"lockoutEnd":       u.LockoutEnd,
		"emailConfirmed":   u.EmailConfirmed,
		"twoFactorEnabled": u.TwoFactorCode != "",
		"createdAt":        u.CreatedAt,
		"lastLoginAt":      u.LastLoginAt,
	}
}

func sortedRoles(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}
