package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmcleod/tollgate/token"
)

const (
	// DefaultChallengeMaxAge is how long a two-factor challenge stays valid.
	DefaultChallengeMaxAge = 5 * time.Minute
	// DefaultLifetime is the absolute lifetime of a new session.
	DefaultLifetime = 8 * time.Hour
)

// Challenge is a pending two-factor login.
type Challenge struct {
	Token    string
	Email    string
	IssuedAt time.Time
}

// Handle is the capability through which request code reads and mutates one
// session. Callers never see the store or its raw fields.
//
// A Handle is safe for concurrent use, but two Handles on the same id (two
// concurrent requests from one browser) do not coordinate: the last write
// wins.
type Handle struct {
	id       string
	store    Store
	now      func() time.Time
	lifetime time.Duration

	mu sync.Mutex
}

// HandleOption configures a Handle.
type HandleOption func(*Handle)

// WithHandleClock overrides the time source used for challenge and lifetime
// stamps.
func WithHandleClock(now func() time.Time) HandleOption {
	return func(h *Handle) { h.now = now }
}

// WithLifetime sets the absolute lifetime applied when the session is first
// written.
func WithLifetime(d time.Duration) HandleOption {
	return func(h *Handle) { h.lifetime = d }
}

// NewHandle returns a Handle for session id in store. Nothing is written
// until the first mutation.
func NewHandle(id string, store Store, opts ...HandleOption) *Handle {
	h := &Handle{
		id:       id,
		store:    store,
		now:      time.Now,
		lifetime: DefaultLifetime,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ID returns the opaque session id.
func (h *Handle) ID() string {
	return h.id
}

func (h *Handle) read() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	state, _ := h.store.Get(h.id)
	return state
}

// update applies fn to the current state (or a fresh one) and writes it back.
func (h *Handle) update(fn func(*State)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	state, ok := h.store.Get(h.id)
	if !ok {
		state = State{CreatedAt: now, ExpiresAt: now.Add(h.lifetime)}
	}
	fn(&state)
	state.LastAccessedAt = now
	h.store.Put(h.id, state)
}

// Exists reports whether the session has been written and is still live.
func (h *Handle) Exists() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.store.Get(h.id)
	return ok
}

// Touch refreshes the idle timer of an existing session.
func (h *Handle) Touch() {
	h.mu.Lock()
	defer h.mu.Unlock()
	state, ok := h.store.Get(h.id)
	if !ok {
		return
	}
	state.LastAccessedAt = h.now()
	h.store.Put(h.id, state)
}

// SetTokens stores a backend-issued token pair. The access token is peeked
// without verification to cache the subject id; a token that cannot be read
// leaves the cached id untouched.
func (h *Handle) SetTokens(access, refresh string) {
	subject, _, ok := token.PeekSubjectAndEmail(access)
	h.update(func(s *State) {
		s.AccessToken = access
		s.RefreshToken = refresh
		if ok {
			s.UserID = subject.String()
		}
	})
}

// SetRefreshToken stores only a refresh token.
func (h *Handle) SetRefreshToken(refresh string) {
	h.update(func(s *State) { s.RefreshToken = refresh })
}

// AccessToken returns the stored access token or "".
func (h *Handle) AccessToken() string {
	return h.read().AccessToken
}

// RefreshToken returns the stored refresh token or "".
func (h *Handle) RefreshToken() string {
	return h.read().RefreshToken
}

// UserID returns the resolved user id, if any.
func (h *Handle) UserID() (uuid.UUID, bool) {
	id, err := uuid.Parse(h.read().UserID)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// Email returns the signed-in identity's email or "".
func (h *Handle) Email() string {
	return h.read().Email
}

// SignIn records the identity the session is authenticated as.
func (h *Handle) SignIn(userID uuid.UUID, email string) {
	h.update(func(s *State) {
		s.UserID = userID.String()
		s.Email = email
	})
}

// SetChallenge replaces any pending challenge with token for email, stamped
// with the current time.
func (h *Handle) SetChallenge(challengeToken, email string) {
	issued := h.now().UTC().Format(time.RFC3339Nano)
	h.update(func(s *State) {
		s.ChallengeToken = challengeToken
		s.PendingLoginEmail = email
		s.ChallengeIssuedAt = issued
	})
}

// Challenge returns the pending challenge. ok is false when none is stored or
// its timestamp is unreadable.
func (h *Handle) Challenge() (Challenge, bool) {
	state := h.read()
	if state.ChallengeToken == "" {
		return Challenge{}, false
	}
	issued, err := time.Parse(time.RFC3339Nano, state.ChallengeIssuedAt)
	if err != nil {
		return Challenge{}, false
	}
	return Challenge{Token: state.ChallengeToken, Email: state.PendingLoginEmail, IssuedAt: issued}, true
}

// IsChallengeExpired reports whether the pending challenge is older than
// maxAge. A missing challenge or unreadable timestamp counts as expired.
// maxAge <= 0 means DefaultChallengeMaxAge.
func (h *Handle) IsChallengeExpired(maxAge time.Duration) bool {
	if maxAge <= 0 {
		maxAge = DefaultChallengeMaxAge
	}
	c, ok := h.Challenge()
	if !ok {
		return true
	}
	return h.now().Sub(c.IssuedAt) > maxAge
}

// ClearChallenge removes the challenge token, its timestamp and the pending
// login email.
func (h *Handle) ClearChallenge() {
	h.update(func(s *State) {
		s.ChallengeToken = ""
		s.ChallengeIssuedAt = ""
		s.PendingLoginEmail = ""
	})
}

// Clear removes every token, identity and challenge field. The session id
// stays valid.
func (h *Handle) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	state, ok := h.store.Get(h.id)
	if !ok {
		return
	}
	h.store.Put(h.id, State{
		CreatedAt:      state.CreatedAt,
		ExpiresAt:      state.ExpiresAt,
		LastAccessedAt: h.now(),
	})
}

// Destroy deletes the session record.
func (h *Handle) Destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.store.Delete(h.id)
}
