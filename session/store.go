// Package session holds the server-side state behind a browser session: the
// backend-issued token pair, the resolved user, and any pending two-factor
// challenge.
package session

import (
	"log/slog"
	"time"
)

// Store abstracts session CRUD so that sessions can be kept in memory
// (default) or in persistent backing storage.
type Store interface {
	// Get retrieves a session by id. Returns false if the session does not
	// exist, has expired, or has exceeded the idle timeout.
	Get(id string) (State, bool)
	// Put creates or updates the session for the given id.
	Put(id string, state State)
	// Delete removes a session by id.
	Delete(id string)
}

// State is the server-side record for one session.
type State struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	// Email of the signed-in identity.
	Email string `json:"email,omitempty"`

	ChallengeToken string `json:"challenge_token,omitempty"`
	// ChallengeIssuedAt is RFC 3339 text so that an unreadable value can be
	// told apart from a missing one.
	ChallengeIssuedAt string `json:"challenge_issued_at,omitempty"`
	PendingLoginEmail string `json:"pending_login_email,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// live reports whether s is usable at now under the given idle timeout.
func (s State) live(now time.Time, idleTimeout time.Duration) bool {
	if now.After(s.ExpiresAt) {
		return false
	}
	if idleTimeout > 0 && now.Sub(s.LastAccessedAt) > idleTimeout {
		return false
	}
	return true
}

type storeOptions struct {
	now           func() time.Time
	sweepInterval time.Duration
	logger        *slog.Logger
}

// StoreOption configures a Store implementation.
type StoreOption func(*storeOptions)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) StoreOption {
	return func(o *storeOptions) { o.now = now }
}

// WithSweepInterval sets how often expired sessions are purged. Zero
// disables the background sweep.
func WithSweepInterval(d time.Duration) StoreOption {
	return func(o *storeOptions) { o.sweepInterval = d }
}

// WithLogger sets the logger for storage failures.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(o *storeOptions) { o.logger = logger }
}

const defaultSweepInterval = 5 * time.Minute

func newStoreOptions(opts []StoreOption) storeOptions {
	o := storeOptions{
		now:           time.Now,
		sweepInterval: defaultSweepInterval,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With("component", "session_store")
	return o
}

// sweeper runs fn every interval until stop is closed.
func sweeper(interval time.Duration, stop <-chan struct{}, fn func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			fn()
		}
	}
}
