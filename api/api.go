// Package api is the gateway's HTTP surface: browser sessions, sign-in
// flows, account self-service and the administrator endpoints.
package api

import (
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/tollgate/gate"
	"github.com/jmcleod/tollgate/identity"
	"github.com/jmcleod/tollgate/principal"
	"github.com/jmcleod/tollgate/session"
	"github.com/jmcleod/tollgate/storage"
)

const (
	defaultLoginPath = "/login"
	defaultAdminRole = "Admin"

	limiterSweepInterval = 5 * time.Minute
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	backend   *identity.Client
	store     session.Store
	roles     *principal.RoleResolver
	augmenter *principal.Augmenter
	gate      gate.Gate
	external  *principal.ExternalSignIn
	trail     *adminTrail

	audit   *auditLogger
	metrics *Metrics
	logger  *slog.Logger

	login     *loginLimiters
	regIP     *keyedLimiter
	regGlobal *windowLimiter
	twoFactor *keyedLimiter

	trustedProxies  []netip.Prefix
	corsOrigins     []string
	loginPath       string
	challengeMaxAge time.Duration
	sessionLifetime time.Duration
	now             func() time.Time

	stop chan struct{}
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger. If not set, a JSON logger writing
// to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithGate replaces the default role gate.
func WithGate(g gate.Gate) Option {
	return func(a *API) { a.gate = g }
}

// WithRoleResolver replaces the default cached role resolver.
func WithRoleResolver(r *principal.RoleResolver) Option {
	return func(a *API) { a.roles = r }
}

// WithExternalSignIn enables POST /auth/external-login.
func WithExternalSignIn(x *principal.ExternalSignIn) Option {
	return func(a *API) { a.external = x }
}

// WithMetrics enables prometheus instrumentation and GET /metrics.
func WithMetrics(m *Metrics) Option {
	return func(a *API) { a.metrics = m }
}

// WithAlertFunc sets a callback for anomaly alerts such as login failure
// spikes.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) { a.audit.metrics = newMetricsCollector(fn) }
}

// WithAuditWebhook forwards every audit event to url.
func WithAuditWebhook(url string, headers map[string]string) Option {
	return func(a *API) {
		if url != "" {
			a.audit.webhook = newAuditWebhook(url, headers, a.logger)
		}
	}
}

// WithTrustedProxies sets the CIDRs whose forwarding headers are honoured
// when deriving the client IP.
func WithTrustedProxies(cidrs []string) (Option, error) {
	prefixes, err := parseTrustedProxies(cidrs)
	if err != nil {
		return nil, fmt.Errorf("parsing trusted proxies: %w", err)
	}
	return func(a *API) { a.trustedProxies = prefixes }, nil
}

// WithCORSOrigins allows credentialed cross-origin requests from origins.
func WithCORSOrigins(origins []string) Option {
	return func(a *API) { a.corsOrigins = origins }
}

// WithLoginPath sets where clients are redirected when a sign-in step must
// restart.
func WithLoginPath(path string) Option {
	return func(a *API) { a.loginPath = path }
}

// WithChallengeMaxAge sets how long a pending two-factor challenge stays
// valid.
func WithChallengeMaxAge(d time.Duration) Option {
	return func(a *API) { a.challengeMaxAge = d }
}

// WithSessionLifetime sets the absolute lifetime of new sessions.
func WithSessionLifetime(d time.Duration) Option {
	return func(a *API) { a.sessionLifetime = d }
}

// WithClock overrides the time source for sessions and the audit trail.
func WithClock(now func() time.Time) Option {
	return func(a *API) { a.now = now }
}

// New creates an API over the identity backend, a session store and a
// repository for the admin audit trail.
func New(backend *identity.Client, store session.Store, repo storage.Repository, opts ...Option) *API {
	a := &API{
		backend:         backend,
		store:           store,
		logger:          slog.New(slog.NewJSONHandler(os.Stderr, nil)),
		login:           newLoginLimiters(),
		regIP:           newKeyedLimiter(registrationIPPolicy),
		regGlobal:       newGlobalRegistrationLimiter(),
		twoFactor:       newKeyedLimiter(twoFactorPolicy),
		loginPath:       defaultLoginPath,
		challengeMaxAge: session.DefaultChallengeMaxAge,
		sessionLifetime: session.DefaultLifetime,
		now:             time.Now,
		stop:            make(chan struct{}),
	}
	// Options that touch the audit logger need it to exist first; the
	// logger itself is rebound once every option has run.
	a.audit = newAuditLogger(a.logger)
	for _, opt := range opts {
		opt(a)
	}
	a.audit.logger = a.logger.With("component", "audit")
	a.audit.now = a.now
	a.audit.prom = a.metrics

	if a.roles == nil {
		var resolverOpts []principal.ResolverOption
		resolverOpts = append(resolverOpts, principal.WithResolverLogger(a.logger))
		if a.metrics != nil {
			resolverOpts = append(resolverOpts, principal.WithLookupObserver(a.metrics.ObserveRoleLookup))
		}
		cache := principal.NewRoleCache(principal.DefaultRoleCacheSize, principal.DefaultRoleTTL)
		a.roles = principal.NewRoleResolver(backend, cache, resolverOpts...)
	}
	if a.gate == nil {
		a.gate = gate.NewRoleGate(a.roles, defaultAdminRole, a.logger)
	}
	a.augmenter = principal.NewAugmenter(a.roles, a.logger)
	a.trail = newAdminTrail(repo, a.now)

	go a.sweepLimiters()
	return a
}

// Close stops background work and flushes the audit webhook.
func (a *API) Close() {
	close(a.stop)
	if a.audit.webhook != nil {
		a.audit.webhook.close()
	}
}

func (a *API) sweepLimiters() {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.login.sweep()
			a.regIP.sweep()
			a.twoFactor.sweep()
		}
	}
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)
	if a.metrics != nil {
		r.Use(a.metrics.Instrument)
	}
	if len(a.corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   a.corsOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", csrfHeaderName},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", a.Health)
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics.Handler())
	}
	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})
	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))
	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Group(func(r chi.Router) {
		r.Use(a.CSRFMiddleware, a.SessionMiddleware, a.PrincipalMiddleware)

		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", a.Register)
			r.Post("/login", a.Login)
			r.Get("/login/2fa", a.TwoFactorPending)
			r.Post("/login/2fa", a.CompleteTwoFactor)
			r.Post("/external-login", a.ExternalLogin)
			r.Post("/logout", a.Logout)
			r.Get("/session", a.Session)
			r.Post("/password/forgot", a.ForgotPassword)
			r.Post("/password/reset", a.ResetPassword)
			r.Post("/email/confirm", a.ConfirmEmail)

			r.Group(func(r chi.Router) {
				r.Use(a.RequireAuth)
				r.Get("/me", a.Me)
				r.Post("/password/change", a.ChangePassword)
				r.Post("/2fa/setup", a.SetupTwoFactor)
				r.Post("/2fa/enable", a.EnableTwoFactor)
				r.Post("/2fa/disable", a.DisableTwoFactor)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(a.RequireAuth, gate.Require(a.gate, a.gateSession, a.onAdminDenied))
			r.Get("/users", a.ListUsers)
			r.Get("/users/{userID}", a.GetUser)
			r.Get("/users/{userID}/roles", a.GetUserRoles)
			r.Post("/users/{userID}/roles", a.AssignRole)
			r.Delete("/users/{userID}/roles/{role}", a.RemoveRole)
			r.Post("/users/{userID}/disable", a.DisableUser)
			r.Post("/users/{userID}/enable", a.EnableUser)
			r.Post("/users/{userID}/sessions/revoke", a.RevokeSessions)
			r.Post("/users/{userID}/password", a.SetUserPassword)
			r.Post("/users/{userID}/tokens/{kind}", a.IssueToken)
			r.Get("/roles", a.ListRoles)
			r.Post("/roles", a.CreateRole)
			r.Delete("/roles/{role}", a.DeleteRole)
			r.Post("/login-diagnostics", a.LoginDiagnostics)
			r.Get("/audit", a.ListAudit)
			r.Get("/audit/export", a.ExportAudit)
		})
	})

	return r
}

// Health reports liveness. It does not call the identity backend.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}
