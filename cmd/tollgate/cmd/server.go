package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/jmcleod/tollgate/api"
	"github.com/jmcleod/tollgate/config"
	"github.com/jmcleod/tollgate/gate"
	"github.com/jmcleod/tollgate/identity"
	"github.com/jmcleod/tollgate/internal/util"
	"github.com/jmcleod/tollgate/principal"
	"github.com/jmcleod/tollgate/session"
	"github.com/jmcleod/tollgate/storage"
	bboltstorage "github.com/jmcleod/tollgate/storage/bbolt"
	"github.com/jmcleod/tollgate/storage/memory"
	"github.com/jmcleod/tollgate/storage/postgres"
	"github.com/jmcleod/tollgate/token"
)

var (
	tlsCert string
	tlsKey  string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the session gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg.Debug)

		gw, err := newGateway(cfg, logger)
		if err != nil {
			return err
		}
		defer gw.Close()

		if cfg.Admin.SeedEmail != "" {
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Backend.Timeout)
			err := seedAdmin(ctx, gw.backend, cfg.Admin.Role, cfg.Admin.SeedEmail, cfg.Admin.SeedPassword, logger)
			cancel()
			if err != nil {
				// The backend may still be starting; the gateway is usable without the seed.
				logger.Warn("seeding administrator failed", "error", err)
			}
		}

		server := &http.Server{
			Addr:              cfg.Addr,
			Handler:           gw.handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if tlsCert != "" && tlsKey != "" {
			cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			server.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if server.TLSConfig != nil {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		fmt.Printf("Starting gateway on %s (backend: %s, sessions: %s)...\n",
			cfg.Addr, cfg.Backend.URL, cfg.Session.Store)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFrom(configPath)
	}
	return config.Load()
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// gateway is the assembled HTTP handler and everything it holds open.
type gateway struct {
	handler http.Handler
	backend *identity.Client
	closers []func()
}

func (g *gateway) Close() {
	for i := len(g.closers) - 1; i >= 0; i-- {
		g.closers[i]()
	}
}

func newGateway(cfg *config.Config, logger *slog.Logger) (*gateway, error) {
	gw := &gateway{}
	ok := false
	defer func() {
		if !ok {
			gw.Close()
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := api.NewMetrics(registry)

	backendOpts := []identity.Option{
		identity.WithHTTPClient(&http.Client{Timeout: cfg.Backend.Timeout}),
		identity.WithLogger(logger),
		identity.WithRefreshObserver(metrics.ObserveRefresh),
	}
	if cfg.Backend.ServiceToken != "" {
		backendOpts = append(backendOpts, identity.WithServiceToken(cfg.Backend.ServiceToken))
	}
	if cfg.Backend.Tracing {
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{},
		))
		backendOpts = append(backendOpts, identity.WithTracing())
	}
	backend, err := identity.New(cfg.Backend.URL, backendOpts...)
	if err != nil {
		return nil, err
	}
	gw.backend = backend

	store, repo, err := openSessionStore(cfg, logger, gw)
	if err != nil {
		return nil, err
	}

	cache := principal.NewRoleCache(cfg.Roles.CacheSize, cfg.Roles.CacheTTL)
	roles := principal.NewRoleResolver(backend, cache,
		principal.WithResolverLogger(logger),
		principal.WithLookupObserver(metrics.ObserveRoleLookup),
	)

	var adminGate gate.Gate
	switch cfg.Admin.Mode {
	case config.AdminByEmail:
		adminGate = gate.NewEmailGate(backend, cfg.Admin.Email, logger)
	default:
		adminGate = gate.NewRoleGate(roles, cfg.Admin.Role, logger)
	}

	trusted, err := api.WithTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	opts := []api.Option{
		api.WithLogger(logger),
		api.WithMetrics(metrics),
		api.WithRoleResolver(roles),
		api.WithGate(adminGate),
		api.WithAlertFunc(func(e api.AlertEvent) {
			logger.Warn("security alert", "type", e.Type, "message", e.Message, "count", e.Count, "threshold", e.Threshold)
		}),
		trusted,
		api.WithCORSOrigins(cfg.CORSOrigins),
		api.WithLoginPath(cfg.LoginPath),
		api.WithChallengeMaxAge(cfg.Session.ChallengeMaxAge),
		api.WithSessionLifetime(cfg.Session.TTL),
	}
	if cfg.Audit.WebhookURL != "" {
		opts = append(opts, api.WithAuditWebhook(cfg.Audit.WebhookURL, cfg.Audit.WebhookHeaders))
	}
	if cfg.ExternalLoginEnabled() {
		verifier, err := newVerifier(cfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, api.WithExternalSignIn(
			principal.NewExternalSignIn(token.NewValidator(verifier), backend, logger)))
	}

	a := api.New(backend, store, repo, opts...)
	gw.closers = append(gw.closers, a.Close)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Mount("/api/v1", a.Router())

	gw.handler = otelhttp.NewHandler(r, "tollgate")
	ok = true
	return gw, nil
}

// openSessionStore returns the session store and the repository that also
// holds the admin audit trail.
func openSessionStore(cfg *config.Config, logger *slog.Logger, gw *gateway) (session.Store, storage.Repository, error) {
	storeOpts := []session.StoreOption{session.WithLogger(logger)}
	var repo storage.Repository
	switch cfg.Session.Store {
	case config.StoreBolt:
		if err := os.MkdirAll(cfg.Session.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		db, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.Session.DataDir, "tollgate.db"), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open session storage: %w", err)
		}
		gw.closers = append(gw.closers, func() { db.Close() })
		repo = db
	case config.StorePostgres:
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		pg, err := postgres.NewRepositoryFromDSN(ctx, cfg.Session.DatabaseURL)
		cancel()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open session storage: %w", err)
		}
		gw.closers = append(gw.closers, pg.Close)
		repo = pg
	default:
		store := session.NewMemoryStore(cfg.Session.Idle, storeOpts...)
		gw.closers = append(gw.closers, store.Close)
		return store, memory.NewRepository(), nil
	}

	wrappingKey, err := util.DeriveWrappingKey(cfg.Session.Secret)
	if err != nil {
		return nil, nil, err
	}
	store, err := session.NewPersistentStore(repo, cfg.Session.Idle, wrappingKey, storeOpts...)
	util.WipeBytes(wrappingKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open session store: %w", err)
	}
	gw.closers = append(gw.closers, store.Close)
	return store, repo, nil
}

// newVerifier prefers an explicit JWKS URL and falls back to OIDC discovery
// on the issuer.
func newVerifier(cfg *config.Config) (token.Verifier, error) {
	if cfg.Token.JWKSURL != "" {
		keys := token.NewRemoteKeys(cfg.Token.JWKSURL, &http.Client{Timeout: cfg.Backend.Timeout})
		return token.NewJWKSVerifier(keys, token.VerifierConfig{
			Issuer:   cfg.Token.Issuer,
			Audience: cfg.Token.Audience,
			Leeway:   cfg.Token.Leeway,
		}), nil
	}
	return token.NewOIDCVerifier(cfg.Token.Issuer, cfg.Token.Audience)
}
