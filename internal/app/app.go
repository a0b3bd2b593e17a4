// Package app wires the Parley server runtime: config, logging, the message
// store, the realtime gateway, and the HTTP history surface.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"parley/internal/chat"
	"parley/internal/history"
	"parley/internal/identity"
)

// App is the Parley server runtime. It owns the HTTP server wiring and the
// lifecycle of the store, the backplane, and the realtime gateway.
type App struct {
	cfg Config
	log Logger

	store chat.MessageStore

	dbPool    *pgxpool.Pool
	dbEnabled bool

	hub       *chat.Hub
	relay     *chat.Relay
	backplane chat.Backplane
	gateway   *chat.Gateway
	history   *history.Handler

	registry *prometheus.Registry
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	store, dbPool, dbEnabled, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	resolver, err := newResolver(log)
	if err != nil {
		store.Close()
		if dbPool != nil {
			dbPool.Close()
		}
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := chat.NewMetrics(registry)

	hub := chat.NewHub(log)

	var backplane chat.Backplane
	if cfg.BackplanePubAddr != "" {
		bp, err := chat.NewZMQBackplane(log, cfg.BackplanePubAddr, cfg.BackplanePeers)
		if err != nil {
			store.Close()
			if dbPool != nil {
				dbPool.Close()
			}
			return nil, err
		}
		backplane = bp
	}

	relay := chat.NewRelay(log, store, hub, backplane, metrics)
	gateway := chat.NewGateway(log, hub, relay, resolver, metrics)

	// Customer profile lookup is owned by the platform's identity service;
	// no Directory is wired here, so conversation rows carry ids only.
	historyH := history.NewHandler(log, store, resolver, hub, nil)

	return &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		hub:       hub,
		relay:     relay,
		backplane: backplane,
		gateway:   gateway,
		history:   historyH,
		registry:  registry,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal
// server error.
func (a *App) Run(ctx context.Context) error {
	if a.backplane != nil {
		if err := a.backplane.Start(a.relay.ApplyRemote); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(a.routes(), a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"db_enabled", a.dbEnabled,
		"sqlite", a.cfg.SQLitePath != "",
		"backplane", a.backplane != nil,
		"instance_id", a.relay.InstanceID(),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if a.backplane != nil {
		if err := a.backplane.Close(); err != nil {
			a.log.Error("backplane.close.fail", "err", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}

	a.log.Info("server.stopped")
	return nil
}

func (a *App) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", a.healthz)
	r.Get("/readyz", a.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	r.Get("/ws", a.gateway.HandleWS)

	r.Route("/api/v1", func(r chi.Router) {
		a.history.Routes(r)
	})

	return r
}

func (a *App) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// readyz reports readiness. When PARLEY_READINESS_REQUIRE_DB is set the
// instance is not ready without a reachable Postgres.
func (a *App) readyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if a.cfg.ReadinessRequireDB && !a.dbEnabled {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unavailable","reason":"db_required"}`))
		return
	}

	if a.dbEnabled {
		if err := PingDB(r.Context(), a.dbPool, 2*time.Second); err != nil {
			a.log.Warn("readyz.db.fail", "err", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable","reason":"db_unreachable"}`))
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore selects the message store: Postgres when a database URL is set,
// SQLite when a path is set, otherwise in-memory (dev).
func newStore(ctx context.Context, cfg Config, log Logger) (chat.MessageStore, *pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL != "" {
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, false, err
		}

		store, err := chat.NewPostgresStore(pool) // default schema "parley"
		if err != nil {
			pool.Close()
			return nil, nil, false, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, false, err
		}

		log.Info("store.postgres")
		return store, pool, true, nil
	}

	if cfg.SQLitePath != "" {
		store, err := chat.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, false, err
		}
		log.Info("store.sqlite", "path", cfg.SQLitePath)
		return store, nil, false, nil
	}

	log.Info("store.inmemory")
	return chat.NewInMemoryStore(), nil, false, nil
}

// newResolver builds the token resolver. Without a configured verification
// key it falls back to an ephemeral dev keypair and logs the secret so the
// dev token tool can mint matching credentials.
func newResolver(log Logger) (identity.Resolver, error) {
	cfg, err := identity.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}

	if cfg.PublicKeyHex == "" {
		secretHex, publicHex := identity.NewDevKeypair()
		cfg.PublicKeyHex = publicHex
		log.Warn("auth.dev_keypair",
			"issuer", cfg.Issuer,
			"secret_key_hex", secretHex,
		)
	}

	return identity.NewPasetoResolver(cfg)
}
