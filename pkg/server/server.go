// Package server provides the public entry point for initializing the
// Parley relay server.
//
// This package exists in pkg/ (not internal/) so that embedders can
// compose the full relay — routes, websocket gateway, and background
// janitor — inside a larger service and mount srv.Handler wherever
// they need it.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/parleyhq/parley/internal/analytics"
	"github.com/parleyhq/parley/internal/api"
	"github.com/parleyhq/parley/internal/api/handlers"
	"github.com/parleyhq/parley/internal/api/middleware"
	"github.com/parleyhq/parley/internal/breaker"
	"github.com/parleyhq/parley/internal/clock"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/identity"
	"github.com/parleyhq/parley/internal/prompt"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/ratelimit"
	"github.com/parleyhq/parley/internal/relay"
	"github.com/parleyhq/parley/internal/retention"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/telemetry"
	"github.com/parleyhq/parley/internal/ws"

	"github.com/rs/zerolog/log"
)

// Config is the public configuration for the relay server.
type Config struct {
	Port         int
	Version      string
	OTELEnabled  bool
	OTELEndpoint string
	ServiceName  string
}

// Server holds the initialized Parley relay.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store (in-memory unless PARLEY_DATABASE_URL is set).
	// Exposed so callers can close it on shutdown.
	Store store.Store

	// Config is the server configuration.
	Config *Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() *Config {
	cfg := config.Load()
	return &Config{
		Port:         cfg.Port,
		Version:      cfg.Version,
		OTELEnabled:  cfg.Telemetry.Enabled,
		OTELEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
	}
}

// New initializes all relay components and returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, LoadConfig())
}

// NewWithConfig initializes the relay with an explicit configuration.
func NewWithConfig(ctx context.Context, pubCfg *Config) (*Server, error) {
	cfg := config.Load()
	if pubCfg.Port > 0 {
		cfg.Port = pubCfg.Port
	}

	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	clk := clock.Real()

	// Postgres when configured, otherwise the in-memory store. The
	// limiter shares the Postgres store so admission windows hold
	// across replicas.
	var dataStore store.Store
	var limitStore ratelimit.Store
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
		if err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
		dataStore = pg
		limitStore = pg
		log.Info().Msg("✅ Postgres store initialized")
	} else {
		dataStore = store.NewMemoryStore()
		limitStore = ratelimit.NewMemoryStore()
		log.Info().Msg("✅ In-memory store initialized (set PARLEY_DATABASE_URL for persistence)")
	}

	ident := identity.NewService(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL, dataStore, clk)
	if ident.Enabled() {
		log.Info().Dur("ttl", cfg.Auth.TokenTTL).Msg("✅ Token identity initialized")
	} else {
		log.Warn().Msg("🔕 Authentication disabled (PARLEY_TOKEN_SECRET not set)")
	}

	lim := ratelimit.New(limitStore, clk)

	var gen provider.Generator
	if cfg.Provider.APIKey != "" {
		gen = provider.NewOpenAI(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Model)
		log.Info().Str("model", cfg.Provider.Model).Msg("✅ AI provider initialized")
	} else {
		log.Warn().Msg("🔕 AI provider disabled (PARLEY_PROVIDER_API_KEY not set)")
	}

	brk := breaker.New("provider", cfg.Limits.BreakerFailureThreshold, cfg.Limits.BreakerRecoveryTimeout, clk)
	prompts := prompt.NewBuilder(prompt.DefaultPreamble, cfg.Limits.MaxContextLength)
	rly := relay.New(gen, brk, prompts, clk, relay.Config{
		Timeout:     cfg.Provider.Timeout,
		StreamDelay: cfg.Stream.ChunkDelay,
		ChunkWords:  cfg.Stream.ChunkWords,
	})

	an := analytics.NewService(clk, analytics.Config{
		WebhookURL:    cfg.Analytics.WebhookURL,
		WebhookSecret: cfg.Analytics.WebhookSecret,
	})

	reg := ws.NewRegistry()
	gateway := ws.NewGateway(ident, dataStore, rly, lim, an, reg, clk, ws.Config{
		IdleTimeout:    cfg.Limits.IdleTimeout,
		HistoryLimit:   cfg.Limits.HistoryLimit,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	log.Info().Msg("✅ Websocket gateway initialized")

	// Longest limiter window in play is the one-hour registration rule.
	janitor := retention.NewJanitor(limitStore, an, clk, retention.DefaultInterval, time.Hour)
	if cfg.Retention.SessionKeep > 0 {
		archiver := retention.NewLocalFileArchiver(cfg.Retention.ArchiveDir, cfg.Retention.Compress)
		janitor.WithArchival(dataStore, archiver, cfg.Retention.SessionKeep)
	}
	go janitor.Start(ctx)

	h := handlers.New(dataStore, rly, lim, ident, an, reg, clk, cfg.Version)
	h.HistoryLimit = cfg.Limits.HistoryLimit
	auth := middleware.NewAuthenticator(ident)
	router := api.NewRouter(cfg, h, auth, gateway)

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Config:       pubCfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}
