package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/metric"

	"github.com/isplane/subscriber-sync-server/internal/api"
	"github.com/isplane/subscriber-sync-server/internal/config"
	"github.com/isplane/subscriber-sync-server/internal/store"
	"github.com/isplane/subscriber-sync-server/internal/syncer"
	"github.com/isplane/subscriber-sync-server/internal/telemetry"
	"github.com/isplane/subscriber-sync-server/internal/upstream"
	"github.com/isplane/subscriber-sync-server/pkg/versions"
)

const (
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 60 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second
)

// Options is a function that configures the app builder
type Options func(*appConfig) error

// appConfig collects everything needed to assemble an App. It supports
// dependency injection for testing while providing production defaults.
type appConfig struct {
	config *config.Config

	// Optional component overrides (primarily for testing)
	fetcher upstream.Fetcher
	store   store.Store

	// HTTP server options
	address         string
	middlewares     []func(http.Handler) http.Handler
	readTimeout     time.Duration
	writeTimeout    time.Duration
	idleTimeout     time.Duration
	shutdownTimeout time.Duration

	// Telemetry components
	meterProvider metric.MeterProvider

	logger *slog.Logger
}

func baseConfig(opts ...Options) (*appConfig, error) {
	cfg := &appConfig{
		readTimeout:     defaultReadTimeout,
		writeTimeout:    defaultWriteTimeout,
		idleTimeout:     defaultIdleTimeout,
		shutdownTimeout: defaultShutdownTimeout,
		logger:          slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// NewApp assembles the sync server from configuration: upstream
// client, storage, telemetry, sync coordinator and the HTTP server.
func NewApp(ctx context.Context, opts ...Options) (*App, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}
	if cfg.config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if cfg.address == "" {
		cfg.address = cfg.config.GetAddress()
	}

	meterProvider, meterShutdown, err := buildTelemetry(ctx, cfg)
	if err != nil {
		return nil, err
	}

	st, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	coordinator, err := buildSyncComponents(cfg, st, meterProvider)
	if err != nil {
		st.Close()
		return nil, err
	}

	httpServer := buildHTTPServer(cfg, coordinator)

	return &App{
		config:          cfg.config,
		coordinator:     coordinator,
		store:           st,
		httpServer:      httpServer,
		shutdownTimeout: cfg.shutdownTimeout,
		meterShutdown:   meterShutdown,
		logger:          cfg.logger,
	}, nil
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) Options {
	return func(cfg *appConfig) error {
		cfg.config = c
		return nil
	}
}

// WithAddress sets the HTTP server address
func WithAddress(addr string) Options {
	return func(cfg *appConfig) error {
		if addr == "" {
			return fmt.Errorf("address cannot be empty")
		}

		parts := strings.SplitN(addr, ":", 2)
		if len(parts) != 2 || parts[1] == "" {
			return fmt.Errorf("address is not a valid port: %s", addr)
		}
		host, port := parts[0], parts[1]

		if host == "localhost" {
			host = "127.0.0.1"
		}
		if host == "" {
			host = "0.0.0.0"
		}

		if _, err := netip.ParseAddrPort(host + ":" + port); err != nil {
			return fmt.Errorf("address is not a valid port: %w", err)
		}

		cfg.address = addr
		return nil
	}
}

// WithMiddlewares sets custom HTTP middlewares
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Options {
	return func(cfg *appConfig) error {
		cfg.middlewares = mw
		return nil
	}
}

// WithFetcher allows injecting a custom upstream fetcher (for testing)
func WithFetcher(f upstream.Fetcher) Options {
	return func(cfg *appConfig) error {
		cfg.fetcher = f
		return nil
	}
}

// WithStore allows injecting a custom store (for testing)
func WithStore(s store.Store) Options {
	return func(cfg *appConfig) error {
		cfg.store = s
		return nil
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider
func WithMeterProvider(mp metric.MeterProvider) Options {
	return func(cfg *appConfig) error {
		cfg.meterProvider = mp
		return nil
	}
}

// WithLogger sets the application logger
func WithLogger(logger *slog.Logger) Options {
	return func(cfg *appConfig) error {
		cfg.logger = logger
		return nil
	}
}

// WithShutdownTimeout bounds graceful shutdown
func WithShutdownTimeout(timeout time.Duration) Options {
	return func(cfg *appConfig) error {
		if timeout <= 0 {
			return fmt.Errorf("shutdown timeout must be positive")
		}
		cfg.shutdownTimeout = timeout
		return nil
	}
}

// buildTelemetry creates the meter provider from config unless one was
// injected. Returns a nil shutdown function for injected providers.
func buildTelemetry(ctx context.Context, cfg *appConfig) (metric.MeterProvider, func(context.Context) error, error) {
	if cfg.meterProvider != nil {
		return cfg.meterProvider, nil, nil
	}
	if cfg.config.Telemetry == nil || !cfg.config.Telemetry.Enabled {
		return nil, nil, nil
	}

	provider, shutdown, err := telemetry.NewMeterProvider(ctx, cfg.config.Telemetry, versions.GetVersionInfo().Version)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build telemetry: %w", err)
	}
	cfg.logger.Info("Telemetry enabled", "endpoint", cfg.config.Telemetry.Endpoint)
	return provider, shutdown, nil
}

// buildStore creates the record store unless one was injected.
func buildStore(ctx context.Context, cfg *appConfig) (store.Store, error) {
	if cfg.store != nil {
		return cfg.store, nil
	}

	st, err := store.NewFromConfig(ctx, cfg.config)
	if err != nil {
		return nil, fmt.Errorf("failed to build store: %w", err)
	}
	return st, nil
}

// buildSyncComponents builds the upstream client and sync coordinator.
func buildSyncComponents(
	cfg *appConfig, st store.Store, meterProvider metric.MeterProvider,
) (*syncer.Coordinator, error) {
	cfg.logger.Info("Initializing sync components")

	fetcher := cfg.fetcher
	if fetcher == nil {
		apiKey, err := cfg.config.Upstream.GetAPIKey()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve upstream credentials: %w", err)
		}

		clientOpts := []upstream.ClientOption{
			upstream.WithTimeout(cfg.config.Upstream.GetTimeout()),
		}
		for _, integ := range cfg.config.Integrations {
			if integ.Endpoint != "" {
				clientOpts = append(clientOpts, upstream.WithEndpointOverride(integ.ID, integ.Endpoint))
			}
		}

		fetcher = upstream.NewClient(cfg.config.Upstream.Endpoint, apiKey, clientOpts...)
	}

	coordOpts := []syncer.Option{
		syncer.WithLogger(cfg.logger),
	}
	if meterProvider != nil {
		syncMetrics, err := telemetry.NewSyncMetrics(meterProvider)
		if err != nil {
			return nil, fmt.Errorf("failed to create sync metrics: %w", err)
		}
		if syncMetrics != nil {
			coordOpts = append(coordOpts, syncer.WithSyncMetrics(syncMetrics))
			cfg.logger.Info("Sync metrics enabled")
		}
	}

	coordinator := syncer.New(fetcher, st, syncer.Options{
		PageSize:             cfg.config.Sync.GetPageSize(),
		MaxPageRetries:       cfg.config.Sync.GetMaxPageRetries(),
		RetryInitialInterval: cfg.config.Sync.GetRetryInitialInterval(),
		RetryMaxInterval:     cfg.config.Sync.GetRetryMaxInterval(),
	}, coordOpts...)

	cfg.logger.Info("Sync components initialized")
	return coordinator, nil
}

// buildHTTPServer builds the HTTP server with router and middleware.
func buildHTTPServer(cfg *appConfig, coordinator *syncer.Coordinator) *http.Server {
	if cfg.middlewares == nil {
		cfg.middlewares = []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			api.LoggingMiddleware(cfg.logger),
		}
	}

	known := func(id string) bool {
		return cfg.config.Integration(id) != nil
	}

	router := api.NewServer(coordinator, known,
		api.WithMiddlewares(cfg.middlewares...),
	)

	server := &http.Server{
		Addr:         cfg.address,
		Handler:      router,
		ReadTimeout:  cfg.readTimeout,
		WriteTimeout: cfg.writeTimeout,
		IdleTimeout:  cfg.idleTimeout,
	}

	cfg.logger.Info("HTTP server configured", "address", cfg.address)
	return server
}
