// Package app provides application lifecycle management for the
// subscriber sync server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/isplane/subscriber-sync-server/internal/config"
	"github.com/isplane/subscriber-sync-server/internal/store"
	"github.com/isplane/subscriber-sync-server/internal/syncer"
)

// App encapsulates all components needed to run the sync server and
// provides lifecycle management with graceful shutdown.
type App struct {
	config      *config.Config
	coordinator *syncer.Coordinator
	store       store.Store
	httpServer  *http.Server

	shutdownTimeout time.Duration
	meterShutdown   func(context.Context) error
	logger          *slog.Logger
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// server fails. On cancellation it performs a graceful stop: active
// sync runs are cancelled and drained before the listener closes.
func (app *App) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		app.logger.Info("Server listening", "address", app.httpServer.Addr)
		if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		return app.stop()
	})

	return group.Wait()
}

// stop drains the engine and shuts the server down within the
// configured timeout.
func (app *App) stop() error {
	app.logger.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.shutdownTimeout)
	defer cancel()

	if err := app.coordinator.Shutdown(shutdownCtx); err != nil {
		app.logger.Error("Sync coordinator shutdown incomplete", "error", err)
	}

	var shutdownErr error
	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		shutdownErr = fmt.Errorf("server forced to shutdown: %w", err)
	}

	app.store.Close()

	if app.meterShutdown != nil {
		if err := app.meterShutdown(shutdownCtx); err != nil {
			app.logger.Error("Telemetry shutdown failed", "error", err)
		}
	}

	app.logger.Info("Server shutdown complete")
	return shutdownErr
}

// GetConfig returns the application configuration
func (app *App) GetConfig() *config.Config {
	return app.config
}

// GetHTTPServer returns the HTTP server (useful for testing)
func (app *App) GetHTTPServer() *http.Server {
	return app.httpServer
}

// Coordinator returns the sync coordinator (useful for testing)
func (app *App) Coordinator() *syncer.Coordinator {
	return app.coordinator
}
