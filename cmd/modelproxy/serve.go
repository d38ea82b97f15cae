package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/howard-nolan/modelproxy/internal/config"
	"github.com/howard-nolan/modelproxy/internal/dispatch"
	"github.com/howard-nolan/modelproxy/internal/logging"
	"github.com/howard-nolan/modelproxy/internal/metrics"
	"github.com/howard-nolan/modelproxy/internal/provider"
	"github.com/howard-nolan/modelproxy/internal/registry"
	"github.com/howard-nolan/modelproxy/internal/resolver"
	"github.com/howard-nolan/modelproxy/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Start the gateway with the configured settings and backend catalog.

The catalog is discovered once before the listener opens and then refreshed
in the background every discovery.interval. SIGINT or SIGTERM drains
in-flight requests for up to server.shutdown_timeout.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// app is everything a running gateway is made of.
type app struct {
	settings  *config.Settings
	logger    *zap.Logger
	runtime   *config.Runtime
	client    *provider.Client
	metrics   *metrics.Metrics
	registry  *registry.Registry
	scheduler *registry.Scheduler
	handler   http.Handler
}

// build loads the configuration and wires every component.
func build() (*app, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(logging.Config{Level: settings.Log.Level, Format: settings.Log.Format})
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	rt, err := config.LoadBackends(settings.Backends)
	if err != nil {
		return nil, fmt.Errorf("loading backends from %s: %w", settings.Backends, err)
	}

	client := provider.NewClient(
		provider.NewDiscoveryHTTPClient(settings.Discovery.ConnectTimeout, settings.Discovery.RequestTimeout),
		provider.NewForwardHTTPClient(settings.Upstream.ConnectTimeout, settings.Upstream.RequestTimeout),
	)

	m := metrics.New()
	reg := registry.New(rt, client,
		registry.WithTTL(settings.Discovery.TTL),
		registry.WithRefreshTimeout(settings.Discovery.RefreshTimeout),
		registry.WithLogger(logger),
		registry.WithMetrics(m),
	)

	dispatcher := dispatch.New(resolver.New(rt, reg),
		dispatch.WithLogger(logger),
		dispatch.WithDebugBodies(settings.Upstream.DebugBodies),
	)

	return &app{
		settings:  settings,
		logger:    logger,
		runtime:   rt,
		client:    client,
		metrics:   m,
		registry:  reg,
		scheduler: registry.NewScheduler(reg, settings.Discovery.Interval, logger),
		handler: server.New(server.Options{
			Catalog:      reg,
			Router:       dispatcher,
			Forwarder:    client,
			Metrics:      m,
			Logger:       logger,
			MaxBodyBytes: settings.Server.MaxBodyBytes,
		}),
	}, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := build()
	if err != nil {
		return err
	}
	defer func() { _ = a.logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, srv := range a.runtime.Servers() {
		a.logger.Info("backend configured",
			zap.String("server", srv.Name),
			zap.Strings("endpoints", srv.Endpoints),
			zap.Strings("profiles", srv.Suffixes()),
			zap.Bool("hide_base_models", srv.HideBaseModels),
		)
	}

	snap := a.registry.Refresh(ctx)
	a.logger.Info("initial model discovery done", zap.Int("models", snap.Len()))

	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	defer a.scheduler.Stop()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.settings.Server.Port),
		Handler:      a.handler,
		ReadTimeout:  a.settings.Server.ReadTimeout,
		WriteTimeout: a.settings.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("modelproxy listening", zap.Int("port", a.settings.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.settings.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
