// Package main is the entry point for the event broker HTTP server.
//
// It loads configuration (resolving *_SSM_PARAM secrets outside local mode),
// builds the delivery pipeline, mounts the push endpoint behind the Pub/Sub
// authenticator and serves until SIGINT or SIGTERM. The registry refresher
// runs alongside the listener under one errgroup; either failing stops both.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"eventbroker/internal/app"
	"eventbroker/internal/config"
	"eventbroker/internal/core"
	"eventbroker/internal/observability"
	"eventbroker/internal/proxy"
	"eventbroker/internal/pubsub"
	"eventbroker/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(secretProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := observability.NewLogger(cfg.LogLevel)
	logger.Info("event broker starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
		"registry_source", cfg.Registry.Source,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("building dependencies: %w", err)
	}

	srv, err := newServer(cfg, deps, logger)
	if err != nil {
		return err
	}
	return serve(ctx, srv, deps, cfg, logger)
}

// secretProvider returns the SSM provider outside local mode. LoadConfig
// skips resolution entirely when APP_ENV=local, so nil is safe there.
func secretProvider() config.SecretProvider {
	if os.Getenv("APP_ENV") == "local" {
		return nil
	}
	return config.NewSSMProvider(os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL"))
}

// newServer mounts the chassis routes and the push endpoint.
func newServer(cfg *config.Config, deps *app.Deps, logger *slog.Logger) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}

	var keys pubsub.KeySource
	if cfg.PubSub.Authenticate {
		keys = pubsub.NewJWKSCache(cfg.PubSub.JWKSURL, logger)
	} else {
		logger.Warn("push authentication is disabled")
	}
	authenticator, err := pubsub.NewAuthenticator(cfg.PubSub, keys, deps.Metrics, logger, types.RealClock{})
	if err != nil {
		return nil, fmt.Errorf("creating authenticator: %w", err)
	}

	srv.Authenticator = authenticator
	srv.Metrics = deps.Metrics
	srv.Keys = deps.Signer
	srv.HealthProbes = deps.Probes
	srv.Closers = deps.Closers
	srv.Tracer = deps.Tracer
	if !cfg.Observability.EnableTracing {
		srv.Tracer = nil
	}

	handler := proxy.NewHandler(deps.Proxy, srv.Validator, logger)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, handler.RegisterRoutes)

	srv.MountRoutes()
	return srv, nil
}

// serve runs the listener and the registry refresher until ctx is cancelled
// or one of them fails, then drains in-flight requests and releases
// resources.
func serve(ctx context.Context, srv *core.Server, deps *app.Deps, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Outbound delivery is bounded by WEBHOOK_TIMEOUT; leave room to relay.
		WriteTimeout: cfg.Webhook.Timeout + 20*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return deps.Refresher.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server resource shutdown error", "error", err)
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped cleanly")
	return nil
}
