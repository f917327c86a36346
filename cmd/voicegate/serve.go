package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/voicegate/internal/api"
	"github.com/rcourtman/voicegate/internal/config"
	"github.com/rcourtman/voicegate/internal/logging"
	"github.com/rcourtman/voicegate/internal/metering"
)

var apiShutdownTimeout = 10 * time.Second

func runServer(ctx context.Context) error {
	// Baseline logger for early startup logs
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "voicegate",
	})

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "voicegate",
		FilePath:  cfg.LogFile,
		MaxSizeMB: cfg.LogMaxSizeMB,
	})
	defer logging.Shutdown()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}
	return serve(ctx, cfg, ln)
}

// serve runs the API on ln until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, ln net.Listener) error {
	a, err := newApp(ctx, cfg, appOptions{withAnalytics: true})
	if err != nil {
		ln.Close()
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close cleanly")
		}
	}()

	log.Info().Str("version", Version).Msg("Starting voicegate")

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		g.Go(func() error { return runMetricsServer(gctx, cfg.MetricsAddr) })
	}

	if cfg.CatalogPath != "" {
		watcher, err := config.NewCatalogWatcher(cfg.CatalogPath, a.dir.SetCatalog)
		if err != nil {
			log.Warn().Err(err).Msg("Product catalog hot reload disabled")
		} else {
			if err := watcher.Start(); err != nil {
				log.Warn().Err(err).Msg("Product catalog hot reload disabled")
			}
			defer watcher.Stop()
		}
	}

	g.Go(func() error {
		a.aggregator.Run(gctx, cfg.MeteringFlushInterval, metering.LogFlush)
		return nil
	})

	srv := &http.Server{
		Handler:           api.NewRouter(api.RouterConfig{Directory: a.dir, StripeWebhookSecret: cfg.StripeWebhookSecret, Version: Version}),
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g.Go(func() error {
		log.Info().Str("addr", ln.Addr().String()).Msg("API listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down voicegate")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), apiShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("API server did not shut down cleanly")
		}
		return nil
	})

	return g.Wait()
}
