package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/voicegate/internal/analytics"
	"github.com/rcourtman/voicegate/internal/billing"
	"github.com/rcourtman/voicegate/internal/config"
	"github.com/rcourtman/voicegate/internal/metering"
	"github.com/rcourtman/voicegate/internal/statestore"
	"github.com/rcourtman/voicegate/pkg/entitlement"
)

type appOptions struct {
	// withAnalytics wires the async analytics pipeline; one-shot CLI
	// commands leave it off.
	withAnalytics bool
}

// app owns every long-lived dependency and closes them in reverse order.
type app struct {
	cfg        *config.Config
	dir        *entitlement.Directory
	metrics    *analytics.Metrics
	aggregator *metering.WindowedAggregator
	sink       *analytics.AsyncSink

	closers []io.Closer
	client  *billing.Client
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg}

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	policy, err := cfg.Policy()
	if err != nil {
		a.Close()
		return nil, err
	}

	var provider entitlement.Provider
	if cfg.BillingURL != "" {
		a.client, err = billing.NewClient(billing.Config{
			BaseURL:       cfg.BillingURL,
			APIKey:        cfg.BillingAPIKey,
			EntitlementID: cfg.BillingEntitlementID,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		provider = a.client
	} else {
		log.Warn().Msg("No billing URL configured; entitlements resolve from local state only")
	}

	var sink entitlement.Sink = entitlement.NopSink{}
	if opts.withAnalytics {
		a.metrics = analytics.GetMetrics()
		a.aggregator = metering.NewWindowedAggregator(nil)
		a.sink = analytics.NewAsyncSink(analytics.Fanout{
			a.metrics,
			analytics.NewLogSink(log.Logger),
			analytics.MeteringSink{Aggregator: a.aggregator},
		}, cfg.AnalyticsBuffer, a.metrics)
		sink = a.sink
	}

	a.dir = entitlement.NewDirectory(entitlement.DirectoryConfig{
		Store:      store,
		Provider:   provider,
		Policy:     policy,
		Catalog:    loadInitialCatalog(cfg.CatalogPath),
		Sink:       sink,
		MaxEngines: cfg.MaxEngines,
	})
	return a, nil
}

func (a *app) openStore(ctx context.Context) (entitlement.StateStore, error) {
	switch a.cfg.StoreBackend {
	case config.StoreMemory:
		log.Warn().Msg("Using in-memory state store; trials and usage are lost on restart")
		return statestore.NewMemory(), nil
	case config.StoreRedis:
		store, err := statestore.OpenRedis(ctx, statestore.RedisOptions{
			Addr:     a.cfg.RedisAddr,
			Username: a.cfg.RedisUsername,
			Password: a.cfg.RedisPassword,
			DB:       a.cfg.RedisDB,
			Prefix:   a.cfg.RedisPrefix,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store)
		log.Info().Str("addr", a.cfg.RedisAddr).Msg("Using redis state store")
		return store, nil
	default:
		store, err := statestore.OpenSQLite(a.cfg.DataDir)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store)
		log.Info().Str("path", store.Path()).Msg("Using sqlite state store")
		return store, nil
	}
}

// loadInitialCatalog falls back to the built-in catalog when the file is
// missing or unusable.
func loadInitialCatalog(path string) *entitlement.Catalog {
	if path == "" {
		return nil
	}
	catalog, err := config.LoadCatalog(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Debug().Str("catalog_path", path).Msg("No product catalog file; using built-in patterns")
		} else {
			log.Warn().Err(err).Str("catalog_path", path).Msg("Ignoring product catalog; using built-in patterns")
		}
		return nil
	}
	return catalog
}

// Close drains analytics then releases the billing client and the store.
func (a *app) Close() error {
	if a.sink != nil {
		a.sink.Close()
		a.sink = nil
	}
	if a.aggregator != nil {
		metering.LogFlush(a.aggregator.Flush())
	}
	if a.client != nil {
		a.client.Close()
		a.client = nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close app: %w", err)
	}
	return nil
}
