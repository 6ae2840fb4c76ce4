package main

import (
	"context"
	"fmt"

	"github.com/amoylab/keyrelay/internal/cdm"
	"github.com/amoylab/keyrelay/internal/channel"
	"github.com/amoylab/keyrelay/internal/common/config"
	"github.com/amoylab/keyrelay/internal/correlator"
	"github.com/amoylab/keyrelay/internal/headers"
	"github.com/amoylab/keyrelay/internal/registry"
	"github.com/amoylab/keyrelay/internal/relay"
	"github.com/amoylab/keyrelay/internal/settings"
	"github.com/amoylab/keyrelay/internal/storage"
	"github.com/amoylab/keyrelay/pkg/logger"
	"github.com/amoylab/keyrelay/pkg/metrics"
	"github.com/amoylab/keyrelay/pkg/trace"
	"go.uber.org/zap"
)

// app holds the components one keyrelay process runs with
type app struct {
	cfg      *config.KeyRelayConfig
	logger   *zap.Logger
	store    storage.Store
	settings *settings.Manager

	metrics    *metrics.Metrics
	registry   *registry.Registry
	headers    headers.Cache
	correlator *correlator.Correlator
	dispatcher *relay.Dispatcher
	channel    *channel.Server

	shutdownTracing func(context.Context) error
}

// openApp loads configuration and opens the store and settings. It is all
// the device and log commands need.
func openApp(ctx context.Context) (*app, error) {
	cfg, path, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration %s: %w", path, err)
	}
	return newApp(ctx, cfg)
}

func newApp(ctx context.Context, cfg *config.KeyRelayConfig) (*app, error) {
	lg, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	store, err := storage.NewStore(ctx, lg, &cfg.Storage)
	if err != nil {
		_ = lg.Sync()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return &app{
		cfg:      cfg,
		logger:   lg,
		store:    store,
		settings: settings.NewManager(lg, store),
	}, nil
}

// wire builds the relay pipeline on top of the opened store
func (a *app) wire(ctx context.Context) error {
	shutdown, err := trace.InitTracing(ctx, &a.cfg.Tracing, a.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	a.shutdownTracing = shutdown

	if a.cfg.Metrics.Enabled {
		a.metrics = metrics.New(a.cfg.Metrics)
	}

	a.headers, err = headers.NewCache(ctx, a.logger, &a.cfg.Headers)
	if err != nil {
		return fmt.Errorf("open header cache: %w", err)
	}

	a.registry = registry.New()
	provider := cdm.NewProvider(a.logger, a.settings, a.cfg.CDM)
	a.correlator = correlator.New(a.logger, a.registry, a.store, provider, a.metrics, correlator.Options{
		Dedup:      correlator.DedupMode(a.cfg.Correlator.Dedup),
		PendingMax: a.cfg.Correlator.PendingMax,
		PendingTTL: a.cfg.Correlator.PendingTTL,
	})
	a.dispatcher = relay.NewDispatcher(a.logger, a.settings, a.correlator, a.registry, a.headers, nil, a.metrics)
	a.channel = channel.NewServer(a.logger, a.dispatcher)
	return nil
}

func (a *app) Close() {
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(context.Background()); err != nil {
			a.logger.Warn("failed to shutdown tracing", zap.Error(err))
		}
	}
	if a.headers != nil {
		if err := a.headers.Close(); err != nil {
			a.logger.Warn("failed to close header cache", zap.Error(err))
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close storage", zap.Error(err))
	}
	_ = a.logger.Sync()
}
