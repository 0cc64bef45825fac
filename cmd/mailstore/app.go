package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"

	"mailstore/internal/blobstore"
	"mailstore/internal/config"
	"mailstore/internal/gc"
	"mailstore/internal/linker"
	"mailstore/internal/metrics"
	"mailstore/internal/paths"
	"mailstore/internal/service"
	"mailstore/internal/staging"
	"mailstore/internal/store"
	"mailstore/internal/volume"
)

// app is every component of one running store, wired from config.
type app struct {
	store    *store.Store
	volumes  *volume.Registry
	staging  *staging.Area
	sweeper  *gc.Sweeper
	service  *service.Service
	metrics  *metrics.Metrics
	registry *prometheus.Registry
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("db path is required")
	}
	logger := slog.Default()

	logger.Debug("opening database", "path", cfg.DBPath)
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	a := &app{store: st, registry: prometheus.NewRegistry()}
	a.metrics = metrics.New(a.registry)

	a.volumes = volume.New(st, logger)
	if err := a.volumes.Load(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.volumes.Bootstrap(ctx, cfg.Volumes); err != nil {
		a.Close()
		return nil, err
	}

	digest, err := blobstore.ParseDigestAlgorithm(cfg.Staging.Digest)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.staging, err = staging.New(staging.Config{Root: cfg.Staging.Root, TTL: cfg.Staging.TTL, Digest: digest}, clock.WallClock, logger, a.metrics)
	if err != nil {
		a.Close()
		return nil, err
	}

	l, err := linker.New(paths.Layout{MailboxBits: cfg.Paths.MailboxBits, FileBits: cfg.Paths.FileBits}, logger, a.metrics)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.sweeper = gc.NewSweeper(st, a.volumes, gc.SweeperConfig{
		SafetyMargin:      cfg.GC.SafetyMargin,
		MaxDeleteAttempts: cfg.GC.MaxDeleteAttempts,
	}, clock.WallClock, logger, a.metrics)

	a.service, err = service.New(service.Config{
		References: st,
		Volumes:    a.volumes,
		Staging:    a.staging,
		Linker:     l,
		Sweeper:    a.sweeper,
		Mover:      gc.NewMover(a.volumes, l, logger, a.metrics),
		Verifier:   gc.NewVerifier(st, a.volumes, logger, a.metrics),
		Clock:      clock.WallClock,
		Logger:     logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() error {
	if a == nil || a.store == nil {
		return nil
	}
	return a.store.Close()
}

// withApp opens the store for the duration of fn.
func withApp(ctx context.Context, cfg *config.Config, fn func(a *app) error) error {
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
