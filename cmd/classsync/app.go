package main

import (
	"context"
	"fmt"
	"time"

	"classsync/internal/config"
	appLog "classsync/internal/log"
	"classsync/internal/model"
	"classsync/internal/reconcile"
	"classsync/internal/source"
	"classsync/internal/store"
	"classsync/internal/store/postgres"
	"classsync/internal/store/sqlite"
)

// app bundles the collaborators every command needs.
type app struct {
	cfg    *config.Config
	loc    *time.Location
	store  store.Store
	source *source.Client
}

func loadApp(ctx context.Context, g *globalFlags) (*app, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", g.configPath, err)
	}
	level := cfg.LogLevel
	if g.logLevel != "" {
		level = g.logLevel
	}
	appLog.SetLevel(appLog.ParseLevel(level))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	appLog.Info("effective config",
		"config_path", g.configPath,
		"timezone", cfg.Timezone,
		"store", cfg.Store.Driver,
		"weeks", cfg.Weeks,
		"locations", len(cfg.Locations),
		"refresh", cfg.RefreshCron,
	)

	return &app{
		cfg:   cfg,
		loc:   loc,
		store: st,
		source: source.New(source.Options{
			EmbedURL:   cfg.Source.EmbedURL,
			ClassesURL: cfg.Source.ClassesURL,
			ClientID:   cfg.Source.ClientID,
			Timeout:    cfg.Source.Timeout,
			Retries:    cfg.Source.Retries,
			CacheTTL:   cfg.Source.CacheTTL,
			CacheDir:   cfg.Source.CacheDir,
		}),
	}, nil
}

func openStore(ctx context.Context, sc config.StoreConfig) (store.Store, error) {
	switch sc.Driver {
	case "postgres":
		s, err := postgres.Open(ctx, sc.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return s, nil
	case "sqlite":
		s, err := sqlite.Open(sc.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return s, nil
	default:
		appLog.Warn("using in-memory store; sessions and digests are lost on exit")
		return store.NewMemory(), nil
	}
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		appLog.Error("close store", err)
	}
}

func (a *app) reconciler(dryRun bool) *reconcile.Reconciler {
	return reconcile.New(a.source, a.source, a.store, a.store, reconcile.Options{
		Location:               a.loc,
		Weeks:                  a.cfg.Weeks,
		LookaheadMonths:        a.cfg.Lookahead,
		FetchConcurrency:       a.cfg.FetchConcurrency,
		DeriveConcurrency:      a.cfg.DeriveConcurrency,
		MaxSessionsPerLocation: a.cfg.MaxSessionsPerLocation,
		DryRun:                 dryRun,
	})
}

// enabledLocations resolves the set to reconcile: the stored selection,
// else the config seed, else every configured location.
func (a *app) enabledLocations(ctx context.Context) ([]model.Location, error) {
	ids, err := a.store.EnabledLocations(ctx)
	if err != nil {
		return nil, &reconcile.PersistenceError{Op: "load enabled locations", Err: err}
	}
	if len(ids) == 0 {
		ids = a.cfg.EnabledLocations
	}
	return reconcile.EnabledOnly(a.cfg.Locations, ids), nil
}

// seedEnabled copies the config's enabled list into an empty store so the
// API edits a persisted selection from then on.
func (a *app) seedEnabled(ctx context.Context) error {
	if len(a.cfg.EnabledLocations) == 0 {
		return nil
	}
	ids, err := a.store.EnabledLocations(ctx)
	if err != nil || len(ids) > 0 {
		return err
	}
	appLog.Info("seeding enabled locations from config", "ids", a.cfg.EnabledLocations)
	return a.store.SetEnabledLocations(ctx, a.cfg.EnabledLocations)
}

// cycle runs one reconciliation over the enabled locations.
func (a *app) cycle(r *reconcile.Reconciler, only []string) func(ctx context.Context) (reconcile.Report, error) {
	return func(ctx context.Context) (reconcile.Report, error) {
		locations, err := a.enabledLocations(ctx)
		if err != nil {
			return reconcile.Report{}, err
		}
		if len(only) > 0 {
			locations = reconcile.EnabledOnly(locations, only)
		}
		if len(locations) == 0 {
			appLog.Warn("no enabled locations; nothing to reconcile")
		}
		return r.RunReconciliationCycle(ctx, locations), nil
	}
}
