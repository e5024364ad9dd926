// Package engine wires every component together from the validated
// configuration and owns the startup and shutdown order. There is no
// ambient global state: each component receives its collaborators at
// construction.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/calwatch/calwatch/internal/api"
	"github.com/calwatch/calwatch/internal/config"
	"github.com/calwatch/calwatch/internal/dedup"
	"github.com/calwatch/calwatch/internal/identity"
	"github.com/calwatch/calwatch/internal/pipeline"
	"github.com/calwatch/calwatch/internal/registry"
	"github.com/calwatch/calwatch/internal/renewal"
	"github.com/calwatch/calwatch/internal/scheduler"
	"github.com/calwatch/calwatch/internal/store"
	badgerstore "github.com/calwatch/calwatch/internal/store/badger"
	"github.com/calwatch/calwatch/internal/syncer"
)

// Engine is the main coordinator of all calwatch components.
type Engine struct {
	config    *config.Config
	store     store.Store
	registry  *registry.Registry
	guard     *dedup.Guard
	syncer    *syncer.Syncer
	pipeline  *pipeline.Pipeline
	renewal   *renewal.Service
	scheduler *scheduler.RenewalJob
	api       *api.API
	logger    zerolog.Logger

	// storeAvailable is false when Badger failed to open and the
	// engine is running registry-only.
	storeAvailable bool
}

// CreateEngine constructs every component from the configuration. A
// store that fails to open is not fatal: the engine degrades to
// registry-only operation and registers fresh channels from the
// identity map at startup.
func CreateEngine(cfg *config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := log.With().Str("component", "engine").Logger()

	var st store.Store
	storeAvailable := true
	st, err := badgerstore.NewStore(badgerstore.Config{
		DataDir:    cfg.Store.DataDir,
		SyncWrites: true,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Subscription store unavailable, degrading to registry-only operation")
		st = store.NewUnavailable(err)
		storeAvailable = false
	}

	reg := registry.NewRegistry()
	sync := syncer.NewSyncer(st, reg)

	guard := dedup.NewGuard(dedup.Config{
		TTL:           cfg.DedupTTL(),
		SweepInterval: time.Duration(cfg.Dedup.SweepIntervalSeconds) * time.Second,
	})

	ident := identity.NewStaticMap(cfg.Identity.Mappings)
	prov, err := newProvider(cfg)
	if err != nil {
		return nil, err
	}

	pipe := pipeline.NewPipeline(pipeline.Config{
		Lookback:      time.Duration(cfg.Pipeline.LookbackSeconds) * time.Second,
		QueueSize:     cfg.Pipeline.QueueSize,
		RetryAttempts: cfg.Pipeline.RetryAttempts,
		RetryDelay:    time.Duration(cfg.Pipeline.RetryDelaySeconds) * time.Second,
	}, reg, guard, prov, ident)

	renewSvc := renewal.NewService(renewal.Config{
		CallbackURL:         cfg.Provider.CallbackURL,
		ExpirationThreshold: cfg.RenewalThreshold(),
		RetainStopped:       cfg.Store.RetainStopped,
	}, st, sync, prov, ident)

	sched := scheduler.NewRenewalJob(scheduler.Config{
		Interval:  time.Duration(cfg.Renewal.IntervalHours) * time.Hour,
		Threshold: cfg.RenewalThreshold(),
	}, renewSvc)

	apiServer := api.NewAPI(api.Config{
		Addr:             cfg.Server.Addr,
		ReadTimeout:      time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:     time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:      time.Duration(cfg.Server.IdleTimeout) * time.Second,
		MetricsEnabled:   cfg.Metrics.Enabled,
		MetricsEndpoint:  cfg.Metrics.Endpoint,
		RenewalThreshold: cfg.RenewalThreshold(),
	}, pipe, renewSvc, sched, st)

	return &Engine{
		config:         cfg,
		store:          st,
		registry:       reg,
		guard:          guard,
		syncer:         sync,
		pipeline:       pipe,
		renewal:        renewSvc,
		scheduler:      sched,
		api:            apiServer,
		logger:         logger,
		storeAvailable: storeAvailable,
	}, nil
}

// Run starts every component, reconciles the registry from the store,
// and serves until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().Msg("Starting calwatch")

	e.guard.Start(ctx)
	e.pipeline.Start(ctx)

	// No notification is accepted before this reconcile finishes:
	// readiness flips only afterwards, and the registry is empty until
	// then, so early notifications 404 and the provider retries them.
	e.reconcile(ctx)
	e.api.SetReady()

	e.scheduler.Start(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.api.Start(ctx)
	})

	err := g.Wait()

	if closeErr := e.store.Close(); closeErr != nil {
		e.logger.Error().Err(closeErr).Msg("Failed to close store")
	}

	e.logger.Info().Msg("calwatch stopped")
	return err
}

// reconcile loads the registry from the store. When the store is
// unreachable, or holds nothing, the engine registers fresh channels
// for every identity-map primary instead of refusing to boot.
func (e *Engine) reconcile(ctx context.Context) {
	if e.storeAvailable {
		report, err := e.syncer.LoadFromStore(ctx, e.config.RenewalThreshold())
		if err == nil {
			if report.Loaded > 0 {
				return
			}
			e.logger.Info().Msg("Store empty, registering channels from identity map")
		} else {
			e.logger.Error().Err(err).Msg("Startup reconcile failed, falling back to fresh registration")
		}
	} else {
		e.logger.Warn().Msg("Store unavailable, falling back to fresh registration")
	}

	result := e.renewal.RegisterForPrimaries(ctx)
	e.logger.Info().
		Int("registered", len(result.Registered)).
		Int("failed", len(result.Failed)).
		Msg("Fresh registration finished")
}
