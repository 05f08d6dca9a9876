// Package lectio assembles the tutor runtime from configuration.
package lectio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/lectio-dev/lectio/internal/api"
	"github.com/lectio-dev/lectio/internal/langguard"
	"github.com/lectio-dev/lectio/internal/llm"
	"github.com/lectio-dev/lectio/internal/morphology"
	"github.com/lectio-dev/lectio/internal/observability"
	"github.com/lectio-dev/lectio/internal/resilience"
	"github.com/lectio-dev/lectio/internal/sweeper"
	"github.com/lectio-dev/lectio/pkg/config"
	obsmetrics "github.com/lectio-dev/lectio/pkg/observability"
	"github.com/lectio-dev/lectio/pkg/reference"
	"github.com/lectio-dev/lectio/pkg/session"
	"github.com/lectio-dev/lectio/pkg/tutor"
)

// Version is set at build time.
var Version = "dev"

// Runtime holds the assembled components. Close releases them.
type Runtime struct {
	Config     *config.Config
	Store      session.Store
	References reference.Lookup
	Generator  llm.Generator
	Engine     *tutor.Engine
	Health     *obsmetrics.HealthChecker
	// Sweeper is nil unless enabled in the configuration.
	Sweeper *sweeper.Sweeper

	logger *slog.Logger
}

// BuildOption customizes Build.
type BuildOption func(*buildOptions)

type buildOptions struct {
	logger    *slog.Logger
	generator llm.Generator
	store     session.Store
}

func WithLogger(l *slog.Logger) BuildOption {
	return func(o *buildOptions) { o.logger = l }
}

// WithGenerator replaces the configured model provider.
func WithGenerator(g llm.Generator) BuildOption {
	return func(o *buildOptions) { o.generator = g }
}

// WithStore replaces the configured session store.
func WithStore(s session.Store) BuildOption {
	return func(o *buildOptions) { o.store = s }
}

// Build validates cfg and wires every component.
func Build(ctx context.Context, cfg *config.Config, opts ...BuildOption) (_ *Runtime, err error) {
	o := buildOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := o.logger

	if err := observability.Init(ctx, observability.Config{
		ServiceName:  observability.DefaultServiceName,
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.Endpoint,
		Insecure:     cfg.Tracing.Insecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger); err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	defer func() {
		if err != nil {
			_ = observability.Shutdown(context.WithoutCancel(ctx))
		}
	}()
	obsmetrics.InitMetrics()

	store := o.store
	if store == nil {
		if store, err = session.Open(ctx, storeConfig(cfg.Store)); err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
	}
	defer func() {
		if err != nil {
			_ = store.Close()
		}
	}()
	rt := &Runtime{Config: cfg, Store: store, logger: logger}
	rt.Health = obsmetrics.NewHealthChecker(Version)
	rt.Health.RegisterCheck(obsmetrics.StoreCheck(store.Ping))

	refs, err := rt.references(cfg)
	if err != nil {
		return nil, err
	}
	rt.References = refs

	gen := o.generator
	if gen == nil {
		client, err := llm.NewClientFromSettings(llm.Settings{
			Provider: cfg.Model.Provider,
			Options: map[string]any{
				"api_key":    cfg.Model.APIKey,
				"base_url":   cfg.Model.BaseURL,
				"model":      cfg.Model.Model,
				"project_id": cfg.Model.ProjectID,
				"location":   cfg.Model.Location,
				"region":     cfg.Model.Region,
			},
			RequestsPerSecond: cfg.Model.RequestsPerSecond,
			Burst:             cfg.Model.Burst,
			StrictSchema:      cfg.Model.StrictSchema,
		})
		if err != nil {
			return nil, err
		}
		gen = client
	}
	rt.Generator = gen

	rt.Engine = tutor.New(store, refs, gen,
		tutor.WithLogger(logger),
		tutor.WithRetryPolicy(resilience.Policy{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			BaseDelay:      cfg.Retry.BaseDelay,
			MaxDelay:       cfg.Retry.MaxDelay,
			AttemptTimeout: cfg.Retry.AttemptTimeout,
			Jitter:         cfg.Retry.Jitter,
		}),
		tutor.WithGuard(langguard.New(langguard.WithThresholds(langguard.Thresholds{
			MinRatio:   cfg.Guard.MinRatio,
			MinShare:   cfg.Guard.MinShare,
			MixedShare: cfg.Guard.MixedShare,
		}))),
		tutor.WithMaxTurns(cfg.Engine.MaxTurns),
		tutor.WithTemperatures(tutor.Temperatures(cfg.Engine.Temperatures)),
		tutor.WithFeedbackLanguage(cfg.Engine.FeedbackLanguage),
		tutor.WithSessionSerialization(cfg.Engine.SerializeSessions),
		tutor.WithAnalysisParallelism(cfg.Engine.AnalysisParallelism),
	)

	if cfg.Sweeper.Enabled {
		rt.Sweeper, err = sweeper.New(store, rt.Engine, sweeper.Config{
			Schedule:   cfg.Sweeper.Schedule,
			IdleAfter:  cfg.Sweeper.IdleAfter,
			BatchSize:  cfg.Sweeper.BatchSize,
			RunTimeout: cfg.Sweeper.RunTimeout,
		}, sweeper.WithLogger(logger))
		if err != nil {
			return nil, err
		}
	}

	logger.Info("runtime ready",
		"provider", cfg.Model.Provider, "store", cfg.Store.Backend, "sweeper", cfg.Sweeper.Enabled)
	return rt, nil
}

// references builds the reference lookup chain: catalog, optional
// morphology enrichment, then the cache.
func (rt *Runtime) references(cfg *config.Config) (reference.Lookup, error) {
	var catalog *reference.Catalog
	if cfg.Reference.Catalog != "" {
		var err error
		if catalog, err = reference.LoadCatalog(cfg.Reference.Catalog); err != nil {
			return nil, fmt.Errorf("load reference catalog: %w", err)
		}
	} else {
		rt.logger.Warn("no reference catalog configured; every start will fail with reference not found")
		catalog = reference.NewCatalog()
	}

	var lookup reference.Lookup = catalog
	if cfg.Morphology.URL != "" {
		mc, err := morphology.NewClient(cfg.Morphology.URL, morphology.WithTimeout(cfg.Morphology.Timeout))
		if err != nil {
			return nil, fmt.Errorf("morphology client: %w", err)
		}
		lookup = reference.NewEnriched(lookup, mc,
			reference.WithMaxHints(cfg.Morphology.MaxHints), reference.WithLogger(rt.logger))
		rt.Health.RegisterCheck(obsmetrics.ExternalServiceCheck("morphology", mc.Ping))
	}
	if cfg.Reference.CacheSize > 0 {
		lookup = reference.NewCached(lookup, cfg.Reference.CacheSize, cfg.Reference.CacheTTL)
	}
	return lookup, nil
}

func storeConfig(c config.StoreConfig) session.Config {
	return session.Config{
		Backend:    c.Backend,
		SQLitePath: c.SQLitePath,
		Redis: session.RedisConfig{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
			Prefix:   c.Redis.Prefix,
			TTL:      c.Redis.TTL,
			PoolSize: c.Redis.PoolSize,
		},
		Firestore: session.FirestoreConfig{
			ProjectID:       c.Firestore.ProjectID,
			CredentialsFile: c.Firestore.CredentialsFile,
			Collection:      c.Firestore.Collection,
		},
	}
}

// Handler returns the HTTP API.
func (rt *Runtime) Handler() http.Handler {
	return api.NewHandler(rt.Engine,
		api.WithLogger(rt.logger),
		api.WithRateLimit(rt.Config.Server.RateLimit, rt.Config.Server.RateBurst),
	).Router()
}

// Close drains background engine work, then releases the store and tracing.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.Sweeper != nil {
		errs = append(errs, rt.Sweeper.Stop(ctx))
	}
	if err := rt.Engine.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain engine: %w", err))
	}
	errs = append(errs, rt.Store.Close(), observability.Shutdown(ctx))
	return errors.Join(errs...)
}
