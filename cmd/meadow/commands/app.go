package commands

import (
	"context"
	"os"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/rs/zerolog"

	"github.com/meadowops/meadow/pkg/engine"
	"github.com/meadowops/meadow/pkg/policy"
	"github.com/meadowops/meadow/pkg/providers"
	"github.com/meadowops/meadow/pkg/providers/playground"
	"github.com/meadowops/meadow/pkg/reaper"
	"github.com/meadowops/meadow/pkg/stores"
	"github.com/meadowops/meadow/pkg/telemetry"
)

// app bundles the wired components shared by the CLI commands.
type app struct {
	store        *stores.SQLiteStore
	registry     *providers.Registry
	executor     *engine.Executor
	orchestrator *engine.Orchestrator
	reaper       *reaper.Reaper
	metrics      *telemetry.Metrics
	tracer       *telemetry.Tracer
	clock        clock.Clock
	logger       zerolog.Logger
}

// openApp wires the full stack against the configured database. The caller
// must invoke close when done.
func openApp(ctx context.Context) (*app, error) {
	cfg := telemetryConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	metrics, err := telemetry.NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}
	tracer, err := telemetry.NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return nil, err
	}

	clk := clock.NewClock()

	store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath}, clk)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	registry := providers.NewRegistry()
	pg := playground.New(clk)
	for _, kind := range playground.Kinds {
		registry.Register(kind, pg)
	}

	executor := engine.NewExecutor(store, store, registry, clk, logger, metrics, engine.ExecutorConfig{})

	gate, err := policy.NewGate(policy.Limits{}, clk, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	orchestrator := engine.NewOrchestrator(store, store, executor, gate, clk, logger, metrics, engine.OrchestratorConfig{})
	rp := reaper.New(store, store, executor, clk, logger, metrics, reaper.Config{Interval: time.Minute})

	return &app{
		store:        store,
		registry:     registry,
		executor:     executor,
		orchestrator: orchestrator,
		reaper:       rp,
		metrics:      metrics,
		tracer:       tracer,
		clock:        clk,
		logger:       logger,
	}, nil
}

func (a *app) close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tracer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to flush traces")
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to close store")
	}
}

// telemetryConfig derives the telemetry configuration from flags and
// environment variables.
func telemetryConfig() telemetry.Config {
	cfg := telemetry.DefaultConfig()
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = "otlp"
		cfg.Tracing.Endpoint = endpoint
		cfg.Tracing.Insecure = true
	}
	return cfg
}
