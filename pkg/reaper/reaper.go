// Package reaper tears down environments whose TTL has expired. A recurring
// pass lists tracked environments, builds a destroy plan for each expired
// one, and executes it under the environment lock. One environment's failure
// never blocks the rest of the pass.
package reaper

import (
	"context"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/rs/zerolog"

	"github.com/meadowops/meadow/pkg/engine"
	"github.com/meadowops/meadow/pkg/telemetry"
)

// Config tunes the reaper.
type Config struct {
	// Interval between passes.
	Interval time.Duration

	// Lease is the lock lease duration used while destroying.
	Lease time.Duration
}

// Reaper drives TTL-based environment teardown.
type Reaper struct {
	store    engine.StateStore
	locks    engine.LockManager
	executor *engine.Executor
	clock    clock.Clock
	logger   zerolog.Logger
	metrics  *telemetry.Metrics

	interval time.Duration
	lease    time.Duration
}

// New wires a reaper. metrics may be nil.
func New(
	store engine.StateStore,
	locks engine.LockManager,
	executor *engine.Executor,
	clk clock.Clock,
	logger zerolog.Logger,
	metrics *telemetry.Metrics,
	cfg Config,
) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	return &Reaper{
		store:    store,
		locks:    locks,
		executor: executor,
		clock:    clk,
		logger:   logger.With().Str("component", "reaper").Logger(),
		metrics:  metrics,
		interval: cfg.Interval,
		lease:    cfg.Lease,
	}
}

// Run executes passes on the configured interval until the context ends.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Msg("Reaper started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Reaper stopped")
			return ctx.Err()
		case <-ticker.C():
			if err := r.RunPass(ctx); err != nil {
				r.logger.Error().Err(err).Msg("Reap pass failed")
			}
		}
	}
}

// PassResult tallies one sweep over all environments.
type PassResult struct {
	// Examined is how many environments were listed.
	Examined int

	// Reaped environments were destroyed and untracked.
	Reaped []string

	// Skipped environments were expired but locked elsewhere.
	Skipped []string

	// Failed environments keep the destroy-failed marker and are retried
	// next pass.
	Failed []string
}

// RunPass sweeps every tracked environment once.
func (r *Reaper) RunPass(ctx context.Context) error {
	result, err := r.pass(ctx)
	if err != nil {
		return err
	}
	if len(result.Reaped)+len(result.Skipped)+len(result.Failed) > 0 {
		r.logger.Info().
			Int("examined", result.Examined).
			Strs("reaped", result.Reaped).
			Strs("skipped", result.Skipped).
			Strs("failed", result.Failed).
			Msg("Reap pass completed")
	}
	return nil
}

// Pass sweeps once and returns the tally. Exposed for the CLI's one-shot
// reap command.
func (r *Reaper) Pass(ctx context.Context) (*PassResult, error) {
	return r.pass(ctx)
}

func (r *Reaper) pass(ctx context.Context) (*PassResult, error) {
	r.metrics.RecordReapPass()

	envs, err := r.store.ListEnvironments(ctx)
	if err != nil {
		return nil, err
	}
	r.metrics.SetEnvironmentsTracked(len(envs))

	now := r.clock.Now().UTC()
	result := &PassResult{Examined: len(envs)}
	for i := range envs {
		env := &envs[i]
		if !env.Expired(now) && !env.DestroyFailed {
			continue
		}

		switch err := r.reapOne(ctx, env); {
		case err == nil:
			result.Reaped = append(result.Reaped, env.Name)
			r.metrics.RecordReapOutcome("reaped")
		case engine.IsLockHeld(err):
			result.Skipped = append(result.Skipped, env.Name)
			r.metrics.RecordReapOutcome("skipped")
			r.logger.Info().
				Str("environment", env.Name).
				Msg("Environment locked, deferring to next pass")
		default:
			result.Failed = append(result.Failed, env.Name)
			r.metrics.RecordReapOutcome("failed")
			r.logger.Error().Err(err).
				Str("environment", env.Name).
				Msg("Failed to reap environment")
			if markErr := r.store.MarkDestroyFailed(ctx, env.Name, true); markErr != nil {
				r.logger.Error().Err(markErr).
					Str("environment", env.Name).
					Msg("Failed to mark environment destroy-failed")
			}
		}

		if ctx.Err() != nil {
			return result, ctx.Err()
		}
	}
	return result, nil
}

// reapOne destroys a single expired environment under its lock.
func (r *Reaper) reapOne(ctx context.Context, env *engine.Environment) error {
	token, err := r.locks.Acquire(ctx, env.Name, r.lease)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.locks.Release(releaseCtx, env.Name, token); err != nil {
			r.logger.Warn().Err(err).
				Str("environment", env.Name).
				Msg("Failed to release lock after reap")
		}
	}()

	stored, err := r.store.GetEnvironmentState(ctx, env.Name)
	if err != nil {
		return err
	}

	plan, err := engine.BuildDestroyPlan(env.Name, stored)
	if err != nil {
		return err
	}

	if plan.HasChanges() {
		report, err := r.executor.Apply(ctx, plan, token)
		if err != nil {
			return err
		}
		if report.Status != engine.RunStatusCompleted {
			if report.FirstError != nil {
				return report.FirstError
			}
			return engine.NewFatalProviderError("destroy run did not complete", nil)
		}
	}

	if err := r.store.DeleteEnvironment(ctx, env.Name); err != nil {
		return err
	}
	r.logger.Info().
		Str("environment", env.Name).
		Time("expired_at", env.ExpiresAt).
		Msg("Environment reaped")
	return nil
}
