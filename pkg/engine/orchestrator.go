package engine

import (
	"context"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/rs/zerolog"

	"github.com/meadowops/meadow/pkg/telemetry"
)

// PolicyGate is evaluated against a computed plan before any mutation.
// Implementations return a fatal POLICY_DENIED error to block the run.
type PolicyGate interface {
	EvaluatePlan(ctx context.Context, env *Environment, plan *Plan) error
}

// OrchestratorConfig tunes the outward-facing orchestration surface.
type OrchestratorConfig struct {
	// Lease is the lock lease duration used for Apply and Destroy.
	Lease time.Duration

	// AcquireWait bounds how long Apply waits for a held lock before
	// giving up with a lock-held error.
	AcquireWait time.Duration

	// DefaultTTL applies when a request does not name one.
	DefaultTTL time.Duration
}

// Orchestrator is the surface callers use: Plan (lock-free), Apply and
// Destroy (lock internally), and Status (read-only introspection).
type Orchestrator struct {
	store    StateStore
	locks    LockManager
	executor *Executor
	policy   PolicyGate
	clock    clock.Clock
	logger   zerolog.Logger
	metrics  *telemetry.Metrics

	lease       time.Duration
	acquireWait time.Duration
	defaultTTL  time.Duration
}

// NewOrchestrator wires the orchestration surface. policy and metrics may
// be nil.
func NewOrchestrator(
	store StateStore,
	locks LockManager,
	executor *Executor,
	policy PolicyGate,
	clk clock.Clock,
	logger zerolog.Logger,
	metrics *telemetry.Metrics,
	cfg OrchestratorConfig,
) *Orchestrator {
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	if cfg.AcquireWait <= 0 {
		cfg.AcquireWait = 30 * time.Second
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 4 * time.Hour
	}
	return &Orchestrator{
		store:       store,
		locks:       locks,
		executor:    executor,
		policy:      policy,
		clock:       clk,
		logger:      logger.With().Str("component", "orchestrator").Logger(),
		metrics:     metrics,
		lease:       cfg.Lease,
		acquireWait: cfg.AcquireWait,
		defaultTTL:  cfg.DefaultTTL,
	}
}

// ApplyRequest describes one desired environment state.
type ApplyRequest struct {
	// Environment is the environment name.
	Environment string

	// Owner attributes the environment on first apply.
	Owner string

	// TTL is the time-to-live refreshed by this apply. Zero selects the
	// configured default.
	TTL time.Duration

	// Labels are attached to the environment on first apply.
	Labels map[string]string

	// Resources is the desired descriptor set.
	Resources []ResourceDescriptor
}

// Plan computes the change set for an environment without taking the
// lock. Safe to call concurrently with a running apply; the plan reflects
// the state visible at read time.
func (o *Orchestrator) Plan(ctx context.Context, env string, desired []ResourceDescriptor) (*Plan, error) {
	stored, err := o.store.GetEnvironmentState(ctx, env)
	if err != nil {
		return nil, err
	}
	return BuildPlan(env, desired, stored)
}

// Apply serializes on the environment lock, re-plans against fresh state,
// runs the policy gate, and walks the plan. The TTL expiry is refreshed
// only when the run completes cleanly.
func (o *Orchestrator) Apply(ctx context.Context, req ApplyRequest) (*Report, error) {
	if req.Environment == "" {
		return nil, NewValidationError("environment name is empty")
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = o.defaultTTL
	}

	token, err := AcquireWait(ctx, o.clock, o.locks, req.Environment, o.lease, o.acquireWait)
	if err != nil {
		o.metrics.RecordLockContention(req.Environment)
		return nil, err
	}
	defer o.release(req.Environment, token)

	// Plan against state read under the lock so the versions embedded in
	// the plan are the ones the executor will commit against.
	stored, err := o.store.GetEnvironmentState(ctx, req.Environment)
	if err != nil {
		return nil, err
	}
	plan, err := BuildPlan(req.Environment, req.Resources, stored)
	if err != nil {
		return nil, err
	}

	env, err := o.ensureEnvironment(ctx, &req, ttl)
	if err != nil {
		return nil, err
	}

	if o.policy != nil {
		if err := o.policy.EvaluatePlan(ctx, env, plan); err != nil {
			return nil, err
		}
	}

	report, err := o.executor.Apply(ctx, plan, token)
	if err != nil {
		return report, err
	}

	if report.Status == RunStatusCompleted {
		expires := o.clock.Now().Add(ttl)
		if err := o.store.TouchEnvironment(ctx, req.Environment, expires); err != nil {
			o.logger.Error().Err(err).
				Str("environment", req.Environment).
				Msg("failed to refresh TTL after apply")
		}
	}
	return report, nil
}

// Destroy tears down every tracked resource and, when the teardown is
// complete, removes the environment record.
func (o *Orchestrator) Destroy(ctx context.Context, name string) (*Report, error) {
	env, err := o.store.GetEnvironment(ctx, name)
	if err != nil {
		return nil, err
	}

	token, err := AcquireWait(ctx, o.clock, o.locks, name, o.lease, o.acquireWait)
	if err != nil {
		o.metrics.RecordLockContention(name)
		return nil, err
	}
	defer o.release(name, token)

	stored, err := o.store.GetEnvironmentState(ctx, name)
	if err != nil {
		return nil, err
	}
	plan, err := BuildDestroyPlan(name, stored)
	if err != nil {
		return nil, err
	}

	if o.policy != nil {
		if err := o.policy.EvaluatePlan(ctx, env, plan); err != nil {
			return nil, err
		}
	}

	report, err := o.executor.Apply(ctx, plan, token)
	if err != nil {
		return report, err
	}

	if report.Status == RunStatusCompleted {
		if err := o.store.DeleteEnvironment(ctx, name); err != nil {
			return report, err
		}
		o.logger.Info().Str("environment", name).Msg("environment destroyed")
	}
	return report, nil
}

// Status returns read-only introspection for an environment: resource
// states, current lock holder, and remaining TTL.
func (o *Orchestrator) Status(ctx context.Context, name string) (*EnvironmentStatus, error) {
	env, err := o.store.GetEnvironment(ctx, name)
	if err != nil {
		return nil, err
	}
	resources, err := o.store.GetEnvironmentState(ctx, name)
	if err != nil {
		return nil, err
	}
	lock, err := o.locks.Inspect(ctx, name)
	if err != nil {
		return nil, err
	}

	status := &EnvironmentStatus{
		Environment: *env,
		Resources:   resources,
		Lock:        lock,
	}
	if remain := env.ExpiresAt.Sub(o.clock.Now()); remain > 0 {
		status.TTLRemain = remain
	}
	return status, nil
}

// ensureEnvironment creates the environment record on first apply.
func (o *Orchestrator) ensureEnvironment(ctx context.Context, req *ApplyRequest, ttl time.Duration) (*Environment, error) {
	env, err := o.store.GetEnvironment(ctx, req.Environment)
	if err == nil {
		return env, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}

	now := o.clock.Now()
	env = &Environment{
		Name:      req.Environment,
		Owner:     req.Owner,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Labels:    req.Labels,
	}
	if err := o.store.CreateEnvironment(ctx, env); err != nil {
		return nil, err
	}
	o.logger.Info().
		Str("environment", req.Environment).
		Str("owner", req.Owner).
		Time("expires_at", env.ExpiresAt).
		Msg("environment created")
	return env, nil
}

// release drops the lock with a fresh context so teardown still happens
// when the caller's context is already cancelled.
func (o *Orchestrator) release(env, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.locks.Release(ctx, env, token); err != nil {
		o.logger.Warn().Err(err).Str("environment", env).Msg("lock release failed")
	}
}

// AcquireWait attempts acquisition with bounded backoff: contention is
// retried until maxWait elapses, then the last lock-held error surfaces.
func AcquireWait(
	ctx context.Context,
	clk clock.Clock,
	locks LockManager,
	env string,
	lease, maxWait time.Duration,
) (string, error) {
	deadline := clk.Now().Add(maxWait)
	backoff := 250 * time.Millisecond

	for {
		token, err := locks.Acquire(ctx, env, lease)
		if err == nil {
			return token, nil
		}
		if !IsLockHeld(err) {
			return "", err
		}
		if clk.Now().Add(backoff).After(deadline) {
			return "", err
		}

		timer := clk.NewTimer(backoff)
		select {
		case <-timer.C():
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		}
		if backoff < 4*time.Second {
			backoff *= 2
		}
	}
}
