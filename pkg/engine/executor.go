package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meadowops/meadow/pkg/telemetry"
)

// ExecutorConfig tunes one executor instance.
type ExecutorConfig struct {
	// MaxParallel caps concurrent provider operations within one level.
	MaxParallel int

	// Lease is the lock lease duration; the executor renews at half this
	// interval and aborts the run if renewal fails.
	Lease time.Duration

	// Retry is the policy applied to transient provider failures.
	Retry RetryPolicy
}

// Executor walks a plan level by level, invoking provider operations and
// committing each outcome to the state store with optimistic versioning.
// Independent branches of the graph proceed in parallel; a failure halts
// only the failed resource's dependents.
type Executor struct {
	store    StateStore
	locks    LockManager
	registry ProviderRegistry
	clock    clock.Clock
	logger   zerolog.Logger
	metrics  *telemetry.Metrics

	maxParallel int
	lease       time.Duration
	retry       RetryPolicy
}

// NewExecutor creates an executor. metrics may be nil.
func NewExecutor(
	store StateStore,
	locks LockManager,
	registry ProviderRegistry,
	clk clock.Clock,
	logger zerolog.Logger,
	metrics *telemetry.Metrics,
	cfg ExecutorConfig,
) *Executor {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Executor{
		store:       store,
		locks:       locks,
		registry:    registry,
		clock:       clk,
		logger:      logger.With().Str("component", "executor").Logger(),
		metrics:     metrics,
		maxParallel: cfg.MaxParallel,
		lease:       cfg.Lease,
		retry:       cfg.Retry,
	}
}

// run tracks the mutable state of one Apply call.
type run struct {
	id       string
	plan     *Plan
	token    string
	stored   map[string]StoredState
	report   *Report
	lockLost bool

	mu sync.Mutex
	// satisfied marks steps whose resource ended in the state the plan
	// wanted (applied, already applied, or destroyed), so dependents may
	// proceed.
	satisfied map[string]bool
	results   map[string]*StepResult
}

// Apply executes the plan under the given lock token. The caller must hold
// a valid lease for the plan's environment; the executor renews it in the
// background and aborts if the lease is lost. Cancelling ctx stops new
// operations from being issued; in-flight provider calls finish and their
// outcome is committed.
func (x *Executor) Apply(ctx context.Context, plan *Plan, token string) (*Report, error) {
	if plan == nil {
		return nil, NewValidationError("plan is nil")
	}
	if token == "" {
		return nil, NewValidationError("lock token is empty")
	}

	stored, err := x.store.GetEnvironmentState(ctx, plan.Environment)
	if err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	r := &run{
		id:        runID,
		plan:      plan,
		token:     token,
		stored:    stored,
		satisfied: make(map[string]bool),
		results:   make(map[string]*StepResult),
		report: &Report{
			RunID:       runID,
			PlanID:      plan.ID,
			Environment: plan.Environment,
			Status:      RunStatusRunning,
			StartedAt:   x.clock.Now(),
		},
	}

	// Pre-existing applied resources satisfy dependencies of this run.
	for id, st := range stored {
		if st.Status == ResourceStatusApplied {
			r.satisfied[id] = true
		}
	}

	x.event(ctx, r, "", "info", fmt.Sprintf("run started: plan %s", plan.ID))
	x.metrics.RecordRunStarted()

	// Renew the lease in the background at half the lease interval. A
	// failed renewal cancels the run rather than risking an expired lock.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	renewDone := make(chan struct{})
	go x.renewLoop(runCtx, r, cancel, renewDone)

	x.walkLevels(runCtx, r)

	cancel()
	<-renewDone

	x.finalize(ctx, r)
	return r.report, x.runError(r)
}

// renewLoop keeps the lease alive until the run context is done.
func (x *Executor) renewLoop(ctx context.Context, r *run, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	ticker := x.clock.NewTicker(x.lease / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := x.locks.Renew(ctx, r.plan.Environment, r.token); err != nil {
				x.logger.Error().Err(err).
					Str("environment", r.plan.Environment).
					Msg("lock renewal failed, aborting run")
				r.mu.Lock()
				r.lockLost = true
				r.mu.Unlock()
				cancel()
				return
			}
		}
	}
}

// walkLevels executes the plan's levels in ascending order.
func (x *Executor) walkLevels(ctx context.Context, r *run) {
	byLevel := make(map[int][]*Step)
	var levels []int
	for i := range r.plan.Steps {
		step := &r.plan.Steps[i]
		if _, seen := byLevel[step.Level]; !seen {
			levels = append(levels, step.Level)
		}
		byLevel[step.Level] = append(byLevel[step.Level], step)
	}
	sort.Ints(levels)

	for _, level := range levels {
		select {
		case <-ctx.Done():
			x.skipRemaining(r, byLevel, levels, level)
			return
		default:
		}

		// Verify the token is still valid before issuing operations at
		// this level.
		if err := x.locks.Renew(ctx, r.plan.Environment, r.token); err != nil {
			r.mu.Lock()
			r.lockLost = true
			r.mu.Unlock()
			x.skipRemaining(r, byLevel, levels, level)
			return
		}

		x.runLevel(ctx, r, byLevel[level])
	}
}

// runLevel executes one level's steps through a bounded worker pool.
func (x *Executor) runLevel(ctx context.Context, r *run, steps []*Step) {
	workers := x.maxParallel
	if len(steps) < workers {
		workers = len(steps)
	}

	queue := make(chan *Step, len(steps))
	for _, s := range steps {
		queue <- s
	}
	close(queue)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for step := range queue {
				select {
				case <-ctx.Done():
					x.recordSkip(r, step, &Error{
						Class:    ErrorClassContention,
						Code:     CodeAborted,
						Message:  "run cancelled before step started",
						Resource: step.Descriptor.ID,
						Op:       step.Op,
					})
					continue
				default:
				}
				x.executeStep(ctx, r, step)
			}
		}()
	}
	wg.Wait()
}

// executeStep runs one plan step end to end: dependency gate, resume
// check, provider call with retries, and the two versioned commits that
// bracket the provider operation.
func (x *Executor) executeStep(ctx context.Context, r *run, step *Step) {
	id := step.Descriptor.ID
	started := x.clock.Now()

	if step.Op == OperationNoop {
		x.markSatisfied(r, step, &StepResult{
			ResourceID: id,
			Op:         step.Op,
			Status:     StepStatusSkipped,
		})
		return
	}

	if done, result := x.resumeCheck(r, step); done {
		x.markSatisfied(r, step, result)
		return
	}

	if blockedBy := x.blockedBy(r, step); blockedBy != "" {
		x.recordSkip(r, step, (&Error{
			Class:   ErrorClassFatal,
			Code:    CodeDependencyFailed,
			Message: fmt.Sprintf("dependency %s did not reach the required state", blockedBy),
		}).WithResource(id).WithOp(step.Op))
		return
	}

	provider, err := x.registry.Resolve(step.Descriptor.Kind)
	if err != nil {
		x.recordFailure(ctx, r, step, started, 0, err)
		return
	}

	prev := r.stored[id]

	// Record the transitional status before touching the provider, so a
	// crash never leaves an untracked mutation in flight.
	transitional := x.transitionalState(step, prev)
	if err := x.store.CommitResource(ctx, r.plan.Environment, transitional, step.ExpectedVersion); err != nil {
		x.recordFailure(ctx, r, step, started, 0, err)
		return
	}

	attempts, final, err := x.invokeProvider(ctx, provider, step, prev)

	// The provider has run by this point and may have mutated external
	// state. The writes recording what it reported must survive run
	// cancellation, or a finished call leaves an untracked resource.
	outCtx, cancelOut := outcomeContext(ctx)
	defer cancelOut()

	if err != nil {
		failed := transitional
		failed.Status = ResourceStatusFailed
		failed.UpdatedAt = x.clock.Now()
		if commitErr := x.store.CommitResource(outCtx, r.plan.Environment, failed, step.ExpectedVersion+1); commitErr != nil {
			x.logger.Error().Err(commitErr).Str("resource", id).
				Msg("failed to record failed status")
		}
		x.recordFailure(outCtx, r, step, started, attempts, err)
		return
	}

	final.UpdatedAt = x.clock.Now()
	if err := x.store.CommitResource(outCtx, r.plan.Environment, final, step.ExpectedVersion+1); err != nil {
		x.recordFailure(outCtx, r, step, started, attempts, err)
		return
	}

	if step.Op == OperationDelete {
		if err := x.store.DeleteResource(outCtx, r.plan.Environment, id); err != nil {
			x.recordFailure(outCtx, r, step, started, attempts, err)
			return
		}
	}

	duration := x.clock.Now().Sub(started)
	x.markSatisfied(r, step, &StepResult{
		ResourceID: id,
		Op:         step.Op,
		Status:     StepStatusApplied,
		Attempts:   attempts,
		Duration:   duration,
	})
	x.metrics.RecordStep(string(step.Op), string(StepStatusApplied), duration)
	x.event(outCtx, r, id, "info", fmt.Sprintf("%s applied", step.Op))
}

// outcomeContext detaches a store write from run cancellation while still
// bounding how long it may take.
func outcomeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}

// resumeCheck skips work that a previous, partially failed run already
// finished: applied resources with an unchanged snapshot, and destroyed
// resources in delete plans.
func (x *Executor) resumeCheck(r *run, step *Step) (bool, *StepResult) {
	prev, exists := r.stored[step.Descriptor.ID]
	if !exists {
		return false, nil
	}

	switch step.Op {
	case OperationCreate, OperationUpdate:
		if prev.Status == ResourceStatusApplied &&
			bytes.Equal(canonical(prev.Snapshot), canonical(step.Descriptor.Snapshot())) {
			return true, &StepResult{
				ResourceID: step.Descriptor.ID,
				Op:         step.Op,
				Status:     StepStatusSkipped,
			}
		}
	case OperationDelete:
		if prev.Status == ResourceStatusDestroyed {
			return true, &StepResult{
				ResourceID: step.Descriptor.ID,
				Op:         step.Op,
				Status:     StepStatusSkipped,
			}
		}
	}
	return false, nil
}

// blockedBy returns the ID of the first prerequisite that did not reach
// the state this step requires, or "".
//
// Create/update steps require every declared dependency to be applied.
// Delete steps require every dependent in the plan to be destroyed first.
func (x *Executor) blockedBy(r *run, step *Step) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if step.Op == OperationDelete {
		for i := range r.plan.Steps {
			other := &r.plan.Steps[i]
			if other.Op != OperationDelete {
				continue
			}
			for _, dep := range other.Descriptor.DependsOn {
				if dep == step.Descriptor.ID && !r.satisfied[other.Descriptor.ID] {
					return other.Descriptor.ID
				}
			}
		}
		return ""
	}

	for _, dep := range step.Descriptor.DependsOn {
		if !r.satisfied[dep] {
			return dep
		}
	}
	return ""
}

// transitionalState is the record committed before the provider call.
func (x *Executor) transitionalState(step *Step, prev StoredState) StoredState {
	st := StoredState{
		ID:         step.Descriptor.ID,
		Kind:       step.Descriptor.Kind,
		DependsOn:  step.Descriptor.SortedDependsOn(),
		Snapshot:   step.Descriptor.Snapshot(),
		ExternalID: prev.ExternalID,
		Attributes: prev.Attributes,
		Status:     ResourceStatusPending,
		UpdatedAt:  x.clock.Now(),
	}
	if step.Op == OperationDelete {
		st.Kind = prev.Kind
		st.DependsOn = prev.DependsOn
		st.Snapshot = prev.Snapshot
		st.Status = ResourceStatusDestroying
	}
	return st
}

// invokeProvider calls the provider with retries and builds the final
// stored record on success.
func (x *Executor) invokeProvider(ctx context.Context, provider Provider, step *Step, prev StoredState) (int, StoredState, error) {
	final := x.transitionalState(step, prev)

	attempts, err := x.retry.Do(ctx, x.clock, func() error {
		switch step.Op {
		case OperationCreate:
			externalID, attrs, err := provider.Create(ctx, step.Descriptor.Kind, step.Descriptor.Params)
			if err != nil {
				return err
			}
			final.ExternalID = externalID
			final.Attributes = attrs
			return nil
		case OperationUpdate:
			attrs, err := provider.Update(ctx, prev.ExternalID, step.Descriptor.Params)
			if err != nil {
				return err
			}
			final.Attributes = attrs
			return nil
		case OperationDelete:
			return provider.Delete(ctx, prev.ExternalID)
		default:
			return NewValidationError(fmt.Sprintf("unexpected operation %s", step.Op))
		}
	})
	if attempts > 1 {
		x.metrics.RecordRetry()
	}
	if err != nil {
		return attempts, final, err
	}

	if step.Op == OperationDelete {
		final.Status = ResourceStatusDestroyed
	} else {
		final.Status = ResourceStatusApplied
	}
	return attempts, final, nil
}

// markSatisfied records a successful or already-satisfied step.
func (x *Executor) markSatisfied(r *run, step *Step, result *StepResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.satisfied[step.Descriptor.ID] = true
	r.results[step.Descriptor.ID] = result
}

// recordSkip records a step that never ran.
func (x *Executor) recordSkip(r *run, step *Step, stepErr *Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[step.Descriptor.ID] = &StepResult{
		ResourceID: step.Descriptor.ID,
		Op:         step.Op,
		Status:     StepStatusSkipped,
		Error:      stepErr,
	}
	if r.report.FirstError == nil && stepErr.Code != CodeDependencyFailed {
		r.report.FirstError = stepErr
	}
}

// recordFailure records a failed step and captures the first error.
func (x *Executor) recordFailure(ctx context.Context, r *run, step *Step, started time.Time, attempts int, err error) {
	classified := asError(err, step)
	duration := x.clock.Now().Sub(started)

	r.mu.Lock()
	r.results[step.Descriptor.ID] = &StepResult{
		ResourceID: step.Descriptor.ID,
		Op:         step.Op,
		Status:     StepStatusFailed,
		Attempts:   attempts,
		Error:      classified,
		Duration:   duration,
	}
	if r.report.FirstError == nil {
		r.report.FirstError = classified
	}
	r.mu.Unlock()

	x.metrics.RecordStep(string(step.Op), string(StepStatusFailed), duration)
	x.logger.Error().Err(err).
		Str("environment", r.plan.Environment).
		Str("resource", step.Descriptor.ID).
		Str("op", string(step.Op)).
		Msg("step failed")
	x.event(ctx, r, step.Descriptor.ID, "error", fmt.Sprintf("%s failed: %v", step.Op, err))
}

// skipRemaining marks every step at or after the given level as skipped
// after an abort.
func (x *Executor) skipRemaining(r *run, byLevel map[int][]*Step, levels []int, from int) {
	r.mu.Lock()
	lost := r.lockLost
	r.mu.Unlock()

	code := CodeAborted
	msg := "run aborted"
	if lost {
		code = CodeLockLost
		msg = "lock lease lost"
	}
	for _, level := range levels {
		if level < from {
			continue
		}
		for _, step := range byLevel[level] {
			r.mu.Lock()
			_, done := r.results[step.Descriptor.ID]
			r.mu.Unlock()
			if done {
				continue
			}
			x.recordSkip(r, step, (&Error{
				Class:   ErrorClassContention,
				Code:    code,
				Message: msg,
			}).WithResource(step.Descriptor.ID).WithOp(step.Op))
		}
	}
}

// finalize assembles the report in plan order and settles the run status.
func (x *Executor) finalize(ctx context.Context, r *run) {
	r.mu.Lock()
	defer r.mu.Unlock()

	failed, aborted := 0, 0
	for i := range r.plan.Steps {
		step := &r.plan.Steps[i]
		result := r.results[step.Descriptor.ID]
		if result == nil {
			result = &StepResult{
				ResourceID: step.Descriptor.ID,
				Op:         step.Op,
				Status:     StepStatusSkipped,
			}
		}
		r.report.Results = append(r.report.Results, *result)
		if result.Status == StepStatusFailed {
			failed++
		}
		if result.Error != nil && (result.Error.Code == CodeAborted || result.Error.Code == CodeLockLost) {
			aborted++
		}
	}

	switch {
	case r.lockLost || aborted > 0:
		r.report.Status = RunStatusAborted
		if r.lockLost && r.report.FirstError == nil {
			r.report.FirstError = NewLockLostError(r.plan.Environment, nil)
		}
	case failed > 0:
		r.report.Status = RunStatusPartiallyFailed
	default:
		r.report.Status = RunStatusCompleted
	}

	r.report.CompletedAt = x.clock.Now()
	x.metrics.RecordRunCompleted(string(r.report.Status), r.report.CompletedAt.Sub(r.report.StartedAt))

	outCtx, cancel := outcomeContext(ctx)
	defer cancel()
	x.event(outCtx, r, "", "info", fmt.Sprintf("run finished: %s", r.report.Status))
}

// runError maps the final run status to the error returned beside the report.
func (x *Executor) runError(r *run) error {
	if r.lockLost {
		return NewLockLostError(r.plan.Environment, nil)
	}
	return nil
}

// event appends to the run timeline; failures are logged, never fatal.
func (x *Executor) event(ctx context.Context, r *run, resourceID, level, msg string) {
	err := x.store.AppendEvent(ctx, &RunEvent{
		RunID:       r.id,
		Environment: r.plan.Environment,
		ResourceID:  resourceID,
		Level:       level,
		Message:     msg,
		Timestamp:   x.clock.Now(),
	})
	if err != nil {
		x.logger.Debug().Err(err).Msg("failed to append run event")
	}
}

// asError classifies an arbitrary error with step context. The annotated
// copy never aliases the provider's error, which may be a shared value.
func asError(err error, step *Step) *Error {
	var e *Error
	if errors.As(err, &e) {
		annotated := *e
		if annotated.Resource == "" {
			annotated.Resource = step.Descriptor.ID
		}
		if annotated.Op == "" {
			annotated.Op = step.Op
		}
		return &annotated
	}
	return (&Error{
		Class:   ErrorClassFatal,
		Code:    CodeProviderFatal,
		Message: "provider operation failed",
		Err:     err,
	}).WithResource(step.Descriptor.ID).WithOp(step.Op)
}
