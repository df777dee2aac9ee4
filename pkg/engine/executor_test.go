package engine

import (
	"context"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/rs/zerolog"
)

func desc(id string, kind ResourceKind, deps ...string) ResourceDescriptor {
	return ResourceDescriptor{
		ID:        id,
		Kind:      kind,
		DependsOn: deps,
		Params:    map[string]any{"name": id},
	}
}

type executorHarness struct {
	store    *fakeStore
	locks    *fakeLocks
	provider *fakeProvider
	executor *Executor
	clock    *fakeclock.FakeClock
}

func newExecutorHarness(t *testing.T) *executorHarness {
	t.Helper()
	clk := fakeclock.NewFakeClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	store := newFakeStore()
	locks := newFakeLocks()
	provider := newFakeProvider()
	executor := NewExecutor(store, locks, &fakeRegistry{provider: provider}, clk, zerolog.Nop(), nil, ExecutorConfig{
		Retry: RetryPolicy{MaxAttempts: 1},
	})
	return &executorHarness{store: store, locks: locks, provider: provider, executor: executor, clock: clk}
}

func (h *executorHarness) lock(t *testing.T, env string) string {
	t.Helper()
	token, err := h.locks.Acquire(context.Background(), env, time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	return token
}

func indexOf(calls []string, call string) int {
	for i, c := range calls {
		if c == call {
			return i
		}
	}
	return -1
}

func TestApplyCreatesInDependencyOrder(t *testing.T) {
	h := newExecutorHarness(t)
	ctx := context.Background()

	plan, err := BuildPlan("review-42", []ResourceDescriptor{
		desc("net-a", KindNetwork),
		desc("cluster-a", KindCluster, "net-a"),
		desc("db-main", KindDatabase, "cluster-a"),
	}, nil)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}

	report, err := h.executor.Apply(ctx, plan, h.lock(t, "review-42"))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if report.Status != RunStatusCompleted {
		t.Fatalf("status = %s, want completed", report.Status)
	}
	if report.Applied() != 3 {
		t.Errorf("applied = %d, want 3", report.Applied())
	}

	calls := h.provider.callOrder()
	if !(indexOf(calls, "create:net-a") < indexOf(calls, "create:cluster-a") &&
		indexOf(calls, "create:cluster-a") < indexOf(calls, "create:db-main")) {
		t.Errorf("provider calls out of order: %v", calls)
	}

	states, _ := h.store.GetEnvironmentState(ctx, "review-42")
	for _, id := range []string{"net-a", "cluster-a", "db-main"} {
		st, ok := states[id]
		if !ok {
			t.Fatalf("%s missing from state", id)
		}
		if st.Status != ResourceStatusApplied {
			t.Errorf("%s status = %s, want applied", id, st.Status)
		}
		if st.ExternalID == "" {
			t.Errorf("%s has no external ID", id)
		}
		// Two guarded commits per step: transitional then final.
		if st.Version != 2 {
			t.Errorf("%s version = %d, want 2", id, st.Version)
		}
	}

	events, _ := h.store.ListEvents(ctx, report.RunID)
	if len(events) == 0 {
		t.Error("run produced no events")
	}
}

func TestApplyPartialFailureSkipsOnlyDependents(t *testing.T) {
	h := newExecutorHarness(t)
	ctx := context.Background()

	// net-a -> cluster-a -> app; db-main is an independent branch.
	plan, err := BuildPlan("review-42", []ResourceDescriptor{
		desc("net-a", KindNetwork),
		desc("cluster-a", KindCluster, "net-a"),
		desc("app", KindCluster, "cluster-a"),
		desc("db-main", KindDatabase),
	}, nil)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	h.provider.failOn("cluster-a", NewFatalProviderError("quota exceeded", nil))

	report, err := h.executor.Apply(ctx, plan, h.lock(t, "review-42"))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if report.Status != RunStatusPartiallyFailed {
		t.Fatalf("status = %s, want partially_failed", report.Status)
	}

	byID := make(map[string]StepResult)
	for _, res := range report.Results {
		byID[res.ResourceID] = res
	}
	if byID["net-a"].Status != StepStatusApplied {
		t.Errorf("net-a = %s, want applied", byID["net-a"].Status)
	}
	if byID["db-main"].Status != StepStatusApplied {
		t.Errorf("independent db-main = %s, want applied", byID["db-main"].Status)
	}
	if byID["cluster-a"].Status != StepStatusFailed {
		t.Errorf("cluster-a = %s, want failed", byID["cluster-a"].Status)
	}
	if byID["app"].Status != StepStatusSkipped {
		t.Errorf("app = %s, want skipped", byID["app"].Status)
	}
	if byID["app"].Error == nil || byID["app"].Error.Code != CodeDependencyFailed {
		t.Errorf("app error = %v, want dependency-failed", byID["app"].Error)
	}
	if report.FirstError == nil || report.FirstError.Resource != "cluster-a" {
		t.Errorf("first error = %v, want cluster-a failure", report.FirstError)
	}

	// The failed resource keeps a durable failed record for the next plan.
	states, _ := h.store.GetEnvironmentState(ctx, "review-42")
	if states["cluster-a"].Status != ResourceStatusFailed {
		t.Errorf("stored cluster-a = %s, want failed", states["cluster-a"].Status)
	}
}

func TestApplyResumeAfterPartialFailure(t *testing.T) {
	h := newExecutorHarness(t)
	ctx := context.Background()

	desired := []ResourceDescriptor{
		desc("net-a", KindNetwork),
		desc("cluster-a", KindCluster, "net-a"),
	}
	plan, err := BuildPlan("review-42", desired, nil)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	h.provider.failOn("cluster-a", NewFatalProviderError("quota exceeded", nil))

	token := h.lock(t, "review-42")
	if _, err := h.executor.Apply(ctx, plan, token); err != nil {
		t.Fatalf("first Apply: %v", err)
	}

	// Second run plans against the stored state: net-a is a noop, the
	// failed cluster-a is re-applied.
	delete(h.provider.fails, "cluster-a")

	stored, _ := h.store.GetEnvironmentState(ctx, "review-42")
	plan2, err := BuildPlan("review-42", desired, stored)
	if err != nil {
		t.Fatalf("replan: %v", err)
	}

	report, err := h.executor.Apply(ctx, plan2, token)
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if report.Status != RunStatusCompleted {
		t.Fatalf("status = %s, want completed", report.Status)
	}

	// net-a was not touched again.
	creates := 0
	for _, call := range h.provider.callOrder() {
		if call == "create:net-a" {
			creates++
		}
	}
	if creates != 1 {
		t.Errorf("net-a created %d times, want 1", creates)
	}

	states, _ := h.store.GetEnvironmentState(ctx, "review-42")
	if states["cluster-a"].Status != ResourceStatusApplied {
		t.Errorf("cluster-a = %s after resume, want applied", states["cluster-a"].Status)
	}
}

func TestApplyDeleteReverseOrder(t *testing.T) {
	h := newExecutorHarness(t)
	ctx := context.Background()

	netA := desc("net-a", KindNetwork)
	dbMain := desc("db-main", KindDatabase, "net-a")
	h.store.seed("review-42", netA, 2, ResourceStatusApplied)
	h.store.seed("review-42", dbMain, 2, ResourceStatusApplied)

	stored, _ := h.store.GetEnvironmentState(ctx, "review-42")
	plan, err := BuildDestroyPlan("review-42", stored)
	if err != nil {
		t.Fatalf("BuildDestroyPlan: %v", err)
	}

	report, err := h.executor.Apply(ctx, plan, h.lock(t, "review-42"))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if report.Status != RunStatusCompleted {
		t.Fatalf("status = %s, want completed", report.Status)
	}

	calls := h.provider.callOrder()
	if !(indexOf(calls, "delete:ext-db-main") < indexOf(calls, "delete:ext-net-a")) {
		t.Errorf("deletes out of order: %v", calls)
	}

	states, _ := h.store.GetEnvironmentState(ctx, "review-42")
	if len(states) != 0 {
		t.Errorf("state not empty after destroy: %v", states)
	}
}

func TestApplyNoopTouchesNothing(t *testing.T) {
	h := newExecutorHarness(t)
	ctx := context.Background()

	netA := desc("net-a", KindNetwork)
	h.store.seed("review-42", netA, 3, ResourceStatusApplied)

	stored, _ := h.store.GetEnvironmentState(ctx, "review-42")
	plan, err := BuildPlan("review-42", []ResourceDescriptor{netA}, stored)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if plan.HasChanges() {
		t.Fatalf("unchanged environment produced changes: %v", plan.Summary())
	}

	report, err := h.executor.Apply(ctx, plan, h.lock(t, "review-42"))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if report.Status != RunStatusCompleted {
		t.Fatalf("status = %s, want completed", report.Status)
	}
	if calls := h.provider.callOrder(); len(calls) != 0 {
		t.Errorf("noop plan called the provider: %v", calls)
	}

	// The stored version is untouched.
	states, _ := h.store.GetEnvironmentState(ctx, "review-42")
	if states["net-a"].Version != 3 {
		t.Errorf("version = %d, want 3", states["net-a"].Version)
	}
}

func TestApplyAbortsWhenLockLost(t *testing.T) {
	h := newExecutorHarness(t)
	ctx := context.Background()

	plan, err := BuildPlan("review-42", []ResourceDescriptor{
		desc("net-a", KindNetwork),
		desc("db-main", KindDatabase, "net-a"),
	}, nil)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}

	token := h.lock(t, "review-42")
	h.locks.failRenewals(NewLockLostError("review-42", nil))

	report, err := h.executor.Apply(ctx, plan, token)
	if !IsLockLost(err) {
		t.Fatalf("Apply returned %v, want lock-lost", err)
	}
	if report.Status != RunStatusAborted {
		t.Fatalf("status = %s, want aborted", report.Status)
	}
	for _, res := range report.Results {
		if res.Status != StepStatusSkipped {
			t.Errorf("%s = %s, want skipped", res.ResourceID, res.Status)
		}
	}
	if calls := h.provider.callOrder(); len(calls) != 0 {
		t.Errorf("aborted run called the provider: %v", calls)
	}
}

func TestApplyCancelledContext(t *testing.T) {
	h := newExecutorHarness(t)

	plan, err := BuildPlan("review-42", []ResourceDescriptor{desc("net-a", KindNetwork)}, nil)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := h.executor.Apply(ctx, plan, h.lock(t, "review-42"))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if report.Status != RunStatusAborted {
		t.Fatalf("status = %s, want aborted", report.Status)
	}
	if calls := h.provider.callOrder(); len(calls) != 0 {
		t.Errorf("cancelled run called the provider: %v", calls)
	}
}

func TestApplyCancelMidRunRecordsOutcome(t *testing.T) {
	h := newExecutorHarness(t)

	plan, err := BuildPlan("review-42", []ResourceDescriptor{
		desc("net-a", KindNetwork),
		desc("db-main", KindDatabase, "net-a"),
	}, nil)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}

	// The run is cancelled while the provider call is in flight; the call
	// still finishes and returns an external ID that must be committed.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.provider.createHook = func(name string) {
		if name == "net-a" {
			cancel()
		}
	}

	report, err := h.executor.Apply(ctx, plan, h.lock(t, "review-42"))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if report.Status != RunStatusAborted {
		t.Fatalf("status = %s, want aborted", report.Status)
	}

	byID := make(map[string]StepResult)
	for _, res := range report.Results {
		byID[res.ResourceID] = res
	}
	if byID["net-a"].Status != StepStatusApplied {
		t.Errorf("in-flight step = %s, want applied", byID["net-a"].Status)
	}
	if byID["db-main"].Status != StepStatusSkipped {
		t.Errorf("next level = %s, want skipped", byID["db-main"].Status)
	}

	// The observed outcome landed in the store despite the cancellation.
	states, _ := h.store.GetEnvironmentState(context.Background(), "review-42")
	st, ok := states["net-a"]
	if !ok {
		t.Fatal("net-a missing from state after cancelled run")
	}
	if st.Status != ResourceStatusApplied {
		t.Errorf("stored status = %s, want applied", st.Status)
	}
	if st.ExternalID == "" {
		t.Error("external ID not recorded for finished provider call")
	}
	if st.Version != 2 {
		t.Errorf("version = %d, want 2", st.Version)
	}
}

func TestApplyFailureKeepsSharedErrorUntouched(t *testing.T) {
	h := newExecutorHarness(t)
	ctx := context.Background()

	// One sentinel error shared by two failing steps.
	sentinel := NewFatalProviderError("quota exceeded", nil)
	h.provider.failOn("net-a", sentinel)
	h.provider.failOn("db-main", sentinel)

	plan, err := BuildPlan("review-42", []ResourceDescriptor{
		desc("net-a", KindNetwork),
		desc("db-main", KindDatabase),
	}, nil)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}

	report, err := h.executor.Apply(ctx, plan, h.lock(t, "review-42"))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if report.Failed() != 2 {
		t.Fatalf("failed = %d, want 2", report.Failed())
	}

	if sentinel.Resource != "" || sentinel.Op != "" {
		t.Errorf("shared error mutated: resource=%q op=%q", sentinel.Resource, sentinel.Op)
	}
	for _, res := range report.Results {
		if res.Error == nil || res.Error.Resource != res.ResourceID {
			t.Errorf("%s error missing its own resource context: %+v", res.ResourceID, res.Error)
		}
	}
}

func TestApplyValidation(t *testing.T) {
	h := newExecutorHarness(t)
	ctx := context.Background()

	if _, err := h.executor.Apply(ctx, nil, "token"); err == nil {
		t.Error("nil plan accepted")
	}
	plan, _ := BuildPlan("review-42", nil, nil)
	if _, err := h.executor.Apply(ctx, plan, ""); err == nil {
		t.Error("empty token accepted")
	}
}
