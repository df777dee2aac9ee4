package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/rs/zerolog"
)

// denyGate is a PolicyGate that fails every evaluation with a fixed error.
type denyGate struct {
	err   error
	calls int
}

func (g *denyGate) EvaluatePlan(context.Context, *Environment, *Plan) error {
	g.calls++
	return g.err
}

type orchestratorHarness struct {
	store        *fakeStore
	locks        *fakeLocks
	provider     *fakeProvider
	orchestrator *Orchestrator
	clock        *fakeclock.FakeClock
}

func newOrchestratorHarness(t *testing.T, policy PolicyGate) *orchestratorHarness {
	t.Helper()
	clk := fakeclock.NewFakeClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	store := newFakeStore()
	locks := newFakeLocks()
	provider := newFakeProvider()
	executor := NewExecutor(store, locks, &fakeRegistry{provider: provider}, clk, zerolog.Nop(), nil, ExecutorConfig{
		Retry: RetryPolicy{MaxAttempts: 1},
	})
	orchestrator := NewOrchestrator(store, locks, executor, policy, clk, zerolog.Nop(), nil, OrchestratorConfig{
		Lease:      time.Minute,
		DefaultTTL: time.Hour,
	})
	return &orchestratorHarness{store: store, locks: locks, provider: provider, orchestrator: orchestrator, clock: clk}
}

func TestOrchestratorApplyCreatesEnvironment(t *testing.T) {
	h := newOrchestratorHarness(t, nil)
	ctx := context.Background()

	report, err := h.orchestrator.Apply(ctx, ApplyRequest{
		Environment: "review-42",
		Owner:       "ci",
		TTL:         30 * time.Minute,
		Labels:      map[string]string{"team": "payments"},
		Resources: []ResourceDescriptor{
			desc("net-a", KindNetwork),
			desc("db-main", KindDatabase, "net-a"),
		},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if report.Status != RunStatusCompleted {
		t.Fatalf("status = %s, want completed", report.Status)
	}

	env, err := h.store.GetEnvironment(ctx, "review-42")
	if err != nil {
		t.Fatalf("GetEnvironment: %v", err)
	}
	if env.Owner != "ci" || env.Labels["team"] != "payments" {
		t.Errorf("environment record = %+v", env)
	}
	want := h.clock.Now().Add(30 * time.Minute)
	if !env.ExpiresAt.Equal(want) {
		t.Errorf("expires at %v, want %v", env.ExpiresAt, want)
	}

	// The lock is released after the run.
	lock, _ := h.locks.Inspect(ctx, "review-42")
	if lock != nil {
		t.Errorf("lock still held after apply: %+v", lock)
	}
}

func TestOrchestratorApplyFailureKeepsTTL(t *testing.T) {
	h := newOrchestratorHarness(t, nil)
	ctx := context.Background()

	req := ApplyRequest{
		Environment: "review-42",
		TTL:         time.Hour,
		Resources:   []ResourceDescriptor{desc("net-a", KindNetwork)},
	}
	if _, err := h.orchestrator.Apply(ctx, req); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	env, _ := h.store.GetEnvironment(ctx, "review-42")
	firstExpiry := env.ExpiresAt

	// A failed re-apply must not extend the lease on life.
	h.clock.Increment(10 * time.Minute)
	h.provider.failOn("net-a", NewFatalProviderError("permission denied", nil))
	req.Resources = []ResourceDescriptor{
		{ID: "net-a", Kind: KindNetwork, Params: map[string]any{"name": "net-a", "mtu": 9000}},
	}

	report, err := h.orchestrator.Apply(ctx, req)
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if report.Status != RunStatusPartiallyFailed {
		t.Fatalf("status = %s, want partially_failed", report.Status)
	}

	env, _ = h.store.GetEnvironment(ctx, "review-42")
	if !env.ExpiresAt.Equal(firstExpiry) {
		t.Errorf("TTL refreshed on failed run: %v, want %v", env.ExpiresAt, firstExpiry)
	}
}

func TestOrchestratorApplyPolicyDenied(t *testing.T) {
	gate := &denyGate{err: &Error{
		Class:   ErrorClassFatal,
		Code:    CodePolicyDenied,
		Message: "plan denied by policy: ttl-ceiling",
	}}
	h := newOrchestratorHarness(t, gate)
	ctx := context.Background()

	_, err := h.orchestrator.Apply(ctx, ApplyRequest{
		Environment: "review-42",
		Resources:   []ResourceDescriptor{desc("net-a", KindNetwork)},
	})
	var e *Error
	if !errors.As(err, &e) || e.Code != CodePolicyDenied {
		t.Fatalf("Apply returned %v, want policy denial", err)
	}
	if gate.calls != 1 {
		t.Errorf("gate evaluated %d times, want 1", gate.calls)
	}
	// Nothing was provisioned.
	if calls := h.provider.callOrder(); len(calls) != 0 {
		t.Errorf("denied plan reached the provider: %v", calls)
	}
	// And the lock is not leaked.
	lock, _ := h.locks.Inspect(ctx, "review-42")
	if lock != nil {
		t.Errorf("lock still held after denial: %+v", lock)
	}
}

func TestOrchestratorDestroy(t *testing.T) {
	h := newOrchestratorHarness(t, nil)
	ctx := context.Background()

	_, err := h.orchestrator.Apply(ctx, ApplyRequest{
		Environment: "review-42",
		Resources: []ResourceDescriptor{
			desc("net-a", KindNetwork),
			desc("db-main", KindDatabase, "net-a"),
		},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	report, err := h.orchestrator.Destroy(ctx, "review-42")
	if err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if report.Status != RunStatusCompleted {
		t.Fatalf("status = %s, want completed", report.Status)
	}

	if _, err := h.store.GetEnvironment(ctx, "review-42"); !IsNotFound(err) {
		t.Errorf("environment record survived destroy: %v", err)
	}
	states, _ := h.store.GetEnvironmentState(ctx, "review-42")
	if len(states) != 0 {
		t.Errorf("resource state survived destroy: %v", states)
	}
}

func TestOrchestratorDestroyUnknownEnvironment(t *testing.T) {
	h := newOrchestratorHarness(t, nil)
	if _, err := h.orchestrator.Destroy(context.Background(), "ghost"); !IsNotFound(err) {
		t.Fatalf("got %v, want not-found", err)
	}
}

func TestOrchestratorStatus(t *testing.T) {
	h := newOrchestratorHarness(t, nil)
	ctx := context.Background()

	_, err := h.orchestrator.Apply(ctx, ApplyRequest{
		Environment: "review-42",
		TTL:         time.Hour,
		Resources:   []ResourceDescriptor{desc("net-a", KindNetwork)},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	h.clock.Increment(15 * time.Minute)

	status, err := h.orchestrator.Status(ctx, "review-42")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(status.Resources) != 1 {
		t.Errorf("resources = %d, want 1", len(status.Resources))
	}
	if status.Lock != nil {
		t.Errorf("unexpected lock holder: %+v", status.Lock)
	}
	if status.TTLRemain != 45*time.Minute {
		t.Errorf("TTL remaining = %v, want 45m", status.TTLRemain)
	}
}

func TestOrchestratorApplyValidation(t *testing.T) {
	h := newOrchestratorHarness(t, nil)
	if _, err := h.orchestrator.Apply(context.Background(), ApplyRequest{}); err == nil {
		t.Fatal("empty environment name accepted")
	}
}

func TestAcquireWaitBacksOffThenGivesUp(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	locks := newFakeLocks()
	if _, err := locks.Acquire(context.Background(), "review-42", time.Minute); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := AcquireWait(context.Background(), clk, locks, "review-42", time.Minute, time.Second)
		done <- err
	}()

	// Backoff doubles from 250ms; after the 750ms mark the next wait would
	// overshoot the one second budget.
	clk.WaitForWatcherAndIncrement(250 * time.Millisecond)
	clk.WaitForWatcherAndIncrement(500 * time.Millisecond)

	select {
	case err := <-done:
		if !IsLockHeld(err) {
			t.Fatalf("got %v, want lock-held", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("AcquireWait did not give up")
	}
}

func TestAcquireWaitSucceedsAfterRelease(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	locks := newFakeLocks()
	token, err := locks.Acquire(context.Background(), "review-42", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	type result struct {
		token string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		tok, err := AcquireWait(context.Background(), clk, locks, "review-42", time.Minute, 30*time.Second)
		done <- result{tok, err}
	}()

	// Block until the waiter's first Acquire has failed and registered its
	// backoff timer; releasing before that point would let the waiter win
	// immediately and leave the fake clock with no watcher to increment.
	waiterDeadline := time.Now().Add(5 * time.Second)
	for clk.WatcherCount() == 0 {
		if time.Now().After(waiterDeadline) {
			t.Fatal("waiter never registered a backoff timer")
		}
		time.Sleep(time.Millisecond)
	}

	if err := locks.Release(context.Background(), "review-42", token); err != nil {
		t.Fatalf("Release: %v", err)
	}
	clk.Increment(250 * time.Millisecond)

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("AcquireWait: %v", r.err)
		}
		if r.token == "" {
			t.Fatal("AcquireWait returned an empty token")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("AcquireWait did not acquire")
	}
}

func TestAcquireWaitContextCancelled(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	locks := newFakeLocks()
	if _, err := locks.Acquire(context.Background(), "review-42", time.Minute); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := AcquireWait(ctx, clk, locks, "review-42", time.Minute, time.Minute)
		done <- err
	}()

	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("got %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("AcquireWait did not return after cancel")
	}
}
