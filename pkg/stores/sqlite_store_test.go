package stores

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"

	"github.com/meadowops/meadow/pkg/engine"
)

func newTestStore(t *testing.T) (*SQLiteStore, *fakeclock.FakeClock) {
	t.Helper()

	clk := fakeclock.NewFakeClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "meadow.db")}, clk)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return store, clk
}

func TestEnvironmentLifecycle(t *testing.T) {
	store, clk := newTestStore(t)
	ctx := context.Background()

	now := clk.Now().UTC()
	env := &engine.Environment{
		Name:      "review-42",
		Owner:     "alice",
		CreatedAt: now,
		ExpiresAt: now.Add(4 * time.Hour),
		Labels:    map[string]string{"team": "payments"},
	}
	if err := store.CreateEnvironment(ctx, env); err != nil {
		t.Fatalf("CreateEnvironment: %v", err)
	}

	got, err := store.GetEnvironment(ctx, "review-42")
	if err != nil {
		t.Fatalf("GetEnvironment: %v", err)
	}
	if got.Owner != "alice" {
		t.Errorf("owner = %q, want alice", got.Owner)
	}
	if got.Labels["team"] != "payments" {
		t.Errorf("labels = %v, want team=payments", got.Labels)
	}
	if !got.ExpiresAt.Equal(env.ExpiresAt) {
		t.Errorf("expires_at = %v, want %v", got.ExpiresAt, env.ExpiresAt)
	}

	// Touch refreshes TTL and clears the destroy-failed marker.
	if err := store.MarkDestroyFailed(ctx, "review-42", true); err != nil {
		t.Fatalf("MarkDestroyFailed: %v", err)
	}
	newExpiry := now.Add(8 * time.Hour)
	if err := store.TouchEnvironment(ctx, "review-42", newExpiry); err != nil {
		t.Fatalf("TouchEnvironment: %v", err)
	}
	got, err = store.GetEnvironment(ctx, "review-42")
	if err != nil {
		t.Fatalf("GetEnvironment after touch: %v", err)
	}
	if got.DestroyFailed {
		t.Error("destroy_failed should be cleared by touch")
	}
	if !got.ExpiresAt.Equal(newExpiry) {
		t.Errorf("expires_at = %v, want %v", got.ExpiresAt, newExpiry)
	}

	envs, err := store.ListEnvironments(ctx)
	if err != nil {
		t.Fatalf("ListEnvironments: %v", err)
	}
	if len(envs) != 1 {
		t.Fatalf("ListEnvironments returned %d, want 1", len(envs))
	}

	if err := store.DeleteEnvironment(ctx, "review-42"); err != nil {
		t.Fatalf("DeleteEnvironment: %v", err)
	}
	if _, err := store.GetEnvironment(ctx, "review-42"); !engine.IsNotFound(err) {
		t.Errorf("GetEnvironment after delete: got %v, want not-found", err)
	}
	// Deleting again is a no-op.
	if err := store.DeleteEnvironment(ctx, "review-42"); err != nil {
		t.Errorf("DeleteEnvironment twice: %v", err)
	}
}

func TestGetEnvironmentNotFound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.GetEnvironment(context.Background(), "ghost")
	if !engine.IsNotFound(err) {
		t.Fatalf("got %v, want not-found error", err)
	}
}

func TestCommitResourceVersioning(t *testing.T) {
	store, clk := newTestStore(t)
	ctx := context.Background()
	now := clk.Now().UTC()

	state := engine.StoredState{
		ID:         "db-main",
		Kind:       engine.KindDatabase,
		DependsOn:  []string{"net-a"},
		Snapshot:   json.RawMessage(`{"size":"small"}`),
		ExternalID: "ext-1",
		Status:     engine.ResourceStatusApplied,
		UpdatedAt:  now,
	}

	// expectedVersion 0 means the row must not exist yet.
	if err := store.CommitResource(ctx, "env-a", state, 0); err != nil {
		t.Fatalf("initial commit: %v", err)
	}

	// A second insert with expectedVersion 0 conflicts.
	err := store.CommitResource(ctx, "env-a", state, 0)
	if !engine.IsConflict(err) {
		t.Fatalf("duplicate insert: got %v, want conflict", err)
	}

	// Guarded update moves version 1 -> 2.
	state.Snapshot = json.RawMessage(`{"size":"large"}`)
	if err := store.CommitResource(ctx, "env-a", state, 1); err != nil {
		t.Fatalf("guarded update: %v", err)
	}

	// A stale writer still holding expectedVersion 1 conflicts.
	err = store.CommitResource(ctx, "env-a", state, 1)
	if !engine.IsConflict(err) {
		t.Fatalf("stale update: got %v, want conflict", err)
	}
	var cErr *engine.Error
	if !errors.As(err, &cErr) || cErr.Resource != "db-main" {
		t.Errorf("conflict error missing resource context: %v", err)
	}

	states, err := store.GetEnvironmentState(ctx, "env-a")
	if err != nil {
		t.Fatalf("GetEnvironmentState: %v", err)
	}
	got, ok := states["db-main"]
	if !ok {
		t.Fatal("db-main missing from state")
	}
	if got.Version != 2 {
		t.Errorf("version = %d, want 2", got.Version)
	}
	if string(got.Snapshot) != `{"size":"large"}` {
		t.Errorf("snapshot = %s, want large", got.Snapshot)
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0] != "net-a" {
		t.Errorf("depends_on = %v, want [net-a]", got.DependsOn)
	}

	if err := store.DeleteResource(ctx, "env-a", "db-main"); err != nil {
		t.Fatalf("DeleteResource: %v", err)
	}
	states, err = store.GetEnvironmentState(ctx, "env-a")
	if err != nil {
		t.Fatalf("GetEnvironmentState after delete: %v", err)
	}
	if len(states) != 0 {
		t.Errorf("state not empty after delete: %v", states)
	}
}

func TestCommitResourceCompetingWriters(t *testing.T) {
	store, clk := newTestStore(t)
	ctx := context.Background()

	state := engine.StoredState{
		ID:        "cluster-a",
		Kind:      engine.KindCluster,
		Snapshot:  json.RawMessage(`{}`),
		Status:    engine.ResourceStatusApplied,
		UpdatedAt: clk.Now().UTC(),
	}
	for expected := int64(0); expected < 3; expected++ {
		if err := store.CommitResource(ctx, "env-a", state, expected); err != nil {
			t.Fatalf("commit at %d: %v", expected, err)
		}
	}

	// Two writers both read version 3. The first moves it to 4; the
	// second is rejected and must re-read before retrying.
	if err := store.CommitResource(ctx, "env-a", state, 3); err != nil {
		t.Fatalf("first writer: %v", err)
	}
	if err := store.CommitResource(ctx, "env-a", state, 3); !engine.IsConflict(err) {
		t.Fatalf("second writer: got %v, want conflict", err)
	}

	states, err := store.GetEnvironmentState(ctx, "env-a")
	if err != nil {
		t.Fatalf("GetEnvironmentState: %v", err)
	}
	if got := states["cluster-a"].Version; got != 4 {
		t.Errorf("version = %d, want 4", got)
	}
}

func TestRunEventLog(t *testing.T) {
	store, clk := newTestStore(t)
	ctx := context.Background()

	for i, msg := range []string{"run started", "step applied", "run completed"} {
		ev := &engine.RunEvent{
			RunID:       "run-1",
			Environment: "env-a",
			Level:       "info",
			Message:     msg,
			Timestamp:   clk.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		if err := store.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
		if ev.ID == 0 {
			t.Error("AppendEvent did not set the row ID")
		}
	}

	events, err := store.ListEvents(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("ListEvents returned %d, want 3", len(events))
	}
	if events[0].Message != "run started" || events[2].Message != "run completed" {
		t.Errorf("events out of append order: %v", events)
	}

	other, err := store.ListEvents(ctx, "run-2")
	if err != nil {
		t.Fatalf("ListEvents other run: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("unexpected events for run-2: %v", other)
	}
}
