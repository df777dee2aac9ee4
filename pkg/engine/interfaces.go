package engine

import (
	"context"
	"encoding/json"
	"time"
)

// StateStore is the durable record of the last-known-applied attributes of
// every resource in an environment, with optimistic versioning. Reads never
// block on lock state; mutual exclusion is the Executor's job.
type StateStore interface {
	// CreateEnvironment records a new environment.
	CreateEnvironment(ctx context.Context, env *Environment) error

	// GetEnvironment retrieves environment metadata by name.
	GetEnvironment(ctx context.Context, name string) (*Environment, error)

	// ListEnvironments lists all tracked environments.
	ListEnvironments(ctx context.Context) ([]Environment, error)

	// TouchEnvironment refreshes the TTL expiry and clears the
	// destroy-failed marker after a successful apply.
	TouchEnvironment(ctx context.Context, name string, expiresAt time.Time) error

	// MarkDestroyFailed flags an environment whose reap attempt failed.
	MarkDestroyFailed(ctx context.Context, name string, failed bool) error

	// DeleteEnvironment removes the environment record once every resource
	// is destroyed.
	DeleteEnvironment(ctx context.Context, name string) error

	// GetEnvironmentState returns the stored state of every resource in
	// the environment, keyed by resource ID.
	GetEnvironmentState(ctx context.Context, env string) (map[string]StoredState, error)

	// CommitResource writes one resource record atomically. It fails with
	// a conflict-classed error when expectedVersion does not match the
	// stored version; the stored version is incremented on success.
	// expectedVersion 0 means the resource must not exist yet.
	CommitResource(ctx context.Context, env string, state StoredState, expectedVersion int64) error

	// DeleteResource removes a destroyed resource record.
	DeleteResource(ctx context.Context, env, id string) error

	// AppendEvent appends to the append-only run event log.
	AppendEvent(ctx context.Context, event *RunEvent) error

	// ListEvents returns events for a run in append order.
	ListEvents(ctx context.Context, runID string) ([]RunEvent, error)

	// HealthCheck verifies the storage substrate is reachable.
	HealthCheck(ctx context.Context) error
}

// LockManager is the distributed mutual-exclusion primitive guarding a
// named environment during mutation. Leases expire automatically so a
// crashed holder cannot wedge an environment.
type LockManager interface {
	// Acquire grants an exclusive lease or fails with a lock-held error.
	// An expired lease may be stolen in the same call.
	Acquire(ctx context.Context, env string, lease time.Duration) (token string, err error)

	// Renew extends the lease. Fails with a token-mismatch error if the
	// lock is held by another token, or lock-lost if the record is gone.
	Renew(ctx context.Context, env, token string) error

	// Release drops the lease. No-op success when already absent;
	// token-mismatch error when held by a different token.
	Release(ctx context.Context, env, token string) error

	// Inspect returns the current non-expired lock record, or nil.
	Inspect(ctx context.Context, env string) (*LockRecord, error)
}

// Provider is the external collaborator that talks to a cloud API for one
// resource kind. The engine treats provider errors as opaque and relies on
// their error class for retry decisions. Implementations should be
// idempotent on retry where the backing API allows it.
type Provider interface {
	// Create provisions a new resource and returns the provider-assigned
	// external ID plus observed attributes.
	Create(ctx context.Context, kind ResourceKind, params map[string]any) (externalID string, attrs json.RawMessage, err error)

	// Update reconfigures an existing resource in place.
	Update(ctx context.Context, externalID string, params map[string]any) (attrs json.RawMessage, err error)

	// Delete tears a resource down. Deleting an already-absent resource
	// must succeed.
	Delete(ctx context.Context, externalID string) error
}

// ProviderRegistry resolves the provider for a resource kind. The Executor
// is written once against the Provider contract and never branches on kind.
type ProviderRegistry interface {
	// Resolve returns the provider registered for the kind, or a
	// validation error for unknown kinds.
	Resolve(kind ResourceKind) (Provider, error)

	// Kinds lists the registered kinds in ascending order.
	Kinds() []ResourceKind
}

// RunEvent is one entry in the append-only execution timeline.
type RunEvent struct {
	ID          int64     `json:"id"`
	RunID       string    `json:"run_id"`
	Environment string    `json:"environment"`
	ResourceID  string    `json:"resource_id,omitempty"`
	Level       string    `json:"level"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}
