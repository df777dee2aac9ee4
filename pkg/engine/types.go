package engine

import (
	"encoding/json"
	"sort"
	"time"
)

// ResourceKind identifies the provider capability a descriptor requires.
type ResourceKind string

// Kinds shipped with the reference playground provider. The engine itself
// never branches on kind; any string registered with a provider is valid.
const (
	KindNetwork  ResourceKind = "network"
	KindCluster  ResourceKind = "cluster"
	KindDatabase ResourceKind = "database"
	KindCache    ResourceKind = "cache"
)

// ResourceDescriptor is the typed representation of one provisionable unit
// and its declared dependencies. Descriptors are immutable once submitted
// in a plan; a new desired snapshot produces a new plan.
type ResourceDescriptor struct {
	// ID is the resource identifier, unique within an environment.
	ID string `json:"id"`

	// Kind selects the provider capability (network, cluster, database, ...).
	Kind ResourceKind `json:"kind"`

	// DependsOn lists resource IDs that must be applied before this one.
	DependsOn []string `json:"depends_on,omitempty"`

	// Params is the desired parameter mapping (string keys to scalar or
	// list values).
	Params map[string]any `json:"params,omitempty"`
}

// Snapshot returns the canonical JSON form of the descriptor parameters.
// encoding/json sorts map keys, so identical params always produce
// identical bytes.
func (d ResourceDescriptor) Snapshot() json.RawMessage {
	if d.Params == nil {
		return json.RawMessage("{}")
	}
	b, err := json.Marshal(d.Params)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

// SortedDependsOn returns the dependency list in ascending order without
// mutating the descriptor.
func (d ResourceDescriptor) SortedDependsOn() []string {
	deps := make([]string, len(d.DependsOn))
	copy(deps, d.DependsOn)
	sort.Strings(deps)
	return deps
}

// Environment is a named collection of resources sharing one lock and one TTL.
type Environment struct {
	// Name is the unique environment name.
	Name string `json:"name"`

	// Owner identifies who created the environment.
	Owner string `json:"owner,omitempty"`

	// CreatedAt is when the environment was first applied.
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is the TTL expiry. Refreshed only by explicit re-apply,
	// never silently extended.
	ExpiresAt time.Time `json:"expires_at"`

	// DestroyFailed marks an environment whose last reap attempt failed.
	// It stays tracked and is retried on the next reaper pass.
	DestroyFailed bool `json:"destroy_failed,omitempty"`

	// Labels are key-value pairs for organizing environments. The policy
	// gate reads the "protected" label.
	Labels map[string]string `json:"labels,omitempty"`
}

// Expired reports whether the environment's TTL has passed at the given time.
func (e *Environment) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// StoredState is the durable per-resource record. Owned exclusively by the
// state store; the Executor is the only writer.
type StoredState struct {
	// ID is the resource identifier within the environment.
	ID string `json:"id"`

	// Kind is the resource kind recorded at last apply.
	Kind ResourceKind `json:"kind"`

	// DependsOn is the dependency list recorded at last apply. Kept so a
	// destroy plan can be ordered after the desired set is gone.
	DependsOn []string `json:"depends_on,omitempty"`

	// Snapshot is the last-applied parameter snapshot (canonical JSON).
	Snapshot json.RawMessage `json:"snapshot"`

	// ExternalID is the provider-assigned identifier.
	ExternalID string `json:"external_id,omitempty"`

	// Attributes are the provider-reported attributes after the last apply.
	Attributes json.RawMessage `json:"attributes,omitempty"`

	// Version increases monotonically; writes with a stale expected
	// version are rejected.
	Version int64 `json:"version"`

	// Status is the durable resource status.
	Status ResourceStatus `json:"status"`

	// UpdatedAt is the last-modified timestamp.
	UpdatedAt time.Time `json:"updated_at"`
}

// Descriptor reconstructs a ResourceDescriptor from the stored record,
// used when planning a destroy after the desired set no longer names the
// resource.
func (s StoredState) Descriptor() ResourceDescriptor {
	var params map[string]any
	if len(s.Snapshot) > 0 {
		_ = json.Unmarshal(s.Snapshot, &params)
	}
	return ResourceDescriptor{
		ID:        s.ID,
		Kind:      s.Kind,
		DependsOn: s.DependsOn,
		Params:    params,
	}
}

// LockRecord describes one lease on an environment. At most one
// non-expired record exists per environment at any time.
type LockRecord struct {
	// Environment is the environment name the lease guards.
	Environment string `json:"environment"`

	// Token is the random holder token, unique per acquisition.
	Token string `json:"token"`

	// AcquiredAt is when the lease was granted.
	AcquiredAt time.Time `json:"acquired_at"`

	// ExpiresAt is when the lease lapses without renewal.
	ExpiresAt time.Time `json:"expires_at"`
}

// Step is one (descriptor, operation) pair in a plan.
type Step struct {
	// Descriptor is the resource this step operates on. For delete steps
	// it is reconstructed from stored state.
	Descriptor ResourceDescriptor `json:"descriptor"`

	// Op is the operation to perform.
	Op Operation `json:"op"`

	// Level is the topological level; steps sharing a level have no
	// ancestor/descendant relationship and may run in parallel.
	Level int `json:"level"`

	// ExpectedVersion is the stored version read at plan time, used as the
	// optimistic-concurrency guard when committing the result.
	ExpectedVersion int64 `json:"expected_version"`
}

// Plan is an ordered, immutable change set. Re-planning produces a new Plan.
type Plan struct {
	// ID is the unique plan identifier.
	ID string `json:"id"`

	// Environment is the environment the plan mutates.
	Environment string `json:"environment"`

	// Steps is the ordered step list: deletes first (dependents before
	// dependencies), then creates/updates (dependencies before dependents),
	// with noops interleaved at their natural position.
	Steps []Step `json:"steps"`
}

// Summary tallies the plan by operation.
func (p *Plan) Summary() PlanSummary {
	var s PlanSummary
	for _, st := range p.Steps {
		switch st.Op {
		case OperationCreate:
			s.ToCreate++
		case OperationUpdate:
			s.ToUpdate++
		case OperationDelete:
			s.ToDelete++
		case OperationNoop:
			s.NoChange++
		}
	}
	s.Total = len(p.Steps)
	return s
}

// HasChanges reports whether any step mutates external state.
func (p *Plan) HasChanges() bool {
	for _, st := range p.Steps {
		if st.Op.IsMutating() {
			return true
		}
	}
	return false
}

// PlanSummary provides statistics about a plan.
type PlanSummary struct {
	Total    int `json:"total"`
	ToCreate int `json:"to_create"`
	ToUpdate int `json:"to_update"`
	ToDelete int `json:"to_delete"`
	NoChange int `json:"no_change"`
}

// StepResult is the per-resource outcome in a report.
type StepResult struct {
	// ResourceID is the resource the step operated on.
	ResourceID string `json:"resource_id"`

	// Op is the operation attempted.
	Op Operation `json:"op"`

	// Status is the final step status.
	Status StepStatus `json:"status"`

	// Attempts is how many provider calls were made, including retries.
	Attempts int `json:"attempts"`

	// Error is the classified error when the step failed or was skipped.
	Error *Error `json:"error,omitempty"`

	// Duration is how long the step ran.
	Duration time.Duration `json:"duration"`
}

// Report is the outcome of one executor run.
type Report struct {
	// RunID is the unique run identifier.
	RunID string `json:"run_id"`

	// PlanID is the plan that was executed.
	PlanID string `json:"plan_id"`

	// Environment is the environment the run mutated.
	Environment string `json:"environment"`

	// Status is the overall run status.
	Status RunStatus `json:"status"`

	// Results holds one entry per plan step, in plan order.
	Results []StepResult `json:"results"`

	// FirstError is the first error encountered, with enough context to
	// classify it as retryable or fatal.
	FirstError *Error `json:"first_error,omitempty"`

	// StartedAt and CompletedAt bound the run.
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Applied counts steps that reached StepStatusApplied.
func (r *Report) Applied() int {
	n := 0
	for _, res := range r.Results {
		if res.Status == StepStatusApplied {
			n++
		}
	}
	return n
}

// Failed counts steps that reached StepStatusFailed.
func (r *Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Status == StepStatusFailed {
			n++
		}
	}
	return n
}

// EnvironmentStatus is the read-only introspection result.
type EnvironmentStatus struct {
	Environment Environment            `json:"environment"`
	Resources   map[string]StoredState `json:"resources"`
	Lock        *LockRecord            `json:"lock,omitempty"`
	TTLRemain   time.Duration          `json:"ttl_remaining"`
}
