package engine

import (
	"encoding/json"
	"fmt"
)

// Operation represents the type of change a plan step applies to a resource.
type Operation string

const (
	// OperationCreate indicates a new resource should be provisioned.
	OperationCreate Operation = "create"

	// OperationUpdate indicates an existing resource should be reconfigured.
	OperationUpdate Operation = "update"

	// OperationDelete indicates an existing resource should be torn down.
	OperationDelete Operation = "delete"

	// OperationNoop indicates the resource already matches its desired snapshot.
	OperationNoop Operation = "noop"
)

// IsMutating returns true if the operation changes external state.
func (o Operation) IsMutating() bool {
	return o == OperationCreate || o == OperationUpdate || o == OperationDelete
}

// Validate checks if the operation is valid.
func (o Operation) Validate() error {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete, OperationNoop:
		return nil
	default:
		return fmt.Errorf("invalid operation: %s", o)
	}
}

// ResourceStatus is the durable status of a resource in the state store.
type ResourceStatus string

const (
	// ResourceStatusPending indicates the resource is recorded but not yet applied.
	ResourceStatusPending ResourceStatus = "pending"

	// ResourceStatusApplied indicates the last operation succeeded and the
	// stored snapshot matches what the provider holds.
	ResourceStatusApplied ResourceStatus = "applied"

	// ResourceStatusFailed indicates the last operation failed.
	ResourceStatusFailed ResourceStatus = "failed"

	// ResourceStatusDestroying indicates a delete is in progress.
	ResourceStatusDestroying ResourceStatus = "destroying"

	// ResourceStatusDestroyed indicates the resource has been torn down.
	ResourceStatusDestroyed ResourceStatus = "destroyed"
)

// Validate checks if the resource status is valid.
func (s ResourceStatus) Validate() error {
	switch s {
	case ResourceStatusPending, ResourceStatusApplied, ResourceStatusFailed,
		ResourceStatusDestroying, ResourceStatusDestroyed:
		return nil
	default:
		return fmt.Errorf("invalid resource status: %s", s)
	}
}

// StepStatus is the in-run status of a single plan step.
type StepStatus string

const (
	// StepStatusPending indicates the step is waiting to execute.
	StepStatusPending StepStatus = "pending"

	// StepStatusInProgress indicates the step is currently executing.
	StepStatusInProgress StepStatus = "in_progress"

	// StepStatusApplied indicates the step completed successfully.
	StepStatusApplied StepStatus = "applied"

	// StepStatusFailed indicates the step failed.
	StepStatusFailed StepStatus = "failed"

	// StepStatusSkipped indicates the step was skipped because a dependency
	// failed, the run was cancelled, or the step was a noop.
	StepStatusSkipped StepStatus = "skipped"
)

// IsTerminal returns true if the step status is final.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusApplied || s == StepStatusFailed || s == StepStatusSkipped
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusPending, StepStatusInProgress, StepStatusApplied,
		StepStatusFailed, StepStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// RunStatus is the overall status of an executor run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusCompleted indicates every step applied or was a noop.
	RunStatusCompleted RunStatus = "completed"

	// RunStatusPartiallyFailed indicates some steps failed or were skipped
	// while independent branches made progress.
	RunStatusPartiallyFailed RunStatus = "partially_failed"

	// RunStatusAborted indicates the run stopped before walking the whole
	// plan, because the lock was lost or the caller cancelled.
	RunStatusAborted RunStatus = "aborted"
)

// IsTerminal returns true if the run status is final.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusPartiallyFailed || s == RunStatusAborted
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusCompleted, RunStatusPartiallyFailed, RunStatusAborted:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements type-safe enum serialization.
func (s ResourceStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements JSON unmarshaling with validation.
func (s *ResourceStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ResourceStatus(str)
	return s.Validate()
}
