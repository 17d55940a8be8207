package engine

import (
	"encoding/json"
	"fmt"
)

// ResourceStatus represents the lifecycle status of a managed resource.
type ResourceStatus string

const (
	// ResourceStatusPending indicates the resource is declared but has
	// never been applied.
	ResourceStatusPending ResourceStatus = "pending"

	// ResourceStatusApplying indicates an operation against the resource
	// is in flight.
	ResourceStatusApplying ResourceStatus = "applying"

	// ResourceStatusApplied indicates the resource matches its last
	// applied desired state.
	ResourceStatusApplied ResourceStatus = "applied"

	// ResourceStatusFailed indicates the last operation against the
	// resource failed permanently.
	ResourceStatusFailed ResourceStatus = "failed"

	// ResourceStatusDeleted indicates the resource was removed from the
	// desired state and is pending (or has completed) deletion.
	ResourceStatusDeleted ResourceStatus = "deleted"
)

// Validate checks if the resource status is valid.
func (s ResourceStatus) Validate() error {
	switch s {
	case ResourceStatusPending, ResourceStatusApplying, ResourceStatusApplied,
		ResourceStatusFailed, ResourceStatusDeleted:
		return nil
	default:
		return fmt.Errorf("invalid resource status: %s", s)
	}
}

// OperationType represents the kind of plan operation.
type OperationType string

const (
	// OperationCreate provisions a resource that has no prior state.
	OperationCreate OperationType = "create"

	// OperationUpdate converges an existing resource whose attributes
	// differ from desired state.
	OperationUpdate OperationType = "update"

	// OperationDelete tears down a resource absent from desired state.
	OperationDelete OperationType = "delete"

	// OperationNoop records that a resource already matches desired
	// state. Noops never enter a plan's operation list.
	OperationNoop OperationType = "noop"
)

// IsDestructive reports whether the operation destroys a resource.
func (o OperationType) IsDestructive() bool { return o == OperationDelete }

// Validate checks if the operation type is valid.
func (o OperationType) Validate() error {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete, OperationNoop:
		return nil
	default:
		return fmt.Errorf("invalid operation type: %s", o)
	}
}

// OperationStatus represents the execution status of a single operation.
type OperationStatus string

const (
	// OperationStatusPending indicates the operation has not started.
	OperationStatusPending OperationStatus = "pending"

	// OperationStatusApplying indicates the operation is executing.
	OperationStatusApplying OperationStatus = "applying"

	// OperationStatusApplied indicates the operation succeeded.
	OperationStatusApplied OperationStatus = "applied"

	// OperationStatusFailed indicates the operation failed permanently.
	OperationStatusFailed OperationStatus = "failed"

	// OperationStatusSkipped indicates the operation was not attempted
	// because a dependency failed.
	OperationStatusSkipped OperationStatus = "skipped"
)

// IsTerminal reports whether the status is final.
func (s OperationStatus) IsTerminal() bool {
	return s == OperationStatusApplied || s == OperationStatusFailed ||
		s == OperationStatusSkipped
}

// CycleOutcome represents the overall outcome of a sync cycle.
type CycleOutcome string

const (
	// OutcomeSucceeded indicates every operation in the cycle applied.
	OutcomeSucceeded CycleOutcome = "succeeded"

	// OutcomePartial indicates some operations applied while others
	// failed or were skipped.
	OutcomePartial CycleOutcome = "partial"

	// OutcomeFailed indicates the cycle aborted before mutation or no
	// operation succeeded.
	OutcomeFailed CycleOutcome = "failed"
)

// Validate checks if the cycle outcome is valid.
func (o CycleOutcome) Validate() error {
	switch o {
	case OutcomeSucceeded, OutcomePartial, OutcomeFailed:
		return nil
	default:
		return fmt.Errorf("invalid cycle outcome: %s", o)
	}
}

// SyncState represents the sync loop's position in its state machine.
type SyncState string

const (
	// SyncStateIdle means the loop is waiting for the next tick.
	SyncStateIdle SyncState = "idle"

	// SyncStateFetching means the loop is resolving the latest commit
	// and file tree from the source.
	SyncStateFetching SyncState = "fetching"

	// SyncStateBuilding means the loop is building the resource graph.
	SyncStateBuilding SyncState = "building"

	// SyncStatePlanning means the loop is computing the operation plan.
	SyncStatePlanning SyncState = "planning"

	// SyncStateApplying means the executor is applying the plan.
	SyncStateApplying SyncState = "applying"

	// SyncStatePaused means the loop was explicitly suspended.
	SyncStatePaused SyncState = "paused"

	// SyncStateDegraded means the configured number of consecutive
	// cycles failed; the loop keeps ticking at a backed-off interval.
	SyncStateDegraded SyncState = "degraded"
)

// MarshalJSON serializes the state as a plain string.
func (s SyncState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON deserializes and validates the state.
func (s *SyncState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = SyncState(str)
	switch *s {
	case SyncStateIdle, SyncStateFetching, SyncStateBuilding, SyncStatePlanning,
		SyncStateApplying, SyncStatePaused, SyncStateDegraded:
		return nil
	default:
		return fmt.Errorf("invalid sync state: %s", str)
	}
}
