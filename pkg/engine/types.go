package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ResourceID identifies a resource by type and name, e.g. "vpc.main".
type ResourceID struct {
	// Type is the resource type understood by a provider (e.g. "vpc",
	// "cluster", "iam_role").
	Type string `json:"type"`

	// Name is the declared name, unique within the type.
	Name string `json:"name"`
}

// String renders the identity in "type.name" form.
func (id ResourceID) String() string { return id.Type + "." + id.Name }

// ParseResourceID parses a "type.name" identity string.
func ParseResourceID(s string) (ResourceID, error) {
	typ, name, ok := strings.Cut(s, ".")
	if !ok || typ == "" || name == "" {
		return ResourceID{}, fmt.Errorf("invalid resource identity %q, want type.name", s)
	}
	return ResourceID{Type: typ, Name: name}, nil
}

// ResourceSpec is one resource's declared desired state. Specs are
// immutable once read from the source; each sync cycle reads a fresh set.
type ResourceSpec struct {
	// ID is the resource identity.
	ID ResourceID `json:"id"`

	// Attributes is the declared configuration. String values may contain
	// ${type.name.attr} interpolation expressions referencing another
	// resource's output; such expressions imply a dependency edge.
	Attributes map[string]any `json:"attributes"`

	// DependsOn lists explicitly declared dependencies.
	DependsOn []ResourceID `json:"depends_on,omitempty"`

	// Position is the declaration order within the desired-state tree.
	// It breaks ordering ties between independent resources so plans are
	// deterministic and diff-stable across runs.
	Position int `json:"position"`
}

// ResourceState is the last-known-applied state of a resource. It is owned
// by the state store and mutated only by the executor.
type ResourceState struct {
	// ID is the resource identity.
	ID ResourceID `json:"id"`

	// ProviderID is the provider-assigned identifier, set on first
	// successful create.
	ProviderID string `json:"provider_id,omitempty"`

	// Attributes is the last-applied attribute mapping, including
	// provider-computed outputs.
	Attributes map[string]any `json:"attributes"`

	// DependsOn is the dependency edge set at last apply. Persisted so
	// resources removed from the desired state can still be torn down in
	// reverse dependency order.
	DependsOn []ResourceID `json:"depends_on,omitempty"`

	// Status is the resource lifecycle status.
	Status ResourceStatus `json:"status"`

	// LastTransition is when Status last changed.
	LastTransition time.Time `json:"last_transition"`

	// LastCycleID is the sync cycle that last mutated this entry.
	LastCycleID string `json:"last_cycle_id,omitempty"`
}

// Operation is a single planned mutation.
type Operation struct {
	// ID is the unique operation identifier.
	ID string `json:"id"`

	// Resource is the target identity.
	Resource ResourceID `json:"resource"`

	// Kind is the operation kind.
	Kind OperationType `json:"kind"`

	// Desired is the desired attribute mapping. Values may still contain
	// interpolation expressions the executor resolves once the referenced
	// dependency has applied.
	Desired map[string]any `json:"desired,omitempty"`

	// Prior is the last-applied attribute mapping, if any.
	Prior map[string]any `json:"prior,omitempty"`

	// Diff lists the attribute-level changes this operation applies.
	Diff []Change `json:"diff,omitempty"`

	// DependsOn lists resources whose operations must terminate before
	// this one starts. For deletes the edges point at dependents, so
	// teardown runs in reverse topological order.
	DependsOn []ResourceID `json:"depends_on,omitempty"`

	// Level is the execution level; operations sharing a level have no
	// dependency relationship and may run concurrently.
	Level int `json:"level"`

	// ProviderID is the provider-assigned identifier for update/delete.
	ProviderID string `json:"provider_id,omitempty"`

	// Reason records why the operation was planned (e.g. "drift").
	Reason string `json:"reason,omitempty"`
}

// Change is a single attribute-level difference.
type Change struct {
	// Path is the attribute key being changed.
	Path string `json:"path"`

	// Before is the value before the change.
	Before any `json:"before,omitempty"`

	// After is the value after the change.
	After any `json:"after,omitempty"`

	// Action is add, remove or modify.
	Action ChangeAction `json:"action"`
}

// ChangeAction classifies an attribute change.
type ChangeAction string

const (
	// ChangeActionAdd indicates a new attribute is being set.
	ChangeActionAdd ChangeAction = "add"

	// ChangeActionRemove indicates an attribute is being unset.
	ChangeActionRemove ChangeAction = "remove"

	// ChangeActionModify indicates an attribute value is changing.
	ChangeActionModify ChangeAction = "modify"
)

// Plan is an ordered sequence of operations. Operations are ordered so a
// resource's dependencies precede it for create/update, and dependents
// precede dependencies for delete.
type Plan struct {
	// ID is the unique plan identifier.
	ID string `json:"id"`

	// CommitID is the source commit the plan was built from.
	CommitID string `json:"commit_id,omitempty"`

	// CreatedAt is when the plan was computed.
	CreatedAt time.Time `json:"created_at"`

	// Operations in execution order.
	Operations []Operation `json:"operations"`

	// Depth is the number of execution levels.
	Depth int `json:"depth"`

	// Summary provides per-kind counts.
	Summary PlanSummary `json:"summary"`

	// Warnings lists non-fatal planning findings, such as detected drift.
	Warnings []string `json:"warnings,omitempty"`
}

// Empty reports whether the plan contains no operations.
func (p *Plan) Empty() bool { return len(p.Operations) == 0 }

// PlanSummary counts operations per kind.
type PlanSummary struct {
	// TotalResources is the number of resources considered.
	TotalResources int `json:"total_resources"`

	// ToCreate is the number of create operations.
	ToCreate int `json:"to_create"`

	// ToUpdate is the number of update operations.
	ToUpdate int `json:"to_update"`

	// ToDelete is the number of delete operations.
	ToDelete int `json:"to_delete"`

	// NoChange is the number of resources already converged.
	NoChange int `json:"no_change"`
}

// OperationOutcome records the result of executing one operation.
type OperationOutcome struct {
	// OperationID is the operation this outcome belongs to.
	OperationID string `json:"operation_id"`

	// Resource is the target identity.
	Resource ResourceID `json:"resource"`

	// Kind is the operation kind.
	Kind OperationType `json:"kind"`

	// Status is the terminal execution status.
	Status OperationStatus `json:"status"`

	// Attempts is the number of provider calls made, including retries.
	Attempts int `json:"attempts"`

	// StartedAt is when execution started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when execution reached a terminal status.
	CompletedAt time.Time `json:"completed_at"`

	// Error is the terminal error, if any.
	Error string `json:"error,omitempty"`
}

// CycleTrigger records what started a sync cycle.
type CycleTrigger string

const (
	// TriggerCommit is a cycle started because the source advanced.
	TriggerCommit CycleTrigger = "commit"

	// TriggerDrift is a periodic drift-detection cycle.
	TriggerDrift CycleTrigger = "drift"

	// TriggerManual is an operator-requested cycle.
	TriggerManual CycleTrigger = "manual"
)

// SyncCycle is one reconciliation pass: the commit it observed, the plan it
// produced and the per-operation outcomes. Cycles are retained as history
// for drift auditing and never mutated after completion.
type SyncCycle struct {
	// ID is the unique cycle identifier.
	ID string `json:"id"`

	// Scope is the reconciliation scope (e.g. cluster or environment).
	Scope string `json:"scope"`

	// CommitID is the source commit reconciled.
	CommitID string `json:"commit_id"`

	// Trigger records what started the cycle.
	Trigger CycleTrigger `json:"trigger"`

	// StartedAt and CompletedAt bound the cycle.
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Outcome is the terminal cycle outcome.
	Outcome CycleOutcome `json:"outcome,omitempty"`

	// Summary is the plan summary the cycle executed.
	Summary PlanSummary `json:"summary"`

	// Operations lists per-operation outcomes.
	Operations []OperationOutcome `json:"operations,omitempty"`

	// Error is the cycle-level error for aborted cycles.
	Error string `json:"error,omitempty"`
}

// AttributesEqual compares two attribute mappings by normalized deep
// equality. Keys mapped to nil are treated as absent.
func AttributesEqual(a, b map[string]any) bool {
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	for k := range keys {
		if !valueEqual(a[k], b[k]) {
			return false
		}
	}
	return true
}

// valueEqual compares attribute values, normalizing numeric types that
// differ between YAML decoding and JSON round-trips.
func valueEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case map[string]any:
		bv, ok := b.(map[string]any)
		return ok && AttributesEqual(av, bv)
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valueEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// DiffAttributes computes the attribute-level changes from prior to
// desired, sorted by path for stable output.
func DiffAttributes(prior, desired map[string]any) []Change {
	keys := make(map[string]struct{}, len(prior)+len(desired))
	for k := range prior {
		keys[k] = struct{}{}
	}
	for k := range desired {
		keys[k] = struct{}{}
	}

	changes := make([]Change, 0, len(keys))
	for k := range keys {
		before, hadBefore := prior[k]
		after, hasAfter := desired[k]
		switch {
		case !hadBefore && hasAfter:
			changes = append(changes, Change{Path: k, After: after, Action: ChangeActionAdd})
		case hadBefore && !hasAfter:
			changes = append(changes, Change{Path: k, Before: before, Action: ChangeActionRemove})
		case !valueEqual(before, after):
			changes = append(changes, Change{Path: k, Before: before, After: after, Action: ChangeActionModify})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes
}
