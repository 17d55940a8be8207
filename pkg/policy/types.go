package policy

import (
	"time"

	"github.com/openconverge/openconverge/pkg/engine"
)

// Violation is one deny result produced by a policy.
type Violation struct {
	// Policy is the name of the policy that denied.
	Policy string `json:"policy"`

	// Message is the deny message from the Rego rule.
	Message string `json:"message"`
}

// Result is the outcome of gating one plan.
type Result struct {
	// Allowed reports whether the plan may be applied.
	Allowed bool `json:"allowed"`

	// Violations lists every deny result.
	Violations []Violation `json:"violations,omitempty"`

	// EvaluatedAt is when the gate ran.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Input is the document policies evaluate against.
type Input struct {
	// Plan is the operation plan under review.
	Plan *engine.Plan `json:"plan"`

	// Scope is the reconciliation scope.
	Scope string `json:"scope"`

	// Protected lists "type.name" identities that must never be deleted.
	Protected []string `json:"protected"`

	// MaxDeletes caps delete operations per plan; zero means no cap.
	MaxDeletes int `json:"max_deletes"`
}
