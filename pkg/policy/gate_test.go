package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openconverge/openconverge/pkg/engine"
)

func planWith(ops ...engine.Operation) *engine.Plan {
	return &engine.Plan{ID: "p1", Operations: ops}
}

func deleteOp(typ, name string) engine.Operation {
	return engine.Operation{
		Resource: engine.ResourceID{Type: typ, Name: name},
		Kind:     engine.OperationDelete,
	}
}

func TestGateAllowsCleanPlan(t *testing.T) {
	ctx := context.Background()
	gate, err := NewGate(ctx, Options{Protected: []string{"net.prod"}}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	plan := planWith(engine.Operation{
		Resource: engine.ResourceID{Type: "svc", Name: "api"},
		Kind:     engine.OperationCreate,
	})
	result, err := gate.EvaluatePlan(ctx, "prod", plan)
	if err != nil {
		t.Fatalf("EvaluatePlan: %v", err)
	}
	if !result.Allowed || len(result.Violations) != 0 {
		t.Errorf("result: %+v", result)
	}
	if result.Deny() != nil {
		t.Error("Deny should be nil for allowed result")
	}
}

func TestGateBlocksProtectedDelete(t *testing.T) {
	ctx := context.Background()
	gate, err := NewGate(ctx, Options{Protected: []string{"net.prod"}}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	result, err := gate.EvaluatePlan(ctx, "prod", planWith(deleteOp("net", "prod")))
	if err != nil {
		t.Fatalf("EvaluatePlan: %v", err)
	}
	if result.Allowed {
		t.Fatal("expected deny")
	}
	if len(result.Violations) != 1 || !strings.Contains(result.Violations[0].Message, "net.prod") {
		t.Errorf("violations: %+v", result.Violations)
	}
	if err := result.Deny(); !engine.IsValidation(err) {
		t.Errorf("Deny: %v", err)
	}
}

func TestGateEnforcesDeleteBudget(t *testing.T) {
	ctx := context.Background()
	gate, err := NewGate(ctx, Options{MaxDeletes: 2}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	within := planWith(deleteOp("svc", "a"), deleteOp("svc", "b"))
	result, err := gate.EvaluatePlan(ctx, "prod", within)
	if err != nil {
		t.Fatalf("EvaluatePlan: %v", err)
	}
	if !result.Allowed {
		t.Errorf("two deletes should pass a budget of two: %+v", result.Violations)
	}

	over := planWith(deleteOp("svc", "a"), deleteOp("svc", "b"), deleteOp("svc", "c"))
	result, err = gate.EvaluatePlan(ctx, "prod", over)
	if err != nil {
		t.Fatalf("EvaluatePlan: %v", err)
	}
	if result.Allowed {
		t.Fatal("expected deny for budget overrun")
	}
	if !strings.Contains(result.Violations[0].Message, "budget") {
		t.Errorf("violations: %+v", result.Violations)
	}
}

func TestGateLoadsDirectoryPolicies(t *testing.T) {
	dir := t.TempDir()
	custom := `package custom.naming

import rego.v1

deny contains msg if {
	some op in input.plan.operations
	op.kind == "create"
	not startswith(op.resource.name, "prod-")
	msg := sprintf("resource %s.%s must use the prod- prefix", [op.resource.type, op.resource.name])
}
`
	if err := os.WriteFile(filepath.Join(dir, "naming.rego"), []byte(custom), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	ctx := context.Background()
	gate, err := NewGate(ctx, Options{Dir: dir}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	plan := planWith(engine.Operation{
		Resource: engine.ResourceID{Type: "svc", Name: "api"},
		Kind:     engine.OperationCreate,
	})
	result, err := gate.EvaluatePlan(ctx, "prod", plan)
	if err != nil {
		t.Fatalf("EvaluatePlan: %v", err)
	}
	if result.Allowed {
		t.Fatal("expected deny from directory policy")
	}
	if result.Violations[0].Policy != "naming.rego" {
		t.Errorf("policy name: %s", result.Violations[0].Policy)
	}
}

func TestGateRejectsBrokenPolicy(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.rego"), []byte("this is not rego"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	if _, err := NewGate(context.Background(), Options{Dir: dir}, zerolog.Nop()); err == nil {
		t.Fatal("expected error for broken policy")
	}
}
