package engine

import (
	"errors"
	"testing"
)

func spec(typ, name string, attrs map[string]any, deps ...ResourceID) ResourceSpec {
	return ResourceSpec{
		ID:         ResourceID{Type: typ, Name: name},
		Attributes: attrs,
		DependsOn:  deps,
	}
}

func TestBuildGraphTopoOrder(t *testing.T) {
	specs := []ResourceSpec{
		spec("svc", "api", map[string]any{"net": "${net.prod.id}"}),
		spec("net", "prod", map[string]any{"cidr": "10.0.0.0/16"}),
		spec("db", "users", nil, ResourceID{Type: "net", Name: "prod"}),
	}

	g, err := BuildGraph(specs)
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}

	order := g.TopoOrder()
	if len(order) != 3 {
		t.Fatalf("expected 3 resources in order, got %d", len(order))
	}
	pos := make(map[ResourceID]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	net := ResourceID{Type: "net", Name: "prod"}
	if pos[net] > pos[ResourceID{Type: "svc", Name: "api"}] {
		t.Error("net.prod must precede svc.api")
	}
	if pos[net] > pos[ResourceID{Type: "db", Name: "users"}] {
		t.Error("net.prod must precede db.users")
	}
}

func TestBuildGraphDeterministic(t *testing.T) {
	specs := []ResourceSpec{
		spec("bucket", "c", nil),
		spec("bucket", "a", nil),
		spec("bucket", "b", nil),
	}

	g1, err := BuildGraph(append([]ResourceSpec(nil), specs...))
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	for i := 0; i < 10; i++ {
		g2, err := BuildGraph(append([]ResourceSpec(nil), specs...))
		if err != nil {
			t.Fatalf("BuildGraph: %v", err)
		}
		o1, o2 := g1.TopoOrder(), g2.TopoOrder()
		for j := range o1 {
			if o1[j] != o2[j] {
				t.Fatalf("order not deterministic: %v vs %v", o1, o2)
			}
		}
	}

	// Independent resources come out in declaration order.
	want := []string{"bucket.c", "bucket.a", "bucket.b"}
	for i, id := range g1.TopoOrder() {
		if id.String() != want[i] {
			t.Errorf("position %d: got %s, want %s", i, id, want[i])
		}
	}
}

func TestBuildGraphCycle(t *testing.T) {
	specs := []ResourceSpec{
		spec("svc", "a", map[string]any{"peer": "${svc.b.id}"}),
		spec("svc", "b", map[string]any{"peer": "${svc.c.id}"}),
		spec("svc", "c", map[string]any{"peer": "${svc.a.id}"}),
	}

	_, err := BuildGraph(specs)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	var engErr *EngineError
	if !errors.As(err, &engErr) {
		t.Fatalf("expected EngineError, got %T", err)
	}
	if engErr.Code != ErrCodeCycle {
		t.Fatalf("expected code %s, got %s", ErrCodeCycle, engErr.Code)
	}
	members, ok := engErr.Details["members"].([]string)
	if !ok || len(members) != 3 {
		t.Fatalf("expected 3 cycle members, got %v", engErr.Details["members"])
	}
}

func TestBuildGraphSelfDependency(t *testing.T) {
	specs := []ResourceSpec{
		spec("svc", "a", map[string]any{"self": "${svc.a.id}"}),
	}
	_, err := BuildGraph(specs)
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestBuildGraphUnresolvedReference(t *testing.T) {
	specs := []ResourceSpec{
		spec("svc", "api", map[string]any{"net": "${net.missing.id}"}),
	}
	_, err := BuildGraph(specs)
	if err == nil {
		t.Fatal("expected unresolved reference error")
	}
	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Code != ErrCodeUnresolvedReference {
		t.Fatalf("expected UNRESOLVED_REFERENCE, got %v", err)
	}
}

func TestBuildGraphDuplicateIdentity(t *testing.T) {
	specs := []ResourceSpec{
		spec("net", "prod", nil),
		spec("net", "prod", nil),
	}
	_, err := BuildGraph(specs)
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestGraphLevels(t *testing.T) {
	specs := []ResourceSpec{
		spec("net", "prod", nil),
		spec("subnet", "a", nil, ResourceID{Type: "net", Name: "prod"}),
		spec("subnet", "b", nil, ResourceID{Type: "net", Name: "prod"}),
		spec("svc", "api", nil,
			ResourceID{Type: "subnet", Name: "a"},
			ResourceID{Type: "subnet", Name: "b"}),
	}

	g, err := BuildGraph(specs)
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}

	tests := []struct {
		id    ResourceID
		level int
	}{
		{ResourceID{Type: "net", Name: "prod"}, 0},
		{ResourceID{Type: "subnet", Name: "a"}, 1},
		{ResourceID{Type: "subnet", Name: "b"}, 1},
		{ResourceID{Type: "svc", Name: "api"}, 2},
	}
	for _, tt := range tests {
		if got := g.Level(tt.id); got != tt.level {
			t.Errorf("level of %s: got %d, want %d", tt.id, got, tt.level)
		}
	}
	if g.Depth() != 3 {
		t.Errorf("depth: got %d, want 3", g.Depth())
	}
}

func TestGraphEdges(t *testing.T) {
	specs := []ResourceSpec{
		spec("net", "prod", nil),
		spec("svc", "api", map[string]any{"net": "${net.prod.id}"}),
	}
	g, err := BuildGraph(specs)
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}

	api := ResourceID{Type: "svc", Name: "api"}
	net := ResourceID{Type: "net", Name: "prod"}
	deps := g.Dependencies(api)
	if len(deps) != 1 || deps[0] != net {
		t.Errorf("dependencies of svc.api: got %v, want [net.prod]", deps)
	}
	dependents := g.Dependents(net)
	if len(dependents) != 1 || dependents[0] != api {
		t.Errorf("dependents of net.prod: got %v, want [svc.api]", dependents)
	}
}
