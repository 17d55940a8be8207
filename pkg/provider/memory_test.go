package provider

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openconverge/openconverge/pkg/engine"
)

func TestMemoryCreateReadUpdateDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(zerolog.Nop())

	id, applied, err := m.Create(ctx, "vpc", map[string]any{"name": "main", "cidr": "10.0.0.0/16"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id != "vpc-1" {
		t.Fatalf("id = %q, want vpc-1", id)
	}
	if applied["id"] != "vpc-1" {
		t.Fatalf("applied id output = %v", applied["id"])
	}

	live, err := m.Read(ctx, "vpc", id)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if live["cidr"] != "10.0.0.0/16" {
		t.Fatalf("cidr = %v", live["cidr"])
	}

	if _, err := m.Update(ctx, "vpc", id, map[string]any{"name": "main", "cidr": "10.1.0.0/16"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	live, _ = m.Read(ctx, "vpc", id)
	if live["cidr"] != "10.1.0.0/16" {
		t.Fatalf("cidr after update = %v", live["cidr"])
	}

	if err := m.Delete(ctx, "vpc", id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Read(ctx, "vpc", id); !engine.IsNotFound(err) {
		t.Fatalf("Read after delete = %v, want not found", err)
	}
	// Absent delete is tolerated.
	if err := m.Delete(ctx, "vpc", id); err != nil {
		t.Fatalf("Delete absent: %v", err)
	}
}

func TestMemoryReadByDeclaredName(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(zerolog.Nop())

	id := m.Seed("bucket", "logs", map[string]any{"region": "eu-west-1"})

	live, err := m.Read(ctx, "bucket", "logs")
	if err != nil {
		t.Fatalf("Read by name: %v", err)
	}
	if live["id"] != id {
		t.Fatalf("id = %v, want %s", live["id"], id)
	}
}

func TestMemoryFailNextConsumedInOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(zerolog.Nop())

	m.FailNext("create", "vpc", engine.NewTransientError("throttled", nil))
	if _, _, err := m.Create(ctx, "vpc", map[string]any{"name": "a"}); !engine.IsTransient(err) {
		t.Fatalf("first create = %v, want transient", err)
	}
	if _, _, err := m.Create(ctx, "vpc", map[string]any{"name": "a"}); err != nil {
		t.Fatalf("second create: %v", err)
	}
}
