// Package provider holds engine.Provider implementations. Memory is the
// in-process provider used by local runs and integration tests; real
// deployments register providers wrapping their platform APIs.
package provider

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openconverge/openconverge/pkg/engine"
)

// Memory is an in-process provider backed by a map. Created resources get
// serial identifiers per type ("vpc-1", "vpc-2"). Read accepts either the
// provider identifier or a declared "name" attribute, so resources created
// out of band through Seed can be adopted.
type Memory struct {
	mu      sync.Mutex
	serial  map[string]int
	objects map[string]map[string]any
	names   map[string]string
	fail    map[string][]error
	logger  zerolog.Logger
}

// NewMemory creates an empty in-memory provider.
func NewMemory(logger zerolog.Logger) *Memory {
	return &Memory{
		serial:  make(map[string]int),
		objects: make(map[string]map[string]any),
		names:   make(map[string]string),
		fail:    make(map[string][]error),
		logger:  logger.With().Str("component", "memory-provider").Logger(),
	}
}

// Create provisions a resource and returns its identifier and applied
// attributes. The identifier is also exposed as the "id" output.
func (m *Memory) Create(ctx context.Context, resourceType string, attrs map[string]any) (string, map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.nextFailure("create", resourceType); err != nil {
		return "", nil, err
	}

	m.serial[resourceType]++
	id := fmt.Sprintf("%s-%d", resourceType, m.serial[resourceType])

	applied := maps.Clone(attrs)
	if applied == nil {
		applied = make(map[string]any)
	}
	applied["id"] = id
	m.objects[id] = applied
	if name, ok := attrs["name"].(string); ok {
		m.names[resourceType+"."+name] = id
	}

	m.logger.Debug().Str("type", resourceType).Str("id", id).Msg("created")
	return id, maps.Clone(applied), nil
}

// Read returns the live attributes for providerID, resolving declared
// names for resources that have no stored provider identifier yet.
func (m *Memory) Read(ctx context.Context, resourceType, providerID string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.nextFailure("read", resourceType); err != nil {
		return nil, err
	}

	id := providerID
	if _, ok := m.objects[id]; !ok {
		if mapped, ok := m.names[resourceType+"."+providerID]; ok {
			id = mapped
		}
	}
	obj, ok := m.objects[id]
	if !ok {
		return nil, engine.NotFoundError(resourceType, providerID)
	}
	return maps.Clone(obj), nil
}

// Update replaces the resource's attributes, preserving its identifier.
func (m *Memory) Update(ctx context.Context, resourceType, providerID string, attrs map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.nextFailure("update", resourceType); err != nil {
		return nil, err
	}

	if _, ok := m.objects[providerID]; !ok {
		return nil, engine.NotFoundError(resourceType, providerID)
	}
	applied := maps.Clone(attrs)
	if applied == nil {
		applied = make(map[string]any)
	}
	applied["id"] = providerID
	m.objects[providerID] = applied

	m.logger.Debug().Str("type", resourceType).Str("id", providerID).Msg("updated")
	return maps.Clone(applied), nil
}

// Delete removes the resource. Deleting an absent resource is a no-op.
func (m *Memory) Delete(ctx context.Context, resourceType, providerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.nextFailure("delete", resourceType); err != nil {
		return err
	}

	obj, ok := m.objects[providerID]
	if !ok {
		return nil
	}
	delete(m.objects, providerID)
	if name, ok := obj["name"].(string); ok {
		delete(m.names, resourceType+"."+name)
	}

	m.logger.Debug().Str("type", resourceType).Str("id", providerID).Msg("deleted")
	return nil
}

// Seed inserts a resource as if it had been created out of band. It
// returns the assigned identifier.
func (m *Memory) Seed(resourceType, name string, attrs map[string]any) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.serial[resourceType]++
	id := fmt.Sprintf("%s-%d", resourceType, m.serial[resourceType])

	obj := maps.Clone(attrs)
	if obj == nil {
		obj = make(map[string]any)
	}
	obj["id"] = id
	if _, ok := obj["name"]; !ok {
		obj["name"] = name
	}
	m.objects[id] = obj
	m.names[resourceType+"."+name] = id
	return id
}

// FailNext queues err to be returned by the next call of the given
// operation ("create", "read", "update", "delete") against resourceType.
// Queued failures are consumed in order, one per call.
func (m *Memory) FailNext(operation, resourceType string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := operation + " " + resourceType
	m.fail[key] = append(m.fail[key], err)
}

// Live returns a snapshot of the resource's attributes, or nil when it
// does not exist.
func (m *Memory) Live(providerID string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[providerID]
	if !ok {
		return nil
	}
	return maps.Clone(obj)
}

// SetLive overwrites a live attribute out of band, simulating drift.
func (m *Memory) SetLive(providerID, key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obj, ok := m.objects[providerID]; ok {
		obj[key] = value
	}
}

// Len reports the number of live resources.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

func (m *Memory) nextFailure(operation, resourceType string) error {
	key := operation + " " + resourceType
	queue := m.fail[key]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	m.fail[key] = queue[1:]
	return err
}
