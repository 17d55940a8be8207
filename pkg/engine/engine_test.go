package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// memStore is a map-backed StateStore for tests.
type memStore struct {
	mu     sync.Mutex
	states map[ResourceID]*ResourceState
}

func newMemStore() *memStore {
	return &memStore{states: make(map[ResourceID]*ResourceState)}
}

func (s *memStore) GetResourceState(_ context.Context, id ResourceID) (*ResourceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[id]
	if !ok {
		return nil, nil
	}
	cp := *state
	return &cp, nil
}

func (s *memStore) PutResourceState(_ context.Context, state *ResourceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *state
	s.states[state.ID] = &cp
	return nil
}

func (s *memStore) DeleteResourceState(_ context.Context, id ResourceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, id)
	return nil
}

func (s *memStore) ListResourceStates(_ context.Context) ([]ResourceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ResourceState, 0, len(s.states))
	for _, state := range s.states {
		out = append(out, *state)
	}
	return out, nil
}

// fakeProvider is a scriptable in-memory provider. failures maps
// "kind type.name" (e.g. "create net.prod") to an error script consumed
// one entry per call, so tests can model transient then successful calls.
type fakeProvider struct {
	mu       sync.Mutex
	serial   int
	live     map[string]map[string]any // providerID -> attrs
	names    map[string]string         // type.name -> providerID
	failures map[string][]error
	calls    []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		live:     make(map[string]map[string]any),
		names:    make(map[string]string),
		failures: make(map[string][]error),
	}
}

func (p *fakeProvider) failNext(key string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[key] = append(p.failures[key], errs...)
}

func (p *fakeProvider) nextFailure(key string) error {
	script := p.failures[key]
	if len(script) == 0 {
		return nil
	}
	err := script[0]
	p.failures[key] = script[1:]
	return err
}

func (p *fakeProvider) Create(_ context.Context, resourceType string, attrs map[string]any) (string, map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	name, _ := attrs["name"].(string)
	key := fmt.Sprintf("create %s.%s", resourceType, name)
	p.calls = append(p.calls, key)
	if err := p.nextFailure(key); err != nil {
		return "", nil, err
	}

	p.serial++
	id := fmt.Sprintf("%s-%d", resourceType, p.serial)
	applied := make(map[string]any, len(attrs)+1)
	for k, v := range attrs {
		applied[k] = v
	}
	applied["id"] = id
	p.live[id] = applied
	p.names[resourceType+"."+name] = id
	out := make(map[string]any, len(applied))
	for k, v := range applied {
		out[k] = v
	}
	return id, out, nil
}

func (p *fakeProvider) Read(_ context.Context, resourceType, providerID string) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "read "+providerID)

	id := providerID
	if mapped, ok := p.names[resourceType+"."+providerID]; ok {
		id = mapped
	}
	attrs, ok := p.live[id]
	if !ok {
		return nil, NotFoundError(resourceType, providerID)
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out, nil
}

func (p *fakeProvider) Update(_ context.Context, resourceType, providerID string, attrs map[string]any) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	name, _ := attrs["name"].(string)
	key := fmt.Sprintf("update %s.%s", resourceType, name)
	p.calls = append(p.calls, key)
	if err := p.nextFailure(key); err != nil {
		return nil, err
	}

	existing, ok := p.live[providerID]
	if !ok {
		return nil, NotFoundError(resourceType, providerID)
	}
	applied := make(map[string]any, len(existing)+len(attrs))
	for k, v := range existing {
		applied[k] = v
	}
	for k, v := range attrs {
		applied[k] = v
	}
	p.live[providerID] = applied
	return applied, nil
}

func (p *fakeProvider) Delete(_ context.Context, resourceType, providerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := "delete " + providerID
	p.calls = append(p.calls, key)
	if err := p.nextFailure(key); err != nil {
		return err
	}
	delete(p.live, providerID)
	return nil
}

func testRegistry(p Provider, types ...string) *ProviderRegistry {
	registry := NewProviderRegistry()
	for _, t := range types {
		registry.Register(t, p)
	}
	return registry
}

func testLogger() zerolog.Logger { return zerolog.Nop() }
