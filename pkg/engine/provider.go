package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Provider is the abstract resource-provider capability the executor
// drives. Implementations wrap a cloud or platform API for one or more
// resource types. Calls classify failures as transient or permanent
// through EngineError; unclassified errors are treated as permanent.
type Provider interface {
	// Create provisions a new resource and returns the provider-assigned
	// identifier and the applied attributes, including computed outputs.
	Create(ctx context.Context, resourceType string, attrs map[string]any) (string, map[string]any, error)

	// Read returns the live attributes of a resource, or a NOT_FOUND
	// permanent error when the resource does not exist.
	Read(ctx context.Context, resourceType, providerID string) (map[string]any, error)

	// Update converges an existing resource to attrs and returns the
	// applied attributes.
	Update(ctx context.Context, resourceType, providerID string, attrs map[string]any) (map[string]any, error)

	// Delete removes the resource. Deleting an absent resource is not an
	// error.
	Delete(ctx context.Context, resourceType, providerID string) error
}

// NotFoundError reports a resource missing from the provider.
func NotFoundError(resourceType, providerID string) *EngineError {
	return NewPermanentError(
		fmt.Sprintf("%s %q not found", resourceType, providerID), nil).
		WithCode(ErrCodeNotFound)
}

// IsNotFound reports whether err is a provider NOT_FOUND.
func IsNotFound(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == ErrCodeNotFound
	}
	return false
}

// ProviderRegistry routes resource types to providers.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	fallback  Provider
}

// NewProviderRegistry creates an empty registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: make(map[string]Provider)}
}

// Register binds a resource type to a provider. Registering the same type
// twice replaces the previous binding.
func (r *ProviderRegistry) Register(resourceType string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[resourceType] = p
}

// RegisterDefault binds a provider for resource types with no explicit
// registration.
func (r *ProviderRegistry) RegisterDefault(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = p
}

// For returns the provider bound to resourceType, falling back to the
// default provider when one is registered.
func (r *ProviderRegistry) For(resourceType string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[resourceType]
	if !ok {
		if r.fallback != nil {
			return r.fallback, nil
		}
		return nil, NewValidationError(
			fmt.Sprintf("no provider registered for resource type %q", resourceType), nil)
	}
	return p, nil
}

// Types returns the registered resource types in sorted order.
func (r *ProviderRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.providers))
	for t := range r.providers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
