package engine

import (
	"context"
)

// StateStore persists last-known-applied state per resource. All state
// mutation flows through it; the planner only reads, the executor is the
// only writer. Implementations must give atomic replace semantics per
// identity: concurrent readers observe the last committed entry, never a
// partial write.
type StateStore interface {
	// GetResourceState returns the stored state for id, or nil when no
	// entry exists.
	GetResourceState(ctx context.Context, id ResourceID) (*ResourceState, error)

	// PutResourceState atomically creates or replaces the entry for the
	// state's identity.
	PutResourceState(ctx context.Context, state *ResourceState) error

	// DeleteResourceState purges the entry for id, including deleted
	// tombstones left by confirmed teardowns. Deleting an absent entry
	// is not an error.
	DeleteResourceState(ctx context.Context, id ResourceID) error

	// ListResourceStates returns every stored entry.
	ListResourceStates(ctx context.Context) ([]ResourceState, error)
}
