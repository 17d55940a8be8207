package stores

import (
	"time"
)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Lease is an exclusive reconciliation lock on a scope. Only one holder
// may reconcile a scope at a time; a lease past its expiry is dead and may
// be taken over.
type Lease struct {
	// Scope is the reconciliation scope the lease covers.
	Scope string `json:"scope"`

	// Holder identifies the process holding the lease.
	Holder string `json:"holder"`

	// AcquiredAt is when the lease was granted.
	AcquiredAt time.Time `json:"acquired_at"`

	// ExpiresAt is when the lease lapses unless renewed.
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lease has lapsed at the given instant.
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// EventLevel classifies a recorded event.
type EventLevel string

const (
	EventLevelInfo  EventLevel = "info"
	EventLevelWarn  EventLevel = "warn"
	EventLevelError EventLevel = "error"
)

// Event is one audit-trail entry tied to a sync cycle.
type Event struct {
	// ID is the auto-assigned event identifier.
	ID int64 `json:"id"`

	// CycleID is the sync cycle the event belongs to, if any.
	CycleID string `json:"cycle_id,omitempty"`

	// Resource is the resource identity involved, if any.
	Resource string `json:"resource,omitempty"`

	// Level is the event severity.
	Level EventLevel `json:"level"`

	// Message is the human-readable event text.
	Message string `json:"message"`

	// Details carries structured context as JSON.
	Details string `json:"details,omitempty"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}
