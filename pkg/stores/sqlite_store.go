package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/openconverge/openconverge/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const timeFormat = time.RFC3339Nano

// SQLiteStore is the SQLite persistence layer. It implements
// engine.StateStore and adds sync cycle history, scoped leases and events.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	// Open database with SQLite-specific connection parameters
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	// Verify connection and set PRAGMAs
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// GetResourceState retrieves the stored state for a resource identity.
// It returns nil with no error when no entry exists.
func (s *SQLiteStore) GetResourceState(ctx context.Context, id engine.ResourceID) (*engine.ResourceState, error) {
	query := `
		SELECT resource_type, resource_name, provider_id, attributes, depends_on, status, last_transition, last_cycle_id
		FROM resource_states
		WHERE resource_type = ? AND resource_name = ?
	`

	state, err := scanResourceState(s.db.QueryRowContext(ctx, query, id.Type, id.Name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource state: %w", err)
	}

	return state, nil
}

// PutResourceState atomically inserts or replaces the entry for the
// state's identity.
func (s *SQLiteStore) PutResourceState(ctx context.Context, state *engine.ResourceState) error {
	attrs, err := json.Marshal(state.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}
	deps, err := json.Marshal(state.DependsOn)
	if err != nil {
		return fmt.Errorf("failed to encode dependencies: %w", err)
	}

	query := `
		INSERT INTO resource_states (
			resource_type, resource_name, provider_id, attributes, depends_on,
			status, last_transition, last_cycle_id, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(resource_type, resource_name) DO UPDATE SET
			provider_id = excluded.provider_id,
			attributes = excluded.attributes,
			depends_on = excluded.depends_on,
			status = excluded.status,
			last_transition = excluded.last_transition,
			last_cycle_id = excluded.last_cycle_id,
			updated_at = datetime('now')
	`

	_, err = s.db.ExecContext(ctx, query,
		state.ID.Type,
		state.ID.Name,
		state.ProviderID,
		string(attrs),
		string(deps),
		string(state.Status),
		state.LastTransition.UTC().Format(timeFormat),
		state.LastCycleID,
	)
	if err != nil {
		return fmt.Errorf("failed to put resource state: %w", err)
	}

	return nil
}

// DeleteResourceState removes the entry for a resource identity.
// Deleting an absent entry is not an error.
func (s *SQLiteStore) DeleteResourceState(ctx context.Context, id engine.ResourceID) error {
	query := `DELETE FROM resource_states WHERE resource_type = ? AND resource_name = ?`

	if _, err := s.db.ExecContext(ctx, query, id.Type, id.Name); err != nil {
		return fmt.Errorf("failed to delete resource state: %w", err)
	}

	return nil
}

// ListResourceStates returns every stored entry in stable identity order.
func (s *SQLiteStore) ListResourceStates(ctx context.Context) ([]engine.ResourceState, error) {
	query := `
		SELECT resource_type, resource_name, provider_id, attributes, depends_on, status, last_transition, last_cycle_id
		FROM resource_states
		ORDER BY resource_type, resource_name
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource states: %w", err)
	}
	defer rows.Close()

	states := []engine.ResourceState{}
	for rows.Next() {
		state, err := scanResourceState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource state: %w", err)
		}
		states = append(states, *state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resource states: %w", err)
	}

	return states, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResourceState(row rowScanner) (*engine.ResourceState, error) {
	var (
		state          engine.ResourceState
		attrs, deps    string
		status         string
		lastTransition string
	)
	err := row.Scan(
		&state.ID.Type,
		&state.ID.Name,
		&state.ProviderID,
		&attrs,
		&deps,
		&status,
		&lastTransition,
		&state.LastCycleID,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(attrs), &state.Attributes); err != nil {
		return nil, fmt.Errorf("failed to decode attributes: %w", err)
	}
	if err := json.Unmarshal([]byte(deps), &state.DependsOn); err != nil {
		return nil, fmt.Errorf("failed to decode dependencies: %w", err)
	}
	state.Status = engine.ResourceStatus(status)
	state.LastTransition, err = time.Parse(timeFormat, lastTransition)
	if err != nil {
		return nil, fmt.Errorf("failed to parse last transition: %w", err)
	}

	return &state, nil
}

// AcquireLease grants an exclusive reconciliation lease on scope. It polls
// until the lease is free or maxWait elapses, then fails with a
// lock-contention error. Expired leases are taken over.
func (s *SQLiteStore) AcquireLease(ctx context.Context, scope, holder string, ttl, maxWait time.Duration) (*Lease, error) {
	deadline := time.Now().Add(maxWait)

	for {
		lease, err := s.tryAcquireLease(ctx, scope, holder, ttl)
		if err != nil {
			return nil, err
		}
		if lease != nil {
			return lease, nil
		}

		if time.Now().After(deadline) {
			return nil, engine.NewLockError(
				fmt.Sprintf("scope %q is locked by another reconciler", scope), nil)
		}

		select {
		case <-ctx.Done():
			return nil, engine.NewLockError(
				fmt.Sprintf("canceled waiting for lease on scope %q", scope), ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (s *SQLiteStore) tryAcquireLease(ctx context.Context, scope, holder string, ttl time.Duration) (*Lease, error) {
	now := time.Now().UTC()
	lease := &Lease{
		Scope:      scope,
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	// The conditional upsert succeeds only when the scope is free, the
	// current lease expired, or we already hold it (renewal).
	query := `
		INSERT INTO leases (scope, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(scope) DO UPDATE SET
			holder = excluded.holder,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE leases.holder = excluded.holder OR leases.expires_at <= ?
	`

	result, err := s.db.ExecContext(ctx, query,
		scope, holder,
		now.Format(timeFormat),
		lease.ExpiresAt.Format(timeFormat),
		now.Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, nil
	}

	return lease, nil
}

// RenewLease extends a held lease. It fails when the caller no longer
// holds the lease.
func (s *SQLiteStore) RenewLease(ctx context.Context, scope, holder string, ttl time.Duration) error {
	query := `UPDATE leases SET expires_at = ? WHERE scope = ? AND holder = ?`

	result, err := s.db.ExecContext(ctx, query,
		time.Now().UTC().Add(ttl).Format(timeFormat), scope, holder)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewLockError(
			fmt.Sprintf("lease on scope %q is no longer held by %q", scope, holder), nil)
	}

	return nil
}

// ReleaseLease drops a held lease. Releasing a lease held by someone else
// is a no-op.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, scope, holder string) error {
	query := `DELETE FROM leases WHERE scope = ? AND holder = ?`

	if _, err := s.db.ExecContext(ctx, query, scope, holder); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}

	return nil
}

// GetLease returns the current lease on scope, or nil when unheld.
func (s *SQLiteStore) GetLease(ctx context.Context, scope string) (*Lease, error) {
	query := `SELECT scope, holder, acquired_at, expires_at FROM leases WHERE scope = ?`

	var (
		lease             Lease
		acquired, expires string
	)
	err := s.db.QueryRowContext(ctx, query, scope).Scan(
		&lease.Scope, &lease.Holder, &acquired, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}

	if lease.AcquiredAt, err = time.Parse(timeFormat, acquired); err != nil {
		return nil, fmt.Errorf("failed to parse acquired_at: %w", err)
	}
	if lease.ExpiresAt, err = time.Parse(timeFormat, expires); err != nil {
		return nil, fmt.Errorf("failed to parse expires_at: %w", err)
	}

	return &lease, nil
}

// CreateSyncCycle records the start of a reconciliation cycle.
func (s *SQLiteStore) CreateSyncCycle(ctx context.Context, cycle *engine.SyncCycle) error {
	summary, err := json.Marshal(cycle.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}

	query := `
		INSERT INTO sync_cycles (id, scope, commit_id, triggered_by, started_at, summary, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		cycle.ID,
		cycle.Scope,
		cycle.CommitID,
		string(cycle.Trigger),
		cycle.StartedAt.UTC().Format(timeFormat),
		string(summary),
		cycle.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to create sync cycle: %w", err)
	}

	return nil
}

// CompleteSyncCycle writes the cycle's terminal outcome and per-operation
// results. Completed cycles are immutable history.
func (s *SQLiteStore) CompleteSyncCycle(ctx context.Context, cycle *engine.SyncCycle) error {
	if cycle.CompletedAt == nil {
		return fmt.Errorf("cycle %s has no completion time", cycle.ID)
	}
	summary, err := json.Marshal(cycle.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		UPDATE sync_cycles
		SET commit_id = ?, completed_at = ?, outcome = ?, summary = ?, error = ?
		WHERE id = ?
	`
	result, err := tx.ExecContext(ctx, query,
		cycle.CommitID,
		cycle.CompletedAt.UTC().Format(timeFormat),
		string(cycle.Outcome),
		string(summary),
		cycle.Error,
		cycle.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete sync cycle: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("sync cycle not found: %s", cycle.ID)
	}

	opQuery := `
		INSERT INTO operations (id, cycle_id, resource_type, resource_name, kind, status, attempts, started_at, completed_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, op := range cycle.Operations {
		_, err := tx.ExecContext(ctx, opQuery,
			op.OperationID,
			cycle.ID,
			op.Resource.Type,
			op.Resource.Name,
			string(op.Kind),
			string(op.Status),
			op.Attempts,
			op.StartedAt.UTC().Format(timeFormat),
			op.CompletedAt.UTC().Format(timeFormat),
			op.Error,
		)
		if err != nil {
			return fmt.Errorf("failed to record operation outcome: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sync cycle: %w", err)
	}

	return nil
}

// GetSyncCycle retrieves a cycle and its operation outcomes by ID.
func (s *SQLiteStore) GetSyncCycle(ctx context.Context, id string) (*engine.SyncCycle, error) {
	query := `
		SELECT id, scope, commit_id, triggered_by, started_at, completed_at, outcome, summary, error
		FROM sync_cycles
		WHERE id = ?
	`

	cycle, err := scanSyncCycle(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync cycle not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync cycle: %w", err)
	}

	opQuery := `
		SELECT id, resource_type, resource_name, kind, status, attempts, started_at, completed_at, error
		FROM operations
		WHERE cycle_id = ?
		ORDER BY started_at ASC
	`
	rows, err := s.db.QueryContext(ctx, opQuery, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			op                 engine.OperationOutcome
			kind, status       string
			started, completed string
		)
		err := rows.Scan(&op.OperationID, &op.Resource.Type, &op.Resource.Name,
			&kind, &status, &op.Attempts, &started, &completed, &op.Error)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		op.Kind = engine.OperationType(kind)
		op.Status = engine.OperationStatus(status)
		if op.StartedAt, err = time.Parse(timeFormat, started); err != nil {
			return nil, fmt.Errorf("failed to parse started_at: %w", err)
		}
		if op.CompletedAt, err = time.Parse(timeFormat, completed); err != nil {
			return nil, fmt.Errorf("failed to parse completed_at: %w", err)
		}
		cycle.Operations = append(cycle.Operations, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}

	return cycle, nil
}

// ListSyncCycles returns the most recent cycles for a scope, newest first.
func (s *SQLiteStore) ListSyncCycles(ctx context.Context, scope string, limit int) ([]*engine.SyncCycle, error) {
	query := `
		SELECT id, scope, commit_id, triggered_by, started_at, completed_at, outcome, summary, error
		FROM sync_cycles
		WHERE scope = ?
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, scope, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync cycles: %w", err)
	}
	defer rows.Close()

	cycles := []*engine.SyncCycle{}
	for rows.Next() {
		cycle, err := scanSyncCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync cycle: %w", err)
		}
		cycles = append(cycles, cycle)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync cycles: %w", err)
	}

	return cycles, nil
}

// LatestSyncCycle returns the most recent cycle for a scope, or nil when
// the scope has never reconciled.
func (s *SQLiteStore) LatestSyncCycle(ctx context.Context, scope string) (*engine.SyncCycle, error) {
	cycles, err := s.ListSyncCycles(ctx, scope, 1)
	if err != nil {
		return nil, err
	}
	if len(cycles) == 0 {
		return nil, nil
	}
	return cycles[0], nil
}

func scanSyncCycle(row rowScanner) (*engine.SyncCycle, error) {
	var (
		cycle              engine.SyncCycle
		trigger, outcome   string
		started            string
		completed, summary sql.NullString
		errMsg             string
	)
	err := row.Scan(&cycle.ID, &cycle.Scope, &cycle.CommitID, &trigger,
		&started, &completed, &outcome, &summary, &errMsg)
	if err != nil {
		return nil, err
	}

	cycle.Trigger = engine.CycleTrigger(trigger)
	cycle.Outcome = engine.CycleOutcome(outcome)
	cycle.Error = errMsg
	if cycle.StartedAt, err = time.Parse(timeFormat, started); err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if completed.Valid && completed.String != "" {
		t, err := time.Parse(timeFormat, completed.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse completed_at: %w", err)
		}
		cycle.CompletedAt = &t
	}
	if summary.Valid && summary.String != "" {
		if err := json.Unmarshal([]byte(summary.String), &cycle.Summary); err != nil {
			return nil, fmt.Errorf("failed to decode summary: %w", err)
		}
	}

	return &cycle, nil
}

// AppendEvent appends a new event to the audit trail
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (cycle_id, resource, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.CycleID,
		event.Resource,
		string(event.Level),
		event.Message,
		event.Details,
		event.Timestamp.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	// Get the auto-generated ID
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// ListEvents retrieves events for a cycle, newest first. An empty cycleID
// returns events across all cycles.
func (s *SQLiteStore) ListEvents(ctx context.Context, cycleID string, limit int) ([]*Event, error) {
	query := `
		SELECT id, cycle_id, resource, level, message, details, timestamp
		FROM events
		WHERE (? = '' OR cycle_id = ?)
		ORDER BY timestamp DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, cycleID, cycleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		var (
			event Event
			level string
			ts    string
		)
		err := rows.Scan(&event.ID, &event.CycleID, &event.Resource,
			&level, &event.Message, &event.Details, &ts)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Level = EventLevel(level)
		if event.Timestamp, err = time.Parse(timeFormat, ts); err != nil {
			return nil, fmt.Errorf("failed to parse timestamp: %w", err)
		}
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}
