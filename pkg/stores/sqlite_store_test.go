package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/openconverge/openconverge/pkg/engine"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "state.db"),
	})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestResourceStateRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id := engine.ResourceID{Type: "net", Name: "prod"}
	state := &engine.ResourceState{
		ID:             id,
		ProviderID:     "net-1",
		Attributes:     map[string]any{"cidr": "10.0.0.0/16", "mtu": float64(1500)},
		DependsOn:      []engine.ResourceID{{Type: "account", Name: "main"}},
		Status:         engine.ResourceStatusApplied,
		LastTransition: time.Now().UTC().Truncate(time.Millisecond),
		LastCycleID:    "cycle-1",
	}

	if err := store.PutResourceState(ctx, state); err != nil {
		t.Fatalf("PutResourceState: %v", err)
	}

	got, err := store.GetResourceState(ctx, id)
	if err != nil {
		t.Fatalf("GetResourceState: %v", err)
	}
	if got == nil {
		t.Fatal("expected stored state")
	}
	if got.ProviderID != "net-1" || got.Status != engine.ResourceStatusApplied {
		t.Errorf("got %+v", got)
	}
	if !engine.AttributesEqual(got.Attributes, state.Attributes) {
		t.Errorf("attributes: got %v, want %v", got.Attributes, state.Attributes)
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0].String() != "account.main" {
		t.Errorf("depends_on: got %v", got.DependsOn)
	}
	if !got.LastTransition.Equal(state.LastTransition) {
		t.Errorf("last transition: got %v, want %v", got.LastTransition, state.LastTransition)
	}
}

func TestResourceStateAtomicReplace(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id := engine.ResourceID{Type: "net", Name: "prod"}
	for i, cidr := range []string{"10.0.0.0/16", "10.1.0.0/16"} {
		err := store.PutResourceState(ctx, &engine.ResourceState{
			ID:             id,
			ProviderID:     "net-1",
			Attributes:     map[string]any{"cidr": cidr},
			Status:         engine.ResourceStatusApplied,
			LastTransition: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("PutResourceState %d: %v", i, err)
		}
	}

	got, err := store.GetResourceState(ctx, id)
	if err != nil {
		t.Fatalf("GetResourceState: %v", err)
	}
	if got.Attributes["cidr"] != "10.1.0.0/16" {
		t.Errorf("cidr: got %v", got.Attributes["cidr"])
	}

	states, err := store.ListResourceStates(ctx)
	if err != nil {
		t.Fatalf("ListResourceStates: %v", err)
	}
	if len(states) != 1 {
		t.Errorf("expected one entry, got %d", len(states))
	}
}

func TestResourceStateAbsent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	got, err := store.GetResourceState(ctx, engine.ResourceID{Type: "net", Name: "ghost"})
	if err != nil {
		t.Fatalf("GetResourceState: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}

	// Deleting an absent entry is fine.
	if err := store.DeleteResourceState(ctx, engine.ResourceID{Type: "net", Name: "ghost"}); err != nil {
		t.Errorf("DeleteResourceState: %v", err)
	}
}

func TestStatePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	open := func() *SQLiteStore {
		store, err := NewSQLiteStore(Config{Path: path})
		if err != nil {
			t.Fatalf("NewSQLiteStore: %v", err)
		}
		if err := store.Init(ctx); err != nil {
			t.Fatalf("Init: %v", err)
		}
		if err := store.Migrate(ctx); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
		return store
	}

	store := open()
	id := engine.ResourceID{Type: "bucket", Name: "logs"}
	err := store.PutResourceState(ctx, &engine.ResourceState{
		ID:             id,
		ProviderID:     "bucket-9",
		Attributes:     map[string]any{"region": "eu-west-1"},
		Status:         engine.ResourceStatusApplied,
		LastTransition: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("PutResourceState: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store = open()
	defer store.Close()
	got, err := store.GetResourceState(ctx, id)
	if err != nil {
		t.Fatalf("GetResourceState after reopen: %v", err)
	}
	if got == nil || got.ProviderID != "bucket-9" {
		t.Fatalf("state lost across reopen: %+v", got)
	}
}

func TestLeaseExclusive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	lease, err := store.AcquireLease(ctx, "prod", "holder-a", time.Minute, 0)
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if lease.Holder != "holder-a" {
		t.Errorf("holder: %s", lease.Holder)
	}

	// Second holder is rejected with lock contention after the wait.
	_, err = store.AcquireLease(ctx, "prod", "holder-b", time.Minute, 150*time.Millisecond)
	if !engine.IsLockContention(err) {
		t.Fatalf("expected lock contention, got %v", err)
	}

	// A different scope is independent.
	if _, err := store.AcquireLease(ctx, "staging", "holder-b", time.Minute, 0); err != nil {
		t.Errorf("independent scope: %v", err)
	}

	// Release frees the scope.
	if err := store.ReleaseLease(ctx, "prod", "holder-a"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}
	if _, err := store.AcquireLease(ctx, "prod", "holder-b", time.Minute, 0); err != nil {
		t.Errorf("acquire after release: %v", err)
	}
}

func TestLeaseExpiredTakeover(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.AcquireLease(ctx, "prod", "holder-a", 10*time.Millisecond, 0); err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	lease, err := store.AcquireLease(ctx, "prod", "holder-b", time.Minute, 0)
	if err != nil {
		t.Fatalf("takeover of expired lease: %v", err)
	}
	if lease.Holder != "holder-b" {
		t.Errorf("holder: %s", lease.Holder)
	}
}

func TestLeaseRenewal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.AcquireLease(ctx, "prod", "holder-a", time.Minute, 0); err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if err := store.RenewLease(ctx, "prod", "holder-a", 2*time.Minute); err != nil {
		t.Errorf("RenewLease: %v", err)
	}
	if err := store.RenewLease(ctx, "prod", "holder-b", time.Minute); !engine.IsLockContention(err) {
		t.Errorf("expected lock contention for foreign renewal, got %v", err)
	}
}

func TestSyncCycleHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	start := time.Now().UTC().Truncate(time.Millisecond)
	cycle := &engine.SyncCycle{
		ID:        "cycle-1",
		Scope:     "prod",
		CommitID:  "abc123",
		Trigger:   engine.TriggerCommit,
		StartedAt: start,
	}
	if err := store.CreateSyncCycle(ctx, cycle); err != nil {
		t.Fatalf("CreateSyncCycle: %v", err)
	}

	done := start.Add(2 * time.Second)
	cycle.CompletedAt = &done
	cycle.Outcome = engine.OutcomePartial
	cycle.Summary = engine.PlanSummary{TotalResources: 2, ToCreate: 2}
	cycle.Operations = []engine.OperationOutcome{
		{
			OperationID: "op-1",
			Resource:    engine.ResourceID{Type: "net", Name: "prod"},
			Kind:        engine.OperationCreate,
			Status:      engine.OperationStatusApplied,
			Attempts:    1,
			StartedAt:   start,
			CompletedAt: done,
		},
		{
			OperationID: "op-2",
			Resource:    engine.ResourceID{Type: "svc", Name: "api"},
			Kind:        engine.OperationCreate,
			Status:      engine.OperationStatusFailed,
			Attempts:    3,
			StartedAt:   start,
			CompletedAt: done,
			Error:       "[permanent] quota exceeded",
		},
	}
	if err := store.CompleteSyncCycle(ctx, cycle); err != nil {
		t.Fatalf("CompleteSyncCycle: %v", err)
	}

	got, err := store.GetSyncCycle(ctx, "cycle-1")
	if err != nil {
		t.Fatalf("GetSyncCycle: %v", err)
	}
	if got.Outcome != engine.OutcomePartial || got.Trigger != engine.TriggerCommit {
		t.Errorf("cycle: %+v", got)
	}
	if got.Summary.ToCreate != 2 {
		t.Errorf("summary: %+v", got.Summary)
	}
	if len(got.Operations) != 2 {
		t.Fatalf("operations: %+v", got.Operations)
	}
	if got.Operations[1].Attempts != 3 || got.Operations[1].Status != engine.OperationStatusFailed {
		t.Errorf("op-2: %+v", got.Operations[1])
	}

	latest, err := store.LatestSyncCycle(ctx, "prod")
	if err != nil {
		t.Fatalf("LatestSyncCycle: %v", err)
	}
	if latest == nil || latest.ID != "cycle-1" {
		t.Errorf("latest: %+v", latest)
	}
	if latest, _ := store.LatestSyncCycle(ctx, "staging"); latest != nil {
		t.Errorf("unexpected cycle for staging: %+v", latest)
	}
}

func TestEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	events := []*Event{
		{CycleID: "cycle-1", Level: EventLevelInfo, Message: "cycle started", Timestamp: time.Now().UTC()},
		{CycleID: "cycle-1", Resource: "net.prod", Level: EventLevelWarn, Message: "drift detected", Timestamp: time.Now().UTC().Add(time.Second)},
		{CycleID: "cycle-2", Level: EventLevelInfo, Message: "cycle started", Timestamp: time.Now().UTC().Add(2 * time.Second)},
	}
	for _, e := range events {
		if err := store.AppendEvent(ctx, e); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
		if e.ID == 0 {
			t.Error("event ID not assigned")
		}
	}

	got, err := store.ListEvents(ctx, "cycle-1", 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	// Newest first.
	if got[0].Message != "drift detected" || got[0].Resource != "net.prod" {
		t.Errorf("first event: %+v", got[0])
	}

	all, err := store.ListEvents(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListEvents all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("got %d events, want 3", len(all))
	}
}
