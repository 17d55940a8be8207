// Package gitops runs the continuous reconciliation loop: poll the source
// for a new commit, build the resource graph, plan, gate and apply, then
// record the cycle. The loop is a small state machine (idle, fetching,
// building, planning, applying, paused, degraded); cancellation and
// pause take effect at state boundaries, never mid-operation.
package gitops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openconverge/openconverge/pkg/config"
	"github.com/openconverge/openconverge/pkg/engine"
	"github.com/openconverge/openconverge/pkg/policy"
	"github.com/openconverge/openconverge/pkg/source"
	"github.com/openconverge/openconverge/pkg/stores"
	"github.com/openconverge/openconverge/pkg/telemetry"
)

// Store is the persistence surface the loop needs: resource state plus
// leases, cycle history and events. *stores.SQLiteStore satisfies it.
type Store interface {
	engine.StateStore

	AcquireLease(ctx context.Context, scope, holder string, ttl, maxWait time.Duration) (*stores.Lease, error)
	ReleaseLease(ctx context.Context, scope, holder string) error

	CreateSyncCycle(ctx context.Context, cycle *engine.SyncCycle) error
	CompleteSyncCycle(ctx context.Context, cycle *engine.SyncCycle) error

	AppendEvent(ctx context.Context, event *stores.Event) error
}

// LoopConfig bounds the loop's timing behavior.
type LoopConfig struct {
	// Scope is the reconciliation scope this loop owns.
	Scope string

	// Holder identifies this process for lease ownership.
	Holder string

	// Interval between reconciliation ticks.
	Interval time.Duration

	// DriftInterval between periodic drift-detection cycles. Zero
	// disables drift cycles.
	DriftInterval time.Duration

	// LockTimeout bounds the wait for the scope lease.
	LockTimeout time.Duration

	// CycleTimeout bounds one full cycle. Zero means unbounded.
	CycleTimeout time.Duration

	// DegradedThreshold is the number of consecutive failed cycles
	// before the loop degrades.
	DegradedThreshold int

	// DegradedInterval replaces Interval while degraded.
	DegradedInterval time.Duration
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.Holder == "" {
		c.Holder = uuid.New().String()
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.LockTimeout < 0 {
		c.LockTimeout = 0
	}
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = 3
	}
	if c.DegradedInterval < c.Interval {
		c.DegradedInterval = 5 * c.Interval
	}
	return c
}

// Status is a point-in-time snapshot of the loop.
type Status struct {
	// State is the loop's current position in the state machine.
	State engine.SyncState `json:"state"`

	// Paused reports whether the loop is suspended.
	Paused bool `json:"paused"`

	// LastCommit is the last successfully reconciled commit.
	LastCommit string `json:"last_commit,omitempty"`

	// ConsecutiveFailures counts failed cycles since the last success.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// LastCycle is the most recent completed cycle, if any.
	LastCycle *engine.SyncCycle `json:"last_cycle,omitempty"`
}

// Loop drives reconciliation cycles for one scope.
type Loop struct {
	cfg      LoopConfig
	src      source.Source
	parser   *config.ManifestParser
	store    Store
	planner  *engine.Planner
	executor *engine.Executor
	gate     *policy.Gate
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	logger   zerolog.Logger

	nudge chan struct{}

	mu        sync.Mutex
	state     engine.SyncState
	paused    bool
	last      string
	failures  int
	lastCycle *engine.SyncCycle
}

// NewLoop wires a sync loop. gate may be nil to disable policy checks.
func NewLoop(
	cfg LoopConfig,
	src source.Source,
	store Store,
	planner *engine.Planner,
	executor *engine.Executor,
	gate *policy.Gate,
	metrics *telemetry.Metrics,
	tracer *telemetry.Tracer,
	logger zerolog.Logger,
) *Loop {
	return &Loop{
		cfg:      cfg.withDefaults(),
		src:      src,
		parser:   config.NewManifestParser(),
		store:    store,
		planner:  planner,
		executor: executor,
		gate:     gate,
		metrics:  metrics,
		tracer:   tracer,
		logger:   logger.With().Str("component", "sync-loop").Str("scope", cfg.Scope).Logger(),
		nudge:    make(chan struct{}, 1),
		state:    engine.SyncStateIdle,
	}
}

// Nudge requests a cycle ahead of the next tick, typically from a source
// watcher. It never blocks.
func (l *Loop) Nudge() {
	select {
	case l.nudge <- struct{}{}:
	default:
	}
}

// Pause suspends reconciliation after the current cycle completes.
func (l *Loop) Pause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = true
	l.logger.Info().Msg("sync loop paused")
}

// Resume lifts a pause.
func (l *Loop) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = false
	l.logger.Info().Msg("sync loop resumed")
}

// Status returns a snapshot of the loop.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.state
	switch {
	case l.paused && state == engine.SyncStateIdle:
		state = engine.SyncStatePaused
	case state == engine.SyncStateIdle && l.failures >= l.cfg.DegradedThreshold:
		state = engine.SyncStateDegraded
	}
	return Status{
		State:               state,
		Paused:              l.paused,
		LastCommit:          l.last,
		ConsecutiveFailures: l.failures,
		LastCycle:           l.lastCycle,
	}
}

// Run ticks until ctx is canceled. Drift cycles run on their own slower
// interval; watcher nudges trigger commit cycles immediately.
func (l *Loop) Run(ctx context.Context) error {
	var driftC <-chan time.Time
	if l.cfg.DriftInterval > 0 {
		driftTicker := time.NewTicker(l.cfg.DriftInterval)
		defer driftTicker.Stop()
		driftC = driftTicker.C
	}

	for {
		timer := time.NewTimer(l.interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			l.tick(ctx, engine.TriggerCommit)
		case <-l.nudge:
			timer.Stop()
			l.tick(ctx, engine.TriggerCommit)
		case <-driftC:
			timer.Stop()
			l.tick(ctx, engine.TriggerDrift)
		}
	}
}

// interval returns the current tick interval, backed off while degraded.
func (l *Loop) interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failures >= l.cfg.DegradedThreshold {
		return l.cfg.DegradedInterval
	}
	return l.cfg.Interval
}

func (l *Loop) tick(ctx context.Context, trigger engine.CycleTrigger) {
	if _, err := l.RunOnce(ctx, trigger); err != nil &&
		!errors.Is(err, context.Canceled) && !engine.IsLockContention(err) {
		l.logger.Error().Err(err).Msg("cycle failed")
	}
}

// RunOnce executes a single reconciliation cycle. It returns (nil, nil)
// when the cycle was skipped: loop paused, commit unchanged, or the scope
// lease was contended (the error is also returned for contention).
func (l *Loop) RunOnce(ctx context.Context, trigger engine.CycleTrigger) (*engine.SyncCycle, error) {
	l.mu.Lock()
	if l.paused {
		l.mu.Unlock()
		l.logger.Debug().Msg("paused, skipping cycle")
		return nil, nil
	}
	lastCommit := l.last
	l.mu.Unlock()

	if l.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.CycleTimeout)
		defer cancel()
	}

	ctx, span := l.tracer.StartSpan(ctx, "sync.cycle",
		attribute.String("scope", l.cfg.Scope),
		attribute.String("trigger", string(trigger)))
	cycle, err := l.runCycle(ctx, trigger, lastCommit)
	telemetry.EndSpan(span, err)
	return cycle, err
}

func (l *Loop) runCycle(ctx context.Context, trigger engine.CycleTrigger, lastCommit string) (_ *engine.SyncCycle, err error) {
	defer l.setState(engine.SyncStateIdle)

	// Fetch.
	l.setState(engine.SyncStateFetching)
	commit, err := l.src.LatestCommit(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve latest commit: %w", err)
	}
	if trigger == engine.TriggerCommit && commit == lastCommit {
		l.logger.Debug().Str("commit", commit).Msg("commit unchanged, skipping cycle")
		return nil, nil
	}

	lease, err := l.store.AcquireLease(ctx, l.cfg.Scope, l.cfg.Holder, l.leaseTTL(), l.cfg.LockTimeout)
	if err != nil {
		if engine.IsLockContention(err) {
			l.metrics.RecordLockContention()
			l.logger.Warn().Str("scope", l.cfg.Scope).Msg("scope lease contended, skipping cycle")
		}
		return nil, err
	}
	defer func() {
		if rerr := l.store.ReleaseLease(context.WithoutCancel(ctx), lease.Scope, lease.Holder); rerr != nil {
			l.logger.Error().Err(rerr).Msg("release lease")
		}
	}()

	cycle := &engine.SyncCycle{
		ID:        uuid.New().String(),
		Scope:     l.cfg.Scope,
		CommitID:  commit,
		Trigger:   trigger,
		StartedAt: time.Now().UTC(),
	}
	if err := l.store.CreateSyncCycle(ctx, cycle); err != nil {
		return nil, fmt.Errorf("record cycle start: %w", err)
	}
	l.event(ctx, cycle.ID, "", stores.EventLevelInfo, fmt.Sprintf("cycle started (trigger=%s commit=%.12s)", trigger, commit))

	result, applyErr := l.fetchPlanApply(ctx, cycle, commit, trigger)
	l.finishCycle(ctx, cycle, result, applyErr)
	if applyErr != nil {
		return cycle, applyErr
	}
	return cycle, nil
}

// fetchPlanApply runs the build/plan/apply phases under the held lease.
func (l *Loop) fetchPlanApply(ctx context.Context, cycle *engine.SyncCycle, commit string, trigger engine.CycleTrigger) (*engine.ApplyResult, error) {
	// Build.
	l.setState(engine.SyncStateBuilding)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	files, err := l.src.Tree(ctx, commit)
	if err != nil {
		return nil, fmt.Errorf("read tree: %w", err)
	}
	specs, err := l.parser.Parse(files)
	if err != nil {
		return nil, err
	}
	graph, err := engine.BuildGraph(specs)
	if err != nil {
		return nil, err
	}

	// Plan.
	l.setState(engine.SyncStatePlanning)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	plan, err := l.planner.Plan(ctx, graph, engine.PlanOptions{
		CommitID:   commit,
		DriftCheck: trigger == engine.TriggerDrift,
	})
	if err != nil {
		return nil, err
	}
	cycle.Summary = plan.Summary
	for _, warning := range plan.Warnings {
		l.metrics.RecordDrift()
		l.event(ctx, cycle.ID, "", stores.EventLevelWarn, warning)
	}

	if l.gate != nil {
		result, err := l.gate.EvaluatePlan(ctx, l.cfg.Scope, plan)
		if err != nil {
			return nil, fmt.Errorf("policy gate: %w", err)
		}
		if err := result.Deny(); err != nil {
			for _, v := range result.Violations {
				l.event(ctx, cycle.ID, "", stores.EventLevelError, v.Message)
			}
			return nil, err
		}
	}

	if plan.Empty() {
		l.logger.Info().Str("commit", commit).Msg("already converged")
		return &engine.ApplyResult{PlanID: plan.ID, Outcome: engine.OutcomeSucceeded}, nil
	}

	// Apply.
	l.setState(engine.SyncStateApplying)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.executor.Apply(ctx, plan, cycle.ID)
}

// finishCycle completes the cycle record and updates loop health.
func (l *Loop) finishCycle(ctx context.Context, cycle *engine.SyncCycle, result *engine.ApplyResult, err error) {
	now := time.Now().UTC()
	cycle.CompletedAt = &now

	switch {
	case err != nil:
		cycle.Outcome = engine.OutcomeFailed
		cycle.Error = err.Error()
	default:
		cycle.Outcome = result.Outcome
		cycle.Operations = result.Operations
	}

	for _, op := range cycle.Operations {
		l.metrics.RecordOperation(string(op.Kind), string(op.Status))
	}
	l.metrics.RecordCycle(string(cycle.Outcome), string(cycle.Trigger), now.Sub(cycle.StartedAt))

	level := stores.EventLevelInfo
	if cycle.Outcome != engine.OutcomeSucceeded {
		level = stores.EventLevelError
	}
	l.event(ctx, cycle.ID, "", level, fmt.Sprintf("cycle completed (outcome=%s)", cycle.Outcome))

	if serr := l.store.CompleteSyncCycle(context.WithoutCancel(ctx), cycle); serr != nil {
		l.logger.Error().Err(serr).Str("cycle_id", cycle.ID).Msg("record cycle completion")
	}

	l.mu.Lock()
	l.lastCycle = cycle
	if cycle.Outcome == engine.OutcomeSucceeded {
		l.last = cycle.CommitID
		l.failures = 0
	} else {
		l.failures++
		if l.failures == l.cfg.DegradedThreshold {
			l.logger.Warn().Int("failures", l.failures).Msg("entering degraded state")
		}
	}
	degraded := l.failures >= l.cfg.DegradedThreshold
	l.mu.Unlock()

	summary, _ := json.Marshal(cycle.Summary)
	l.logger.Info().
		Str("cycle_id", cycle.ID).
		Str("commit", cycle.CommitID).
		Str("outcome", string(cycle.Outcome)).
		RawJSON("summary", summary).
		Dur("duration", now.Sub(cycle.StartedAt)).
		Msg("cycle completed")

	if degraded {
		l.metrics.SetSyncState(string(engine.SyncStateDegraded))
	}
}

// leaseTTL bounds how long a crashed process can hold the scope.
func (l *Loop) leaseTTL() time.Duration {
	if l.cfg.CycleTimeout > 0 {
		return l.cfg.CycleTimeout + time.Minute
	}
	return 2 * l.cfg.Interval
}

func (l *Loop) setState(state engine.SyncState) {
	l.mu.Lock()
	degraded := l.failures >= l.cfg.DegradedThreshold
	l.state = state
	l.mu.Unlock()
	if state == engine.SyncStateIdle && degraded {
		state = engine.SyncStateDegraded
	}
	l.metrics.SetSyncState(string(state))
}

func (l *Loop) event(ctx context.Context, cycleID, resource string, level stores.EventLevel, message string) {
	err := l.store.AppendEvent(context.WithoutCancel(ctx), &stores.Event{
		CycleID:   cycleID,
		Resource:  resource,
		Level:     level,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		l.logger.Error().Err(err).Msg("append event")
	}
}
