package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openconverge/openconverge/pkg/telemetry"
)

// ExecutorConfig bounds the executor's parallelism and retry behavior.
type ExecutorConfig struct {
	// MaxParallel caps concurrent provider calls within a level.
	MaxParallel int

	// RetryLimit is the maximum number of retries per transient failure.
	RetryLimit int

	// BackoffBase is the initial retry backoff interval.
	BackoffBase time.Duration

	// OperationTimeout bounds a single operation including retries. Zero
	// means no per-operation bound beyond the cycle context.
	OperationTimeout time.Duration
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.MaxParallel <= 0 {
		c.MaxParallel = 4
	}
	if c.RetryLimit < 0 {
		c.RetryLimit = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	return c
}

// Executor applies plans level by level. Operations within a level have no
// dependency relationship and run concurrently up to MaxParallel. A failed
// operation poisons its dependents, which are recorded as skipped; work on
// independent branches continues.
type Executor struct {
	store     StateStore
	providers *ProviderRegistry
	config    ExecutorConfig
	metrics   *telemetry.Metrics
	logger    zerolog.Logger
}

// NewExecutor creates an executor writing through the given state store.
// metrics may be nil; provider call durations are then not observed.
func NewExecutor(store StateStore, providers *ProviderRegistry, config ExecutorConfig, metrics *telemetry.Metrics, logger zerolog.Logger) *Executor {
	if metrics == nil {
		metrics = telemetry.NewMetrics(telemetry.MetricsConfig{})
	}
	return &Executor{
		store:     store,
		providers: providers,
		config:    config.withDefaults(),
		metrics:   metrics,
		logger:    logger.With().Str("component", "executor").Logger(),
	}
}

// ApplyResult is the outcome of applying one plan.
type ApplyResult struct {
	// PlanID is the executed plan.
	PlanID string `json:"plan_id"`

	// Outcome is the aggregate cycle outcome.
	Outcome CycleOutcome `json:"outcome"`

	// Operations lists per-operation outcomes in execution order.
	Operations []OperationOutcome `json:"operations"`
}

// Counts returns the number of applied, failed and skipped operations.
func (r *ApplyResult) Counts() (applied, failed, skipped int) {
	for _, op := range r.Operations {
		switch op.Status {
		case OperationStatusApplied:
			applied++
		case OperationStatusFailed:
			failed++
		case OperationStatusSkipped:
			skipped++
		}
	}
	return applied, failed, skipped
}

// Apply executes the plan. It always returns a complete per-operation
// outcome set; a non-nil error means the apply could not run at all, not
// that individual operations failed. cycleID is recorded on every state
// entry the apply touches.
func (e *Executor) Apply(ctx context.Context, plan *Plan, cycleID string) (*ApplyResult, error) {
	if plan == nil {
		return nil, NewValidationError("nil plan", nil)
	}

	result := &ApplyResult{PlanID: plan.ID}
	if plan.Empty() {
		result.Outcome = OutcomeSucceeded
		return result, nil
	}

	// blocked holds resources whose operation failed or was skipped.
	// Dependency edges always cross levels, so it is only written between
	// levels and read freely within one.
	blocked := make(map[ResourceID]OperationStatus)

	levels := groupByLevel(plan.Operations)
	for _, ops := range levels {
		if err := ctx.Err(); err != nil {
			for _, op := range ops {
				result.Operations = append(result.Operations, skippedOutcome(op, "cycle canceled"))
				blocked[op.Resource] = OperationStatusSkipped
			}
			continue
		}

		outcomes := make([]OperationOutcome, len(ops))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.config.MaxParallel)
		for i, op := range ops {
			if status, reason := e.blockedBy(op, blocked); status != "" {
				outcomes[i] = skippedOutcome(op, reason)
				continue
			}
			i, op := i, op
			g.Go(func() error {
				outcomes[i] = e.executeOperation(gctx, op, cycleID)
				return nil
			})
		}
		// Goroutines report through outcomes, never an error.
		_ = g.Wait()

		for i, op := range ops {
			if outcomes[i].Status != OperationStatusApplied {
				blocked[op.Resource] = outcomes[i].Status
			}
			result.Operations = append(result.Operations, outcomes[i])
		}
	}

	applied, failed, skipped := result.Counts()
	switch {
	case failed == 0 && skipped == 0:
		result.Outcome = OutcomeSucceeded
	case applied > 0:
		result.Outcome = OutcomePartial
	default:
		result.Outcome = OutcomeFailed
	}

	e.logger.Info().
		Str("plan_id", plan.ID).
		Str("cycle_id", cycleID).
		Int("applied", applied).
		Int("failed", failed).
		Int("skipped", skipped).
		Str("outcome", string(result.Outcome)).
		Msg("plan applied")

	return result, nil
}

// blockedBy reports whether op must be skipped because a dependency edge
// points at a blocked resource.
func (e *Executor) blockedBy(op Operation, blocked map[ResourceID]OperationStatus) (OperationStatus, string) {
	for _, dep := range op.DependsOn {
		if status, ok := blocked[dep]; ok {
			return status, fmt.Sprintf("dependency %s %s", dep, status)
		}
	}
	return "", ""
}

func skippedOutcome(op Operation, reason string) OperationOutcome {
	now := time.Now().UTC()
	err := NewPermanentError(reason, nil).
		WithCode(ErrCodeDependencyFailed).
		WithResource(op.Resource.String()).
		WithOp(string(op.Kind))
	return OperationOutcome{
		OperationID: op.ID,
		Resource:    op.Resource,
		Kind:        op.Kind,
		Status:      OperationStatusSkipped,
		StartedAt:   now,
		CompletedAt: now,
		Error:       err.Error(),
	}
}

// executeOperation runs one operation to a terminal status, writing the
// applying/applied/failed transitions through the state store.
func (e *Executor) executeOperation(ctx context.Context, op Operation, cycleID string) OperationOutcome {
	outcome := OperationOutcome{
		OperationID: op.ID,
		Resource:    op.Resource,
		Kind:        op.Kind,
		StartedAt:   time.Now().UTC(),
	}

	if e.config.OperationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.OperationTimeout)
		defer cancel()
	}

	err := e.runOperation(ctx, &op, &outcome, cycleID)
	outcome.CompletedAt = time.Now().UTC()
	if err != nil {
		outcome.Status = OperationStatusFailed
		outcome.Error = err.Error()
		e.logger.Error().
			Str("resource", op.Resource.String()).
			Str("op", string(op.Kind)).
			Int("attempts", outcome.Attempts).
			Err(err).
			Msg("operation failed")
		return outcome
	}

	outcome.Status = OperationStatusApplied
	e.logger.Debug().
		Str("resource", op.Resource.String()).
		Str("op", string(op.Kind)).
		Int("attempts", outcome.Attempts).
		Msg("operation applied")
	return outcome
}

func (e *Executor) runOperation(ctx context.Context, op *Operation, outcome *OperationOutcome, cycleID string) error {
	switch op.Kind {
	case OperationCreate, OperationUpdate:
		return e.converge(ctx, op, outcome, cycleID)
	case OperationDelete:
		return e.teardown(ctx, op, outcome, cycleID)
	default:
		return NewValidationError(
			fmt.Sprintf("unexpected operation kind %q", op.Kind), nil).
			WithResource(op.Resource.String())
	}
}

// converge creates or updates the resource. Interpolation expressions left
// unresolved at plan time are resolved here, after the referenced
// dependencies have applied.
func (e *Executor) converge(ctx context.Context, op *Operation, outcome *OperationOutcome, cycleID string) error {
	desired := op.Desired
	if HasUnresolved(desired) {
		var unresolved []string
		desired, unresolved = ResolveAttributes(desired, e.storeLookup(ctx))
		if len(unresolved) > 0 {
			return NewPlanningError(
				fmt.Sprintf("unresolved references after dependencies applied: %v", unresolved), nil).
				WithResource(op.Resource.String()).
				WithOp(string(op.Kind))
		}
	}

	provider, err := e.providers.For(op.Resource.Type)
	if err != nil {
		return err
	}

	if err := e.transition(ctx, op, ResourceStatusApplying, op.ProviderID, nil, cycleID); err != nil {
		return err
	}

	var (
		providerID = op.ProviderID
		applied    map[string]any
	)
	callErr := e.withRetry(ctx, op, outcome, func(callCtx context.Context) error {
		var err error
		if op.Kind == OperationCreate {
			providerID, applied, err = provider.Create(callCtx, op.Resource.Type, desired)
		} else {
			applied, err = provider.Update(callCtx, op.Resource.Type, op.ProviderID, desired)
		}
		return err
	})
	if callErr != nil {
		if err := e.transition(ctx, op, ResourceStatusFailed, providerID, nil, cycleID); err != nil {
			e.logger.Error().Err(err).Str("resource", op.Resource.String()).Msg("record failed status")
		}
		return wrapProviderErr(callErr, op)
	}

	return e.transition(ctx, op, ResourceStatusApplied, providerID, applied, cycleID)
}

// teardown deletes the resource through the provider and retains the
// state entry as a deleted tombstone rather than purging it. An entry
// with no provider identifier never materialized and tombstones directly.
func (e *Executor) teardown(ctx context.Context, op *Operation, outcome *OperationOutcome, cycleID string) error {
	if op.ProviderID != "" {
		provider, err := e.providers.For(op.Resource.Type)
		if err != nil {
			return err
		}
		if err := e.transition(ctx, op, ResourceStatusApplying, op.ProviderID, op.Prior, cycleID); err != nil {
			return err
		}
		callErr := e.withRetry(ctx, op, outcome, func(callCtx context.Context) error {
			return provider.Delete(callCtx, op.Resource.Type, op.ProviderID)
		})
		if callErr != nil && !IsNotFound(callErr) {
			if err := e.transition(ctx, op, ResourceStatusFailed, op.ProviderID, op.Prior, cycleID); err != nil {
				e.logger.Error().Err(err).Str("resource", op.Resource.String()).Msg("record failed status")
			}
			return wrapProviderErr(callErr, op)
		}
	}
	// Deletion confirmed. The cleared provider identifier marks the
	// tombstone terminal; the planner never schedules it again.
	return e.transition(ctx, op, ResourceStatusDeleted, "", nil, cycleID)
}

// withRetry invokes call, retrying transient failures with exponential
// backoff up to the configured limit. Attempts are counted on outcome and
// each provider call's duration is observed.
func (e *Executor) withRetry(ctx context.Context, op *Operation, outcome *OperationOutcome, call func(context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.config.BackoffBase
	bo := backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(e.config.RetryLimit)), ctx)

	return backoff.Retry(func() error {
		outcome.Attempts++
		start := time.Now()
		err := call(ctx)
		e.metrics.ObserveProviderCall(string(op.Kind), op.Resource.Type, time.Since(start))
		if err == nil {
			return nil
		}
		if IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, bo)
}

// transition writes a state entry for the operation's resource. Applied
// transitions persist the full applied attributes and dependency edges.
func (e *Executor) transition(ctx context.Context, op *Operation, status ResourceStatus, providerID string, applied map[string]any, cycleID string) error {
	attrs := applied
	if attrs == nil {
		attrs = op.Prior
	}
	deps := op.DependsOn
	if op.Kind == OperationDelete {
		// Delete edges point at dependents; keep the stored edge set.
		deps = nil
		if prev, err := e.store.GetResourceState(ctx, op.Resource); err == nil && prev != nil {
			deps = prev.DependsOn
		}
	}
	return e.store.PutResourceState(ctx, &ResourceState{
		ID:             op.Resource,
		ProviderID:     providerID,
		Attributes:     attrs,
		DependsOn:      deps,
		Status:         status,
		LastTransition: time.Now().UTC(),
		LastCycleID:    cycleID,
	})
}

// storeLookup resolves interpolation references against applied state.
func (e *Executor) storeLookup(ctx context.Context) AttrLookup {
	return func(id ResourceID, attr string) (any, bool) {
		state, err := e.store.GetResourceState(ctx, id)
		if err != nil || state == nil || state.Status != ResourceStatusApplied {
			return nil, false
		}
		return LookupAttr(state.Attributes, attr)
	}
}

func wrapProviderErr(err error, op *Operation) error {
	var e *EngineError
	if errors.As(err, &e) {
		if e.Resource == "" {
			e.Resource = op.Resource.String()
		}
		if e.Op == "" {
			e.Op = string(op.Kind)
		}
		return e
	}
	// Unclassified provider errors are permanent.
	return NewPermanentError("provider call failed", err).
		WithCode(ErrCodeProviderFailed).
		WithResource(op.Resource.String()).
		WithOp(string(op.Kind))
}

// groupByLevel splits operations into per-level slices preserving plan
// order within each level.
func groupByLevel(ops []Operation) [][]Operation {
	maxLevel := 0
	for _, op := range ops {
		if op.Level > maxLevel {
			maxLevel = op.Level
		}
	}
	levels := make([][]Operation, maxLevel+1)
	for _, op := range ops {
		levels[op.Level] = append(levels[op.Level], op)
	}
	out := levels[:0]
	for _, lvl := range levels {
		if len(lvl) > 0 {
			out = append(out, lvl)
		}
	}
	return out
}
