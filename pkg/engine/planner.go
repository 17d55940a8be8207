package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Planner diffs a desired resource graph against stored state (falling
// back to live observation through the provider) and produces an ordered
// operation plan. It never mutates state.
type Planner struct {
	store     StateStore
	providers *ProviderRegistry
	logger    zerolog.Logger
}

// NewPlanner creates a planner over the given state store and providers.
func NewPlanner(store StateStore, providers *ProviderRegistry, logger zerolog.Logger) *Planner {
	return &Planner{
		store:     store,
		providers: providers,
		logger:    logger.With().Str("component", "planner").Logger(),
	}
}

// PlanOptions control a single planning pass.
type PlanOptions struct {
	// CommitID is the source commit the desired graph was built from.
	CommitID string

	// DriftCheck re-reads live state for resources that already have
	// stored state, reconciling out-of-band changes. Without it the
	// planner trusts the stored last-applied attributes.
	DriftCheck bool
}

// Plan computes the operations that converge live state to the desired
// graph. Create/update operations appear in topological order; delete
// operations follow in reverse topological order so dependents are torn
// down before their dependencies. Ties between independent resources are
// broken by declaration order.
func (p *Planner) Plan(ctx context.Context, graph *ResourceGraph, opts PlanOptions) (*Plan, error) {
	stored, err := p.store.ListResourceStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stored state: %w", err)
	}
	states := make(map[ResourceID]*ResourceState, len(stored))
	for i := range stored {
		states[stored[i].ID] = &stored[i]
	}

	plan := &Plan{
		ID:        uuid.New().String(),
		CommitID:  opts.CommitID,
		CreatedAt: time.Now().UTC(),
		Summary:   PlanSummary{TotalResources: graph.Len()},
	}

	// planned tracks resources receiving a create/update this cycle, so
	// unresolved references to them can defer to execution time.
	planned := make(map[ResourceID]OperationType, graph.Len())

	for _, id := range graph.TopoOrder() {
		spec, _ := graph.Spec(id)
		op, err := p.planResource(ctx, graph, spec, states[id], opts, planned, plan)
		if err != nil {
			return nil, err
		}
		if op == nil {
			plan.Summary.NoChange++
			continue
		}
		planned[id] = op.Kind
		plan.Operations = append(plan.Operations, *op)
	}

	deletes, err := p.planDeletes(graph, states)
	if err != nil {
		return nil, err
	}
	plan.Operations = append(plan.Operations, deletes...)

	for _, op := range plan.Operations {
		switch op.Kind {
		case OperationCreate:
			plan.Summary.ToCreate++
		case OperationUpdate:
			plan.Summary.ToUpdate++
		case OperationDelete:
			plan.Summary.ToDelete++
		}
		if op.Level+1 > plan.Depth {
			plan.Depth = op.Level + 1
		}
	}

	p.logger.Debug().
		Str("plan_id", plan.ID).
		Str("commit", opts.CommitID).
		Int("create", plan.Summary.ToCreate).
		Int("update", plan.Summary.ToUpdate).
		Int("delete", plan.Summary.ToDelete).
		Msg("plan computed")

	return plan, nil
}

// planResource classifies a single desired resource. It returns nil when
// the resource already matches desired state.
func (p *Planner) planResource(
	ctx context.Context,
	graph *ResourceGraph,
	spec *ResourceSpec,
	state *ResourceState,
	opts PlanOptions,
	planned map[ResourceID]OperationType,
	plan *Plan,
) (*Operation, error) {
	desired, unresolved := ResolveAttributes(spec.Attributes, p.lookupFor(ctx, graph, planned))
	if err := p.checkUnresolved(spec.ID, unresolved, graph, planned); err != nil {
		return nil, err
	}

	op := &Operation{
		ID:       uuid.New().String(),
		Resource: spec.ID,
		Desired:  desired,
		Level:    graph.Level(spec.ID),
	}
	// Full edge set, not just resources changing this cycle. The executor
	// persists it so removed resources still delete in dependency order.
	op.DependsOn = graph.Dependencies(spec.ID)

	prior, providerID, reason, err := p.observePrior(ctx, spec, state, opts, plan)
	if err != nil {
		return nil, err
	}

	if prior == nil {
		op.Kind = OperationCreate
		op.Diff = DiffAttributes(nil, desired)
		return op, nil
	}

	op.Prior = prior
	op.ProviderID = providerID
	op.Reason = reason
	op.Diff = diffDesired(prior, desired)
	if len(op.Diff) == 0 && len(unresolved) == 0 && reason == "" {
		return nil, nil
	}
	op.Kind = OperationUpdate
	return op, nil
}

// observePrior determines the attributes to diff against: stored state
// when present, otherwise a live provider read to catch out-of-band
// resources. With DriftCheck it also re-reads stored resources and lets
// live state override the stored attributes; desired state always wins.
func (p *Planner) observePrior(
	ctx context.Context,
	spec *ResourceSpec,
	state *ResourceState,
	opts PlanOptions,
	plan *Plan,
) (map[string]any, string, string, error) {
	// A failed entry with no provider identifier never materialized; plan
	// it like an undeclared resource so the create is retried.
	if state == nil || state.Status == ResourceStatusDeleted ||
		(state.Status == ResourceStatusFailed && state.ProviderID == "") {
		provider, err := p.providers.For(spec.ID.Type)
		if err != nil {
			return nil, "", "", err
		}
		// No stored identifier; providers resolve the declared name.
		live, err := provider.Read(ctx, spec.ID.Type, spec.ID.Name)
		if err != nil {
			if IsNotFound(err) {
				return nil, "", "", nil
			}
			return nil, "", "", fmt.Errorf("observe %s: %w", spec.ID, err)
		}
		drift := NewDriftError(
			fmt.Sprintf("resource %s exists out-of-band, adopting", spec.ID), nil).
			WithResource(spec.ID.String())
		p.logger.Warn().Str("resource", spec.ID.String()).Msg(drift.Message)
		plan.Warnings = append(plan.Warnings, drift.Error())
		// Providers expose the canonical identifier as the "id" output.
		providerID := spec.ID.Name
		if v, ok := live["id"].(string); ok && v != "" {
			providerID = v
		}
		return live, providerID, "adopted", nil
	}

	if opts.DriftCheck && state.ProviderID != "" {
		provider, err := p.providers.For(spec.ID.Type)
		if err != nil {
			return nil, "", "", err
		}
		live, err := provider.Read(ctx, spec.ID.Type, state.ProviderID)
		if err != nil {
			if IsNotFound(err) {
				// Deleted out-of-band; recreate.
				drift := NewDriftError(
					fmt.Sprintf("resource %s deleted out-of-band, recreating", spec.ID), nil).
					WithResource(spec.ID.String())
				p.logger.Warn().Str("resource", spec.ID.String()).Msg(drift.Message)
				plan.Warnings = append(plan.Warnings, drift.Error())
				return nil, "", "", nil
			}
			return nil, "", "", fmt.Errorf("drift check %s: %w", spec.ID, err)
		}
		if !AttributesEqual(live, state.Attributes) {
			drift := NewDriftError(
				fmt.Sprintf("resource %s drifted from stored state", spec.ID), nil).
				WithResource(spec.ID.String())
			p.logger.Warn().Str("resource", spec.ID.String()).Msg(drift.Message)
			plan.Warnings = append(plan.Warnings, drift.Error())
			return live, state.ProviderID, "drift", nil
		}
	}

	return state.Attributes, state.ProviderID, "", nil
}

// lookupFor resolves interpolation references against a dependency's
// stored applied attributes, falling back to its declared attributes for
// values known statically. Reads run under the plan context so cycle
// timeouts bound them.
func (p *Planner) lookupFor(ctx context.Context, graph *ResourceGraph, planned map[ResourceID]OperationType) AttrLookup {
	return func(id ResourceID, attr string) (any, bool) {
		if state, err := p.store.GetResourceState(ctx, id); err == nil && state != nil {
			if _, willChange := planned[id]; !willChange && state.Status == ResourceStatusApplied {
				if v, ok := LookupAttr(state.Attributes, attr); ok {
					return v, true
				}
			}
		}
		if spec, ok := graph.Spec(id); ok {
			if v, ok := LookupAttr(spec.Attributes, attr); ok {
				if s, isStr := v.(string); !isStr || !exprPattern.MatchString(s) {
					return v, true
				}
			}
		}
		return nil, false
	}
}

// checkUnresolved verifies every remaining expression can still resolve at
// execution time: the referenced dependency must receive an operation this
// cycle. Otherwise nothing will produce the value and planning fails.
func (p *Planner) checkUnresolved(
	id ResourceID,
	unresolved []string,
	graph *ResourceGraph,
	planned map[ResourceID]OperationType,
) error {
	for _, expr := range unresolved {
		for _, ref := range parseReferences(expr) {
			if _, ok := planned[ref.Resource]; ok {
				continue
			}
			return NewPlanningError(
				fmt.Sprintf("resource %s references %s.%s which no operation will produce",
					id, ref.Resource, ref.Attr), nil).
				WithResource(id.String())
		}
	}
	return nil
}

// planDeletes schedules teardown for stored resources absent from the
// desired graph, in reverse topological order computed from the
// dependency edges persisted at apply time.
func (p *Planner) planDeletes(graph *ResourceGraph, states map[ResourceID]*ResourceState) ([]Operation, error) {
	removed := make(map[ResourceID]*ResourceState)
	for id, state := range states {
		if _, declared := graph.Spec(id); declared {
			continue
		}
		if state.Status == ResourceStatusDeleted && state.ProviderID == "" {
			continue
		}
		removed[id] = state
	}
	if len(removed) == 0 {
		return nil, nil
	}

	// Reverse level: a resource's delete runs only after every removed
	// dependent's delete. Depth is bounded by the removed set.
	level := make(map[ResourceID]int, len(removed))
	var depth func(id ResourceID, seen map[ResourceID]bool) int
	depth = func(id ResourceID, seen map[ResourceID]bool) int {
		if l, ok := level[id]; ok {
			return l
		}
		if seen[id] {
			return 0 // stored edges should be acyclic; guard regardless
		}
		seen[id] = true
		l := 0
		for other, st := range removed {
			for _, dep := range st.DependsOn {
				if dep == id {
					if dl := depth(other, seen) + 1; dl > l {
						l = dl
					}
				}
			}
		}
		level[id] = l
		return l
	}
	for id := range removed {
		depth(id, make(map[ResourceID]bool))
	}

	base := graph.Depth()
	ops := make([]Operation, 0, len(removed))
	for id, state := range removed {
		op := Operation{
			ID:         uuid.New().String(),
			Resource:   id,
			Kind:       OperationDelete,
			Prior:      state.Attributes,
			ProviderID: state.ProviderID,
			Level:      base + level[id],
		}
		for other, st := range removed {
			for _, dep := range st.DependsOn {
				if dep == id {
					op.DependsOn = append(op.DependsOn, other)
				}
			}
		}
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Level != ops[j].Level {
			return ops[i].Level < ops[j].Level
		}
		return ops[i].Resource.String() < ops[j].Resource.String()
	})
	return ops, nil
}

// diffDesired compares only the declared desired keys against prior
// attributes; provider-computed outputs on prior are not diffed.
func diffDesired(prior, desired map[string]any) []Change {
	changes := make([]Change, 0)
	keys := make([]string, 0, len(desired))
	for k := range desired {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		before, had := prior[k]
		after := desired[k]
		switch {
		case !had:
			changes = append(changes, Change{Path: k, After: after, Action: ChangeActionAdd})
		case !valueEqual(before, after):
			changes = append(changes, Change{Path: k, Before: before, After: after, Action: ChangeActionModify})
		}
	}
	return changes
}
