package engine

import (
	"fmt"
	"sort"
)

// ResourceGraph is the set of declared resources plus derived dependency
// edges. Invariant: acyclic; BuildGraph rejects cyclic input.
type ResourceGraph struct {
	specs   map[ResourceID]*ResourceSpec
	ordered []ResourceID // deterministic topological order

	// dependents maps a resource to the resources that depend on it.
	dependents map[ResourceID][]ResourceID

	// dependencies maps a resource to the resources it depends on.
	dependencies map[ResourceID][]ResourceID

	levels map[ResourceID]int
}

// BuildGraph constructs a ResourceGraph from declared specs. Dependency
// edges come from explicit DependsOn entries and from attribute
// interpolation expressions. It fails with an UNRESOLVED_REFERENCE
// validation error when a reference names no declared resource and with a
// CYCLE validation error naming the participating identities when the
// edges form a cycle.
func BuildGraph(specs []ResourceSpec) (*ResourceGraph, error) {
	g := &ResourceGraph{
		specs:        make(map[ResourceID]*ResourceSpec, len(specs)),
		dependents:   make(map[ResourceID][]ResourceID, len(specs)),
		dependencies: make(map[ResourceID][]ResourceID, len(specs)),
	}

	for i := range specs {
		spec := &specs[i]
		if spec.ID.Type == "" || spec.ID.Name == "" {
			return nil, NewValidationError(
				fmt.Sprintf("resource %d has incomplete identity", i), nil)
		}
		if _, exists := g.specs[spec.ID]; exists {
			return nil, NewValidationError(
				fmt.Sprintf("duplicate resource %s", spec.ID), nil).
				WithResource(spec.ID.String())
		}
		spec.Position = i
		g.specs[spec.ID] = spec
	}

	for _, spec := range g.specs {
		seen := make(map[ResourceID]struct{})
		deps := append([]ResourceID(nil), spec.DependsOn...)
		deps = append(deps, References(spec.Attributes)...)
		for _, dep := range deps {
			if _, ok := g.specs[dep]; !ok {
				return nil, NewUnresolvedReferenceError(spec.ID.String(), dep.String())
			}
			if dep == spec.ID {
				return nil, NewCycleError([]string{spec.ID.String()})
			}
			if _, dup := seen[dep]; dup {
				continue
			}
			seen[dep] = struct{}{}
			g.dependencies[spec.ID] = append(g.dependencies[spec.ID], dep)
			g.dependents[dep] = append(g.dependents[dep], spec.ID)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		members := make([]string, len(cycle))
		for i, id := range cycle {
			members[i] = id.String()
		}
		return nil, NewCycleError(members)
	}

	g.computeOrder()
	return g, nil
}

// findCycle runs a DFS over dependency edges and returns the members of
// the first cycle found, or nil.
func (g *ResourceGraph) findCycle() []ResourceID {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[ResourceID]int, len(g.specs))

	var path []ResourceID
	var visit func(id ResourceID) []ResourceID
	visit = func(id ResourceID) []ResourceID {
		color[id] = gray
		path = append(path, id)
		for _, dep := range g.dependencies[id] {
			switch color[dep] {
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			case gray:
				for i, member := range path {
					if member == dep {
						return append([]ResourceID(nil), path[i:]...)
					}
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	for _, id := range g.declarationOrder() {
		if color[id] == white {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// computeOrder runs Kahn's algorithm over dependency edges. Ready nodes
// are drained in declaration order so the result is stable for stable
// input, keeping plans deterministic and diff-stable across runs.
func (g *ResourceGraph) computeOrder() {
	inDegree := make(map[ResourceID]int, len(g.specs))
	for id := range g.specs {
		inDegree[id] = len(g.dependencies[id])
	}

	var ready []ResourceID
	for _, id := range g.declarationOrder() {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	g.ordered = make([]ResourceID, 0, len(g.specs))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		g.ordered = append(g.ordered, id)

		released := make([]ResourceID, 0, len(g.dependents[id]))
		for _, dep := range g.dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				released = append(released, dep)
			}
		}
		sort.Slice(released, func(i, j int) bool {
			return g.specs[released[i]].Position < g.specs[released[j]].Position
		})
		ready = mergeByPosition(g, ready, released)
	}

	g.levels = make(map[ResourceID]int, len(g.ordered))
	for _, id := range g.ordered {
		level := 0
		for _, dep := range g.dependencies[id] {
			if l := g.levels[dep] + 1; l > level {
				level = l
			}
		}
		g.levels[id] = level
	}
}

// mergeByPosition keeps the ready queue sorted by declaration position.
func mergeByPosition(g *ResourceGraph, queue, released []ResourceID) []ResourceID {
	queue = append(queue, released...)
	sort.Slice(queue, func(i, j int) bool {
		return g.specs[queue[i]].Position < g.specs[queue[j]].Position
	})
	return queue
}

func (g *ResourceGraph) declarationOrder() []ResourceID {
	ids := make([]ResourceID, 0, len(g.specs))
	for id := range g.specs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return g.specs[ids[i]].Position < g.specs[ids[j]].Position
	})
	return ids
}

// Len returns the number of declared resources.
func (g *ResourceGraph) Len() int { return len(g.specs) }

// Spec returns the declared spec for id, if present.
func (g *ResourceGraph) Spec(id ResourceID) (*ResourceSpec, bool) {
	spec, ok := g.specs[id]
	return spec, ok
}

// TopoOrder returns the deterministic topological order: every resource's
// dependencies precede it.
func (g *ResourceGraph) TopoOrder() []ResourceID {
	return append([]ResourceID(nil), g.ordered...)
}

// Dependencies returns the resources id directly depends on.
func (g *ResourceGraph) Dependencies(id ResourceID) []ResourceID {
	return append([]ResourceID(nil), g.dependencies[id]...)
}

// Dependents returns the resources that directly depend on id.
func (g *ResourceGraph) Dependents(id ResourceID) []ResourceID {
	return append([]ResourceID(nil), g.dependents[id]...)
}

// Level returns the resource's depth from the roots. Resources sharing a
// level have no dependency path between them.
func (g *ResourceGraph) Level(id ResourceID) int { return g.levels[id] }

// Depth returns the number of levels in the graph.
func (g *ResourceGraph) Depth() int {
	depth := 0
	for _, l := range g.levels {
		if l+1 > depth {
			depth = l + 1
		}
	}
	return depth
}
