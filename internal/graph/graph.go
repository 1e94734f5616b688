// Package graph builds the service dependency graph of a project and
// derives deterministic startup and teardown orders from it.
//
// An edge "A depends on B" means B must be ready before A starts. The
// graph is rebuilt on every invocation from the services' depends_on sets
// and is never mutated after Build returns.
package graph

import (
	"sort"

	"github.com/mmr-tortoise/berth/internal/model"
)

// Graph is the immutable dependency graph of one project.
type Graph struct {
	// order is the service declaration order; it breaks every tie.
	order []string

	// index maps a service name to its position in order.
	index map[string]int

	// deps maps a service to the services it depends on.
	deps map[string][]string

	// dependents maps a service to the services depending on it.
	dependents map[string][]string

	// startup is the computed topological order.
	startup []string
}

// Build constructs the graph and computes the startup order.
//
// The order is produced with Kahn's algorithm: among services whose
// dependencies are all scheduled, the one declared first goes next. The
// result is therefore identical across runs for the same definition.
//
// Returns *model.CyclicDependencyError carrying a minimal cycle if no
// valid order exists, or *model.StructuralError if a dependency names an
// unknown service.
func Build(p *model.Project) (*Graph, error) {
	g := &Graph{
		order:      append([]string(nil), p.ServiceOrder...),
		index:      make(map[string]int, len(p.ServiceOrder)),
		deps:       make(map[string][]string, len(p.ServiceOrder)),
		dependents: make(map[string][]string, len(p.ServiceOrder)),
	}
	for i, name := range g.order {
		g.index[name] = i
	}

	for _, name := range g.order {
		svc := p.Services[name]
		if svc == nil {
			return nil, model.NewStructuralError("services."+name, "service is listed in the declaration order but not defined")
		}
		for _, dep := range svc.Dependencies() {
			if _, ok := g.index[dep]; !ok {
				return nil, model.NewStructuralError("services."+name+".depends_on."+dep, "depends on undefined service %q", dep)
			}
			g.deps[name] = append(g.deps[name], dep)
			g.dependents[dep] = append(g.dependents[dep], name)
		}
	}
	for _, name := range g.order {
		g.sortByDeclaration(g.deps[name])
		g.sortByDeclaration(g.dependents[name])
	}

	startup, ok := g.kahn()
	if !ok {
		return nil, &model.CyclicDependencyError{Cycle: g.minimalCycle(startup)}
	}
	g.startup = startup
	return g, nil
}

// kahn returns the topological order, or the partial order and false when
// a cycle blocks the remaining services.
func (g *Graph) kahn() ([]string, bool) {
	remaining := make(map[string]int, len(g.order))
	for _, name := range g.order {
		remaining[name] = len(g.deps[name])
	}

	// ready holds declaration indexes, kept sorted ascending.
	var ready []int
	for i, name := range g.order {
		if remaining[name] == 0 {
			ready = append(ready, i)
		}
	}

	out := make([]string, 0, len(g.order))
	for len(ready) > 0 {
		next := g.order[ready[0]]
		ready = ready[1:]
		out = append(out, next)

		for _, dependent := range g.dependents[next] {
			remaining[dependent]--
			if remaining[dependent] == 0 {
				idx := g.index[dependent]
				pos := sort.SearchInts(ready, idx)
				ready = append(ready, 0)
				copy(ready[pos+1:], ready[pos:])
				ready[pos] = idx
			}
		}
	}
	return out, len(out) == len(g.order)
}

// minimalCycle finds the shortest cycle among the services Kahn's
// algorithm could not schedule. Ties go to the cycle whose starting
// service is declared first. The returned sequence ends with its first
// element, e.g. [a b a].
func (g *Graph) minimalCycle(scheduled []string) []string {
	done := make(map[string]bool, len(scheduled))
	for _, name := range scheduled {
		done[name] = true
	}

	var best []string
	for _, start := range g.order {
		if done[start] {
			continue
		}
		if cycle := g.shortestCycleFrom(start, done); cycle != nil {
			if best == nil || len(cycle) < len(best) {
				best = cycle
			}
		}
	}
	return best
}

// shortestCycleFrom runs a breadth-first search along dependency edges
// from start back to start, ignoring already scheduled services.
func (g *Graph) shortestCycleFrom(start string, done map[string]bool) []string {
	parent := map[string]string{}
	visited := map[string]bool{start: true}
	queue := []string{start}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range g.deps[cur] {
			if done[dep] {
				continue
			}
			if dep == start {
				path := []string{start}
				for n := cur; n != start; n = parent[n] {
					path = append(path, n)
				}
				// path is start followed by the walk in reverse; flip the tail.
				for i, j := 1, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return append(path, start)
			}
			if !visited[dep] {
				visited[dep] = true
				parent[dep] = cur
				queue = append(queue, dep)
			}
		}
	}
	return nil
}

func (g *Graph) sortByDeclaration(names []string) {
	sort.Slice(names, func(i, j int) bool {
		return g.index[names[i]] < g.index[names[j]]
	})
}

// StartupOrder returns the services in an order consistent with every
// dependency edge. The slice is a copy.
func (g *Graph) StartupOrder() []string {
	return append([]string(nil), g.startup...)
}

// TeardownOrder returns the exact reverse of StartupOrder.
func (g *Graph) TeardownOrder() []string {
	out := make([]string, len(g.startup))
	for i, name := range g.startup {
		out[len(out)-1-i] = name
	}
	return out
}

// Dependencies returns the direct dependencies of a service, in
// declaration order.
func (g *Graph) Dependencies(name string) []string {
	return append([]string(nil), g.deps[name]...)
}

// Dependents returns the services that directly depend on name, in
// declaration order.
func (g *Graph) Dependents(name string) []string {
	return append([]string(nil), g.dependents[name]...)
}

// Services returns the services in declaration order.
func (g *Graph) Services() []string {
	return append([]string(nil), g.order...)
}
