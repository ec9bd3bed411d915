package compute

import (
	"sort"
	"sync"
)

// Resolver maintains one dependency graph per schema: nodes are fields,
// edges point from a computed field to the fields it depends on. Definition
// updates swap in a rebuilt snapshot under a single writer; evaluations read
// whichever consistent snapshot was current when they started and never
// observe a partially-updated graph.
type Resolver struct {
	mu       sync.RWMutex
	bySchema map[string]*graphSnapshot
}

type graphSnapshot struct {
	// dependsOn[field] lists the fields this computed field reads.
	dependsOn map[string][]string
	// dependents is the inverse: dependents[field] lists computed fields
	// that must be revisited when field changes.
	dependents map[string][]string
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{bySchema: make(map[string]*graphSnapshot)}
}

func (r *Resolver) snapshot(schemaID string) *graphSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bySchema[schemaID]
}

// Validate reports whether setting fieldID's dependencies to dependsOn would
// introduce a cycle in the schema's graph. On failure the returned error
// names the full cycle path.
func (r *Resolver) Validate(schemaID, fieldID string, dependsOn []string) error {
	snap := r.snapshot(schemaID)
	edges := make(map[string][]string)
	if snap != nil {
		for k, v := range snap.dependsOn {
			edges[k] = v
		}
	}
	edges[fieldID] = dependsOn

	if path := findCycle(edges, fieldID); path != nil {
		return cycleErr(fieldID, path)
	}
	return nil
}

// findCycle runs a DFS from start and returns the node sequence of the first
// cycle that closes back on start, or nil if none exists.
func findCycle(edges map[string][]string, start string) []string {
	var path []string
	onPath := make(map[string]bool)
	visited := make(map[string]bool)

	var visit func(node string) []string
	visit = func(node string) []string {
		path = append(path, node)
		onPath[node] = true
		for _, dep := range edges[node] {
			if onPath[dep] {
				// Trim the path down to where the cycle begins.
				for i, n := range path {
					if n == dep {
						return append([]string(nil), path[i:]...)
					}
				}
			}
			if !visited[dep] {
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		visited[node] = true
		onPath[node] = false
		path = path[:len(path)-1]
		return nil
	}
	return visit(start)
}

// SetField records fieldID's dependencies, swapping in a fresh snapshot.
// Callers must Validate first.
func (r *Resolver) SetField(schemaID, fieldID string, dependsOn []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := rebuild(r.bySchema[schemaID], fieldID, dependsOn, false)
	r.bySchema[schemaID] = next
}

// RemoveField drops fieldID from the schema's graph.
func (r *Resolver) RemoveField(schemaID, fieldID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bySchema[schemaID] == nil {
		return
	}
	r.bySchema[schemaID] = rebuild(r.bySchema[schemaID], fieldID, nil, true)
}

func rebuild(prev *graphSnapshot, fieldID string, dependsOn []string, remove bool) *graphSnapshot {
	next := &graphSnapshot{
		dependsOn:  make(map[string][]string),
		dependents: make(map[string][]string),
	}
	if prev != nil {
		for k, v := range prev.dependsOn {
			if k == fieldID {
				continue
			}
			next.dependsOn[k] = v
		}
	}
	if !remove {
		next.dependsOn[fieldID] = append([]string(nil), dependsOn...)
	}
	for field, deps := range next.dependsOn {
		for _, dep := range deps {
			next.dependents[dep] = append(next.dependents[dep], field)
		}
	}
	for _, deps := range next.dependents {
		sort.Strings(deps)
	}
	return next
}

// DependsOn returns the declared dependencies of a field.
func (r *Resolver) DependsOn(schemaID, fieldID string) []string {
	snap := r.snapshot(schemaID)
	if snap == nil {
		return nil
	}
	return snap.dependsOn[fieldID]
}

// Dependents returns the computed fields that directly depend on field.
func (r *Resolver) Dependents(schemaID, field string) []string {
	snap := r.snapshot(schemaID)
	if snap == nil {
		return nil
	}
	return snap.dependents[field]
}

// Cascade returns all computed fields transitively affected by a change to
// the given fields, in topological order (dependencies before dependents).
// Each affected field appears exactly once, no matter how many paths reach
// it, so one cascade evaluates each node a single time.
func (r *Resolver) Cascade(schemaID string, changed []string) []string {
	snap := r.snapshot(schemaID)
	if snap == nil {
		return nil
	}

	// Collect the affected set by walking the dependents closure.
	affected := make(map[string]bool)
	queue := append([]string(nil), changed...)
	for len(queue) > 0 {
		field := queue[0]
		queue = queue[1:]
		for _, dep := range snap.dependents[field] {
			if !affected[dep] {
				affected[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	if len(affected) == 0 {
		return nil
	}
	return subsetOrder(snap, affected)
}

// TopoOrder orders the given fields so that dependencies precede dependents.
// Fields without definitions in the graph sort as roots.
func (r *Resolver) TopoOrder(schemaID string, fields []string) []string {
	snap := r.snapshot(schemaID)
	if snap == nil {
		out := append([]string(nil), fields...)
		sort.Strings(out)
		return out
	}
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return subsetOrder(snap, set)
}

// subsetOrder runs Kahn's algorithm restricted to the given subgraph. Ties
// break alphabetically so orderings are deterministic.
func subsetOrder(snap *graphSnapshot, affected map[string]bool) []string {
	indegree := make(map[string]int, len(affected))
	for field := range affected {
		for _, dep := range snap.dependsOn[field] {
			if affected[dep] {
				indegree[field]++
			}
		}
	}
	var ready []string
	for field := range affected {
		if indegree[field] == 0 {
			ready = append(ready, field)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(affected))
	for len(ready) > 0 {
		field := ready[0]
		ready = ready[1:]
		order = append(order, field)
		var unblocked []string
		for _, dep := range snap.dependents[field] {
			if !affected[dep] {
				continue
			}
			indegree[dep]--
			if indegree[dep] == 0 {
				unblocked = append(unblocked, dep)
			}
		}
		sort.Strings(unblocked)
		ready = append(ready, unblocked...)
	}
	return order
}
