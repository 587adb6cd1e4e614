package compiler

import (
	"log/slog"
	"regexp"
	"sort"

	"github.com/policyforge/govcore/pkg/domain"
)

// referencePattern matches data-document references in rule source text,
// e.g. "data.rbac" or "data.rbac.allow". The first path segment is the
// candidate rule id.
var referencePattern = regexp.MustCompile(`\bdata\.([A-Za-z_][A-Za-z0-9_]*)`)

// identPattern matches bare identifier tokens. Used for the best-effort
// second pass that links rules mentioning another rule's id directly.
var identPattern = regexp.MustCompile(`\b[A-Za-z_][A-Za-z0-9_.-]*\b`)

// DependencyGraph tracks directed reference edges between rules. An edge
// A -> B means B references data produced by A, so A must compile before B.
//
// The graph is rebuilt from scratch on every compilation pass rather than
// maintained incrementally; stale edges after deletes are not a failure mode
// this way. Extraction is a best-effort static pass: dynamically constructed
// references are missed, and coincidental name collisions can over-link. An
// extracted name only produces an edge on an exact match against a known rule
// id; anything else is ignored.
type DependencyGraph struct {
	nodes    map[string]struct{}
	forward  map[string]map[string]struct{} // id -> ids that depend on it
	backward map[string]map[string]struct{} // id -> ids it depends on
	logger   *slog.Logger
}

// BuildDependencyGraph constructs the graph for the supplied rule set.
func BuildDependencyGraph(rules []domain.PolicyRule, logger *slog.Logger) *DependencyGraph {
	if logger == nil {
		logger = slog.Default()
	}

	g := &DependencyGraph{
		nodes:    make(map[string]struct{}, len(rules)),
		forward:  make(map[string]map[string]struct{}),
		backward: make(map[string]map[string]struct{}),
		logger:   logger,
	}

	for _, rule := range rules {
		g.nodes[rule.ID] = struct{}{}
	}

	for _, rule := range rules {
		for _, ref := range extractReferences(rule.Content) {
			if ref == rule.ID {
				continue
			}
			if _, known := g.nodes[ref]; !known {
				continue
			}
			g.addEdge(ref, rule.ID)
		}
	}

	return g
}

func (g *DependencyGraph) addEdge(from, to string) {
	if g.forward[from] == nil {
		g.forward[from] = make(map[string]struct{})
	}
	g.forward[from][to] = struct{}{}

	if g.backward[to] == nil {
		g.backward[to] = make(map[string]struct{})
	}
	g.backward[to][from] = struct{}{}
}

// Contains reports whether the id is a node in the graph.
func (g *DependencyGraph) Contains(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// Size returns the number of nodes.
func (g *DependencyGraph) Size() int {
	return len(g.nodes)
}

// DependentsOf returns every rule that transitively depends on the given id,
// sorted for determinism. The id itself is not included.
func (g *DependencyGraph) DependentsOf(id string) []string {
	seen := make(map[string]struct{})
	stack := []string{id}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for dependent := range g.forward[current] {
			if _, ok := seen[dependent]; ok {
				continue
			}
			seen[dependent] = struct{}{}
			stack = append(stack, dependent)
		}
	}

	result := make([]string, 0, len(seen))
	for dependent := range seen {
		result = append(result, dependent)
	}
	sort.Strings(result)
	return result
}

// DependenciesOf returns the rules the given id directly references, sorted.
func (g *DependencyGraph) DependenciesOf(id string) []string {
	deps := make([]string, 0, len(g.backward[id]))
	for dep := range g.backward[id] {
		deps = append(deps, dep)
	}
	sort.Strings(deps)
	return deps
}

// TopologicalOrder returns a compile order for the subset that respects the
// reference edges between its members, breaking ties lexically. When the
// subset contains a cycle the order degrades to plain lexical order; that is
// logged as a warning instead of failing, so a bad rule set still compiles
// deterministically.
func (g *DependencyGraph) TopologicalOrder(subset map[string]struct{}) []string {
	ids := make([]string, 0, len(subset))
	for id := range subset {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	indegree := make(map[string]int, len(ids))
	for _, id := range ids {
		indegree[id] = 0
	}
	for _, id := range ids {
		for dependent := range g.forward[id] {
			if _, inSubset := subset[dependent]; inSubset {
				indegree[dependent]++
			}
		}
	}

	ready := make([]string, 0, len(ids))
	for _, id := range ids {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(ids))
	for len(ready) > 0 {
		// ids entered ready in lexical order; keep it that way as we append.
		sort.Strings(ready)
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for dependent := range g.forward[next] {
			if _, inSubset := subset[dependent]; !inSubset {
				continue
			}
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(ids) {
		g.logger.Warn("dependency cycle detected, falling back to lexical compile order",
			"subset_size", len(ids), "ordered", len(order))
		return ids
	}

	return order
}

// extractReferences pulls candidate rule ids out of rule source text. The
// data.<name> pass catches document references; the bare-identifier pass
// catches rules that mention another rule id verbatim.
func extractReferences(content string) []string {
	seen := make(map[string]struct{})
	var refs []string

	for _, match := range referencePattern.FindAllStringSubmatch(content, -1) {
		name := match[1]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		refs = append(refs, name)
	}

	for _, token := range identPattern.FindAllString(content, -1) {
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		refs = append(refs, token)
	}

	return refs
}
