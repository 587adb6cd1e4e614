package compiler

import (
	"github.com/policyforge/govcore/pkg/domain"
)

const (
	// fullCompileChangeRatio forces a full compile when more than half the
	// known rule set changed in one call.
	fullCompileChangeRatio = 0.5
	// fanOutThreshold forces a full compile when a changed rule has more than
	// this many transitive dependents; partial invalidation bookkeeping stops
	// being worth it at that point.
	fanOutThreshold = 5
	// incrementalSetLimit is the largest to-compile set still labelled
	// incremental rather than partial.
	incrementalSetLimit = 5

	baseCompileOverheadMs int64 = 25
	perRuleCompileMs      int64 = 8
)

// Plan computes a compilation plan for the given change set. knownIDs is the
// full id set after the change is applied (previously known plus added, minus
// deleted). The planner has no side effects; applying the plan belongs to the
// engine client.
func Plan(changes domain.ChangeSet, graph *DependencyGraph, knownIDs []string, forceFull bool) domain.CompilationPlan {
	priorCount := len(knownIDs) - len(changes.Added) + len(changes.Deleted)

	full := forceFull || priorCount <= 0
	if !full && priorCount > 0 {
		ratio := float64(changes.Total()) / float64(priorCount)
		full = ratio > fullCompileChangeRatio
	}
	if !full {
		full = anyWideFanOut(changes, graph)
	}

	if full {
		return fullPlan(changes, graph, knownIDs)
	}
	return partialPlan(changes, graph)
}

func anyWideFanOut(changes domain.ChangeSet, graph *DependencyGraph) bool {
	check := func(id string) bool {
		return len(graph.DependentsOf(id)) > fanOutThreshold
	}
	for id := range changes.Modified {
		if check(id) {
			return true
		}
	}
	for _, id := range changes.Deleted {
		if check(id) {
			return true
		}
	}
	return false
}

func fullPlan(changes domain.ChangeSet, graph *DependencyGraph, knownIDs []string) domain.CompilationPlan {
	toCompile := make(map[string]struct{}, len(knownIDs))
	invalidations := make(map[string]struct{}, 2*len(knownIDs))
	for _, id := range knownIDs {
		toCompile[id] = struct{}{}
		invalidations[CompiledCacheKey(id)] = struct{}{}
		invalidations[EvaluatedCacheKey(id)] = struct{}{}
	}
	// A full compile flushes everything, including entries for rules that
	// just disappeared from the set.
	for _, id := range changes.Deleted {
		invalidations[CompiledCacheKey(id)] = struct{}{}
		invalidations[EvaluatedCacheKey(id)] = struct{}{}
	}

	return domain.CompilationPlan{
		Strategy:           domain.StrategyFull,
		PoliciesToCompile:  toCompile,
		CompilationOrder:   graph.TopologicalOrder(toCompile),
		CacheInvalidations: invalidations,
		EstimatedTimeMs:    estimateTimeMs(len(toCompile)),
	}
}

func partialPlan(changes domain.ChangeSet, graph *DependencyGraph) domain.CompilationPlan {
	toCompile := make(map[string]struct{}, changes.Total())
	for id := range changes.Added {
		toCompile[id] = struct{}{}
	}
	for id := range changes.Modified {
		toCompile[id] = struct{}{}
	}

	// Dependents of anything recompiled must recompile too; their compiled
	// output references the changed rule.
	affected := make(map[string]struct{})
	for id := range toCompile {
		for _, dependent := range graph.DependentsOf(id) {
			affected[dependent] = struct{}{}
		}
	}
	for id := range affected {
		toCompile[id] = struct{}{}
	}

	invalidations := make(map[string]struct{}, 2*len(toCompile))
	for id := range toCompile {
		invalidations[CompiledCacheKey(id)] = struct{}{}
		invalidations[EvaluatedCacheKey(id)] = struct{}{}
	}
	// Deleted rules are never recompiled, but anything evaluated against them
	// is stale.
	for _, id := range changes.Deleted {
		invalidations[CompiledCacheKey(id)] = struct{}{}
		invalidations[EvaluatedCacheKey(id)] = struct{}{}
		for _, dependent := range graph.DependentsOf(id) {
			invalidations[EvaluatedCacheKey(dependent)] = struct{}{}
		}
	}

	strategy := domain.StrategyPartial
	if len(toCompile) < incrementalSetLimit {
		strategy = domain.StrategyIncremental
	}

	return domain.CompilationPlan{
		Strategy:           strategy,
		PoliciesToCompile:  toCompile,
		CompilationOrder:   graph.TopologicalOrder(toCompile),
		CacheInvalidations: invalidations,
		EstimatedTimeMs:    estimateTimeMs(len(toCompile)),
	}
}

// estimateTimeMs is a linear reporting model, never used for correctness
// decisions.
func estimateTimeMs(count int) int64 {
	return baseCompileOverheadMs + perRuleCompileMs*int64(count)
}

// CompiledCacheKey names the compiled-artifact cache entry for a rule.
func CompiledCacheKey(id string) string { return "compiled:" + id }

// EvaluatedCacheKey names the evaluation cache entry for a rule.
func EvaluatedCacheKey(id string) string { return "evaluated:" + id }
