// Package govern wires the compilation and enforcement paths into one
// service. It is the surface the governance and request-handling
// collaborators talk to; they never reach the planner, graph, or engine
// client directly.
package govern

import (
	"context"
	"log/slog"
	"sync"

	"github.com/policyforge/govcore/pkg/compiler"
	"github.com/policyforge/govcore/pkg/domain"
	"github.com/policyforge/govcore/pkg/enforcement"
	"github.com/policyforge/govcore/pkg/engine"
	"github.com/policyforge/govcore/pkg/telemetry"
)

// CompilationStats is the observability view over the compile path.
type CompilationStats struct {
	TotalCompilations int64                     `json:"total_compilations"`
	LastMetrics       domain.CompilationMetrics `json:"last_metrics"`
	BundleRevision    int64                     `json:"bundle_revision"`
	KnownRules        int                       `json:"known_rules"`
}

// Service owns the compile-path state: the previously compiled hash map and
// the dependency graph rebuilt per call. Compile calls are serialized by the
// internal mutex; enforcement calls run concurrently through the optimizer.
type Service struct {
	client    *engine.Client
	optimizer *enforcement.Optimizer
	logger    *slog.Logger

	mu           sync.Mutex
	known        map[string]compiler.KnownRule
	compilations int64
	lastMetrics  domain.CompilationMetrics
}

// NewService constructs the facade over an engine client and optimizer.
func NewService(client *engine.Client, optimizer *enforcement.Optimizer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		client:    client,
		optimizer: optimizer,
		logger:    logger,
		known:     make(map[string]compiler.KnownRule),
	}
}

// CompilePolicies diffs the rule list against the previously compiled state,
// plans a dependency-correct compilation, and applies it to the engine. Only
// verified rules are eligible. A failed call leaves the previously compiled
// state active; the known-hash map is only advanced after every upload and
// delete succeeded.
func (s *Service) CompilePolicies(ctx context.Context, rules []domain.PolicyRule, forceFull bool) (domain.CompilationMetrics, error) {
	verified := filterVerified(rules)
	if len(verified) == 0 {
		return domain.CompilationMetrics{}, &domain.ConfigurationError{Reason: "no verified rules available for compilation"}
	}
	if skipped := len(rules) - len(verified); skipped > 0 {
		s.logger.Warn("skipping unverified rules", "count", skipped)
	}

	if err := compiler.ValidateRules(verified); err != nil {
		return domain.CompilationMetrics{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	changes := compiler.AnalyzeChanges(verified, s.known)
	graph := compiler.BuildDependencyGraph(verified, s.logger)

	knownIDs := make([]string, 0, len(verified))
	for _, rule := range verified {
		knownIDs = append(knownIDs, rule.ID)
	}

	plan := compiler.Plan(changes, graph, knownIDs, forceFull)
	incremental := plan.Strategy != domain.StrategyFull

	metrics, err := s.client.UploadBundle(ctx, plan, verified, incremental)
	if err != nil {
		return domain.CompilationMetrics{}, err
	}

	for _, id := range changes.Deleted {
		if err := s.client.DeletePolicy(ctx, id); err != nil {
			return domain.CompilationMetrics{}, err
		}
	}

	// Enforcement results computed against the old rule set are stale now.
	s.optimizer.Invalidate(plan.CacheInvalidations)

	next := make(map[string]compiler.KnownRule, len(verified))
	for _, rule := range verified {
		next[rule.ID] = compiler.KnownRule{ContentHash: rule.Hash(), Version: rule.Version}
	}
	s.known = next
	s.compilations++
	s.lastMetrics = metrics

	telemetry.RecordCompilation(ctx, telemetry.CompilationEvent{
		Strategy:      string(plan.Strategy),
		PolicyCount:   metrics.PolicyCount,
		Incremental:   metrics.Incremental,
		DurationMs:    metrics.CompilationTimeMs,
		CacheHitRatio: metrics.CacheHitRatio,
	})

	s.logger.Info("compilation complete",
		"strategy", string(plan.Strategy),
		"planned", len(plan.CompilationOrder),
		"uploaded", metrics.PolicyCount,
		"deleted", len(changes.Deleted),
		"cache_hit_ratio", metrics.CacheHitRatio)

	return metrics, nil
}

// OptimizeEnforcement serves one authorization decision. It never returns an
// error: failures come back as fail-closed deny results.
func (s *Service) OptimizeEnforcement(ctx context.Context, ectx domain.EnforcementContext, rules []domain.PolicyRule, hints domain.OptimizationHints) domain.EnforcementResult {
	verified := filterVerified(rules)
	result := s.optimizer.Enforce(ctx, ectx, verified, hints)

	telemetry.RecordEnforcement(ctx, telemetry.EnforcementEvent{
		Strategy:   string(result.StrategyUsed),
		Decision:   string(result.Decision),
		DurationMs: result.Metrics.EnforcementTimeMs,
		Fallback:   len(result.Errors) > 0,
	})
	return result
}

// CompilationMetrics is a pure read accessor over the compile-path counters.
func (s *Service) CompilationMetrics() CompilationStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CompilationStats{
		TotalCompilations: s.compilations,
		LastMetrics:       s.lastMetrics,
		BundleRevision:    s.client.Revision(),
		KnownRules:        len(s.known),
	}
}

// EnforcementPerformanceSummary is a pure read accessor over the enforcement
// counters.
func (s *Service) EnforcementPerformanceSummary() enforcement.PerformanceSummary {
	return s.optimizer.PerformanceSummary()
}

// FlushCaches drops the engine client's content-hash entries and every cached
// enforcement decision, forcing the next compile to re-upload everything.
// Intended for operator use after an engine restart or bundle wipe.
func (s *Service) FlushCaches() {
	s.mu.Lock()
	keys := make(map[string]struct{}, 2*len(s.known))
	for id := range s.known {
		keys[compiler.CompiledCacheKey(id)] = struct{}{}
		keys[compiler.EvaluatedCacheKey(id)] = struct{}{}
	}
	s.mu.Unlock()

	s.client.Invalidate(keys)
	s.optimizer.FlushCaches()
}

// EngineHealthy probes the engine's liveness endpoint.
func (s *Service) EngineHealthy(ctx context.Context) error {
	return s.client.Health(ctx)
}

func filterVerified(rules []domain.PolicyRule) []domain.PolicyRule {
	verified := make([]domain.PolicyRule, 0, len(rules))
	for _, rule := range rules {
		if rule.Verified() {
			verified = append(verified, rule)
		}
	}
	return verified
}
