package enforcement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/policyforge/govcore/pkg/domain"
	"github.com/policyforge/govcore/pkg/engine"
)

const (
	defaultCacheTTL     = 5 * time.Minute
	defaultDecisionPath = "govcore/authz/decision"

	baseConfidence        = 0.8
	constitutionalBonus   = 0.1
	constitutionalPenalty = 0.3
	optimizedBonus        = 0.05
	performancePenalty    = 0.05
	timingAdjustment      = 0.05
	fastEvalThresholdMs   = 10.0
	slowEvalThresholdMs   = 100.0
)

// Options configure an Optimizer. Evaluator is the only required field.
type Options struct {
	Evaluator engine.Evaluator
	// Verifier scores constitutional compliance. Defaults to CoverageVerifier.
	Verifier ComplianceVerifier
	// DecisionPath is the engine query evaluated per request.
	DecisionPath string
	// CacheTTL bounds the lifetime of cached decisions and compliance scores.
	CacheTTL time.Duration
	// ComplianceThreshold is the minimum score counted as compliant.
	ComplianceThreshold float64
	// DisableOptimization forces the standard strategy whenever no heuristic
	// picks a specific one.
	DisableOptimization bool
	// Clock overrides time.Now, for TTL tests.
	Clock  func() time.Time
	Logger *slog.Logger
}

// PerformanceSummary is a read-only view over the optimizer's counters.
type PerformanceSummary struct {
	TotalRequests        int64            `json:"total_requests"`
	CacheHits            int64            `json:"cache_hits"`
	Fallbacks            int64            `json:"fallbacks"`
	CacheHitRate         float64          `json:"cache_hit_rate"`
	AvgEnforcementTimeMs float64          `json:"avg_enforcement_time_ms"`
	StrategyCounts       map[string]int64 `json:"strategy_counts"`
}

type cachedDecision struct {
	result  domain.EnforcementResult
	ruleIDs []string
}

// Optimizer serves enforcement requests. All shared state (the decision and
// compliance caches, the counters) is mutex-guarded; requests may run
// concurrently.
type Optimizer struct {
	evaluator           engine.Evaluator
	verifier            ComplianceVerifier
	decisionPath        string
	complianceThreshold float64
	optimizationEnabled bool
	clock               func() time.Time
	logger              *slog.Logger

	decisions  *ttlStore[cachedDecision]
	compliance *ttlStore[float64]

	mu             sync.Mutex
	totalRequests  int64
	cacheHits      int64
	fallbacks      int64
	totalTimeMs    float64
	strategyCounts map[domain.EnforcementStrategy]int64
}

// NewOptimizer constructs an Optimizer with defaults applied.
func NewOptimizer(opts Options) (*Optimizer, error) {
	if opts.Evaluator == nil {
		return nil, &domain.ConfigurationError{Reason: "enforcement optimizer requires an evaluator"}
	}

	verifier := opts.Verifier
	if verifier == nil {
		verifier = CoverageVerifier{}
	}

	path := strings.TrimSpace(opts.DecisionPath)
	if path == "" {
		path = defaultDecisionPath
	}

	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	threshold := opts.ComplianceThreshold
	if threshold <= 0 {
		threshold = defaultComplianceThreshold
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Optimizer{
		evaluator:           opts.Evaluator,
		verifier:            verifier,
		decisionPath:        path,
		complianceThreshold: threshold,
		optimizationEnabled: !opts.DisableOptimization,
		clock:               clock,
		logger:              logger,
		decisions:           newTTLStore[cachedDecision](ttl, clock),
		compliance:          newTTLStore[float64](ttl, clock),
		strategyCounts:      make(map[domain.EnforcementStrategy]int64),
	}, nil
}

// Enforce produces an authorization decision for the context against the
// supplied rule set. It never returns an error: any failure along the
// pipeline yields a fail-closed deny with Errors populated.
func (o *Optimizer) Enforce(ctx context.Context, ectx domain.EnforcementContext, rules []domain.PolicyRule, hints domain.OptimizationHints) domain.EnforcementResult {
	start := o.clock()

	if err := hints.Validate(); err != nil {
		return o.fallback(domain.StrategyStandard, err, start)
	}

	key := decisionCacheKey(ectx)
	if !hints.DisableCache {
		if cached, ok := o.decisions.Get(key); ok {
			o.recordHit()
			return cached.result
		}
	}

	result, ruleIDs, err := o.decide(ctx, ectx, rules, hints, start)
	if err != nil {
		return o.fallback(result.StrategyUsed, err, start)
	}

	if !hints.DisableCache {
		o.decisions.Put(key, cachedDecision{result: result, ruleIDs: ruleIDs})
	}
	return result
}

// decide runs the optimisation pipeline. The partially filled result carries
// the selected strategy so the fallback path can report it.
func (o *Optimizer) decide(ctx context.Context, ectx domain.EnforcementContext, rules []domain.PolicyRule, hints domain.OptimizationHints, start time.Time) (domain.EnforcementResult, []string, error) {
	scores := computeScores(ectx, len(rules))
	strategy := selectStrategy(ectx, hints, scores, o.optimizationEnabled)
	result := domain.EnforcementResult{StrategyUsed: strategy}

	filtered := filterRelevant(rules, ectx)
	ruleIDs := make([]string, 0, len(filtered))
	for _, rule := range filtered {
		ruleIDs = append(ruleIDs, rule.ID)
	}

	compliant, complianceScore, warnings := o.verifyCompliance(ctx, ectx, filtered, ruleIDs)

	explain, wantMetrics := explainFor(strategy)
	input := evaluationInput(ectx, ruleIDs)

	evalResult, err := o.evaluator.Evaluate(ctx, o.decisionPath, input, explain, wantMetrics)
	if err != nil {
		return result, nil, err
	}

	allow, reason := parseAllow(evalResult.Result)
	decision, extraWarnings := mapDecision(allow, compliant, ectx)
	warnings = append(warnings, extraWarnings...)

	evalTimeMs := evalResult.EvalTimeMs()
	confidence := confidenceScore(strategy, compliant, evalTimeMs)

	elapsedMs := float64(o.clock().Sub(start)) / float64(time.Millisecond)
	o.recordRequest(strategy, elapsedMs)

	result = domain.EnforcementResult{
		Decision:                 decision,
		Reason:                   reason,
		ConfidenceScore:          confidence,
		ConstitutionalCompliance: compliant,
		StrategyUsed:             strategy,
		Warnings:                 warnings,
		Metrics: domain.EnforcementMetrics{
			EnforcementTimeMs:   elapsedMs,
			CacheHitRate:        o.cacheHitRate(),
			PoliciesEvaluated:   len(filtered),
			PoliciesFiltered:    len(rules) - len(filtered),
			OptimizationApplied: strategy != domain.StrategyStandard,
			AccuracyEstimate:    confidence,
		},
	}
	if strategy == domain.StrategyConstitutionalPriority {
		result.MatchingRules = ruleIDs
	}

	o.logger.Debug("enforcement decided",
		"decision", string(decision),
		"strategy", string(strategy),
		"compliance_score", complianceScore,
		"policies_evaluated", len(filtered),
		"decision_id", evalResult.DecisionID)

	return result, ruleIDs, nil
}

// verifyCompliance scores the filtered rule set against the context's
// constitutional requirements, consulting the compliance cache first. An
// unreachable verifier degrades to compliant-by-default with a warning so
// legitimate traffic is not blocked by an observability outage.
func (o *Optimizer) verifyCompliance(ctx context.Context, ectx domain.EnforcementContext, filtered []domain.PolicyRule, ruleIDs []string) (bool, float64, []string) {
	if len(ectx.ConstitutionalRequirements) == 0 {
		return true, 1.0, nil
	}

	key := complianceCacheKey(ectx, ruleIDs)
	if score, ok := o.compliance.Get(key); ok {
		return score >= o.complianceThreshold, score, nil
	}

	score, err := o.verifier.Verify(ctx, ectx, filtered)
	if err != nil {
		verr := &domain.ComplianceVerificationError{Err: err}
		o.logger.Warn("compliance verifier unavailable, defaulting to compliant", "error", err)
		return true, 0, []string{verr.Error()}
	}

	o.compliance.Put(key, score)
	return score >= o.complianceThreshold, score, nil
}

func (o *Optimizer) fallback(strategy domain.EnforcementStrategy, err error, start time.Time) domain.EnforcementResult {
	if strategy == "" {
		strategy = domain.StrategyStandard
	}
	elapsedMs := float64(o.clock().Sub(start)) / float64(time.Millisecond)

	o.mu.Lock()
	o.totalRequests++
	o.fallbacks++
	o.totalTimeMs += elapsedMs
	o.mu.Unlock()

	o.logger.Error("enforcement pipeline failed, returning fail-closed deny", "error", err, "strategy", string(strategy))

	return domain.EnforcementResult{
		Decision:        domain.DecisionDeny,
		Reason:          "enforcement pipeline failure",
		ConfidenceScore: 0,
		StrategyUsed:    strategy,
		Errors:          []string{err.Error()},
		Metrics: domain.EnforcementMetrics{
			EnforcementTimeMs:   elapsedMs,
			CacheHitRate:        o.cacheHitRate(),
			OptimizationApplied: false,
		},
	}
}

// Invalidate removes cached decisions that were computed against any rule
// named by an "evaluated:" cache key. Compliance scores cannot be matched to
// individual rules once hashed, so any rule-level invalidation clears that
// cache wholesale.
func (o *Optimizer) Invalidate(keys map[string]struct{}) {
	stale := make(map[string]struct{})
	for key := range keys {
		if id, ok := strings.CutPrefix(key, "evaluated:"); ok {
			stale[id] = struct{}{}
		}
	}
	if len(stale) == 0 {
		return
	}

	o.decisions.DeleteFunc(func(_ string, entry cachedDecision) bool {
		for _, id := range entry.ruleIDs {
			if _, ok := stale[id]; ok {
				return true
			}
		}
		return false
	})
	o.compliance.Clear()
}

// FlushCaches drops every cached decision and compliance score.
func (o *Optimizer) FlushCaches() {
	o.decisions.Clear()
	o.compliance.Clear()
}

// PerformanceSummary returns a snapshot of the optimizer's counters.
func (o *Optimizer) PerformanceSummary() PerformanceSummary {
	o.mu.Lock()
	defer o.mu.Unlock()

	summary := PerformanceSummary{
		TotalRequests:  o.totalRequests,
		CacheHits:      o.cacheHits,
		Fallbacks:      o.fallbacks,
		StrategyCounts: make(map[string]int64, len(o.strategyCounts)),
	}
	if o.totalRequests > 0 {
		summary.CacheHitRate = float64(o.cacheHits) / float64(o.totalRequests)
		summary.AvgEnforcementTimeMs = o.totalTimeMs / float64(o.totalRequests)
	}
	for strategy, count := range o.strategyCounts {
		summary.StrategyCounts[string(strategy)] = count
	}
	return summary
}

func (o *Optimizer) recordHit() {
	o.mu.Lock()
	o.totalRequests++
	o.cacheHits++
	o.mu.Unlock()
}

func (o *Optimizer) recordRequest(strategy domain.EnforcementStrategy, elapsedMs float64) {
	o.mu.Lock()
	o.totalRequests++
	o.totalTimeMs += elapsedMs
	o.strategyCounts[strategy]++
	o.mu.Unlock()
}

func (o *Optimizer) cacheHitRate() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.totalRequests == 0 {
		return 0
	}
	return float64(o.cacheHits) / float64(o.totalRequests)
}

// confidenceScore starts from a fixed base and adjusts for the strategy and
// observed evaluation latency, clamped to [0, 1].
func confidenceScore(strategy domain.EnforcementStrategy, compliant bool, evalTimeMs float64) float64 {
	score := baseConfidence

	switch strategy {
	case domain.StrategyConstitutionalPriority:
		if compliant {
			score += constitutionalBonus
		} else {
			score -= constitutionalPenalty
		}
	case domain.StrategyOptimized:
		score += optimizedBonus
	case domain.StrategyPerformanceFocused:
		score -= performancePenalty
	}

	switch {
	case evalTimeMs < fastEvalThresholdMs:
		score += timingAdjustment
	case evalTimeMs > slowEvalThresholdMs:
		score -= timingAdjustment
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// mapDecision converts the engine's allow verdict plus the compliance check
// into the caller-facing decision.
func mapDecision(allow, compliant bool, ectx domain.EnforcementContext) (domain.Decision, []string) {
	if !allow {
		return domain.DecisionDeny, nil
	}
	if len(ectx.ConstitutionalRequirements) > 0 && !compliant {
		return domain.DecisionConditional, []string{"permitted by policy but below the constitutional compliance threshold"}
	}
	return domain.DecisionPermit, nil
}

// parseAllow extracts the boolean verdict from the engine's raw result.
func parseAllow(result any) (bool, string) {
	switch typed := result.(type) {
	case bool:
		if typed {
			return true, "permitted by policy"
		}
		return false, "denied by policy"
	case map[string]any:
		for _, field := range []string{"allow", "result", "permit"} {
			if verdict, ok := typed[field].(bool); ok {
				if verdict {
					return true, "permitted by policy"
				}
				return false, "denied by policy"
			}
		}
		return false, "policy produced no boolean verdict"
	case nil:
		return false, "policy produced no result"
	default:
		return false, "policy produced an unexpected result type"
	}
}

// decisionCacheKey derives the deterministic cache key for one context.
// Fields are null-delimited inside a sha256; environment factors and
// requirements are sorted first so map ordering cannot perturb the key.
func decisionCacheKey(ectx domain.EnforcementContext) string {
	envKeys := make([]string, 0, len(ectx.EnvironmentFactors))
	for key, value := range ectx.EnvironmentFactors {
		envKeys = append(envKeys, key+"="+value)
	}
	sort.Strings(envKeys)

	requirements := append([]string(nil), ectx.ConstitutionalRequirements...)
	sort.Strings(requirements)

	h := sha256.New()
	writeKeyField(h, ectx.UserID)
	writeKeyField(h, ectx.ActionType)
	writeKeyField(h, ectx.ResourceID)
	writeKeyField(h, string(ectx.PriorityLevel))
	writeKeyField(h, strings.Join(envKeys, ","))
	writeKeyField(h, strings.Join(requirements, ","))
	return hex.EncodeToString(h.Sum(nil))
}

// evaluationInput shapes the engine query input from the request context.
func evaluationInput(ectx domain.EnforcementContext, ruleIDs []string) map[string]any {
	env := make(map[string]any, len(ectx.EnvironmentFactors))
	for key, value := range ectx.EnvironmentFactors {
		env[key] = value
	}
	return map[string]any{
		"user_id":                     ectx.UserID,
		"action_type":                 ectx.ActionType,
		"resource_id":                 ectx.ResourceID,
		"environment":                 env,
		"priority":                    string(ectx.PriorityLevel),
		"constitutional_requirements": append([]string(nil), ectx.ConstitutionalRequirements...),
		"policy_ids":                  append([]string(nil), ruleIDs...),
	}
}
