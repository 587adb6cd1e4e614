package domain

import "fmt"

// PriorityLevel ranks the urgency of an enforcement request.
type PriorityLevel string

const (
	PriorityNormal   PriorityLevel = "normal"
	PriorityHigh     PriorityLevel = "high"
	PriorityCritical PriorityLevel = "critical"
)

// EnforcementStrategy identifies the optimisation path used for a request.
type EnforcementStrategy string

const (
	// StrategyStandard evaluates without optimisation.
	StrategyStandard EnforcementStrategy = "standard"
	// StrategyPerformanceFocused trades explanation depth for latency.
	StrategyPerformanceFocused EnforcementStrategy = "performance_focused"
	// StrategyConstitutionalPriority requests a full explanation trace and
	// verifies compliance before deciding.
	StrategyConstitutionalPriority EnforcementStrategy = "constitutional_priority"
	// StrategyOptimized is the generic optimised path.
	StrategyOptimized EnforcementStrategy = "optimized"
	// StrategyAdaptive blends the heuristics when no single signal dominates.
	StrategyAdaptive EnforcementStrategy = "adaptive"
)

// Decision is the outcome of an enforcement request.
type Decision string

const (
	DecisionPermit      Decision = "permit"
	DecisionDeny        Decision = "deny"
	DecisionConditional Decision = "conditional"
)

// EnforcementContext carries everything known about one authorization
// request. Constructed per request and treated as immutable afterwards.
type EnforcementContext struct {
	UserID                     string            `json:"user_id"`
	ActionType                 string            `json:"action_type"`
	ResourceID                 string            `json:"resource_id"`
	EnvironmentFactors         map[string]string `json:"environment_factors,omitempty"`
	PriorityLevel              PriorityLevel     `json:"priority_level"`
	ConstitutionalRequirements []string          `json:"constitutional_requirements,omitempty"`
	PerformanceConstraints     map[string]float64 `json:"performance_constraints,omitempty"`
}

// EnforcementMetrics describes how one enforcement request was served.
type EnforcementMetrics struct {
	EnforcementTimeMs   float64 `json:"enforcement_time_ms"`
	CacheHitRate        float64 `json:"cache_hit_rate"`
	PoliciesEvaluated   int     `json:"policies_evaluated"`
	PoliciesFiltered    int     `json:"policies_filtered"`
	OptimizationApplied bool    `json:"optimization_applied"`
	AccuracyEstimate    float64 `json:"accuracy_estimate"`
}

// EnforcementResult is the hot-path response shape. Failures never surface as
// errors to the caller: a failed request comes back as a deny with Errors
// populated.
type EnforcementResult struct {
	Decision                 Decision            `json:"decision"`
	Reason                   string              `json:"reason"`
	ConfidenceScore          float64             `json:"confidence_score"`
	ConstitutionalCompliance bool                `json:"constitutional_compliance"`
	StrategyUsed             EnforcementStrategy `json:"strategy_used"`
	MatchingRules            []string            `json:"matching_rules,omitempty"`
	Warnings                 []string            `json:"warnings,omitempty"`
	Errors                   []string            `json:"errors,omitempty"`
	Metrics                  EnforcementMetrics  `json:"metrics"`
}

// OptimizationHints carries optional caller preferences for one enforcement
// request. Named fields replace the ad hoc string-keyed hint maps used by
// earlier revisions of this pipeline.
type OptimizationHints struct {
	PreferPerformance bool
	MaxLatencyHintMs  *int
	DisableCache      bool
}

// Validate rejects hint combinations that cannot be honoured.
func (h OptimizationHints) Validate() error {
	if h.MaxLatencyHintMs != nil && *h.MaxLatencyHintMs <= 0 {
		return fmt.Errorf("%w: max latency hint must be positive, got %d", ErrInvalidHints, *h.MaxLatencyHintMs)
	}
	return nil
}
