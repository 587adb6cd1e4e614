package enforcement

import (
	"github.com/policyforge/govcore/pkg/domain"
	"github.com/policyforge/govcore/pkg/engine"
)

const (
	constitutionalRiskPerRequirement = 0.6
	performanceBenefitPerPolicy      = 0.02
	performanceBenefitPerEnvFactor   = 0.05
	performanceBenefitCap            = 0.8

	constitutionalRiskGate    = 0.5
	performanceBenefitGate    = 0.1
	optimizationPotentialGate = 0.7

	adaptiveRiskGate      = 0.3
	adaptiveBenefitGate   = 0.2
	adaptivePotentialGate = 0.5
)

// strategyScores holds the three heuristic signals behind strategy selection.
type strategyScores struct {
	constitutionalRisk    float64
	performanceBenefit    float64
	optimizationPotential float64
}

func computeScores(ectx domain.EnforcementContext, policyCount int) strategyScores {
	risk := float64(len(ectx.ConstitutionalRequirements)) * constitutionalRiskPerRequirement
	if risk > 1.0 {
		risk = 1.0
	}

	benefit := float64(policyCount)*performanceBenefitPerPolicy +
		float64(len(ectx.EnvironmentFactors))*performanceBenefitPerEnvFactor
	if benefit > performanceBenefitCap {
		benefit = performanceBenefitCap
	}

	var potential float64
	switch {
	case policyCount > 10:
		potential = 0.8
	case policyCount > 5:
		potential = 0.6
	default:
		potential = 0.4
	}

	return strategyScores{
		constitutionalRisk:    risk,
		performanceBenefit:    benefit,
		optimizationPotential: potential,
	}
}

// selectStrategy picks the enforcement path. The decision is deterministic
// given its inputs; callers rely on identical contexts selecting identical
// strategies so cached results stay byte-identical.
func selectStrategy(ectx domain.EnforcementContext, hints domain.OptimizationHints, scores strategyScores, optimizationEnabled bool) domain.EnforcementStrategy {
	constitutional := len(ectx.ConstitutionalRequirements) > 0

	if constitutional && scores.constitutionalRisk > constitutionalRiskGate {
		return domain.StrategyConstitutionalPriority
	}

	performanceConstrained := len(ectx.PerformanceConstraints) > 0 || hints.PreferPerformance || hints.MaxLatencyHintMs != nil
	if performanceConstrained && scores.performanceBenefit > performanceBenefitGate {
		return domain.StrategyPerformanceFocused
	}

	highPriority := ectx.PriorityLevel == domain.PriorityHigh || ectx.PriorityLevel == domain.PriorityCritical
	if highPriority && scores.optimizationPotential > optimizationPotentialGate {
		return domain.StrategyOptimized
	}

	if scores.constitutionalRisk > adaptiveRiskGate &&
		scores.performanceBenefit > adaptiveBenefitGate &&
		scores.optimizationPotential > adaptivePotentialGate {
		return domain.StrategyAdaptive
	}

	if optimizationEnabled {
		return domain.StrategyOptimized
	}
	return domain.StrategyStandard
}

// explainFor maps a strategy to the engine evaluation options it uses.
func explainFor(strategy domain.EnforcementStrategy) (explain engine.ExplainMode, wantMetrics bool) {
	switch strategy {
	case domain.StrategyConstitutionalPriority:
		return engine.ExplainFull, true
	case domain.StrategyPerformanceFocused:
		return engine.ExplainOff, false
	default:
		return engine.ExplainNotes, true
	}
}
