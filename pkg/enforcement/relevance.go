package enforcement

import (
	"strings"

	"github.com/policyforge/govcore/pkg/domain"
)

const (
	relevanceUserWeight      = 0.3
	relevanceActionWeight    = 0.3
	relevanceResourceWeight  = 0.2
	relevanceEnvFactorWeight = 0.1

	// relevanceFloor drops rules whose score never clears incidental noise.
	relevanceFloor = 0.1
)

// relevanceScore rates how strongly one rule relates to the request context.
// Literal substring matching is deliberate: rule text that never mentions the
// user, action, resource, or environment keys cannot decide anything about
// them. Scores are capped at 1.0.
func relevanceScore(rule domain.PolicyRule, ectx domain.EnforcementContext) float64 {
	content := strings.ToLower(rule.Content)
	score := 0.0

	if contains(content, ectx.UserID) {
		score += relevanceUserWeight
	}
	if contains(content, ectx.ActionType) {
		score += relevanceActionWeight
	}
	if contains(content, ectx.ResourceID) {
		score += relevanceResourceWeight
	}
	for key := range ectx.EnvironmentFactors {
		if contains(content, key) {
			score += relevanceEnvFactorWeight
		}
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}

// filterRelevant keeps the rules scoring above the relevance floor, in input
// order.
func filterRelevant(rules []domain.PolicyRule, ectx domain.EnforcementContext) []domain.PolicyRule {
	filtered := make([]domain.PolicyRule, 0, len(rules))
	for _, rule := range rules {
		if relevanceScore(rule, ectx) > relevanceFloor {
			filtered = append(filtered, rule)
		}
	}
	return filtered
}

func contains(content, needle string) bool {
	if needle == "" {
		return false
	}
	return strings.Contains(content, strings.ToLower(needle))
}
