package enforcement

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/policyforge/govcore/pkg/domain"
)

func TestRelevanceScoreWeights(t *testing.T) {
	ectx := domain.EnforcementContext{
		UserID:             "alice",
		ActionType:         "read",
		ResourceID:         "doc-7",
		EnvironmentFactors: map[string]string{"region": "eu"},
	}

	rule := domain.PolicyRule{Content: "package p\n# alice may read doc-7 in region eu\n"}
	assert.InDelta(t, 0.9, relevanceScore(rule, ectx), 1e-9)

	rule = domain.PolicyRule{Content: "package p\n# alice only\n"}
	assert.InDelta(t, 0.3, relevanceScore(rule, ectx), 1e-9)

	rule = domain.PolicyRule{Content: "package p\n# nothing matches\n"}
	assert.InDelta(t, 0.0, relevanceScore(rule, ectx), 1e-9)
}

func TestRelevanceScoreCaseInsensitive(t *testing.T) {
	ectx := domain.EnforcementContext{UserID: "Alice"}
	rule := domain.PolicyRule{Content: "package p\n# ALICE\n"}

	assert.InDelta(t, 0.3, relevanceScore(rule, ectx), 1e-9)
}

func TestRelevanceScoreCapped(t *testing.T) {
	factors := map[string]string{}
	content := "package p\n# alice read doc-7"
	for _, key := range []string{"k1", "k2", "k3", "k4", "k5"} {
		factors[key] = "v"
		content += " " + key
	}
	ectx := domain.EnforcementContext{
		UserID: "alice", ActionType: "read", ResourceID: "doc-7",
		EnvironmentFactors: factors,
	}

	assert.InDelta(t, 1.0, relevanceScore(domain.PolicyRule{Content: content}, ectx), 1e-9)
}

func TestRelevanceEmptyContextFieldsNeverMatch(t *testing.T) {
	// An empty needle must not count as contained in everything.
	score := relevanceScore(domain.PolicyRule{Content: "package p\n"}, domain.EnforcementContext{})
	assert.Zero(t, score)
}

func TestFilterRelevantKeepsInputOrder(t *testing.T) {
	ectx := domain.EnforcementContext{UserID: "alice", ActionType: "read"}
	rules := []domain.PolicyRule{
		{ID: "a", Content: "# alice read"},
		{ID: "b", Content: "# unrelated"},
		{ID: "c", Content: "# read policy"},
	}

	filtered := filterRelevant(rules, ectx)

	ids := make([]string, 0, len(filtered))
	for _, r := range filtered {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"a", "c"}, ids)
}

func TestFilterRelevantDropsBelowFloor(t *testing.T) {
	// An env-factor-only match scores exactly 0.1 and the floor is strict.
	ectx := domain.EnforcementContext{EnvironmentFactors: map[string]string{"region": "eu"}}
	rules := []domain.PolicyRule{{ID: "a", Content: "# region check"}}

	assert.Empty(t, filterRelevant(rules, ectx))
}
