package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/policyforge/govcore/pkg/domain"
)

func verifiedRule(id, content string, version int) domain.PolicyRule {
	return domain.PolicyRule{
		ID:                 id,
		Content:            content,
		Version:            version,
		VerificationStatus: domain.VerificationStatusVerified,
	}
}

func knownFrom(rules ...domain.PolicyRule) map[string]KnownRule {
	known := make(map[string]KnownRule, len(rules))
	for _, r := range rules {
		known[r.ID] = KnownRule{ContentHash: r.Hash(), Version: r.Version}
	}
	return known
}

func TestAnalyzeChangesFirstCompile(t *testing.T) {
	rules := []domain.PolicyRule{
		verifiedRule("rbac", "package rbac\n\nallow := true\n", 1),
		verifiedRule("audit", "package audit\n\nallow := true\n", 1),
	}

	changes := AnalyzeChanges(rules, nil)

	assert.Len(t, changes.Added, 2)
	assert.Empty(t, changes.Modified)
	assert.Empty(t, changes.Deleted)
	assert.Empty(t, changes.MetadataChanged)
	assert.Equal(t, 2, changes.Total())
}

func TestAnalyzeChangesNoChanges(t *testing.T) {
	rules := []domain.PolicyRule{
		verifiedRule("rbac", "package rbac\n\nallow := true\n", 1),
	}

	changes := AnalyzeChanges(rules, knownFrom(rules...))

	assert.True(t, changes.Empty())
	assert.Empty(t, changes.MetadataChanged)
}

func TestAnalyzeChangesModified(t *testing.T) {
	prev := verifiedRule("rbac", "package rbac\n\nallow := true\n", 1)
	next := verifiedRule("rbac", "package rbac\n\nallow := false\n", 2)

	changes := AnalyzeChanges([]domain.PolicyRule{next}, knownFrom(prev))

	require.Contains(t, changes.Modified, "rbac")
	assert.Equal(t, next.Content, changes.Modified["rbac"])
	assert.Empty(t, changes.Added)
	assert.Empty(t, changes.MetadataChanged)
}

func TestAnalyzeChangesDeleted(t *testing.T) {
	prev := []domain.PolicyRule{
		verifiedRule("rbac", "package rbac\n\nallow := true\n", 1),
		verifiedRule("audit", "package audit\n\nallow := true\n", 1),
	}

	changes := AnalyzeChanges(prev[:1], knownFrom(prev...))

	assert.Equal(t, []string{"audit"}, changes.Deleted)
	assert.False(t, changes.Empty())
}

func TestAnalyzeChangesMetadataOnly(t *testing.T) {
	prev := verifiedRule("rbac", "package rbac\n\nallow := true\n", 1)
	bumped := verifiedRule("rbac", prev.Content, 2)

	changes := AnalyzeChanges([]domain.PolicyRule{bumped}, knownFrom(prev))

	assert.Equal(t, []string{"rbac"}, changes.MetadataChanged)
	assert.True(t, changes.Empty(), "metadata-only changes must not count as content changes")
}

func TestAnalyzeChangesIgnoresStaleContentHashField(t *testing.T) {
	// A caller-populated ContentHash never wins over the actual content.
	prev := verifiedRule("rbac", "package rbac\n\nallow := true\n", 1)
	next := verifiedRule("rbac", prev.Content, 1)
	next.ContentHash = "deadbeef"

	changes := AnalyzeChanges([]domain.PolicyRule{next}, knownFrom(prev))

	assert.True(t, changes.Empty())
}

func TestAnalyzeChangesDeterministicOrdering(t *testing.T) {
	prev := []domain.PolicyRule{
		verifiedRule("zeta", "package zeta\n", 1),
		verifiedRule("alpha", "package alpha\n", 1),
		verifiedRule("mid", "package mid\n", 1),
	}

	changes := AnalyzeChanges(nil, knownFrom(prev...))

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, changes.Deleted)
}
