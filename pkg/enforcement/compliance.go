package enforcement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"sort"
	"strings"

	"github.com/policyforge/govcore/pkg/domain"
)

// defaultComplianceThreshold is the minimum score for a request to count as
// constitutionally compliant.
const defaultComplianceThreshold = 0.85

// ComplianceVerifier scores how well a candidate rule set satisfies the
// request's constitutional requirements.
type ComplianceVerifier interface {
	Verify(ctx context.Context, ectx domain.EnforcementContext, rules []domain.PolicyRule) (float64, error)
}

// CoverageVerifier is the default verifier: the score reflects how many of
// the named requirements any rule in the set actually addresses. A
// requirement is covered when its tag appears in some rule's content.
type CoverageVerifier struct{}

const (
	coverageBaseScore = 0.6
	coverageSpan      = 0.4
)

// Verify returns a score in [0.6, 1.0]: full coverage reaches 1.0,
// no coverage stays at the base, below the compliance threshold.
func (CoverageVerifier) Verify(_ context.Context, ectx domain.EnforcementContext, rules []domain.PolicyRule) (float64, error) {
	requirements := ectx.ConstitutionalRequirements
	if len(requirements) == 0 {
		return 1.0, nil
	}

	covered := 0
	for _, requirement := range requirements {
		tag := strings.ToLower(requirement)
		for _, rule := range rules {
			if strings.Contains(strings.ToLower(rule.Content), tag) {
				covered++
				break
			}
		}
	}

	coverage := float64(covered) / float64(len(requirements))
	return coverageBaseScore + coverageSpan*coverage, nil
}

// complianceCacheKey derives the compliance-cache key from the user, action,
// the policy ids under consideration, and the requirement tags. Fields are
// null-delimited inside a sha256 so no combination of values can collide by
// concatenation.
func complianceCacheKey(ectx domain.EnforcementContext, policyIDs []string) string {
	ids := append([]string(nil), policyIDs...)
	sort.Strings(ids)
	requirements := append([]string(nil), ectx.ConstitutionalRequirements...)
	sort.Strings(requirements)

	h := sha256.New()
	writeKeyField(h, ectx.UserID)
	writeKeyField(h, ectx.ActionType)
	writeKeyField(h, strings.Join(ids, ","))
	writeKeyField(h, strings.Join(requirements, ","))
	return hex.EncodeToString(h.Sum(nil))
}

func writeKeyField(h hash.Hash, value string) {
	h.Write([]byte(value))
	h.Write([]byte{0})
}
