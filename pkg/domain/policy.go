package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

// VerificationStatusVerified marks a rule as eligible for compilation. Rules
// in any other status are skipped by the compile path.
const VerificationStatusVerified = "verified"

// PolicyRule is one governance policy expressed as rule source text. Rules are
// owned by the governance collaborator and are read-only to this core.
type PolicyRule struct {
	ID                 string `json:"id" yaml:"id"`
	Content            string `json:"content" yaml:"content"`
	Version            int    `json:"version" yaml:"version"`
	ContentHash        string `json:"content_hash,omitempty" yaml:"content_hash,omitempty"`
	VerificationStatus string `json:"verification_status" yaml:"verification_status"`
}

// Hash returns the content hash for the rule. The hash is always derived from
// Content; a pre-populated ContentHash field is ignored so that two rules with
// identical content can never disagree.
func (r PolicyRule) Hash() string {
	return HashContent(r.Content)
}

// Verified reports whether the rule may be compiled.
func (r PolicyRule) Verified() bool {
	return r.VerificationStatus == VerificationStatusVerified
}

// HashContent computes the hex-encoded SHA-256 digest of rule source text.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ChangeSet captures the difference between the current rule list and the
// previously compiled state. Created fresh per compilation call.
type ChangeSet struct {
	Added           map[string]string
	Modified        map[string]string
	Deleted         []string
	MetadataChanged []string
}

// Total returns the number of content-affecting changes (added, modified,
// deleted). Metadata-only changes do not trigger recompilation.
func (c ChangeSet) Total() int {
	return len(c.Added) + len(c.Modified) + len(c.Deleted)
}

// Empty reports whether the change set contains no content-affecting changes.
func (c ChangeSet) Empty() bool {
	return c.Total() == 0
}

// CompilationStrategy selects how much of the rule set gets recompiled.
type CompilationStrategy string

const (
	// StrategyFull recompiles every known rule.
	StrategyFull CompilationStrategy = "full"
	// StrategyIncremental recompiles a small set of changed rules only.
	StrategyIncremental CompilationStrategy = "incremental"
	// StrategyPartial recompiles changed rules plus their transitive dependents.
	StrategyPartial CompilationStrategy = "partial"
	// StrategyOptimizedCompile is reserved for heuristic compilation variants.
	StrategyOptimizedCompile CompilationStrategy = "optimized"
)

// CompilationPlan is the planner's output: what to compile, in which order,
// and which cache entries become stale. Applying the plan is the engine
// client's responsibility.
type CompilationPlan struct {
	Strategy           CompilationStrategy
	PoliciesToCompile  map[string]struct{}
	CompilationOrder   []string
	CacheInvalidations map[string]struct{}
	EstimatedTimeMs    int64
}

// CompilationMetrics summarises one compilation call.
type CompilationMetrics struct {
	CompilationTimeMs float64 `json:"compilation_time_ms"`
	PolicyCount       int     `json:"policy_count"`
	Incremental       bool    `json:"incremental"`
	CacheHitRatio     float64 `json:"cache_hit_ratio"`
	MemoryUsageMB     float64 `json:"memory_usage_mb"`
}
