package compiler

import (
	"sort"

	"github.com/policyforge/govcore/pkg/domain"
)

// KnownRule is the previously compiled state for one rule id.
type KnownRule struct {
	ContentHash string
	Version     int
}

// AnalyzeChanges diffs the current rule list against the previously stored
// per-rule state. A rule is added when its id is new, modified when its
// content hash differs, deleted when a previously known id is absent, and
// metadata-changed when the content is identical but the version moved.
//
// The diff is pure: no caches or graphs are touched.
func AnalyzeChanges(rules []domain.PolicyRule, known map[string]KnownRule) domain.ChangeSet {
	changes := domain.ChangeSet{
		Added:    make(map[string]string),
		Modified: make(map[string]string),
	}

	current := make(map[string]struct{}, len(rules))
	for _, rule := range rules {
		current[rule.ID] = struct{}{}

		prev, ok := known[rule.ID]
		if !ok {
			changes.Added[rule.ID] = rule.Content
			continue
		}
		if prev.ContentHash != rule.Hash() {
			changes.Modified[rule.ID] = rule.Content
			continue
		}
		if prev.Version != rule.Version {
			changes.MetadataChanged = append(changes.MetadataChanged, rule.ID)
		}
	}

	for id := range known {
		if _, ok := current[id]; !ok {
			changes.Deleted = append(changes.Deleted, id)
		}
	}

	sort.Strings(changes.Deleted)
	sort.Strings(changes.MetadataChanged)
	return changes
}
