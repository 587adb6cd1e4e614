// Package storage holds the governance collaborator's rule list for the
// process lifetime. Nothing here persists to disk; on restart the store is
// rebuilt from the collaborator's rule list.
package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/policyforge/govcore/pkg/domain"
)

// ErrRuleNotFound is returned when a requested rule id is absent.
var ErrRuleNotFound = errors.New("policy rule not found")

// RuleStore exposes read and replace operations over the current rule set.
type RuleStore interface {
	GetRule(ctx context.Context, id string) (domain.PolicyRule, error)
	ListRules(ctx context.Context) ([]domain.PolicyRule, error)
	ReplaceRules(ctx context.Context, rules []domain.PolicyRule) error
	Close() error
}

// MemoryRuleStore is the in-memory RuleStore implementation.
type MemoryRuleStore struct {
	mu    sync.RWMutex
	rules map[string]domain.PolicyRule
}

// NewMemoryRuleStore creates an empty store.
func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{rules: make(map[string]domain.PolicyRule)}
}

// GetRule retrieves one rule by id.
func (s *MemoryRuleStore) GetRule(_ context.Context, id string) (domain.PolicyRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, ok := s.rules[id]
	if !ok {
		return domain.PolicyRule{}, ErrRuleNotFound
	}
	return rule, nil
}

// ListRules returns every stored rule sorted by id.
func (s *MemoryRuleStore) ListRules(_ context.Context) ([]domain.PolicyRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rules := make([]domain.PolicyRule, 0, len(s.rules))
	for _, rule := range s.rules {
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, nil
}

// ReplaceRules swaps the entire rule set atomically.
func (s *MemoryRuleStore) ReplaceRules(_ context.Context, rules []domain.PolicyRule) error {
	next := make(map[string]domain.PolicyRule, len(rules))
	for _, rule := range rules {
		next[rule.ID] = rule
	}

	s.mu.Lock()
	s.rules = next
	s.mu.Unlock()
	return nil
}

// Close is a no-op for the memory store.
func (s *MemoryRuleStore) Close() error {
	return nil
}
