package compiler

import (
	"fmt"

	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"

	"github.com/policyforge/govcore/pkg/domain"
)

// ValidateRules parses every rule's content before anything is uploaded.
// Unparseable content aborts the compile call up front with a
// CompilationError naming the offending rule ids; the engine never sees a
// rule that cannot compile.
func ValidateRules(rules []domain.PolicyRule) error {
	var badIDs []string
	var firstErr error

	for _, rule := range rules {
		_, err := ast.ParseModuleWithOpts(rule.ID, rule.Content, ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			badIDs = append(badIDs, rule.ID)
			if firstErr == nil {
				firstErr = fmt.Errorf("parse rule %q: %w", rule.ID, err)
			}
		}
	}

	if len(badIDs) > 0 {
		return &domain.CompilationError{RuleIDs: badIDs, Err: firstErr}
	}
	return nil
}
