package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/policyforge/govcore/pkg/domain"
)

// loadRulesDir reads every .rego file under dir into a rule. The rule id is
// the file's path relative to dir without the extension, with separators
// normalised to dots, so "rbac/read.rego" becomes "rbac.read".
func loadRulesDir(dir string) ([]domain.PolicyRule, error) {
	var rules []domain.PolicyRule

	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".rego") {
			return nil
		}

		content, err := os.ReadFile(path) // #nosec G304 -- paths come from the configured rules directory
		if err != nil {
			return fmt.Errorf("read rule %s: %w", path, err)
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		id := strings.TrimSuffix(rel, ".rego")
		id = strings.ReplaceAll(filepath.ToSlash(id), "/", ".")

		rules = append(rules, domain.PolicyRule{
			ID:                 id,
			Content:            string(content),
			Version:            1,
			VerificationStatus: domain.VerificationStatusVerified,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(rules) == 0 {
		return nil, fmt.Errorf("no .rego rules found under %s", dir)
	}
	return rules, nil
}
