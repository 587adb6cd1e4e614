package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Common domain errors
var (
	ErrNoActivePolicySet = errors.New("no active verified policy set available")
	ErrEngineUnavailable = errors.New("policy engine unreachable")
	ErrInvalidHints      = errors.New("invalid optimization hints")
)

// CompilationError reports rule content that failed validation before any
// upload was attempted. The compile call that produced it made no state
// changes.
type CompilationError struct {
	RuleIDs []string
	Err     error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("compilation failed for rule(s) %s: %v", strings.Join(e.RuleIDs, ", "), e.Err)
}

func (e *CompilationError) Unwrap() error { return e.Err }

// UploadError reports a network or engine failure while uploading a rule.
type UploadError struct {
	RuleID     string
	StatusCode int
	Err        error
}

func (e *UploadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upload of rule %q failed with status %d: %v", e.RuleID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upload of rule %q failed: %v", e.RuleID, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// EvaluationError reports a network or engine failure during a decision query.
// The enforcement pipeline converts it into a fail-closed deny; it never
// reaches enforcement callers as an error.
type EvaluationError struct {
	Query string
	Err   error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluation of %q failed: %v", e.Query, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// ConfigurationError reports an unusable runtime configuration, such as an
// empty verified rule set.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// ComplianceVerificationError reports that the compliance collaborator was
// unreachable. Callers treat it as compliant-by-default and log a warning.
type ComplianceVerificationError struct {
	Err error
}

func (e *ComplianceVerificationError) Error() string {
	return fmt.Sprintf("compliance verification unavailable: %v", e.Err)
}

func (e *ComplianceVerificationError) Unwrap() error { return e.Err }
