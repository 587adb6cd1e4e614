// Package enforcement serves authorization decisions against the compiled
// rule set. Each request flows through a fixed pipeline: cache check,
// strategy selection, relevance filtering, compliance verification, engine
// evaluation, metrics, cache write. Every stage returns an explicit error and
// the top level converts any failure into a fail-closed deny; enforcement
// never surfaces an error to its caller.
package enforcement
