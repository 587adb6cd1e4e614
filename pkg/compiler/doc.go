// Package compiler turns rule-set changes into dependency-correct compilation
// plans. It diffs the incoming rule list against the previously compiled
// hashes, rebuilds the reference graph from rule content, validates rule
// syntax before anything touches the network, and selects a compilation
// strategy that bounds how much of the rule set gets re-uploaded.
package compiler
