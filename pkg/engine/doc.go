// Package engine talks to the policy-evaluation engine. Client is the only
// component in the repo that touches the engine's network API; Embedded is an
// in-process rego evaluator behind the same interface, used for offline
// simulation and hermetic tests.
package engine
