// Package governance provides the resilience primitives wrapped around the
// engine client's network calls: a circuit breaker and a retry policy with
// exponential backoff. The engine client itself performs zero retries; the
// composition root decides which calls get wrapped.
package governance
