// Package telemetry bootstraps OpenTelemetry tracing and records the
// compile-path and enforcement-path metrics.
package telemetry
