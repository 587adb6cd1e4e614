package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	compileCounter       metric.Int64Counter
	compileHistogram     metric.Float64Histogram
	enforcementCounter   metric.Int64Counter
	enforcementHistogram metric.Float64Histogram
	fallbackCounter      metric.Int64Counter
)

// CompilationEvent captures the fields recorded per compilation call.
type CompilationEvent struct {
	Strategy      string
	PolicyCount   int
	Incremental   bool
	DurationMs    float64
	CacheHitRatio float64
}

// EnforcementEvent captures the fields recorded per enforcement request.
type EnforcementEvent struct {
	Strategy   string
	Decision   string
	DurationMs float64
	Fallback   bool
}

// RecordCompilation emits the compile-path counters and latency histogram.
func RecordCompilation(ctx context.Context, event CompilationEvent) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("compile.strategy", event.Strategy),
		attribute.Bool("compile.incremental", event.Incremental),
	}

	compileCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	if event.DurationMs > 0 {
		compileHistogram.Record(ctx, event.DurationMs, metric.WithAttributes(attrs...))
	}
}

// RecordEnforcement emits the enforcement-path counters and latency histogram.
func RecordEnforcement(ctx context.Context, event EnforcementEvent) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("enforce.strategy", event.Strategy),
		attribute.String("enforce.decision", event.Decision),
	}

	enforcementCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	if event.DurationMs > 0 {
		enforcementHistogram.Record(ctx, event.DurationMs, metric.WithAttributes(attrs...))
	}
	if event.Fallback {
		fallbackCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("govcore")

		compileCounter, metricsInitErr = meter.Int64Counter(
			"govcore.compile.calls_total",
			metric.WithDescription("Compilation calls partitioned by strategy"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		compileHistogram, metricsInitErr = meter.Float64Histogram(
			"govcore.compile.duration_ms",
			metric.WithDescription("Observed compilation latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		enforcementCounter, metricsInitErr = meter.Int64Counter(
			"govcore.enforce.requests_total",
			metric.WithDescription("Enforcement requests partitioned by strategy and decision"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		enforcementHistogram, metricsInitErr = meter.Float64Histogram(
			"govcore.enforce.duration_ms",
			metric.WithDescription("Observed enforcement latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		fallbackCounter, metricsInitErr = meter.Int64Counter(
			"govcore.enforce.fallbacks_total",
			metric.WithDescription("Enforcement requests that degraded to the fail-closed fallback"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}
