package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func setupReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})

	ResetMetricsForTest()
	return reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

func TestRecordCompilation(t *testing.T) {
	reader := setupReader(t)

	RecordCompilation(context.Background(), CompilationEvent{
		Strategy:      "incremental",
		PolicyCount:   3,
		Incremental:   true,
		DurationMs:    42.5,
		CacheHitRatio: 0.5,
	})

	metrics := collect(t, reader)

	calls, ok := metrics["govcore.compile.calls_total"]
	if !ok {
		t.Fatalf("missing govcore.compile.calls_total metric")
	}
	callsData, ok := calls.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for compile counter")
	}
	if len(callsData.DataPoints) != 1 {
		t.Fatalf("expected 1 datapoint, got %d", len(callsData.DataPoints))
	}
	if callsData.DataPoints[0].Value != 1 {
		t.Fatalf("expected compile count 1, got %d", callsData.DataPoints[0].Value)
	}
	if value, ok := callsData.DataPoints[0].Attributes.Value(attribute.Key("compile.strategy")); !ok || value.AsString() != "incremental" {
		t.Fatalf("expected compile.strategy attribute incremental, got %v", value)
	}

	hist, ok := metrics["govcore.compile.duration_ms"]
	if !ok {
		t.Fatalf("missing govcore.compile.duration_ms metric")
	}
	histData := hist.Data.(metricdata.Histogram[float64])
	if histData.DataPoints[0].Count != 1 {
		t.Fatalf("expected histogram count 1, got %d", histData.DataPoints[0].Count)
	}
	if histData.DataPoints[0].Sum != 42.5 {
		t.Fatalf("expected histogram sum 42.5, got %v", histData.DataPoints[0].Sum)
	}
}

func TestRecordEnforcement(t *testing.T) {
	reader := setupReader(t)

	RecordEnforcement(context.Background(), EnforcementEvent{
		Strategy:   "constitutional_priority",
		Decision:   "deny",
		DurationMs: 12.0,
		Fallback:   true,
	})

	metrics := collect(t, reader)

	requests, ok := metrics["govcore.enforce.requests_total"]
	if !ok {
		t.Fatalf("missing govcore.enforce.requests_total metric")
	}
	requestData := requests.Data.(metricdata.Sum[int64])
	if requestData.DataPoints[0].Value != 1 {
		t.Fatalf("expected request count 1, got %d", requestData.DataPoints[0].Value)
	}
	if value, ok := requestData.DataPoints[0].Attributes.Value(attribute.Key("enforce.decision")); !ok || value.AsString() != "deny" {
		t.Fatalf("expected enforce.decision attribute deny, got %v", value)
	}

	fallbacks, ok := metrics["govcore.enforce.fallbacks_total"]
	if !ok {
		t.Fatalf("missing govcore.enforce.fallbacks_total metric")
	}
	fallbackData := fallbacks.Data.(metricdata.Sum[int64])
	if fallbackData.DataPoints[0].Value != 1 {
		t.Fatalf("expected fallback count 1, got %d", fallbackData.DataPoints[0].Value)
	}
}

func TestRecordEnforcementWithoutFallback(t *testing.T) {
	reader := setupReader(t)

	RecordEnforcement(context.Background(), EnforcementEvent{
		Strategy:   "optimized",
		Decision:   "permit",
		DurationMs: 3.0,
	})

	metrics := collect(t, reader)

	if _, ok := metrics["govcore.enforce.fallbacks_total"]; ok {
		t.Fatalf("fallback counter must not record for successful requests")
	}
	if _, ok := metrics["govcore.enforce.requests_total"]; !ok {
		t.Fatalf("missing govcore.enforce.requests_total metric")
	}
}
