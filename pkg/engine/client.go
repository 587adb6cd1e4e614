package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/policyforge/govcore/pkg/domain"
)

// ExplainMode selects the level of explanation trace requested from the
// engine.
type ExplainMode string

const (
	ExplainOff   ExplainMode = "off"
	ExplainNotes ExplainMode = "notes"
	ExplainFull  ExplainMode = "full"
)

// decisionIDHeader carries the engine-assigned decision identifier.
const decisionIDHeader = "X-Decision-Id"

const defaultRequestTimeout = 10 * time.Second

// ClientOptions control construction of the engine client.
type ClientOptions struct {
	// BaseURL is the engine's root URL, e.g. "http://localhost:8181".
	BaseURL string
	// BundleName is the logical namespace rules are uploaded under.
	BundleName string
	// HTTPClient overrides the default otel-instrumented client.
	HTTPClient *http.Client
	// RequestTimeout bounds each network call when no deadline is set on the
	// caller's context. Zero selects the default.
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// EvalResult is the raw outcome of one evaluation call.
type EvalResult struct {
	Result      any
	DecisionID  string
	Metrics     map[string]any
	Explanation []any
	Duration    time.Duration
}

// EvalTimeMs returns the engine-reported evaluation time in milliseconds,
// falling back to the observed round-trip time when the engine did not report
// one.
func (r *EvalResult) EvalTimeMs() float64 {
	if ns, ok := numericMetric(r.Metrics, "timer_rego_query_eval_ns"); ok {
		return ns / float64(time.Millisecond)
	}
	return float64(r.Duration) / float64(time.Millisecond)
}

// ClientMetrics merges locally tracked counters with the engine's own metrics
// payload, which is opaque to this core.
type ClientMetrics struct {
	RequestsTotal     int64   `json:"requests_total"`
	CacheHits         int64   `json:"cache_hits"`
	CacheMisses       int64   `json:"cache_misses"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	BundleRevision    int64   `json:"bundle_revision"`
	EngineRaw         string  `json:"engine_raw,omitempty"`
}

// Client is the only component that talks to the external policy-evaluation
// engine. It keeps a content-hash cache so unchanged rules are never
// re-uploaded, and performs zero retries itself: retry policy belongs to the
// resilience collaborator wrapping it.
type Client struct {
	baseURL    string
	bundle     string
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
	tracer     trace.Tracer

	mu            sync.Mutex
	contentHashes map[string]string
	revision      int64
	requests      int64
	cacheHits     int64
	cacheMisses   int64
	totalLatency  time.Duration
}

// NewClient validates the options and constructs a client.
func NewClient(opts ClientOptions) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, &domain.ConfigurationError{Reason: "engine base URL is required"}
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, &domain.ConfigurationError{Reason: fmt.Sprintf("invalid engine base URL %q: %v", opts.BaseURL, err)}
	}

	bundle := strings.TrimSpace(opts.BundleName)
	if bundle == "" {
		bundle = "govcore"
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:       base,
		bundle:        bundle,
		httpClient:    httpClient,
		timeout:       timeout,
		logger:        logger,
		tracer:        otel.Tracer("govcore.engine"),
		contentHashes: make(map[string]string),
	}, nil
}

// Health probes the engine's liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrEngineUnavailable, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned status %d", domain.ErrEngineUnavailable, resp.StatusCode)
	}
	return nil
}

// UploadBundle applies a compilation plan to the engine. With incremental set,
// only rules whose content hash moved since the last successful upload are
// sent; otherwise every rule in the plan is sent. When nothing changed at all
// the network is skipped entirely and a zero-cost metrics value is returned.
//
// Rules are uploaded in plan order, so a dependency is never uploaded after a
// rule that references it.
func (c *Client) UploadBundle(ctx context.Context, plan domain.CompilationPlan, rules []domain.PolicyRule, incremental bool) (domain.CompilationMetrics, error) {
	ctx, span := c.tracer.Start(ctx, "engine.upload_bundle", trace.WithAttributes(
		attribute.String("compile.strategy", string(plan.Strategy)),
		attribute.Int("compile.plan_size", len(plan.CompilationOrder)),
		attribute.Bool("compile.incremental", incremental),
	))
	defer span.End()

	start := time.Now()

	byID := make(map[string]domain.PolicyRule, len(rules))
	for _, rule := range rules {
		byID[rule.ID] = rule
	}

	type pending struct {
		rule domain.PolicyRule
		hash string
	}

	c.mu.Lock()
	var uploads []pending
	skipped := 0
	for _, id := range plan.CompilationOrder {
		rule, ok := byID[id]
		if !ok {
			continue
		}
		hash := rule.Hash()
		if c.contentHashes[id] == hash {
			skipped++
			continue
		}
		uploads = append(uploads, pending{rule: rule, hash: hash})
	}
	c.mu.Unlock()

	total := len(uploads) + skipped
	if len(uploads) == 0 {
		// Nothing moved since the last upload; the bundle revision stays put.
		c.recordCacheOutcome(skipped, 0)
		span.SetAttributes(attribute.Int("compile.uploads", 0))
		return domain.CompilationMetrics{
			CompilationTimeMs: float64(time.Since(start)) / float64(time.Millisecond),
			PolicyCount:       0,
			Incremental:       incremental,
			CacheHitRatio:     1.0,
		}, nil
	}

	if !incremental {
		// Full uploads push the entire plan regardless of per-rule hits, in
		// plan order.
		uploads = uploads[:0]
		for _, id := range plan.CompilationOrder {
			rule, ok := byID[id]
			if !ok {
				continue
			}
			uploads = append(uploads, pending{rule: rule, hash: rule.Hash()})
		}
		skipped = 0
	}

	for _, item := range uploads {
		if err := c.uploadRule(ctx, item.rule.ID, item.rule.Content); err != nil {
			span.RecordError(err)
			return domain.CompilationMetrics{}, err
		}
		c.mu.Lock()
		c.contentHashes[item.rule.ID] = item.hash
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.revision++
	revision := c.revision
	c.mu.Unlock()

	c.recordCacheOutcome(skipped, len(uploads))

	elapsed := time.Since(start)
	hitRatio := 0.0
	if total > 0 {
		hitRatio = float64(skipped) / float64(total)
	}

	c.logger.Info("policy bundle uploaded",
		"bundle", c.bundle,
		"strategy", string(plan.Strategy),
		"uploaded", len(uploads),
		"skipped", skipped,
		"revision", revision,
		"elapsed_ms", elapsed.Milliseconds())
	span.SetAttributes(attribute.Int("compile.uploads", len(uploads)))

	return domain.CompilationMetrics{
		CompilationTimeMs: float64(elapsed) / float64(time.Millisecond),
		PolicyCount:       len(uploads),
		Incremental:       incremental,
		CacheHitRatio:     hitRatio,
		MemoryUsageMB:     approxMemoryMB(totalContentSize(rules)),
	}, nil
}

func totalContentSize(rules []domain.PolicyRule) int {
	size := 0
	for _, rule := range rules {
		size += len(rule.Content)
	}
	return size
}

// approxMemoryMB is best-effort: rule source resident in the hash cache and
// request buffers.
func approxMemoryMB(bytes int) float64 {
	return float64(bytes) / (1024 * 1024)
}

func (c *Client) uploadRule(ctx context.Context, id, content string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	endpoint := fmt.Sprintf("%s/v1/policies/%s/%s", c.baseURL, url.PathEscape(c.bundle), url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, strings.NewReader(content))
	if err != nil {
		return &domain.UploadError{RuleID: id, Err: err}
	}
	req.Header.Set("Content-Type", "text/plain")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.observeRequest(time.Since(start))
	if err != nil {
		return &domain.UploadError{RuleID: id, Err: err}
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &domain.UploadError{RuleID: id, StatusCode: resp.StatusCode, Err: fmt.Errorf("engine rejected rule: %s", readErrorBody(resp.Body))}
	}
	return nil
}

// Evaluate issues one decision query. The caller controls the explanation
// level and whether engine metrics are requested.
func (c *Client) Evaluate(ctx context.Context, query string, input map[string]any, explain ExplainMode, wantMetrics bool) (*EvalResult, error) {
	ctx, span := c.tracer.Start(ctx, "engine.evaluate", trace.WithAttributes(
		attribute.String("eval.query", query),
		attribute.String("eval.explain", string(explain)),
	))
	defer span.End()

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	body, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return nil, &domain.EvaluationError{Query: query, Err: err}
	}

	endpoint := c.baseURL + "/v1/data/" + strings.TrimLeft(query, "/")
	params := url.Values{}
	if explain != "" && explain != ExplainOff {
		params.Set("explain", string(explain))
	}
	if wantMetrics {
		params.Set("metrics", "true")
	}
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &domain.EvaluationError{Query: query, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)
	c.observeRequest(elapsed)
	if err != nil {
		span.RecordError(err)
		return nil, &domain.EvaluationError{Query: query, Err: err}
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		err := &domain.EvaluationError{Query: query, Err: fmt.Errorf("engine returned status %d: %s", resp.StatusCode, readErrorBody(resp.Body))}
		span.RecordError(err)
		return nil, err
	}

	var payload struct {
		Result      any            `json:"result"`
		Metrics     map[string]any `json:"metrics"`
		Explanation []any          `json:"explanation"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &domain.EvaluationError{Query: query, Err: fmt.Errorf("decode response: %w", err)}
	}

	decisionID := resp.Header.Get(decisionIDHeader)
	if decisionID == "" {
		decisionID = uuid.NewString()
	}

	return &EvalResult{
		Result:      payload.Result,
		DecisionID:  decisionID,
		Metrics:     payload.Metrics,
		Explanation: payload.Explanation,
		Duration:    elapsed,
	}, nil
}

// DeletePolicy removes one rule from the engine and drops its content hash.
func (c *Client) DeletePolicy(ctx context.Context, id string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	endpoint := fmt.Sprintf("%s/v1/policies/%s/%s", c.baseURL, url.PathEscape(c.bundle), url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return &domain.UploadError{RuleID: id, Err: err}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.observeRequest(time.Since(start))
	if err != nil {
		return &domain.UploadError{RuleID: id, Err: err}
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || (resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound) {
		return &domain.UploadError{RuleID: id, StatusCode: resp.StatusCode, Err: fmt.Errorf("engine delete failed: %s", readErrorBody(resp.Body))}
	}

	c.mu.Lock()
	delete(c.contentHashes, id)
	c.revision++
	c.mu.Unlock()
	return nil
}

// Invalidate drops content-hash entries named by "compiled:" cache keys,
// forcing the next upload of those rules to hit the network.
func (c *Client) Invalidate(keys map[string]struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range keys {
		if id, ok := strings.CutPrefix(key, "compiled:"); ok {
			delete(c.contentHashes, id)
		}
	}
}

// Revision returns the monotonically increasing bundle revision marker.
func (c *Client) Revision() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revision
}

// KnownHashes returns a copy of the content-hash cache.
func (c *Client) KnownHashes() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.contentHashes))
	for id, hash := range c.contentHashes {
		out[id] = hash
	}
	return out
}

// Metrics merges local request counters with the engine's own metrics
// endpoint. Engine-side failures degrade to local-only metrics rather than
// erroring: observability reads must not depend on engine health.
func (c *Client) Metrics(ctx context.Context) ClientMetrics {
	c.mu.Lock()
	metrics := ClientMetrics{
		RequestsTotal:  c.requests,
		CacheHits:      c.cacheHits,
		CacheMisses:    c.cacheMisses,
		BundleRevision: c.revision,
	}
	if c.requests > 0 {
		metrics.AvgResponseTimeMs = float64(c.totalLatency) / float64(time.Millisecond) / float64(c.requests)
	}
	c.mu.Unlock()

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/metrics", nil)
	if err != nil {
		return metrics
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("engine metrics unavailable", "error", err)
		return metrics
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode == http.StatusOK {
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err == nil {
			metrics.EngineRaw = string(raw)
		}
	}
	return metrics
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) observeRequest(elapsed time.Duration) {
	c.mu.Lock()
	c.requests++
	c.totalLatency += elapsed
	c.mu.Unlock()
}

func (c *Client) recordCacheOutcome(hits, misses int) {
	c.mu.Lock()
	c.cacheHits += int64(hits)
	c.cacheMisses += int64(misses)
	c.mu.Unlock()
}

func numericMetric(metrics map[string]any, key string) (float64, bool) {
	raw, ok := metrics[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func readErrorBody(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return "<no body>"
	}
	return strings.TrimSpace(string(raw))
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<20))
	_ = body.Close()
}
