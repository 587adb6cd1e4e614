package engine

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"

	"github.com/policyforge/govcore/pkg/domain"
)

// Evaluator is the decision surface shared by the remote client and the
// embedded engine.
type Evaluator interface {
	Evaluate(ctx context.Context, query string, input map[string]any, explain ExplainMode, wantMetrics bool) (*EvalResult, error)
}

var (
	_ Evaluator = (*Client)(nil)
	_ Evaluator = (*Embedded)(nil)
)

const defaultEmbeddedCacheCapacity = 1024

// Embedded evaluates rules in-process with the rego SDK. It exists for
// offline simulation and hermetic tests; production traffic goes through
// Client. Prepared queries are built lazily per decision path and reused.
type Embedded struct {
	parsed      map[string]*ast.Module
	moduleOrder []string
	cache       *resultCache

	mu      sync.RWMutex
	queries map[string]*rego.PreparedEvalQuery
}

// NewEmbedded parses the supplied rules and constructs an in-process
// evaluator. CacheCapacity zero selects the default; negative disables
// result caching.
func NewEmbedded(rules []domain.PolicyRule, cacheCapacity int) (*Embedded, error) {
	if len(rules) == 0 {
		return nil, &domain.ConfigurationError{Reason: "embedded evaluator requires at least one rule"}
	}

	switch {
	case cacheCapacity == 0:
		cacheCapacity = defaultEmbeddedCacheCapacity
	case cacheCapacity < 0:
		cacheCapacity = 0
	}

	parsed := make(map[string]*ast.Module, len(rules))
	order := make([]string, 0, len(rules))
	for _, rule := range rules {
		module, err := ast.ParseModuleWithOpts(rule.ID, rule.Content, ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, &domain.CompilationError{RuleIDs: []string{rule.ID}, Err: err}
		}
		parsed[rule.ID] = module
		order = append(order, rule.ID)
	}
	sort.Strings(order)

	var cache *resultCache
	if cacheCapacity > 0 {
		cache = newResultCache(cacheCapacity)
	}

	return &Embedded{
		parsed:      parsed,
		moduleOrder: order,
		cache:       cache,
		queries:     make(map[string]*rego.PreparedEvalQuery),
	}, nil
}

// Evaluate runs the query against the loaded modules. Explain and metrics
// flags are accepted for interface parity; the embedded engine produces no
// explanation trace.
func (e *Embedded) Evaluate(ctx context.Context, query string, input map[string]any, _ ExplainMode, _ bool) (*EvalResult, error) {
	key, cacheable := e.resultKey(query, input)
	if cacheable {
		if cached, ok := e.cache.Get(key); ok {
			return &EvalResult{Result: cached, DecisionID: uuid.NewString()}, nil
		}
	}

	prepared, err := e.preparedQuery(ctx, query)
	if err != nil {
		return nil, &domain.EvaluationError{Query: query, Err: err}
	}

	start := time.Now()
	results, err := prepared.Eval(ctx, rego.EvalInput(input))
	elapsed := time.Since(start)
	if err != nil {
		return nil, &domain.EvaluationError{Query: query, Err: err}
	}

	var value any
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		value = results[0].Expressions[0].Value
	}

	if cacheable {
		e.cache.Add(key, value)
	}

	return &EvalResult{
		Result:     value,
		DecisionID: uuid.NewString(),
		Metrics: map[string]any{
			"timer_rego_query_eval_ns": float64(elapsed.Nanoseconds()),
		},
		Duration: elapsed,
	}, nil
}

// FlushCache clears cached results. Safe to call concurrently.
func (e *Embedded) FlushCache() {
	if e.cache != nil {
		e.cache.Clear()
	}
}

func (e *Embedded) preparedQuery(ctx context.Context, query string) (*rego.PreparedEvalQuery, error) {
	e.mu.RLock()
	if prepared, ok := e.queries[query]; ok {
		e.mu.RUnlock()
		return prepared, nil
	}
	e.mu.RUnlock()

	regoQuery := "data." + strings.ReplaceAll(strings.TrimLeft(query, "/"), "/", ".")

	opts := make([]func(*rego.Rego), 0, len(e.moduleOrder)+1)
	opts = append(opts, rego.Query(regoQuery))
	for _, id := range e.moduleOrder {
		opts = append(opts, rego.ParsedModule(e.parsed[id]))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare query %q: %w", query, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// Another goroutine may have prepared the same query; first entry wins.
	if existing, ok := e.queries[query]; ok {
		return existing, nil
	}
	e.queries[query] = &prepared
	return &prepared, nil
}

func (e *Embedded) resultKey(query string, input map[string]any) (string, bool) {
	if e.cache == nil {
		return "", false
	}
	// encoding/json sorts map keys, so the serialisation is canonical.
	raw, err := json.Marshal(input)
	if err != nil {
		return "", false
	}
	h := sha256.New()
	h.Write([]byte(query))
	h.Write([]byte{0})
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil)), true
}

type resultCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type resultItem struct {
	key   string
	value any
}

func newResultCache(capacity int) *resultCache {
	return &resultCache{
		max:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
	}
}

func (c *resultCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(resultItem).value, true
}

func (c *resultCache) Add(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value = resultItem{key: key, value: value}
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(resultItem{key: key, value: value})
	c.entries[key] = elem

	if c.order.Len() <= c.max {
		return
	}
	tail := c.order.Back()
	if tail != nil {
		c.order.Remove(tail)
		delete(c.entries, tail.Value.(resultItem).key)
	}
}

func (c *resultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element, c.max)
}
