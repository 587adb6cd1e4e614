package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/policyforge/govcore/internal/governance"
	"github.com/policyforge/govcore/pkg/config"
	"github.com/policyforge/govcore/pkg/domain"
	"github.com/policyforge/govcore/pkg/enforcement"
	"github.com/policyforge/govcore/pkg/engine"
	"github.com/policyforge/govcore/pkg/govern"
	"github.com/policyforge/govcore/pkg/logging"
	"github.com/policyforge/govcore/pkg/storage"
	"github.com/policyforge/govcore/pkg/telemetry"
)

const shutdownGrace = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Compile the rules directory and serve enforcement decisions over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(logging.Config{Level: flagLogLevel, Pretty: flagPretty})
	slog.SetDefault(logger)
	logger.Info("starting govcore", "config", flagConfig, "engine", cfg.Engine.URL)

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.Endpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}()

	service, err := buildService(cfg, logger)
	if err != nil {
		return err
	}

	if err := service.EngineHealthy(ctx); err != nil {
		logger.Warn("policy engine not healthy at startup", "error", err)
	}

	store := storage.NewMemoryRuleStore()
	defer func() { _ = store.Close() }()

	breaker := governance.NewBreaker(governance.BreakerConfig{
		MaxFailures: cfg.Resilience.MaxFailures,
		OpenTimeout: cfg.Resilience.OpenTimeout,
	})
	retrier := governance.NewRetrier(governance.RetryConfig{
		MaxRetries:     cfg.Resilience.MaxRetries,
		InitialBackoff: cfg.Resilience.InitialBackoff,
		MaxBackoff:     cfg.Resilience.MaxBackoff,
		Jitter:         true,
	})

	compileRules := func(ctx context.Context, forceFull bool) error {
		rules, err := store.ListRules(ctx)
		if err != nil {
			return err
		}
		return retrier.Do(ctx, func(ctx context.Context) error {
			return breaker.Execute(ctx, func(ctx context.Context) error {
				_, err := service.CompilePolicies(ctx, rules, forceFull)
				return err
			})
		})
	}

	if rules, err := loadRulesDir(cfg.RulesDir); err != nil {
		logger.Warn("initial rule load failed, starting without compiled rules", "error", err)
	} else {
		if err := store.ReplaceRules(ctx, rules); err != nil {
			return err
		}
		if err := compileRules(ctx, true); err != nil {
			logger.Error("initial compilation failed, previous engine state stays active", "error", err)
		}
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go watchRules(watchCtx, cfg.RulesDir, store, compileRules, logger)

	mux := newServeMux(service, store, compileRules, logger)
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           otelhttp.NewHandler(mux, "govcore.http"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin server listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func buildService(cfg config.Config, logger *slog.Logger) (*govern.Service, error) {
	client, err := engine.NewClient(engine.ClientOptions{
		BaseURL:        cfg.Engine.URL,
		BundleName:     cfg.Engine.Bundle,
		RequestTimeout: cfg.Engine.RequestTimeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	optimizer, err := enforcement.NewOptimizer(enforcement.Options{
		Evaluator:           client,
		DecisionPath:        cfg.Engine.DecisionPath,
		CacheTTL:            cfg.Enforcement.CacheTTL,
		ComplianceThreshold: cfg.Enforcement.ComplianceThreshold,
		DisableOptimization: cfg.Enforcement.DisableOptimization,
		Logger:              logger,
	})
	if err != nil {
		return nil, err
	}

	return govern.NewService(client, optimizer, logger), nil
}

// watchRules reloads and recompiles the rule set whenever a .rego file under
// the rules directory changes.
func watchRules(ctx context.Context, dir string, store storage.RuleStore, compile func(context.Context, bool) error, logger *slog.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error("rules watcher unavailable", "error", err)
		return
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(dir); err != nil {
		logger.Error("cannot watch rules directory", "dir", dir, "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(event.Name) != ".rego" {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}

			rules, err := loadRulesDir(dir)
			if err != nil {
				logger.Error("rule reload failed, keeping previous rule set", "error", err)
				continue
			}
			if err := store.ReplaceRules(ctx, rules); err != nil {
				logger.Error("rule store update failed", "error", err)
				continue
			}
			if err := compile(ctx, false); err != nil {
				logger.Error("recompilation failed, previous engine state stays active", "error", err)
				continue
			}
			logger.Info("rules recompiled after change", "trigger", event.Name, "rules", len(rules))
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("rules watcher error", "error", err)
		}
	}
}

type compileRequest struct {
	ForceFull bool `json:"force_full"`
}

type enforceRequest struct {
	Context domain.EnforcementContext `json:"context"`
	Hints   struct {
		PreferPerformance bool `json:"prefer_performance"`
		MaxLatencyHintMs  *int `json:"max_latency_hint_ms"`
		DisableCache      bool `json:"disable_cache"`
	} `json:"hints"`
}

func newServeMux(service *govern.Service, store storage.RuleStore, compile func(context.Context, bool) error, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := service.EngineHealthy(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("POST /v1/compile", func(w http.ResponseWriter, r *http.Request) {
		var req compileRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if err := compile(r.Context(), req.ForceFull); err != nil {
			logger.Error("compile request failed", "error", err)
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, service.CompilationMetrics())
	})

	mux.HandleFunc("POST /v1/enforce", func(w http.ResponseWriter, r *http.Request) {
		var req enforceRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		rules, err := store.ListRules(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}

		hints := domain.OptimizationHints{
			PreferPerformance: req.Hints.PreferPerformance,
			MaxLatencyHintMs:  req.Hints.MaxLatencyHintMs,
			DisableCache:      req.Hints.DisableCache,
		}
		result := service.OptimizeEnforcement(r.Context(), req.Context, rules, hints)
		writeJSON(w, http.StatusOK, result)
	})

	mux.HandleFunc("GET /v1/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"compilation": service.CompilationMetrics(),
			"enforcement": service.EnforcementPerformanceSummary(),
		})
	})

	mux.HandleFunc("POST /v1/cache/flush", func(w http.ResponseWriter, _ *http.Request) {
		service.FlushCaches()
		writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
	})

	return mux
}

func decodeJSON(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return decoder.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
