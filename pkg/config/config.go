// Package config loads and validates the runtime configuration from a YAML
// file and republishes it on change through a fsnotify-backed provider.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration schema.
type Config struct {
	ListenAddr  string            `yaml:"listen_addr"`
	RulesDir    string            `yaml:"rules_dir"`
	Engine      EngineConfig      `yaml:"engine"`
	Enforcement EnforcementConfig `yaml:"enforcement"`
	Resilience  ResilienceConfig  `yaml:"resilience"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// EngineConfig points at the external policy-evaluation engine.
type EngineConfig struct {
	URL            string        `yaml:"url"`
	Bundle         string        `yaml:"bundle"`
	DecisionPath   string        `yaml:"decision_path"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// EnforcementConfig tunes the enforcement optimizer.
type EnforcementConfig struct {
	CacheTTL            time.Duration `yaml:"cache_ttl"`
	ComplianceThreshold float64       `yaml:"compliance_threshold"`
	DisableOptimization bool          `yaml:"disable_optimization"`
}

// ResilienceConfig tunes the circuit breaker and retry policy wrapped around
// compile-path network calls.
type ResilienceConfig struct {
	MaxFailures    int           `yaml:"max_failures"`
	OpenTimeout    time.Duration `yaml:"open_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// TelemetryConfig points at the OTLP trace collector.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
	Endpoint    string `yaml:"endpoint"`
	Environment string `yaml:"environment"`
	Insecure    bool   `yaml:"insecure"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		ListenAddr: ":8090",
		RulesDir:   "rules",
		Engine: EngineConfig{
			URL:            "http://localhost:8181",
			Bundle:         "govcore",
			DecisionPath:   "govcore/authz/decision",
			RequestTimeout: 10 * time.Second,
		},
		Enforcement: EnforcementConfig{
			CacheTTL:            5 * time.Minute,
			ComplianceThreshold: 0.85,
		},
		Resilience: ResilienceConfig{
			MaxFailures:    5,
			OpenTimeout:    30 * time.Second,
			MaxRetries:     3,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		Telemetry: TelemetryConfig{
			ServiceName: "govcore",
			Insecure:    true,
		},
	}
}

// Load reads and validates the configuration file, layering it over the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path) // #nosec G304 -- path is configured at startup
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the components cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Engine.URL) == "" {
		return fmt.Errorf("engine.url is required")
	}
	if c.Engine.RequestTimeout < 0 {
		return fmt.Errorf("engine.request_timeout must not be negative")
	}
	if c.Enforcement.CacheTTL < 0 {
		return fmt.Errorf("enforcement.cache_ttl must not be negative")
	}
	if c.Enforcement.ComplianceThreshold < 0 || c.Enforcement.ComplianceThreshold > 1 {
		return fmt.Errorf("enforcement.compliance_threshold must be within [0, 1]")
	}
	if c.Resilience.MaxRetries < 0 {
		return fmt.Errorf("resilience.max_retries must not be negative")
	}
	return nil
}
