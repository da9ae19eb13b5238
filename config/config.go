// Package config loads and validates the unified Crumbgate configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ClassifierConfig tunes dynamic-cookie detection. The window/threshold pair
// and the emission interval are empirically tuned; they are configuration,
// not constants.
type ClassifierConfig struct {
	ChurnWindow      time.Duration `yaml:"churnWindow"`
	ChurnThreshold   int           `yaml:"churnThreshold"`
	EmissionInterval time.Duration `yaml:"emissionInterval"`
}

// SchedulerConfig tunes refresh debouncing and the stuck-refresh safety timer.
type SchedulerConfig struct {
	Debounce    time.Duration `yaml:"debounce"`
	SafetyTimer time.Duration `yaml:"safetyTimer"`
}

// CacheConfig tunes aggregation caching.
type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

// MutationConfig tunes the safe mutation engine.
type MutationConfig struct {
	RetryAttempts int `yaml:"retryAttempts"`
	BulkWorkers   int `yaml:"bulkWorkers"`
}

// HistoryConfig bounds the undo stack depth.
type HistoryConfig struct {
	Depth int `yaml:"depth"`
}

// DriftConfig tunes profile drift detection.
type DriftConfig struct {
	MinInterval time.Duration `yaml:"minInterval"`
}

// StoreConfig selects and configures the external cookie store backend.
type StoreConfig struct {
	// CDPEndpoint is the browser's DevTools WebSocket URL. Empty selects the
	// in-memory store.
	CDPEndpoint      string        `yaml:"cdpEndpoint"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	CallTimeout      time.Duration `yaml:"callTimeout"`
}

// PersistenceConfig configures profile and preference storage. An empty DSN
// selects in-memory persistence.
type PersistenceConfig struct {
	PostgresDSN   string `yaml:"postgresDSN"`
	MigrationsDir string `yaml:"migrationsDir"`
}

// TelemetryConfig configures OTLP metric export.
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// ResolverConfig holds resolver defaults; the parent-domain toggle is a
// persisted user preference and only seeds the first run.
type ResolverConfig struct {
	IncludeParent bool `yaml:"includeParent"`
}

// AppConfig is the unified Crumbgate application configuration.
type AppConfig struct {
	Classifier  ClassifierConfig  `yaml:"classifier"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Cache       CacheConfig       `yaml:"cache"`
	Mutation    MutationConfig    `yaml:"mutation"`
	History     HistoryConfig     `yaml:"history"`
	Drift       DriftConfig       `yaml:"drift"`
	Resolver    ResolverConfig    `yaml:"resolver"`
	Store       StoreConfig       `yaml:"store"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// Default returns the built-in configuration defaults.
func Default() AppConfig {
	return AppConfig{
		Classifier: ClassifierConfig{
			ChurnWindow:      3500 * time.Millisecond,
			ChurnThreshold:   3,
			EmissionInterval: time.Second,
		},
		Scheduler: SchedulerConfig{
			Debounce:    800 * time.Millisecond,
			SafetyTimer: 10 * time.Second,
		},
		Cache: CacheConfig{
			TTL:           15 * time.Second,
			SweepInterval: 5 * time.Minute,
		},
		Mutation: MutationConfig{
			RetryAttempts: 2,
			BulkWorkers:   8,
		},
		History: HistoryConfig{
			Depth: 100,
		},
		Drift: DriftConfig{
			MinInterval: 3 * time.Second,
		},
		Resolver: ResolverConfig{
			IncludeParent: false,
		},
		Store: StoreConfig{
			CDPEndpoint:      "",
			HandshakeTimeout: 10 * time.Second,
			CallTimeout:      5 * time.Second,
		},
		Persistence: PersistenceConfig{
			PostgresDSN:   "",
			MigrationsDir: "",
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "",
			ServiceName:   "crumbgate",
			EnableMetrics: true,
		},
	}
}

// Load loads the configuration with precedence: defaults → YAML → env vars.
func Load(path string) (AppConfig, error) {
	cfg := Default()

	if err := cfg.loadYAML(path); err != nil && !os.IsNotExist(err) {
		return AppConfig{}, fmt.Errorf("load yaml config: %w", err)
	}

	cfg.loadEnv()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *AppConfig) loadYAML(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		path = os.Getenv("CRUMBGATE_CONFIG")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		path = "config/app.yaml"
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}

func (c *AppConfig) loadEnv() {
	if v := strings.TrimSpace(os.Getenv("CRUMBGATE_CDP_ENDPOINT")); v != "" {
		c.Store.CDPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("CRUMBGATE_POSTGRES_DSN")); v != "" {
		c.Persistence.PostgresDSN = v
	}
	if v := strings.TrimSpace(os.Getenv("CRUMBGATE_OTLP_ENDPOINT")); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("CRUMBGATE_DEBOUNCE")); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Scheduler.Debounce = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("CRUMBGATE_CACHE_TTL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Cache.TTL = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("CRUMBGATE_HISTORY_DEPTH")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.History.Depth = n
		}
	}
}

// Validate checks the final configuration for internally consistent values.
func (c *AppConfig) Validate() error {
	if c.Classifier.ChurnWindow <= 0 {
		return fmt.Errorf("classifier churn window must be positive")
	}
	if c.Classifier.ChurnThreshold <= 0 {
		return fmt.Errorf("classifier churn threshold must be positive")
	}
	if c.Classifier.EmissionInterval <= 0 {
		return fmt.Errorf("classifier emission interval must be positive")
	}
	if c.Scheduler.Debounce <= 0 {
		return fmt.Errorf("scheduler debounce must be positive")
	}
	if c.Scheduler.SafetyTimer <= c.Scheduler.Debounce {
		return fmt.Errorf("scheduler safety timer must exceed the debounce interval")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache ttl must be positive")
	}
	if c.Cache.SweepInterval <= 0 {
		return fmt.Errorf("cache sweep interval must be positive")
	}
	if c.Mutation.RetryAttempts < 1 {
		return fmt.Errorf("mutation retry attempts must be at least 1")
	}
	if c.Mutation.BulkWorkers < 1 {
		return fmt.Errorf("mutation bulk workers must be at least 1")
	}
	if c.History.Depth < 1 {
		return fmt.Errorf("history depth must be at least 1")
	}
	if c.Drift.MinInterval < 0 {
		return fmt.Errorf("drift minimum interval must not be negative")
	}
	return nil
}
