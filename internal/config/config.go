package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/evoforge/substrate/pkg/models"
)

// Config is the root configuration document. Its shape follows the
// configuration surface each subsystem actually reads: provider
// credentials and failover order for the Runtime Dispatcher, rate
// limiting and circuit breaker defaults for the Tool Pipeline, storage
// lifecycle for the Memory Engine, and the isolated dev/prod Environment
// pair for the Evolution Loop.
type Config struct {
	Version int `yaml:"version"`

	Providers     map[string]ProviderConfig `yaml:"providers"`
	FailoverChain []FailoverEntry           `yaml:"failover_chain"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit      map[string]int       `yaml:"rate_limit"`
	Concurrency    map[string]int       `yaml:"concurrency"`

	Memory  MemoryConfig  `yaml:"memory"`
	Watcher WatcherConfig `yaml:"watcher"`

	Envs EnvsConfig `yaml:"envs"`

	Security SecurityConfig `yaml:"security"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ProviderConfig is one LLM provider's credential rotation set.
type ProviderConfig struct {
	Keys    []string `yaml:"keys"`
	BaseURL string   `yaml:"base_url,omitempty"`
}

// FailoverEntry is one (provider, model) pair in the dispatcher's ordered
// failover chain.
type FailoverEntry struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// CircuitBreakerConfig is the pipeline's default circuit breaker policy,
// optionally overridden per tool.
type CircuitBreakerConfig struct {
	FailureThreshold int                             `yaml:"failure_threshold"`
	CooldownMS       int                             `yaml:"cooldown_ms"`
	SuccessThreshold int                             `yaml:"success_threshold"`
	Overrides        map[string]CircuitBreakerConfig `yaml:"overrides,omitempty"`
}

// Cooldown returns the configured cooldown as a time.Duration.
func (c CircuitBreakerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMS) * time.Millisecond
}

// ForTool returns the effective circuit breaker policy for a tool name,
// falling back to the default policy when no override is configured.
func (c CircuitBreakerConfig) ForTool(name string) CircuitBreakerConfig {
	if override, ok := c.Overrides[name]; ok {
		merged := c
		merged.Overrides = nil
		if override.FailureThreshold != 0 {
			merged.FailureThreshold = override.FailureThreshold
		}
		if override.CooldownMS != 0 {
			merged.CooldownMS = override.CooldownMS
		}
		if override.SuccessThreshold != 0 {
			merged.SuccessThreshold = override.SuccessThreshold
		}
		return merged
	}
	return c
}

// MemoryConfig configures the Memory Engine's lifecycle.
type MemoryConfig struct {
	DBPath        string `yaml:"db_path"`
	LogDir        string `yaml:"log_dir"`
	CacheMaxSize  int    `yaml:"cache_max_size"`
	CacheMaxAgeMS int    `yaml:"cache_max_age_ms"`
	PostgresDSN   string `yaml:"postgres_dsn,omitempty"`
}

// CacheMaxAge returns the configured embedding cache max age as a
// time.Duration.
func (m MemoryConfig) CacheMaxAge() time.Duration {
	return time.Duration(m.CacheMaxAgeMS) * time.Millisecond
}

// WatcherConfig configures the Memory Engine's file watcher.
type WatcherConfig struct {
	DebounceMS int `yaml:"debounce_ms"`
}

// Debounce returns the configured watcher debounce as a time.Duration.
func (w WatcherConfig) Debounce() time.Duration {
	return time.Duration(w.DebounceMS) * time.Millisecond
}

// EnvsConfig holds the isolated dev and prod environments the Evolution
// Loop validates and promotes between.
type EnvsConfig struct {
	Dev  EnvironmentConfig `yaml:"dev"`
	Prod EnvironmentConfig `yaml:"prod"`
}

// EnvironmentConfig is the configuration-file shape of a models.Environment.
// Writable is not part of the document: it is fixed by position (dev is
// always writable, prod never is) rather than left open to misconfiguration.
type EnvironmentConfig struct {
	DatabasePath   string               `yaml:"db_path"`
	StoragePath    string               `yaml:"storage_path"`
	Ports          []int                `yaml:"ports"`
	EnvVars        map[string]string    `yaml:"env_vars,omitempty"`
	ResourceLimits ResourceLimitsConfig `yaml:"resource_limits"`
	TestCommand    []string             `yaml:"test_command,omitempty"`
}

// ResourceLimitsConfig mirrors models.ResourceLimits in document form.
type ResourceLimitsConfig struct {
	MaxCPUPercent int `yaml:"max_cpu_percent,omitempty"`
	MaxMemoryMB   int `yaml:"max_memory_mb,omitempty"`
	MaxProcesses  int `yaml:"max_processes,omitempty"`
}

// ToEnvironment converts the document shape into the models.Environment
// the Evolution Loop operates on.
func (e EnvironmentConfig) ToEnvironment(name string, writable bool) models.Environment {
	return models.Environment{
		Name:         name,
		DatabasePath: e.DatabasePath,
		StoragePath:  e.StoragePath,
		Ports:        append([]int(nil), e.Ports...),
		EnvVars:      e.EnvVars,
		ResourceLimits: models.ResourceLimits{
			MaxCPUPercent: e.ResourceLimits.MaxCPUPercent,
			MaxMemoryMB:   e.ResourceLimits.MaxMemoryMB,
			MaxProcesses:  e.ResourceLimits.MaxProcesses,
		},
		TestCommand: e.TestCommand,
		Writable:    writable,
	}
}

// Dev returns the dev Environment (always writable).
func (c EnvsConfig) DevEnvironment() models.Environment {
	return c.Dev.ToEnvironment("dev", true)
}

// Prod returns the prod Environment (never writable outside promotion).
func (c EnvsConfig) ProdEnvironment() models.Environment {
	return c.Prod.ToEnvironment("prod", false)
}

// SecurityConfig configures the Tool Pipeline's security validation stage.
type SecurityConfig struct {
	AllowedEndpoints []string `yaml:"allowed_endpoints"`
	BaseDirectory    string   `yaml:"base_directory"`
}

// LoggingConfig controls the process-wide structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads, expands, parses, defaults, and validates a configuration
// file. Unknown fields are rejected so a typo in a config document fails
// loudly at startup rather than silently doing nothing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	applyCircuitBreakerDefaults(&cfg.CircuitBreaker)
	applyMemoryDefaults(&cfg.Memory)
	applyWatcherDefaults(&cfg.Watcher)
	applyLoggingDefaults(&cfg.Logging)
}

func applyCircuitBreakerDefaults(cfg *CircuitBreakerConfig) {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.CooldownMS == 0 {
		cfg.CooldownMS = 60_000
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 2
	}
}

func applyMemoryDefaults(cfg *MemoryConfig) {
	if cfg.CacheMaxSize == 0 {
		cfg.CacheMaxSize = 10_000
	}
	if cfg.LogDir == "" {
		cfg.LogDir = "data/conversations"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "data/memory.db"
	}
}

func applyWatcherDefaults(cfg *WatcherConfig) {
	if cfg.DebounceMS == 0 {
		cfg.DebounceMS = 1000
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if value := strings.TrimSpace(os.Getenv("SUBSTRATE_LOG_LEVEL")); value != "" {
		cfg.Logging.Level = value
	}
	if value := strings.TrimSpace(os.Getenv("SUBSTRATE_MEMORY_DB_PATH")); value != "" {
		cfg.Memory.DBPath = value
	}
	if value := strings.TrimSpace(os.Getenv("SUBSTRATE_WATCHER_DEBOUNCE_MS")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Watcher.DebounceMS = parsed
		}
	}
}

// ConfigValidationError aggregates every validation issue found in a
// single pass, so a misconfigured document reports everything wrong with
// it at once instead of one error per fix-and-reload cycle.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var issues []string

	if err := ValidateVersion(cfg.Version); err != nil {
		issues = append(issues, err.Error())
	}

	for provider, pc := range cfg.Providers {
		if len(pc.Keys) == 0 {
			issues = append(issues, fmt.Sprintf("providers.%s.keys must be non-empty", provider))
		}
	}
	for i, entry := range cfg.FailoverChain {
		if entry.Provider == "" {
			issues = append(issues, fmt.Sprintf("failover_chain[%d].provider is required", i))
		}
		if _, ok := cfg.Providers[entry.Provider]; !ok && len(cfg.Providers) > 0 {
			issues = append(issues, fmt.Sprintf("failover_chain[%d].provider %q has no matching providers entry", i, entry.Provider))
		}
	}

	if cfg.CircuitBreaker.FailureThreshold < 1 {
		issues = append(issues, "circuit_breaker.failure_threshold must be >= 1")
	}
	if cfg.CircuitBreaker.SuccessThreshold < 1 {
		issues = append(issues, "circuit_breaker.success_threshold must be >= 1")
	}
	for tool, limit := range cfg.RateLimit {
		if limit < 0 {
			issues = append(issues, fmt.Sprintf("rate_limit.%s must be >= 0", tool))
		}
	}
	for tool, limit := range cfg.Concurrency {
		if limit < 0 {
			issues = append(issues, fmt.Sprintf("concurrency.%s must be >= 0", tool))
		}
	}

	if strings.TrimSpace(cfg.Envs.Dev.StoragePath) != "" && strings.TrimSpace(cfg.Envs.Prod.StoragePath) != "" {
		if cfg.Envs.Dev.DatabasePath == cfg.Envs.Prod.DatabasePath {
			issues = append(issues, "envs.dev.db_path and envs.prod.db_path must differ")
		}
		if cfg.Envs.Dev.StoragePath == cfg.Envs.Prod.StoragePath {
			issues = append(issues, "envs.dev.storage_path and envs.prod.storage_path must differ")
		}
		if sharedPort, ok := firstSharedPort(cfg.Envs.Dev.Ports, cfg.Envs.Prod.Ports); ok {
			issues = append(issues, fmt.Sprintf("envs.dev.ports and envs.prod.ports must be disjoint, shared port %d", sharedPort))
		}
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}

func firstSharedPort(a, b []int) (int, bool) {
	seen := make(map[int]bool, len(a))
	for _, p := range a {
		seen[p] = true
	}
	for _, p := range b {
		if seen[p] {
			return p, true
		}
	}
	return 0, false
}
