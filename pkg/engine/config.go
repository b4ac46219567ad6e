package engine

import (
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Package-level tunables, exported for backwards-compatible direct access
// at startup before any goroutines are spawned. For concurrent runtime
// access, use the Get/Set functions below, mirroring the teacher's
// config.go split between direct variables and thread-safe accessors.
var (
	DefaultBatchSize    = 100
	DefaultMaxRetries   = 0
	DefaultRetryDelayMs = 100
	MaxInputSize        = 10 * 1024 * 1024 // 10MB, 0 disables the check
)

var (
	configMu   sync.RWMutex
	configOnce sync.Once
)

var configValues struct {
	defaultBatchSize    int
	defaultMaxRetries   int
	defaultRetryDelayMs int
	maxInputSize        int
}

func initConfigOnce() {
	configOnce.Do(func() {
		configValues.defaultBatchSize = DefaultBatchSize
		configValues.defaultMaxRetries = DefaultMaxRetries
		configValues.defaultRetryDelayMs = DefaultRetryDelayMs
		configValues.maxInputSize = MaxInputSize
	})
}

// GetDefaultBatchSize returns the package default batch size thread-safely.
func GetDefaultBatchSize() int {
	initConfigOnce()
	configMu.RLock()
	defer configMu.RUnlock()
	return configValues.defaultBatchSize
}

// SetDefaultBatchSize updates the package default batch size thread-safely.
func SetDefaultBatchSize(n int) {
	initConfigOnce()
	configMu.Lock()
	defer configMu.Unlock()
	configValues.defaultBatchSize = n
}

// GetMaxInputSize returns the configured input size ceiling. 0 disables it.
func GetMaxInputSize() int {
	initConfigOnce()
	configMu.RLock()
	defer configMu.RUnlock()
	return configValues.maxInputSize
}

// SetMaxInputSize updates the configured input size ceiling.
func SetMaxInputSize(n int) {
	initConfigOnce()
	configMu.Lock()
	defer configMu.Unlock()
	configValues.maxInputSize = n
}

// Config configures one engine instance. Unlike the package-level
// defaults above, a Config is owned by a single Engine and safe to build
// fresh per job.
type Config struct {
	BatchSize            int
	MaxConcurrentBatches int // 1 = sequential driver
	MaxRetries           int
	RetryDelayMs         int
	ContinueOnError      bool
	Schema               *Schema
	Hooks                *Hooks
	DuplicateChecker     DuplicateChecker
	StateStore           StateStore
	Distributed          bool
	MaxRecordsPerSecond  int // 0 = unbounded; throttles processor dispatch
}

// withDefaults returns a copy of cfg with zero-valued fields replaced by
// package defaults.
func (cfg Config) withDefaults() Config {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = GetDefaultBatchSize()
	}
	if cfg.MaxConcurrentBatches <= 0 {
		cfg.MaxConcurrentBatches = 1
	}
	if cfg.RetryDelayMs <= 0 {
		cfg.RetryDelayMs = GetDefaultRetryDelayMs()
	}
	return cfg
}

// GetDefaultRetryDelayMs returns the package default retry delay thread-safely.
func GetDefaultRetryDelayMs() int {
	initConfigOnce()
	configMu.RLock()
	defer configMu.RUnlock()
	return configValues.defaultRetryDelayMs
}

func (cfg Config) snapshot() ConfigSnapshot {
	return ConfigSnapshot{
		BatchSize:            cfg.BatchSize,
		MaxConcurrentBatches: cfg.MaxConcurrentBatches,
		MaxRetries:           cfg.MaxRetries,
		RetryDelayMs:         cfg.RetryDelayMs,
		ContinueOnError:      cfg.ContinueOnError,
		Distributed:          cfg.Distributed,
	}
}

// EngineConfig is a host-facing, file-loadable subset of Config: the
// fields that make sense as static YAML configuration rather than runtime
// object wiring (Schema, hooks, and stores are assembled in code).
type EngineConfig struct {
	BatchSize            int  `yaml:"batchSize"`
	MaxConcurrentBatches int  `yaml:"maxConcurrentBatches"`
	MaxRetries           int  `yaml:"maxRetries"`
	RetryDelayMs         int  `yaml:"retryDelayMs"`
	ContinueOnError      bool `yaml:"continueOnError"`
	MaxRecordsPerSecond  int  `yaml:"maxRecordsPerSecond"`
}

// LoadEngineConfigFile reads an EngineConfig from a YAML file.
func LoadEngineConfigFile(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadEngineConfigBytes(data)
}

// LoadEngineConfigBytes parses an EngineConfig from YAML bytes.
func LoadEngineConfigBytes(data []byte) (*EngineConfig, error) {
	var cfg EngineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ToConfig merges the file config onto a base Config, leaving object-typed
// fields (Schema, Hooks, stores) untouched.
func (ec *EngineConfig) ToConfig(base Config) Config {
	if ec == nil {
		return base
	}
	if ec.BatchSize > 0 {
		base.BatchSize = ec.BatchSize
	}
	if ec.MaxConcurrentBatches > 0 {
		base.MaxConcurrentBatches = ec.MaxConcurrentBatches
	}
	if ec.MaxRetries > 0 {
		base.MaxRetries = ec.MaxRetries
	}
	if ec.RetryDelayMs > 0 {
		base.RetryDelayMs = ec.RetryDelayMs
	}
	base.ContinueOnError = ec.ContinueOnError
	base.MaxRecordsPerSecond = ec.MaxRecordsPerSecond
	return base
}

// retryBackoff returns the exponential backoff delay for attempt a
// (1-indexed), per spec §4.7: retryDelayMs * 2^(a-1).
func retryBackoff(retryDelayMs, attempt int) time.Duration {
	ms := retryDelayMs
	for i := 1; i < attempt; i++ {
		ms *= 2
	}
	return time.Duration(ms) * time.Millisecond
}
