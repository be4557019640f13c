// Package config provides configuration for the run service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Carrerajorge/Hola-sub007/internal/contract"
	"github.com/Carrerajorge/Hola-sub007/internal/progress"
)

// Config holds the run service configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Database
	DatabaseURL string

	// Logging
	LogFormat string
	LogLevel  string

	// Pipeline; empty runs the built-in simulated job
	PipelineURL     string
	PipelineTimeout time.Duration
	SimulatedDelay  time.Duration

	// Admission and lifecycle
	MaxConcurrentRuns int
	RetryAfter        time.Duration
	JobTimeout        time.Duration
	CleanupDelay      time.Duration
	Retention         time.Duration
	InactivityTimeout time.Duration
	GCInterval        time.Duration

	// Trace bus
	BusFlushInterval time.Duration
	BusFlushSize     int

	// Event store
	StoreBatchSize     int
	StoreFlushInterval time.Duration
	StoreMaxBuffer     int
	StoreMaxRetries    int
	StoreIdleTimeout   time.Duration
	StoreSweepInterval time.Duration

	// Stream gateway
	HeartbeatInterval time.Duration
	ClientTimeout     time.Duration
	ReplayPageSize    int
	SendBuffer        int

	// RunDefaultsFile points at an optional YAML file with run defaults.
	RunDefaultsFile string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		HTTPPort:           getEnvInt("HTTP_PORT", 8080),
		DatabaseURL:        getEnv("DATABASE_URL", "file:runs.db?cache=shared&mode=rwc"),
		LogFormat:          getEnv("LOG_FORMAT", "terminal"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		PipelineURL:        getEnv("PIPELINE_URL", ""),
		PipelineTimeout:    getEnvMs("PIPELINE_TIMEOUT_MS", 1800000),
		SimulatedDelay:     getEnvMs("SIMULATED_DELAY_MS", 50),
		MaxConcurrentRuns:  getEnvInt("MAX_CONCURRENT_RUNS", 5),
		RetryAfter:         getEnvMs("RETRY_AFTER_MS", 30000),
		JobTimeout:         getEnvMs("JOB_TIMEOUT_MS", 1800000),
		CleanupDelay:       getEnvMs("CLEANUP_DELAY_MS", 30000),
		Retention:          getEnvMs("RUN_RETENTION_MS", 600000),
		InactivityTimeout:  getEnvMs("RUN_INACTIVITY_TIMEOUT_MS", 900000),
		GCInterval:         getEnvMs("GC_INTERVAL_MS", 60000),
		BusFlushInterval:   getEnvMs("BUS_FLUSH_INTERVAL_MS", 50),
		BusFlushSize:       getEnvInt("BUS_FLUSH_SIZE", 10),
		StoreBatchSize:     getEnvInt("STORE_BATCH_SIZE", 50),
		StoreFlushInterval: getEnvMs("STORE_FLUSH_INTERVAL_MS", 100),
		StoreMaxBuffer:     getEnvInt("STORE_MAX_BUFFER", 10000),
		StoreMaxRetries:    getEnvInt("STORE_MAX_RETRIES", 3),
		StoreIdleTimeout:   getEnvMs("STORE_IDLE_TIMEOUT_MS", 300000),
		StoreSweepInterval: getEnvMs("STORE_SWEEP_INTERVAL_MS", 60000),
		HeartbeatInterval:  getEnvMs("HEARTBEAT_INTERVAL_MS", 15000),
		ClientTimeout:      getEnvMs("CLIENT_TIMEOUT_MS", 120000),
		ReplayPageSize:     getEnvInt("REPLAY_PAGE_SIZE", 500),
		SendBuffer:         getEnvInt("CLIENT_SEND_BUFFER", 256),
		RunDefaultsFile:    getEnv("RUN_DEFAULTS_FILE", ""),
	}
	return cfg
}

// RunDefaults are the per-run settings that may be overridden from a YAML
// file.
type RunDefaults struct {
	TargetCount   int               `yaml:"target_count"`
	ProgressDelta float64           `yaml:"progress_delta"`
	Contract      contract.Contract `yaml:"contract"`
	Weights       progress.Weights  `yaml:"weights"`
}

// DefaultRunDefaults returns the built-in run defaults.
func DefaultRunDefaults() RunDefaults {
	return RunDefaults{
		TargetCount:   50,
		ProgressDelta: progress.DefaultDelta,
		Contract:      contract.DefaultContract(),
		Weights:       progress.DefaultWeights(),
	}
}

// ParseRunDefaults decodes YAML run defaults. Missing keys keep their
// built-in values.
func ParseRunDefaults(data []byte) (RunDefaults, error) {
	d := DefaultRunDefaults()
	if err := yaml.Unmarshal(data, &d); err != nil {
		return RunDefaults{}, fmt.Errorf("failed to parse run defaults: %w", err)
	}
	if d.TargetCount <= 0 {
		return RunDefaults{}, fmt.Errorf("target_count must be positive, got %d", d.TargetCount)
	}
	w := d.Weights
	if w.Collection < 0 || w.Verification < 0 || w.Export < 0 {
		return RunDefaults{}, fmt.Errorf("weights must not be negative")
	}
	return d, nil
}

// LoadRunDefaults reads the run defaults file, or returns the built-in
// defaults when path is empty.
func LoadRunDefaults(path string) (RunDefaults, error) {
	if path == "" {
		return DefaultRunDefaults(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return RunDefaults{}, fmt.Errorf("failed to read run defaults: %w", err)
	}
	return ParseRunDefaults(data)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvMs(key string, defaultMs int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMs)) * time.Millisecond
}
