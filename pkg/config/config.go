// Package config provides centralized configuration for the insulate
// server.
//
// Configuration can be loaded from:
// - YAML configuration file (default: /etc/insulate/config.yaml)
// - Environment variables (ISOLATE_* plus a few historical unprefixed ones)
//
// Configuration is organized into sections matching the runtime
// components: Server, Runner, Builder, Agent, Metrics, Log.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the insulate server.
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server"`

	// Runner (task pipeline) configuration
	Runner RunnerConfig `yaml:"runner"`

	// Environment builder configuration
	Builder BuilderConfig `yaml:"builder"`

	// Agent bridge configuration
	Agent AgentConfig `yaml:"agent"`

	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics"`

	// Logging configuration
	Log LogConfig `yaml:"log"`
}

// ServerConfig holds the RPC server settings.
type ServerConfig struct {
	// BindAddress is the address the gRPC server listens on.
	BindAddress string `yaml:"bind_address"`
}

// RunnerConfig holds task-pipeline settings.
type RunnerConfig struct {
	// MaxThreads caps the number of concurrently running background tasks.
	MaxThreads int `yaml:"max_threads"`

	// EmptyMessageInterval is how long a stream may sit idle before a
	// synthetic empty element is emitted to keep intermediaries from
	// pruning it.
	EmptyMessageInterval time.Duration `yaml:"empty_message_interval"`

	// InheritFromLocal adds the host runtime to every run's inheritance
	// environments.
	InheritFromLocal bool `yaml:"inherit_from_local"`
}

// BuilderConfig holds environment-builder settings.
type BuilderConfig struct {
	// CacheDir is where built environments are materialized.
	CacheDir string `yaml:"cache_dir"`

	// PythonBinary is the interpreter used for virtualenv creation and
	// for resolving the local runtime.
	PythonBinary string `yaml:"python_binary"`
}

// AgentConfig holds worker-agent settings.
type AgentConfig struct {
	// Binary is the agent executable launched inside built environments.
	Binary string `yaml:"binary"`

	// MaxBridgeWait bounds how long bridge establishment may take.
	MaxBridgeWait time.Duration `yaml:"max_bridge_wait"`

	// RequirementsTxt, when set, points at a file whose lines are extra
	// requirements layered under every run's primary environment.
	RequirementsTxt string `yaml:"requirements_txt"`
}

// MetricsConfig holds metrics endpoint settings.
type MetricsConfig struct {
	// Enabled controls whether the metrics endpoint is served.
	Enabled bool `yaml:"enabled"`

	// Address is the address to listen on for metrics.
	Address string `yaml:"address"`

	// Path is the HTTP path for the metrics endpoint.
	Path string `yaml:"path"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	// Level is the log level: trace, debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is the log format: text, json.
	Format string `yaml:"format"`

	// File is the optional log file path.
	File string `yaml:"file"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	cacheDir := "/var/cache/insulate"
	if home, err := os.UserCacheDir(); err == nil {
		cacheDir = filepath.Join(home, "insulate")
	}

	return &Config{
		Server: ServerConfig{
			BindAddress: "[::]:50001",
		},
		Runner: RunnerConfig{
			MaxThreads:           5,
			EmptyMessageInterval: 600 * time.Second,
			InheritFromLocal:     false,
		},
		Builder: BuilderConfig{
			CacheDir:     cacheDir,
			PythonBinary: "python3",
		},
		Agent: AgentConfig{
			Binary:        "insulate-agent",
			MaxBridgeWait: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9090",
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a YAML file, starting from the
// defaults. A missing file is not an error.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv applies environment overrides. The interval and timeout
// variables carry float seconds, not duration strings.
func LoadFromEnv(cfg *Config) {
	loadEnvString(&cfg.Server.BindAddress, "ISOLATE_BIND_ADDRESS")

	loadEnvSeconds(&cfg.Runner.EmptyMessageInterval, "ISOLATE_EMPTY_MESSAGE_INTERVAL")
	loadEnvInt(&cfg.Runner.MaxThreads, "MAX_THREADS")
	if os.Getenv("ISOLATE_INHERIT_FROM_LOCAL") == "1" {
		cfg.Runner.InheritFromLocal = true
	}

	loadEnvString(&cfg.Builder.CacheDir, "ISOLATE_CACHE_DIR")
	loadEnvString(&cfg.Builder.PythonBinary, "ISOLATE_PYTHON_BINARY")

	loadEnvString(&cfg.Agent.Binary, "ISOLATE_AGENT_BINARY")
	loadEnvSeconds(&cfg.Agent.MaxBridgeWait, "ISOLATE_MAX_GRPC_WAIT_TIMEOUT")
	loadEnvString(&cfg.Agent.RequirementsTxt, "AGENT_REQUIREMENTS_TXT")

	loadEnvBool(&cfg.Metrics.Enabled, "ISOLATE_METRICS_ENABLED")
	loadEnvString(&cfg.Metrics.Address, "ISOLATE_METRICS_ADDRESS")

	loadEnvString(&cfg.Log.Level, "ISOLATE_LOG_LEVEL")
	loadEnvString(&cfg.Log.Format, "ISOLATE_LOG_FORMAT")
}

// Load combines file and environment loading.
func Load(path string) (*Config, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	LoadFromEnv(cfg)
	return cfg, nil
}

// AgentRequirements reads the configured requirements file, one
// requirement per line. Returns nil when no file is configured.
func (c *Config) AgentRequirements() ([]string, error) {
	if c.Agent.RequirementsTxt == "" {
		return nil, nil
	}

	data, err := os.ReadFile(c.Agent.RequirementsTxt)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent requirements: %w", err)
	}

	var reqs []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			reqs = append(reqs, line)
		}
	}
	return reqs, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.BindAddress == "" {
		return fmt.Errorf("server bind_address must not be empty")
	}

	if c.Runner.MaxThreads < 1 {
		return fmt.Errorf("runner max_threads must be positive, got %d", c.Runner.MaxThreads)
	}

	if c.Runner.EmptyMessageInterval <= 0 {
		return fmt.Errorf("runner empty_message_interval must be positive")
	}

	if c.Agent.MaxBridgeWait <= 0 {
		return fmt.Errorf("agent max_bridge_wait must be positive")
	}

	if err := ensureDir(c.Builder.CacheDir); err != nil {
		return fmt.Errorf("failed to ensure cache directory %s: %w", c.Builder.CacheDir, err)
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	return nil
}

// ApplyToLogger applies logging configuration.
func (c *Config) ApplyToLogger(log *logrus.Logger) {
	switch c.Log.Level {
	case "trace":
		log.SetLevel(logrus.TraceLevel)
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "info":
		log.SetLevel(logrus.InfoLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}

	switch c.Log.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	if c.Log.File != "" {
		dir := filepath.Dir(c.Log.File)
		if err := os.MkdirAll(dir, 0755); err == nil {
			if f, err := os.OpenFile(c.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
				log.SetOutput(f)
			}
		}
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func ensureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

func loadEnvString(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

func loadEnvBool(target *bool, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val == "true" || val == "1" || val == "yes"
	}
}

func loadEnvInt(target *int, key string) {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*target = i
		}
	}
}

func loadEnvSeconds(target *time.Duration, key string) {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			*target = time.Duration(f * float64(time.Second))
		}
	}
}
