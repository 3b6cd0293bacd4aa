// Package config loads node configuration (A1): memory budget, preload
// list, checkpoint/rate-limit/timeout policy, RAG limits, and the chain
// binding, from a YAML (falling back to JSON) file plus a .env bootstrap.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/fabstir/llm-node/internal/apperrors"
)

func unmarshalJSON(data []byte, cfg *Config) error {
	return json.Unmarshal(data, cfg)
}

// PreloadModel is one entry in the startup preload list.
type PreloadModel struct {
	Name     string         `yaml:"name" json:"name"`
	Required bool           `yaml:"required" json:"required"`
	Params   map[string]any `yaml:"params" json:"params"`
}

// ChainConfig configures the on-chain checkpoint submitter.
type ChainConfig struct {
	RPCURL          string        `yaml:"rpc_url" json:"rpc_url"`
	ContractAddress string        `yaml:"contract_address" json:"contract_address"`
	ChainID         int64         `yaml:"chain_id" json:"chain_id"`
	ConfirmTimeout  time.Duration `yaml:"confirm_timeout" json:"confirm_timeout"`
}

// Config is this node's full runtime configuration, per the enumerated
// key list: model budget and preload, checkpoint/retry policy, rate
// limit, timeouts, RAG limits, and the encryption/chain identity.
type Config struct {
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`

	MemoryBudgetBytes uint64         `yaml:"memory_budget_bytes" json:"memory_budget_bytes"`
	PreloadModels     []PreloadModel `yaml:"preload_models" json:"preload_models"`

	CheckpointThresholdTokens uint64        `yaml:"checkpoint_threshold_tokens" json:"checkpoint_threshold_tokens"`
	CheckpointMaxRetries      int           `yaml:"checkpoint_max_retries" json:"checkpoint_max_retries"`
	CheckpointBackoffMs       []int         `yaml:"checkpoint_backoff_ms" json:"checkpoint_backoff_ms"`

	RateLimitPerMinute int `yaml:"rate_limit_per_minute" json:"rate_limit_per_minute"`

	RequestTimeoutMs  int `yaml:"request_timeout_ms" json:"request_timeout_ms"`
	IdleTimeoutMs     int `yaml:"idle_timeout_ms" json:"idle_timeout_ms"`
	ShutdownTimeoutMs int `yaml:"shutdown_timeout_ms" json:"shutdown_timeout_ms"`

	RAGEnabled           bool `yaml:"rag_enabled" json:"rag_enabled"`
	MaxVectorsPerSession int  `yaml:"max_vectors_per_session" json:"max_vectors_per_session"`

	HostPrivateKeyHex string `yaml:"host_private_key_hex" json:"host_private_key_hex"`

	Chain ChainConfig `yaml:"chain" json:"chain"`

	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format"`
}

// RequestTimeout returns the configured per-turn timeout as a Duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// IdleTimeout returns the configured idle-session timeout as a Duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMs) * time.Millisecond
}

// ShutdownTimeout returns the configured graceful-shutdown deadline.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMs) * time.Millisecond
}

// CheckpointBackoff returns the configured retry backoff schedule as
// Durations.
func (c *Config) CheckpointBackoff() []time.Duration {
	out := make([]time.Duration, len(c.CheckpointBackoffMs))
	for i, ms := range c.CheckpointBackoffMs {
		out[i] = time.Duration(ms) * time.Millisecond
	}
	return out
}

// LoadEnv loads .env (if present) into the process environment before
// Load is called, so config values referencing ${VAR} style overrides
// or secrets supplied only via environment are available. A missing
// file is not an error: .env is optional in every deployment but local
// development.
func LoadEnv(path string) {
	_ = godotenv.Load(path)
}

// Load reads path, expands ${VAR} references from the environment,
// parses as YAML first and falls back to JSON on failure (operators may
// hand-author either), then applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Validation, "config.Load", fmt.Errorf("read config file: %w", err))
	}
	data = []byte(os.ExpandEnv(string(data)))

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := unmarshalJSON(data, cfg); jsonErr != nil {
			return nil, apperrors.Wrap(apperrors.Validation, "config.Load",
				fmt.Errorf("parse config file (tried YAML and JSON): yaml=%v json=%w", err, jsonErr))
		}
	}

	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants Load cannot repair with a default:
// encrypted mode requires a host key, the memory budget must be positive,
// and RAG limits must be positive when RAG is enabled.
func (c *Config) Validate() error {
	if c.HostPrivateKeyHex == "" {
		return apperrors.New(apperrors.Validation, "config.Validate", "host_private_key_hex is required")
	}
	if c.MemoryBudgetBytes == 0 {
		return apperrors.New(apperrors.Validation, "config.Validate", "memory_budget_bytes must be positive")
	}
	if c.RAGEnabled && c.MaxVectorsPerSession <= 0 {
		return apperrors.New(apperrors.Validation, "config.Validate", "max_vectors_per_session must be positive when rag_enabled")
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9090"
	}
	if cfg.CheckpointThresholdTokens == 0 {
		cfg.CheckpointThresholdTokens = 100
	}
	if cfg.CheckpointMaxRetries == 0 {
		cfg.CheckpointMaxRetries = 3
	}
	if len(cfg.CheckpointBackoffMs) == 0 {
		cfg.CheckpointBackoffMs = []int{1000, 4000, 16000}
	}
	if cfg.RateLimitPerMinute == 0 {
		cfg.RateLimitPerMinute = 60
	}
	if cfg.RequestTimeoutMs == 0 {
		cfg.RequestTimeoutMs = 30000
	}
	if cfg.IdleTimeoutMs == 0 {
		cfg.IdleTimeoutMs = 5 * 60 * 1000
	}
	if cfg.ShutdownTimeoutMs == 0 {
		cfg.ShutdownTimeoutMs = 30000
	}
	if cfg.MaxVectorsPerSession == 0 {
		cfg.MaxVectorsPerSession = 100_000
	}
	if cfg.Chain.ConfirmTimeout == 0 {
		cfg.Chain.ConfirmTimeout = 30 * time.Second
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
}
