// Package config loads the daemon's layered YAML configuration: transport,
// storage, policy, consensus, cloud sync, and orchestrator settings.
//
// Grounded in the teacher's config.go: same yaml.v3 unmarshal-then-default
// pattern and the same BaseDir-relative path resolution. This package loads
// a single config file; the filepath.Glob + multi-document decode idiom the
// teacher's LoadCells used lives in internal/policy, which applies it to
// policy record files.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the daemon's top-level configuration.
type Config struct {
	AppName string `yaml:"app_name"`
	Debug   bool   `yaml:"debug"`

	BaseDir []string `yaml:"basedir"`

	Transport  TransportConfig  `yaml:"transport"`
	Storage    StorageConfig    `yaml:"storage"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	Policy     PolicyConfig     `yaml:"policy"`
	Consensus  ConsensusConfig  `yaml:"consensus"`
	CloudSync  CloudSyncConfig  `yaml:"cloud_sync"`
	Signing    SigningConfig    `yaml:"signing"`
}

// TransportConfig configures the protocol listener (spec.md §4.1, §6).
type TransportConfig struct {
	// Network is "unix" or "tcp"; it selects the listener for the framed
	// envelope protocol. The WebSocket surface is served separately by the
	// orchestrator's HTTP server.
	Network    string `yaml:"network"`
	Address    string `yaml:"address"`
	ProtocolV  int    `yaml:"protocol_version"`
}

// StorageConfig configures the batched write-ahead store (spec.md §4.4).
type StorageConfig struct {
	// Type selects "memory" or "badger".
	Type            string `yaml:"type"`
	Path            string `yaml:"path"`
	MaxBatchSize    int    `yaml:"max_batch_size"`
	MaxBatchBytes   int    `yaml:"max_batch_bytes"`
	MaxBatchDelayMs int    `yaml:"max_batch_delay_ms"`
}

// DeliveryConfig holds the reliable-delivery retry settings (spec.md §4.3).
// Load fills in defaults and validates them, but nothing passes them on:
// router.New always builds its delivery manager from delivery.DefaultConfig().
type DeliveryConfig struct {
	AckTimeoutMs  int `yaml:"ack_timeout_ms"`
	MaxAttempts   int `yaml:"max_attempts"`
	DeliveryTTLMs int `yaml:"delivery_ttl_ms"`
}

// PolicyConfig configures the Policy Gate's layered sources (spec.md §4.5).
type PolicyConfig struct {
	RepoPolicyPath        string `yaml:"repo_policy_path"`
	LocalPolicyGlob       string `yaml:"local_policy_glob"`
	WorkspaceTTLSeconds   int    `yaml:"workspace_ttl_seconds"`
	StrictMode            bool   `yaml:"strict_mode"`
	RequireExplicitAgents bool   `yaml:"require_explicit_agents"`
}

// ConsensusConfig holds the default proposal timeout (spec.md §4.6). Load
// fills in a default, but the value is not passed to consensus.Engine, which
// uses its own fixed 60s fallback for proposals that give no timeout.
type ConsensusConfig struct {
	DefaultTimeoutMs int `yaml:"default_timeout_ms"`
}

// CloudSyncConfig configures the best-effort cloud bridge (spec.md §4.7).
type CloudSyncConfig struct {
	Enabled               bool   `yaml:"enabled"`
	Endpoint              string `yaml:"endpoint"`
	HeartbeatIntervalSecs int    `yaml:"heartbeat_interval_seconds"`
	MachineIDPath         string `yaml:"machine_id_path"`
}

// SigningConfig configures Agent Signing (spec.md §4.9).
type SigningConfig struct {
	Enabled           bool     `yaml:"enabled"`
	KeyDir            string   `yaml:"key_dir"`
	RequireSignatures bool     `yaml:"require_signatures"`
	AllowUnsignedFrom []string `yaml:"allow_unsigned_from"`
}

// Load reads and validates the daemon config, applying defaults for any
// zero-valued field.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Transport.Network == "" {
		cfg.Transport.Network = "unix"
	}
	if cfg.Transport.Address == "" {
		cfg.Transport.Address = "/tmp/agent-relay.sock"
	}
	if cfg.Transport.ProtocolV == 0 {
		cfg.Transport.ProtocolV = 1
	}

	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "memory"
	}
	if cfg.Storage.MaxBatchSize == 0 {
		cfg.Storage.MaxBatchSize = 50
	}
	if cfg.Storage.MaxBatchBytes == 0 {
		cfg.Storage.MaxBatchBytes = 256 * 1024
	}
	if cfg.Storage.MaxBatchDelayMs == 0 {
		cfg.Storage.MaxBatchDelayMs = 50
	}

	if cfg.Delivery.AckTimeoutMs == 0 {
		cfg.Delivery.AckTimeoutMs = 2000
	}
	if cfg.Delivery.MaxAttempts == 0 {
		cfg.Delivery.MaxAttempts = 5
	}
	if cfg.Delivery.DeliveryTTLMs == 0 {
		cfg.Delivery.DeliveryTTLMs = 60_000
	}

	if cfg.Policy.WorkspaceTTLSeconds == 0 {
		cfg.Policy.WorkspaceTTLSeconds = 300
	}

	if cfg.Consensus.DefaultTimeoutMs == 0 {
		cfg.Consensus.DefaultTimeoutMs = 60_000
	}

	if cfg.CloudSync.HeartbeatIntervalSecs == 0 {
		cfg.CloudSync.HeartbeatIntervalSecs = 30
	}
	if cfg.CloudSync.MachineIDPath == "" {
		cfg.CloudSync.MachineIDPath = defaultDataPath("machine-id")
	}

	if cfg.Signing.KeyDir == "" {
		cfg.Signing.KeyDir = defaultDataPath("keys")
	}
}

func defaultDataPath(leaf string) string {
	dir := os.Getenv("AGENT_RELAY_DATA_DIR")
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, leaf)
}

func validate(cfg *Config) error {
	if cfg.Delivery.AckTimeoutMs < 0 {
		return fmt.Errorf("delivery.ack_timeout_ms cannot be negative: %d", cfg.Delivery.AckTimeoutMs)
	}
	if cfg.Delivery.MaxAttempts < 1 {
		return fmt.Errorf("delivery.max_attempts must be at least 1: %d", cfg.Delivery.MaxAttempts)
	}
	if cfg.Storage.Type != "memory" && cfg.Storage.Type != "badger" {
		return fmt.Errorf("storage.type must be \"memory\" or \"badger\", got %q", cfg.Storage.Type)
	}
	return nil
}

// ResolvePath joins a possibly-relative path against the first configured
// BaseDir entry, matching the teacher's LoadCells/LoadPool resolution rule.
func (c *Config) ResolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) || len(c.BaseDir) == 0 {
		return path
	}
	return filepath.Join(c.BaseDir[0], path)
}
