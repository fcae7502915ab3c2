// Package config loads the global settings from ~/.mind-flayer/config.yaml
// and applies environment overrides.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Credential backends.
const (
	BackendFile     = "file"
	BackendKeychain = "keychain"
)

// GlobalConfig holds global settings from ~/.mind-flayer/config.yaml.
type GlobalConfig struct {
	Sidecar     SidecarConfig    `yaml:"sidecar"`
	Credentials CredentialConfig `yaml:"credentials"`
	Debug       DebugConfig      `yaml:"debug"`
}

// SidecarConfig controls how the sidecar service is launched and supervised.
type SidecarConfig struct {
	// Command is the sidecar executable. Empty means this binary's hidden
	// _sidecar command.
	Command           string   `yaml:"command"`
	Args              []string `yaml:"args"`
	PreferredPort     int      `yaml:"preferred_port"`
	MaxAttempts       int      `yaml:"max_attempts"`
	HealthTimeout     Duration `yaml:"health_timeout"`
	HealthInterval    Duration `yaml:"health_interval"`
	RetryDelay        Duration `yaml:"retry_delay"`
	ShutdownGrace     Duration `yaml:"shutdown_grace"`
	PortWaitTimeout   Duration `yaml:"port_wait_timeout"`
	StderrBufferBytes int      `yaml:"stderr_buffer_bytes"`
}

// CredentialConfig selects the credential storage strategy.
type CredentialConfig struct {
	Backend string `yaml:"backend"`
	// Dir holds provider_configs.dat for the file backend.
	Dir string `yaml:"dir"`
}

// DebugConfig holds debug log settings.
type DebugConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

// Duration is a time.Duration that unmarshals from Go duration strings
// ("200ms", "10s"). Invalid values leave the default in place.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return nil
	}
	if parsed, err := time.ParseDuration(strings.TrimSpace(s)); err == nil && parsed > 0 {
		*d = Duration(parsed)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DefaultGlobalConfig returns the default global configuration.
func DefaultGlobalConfig() *GlobalConfig {
	return &GlobalConfig{
		Sidecar: SidecarConfig{
			PreferredPort:     3737,
			MaxAttempts:       3,
			HealthTimeout:     Duration(10 * time.Second),
			HealthInterval:    Duration(200 * time.Millisecond),
			RetryDelay:        Duration(200 * time.Millisecond),
			ShutdownGrace:     Duration(200 * time.Millisecond),
			PortWaitTimeout:   Duration(15 * time.Second),
			StderrBufferBytes: 4 * 1024,
		},
		Credentials: CredentialConfig{
			Backend: BackendFile,
			Dir:     GlobalConfigDir(),
		},
		Debug: DebugConfig{
			RetentionDays: 7,
		},
	}
}

// LoadGlobal reads ~/.mind-flayer/config.yaml and applies environment overrides.
func LoadGlobal() (*GlobalConfig, error) {
	cfg := DefaultGlobalConfig()

	configPath := filepath.Join(GlobalConfigDir(), "config.yaml")
	if data, err := os.ReadFile(configPath); err == nil {
		_ = yaml.Unmarshal(data, cfg) // Ignore unmarshal errors, use defaults
	}

	applyEnv(cfg)
	cfg.normalize()
	return cfg, nil
}

func applyEnv(cfg *GlobalConfig) {
	if portStr := os.Getenv("MIND_FLAYER_SIDECAR_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.Sidecar.PreferredPort = port
		}
	}
	if cmd := os.Getenv("MIND_FLAYER_SIDECAR_COMMAND"); cmd != "" {
		cfg.Sidecar.Command = cmd
	}
	if backend := os.Getenv("MIND_FLAYER_CREDENTIAL_BACKEND"); backend != "" {
		cfg.Credentials.Backend = strings.ToLower(strings.TrimSpace(backend))
	}
}

// normalize restores defaults for values that would break supervision.
func (cfg *GlobalConfig) normalize() {
	def := DefaultGlobalConfig()
	s := &cfg.Sidecar
	if s.PreferredPort <= 0 || s.PreferredPort > 65535 {
		s.PreferredPort = def.Sidecar.PreferredPort
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = def.Sidecar.MaxAttempts
	}
	if s.StderrBufferBytes <= 0 {
		s.StderrBufferBytes = def.Sidecar.StderrBufferBytes
	}
	switch cfg.Credentials.Backend {
	case BackendFile, BackendKeychain:
	default:
		cfg.Credentials.Backend = BackendFile
	}
	if cfg.Credentials.Dir == "" {
		cfg.Credentials.Dir = def.Credentials.Dir
	}
}

// GlobalConfigDir returns the configuration root: $MIND_FLAYER_HOME if set,
// otherwise ~/.mind-flayer.
func GlobalConfigDir() string {
	if dir := os.Getenv("MIND_FLAYER_HOME"); dir != "" {
		return dir
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".mind-flayer")
	}
	return filepath.Join(homeDir, ".mind-flayer")
}

// DebugDir returns the directory for JSONL debug logs.
func DebugDir() string {
	return filepath.Join(GlobalConfigDir(), "debug")
}
