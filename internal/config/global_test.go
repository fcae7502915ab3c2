package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("MIND_FLAYER_HOME", home)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return home
}

func TestLoadGlobalConfig(t *testing.T) {
	writeConfig(t, `
sidecar:
  preferred_port: 9000
  max_attempts: 5
  health_timeout: 2s
  health_interval: 50ms
  args: ["--flag"]
credentials:
  backend: keychain
`)

	cfg, err := LoadGlobal()
	if err != nil {
		t.Fatalf("LoadGlobal: %v", err)
	}
	if cfg.Sidecar.PreferredPort != 9000 {
		t.Errorf("PreferredPort = %d, want 9000", cfg.Sidecar.PreferredPort)
	}
	if cfg.Sidecar.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.Sidecar.MaxAttempts)
	}
	if cfg.Sidecar.HealthTimeout.Std() != 2*time.Second {
		t.Errorf("HealthTimeout = %v, want 2s", cfg.Sidecar.HealthTimeout.Std())
	}
	if cfg.Sidecar.HealthInterval.Std() != 50*time.Millisecond {
		t.Errorf("HealthInterval = %v, want 50ms", cfg.Sidecar.HealthInterval.Std())
	}
	if len(cfg.Sidecar.Args) != 1 || cfg.Sidecar.Args[0] != "--flag" {
		t.Errorf("Args = %v, want [--flag]", cfg.Sidecar.Args)
	}
	if cfg.Credentials.Backend != BackendKeychain {
		t.Errorf("Backend = %q, want keychain", cfg.Credentials.Backend)
	}
}

func TestLoadGlobalConfigDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MIND_FLAYER_HOME", home)

	cfg, err := LoadGlobal()
	if err != nil {
		t.Fatalf("LoadGlobal: %v", err)
	}
	if cfg.Sidecar.PreferredPort != 3737 {
		t.Errorf("PreferredPort = %d, want default 3737", cfg.Sidecar.PreferredPort)
	}
	if cfg.Sidecar.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.Sidecar.MaxAttempts)
	}
	if cfg.Sidecar.HealthTimeout.Std() != 10*time.Second {
		t.Errorf("HealthTimeout = %v, want 10s", cfg.Sidecar.HealthTimeout.Std())
	}
	if cfg.Sidecar.StderrBufferBytes != 4096 {
		t.Errorf("StderrBufferBytes = %d, want 4096", cfg.Sidecar.StderrBufferBytes)
	}
	if cfg.Credentials.Backend != BackendFile {
		t.Errorf("Backend = %q, want file", cfg.Credentials.Backend)
	}
	if cfg.Credentials.Dir != home {
		t.Errorf("Credentials.Dir = %q, want %q", cfg.Credentials.Dir, home)
	}
}

func TestLoadGlobalConfig_InvalidValuesKeepDefaults(t *testing.T) {
	writeConfig(t, `
sidecar:
  preferred_port: 70000
  max_attempts: 0
  health_timeout: soon
credentials:
  backend: cloud
`)

	cfg, err := LoadGlobal()
	if err != nil {
		t.Fatalf("LoadGlobal: %v", err)
	}
	if cfg.Sidecar.PreferredPort != 3737 {
		t.Errorf("PreferredPort = %d, want 3737", cfg.Sidecar.PreferredPort)
	}
	if cfg.Sidecar.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.Sidecar.MaxAttempts)
	}
	if cfg.Sidecar.HealthTimeout.Std() != 10*time.Second {
		t.Errorf("HealthTimeout = %v, want 10s", cfg.Sidecar.HealthTimeout.Std())
	}
	if cfg.Credentials.Backend != BackendFile {
		t.Errorf("Backend = %q, want file", cfg.Credentials.Backend)
	}
}

func TestLoadGlobalConfig_EnvOverrides(t *testing.T) {
	writeConfig(t, "sidecar:\n  preferred_port: 9000\n")
	t.Setenv("MIND_FLAYER_SIDECAR_PORT", "4000")
	t.Setenv("MIND_FLAYER_SIDECAR_COMMAND", "/opt/sidecar")
	t.Setenv("MIND_FLAYER_CREDENTIAL_BACKEND", "KEYCHAIN")

	cfg, err := LoadGlobal()
	if err != nil {
		t.Fatalf("LoadGlobal: %v", err)
	}
	if cfg.Sidecar.PreferredPort != 4000 {
		t.Errorf("PreferredPort = %d, want 4000 (env override)", cfg.Sidecar.PreferredPort)
	}
	if cfg.Sidecar.Command != "/opt/sidecar" {
		t.Errorf("Command = %q, want /opt/sidecar", cfg.Sidecar.Command)
	}
	if cfg.Credentials.Backend != BackendKeychain {
		t.Errorf("Backend = %q, want keychain", cfg.Credentials.Backend)
	}
}

func TestGlobalConfigDir_Home(t *testing.T) {
	t.Setenv("MIND_FLAYER_HOME", "")
	home := t.TempDir()
	t.Setenv("HOME", home)

	if got, want := GlobalConfigDir(), filepath.Join(home, ".mind-flayer"); got != want {
		t.Errorf("GlobalConfigDir() = %q, want %q", got, want)
	}
	if got, want := DebugDir(), filepath.Join(home, ".mind-flayer", "debug"); got != want {
		t.Errorf("DebugDir() = %q, want %q", got, want)
	}
}
