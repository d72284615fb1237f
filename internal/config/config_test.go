package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "app_name: relay\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport.Network != "unix" {
		t.Fatalf("expected default network unix, got %q", cfg.Transport.Network)
	}
	if cfg.Delivery.MaxAttempts != 5 {
		t.Fatalf("expected default max attempts 5, got %d", cfg.Delivery.MaxAttempts)
	}
	if cfg.Storage.Type != "memory" {
		t.Fatalf("expected default storage type memory, got %q", cfg.Storage.Type)
	}
}

func TestLoadRejectsBadStorageType(t *testing.T) {
	path := writeConfig(t, "storage:\n  type: mysql\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for unsupported storage type")
	}
}

func TestLoadRejectsNegativeAckTimeout(t *testing.T) {
	path := writeConfig(t, "delivery:\n  ack_timeout_ms: -1\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for negative ack timeout")
	}
}

func TestResolvePathJoinsBaseDir(t *testing.T) {
	cfg := &Config{BaseDir: []string{"/etc/relay"}}
	if got := cfg.ResolvePath("policy.yaml"); got != "/etc/relay/policy.yaml" {
		t.Fatalf("expected joined path, got %q", got)
	}
	if got := cfg.ResolvePath("/abs/path.yaml"); got != "/abs/path.yaml" {
		t.Fatalf("expected absolute path unchanged, got %q", got)
	}
}
