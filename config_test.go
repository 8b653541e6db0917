package meshrpc

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, "gateway:\n  directory_addr: tcp://127.0.0.1:9559\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Gateway.ListenAddr != "tcp://0.0.0.0:9559" {
		t.Fatalf("got %q", cfg.Gateway.ListenAddr)
	}
	if cfg.Gateway.DialTimeout != 5*time.Second {
		t.Fatalf("got %v", cfg.Gateway.DialTimeout)
	}
	if cfg.Gateway.LogLevel != "info" {
		t.Fatalf("got %q", cfg.Gateway.LogLevel)
	}
}

func TestLoadConfig_OverridesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
gateway:
  listen_addr: tcp://0.0.0.0:7000
  directory_addr: tcp://127.0.0.1:9559
  admin_addr: 127.0.0.1:9090
  dial_timeout: 2s
  log_level: debug
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Gateway.ListenAddr != "tcp://0.0.0.0:7000" {
		t.Fatalf("got %q", cfg.Gateway.ListenAddr)
	}
	if cfg.Gateway.DialTimeout != 2*time.Second {
		t.Fatalf("got %v", cfg.Gateway.DialTimeout)
	}
}

func TestLoadConfig_MissingDirectoryAddrFails(t *testing.T) {
	path := writeTempConfig(t, "gateway:\n  listen_addr: tcp://0.0.0.0:7000\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected an error when directory_addr is missing")
	}
}

func TestParseLogLevel(t *testing.T) {
	if ParseLogLevel("debug") != -4 {
		t.Fatalf("got %v", ParseLogLevel("debug"))
	}
	if ParseLogLevel("unknown") != 0 {
		t.Fatalf("expected Info (0) for unrecognized level, got %v", ParseLogLevel("unknown"))
	}
}
