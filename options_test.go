package meshrpc

import (
	"testing"
	"time"
)

func TestDefaultCacheConfig(t *testing.T) {
	cfg := defaultCacheConfig()
	if cfg.dialTimeout != socketDialTimeout {
		t.Fatalf("got %v", cfg.dialTimeout)
	}
	if cfg.machineID == "" {
		t.Fatal("expected a non-empty default machine id")
	}
}

func TestCacheOptions_Apply(t *testing.T) {
	cfg := defaultCacheConfig()
	WithDialTimeout(2 * time.Second)(&cfg)
	WithLocalhostOnly(true)(&cfg)
	WithMachineID("fixed-id")(&cfg)

	if cfg.dialTimeout != 2*time.Second {
		t.Fatalf("got %v", cfg.dialTimeout)
	}
	if !cfg.localhostOnly {
		t.Fatal("expected localhostOnly to be true")
	}
	if cfg.machineID != "fixed-id" {
		t.Fatalf("got %q", cfg.machineID)
	}
}

func TestGatewayOptions_Apply(t *testing.T) {
	cfg := defaultGatewayConfig()
	WithGatewayDialTimeout(3 * time.Second)(&cfg)
	WithAdminAddr("127.0.0.1:9090")(&cfg)

	if cfg.dialTimeout != 3*time.Second {
		t.Fatalf("got %v", cfg.dialTimeout)
	}
	if cfg.adminAddr != "127.0.0.1:9090" {
		t.Fatalf("got %q", cfg.adminAddr)
	}
}

func TestWithCacheOptions_Forwards(t *testing.T) {
	cfg := defaultGatewayConfig()
	WithCacheOptions(WithMachineID("nested-id"))(&cfg)

	if len(cfg.cacheOpts) != 1 {
		t.Fatalf("expected 1 forwarded cache option, got %d", len(cfg.cacheOpts))
	}
	cc := defaultCacheConfig()
	cfg.cacheOpts[0](&cc)
	if cc.machineID != "nested-id" {
		t.Fatalf("got %q", cc.machineID)
	}
}
