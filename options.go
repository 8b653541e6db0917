package meshrpc

import (
	"log/slog"
	"time"
)

// CacheOption configures a TransportSocketCache at construction time.
type CacheOption func(*cacheConfig)

type cacheConfig struct {
	dialTimeout    time.Duration
	localhostOnly  bool
	machineID      string
	dial           func(url Url) MessageSocket
}

func defaultCacheConfig() cacheConfig {
	return cacheConfig{
		dialTimeout: socketDialTimeout,
		machineID:   localMachineID(),
	}
}

// WithDialTimeout overrides the per-candidate dial timeout. Default 5s.
func WithDialTimeout(d time.Duration) CacheOption {
	return func(c *cacheConfig) {
		c.dialTimeout = d
	}
}

// WithLocalhostOnly restricts the candidate set computed for local
// endpoints to loopback urls even when non-loopback local addresses are
// also advertised. Mirrors the original project's localhost_only flag,
// useful in sandboxed/container environments where only loopback traffic
// is permitted between processes on the same host.
func WithLocalhostOnly(only bool) CacheOption {
	return func(c *cacheConfig) {
		c.localhostOnly = only
	}
}

// WithMachineID overrides the machine id the cache uses to decide
// locality, instead of the process-wide localMachineID(). Test-only in
// practice, since a real deployment has exactly one true machine id.
func WithMachineID(id string) CacheOption {
	return func(c *cacheConfig) {
		c.machineID = id
	}
}

// withDialer overrides how the cache dials a candidate url. Test-only
// hook: production code never calls this and always gets the real
// tcpMessageSocket dialer.
func withDialer(fn func(url Url) MessageSocket) CacheOption {
	return func(c *cacheConfig) {
		c.dial = fn
	}
}

// GatewayOption configures a Gateway at construction time.
type GatewayOption func(*gatewayConfig)

type gatewayConfig struct {
	dialTimeout    time.Duration
	adminAddr      string
	logLevel       slog.Level
	cacheOpts      []CacheOption
}

func defaultGatewayConfig() gatewayConfig {
	return gatewayConfig{
		dialTimeout: socketDialTimeout,
		logLevel:    slog.LevelInfo,
	}
}

// WithGatewayDialTimeout bounds how long Listen waits to connect to the
// service directory, and how long the gateway waits to open a backend
// connection before failing the client requests queued for it. A
// WithDialTimeout passed through WithCacheOptions takes precedence for
// backend connections.
func WithGatewayDialTimeout(d time.Duration) GatewayOption {
	return func(c *gatewayConfig) {
		c.dialTimeout = d
	}
}

// WithAdminAddr records an admin address (e.g. "127.0.0.1:9090") in the
// gateway configuration. The Gateway does not read it and never starts an
// admin server itself; NewAdminServer is what binds and serves one.
func WithAdminAddr(addr string) GatewayOption {
	return func(c *gatewayConfig) {
		c.adminAddr = addr
	}
}

// WithLogLevel records a log level in the gateway configuration. The
// Gateway does not read it: it logs through slog's default logger, whose
// minimum level InitLogger sets.
func WithLogLevel(level slog.Level) GatewayOption {
	return func(c *gatewayConfig) {
		c.logLevel = level
	}
}

// WithCacheOptions forwards options to the TransportSocketCache the
// gateway constructs internally for its backend connections.
func WithCacheOptions(opts ...CacheOption) GatewayOption {
	return func(c *gatewayConfig) {
		c.cacheOpts = append(c.cacheOpts, opts...)
	}
}
