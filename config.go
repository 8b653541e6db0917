package meshrpc

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the cmd/gateway YAML configuration file, overridable by
// GATEWAY_-prefixed environment variables (e.g. GATEWAY_LISTEN_ADDR).
type Config struct {
	Gateway struct {
		ListenAddr    string        `mapstructure:"listen_addr"`
		DirectoryAddr string        `mapstructure:"directory_addr"`
		AdminAddr     string        `mapstructure:"admin_addr"`
		DialTimeout   time.Duration `mapstructure:"dial_timeout"`
		LogLevel      string        `mapstructure:"log_level"`
	} `mapstructure:"gateway"`
}

// LoadConfig reads a YAML configuration file from path, applies
// GATEWAY_ environment overrides, and fills in defaults for anything
// left unset.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("GATEWAY")
	for _, key := range []string{"listen_addr", "directory_addr", "admin_addr", "dial_timeout", "log_level"} {
		_ = v.BindEnv("gateway."+key, "GATEWAY_"+strings.ToUpper(key))
	}

	v.SetDefault("gateway.listen_addr", "tcp://0.0.0.0:9559")
	v.SetDefault("gateway.admin_addr", "")
	v.SetDefault("gateway.dial_timeout", "5s")
	v.SetDefault("gateway.log_level", "info")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("meshrpc: read config %s: %w", path, err)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("meshrpc: unmarshal config: %w", err)
	}
	if c.Gateway.DirectoryAddr == "" {
		return nil, fmt.Errorf("meshrpc: config missing gateway.directory_addr")
	}
	return &c, nil
}

// ParseLogLevel converts the config's string log level into a slog.Level,
// defaulting to Info for an empty or unrecognized value.
func ParseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
