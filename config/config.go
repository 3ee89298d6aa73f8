// Package config loads the settings shared by the producer and the viewer.
//
// Values are resolved from, in increasing priority: defaults, an optional YAML file,
// SNAG_* environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultServiceType = "_Snag._tcp"
	DefaultPort        = 43435
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config is the complete configuration surface.
type Config struct {
	ProjectName    string `mapstructure:"project_name"`
	ProjectIcon    string `mapstructure:"project_icon"`
	NetServiceType string `mapstructure:"net_service_type"`
	DebugHost      string `mapstructure:"debug_host"`
	DebugPort      int    `mapstructure:"debug_port"`
	ListenAddress  string `mapstructure:"listen_address"`
	TLS            bool   `mapstructure:"tls"`

	QueueCapacity     int           `mapstructure:"queue_capacity"`
	ResolveTimeout    time.Duration `mapstructure:"resolve_timeout"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatMisses   int           `mapstructure:"heartbeat_misses"`
	DiscoveryTTL      time.Duration `mapstructure:"discovery_ttl"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffCap        time.Duration `mapstructure:"backoff_cap"`

	Codec             string `mapstructure:"codec"`
	CompressThreshold int    `mapstructure:"compress_threshold"`

	DatabasePath  string   `mapstructure:"database_path"`
	RedactHeaders []string `mapstructure:"redact_headers"`
	LogLevel      string   `mapstructure:"log_level"`
	LogOutput     string   `mapstructure:"log_output"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("project_name", "")
	v.SetDefault("project_icon", "")
	v.SetDefault("net_service_type", DefaultServiceType)
	v.SetDefault("debug_host", "")
	v.SetDefault("debug_port", DefaultPort)
	v.SetDefault("listen_address", "0.0.0.0")
	v.SetDefault("tls", false)
	v.SetDefault("queue_capacity", 500)
	v.SetDefault("resolve_timeout", 10*time.Second)
	v.SetDefault("handshake_timeout", 5*time.Second)
	v.SetDefault("heartbeat_interval", 5*time.Second)
	v.SetDefault("heartbeat_misses", 3)
	v.SetDefault("discovery_ttl", 30*time.Second)
	v.SetDefault("backoff_base", time.Second)
	v.SetDefault("backoff_cap", 30*time.Second)
	v.SetDefault("codec", "json")
	v.SetDefault("compress_threshold", 64*1024)
	v.SetDefault("database_path", "")
	v.SetDefault("redact_headers", []string{"Authorization", "Proxy-Authorization"})
	v.SetDefault("log_level", "info")
	v.SetDefault("log_output", "console")
}

// Default returns the configuration with every default applied.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg := &Config{}
	// Defaults always decode.
	_ = v.Unmarshal(cfg)
	return cfg
}

// Flags returns a flag set covering the common keys. Keys use dashes instead of underscores.
func Flags(name string) *pflag.FlagSet {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.String("config", "", "path to a YAML configuration file")
	flags.String("project-name", "", "project name presented to peers")
	flags.String("project-icon", "", "path to the project icon")
	flags.String("net-service-type", DefaultServiceType, "DNS-SD service type")
	flags.String("debug-host", "", "connect to this host directly instead of using discovery")
	flags.Int("debug-port", DefaultPort, "port of the viewer")
	flags.String("listen-address", "0.0.0.0", "viewer listen address")
	flags.Bool("tls", false, "use TLS between producer and viewer")
	flags.String("codec", "json", "record codec (json or cbor)")
	flags.String("database-path", "", "viewer database file, empty disables persistence")
	flags.String("log-level", "info", "log level")
	return flags
}

// Load resolves the configuration from path (may be empty), the environment and flags (may be nil).
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("SNAG")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(flag *pflag.Flag) {
			if flag.Name == "config" {
				return
			}
			key := strings.ReplaceAll(flag.Name, "-", "_")
			if err := v.BindPFlag(key, flag); err != nil && bindErr == nil {
				bindErr = fmt.Errorf("binding flag %s : %w", flag.Name, err)
			}
		})
		if bindErr != nil {
			return nil, bindErr
		}
		if path == "" {
			if flag := flags.Lookup("config"); flag != nil {
				path = flag.Value.String()
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s : %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config to struct : %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the session and discovery engine cannot work with.
func (c *Config) Validate() error {
	switch {
	case c.NetServiceType == "":
		return fmt.Errorf("%w : net_service_type is empty", ErrInvalidConfig)
	case c.DebugPort <= 0 || c.DebugPort > 65535:
		return fmt.Errorf("%w : debug_port %d out of range", ErrInvalidConfig, c.DebugPort)
	case c.QueueCapacity <= 0:
		return fmt.Errorf("%w : queue_capacity must be positive", ErrInvalidConfig)
	case c.ResolveTimeout <= 0, c.HandshakeTimeout <= 0, c.HeartbeatInterval <= 0, c.DiscoveryTTL <= 0:
		return fmt.Errorf("%w : timeouts must be positive", ErrInvalidConfig)
	case c.HeartbeatMisses <= 0:
		return fmt.Errorf("%w : heartbeat_misses must be positive", ErrInvalidConfig)
	case c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase:
		return fmt.Errorf("%w : backoff_cap must be at least backoff_base", ErrInvalidConfig)
	case c.CompressThreshold < 0:
		return fmt.Errorf("%w : compress_threshold must not be negative", ErrInvalidConfig)
	}
	switch c.Codec {
	case "json", "cbor":
	default:
		return fmt.Errorf("%w : unknown codec %q", ErrInvalidConfig, c.Codec)
	}
	return nil
}

// HasDebugHost reports whether discovery should be skipped.
func (c *Config) HasDebugHost() bool {
	return c.DebugHost != ""
}
