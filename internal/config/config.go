// Package config loads daemon and connector configuration from a YAML
// file via spf13/viper, applies ABBY_-prefixed environment overrides,
// and watches the file for non-security-critical live reload (log
// level, metrics toggles). CLI flags registered through spf13/pflag
// and bound with spf13/cobra take precedence over both.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ConfigError wraps a configuration load or validation failure. It is
// always fatal at startup.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// SinkConfig selects and configures an audit event sink.
type SinkConfig struct {
	Type          string            `mapstructure:"type"`
	Endpoint      string            `mapstructure:"endpoint"`
	FilePath      string            `mapstructure:"file_path"`
	Headers       map[string]string `mapstructure:"headers"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval time.Duration     `mapstructure:"flush_interval"`
	RetryCount    int               `mapstructure:"retry_count"`
	RetryBackoff  time.Duration     `mapstructure:"retry_backoff"`
}

// AuditConfig controls A4 audit logging.
type AuditConfig struct {
	Enabled            bool       `mapstructure:"enabled"`
	MaxEvents          int        `mapstructure:"max_events"`
	RedactMetadataKeys []string   `mapstructure:"redact_metadata_keys"`
	Sink               SinkConfig `mapstructure:"sink"`
}

// StorageConfig selects the track storage backend (A7).
type StorageConfig struct {
	Backend string `mapstructure:"backend"` // "local" or "s3"
	Bucket  string `mapstructure:"bucket"`
	Region  string `mapstructure:"region"`
	Prefix  string `mapstructure:"prefix"`
}

// SessionCacheConfig selects the session cache backend (A8).
type SessionCacheConfig struct {
	Backend  string `mapstructure:"backend"` // "memory" or "redis"
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// TracingConfig selects the OpenTelemetry exporter (A9).
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Exporter string `mapstructure:"exporter"` // "stdout", "otlp", "jaeger"
	Endpoint string `mapstructure:"endpoint"`
	Service  string `mapstructure:"service_name"`
}

// Config is the full daemon/connector configuration tree.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	ConnectorListenAddr string `mapstructure:"connector_listen_addr"`
	AdminListenAddr     string `mapstructure:"admin_listen_addr"`
	ControlSocketPath   string `mapstructure:"control_socket_path"`

	CatalogPath   string `mapstructure:"catalog_path"`
	PublicKeyPath string `mapstructure:"public_key_path"`

	Storage      StorageConfig      `mapstructure:"storage"`
	SessionCache SessionCacheConfig `mapstructure:"session_cache"`
	Audit        AuditConfig        `mapstructure:"audit"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("connector_listen_addr", ":5000")
	v.SetDefault("admin_listen_addr", ":9744")
	v.SetDefault("control_socket_path", "/run/abbyd/control.sock")
	v.SetDefault("storage.backend", "local")
	v.SetDefault("session_cache.backend", "memory")
	v.SetDefault("session_cache.prefix", "abby")
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.max_events", 1000)
	v.SetDefault("audit.sink.type", "stdout")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.service_name", "abbyd")
}

// Load reads configuration from path (if non-empty), applies
// ABBY_-prefixed environment overrides, binds flags, and validates the
// result. flags may be nil when no CLI surface is present (e.g. tests).
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("ABBY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, &ConfigError{Field: "file", Err: err}
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, &ConfigError{Field: "flags", Err: err}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &ConfigError{Field: "unmarshal", Err: err}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configuration missing what the authorization gate
// and storage backend require to function.
func (c *Config) Validate() error {
	if c.CatalogPath == "" {
		return &ConfigError{Field: "catalog_path", Err: fmt.Errorf("must be set")}
	}
	if c.PublicKeyPath == "" {
		return &ConfigError{Field: "public_key_path", Err: fmt.Errorf("must be set")}
	}
	switch c.Storage.Backend {
	case "local", "s3":
	default:
		return &ConfigError{Field: "storage.backend", Err: fmt.Errorf("unknown backend %q", c.Storage.Backend)}
	}
	if c.Storage.Backend == "s3" && c.Storage.Bucket == "" {
		return &ConfigError{Field: "storage.bucket", Err: fmt.Errorf("required when storage.backend=s3")}
	}
	switch c.SessionCache.Backend {
	case "memory", "redis":
	default:
		return &ConfigError{Field: "session_cache.backend", Err: fmt.Errorf("unknown backend %q", c.SessionCache.Backend)}
	}
	if c.SessionCache.Backend == "redis" && c.SessionCache.Address == "" {
		return &ConfigError{Field: "session_cache.address", Err: fmt.Errorf("required when session_cache.backend=redis")}
	}
	return nil
}

// WatchReload starts an fsnotify watch on path and applies onReload
// whenever the file changes, for the subset of fields that are safe to
// change without restarting the broker (log level, metrics toggles).
// Load/validation failures during reload are logged and the previous
// config is kept in effect.
func WatchReload(path string, log *logrus.Logger, onReload func(*Config)) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, &ConfigError{Field: "watch", Err: err}
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, &ConfigError{Field: "watch", Err: err}
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path, nil)
				if err != nil {
					log.WithError(err).Warn("config reload failed, keeping previous configuration")
					continue
				}
				log.Info("configuration reloaded")
				onReload(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("config watcher error")
			}
		}
	}()

	return watcher, nil
}
