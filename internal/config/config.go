// Package config loads numberguard settings from an optional YAML file,
// NUMBERGUARD_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "NUMBERGUARD"

type Config struct {
	User       string
	Store      StoreConfig
	Remote     RemoteConfig
	Retention  time.Duration
	MaxRetries int
	Probe      ProbeConfig
	Trigger    TriggerConfig
	Log        LogConfig
	Server     ServerConfig
}

type StoreConfig struct {
	DSN        string
	QuotaBytes int64
}

type RemoteConfig struct {
	DSN   string
	Token string
}

type ProbeConfig struct {
	// URL overrides the health endpoint probed for connectivity. Empty
	// means the remote itself is pinged.
	URL      string
	Interval time.Duration
	Jitter   float64
}

type TriggerConfig struct {
	File string
}

type LogConfig struct {
	Level  string
	File   string
	Format string
}

type ServerConfig struct {
	Addr            string
	DocstoreDSN     string
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

// New returns a viper instance with defaults and environment binding set
// up. Flags can be bound to it before Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	home := DefaultHome()
	v.SetDefault("user", "")
	v.SetDefault("store.dsn", "file://"+filepath.Join(home, "store"))
	v.SetDefault("store.quota_bytes", int64(5<<20))
	v.SetDefault("remote.dsn", "http://127.0.0.1:8080")
	v.SetDefault("remote.token", "")
	v.SetDefault("retention", "168h")
	v.SetDefault("max_retries", 10)
	v.SetDefault("probe.url", "")
	v.SetDefault("probe.interval", "15s")
	v.SetDefault("probe.jitter", 0.2)
	v.SetDefault("trigger.file", filepath.Join(home, "triggers", "sync"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.format", "console")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.docstore_dsn", "memory://")
	v.SetDefault("server.jwt_secret", "dev-secret")
	v.SetDefault("server.rate_limit_max", 0)
	v.SetDefault("server.rate_limit_window", "1m")
	v.SetDefault("server.max_body_bytes", int64(1<<20))
	return v
}

// DefaultHome is the directory holding local state when nothing else is
// configured: $NUMBERGUARD_HOME, else ~/.numberguard.
func DefaultHome() string {
	if home := strings.TrimSpace(os.Getenv(EnvPrefix + "_HOME")); home != "" {
		return home
	}
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".numberguard")
	}
	return ".numberguard"
}

// Load reads path when set, or config.yaml from the default home when it
// exists, and decodes the result.
func Load(v *viper.Viper, path string) (Config, error) {
	if path == "" {
		candidate := filepath.Join(DefaultHome(), "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}
	cfg := Config{
		User: strings.TrimSpace(v.GetString("user")),
		Store: StoreConfig{
			DSN:        v.GetString("store.dsn"),
			QuotaBytes: v.GetInt64("store.quota_bytes"),
		},
		Remote: RemoteConfig{
			DSN:   v.GetString("remote.dsn"),
			Token: v.GetString("remote.token"),
		},
		Retention:  v.GetDuration("retention"),
		MaxRetries: v.GetInt("max_retries"),
		Probe: ProbeConfig{
			URL:      v.GetString("probe.url"),
			Interval: v.GetDuration("probe.interval"),
			Jitter:   v.GetFloat64("probe.jitter"),
		},
		Trigger: TriggerConfig{File: v.GetString("trigger.file")},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			File:   v.GetString("log.file"),
			Format: v.GetString("log.format"),
		},
		Server: ServerConfig{
			Addr:            v.GetString("server.addr"),
			DocstoreDSN:     v.GetString("server.docstore_dsn"),
			JWTSecret:       v.GetString("server.jwt_secret"),
			RateLimitMax:    v.GetInt("server.rate_limit_max"),
			RateLimitWindow: v.GetDuration("server.rate_limit_window"),
			MaxBodyBytes:    v.GetInt64("server.max_body_bytes"),
		},
	}
	return cfg, nil
}

// Validate checks the settings every client command needs.
func (c Config) Validate() error {
	var errs []error
	if c.User == "" {
		errs = append(errs, errors.New("user is required (--user or NUMBERGUARD_USER)"))
	}
	if c.Retention <= 0 {
		errs = append(errs, fmt.Errorf("retention must be positive, got %s", c.Retention))
	}
	if c.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("max_retries must be positive, got %d", c.MaxRetries))
	}
	if c.Probe.Interval <= 0 {
		errs = append(errs, fmt.Errorf("probe.interval must be positive, got %s", c.Probe.Interval))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
