package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Setenv("NUMBERGUARD_HOME", t.TempDir())
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, 7*24*time.Hour, cfg.Retention)
	assert.Equal(t, 10, cfg.MaxRetries)
	assert.Equal(t, 15*time.Second, cfg.Probe.Interval)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "memory://", cfg.Server.DocstoreDSN)
	assert.True(t, strings.HasPrefix(cfg.Store.DSN, "file://"))
	assert.Error(t, cfg.Validate(), "user has no default")

	cfg.User = "user-1"
	assert.NoError(t, cfg.Validate())
}

func TestEnvironmentOverridesFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("NUMBERGUARD_HOME", home)
	path := filepath.Join(home, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join([]string{
		"user: from-file",
		"retention: 48h",
		"remote:",
		"  dsn: http://remote.example",
		"server:",
		"  rate_limit_max: 30",
	}, "\n")), 0o600))
	t.Setenv("NUMBERGUARD_USER", "from-env")
	t.Setenv("NUMBERGUARD_PROBE_INTERVAL", "2s")

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.User)
	assert.Equal(t, 48*time.Hour, cfg.Retention)
	assert.Equal(t, "http://remote.example", cfg.Remote.DSN)
	assert.Equal(t, 2*time.Second, cfg.Probe.Interval)
	assert.Equal(t, 30, cfg.Server.RateLimitMax)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Config{User: "u", Retention: -1, MaxRetries: 0, Probe: ProbeConfig{Interval: time.Second}, Log: LogConfig{Level: "loud", Format: "xml"}}
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"retention", "max_retries", "loud", "log.format"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestNewLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := NewLogger(LogConfig{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.Debug().Str("user", "u1").Msg("hello")
	assert.Contains(t, buf.String(), `"user":"u1"`)
	assert.Contains(t, buf.String(), `"message":"hello"`)
}

func TestNewLoggerRotatesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "numberguard.log")
	logger, closer, err := NewLogger(LogConfig{Level: "warn", File: path}, nil)
	require.NoError(t, err)

	logger.Info().Msg("filtered")
	logger.Warn().Msg("kept")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "filtered")
	assert.Contains(t, string(data), "kept")
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("WARNING")
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, level)
	_, err = ParseLevel("chatty")
	assert.Error(t, err)
}
