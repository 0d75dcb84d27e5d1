package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingDefaultUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "llama-3.3-70b-versatile", cfg.Provider.DefaultModel)
	assert.Equal(t, "neuropulse-v1", cfg.Cache.Version)
	assert.Equal(t, "/api/", cfg.Cache.NetworkFirstPrefix)
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestLoadJSONResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		"basic_config": {"server_address": ":9999"},
		"storage": {"driver": "sqlite3", "dsn": "chat.db"},
		"cache": {"version": "neuropulse-v7", "manifest_path": "assets.json"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.BasicConfig.ServerAddress)
	assert.Equal(t, filepath.Join(dir, "chat.db"), cfg.Storage.DSN)
	assert.Equal(t, filepath.Join(dir, "assets.json"), cfg.Cache.ManifestPath)
	assert.Equal(t, "neuropulse-v7", cfg.Cache.Version)
	// untouched sections keep defaults
	assert.Equal(t, 0.7, cfg.Provider.Temperature)
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
[provider]
default_model = "gemma-7b-it"
temperature = 0.2

[storage]
driver = "memory"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gemma-7b-it", cfg.Provider.DefaultModel)
	assert.Equal(t, 0.2, cfg.Provider.Temperature)
	assert.Equal(t, "memory", cfg.Storage.Driver)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(EnvAPIKey, "gsk_env")
	t.Setenv(EnvStorage, "memory")
	t.Setenv(EnvCacheVersion, "neuropulse-v9")

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gsk_env", cfg.Provider.APIKey)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "neuropulse-v9", cfg.Cache.Version)
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg := Default()
	cfg.Storage.Driver = "postgres"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported storage driver")
}

func TestSetupLoggerWithWritersFansOut(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)
	logger.Info("cache activated", "version", "neuropulse-v2")
	logger.Debug("hidden")

	assert.Contains(t, stderr.String(), "cache activated")
	assert.True(t, strings.HasPrefix(strings.TrimSpace(file.String()), "{"))
	assert.NotContains(t, file.String(), "hidden")
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLogLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLogLevel("warning"))
	assert.Equal(t, slog.LevelInfo, ParseLogLevel(""))
}
