package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-directory/types"
)

const minimalYAML = `
name: directory
version: 1.2.0
server:
  http:
    port: 9090
cache:
  enabled: true
  type: redis
  default_ttl: 45s
  config:
    address: ${DIRECTORY_REDIS_ADDR}
resources:
  team:
    source: database
    collection: staff
    search_fields: [name]
    tenant_scoped: true
`

func newLoader(t *testing.T) *Loader {
	t.Helper()
	loader, err := NewLoader()
	require.NoError(t, err)
	return loader
}

func TestLoadAppliesDefaultsUnderYAML(t *testing.T) {
	t.Setenv("DIRECTORY_REDIS_ADDR", "redis:6379")

	cfg, raw, err := newLoader(t).LoadFromBytes([]byte(minimalYAML))
	require.NoError(t, err)
	require.NotNil(t, raw)

	assert.Equal(t, "directory", cfg.Name)
	assert.Equal(t, 9090, cfg.Server.HTTP.Port)
	assert.Equal(t, "localhost", cfg.Server.HTTP.Host)

	assert.Equal(t, "redis", cfg.Cache.Type)
	assert.Equal(t, 45*time.Second, cfg.Cache.DefaultTTL)
	assert.Equal(t, 30*time.Second, cfg.Cache.SingleTTL)

	assert.Equal(t, "documents", cfg.Presets.Store)
	assert.Equal(t, 15*time.Second, cfg.Presets.WriteTimeout)

	assert.Equal(t, "staff", cfg.Resources[types.ResourceTeam].Collection)
	assert.Contains(t, cfg.Resources, types.ResourceUsers)
	assert.Contains(t, cfg.Resources, types.ResourceFilterPresets)

	parser := NewParser(raw)
	assert.Equal(t, "redis:6379", parser.GetValue("cache.config.address", ""))
	assert.Equal(t, "fallback", parser.GetValue("cache.config.missing", "fallback"))
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{name: "missing name", yaml: "version: 1.0.0\n"},
		{name: "sqlite without dsn", yaml: "name: d\nversion: 1.0.0\npresets:\n  store: sqlite\n"},
		{name: "unknown preset store", yaml: "name: d\nversion: 1.0.0\npresets:\n  store: excel\n"},
		{name: "http resource without url", yaml: "name: d\nversion: 1.0.0\nresources:\n  partners:\n    source: http\n"},
		{name: "jitter out of range", yaml: "name: d\nversion: 1.0.0\nfetch:\n  jitter: 2\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := newLoader(t).LoadFromBytes([]byte(tc.yaml))
			assert.ErrorIs(t, err, types.ErrConfigValidateFailed)
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, _, err := newLoader(t).LoadFromBytes([]byte("name: [unterminated"))
	assert.ErrorIs(t, err, types.ErrConfigParseFailed)
}

func TestConfigurationManagerFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("name: directory\nversion: 1.0.0\nlogger:\n  level: debug\n"), 0o600))

	cm, err := NewConfigurationManager(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cm.GetConfig().Logger.Level)
	assert.Equal(t, "debug", cm.GetValue("logger.level", "info"))

	var logger types.LoggerConfig
	require.NoError(t, cm.GetAs("logger", &logger))
	assert.Equal(t, "debug", logger.Level)

	require.NoError(t, cm.Start())
	assert.True(t, cm.IsRunning())
	require.NoError(t, cm.Stop())
}

func TestConfigurationManagerMissingFile(t *testing.T) {
	_, err := NewConfigurationManager(context.Background(), filepath.Join(t.TempDir(), "absent.yml"))
	assert.ErrorIs(t, err, types.ErrConfigNotFound)
}
