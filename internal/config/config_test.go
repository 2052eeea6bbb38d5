package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// UNIFIED CONFIG TESTS
// =============================================================================

func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv("LIVEPATCH_MODE", "")
	t.Setenv("LIVEPATCH_TRACE", "")
	t.Setenv("LIVEPATCH_LOG_LEVEL", "")
	t.Setenv("LIVEPATCH_PATCH_DIR", "")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ModeProduction, cfg.Mode)
	assert.Equal(t, "webpackChunkapp", cfg.Host.ChunkSlot)
	assert.Equal(t, "/assets/", cfg.Host.BasePath)
	assert.Equal(t, 200, cfg.Patches.ContextChars)
	assert.False(t, cfg.IsDev())
	assert.False(t, cfg.RetainPatchedSource())
	require.NoError(t, cfg.Validate())
}

func TestConfig_SaveLoad(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "livepatch.yaml")

	cfg := DefaultConfig()
	cfg.Mode = ModeDevelopment
	cfg.Trace.Enabled = true
	cfg.Host.StackMarkers = []string{"example.com/host"}

	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeDevelopment, loaded.Mode)
	assert.True(t, loaded.Trace.Enabled)
	assert.Equal(t, []string{"example.com/host"}, loaded.Host.StackMarkers)
	assert.True(t, loaded.RetainPatchedSource())
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: [unterminated"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestEnvOverrides(t *testing.T) {
	t.Run("mode aliases", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("LIVEPATCH_MODE", "dev")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		assert.Equal(t, ModeDevelopment, cfg.Mode)
	})

	t.Run("unknown mode is ignored", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("LIVEPATCH_MODE", "staging")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		assert.Equal(t, ModeProduction, cfg.Mode)
	})

	t.Run("trace, level and patch dir", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("LIVEPATCH_TRACE", "true")
		t.Setenv("LIVEPATCH_LOG_LEVEL", "debug")
		t.Setenv("LIVEPATCH_PATCH_DIR", "/tmp/patches")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		assert.True(t, cfg.Trace.Enabled)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "/tmp/patches", cfg.Patches.Dir)
	})
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"bad mode", func(c *Config) { c.Mode = "fast" }, "invalid mode"},
		{"empty slot", func(c *Config) { c.Host.ChunkSlot = "" }, "chunk_slot"},
		{"empty base path", func(c *Config) { c.Host.BasePath = "" }, "base_path"},
		{"negative context", func(c *Config) { c.Patches.ContextChars = -1 }, "context_chars"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoggingConfig_IsCategoryEnabled(t *testing.T) {
	c := LoggingConfig{}
	assert.True(t, c.IsCategoryEnabled("patcher"))

	c.Categories = map[string]bool{"patcher": false, "lookup": true}
	assert.False(t, c.IsCategoryEnabled("patcher"))
	assert.True(t, c.IsCategoryEnabled("lookup"))
	assert.True(t, c.IsCategoryEnabled("interceptor"))
}
