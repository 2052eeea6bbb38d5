package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mode selects between loud development diagnostics and silent production degradation.
type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeProduction  Mode = "production"
)

// Config holds all livepatch configuration.
type Config struct {
	// Build flavour
	Mode Mode `yaml:"mode"`

	// Record every lookup so unresolved ones can be reported
	Reporter bool `yaml:"reporter"`

	// Diagnostic tracing
	Trace TraceConfig `yaml:"trace"`

	// Host loader detection
	Host HostConfig `yaml:"host"`

	// Patch definitions and patching behaviour
	Patches PatchesConfig `yaml:"patches"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// TraceConfig configures the begin/end tracer.
type TraceConfig struct {
	Enabled bool `yaml:"enabled"`
}

// HostConfig describes how the host's loader is recognised.
type HostConfig struct {
	ChunkSlot    string   `yaml:"chunk_slot"`    // global slot holding the chunk queue
	BasePath     string   `yaml:"base_path"`     // value of the loader "p" property once initialized
	StackMarkers []string `yaml:"stack_markers"` // call stack substrings identifying the real host
}

// PatchesConfig configures the factory patcher.
type PatchesConfig struct {
	Dir                 string `yaml:"dir"`                   // directory of *.yaml patch files
	Watch               bool   `yaml:"watch"`                 // hot-reload patch files
	RetainPatchedSource bool   `yaml:"retain_patched_source"` // keep patched text on factories (always on in development)
	HideGlobalExports   bool   `yaml:"hide_global_exports"`   // hide modules exporting the host global from lookups
	ContextChars        int    `yaml:"context_chars"`         // diagnostic context around a failing match
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Mode: ModeProduction,
		Host: HostConfig{
			ChunkSlot:    "webpackChunkapp",
			BasePath:     "/assets/",
			StackMarkers: []string{"livepatch/internal/host.Boot"},
		},
		Patches: PatchesConfig{
			Dir:               "patches",
			HideGlobalExports: true,
			ContextChars:      200,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads a YAML config file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save writes the config as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if mode := os.Getenv("LIVEPATCH_MODE"); mode != "" {
		switch strings.ToLower(mode) {
		case "dev", "development":
			c.Mode = ModeDevelopment
		case "prod", "production":
			c.Mode = ModeProduction
		}
	}
	if v := os.Getenv("LIVEPATCH_TRACE"); v != "" {
		c.Trace.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("LIVEPATCH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LIVEPATCH_PATCH_DIR"); v != "" {
		c.Patches.Dir = v
	}
}

// IsDev reports whether development diagnostics are enabled.
func (c *Config) IsDev() bool {
	return c.Mode == ModeDevelopment
}

// RetainPatchedSource reports whether patched text is kept on factories.
func (c *Config) RetainPatchedSource() bool {
	return c.IsDev() || c.Patches.RetainPatchedSource
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.Mode != ModeDevelopment && c.Mode != ModeProduction {
		return fmt.Errorf("invalid mode: %q (valid: %s, %s)", c.Mode, ModeDevelopment, ModeProduction)
	}
	if c.Host.ChunkSlot == "" {
		return fmt.Errorf("host.chunk_slot must not be empty")
	}
	if c.Host.BasePath == "" {
		return fmt.Errorf("host.base_path must not be empty")
	}
	if c.Patches.ContextChars < 0 {
		return fmt.Errorf("patches.context_chars must not be negative, got %d", c.Patches.ContextChars)
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	return nil
}
