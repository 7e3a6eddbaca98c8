// Package config loads morph configuration from the workspace and the
// process environment. The administrative credential hash is never stored
// in a file; it comes exclusively from MORPH_ADMIN_KEY_HASH.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all morph configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Self-modification pipeline settings
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Confirmation policy (command name -> destructive flag)
	Policy PolicyConfig `yaml:"policy"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// AdminKeyHash is the hex-encoded SHA-256 of the administrative API key.
	// Populated only from the MORPH_ADMIN_KEY_HASH environment variable.
	AdminKeyHash string `yaml:"-"`
}

// PipelineConfig configures the update pipeline.
type PipelineConfig struct {
	// ModulesDir holds the live module sources, relative to the workspace.
	ModulesDir string `yaml:"modules_dir"`
	// StagingDir holds staged candidates awaiting validation/apply.
	StagingDir string `yaml:"staging_dir"`
	// DatabasePath is the SQLite file backing the audit log and backups.
	DatabasePath string `yaml:"database_path"`

	// ConfirmTimeout bounds how long a destructive command waits for an
	// explicit confirm/deny before being cancelled.
	ConfirmTimeout string `yaml:"confirm_timeout"`
	// ValidateTimeout bounds the sandboxed smoke run of a candidate.
	ValidateTimeout string `yaml:"validate_timeout"`

	// MaxCandidateSize rejects oversized candidate sources (bytes).
	MaxCandidateSize int64 `yaml:"max_candidate_size"`

	// Workers bounds how many commands may be in flight at once
	// (commands for the same module still serialize).
	Workers int `yaml:"workers"`
}

// PolicyConfig maps command names to a destructive flag. Commands marked
// destructive require explicit human confirmation before any side effect.
type PolicyConfig struct {
	Destructive map[string]bool `yaml:"destructive"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level     string `yaml:"level"` // debug, info, warn, error
	DebugMode bool   `yaml:"debug_mode"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "morph",
		Version: "0.3.0",

		Pipeline: PipelineConfig{
			ModulesDir:       "modules",
			StagingDir:       ".morph/staging",
			DatabasePath:     ".morph/morph.db",
			ConfirmTimeout:   "120s",
			ValidateTimeout:  "5s",
			MaxCandidateSize: 100 * 1024,
			Workers:          4,
		},

		Policy: PolicyConfig{
			Destructive: map[string]bool{
				"apply_update":    true,
				"rollback_update": true,
				"execute_code":    false,
				"history":         false,
			},
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults if
// the file does not exist, then applies environment overrides.
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

	cfg.applyEnvOverrides()
	return cfg, nil
}

// WorkspacePath returns the conventional config location,
// <workspace>/.morph/morph.yaml.
func WorkspacePath(workspace string) string {
	return filepath.Join(workspace, ".morph", "morph.yaml")
}

// LoadWorkspace loads the config from its conventional workspace location.
func LoadWorkspace(workspace string) (*Config, error) {
	return Load(WorkspacePath(workspace))
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if hash := os.Getenv("MORPH_ADMIN_KEY_HASH"); hash != "" {
		c.AdminKeyHash = hash
	}
	if path := os.Getenv("MORPH_DB"); path != "" {
		c.Pipeline.DatabasePath = path
	}
	if d := os.Getenv("MORPH_CONFIRM_TIMEOUT"); d != "" {
		c.Pipeline.ConfirmTimeout = d
	}
	if d := os.Getenv("MORPH_VALIDATE_TIMEOUT"); d != "" {
		c.Pipeline.ValidateTimeout = d
	}
	if lvl := os.Getenv("MORPH_LOG_LEVEL"); lvl != "" {
		c.Logging.Level = lvl
	}
}

// ConfirmTimeout parses the confirmation timeout, with a safe fallback.
func (c *Config) ConfirmTimeout() time.Duration {
	return parseDuration(c.Pipeline.ConfirmTimeout, 120*time.Second)
}

// ValidateTimeout parses the validation timeout, with a safe fallback.
func (c *Config) ValidateTimeout() time.Duration {
	return parseDuration(c.Pipeline.ValidateTimeout, 5*time.Second)
}

// RequiresConfirmation reports whether policy flags a command as destructive.
// Unknown commands are treated as non-destructive; auth still applies.
func (c *Config) RequiresConfirmation(commandName string) bool {
	return c.Policy.Destructive[commandName]
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
