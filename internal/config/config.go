package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config represents the lorekeeper configuration
type Config struct {
	LogMode  string         `yaml:"log_mode" env:"LOG_MODE"`
	Gemini   GeminiConfig   `yaml:"gemini" envPrefix:"GEMINI_"`
	Pipeline Pipeline       `yaml:"pipeline"`
	Watch    WatchConfig    `yaml:"watch" envPrefix:"WATCH_"`
	Projects []ProjectEntry `yaml:"projects,omitempty"`
}

// GeminiConfig selects the completion and embedding models.
type GeminiConfig struct {
	APIKey          string `yaml:"api_key,omitempty" env:"API_KEY"`
	ExtractionModel string `yaml:"extraction_model" env:"EXTRACTION_MODEL"`
	EmbeddingModel  string `yaml:"embedding_model" env:"EMBEDDING_MODEL"`
	AnalysisRPM     int    `yaml:"analysis_rpm" env:"ANALYSIS_RPM"`
}

// WatchConfig controls the manuscript watcher.
type WatchConfig struct {
	DebounceSeconds int  `yaml:"debounce_seconds" env:"DEBOUNCE_SECONDS"`
	Analyze         bool `yaml:"analyze" env:"ANALYZE"`
}

// ProjectEntry maps a project id to a manuscript directory.
type ProjectEntry struct {
	ID  string `yaml:"id"`
	Dir string `yaml:"dir"`
}

// Default returns a config with every section populated.
func Default() *Config {
	return &Config{
		LogMode: "dev",
		Gemini: GeminiConfig{
			ExtractionModel: "gemini-2.0-flash",
			EmbeddingModel:  "gemini-embedding-001",
		},
		Pipeline: DefaultPipeline(),
		Watch: WatchConfig{
			DebounceSeconds: 2,
			Analyze:         true,
		},
	}
}

// GetConfigDir returns the XDG-compliant config directory
func GetConfigDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("LOREKEEPER_CONFIG_DIR"); override != "" {
		return override, nil
	}

	var base string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "lorekeeper"), nil
}

// GetDataDir returns the platform-specific data directory
func GetDataDir() (string, error) {
	if override := os.Getenv("LOREKEEPER_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Lorekeeper"), nil
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "lorekeeper"), nil
	}

	return filepath.Join(home, ".local", "share", "lorekeeper"), nil
}

// Load loads config from the config file, then applies LOREKEEPER_* environment overrides.
func Load() (*Config, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}
	return LoadFile(filepath.Join(configDir, "config.yaml"))
}

// LoadFile loads config from an explicit path. A missing file yields defaults.
func LoadFile(configPath string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "LOREKEEPER_"}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	cfg.Pipeline.fillDefaults()
	if err := cfg.Pipeline.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves the config to the config file
func (c *Config) Save() error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ProjectDir returns the manuscript directory configured for a project.
func (c *Config) ProjectDir(projectID string) (string, bool) {
	for _, p := range c.Projects {
		if p.ID == projectID {
			return p.Dir, true
		}
	}
	return "", false
}
