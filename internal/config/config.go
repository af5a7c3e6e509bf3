package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Progress driver modes.
const (
	ModeSimulated = "simulated"
	ModeDriven    = "driven"
)

// Config is the analyzer configuration file (analyzer.yaml).
type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	Progress ProgressConfig `yaml:"progress"`
	// Phases overrides the phase -> stage index table used for the intent
	// phrase stream. Empty keeps the built-in table.
	Phases  map[string]int `yaml:"phases,omitempty"`
	Scoring ScoringConfig  `yaml:"scoring"`
	Log     LogConfig      `yaml:"log"`
}

// BackendConfig locates the REST backend that performs crawling and generation.
type BackendConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"-"`
	Timeout time.Duration `yaml:"timeout"`
}

// ProgressConfig tunes the progress drivers.
type ProgressConfig struct {
	// Mode selects the driver for steps that support both: simulated or driven.
	Mode         string        `yaml:"mode"`
	Step         int           `yaml:"step"`
	Delay        time.Duration `yaml:"delay"`
	Settle       time.Duration `yaml:"settle"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	RestoreDelay time.Duration `yaml:"restore_delay"`
}

// ScoringConfig selects the relevance scoring strategy.
type ScoringConfig struct {
	// Providers lists the probes run in the visibility step:
	// heuristic, claude, gemini, nova.
	Providers   []string `yaml:"providers"`
	ClaudeModel string   `yaml:"claude_model"`
	GeminiModel string   `yaml:"gemini_model"`
	NovaModel   string   `yaml:"nova_model"`
	Concurrency int      `yaml:"concurrency"`

	AnthropicAPIKey string `yaml:"-"`
	GeminiAPIKey    string `yaml:"-"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file,omitempty"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL: "http://localhost:8080",
			Timeout: 30 * time.Second,
		},
		Progress: ProgressConfig{
			Mode:         ModeDriven,
			Step:         20,
			Delay:        150 * time.Millisecond,
			Settle:       350 * time.Millisecond,
			IdleTimeout:  2 * time.Minute,
			RestoreDelay: 800 * time.Millisecond,
		},
		Scoring: ScoringConfig{
			Providers:   []string{"heuristic"},
			ClaudeModel: "haiku",
			GeminiModel: "gemini-flash",
			NovaModel:   "nova-lite",
			Concurrency: 4,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
// Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file. Secrets are never written.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
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

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ANALYZER_BACKEND_URL"); v != "" {
		c.Backend.BaseURL = v
	}
	if v := os.Getenv("ANALYZER_API_TOKEN"); v != "" {
		c.Backend.Token = v
	}
	if v := os.Getenv("ANALYZER_PROGRESS_MODE"); v != "" {
		c.Progress.Mode = v
	}
	if v := os.Getenv("ANALYZER_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("ANALYZER_SCORERS"); v != "" {
		var providers []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				providers = append(providers, p)
			}
		}
		c.Scoring.Providers = providers
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.Scoring.AnthropicAPIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Scoring.GeminiAPIKey = key
	}
}

// ValidScorers lists the supported relevance probes.
var ValidScorers = []string{"heuristic", "claude", "gemini", "nova"}

// Validate checks the configuration for values the drivers cannot run with.
func (c *Config) Validate() error {
	if c.Progress.Mode != ModeSimulated && c.Progress.Mode != ModeDriven {
		return fmt.Errorf("invalid progress mode %q: must be %s or %s", c.Progress.Mode, ModeSimulated, ModeDriven)
	}
	if c.Progress.Step <= 0 || c.Progress.Step > 100 {
		return fmt.Errorf("invalid progress step %d: must be between 1 and 100", c.Progress.Step)
	}
	if c.Progress.Delay < 0 || c.Progress.Settle < 0 || c.Progress.RestoreDelay < 0 {
		return fmt.Errorf("progress delays must not be negative")
	}
	if c.Progress.IdleTimeout <= 0 {
		return fmt.Errorf("progress idle_timeout must be positive")
	}
	for phase, idx := range c.Phases {
		if idx < 0 {
			return fmt.Errorf("phase %q maps to negative index %d", phase, idx)
		}
	}
	for _, p := range c.Scoring.Providers {
		valid := false
		for _, v := range ValidScorers {
			if p == v {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("invalid scorer %q (valid: %v)", p, ValidScorers)
		}
	}
	return nil
}
