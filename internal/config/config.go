// Package config loads annad configuration from .anna/config.yaml.
// Every knob has a documented default; a missing config file is not an error.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all annad configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Model endpoint configuration (local inference only)
	Model ModelConfig `yaml:"model"`

	// Probe execution settings
	Probes ProbesConfig `yaml:"probes"`

	// Case orchestration settings
	Cases CasesConfig `yaml:"cases"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Paths
	Paths PathsConfig `yaml:"paths"`
}

// ModelConfig configures the local inference endpoint used by the
// Junior/Senior verification protocol.
type ModelConfig struct {
	BaseURL       string `yaml:"base_url"`       // OpenAI-compatible local endpoint
	JuniorModel   string `yaml:"junior_model"`   // fast drafting model
	SeniorModel   string `yaml:"senior_model"`   // auditing model
	JuniorTimeout string `yaml:"junior_timeout"` // per-call timeout
	SeniorTimeout string `yaml:"senior_timeout"`
}

// ProbesConfig configures probe execution.
type ProbesConfig struct {
	Timeout     string `yaml:"timeout"`       // per-probe child process timeout
	MaxOutputKB int    `yaml:"max_output_kb"` // stdout/stderr truncation cap
}

// CasesConfig configures the case lifecycle.
type CasesConfig struct {
	QuestionBudget  string `yaml:"question_budget"`   // global per-question ceiling
	JuniorMaxRounds int    `yaml:"junior_max_rounds"` // probe-request loop cap
	EvidenceBudget  int    `yaml:"evidence_budget"`   // bytes of evidence sent to Junior
}

// LoggingConfig configures zap output.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug/info/warn/error
	JSON  bool   `yaml:"json"`
}

// PathsConfig holds the on-disk store locations. All stores are directories
// of flat files written via temp-file + rename.
type PathsConfig struct {
	Base    string `yaml:"base"`    // defaults to .anna in the working dir
	Recipes string `yaml:"recipes"` // recipe store
	Cases   string `yaml:"cases"`   // append-only case log
	Cache   string `yaml:"cache"`   // probe cache spill
}

// ConfigFileName is resolved relative to the base directory.
const ConfigFileName = "config.yaml"

// DefaultConfig returns the configuration annad runs with when no
// config file exists.
func DefaultConfig() *Config {
	return &Config{
		Name:    "annad",
		Version: "0.3.0",
		Model: ModelConfig{
			BaseURL:       "http://localhost:11434/v1",
			JuniorModel:   "qwen2.5:7b",
			SeniorModel:   "qwen2.5:14b",
			JuniorTimeout: "4s",
			SeniorTimeout: "4s",
		},
		Probes: ProbesConfig{
			Timeout:     "3s",
			MaxOutputKB: 64,
		},
		Cases: CasesConfig{
			QuestionBudget:  "10s",
			JuniorMaxRounds: 3,
			EvidenceBudget:  4096,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Paths: PathsConfig{
			Base: ".anna",
		},
	}
}

// Load reads the config file under baseDir, layering it over defaults.
// A missing file yields DefaultConfig. ANNA_MODEL_URL overrides the
// endpoint regardless of file contents.
func Load(baseDir string) (*Config, error) {
	cfg := DefaultConfig()
	if baseDir != "" {
		cfg.Paths.Base = baseDir
	}

	path := filepath.Join(cfg.Paths.Base, ConfigFileName)
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if url := os.Getenv("ANNA_MODEL_URL"); url != "" {
		cfg.Model.BaseURL = url
	}

	cfg.applyPathDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyPathDefaults() {
	if c.Paths.Base == "" {
		c.Paths.Base = ".anna"
	}
	if c.Paths.Recipes == "" {
		c.Paths.Recipes = filepath.Join(c.Paths.Base, "recipes")
	}
	if c.Paths.Cases == "" {
		c.Paths.Cases = filepath.Join(c.Paths.Base, "cases")
	}
	if c.Paths.Cache == "" {
		c.Paths.Cache = filepath.Join(c.Paths.Base, "cache")
	}
}

// Validate checks that every duration parses and every count is sane.
func (c *Config) Validate() error {
	for name, v := range map[string]string{
		"model.junior_timeout":  c.Model.JuniorTimeout,
		"model.senior_timeout":  c.Model.SeniorTimeout,
		"probes.timeout":        c.Probes.Timeout,
		"cases.question_budget": c.Cases.QuestionBudget,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("config %s: %w", name, err)
		}
	}
	if c.Cases.JuniorMaxRounds < 1 {
		return fmt.Errorf("config cases.junior_max_rounds: must be >= 1, got %d", c.Cases.JuniorMaxRounds)
	}
	if c.Cases.EvidenceBudget < 512 {
		return fmt.Errorf("config cases.evidence_budget: must be >= 512, got %d", c.Cases.EvidenceBudget)
	}
	return nil
}

// Duration helpers. Validate guarantees these parse; a zero value means the
// field was bypassed, so fall back to the default.

func (c *Config) JuniorTimeout() time.Duration { return parseDur(c.Model.JuniorTimeout, 4*time.Second) }
func (c *Config) SeniorTimeout() time.Duration { return parseDur(c.Model.SeniorTimeout, 4*time.Second) }
func (c *Config) ProbeTimeout() time.Duration  { return parseDur(c.Probes.Timeout, 3*time.Second) }
func (c *Config) QuestionBudget() time.Duration {
	return parseDur(c.Cases.QuestionBudget, 10*time.Second)
}

func parseDur(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
