package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads and parses the configuration file at path, applies defaults,
// and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader parses YAML configuration from r, applies defaults, and
// validates the result. Unknown fields are rejected so typos surface at
// startup instead of silently falling back to defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	var cfg Config

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	return &cfg, nil
}

// Validate checks cfg for missing or inconsistent settings. All violations
// are collected and returned as a single joined error.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level: unknown level %q", cfg.Server.LogLevel))
	}
	if cfg.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn: must not be empty"))
	}
	if cfg.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr: must not be empty"))
	}
	if cfg.Storage.AudioRoot == "" {
		errs = append(errs, errors.New("storage.audio_root: must not be empty"))
	}

	switch cfg.Recognizer.Name {
	case "whisper":
		if cfg.Recognizer.BaseURL == "" {
			errs = append(errs, errors.New("recognizer.base_url: required for the whisper recognizer"))
		}
	case "openai":
		if cfg.Recognizer.APIKey == "" {
			errs = append(errs, errors.New("recognizer.api_key: required for the openai recognizer"))
		}
	case "":
		errs = append(errs, errors.New("recognizer.name: must not be empty"))
	default:
		errs = append(errs, fmt.Errorf("recognizer.name: unknown recognizer %q", cfg.Recognizer.Name))
	}
	if cfg.Recognizer.Retry.Max < 0 {
		errs = append(errs, errors.New("recognizer.retry.max: must not be negative"))
	}
	if cfg.Recognizer.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("recognizer.retry.multiplier: must be >= 1, got %v", cfg.Recognizer.Retry.Multiplier))
	}

	if cfg.Polish.Enabled {
		if cfg.Polish.Provider == "" {
			errs = append(errs, errors.New("polish.provider: required when polish is enabled"))
		}
		if cfg.Polish.Model == "" {
			errs = append(errs, errors.New("polish.model: required when polish is enabled"))
		}
	}

	if !cfg.Pipeline.NumeralStrategy.IsValid() {
		errs = append(errs, fmt.Errorf("pipeline.numeral_strategy: unknown strategy %q", cfg.Pipeline.NumeralStrategy))
	}
	if cfg.Pipeline.FuzzyThreshold < 1 || cfg.Pipeline.FuzzyThreshold > 100 {
		errs = append(errs, fmt.Errorf("pipeline.fuzzy_threshold: must be in [1, 100], got %d", cfg.Pipeline.FuzzyThreshold))
	}
	if c := cfg.Pipeline.Confidence; c.Alpha < 0 || c.Beta < 0 || c.Gamma < 0 {
		errs = append(errs, errors.New("pipeline.confidence: coefficients must not be negative"))
	}

	return errors.Join(errs...)
}
