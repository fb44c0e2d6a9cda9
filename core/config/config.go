// Package config carries the host-side configuration for the meanfield
// commands: defaults, an optional yaml file, then MEANFIELD_*
// environment overrides, in that order.
package config

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the optional per-project configuration file.
const DefaultPath = ".meanfield/config.yaml"

type Config struct {
	Engine     EngineConfig     `yaml:"engine"`
	Rotation   RotationConfig   `yaml:"rotation"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Logging    LoggingConfig    `yaml:"logging"`
	Seed       int64            `yaml:"seed"`
}

// EngineConfig bounds the coordinate-ascent loop.
type EngineConfig struct {
	MaxSweeps  int     `yaml:"max_sweeps"`
	Tolerance  float64 `yaml:"tolerance"`
	CheckBound bool    `yaml:"check_bound"`
}

// RotationConfig controls the parameter-expansion step between sweeps.
type RotationConfig struct {
	Enabled       bool `yaml:"enabled"`
	Every         int  `yaml:"every"`
	MaxIterations int  `yaml:"max_iterations"`
}

// CheckpointConfig points at the snapshot database. Every is the sweep
// cadence between saves; zero disables checkpointing.
type CheckpointConfig struct {
	Path  string `yaml:"path"`
	Every int    `yaml:"every"`
}

// LoggingConfig selects the slog handler. Level is one of debug, info,
// warn, error; Format is text or json.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxSweeps:  200,
			Tolerance:  1e-5,
			CheckBound: true,
		},
		Rotation: RotationConfig{
			Enabled:       true,
			Every:         1,
			MaxIterations: 20,
		},
		Checkpoint: CheckpointConfig{
			Path:  ".meanfield/checkpoints.db",
			Every: 0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Seed: 42,
	}
}

// Load builds the effective configuration. The default path is an
// optional overlay; an explicitly given path must exist. Unknown yaml
// keys are rejected.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decodeStrict(data, cfg); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
	default:
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	applyEnvironment(cfg)
	return cfg, nil
}

func decodeStrict(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func applyEnvironment(cfg *Config) {
	if v := os.Getenv("MEANFIELD_ENGINE_MAX_SWEEPS"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Engine.MaxSweeps = n
		}
	}
	if v := os.Getenv("MEANFIELD_ENGINE_TOLERANCE"); v != "" {
		if f, err := parseFloat(v); err == nil {
			cfg.Engine.Tolerance = f
		}
	}
	if v := os.Getenv("MEANFIELD_ENGINE_CHECK_BOUND"); v != "" {
		cfg.Engine.CheckBound = strings.ToLower(v) == "true"
	}
	if v := os.Getenv("MEANFIELD_ROTATION_ENABLED"); v != "" {
		cfg.Rotation.Enabled = strings.ToLower(v) == "true"
	}
	if v := os.Getenv("MEANFIELD_ROTATION_EVERY"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Rotation.Every = n
		}
	}
	if v := os.Getenv("MEANFIELD_ROTATION_MAX_ITERATIONS"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Rotation.MaxIterations = n
		}
	}
	if v := os.Getenv("MEANFIELD_CHECKPOINT_PATH"); v != "" {
		cfg.Checkpoint.Path = v
	}
	if v := os.Getenv("MEANFIELD_CHECKPOINT_EVERY"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Checkpoint.Every = n
		}
	}
	if v := os.Getenv("MEANFIELD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MEANFIELD_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("MEANFIELD_SEED"); v != "" {
		if n, err := parseInt64(v); err == nil {
			cfg.Seed = n
		}
	}
}

// NewHandler builds the slog handler described by the logging section.
// Unknown levels fall back to info, unknown formats to text.
func NewHandler(w io.Writer, cfg LoggingConfig) slog.Handler {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// BuildLogger constructs the process logger the commands inject
// everywhere.
func BuildLogger(cfg LoggingConfig) *slog.Logger {
	return slog.New(NewHandler(os.Stderr, cfg))
}

func parseInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func parseInt64(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func parseFloat(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(s, "%f", &f)
	return f, err
}
