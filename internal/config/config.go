// Package config loads settings from a YAML file overlaid by environment
// variables. Command-line flags are applied on top by the CLI.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	// DataDir is the root of all persisted state.
	DataDir string `yaml:"data_dir"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Listen is the address for `convo serve`.
	Listen string `yaml:"listen"`

	// DefaultModel is used by chat when --model is not given.
	DefaultModel string `yaml:"default_model"`

	// Provider credentials. Registry entries with an empty key fall back to
	// these by provider type.
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
}

// Environment variable names.
const (
	EnvConfig       = "CONVO_CONFIG"
	EnvDataDir      = "CONVO_DATA_DIR"
	EnvLogLevel     = "CONVO_LOG_LEVEL"
	EnvLogFormat    = "CONVO_LOG_FORMAT"
	EnvListen       = "CONVO_LISTEN"
	EnvDefaultModel = "CONVO_DEFAULT_MODEL"
	EnvOpenAIKey    = "OPENAI_API_KEY"
	EnvAnthropicKey = "ANTHROPIC_API_KEY"
)

// FileName is the config file looked up inside the data directory.
const FileName = "config.yaml"

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:   defaultDataDir(),
		LogLevel:  "info",
		LogFormat: "text",
		Listen:    "127.0.0.1:7878",
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "convo")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".convo"
	}
	return filepath.Join(home, ".convo")
}

// Load builds the configuration.
//
// Precedence, lowest first: defaults, the YAML file, environment. The file
// is explicitPath if set, else $CONVO_CONFIG, else <data dir>/config.yaml.
// A missing file is an error only when a path was given explicitly.
func Load(explicitPath string, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Default()
	if dir := getenv(EnvDataDir); dir != "" {
		cfg.DataDir = dir
	}

	path, required := explicitPath, explicitPath != ""
	if path == "" {
		if p := getenv(EnvConfig); p != "" {
			path, required = p, true
		} else {
			path = filepath.Join(cfg.DataDir, FileName)
		}
	}

	if err := loadFile(cfg, path); err != nil && (required || !errors.Is(err, fs.ErrNotExist)) {
		return nil, err
	}

	applyEnv(cfg, getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	// Strict decoding catches typos like "log-level:".
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&cfg.DataDir, EnvDataDir)
	set(&cfg.LogLevel, EnvLogLevel)
	set(&cfg.LogFormat, EnvLogFormat)
	set(&cfg.Listen, EnvListen)
	set(&cfg.DefaultModel, EnvDefaultModel)
	set(&cfg.OpenAIAPIKey, EnvOpenAIKey)
	set(&cfg.AnthropicAPIKey, EnvAnthropicKey)
}

// Validate checks enumerated settings.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("config: data_dir is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log_level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: invalid log_format %q", c.LogFormat)
	}
	return nil
}

// APIKey returns the configured credential for a provider type.
func (c *Config) APIKey(providerType string) string {
	switch providerType {
	case "openai":
		return c.OpenAIAPIKey
	case "anthropic":
		return c.AnthropicAPIKey
	default:
		return ""
	}
}
