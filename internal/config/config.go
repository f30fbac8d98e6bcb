package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration.
type Config struct {
	ModelsDir       string `yaml:"models_dir"`
	DefaultModel    string `yaml:"default_model"`
	DefaultLanguage string `yaml:"default_language"`
	Threads         int    `yaml:"threads"`
	AutoDownload    bool   `yaml:"auto_download"`
	MaxRequestBytes int    `yaml:"max_request_bytes"`
	LogLevel        string `yaml:"log_level"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "gostt-daemon")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultModelsDir returns where ggml model files live by default.
func DefaultModelsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "models"
	}
	return filepath.Join(home, ".local", "share", "gostt-daemon", "models")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		ModelsDir:       DefaultModelsDir(),
		DefaultModel:    "small",
		DefaultLanguage: "auto",
		Threads:         4,
		AutoDownload:    true,
		MaxRequestBytes: 1 << 20,
		LogLevel:        "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in models_dir is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.ModelsDir = ExpandTilde(cfg.ModelsDir)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.ModelsDir == "" {
		return fmt.Errorf("models_dir must not be empty")
	}

	if strings.TrimSpace(c.DefaultModel) == "" {
		return fmt.Errorf("default_model must not be empty")
	}

	if strings.TrimSpace(c.DefaultLanguage) == "" {
		return fmt.Errorf("default_language must not be empty (use \"auto\" to detect)")
	}

	if c.Threads <= 0 {
		return fmt.Errorf("threads must be > 0")
	}

	if c.MaxRequestBytes <= 0 {
		return fmt.Errorf("max_request_bytes must be > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a log_level value to a zerolog level, defaulting to info.
func ParseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

const defaultHeader = `# gostt-daemon configuration
#
# models_dir:        where ggml model files are stored
# default_model:     model used when a request does not name one (tiny, base, small, medium, large-v3, ...)
# default_language:  language used when a request does not name one ("auto" detects it)
# threads:           CPU threads per transcription
# auto_download:     fetch missing models from HuggingFace on first use
# max_request_bytes: longest accepted request line
# log_level:         debug, info, warn or error (diagnostics on stderr)

`

// WriteDefault writes the default config to DefaultConfigPath. If a file
// already exists it is left untouched and ("", nil) is returned.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(defaultHeader)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(Default()); err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// ExpandTilde replaces a leading ~ with the user's home directory.
func ExpandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
