// Package config loads the coroutine-mcp configuration file
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DirName  = ".coroutine-mcp"
	FileName = "config.yaml"
)

type Config struct {
	// Transport is headless or dap
	Transport      string        `yaml:"transport"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	LogLevel       string        `yaml:"log_level"`
	LogFile        string        `yaml:"log_file"`
	// MaxChainDepth caps continuation walks
	MaxChainDepth int `yaml:"max_chain_depth"`
}

// Dir returns ~/.coroutine-mcp
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, DirName), nil
}

// DefaultPath returns ~/.coroutine-mcp/config.yaml
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

func Default() Config {
	cfg := Config{
		Transport:      "headless",
		RequestTimeout: 10 * time.Second,
		LogLevel:       "info",
		MaxChainDepth:  4096,
	}
	if dir, err := Dir(); err == nil {
		cfg.LogFile = filepath.Join(dir, "coroutine-mcp.log")
	}
	return cfg
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Transport {
	case "headless", "dap":
	default:
		return fmt.Errorf("invalid transport %q, want headless or dap", c.Transport)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %v", c.RequestTimeout)
	}
	if c.MaxChainDepth <= 0 {
		return fmt.Errorf("max_chain_depth must be positive, got %d", c.MaxChainDepth)
	}
	return nil
}
