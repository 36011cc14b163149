// Package config loads the service configuration from YAML.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the full atelierd configuration.
type Config struct {
	Listen      string `yaml:"listen"`
	DBPath      string `yaml:"db_path"`
	MaxUploadMB int    `yaml:"max_upload_mb"`
	Workers     int    `yaml:"workers"`
	LogLevel    string `yaml:"log_level"`
	MCP         MCP    `yaml:"mcp"`
}

// MCP configures the optional MCP surface.
type MCP struct {
	Transport string `yaml:"transport"` // "" (disabled) | "stdio"
}

// Default returns sane defaults. Workers 0 means one per CPU.
func Default() *Config {
	return &Config{
		Listen:      ":8090",
		DBPath:      "atelier.db",
		MaxUploadMB: 5,
		LogLevel:    "info",
	}
}

// Load reads and parses a YAML config file, merged over Default. An empty
// path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("max_upload_mb must be > 0")
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0")
	}
	switch c.MCP.Transport {
	case "", "stdio":
	default:
		return fmt.Errorf("unsupported mcp transport %q (use stdio)", c.MCP.Transport)
	}
	return nil
}

// MaxUploadBytes returns the upload limit in bytes.
func (c *Config) MaxUploadBytes() int64 { return int64(c.MaxUploadMB) * 1024 * 1024 }
