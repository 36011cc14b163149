package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	if cfg.MaxUploadBytes() != 5*1024*1024 {
		t.Errorf("MaxUploadBytes = %d", cfg.MaxUploadBytes())
	}
}

func TestLoad(t *testing.T) {
	yaml := `
listen: ":9090"
db_path: "/tmp/atelier.db"
max_upload_mb: 20
workers: 8
log_level: debug
mcp:
  transport: stdio
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":9090" || cfg.Workers != 8 || cfg.MCP.Transport != "stdio" {
		t.Fatalf("config = %+v", cfg)
	}
	if cfg.MaxUploadBytes() != 20*1024*1024 {
		t.Errorf("MaxUploadBytes = %d", cfg.MaxUploadBytes())
	}
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != Default().Listen {
		t.Fatalf("config = %+v", cfg)
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen", func(c *Config) { c.Listen = "" }},
		{"empty db path", func(c *Config) { c.DBPath = "" }},
		{"zero upload limit", func(c *Config) { c.MaxUploadMB = 0 }},
		{"negative workers", func(c *Config) { c.Workers = -1 }},
		{"bad mcp transport", func(c *Config) { c.MCP.Transport = "quic" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("validate accepted a bad config")
			}
		})
	}
}
