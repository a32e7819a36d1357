package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestApplyDefaultsSetsClientAndUploadPolicy(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	if cfg.API.StreamHeartbeatInterval != 15*time.Second {
		t.Fatalf("stream heartbeat default = %v, want %v", cfg.API.StreamHeartbeatInterval, 15*time.Second)
	}
	if cfg.Client.BaseURL != "http://127.0.0.1:8091/api" {
		t.Fatalf("client.base_url default = %q", cfg.Client.BaseURL)
	}
	if cfg.Pipeline.Variant != "staged" {
		t.Fatalf("pipeline.variant default = %q, want staged", cfg.Pipeline.Variant)
	}
	if got := strings.Join(cfg.Upload.Accept, ","); got != ".xlsx,.xls,.csv" {
		t.Fatalf("upload.accept default = %s", got)
	}
	if cfg.Upload.Attachments != "first_turn" || cfg.Upload.Gate != "any" {
		t.Fatalf("upload gating defaults = %q/%q", cfg.Upload.Attachments, cfg.Upload.Gate)
	}
	if cfg.LLM.MaxTokens != 4096 {
		t.Fatalf("llm.max_tokens default = %d, want 4096", cfg.LLM.MaxTokens)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"log level", func(c *Config) { c.Service.LogLevel = "loud" }, "service.log_level"},
		{"heartbeat", func(c *Config) { c.API.StreamHeartbeatInterval = -time.Second }, "api.stream_heartbeat_interval"},
		{"base path", func(c *Config) { c.API.BasePath = "api" }, "api.base_path"},
		{"variant", func(c *Config) { c.Pipeline.Variant = "batch" }, "pipeline.variant"},
		{"accept", func(c *Config) { c.Upload.Accept = []string{"xlsx"} }, "upload.accept"},
		{"parallelism", func(c *Config) { c.Upload.Parallelism = -1 }, "upload.parallelism"},
		{"gate", func(c *Config) { c.Upload.Gate = "some" }, "upload.gate"},
		{"attachments", func(c *Config) { c.Upload.Attachments = "later" }, "upload.attachments"},
		{"provider", func(c *Config) { c.LLM.Provider = "acme" }, "llm.provider"},
		{"api key", func(c *Config) { c.LLM.Provider = "openai" }, "llm.api_key"},
		{"unset token", func(c *Config) { c.API.Token = "${SHEETLOOP_TEST_UNSET}" }, "api.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := validate(cfg); err == nil || !strings.Contains(err.Error(), tt.field) {
				t.Fatalf("expected %s validation error, got %v", tt.field, err)
			}
		})
	}
}

func TestParseInterpolatesEnv(t *testing.T) {
	t.Setenv("SHEETLOOP_TEST_TOKEN", "secret")
	cfg, err := Parse([]byte("api:\n  token: ${SHEETLOOP_TEST_TOKEN}\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.API.Token != "secret" {
		t.Fatalf("api.token = %q, want secret", cfg.API.Token)
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load or default: %v", err)
	}
	if cfg.Service.Name != "sheetloop" {
		t.Fatalf("service.name = %q, want sheetloop", cfg.Service.Name)
	}
}

func TestExampleConfigParses(t *testing.T) {
	data, err := os.ReadFile("../../config.example.yaml")
	if err != nil {
		t.Fatalf("read config.example.yaml: %v", err)
	}
	t.Setenv("SHEETLOOP_API_TOKEN", "token")
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("parse example: %v", err)
	}
	if cfg.Server.StepDelay != 150*time.Millisecond {
		t.Fatalf("server.step_delay = %v, want 150ms", cfg.Server.StepDelay)
	}
}
