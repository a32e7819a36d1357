package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// LoadOrDefault behaves like Load but returns the defaults when path does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// Parse interpolates, decodes, defaults and validates raw YAML.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "sheetloop"
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/sheetloop.db"
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = "127.0.0.1:8091"
	}
	if cfg.API.BasePath == "" {
		cfg.API.BasePath = "/api"
	}
	if cfg.API.StreamHeartbeatInterval == 0 {
		cfg.API.StreamHeartbeatInterval = 15 * time.Second
	}
	if cfg.Server.DataDir == "" {
		cfg.Server.DataDir = "./data"
	}
	if cfg.Server.FixturesDir == "" {
		cfg.Server.FixturesDir = "./fixtures"
	}
	if cfg.Server.MaxGenerateAttempts == 0 {
		cfg.Server.MaxGenerateAttempts = 2
	}
	if cfg.Client.BaseURL == "" {
		cfg.Client.BaseURL = "http://" + cfg.API.Listen + cfg.API.BasePath
	}
	if cfg.Client.Timeout == 0 {
		cfg.Client.Timeout = 30 * time.Second
	}
	if cfg.Pipeline.Variant == "" {
		cfg.Pipeline.Variant = "staged"
	}
	if len(cfg.Upload.Accept) == 0 {
		cfg.Upload.Accept = []string{".xlsx", ".xls", ".csv"}
	}
	if cfg.Upload.Parallelism == 0 {
		cfg.Upload.Parallelism = 1
	}
	if cfg.Upload.Gate == "" {
		cfg.Upload.Gate = "any"
	}
	if cfg.Upload.Attachments == "" {
		cfg.Upload.Attachments = "first_turn"
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if err := checkUnresolved("api.token", cfg.API.Token); err != nil {
		return err
	}
	if err := checkUnresolved("client.token", cfg.Client.Token); err != nil {
		return err
	}
	if !strings.HasPrefix(cfg.API.BasePath, "/") {
		return fmt.Errorf("api.base_path must start with / (got %q)", cfg.API.BasePath)
	}
	if cfg.API.StreamHeartbeatInterval <= 0 {
		return fmt.Errorf("api.stream_heartbeat_interval must be positive")
	}
	if cfg.Server.StepDelay < 0 {
		return fmt.Errorf("server.step_delay must not be negative")
	}
	if cfg.Server.MaxGenerateAttempts <= 0 {
		return fmt.Errorf("server.max_generate_attempts must be positive")
	}
	if cfg.Client.Timeout <= 0 {
		return fmt.Errorf("client.timeout must be positive")
	}
	switch cfg.Pipeline.Variant {
	case "staged", "single-shot":
	default:
		return fmt.Errorf("pipeline.variant must be one of: staged, single-shot (got %q)", cfg.Pipeline.Variant)
	}
	for _, ext := range cfg.Upload.Accept {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("upload.accept entries must start with a dot (got %q)", ext)
		}
	}
	if cfg.Upload.Parallelism < 1 {
		return fmt.Errorf("upload.parallelism must be at least 1")
	}
	switch cfg.Upload.Gate {
	case "any", "all":
	default:
		return fmt.Errorf("upload.gate must be one of: any, all (got %q)", cfg.Upload.Gate)
	}
	switch cfg.Upload.Attachments {
	case "first_turn", "always", "never":
	default:
		return fmt.Errorf("upload.attachments must be one of: first_turn, always, never (got %q)", cfg.Upload.Attachments)
	}
	switch cfg.LLM.Provider {
	case "":
	case "anthropic", "openai":
		if cfg.LLM.APIKey == "" {
			return fmt.Errorf("llm.api_key is required for provider %s", cfg.LLM.Provider)
		}
		if err := checkUnresolved("llm.api_key", cfg.LLM.APIKey); err != nil {
			return err
		}
	case "ollama":
	default:
		return fmt.Errorf("llm.provider must be one of: anthropic, openai, ollama (got %q)", cfg.LLM.Provider)
	}
	if cfg.LLM.MaxTokens <= 0 {
		return fmt.Errorf("llm.max_tokens must be positive")
	}
	return nil
}

func checkUnresolved(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}
