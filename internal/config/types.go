package config

import "time"

// Config represents the complete sheetloop configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Database DatabaseConfig `yaml:"database"`
	API      APIConfig      `yaml:"api"`
	Server   ServerConfig   `yaml:"server"`
	Client   ClientConfig   `yaml:"client"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Upload   UploadConfig   `yaml:"upload"`
	LLM      LLMConfig      `yaml:"llm"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// DatabaseConfig defines SQLite storage settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Listen                  string        `yaml:"listen"`
	Token                   string        `yaml:"token"`
	BasePath                string        `yaml:"base_path"`
	StreamHeartbeatInterval time.Duration `yaml:"stream_heartbeat_interval"`
}

// ServerConfig defines the demo workbench backend behavior.
type ServerConfig struct {
	DataDir             string        `yaml:"data_dir"`
	FixturesDir         string        `yaml:"fixtures_dir"`
	StepDelay           time.Duration `yaml:"step_delay"`
	MaxGenerateAttempts int           `yaml:"max_generate_attempts"`
}

// ClientConfig defines how the CLI reaches the backend.
type ClientConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// PipelineConfig selects the step vocabulary the client reconciles.
type PipelineConfig struct {
	Variant        string `yaml:"variant"`
	RequireStageID bool   `yaml:"require_stage_id"`
}

// UploadConfig defines attachment handling and submit gating.
type UploadConfig struct {
	Accept      []string `yaml:"accept"`
	Parallelism int      `yaml:"parallelism"`
	Gate        string   `yaml:"gate"`
	Attachments string   `yaml:"attachments"`
}

// LLMConfig defines the LLM provider settings. An empty provider selects the
// built-in planner.
type LLMConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url,omitempty"`
	MaxTokens int    `yaml:"max_tokens"`
}
