// Package config provides configuration loading and management for
// Signalflow.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Signalflow configuration
type Config struct {
	NATS     NATSConfig     `yaml:"nats"`
	HTTP     HTTPConfig     `yaml:"http"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Sla      SlaConfig      `yaml:"sla"`
	AI       AIConfig       `yaml:"ai"`
	Log      LogConfig      `yaml:"log"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL
	URL string `yaml:"url"`
}

// HTTPConfig configures the HTTP listener shared by the processors
type HTTPConfig struct {
	// Port is the HTTP listen port
	Port int `yaml:"port"`
}

// IngestConfig configures signal ingestion
type IngestConfig struct {
	// DedupWindow bounds how long a signal fingerprint suppresses
	// duplicates (default: 24h)
	DedupWindow time.Duration `yaml:"dedup_window"`
	// SpoolDir is a directory watched for dropped signal files
	// (empty = no spool watching)
	SpoolDir string `yaml:"spool_dir"`
	// SpoolPatterns are glob patterns selecting spool files to ingest
	SpoolPatterns []string `yaml:"spool_patterns"`
}

// WorkflowConfig configures workflow execution
type WorkflowConfig struct {
	// DefaultTimeout caps an execution when the workflow sets none
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// SlaConfig configures the SLA scan cycle and business-hours defaults
type SlaConfig struct {
	// ScanInterval is how often tracked resources are re-checked
	ScanInterval time.Duration `yaml:"scan_interval"`
	// BusinessHoursStart is the default clock-in hour (0-23)
	BusinessHoursStart int `yaml:"business_hours_start"`
	// BusinessHoursEnd is the default clock-out hour (1-24)
	BusinessHoursEnd int `yaml:"business_hours_end"`
	// ExcludeWeekends skips Saturday and Sunday by default
	ExcludeWeekends bool `yaml:"exclude_weekends"`
}

// AIConfig configures the model backing ai_generate steps
type AIConfig struct {
	// Endpoint is an OpenAI-compatible API endpoint
	Endpoint string `yaml:"endpoint"`
	// Model is the model name to request
	Model string `yaml:"model"`
	// APIKey authenticates to the endpoint (empty = no auth header)
	APIKey string `yaml:"api_key"`
	// Temperature controls randomness (0.0-1.0)
	Temperature float64 `yaml:"temperature"`
	// Timeout is the maximum time to wait for model responses
	Timeout time.Duration `yaml:"timeout"`
}

// LogConfig configures logging output
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
		HTTP: HTTPConfig{
			Port: 8080,
		},
		Ingest: IngestConfig{
			DedupWindow:   24 * time.Hour,
			SpoolPatterns: []string{"**/*.json"},
		},
		Workflow: WorkflowConfig{
			DefaultTimeout: 10 * time.Minute,
		},
		Sla: SlaConfig{
			ScanInterval:       time.Minute,
			BusinessHoursStart: 9,
			BusinessHoursEnd:   17,
			ExcludeWeekends:    true,
		},
		AI: AIConfig{
			Endpoint:    "http://localhost:11434/v1",
			Model:       "qwen2.5-coder:32b",
			Temperature: 0.2,
			Timeout:     5 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be within 1-65535")
	}
	if c.Ingest.DedupWindow < 0 {
		return fmt.Errorf("ingest.dedup_window must not be negative")
	}
	if c.Workflow.DefaultTimeout <= 0 {
		return fmt.Errorf("workflow.default_timeout must be positive")
	}
	if c.Sla.ScanInterval <= 0 {
		return fmt.Errorf("sla.scan_interval must be positive")
	}
	if c.Sla.BusinessHoursStart < 0 || c.Sla.BusinessHoursStart > 23 {
		return fmt.Errorf("sla.business_hours_start must be within 0-23")
	}
	if c.Sla.BusinessHoursEnd < 1 || c.Sla.BusinessHoursEnd > 24 {
		return fmt.Errorf("sla.business_hours_end must be within 1-24")
	}
	if c.Sla.BusinessHoursStart >= c.Sla.BusinessHoursEnd {
		return fmt.Errorf("sla.business_hours_start must precede sla.business_hours_end")
	}
	if c.AI.Endpoint == "" {
		return fmt.Errorf("ai.endpoint is required")
	}
	if c.AI.Model == "" {
		return fmt.Errorf("ai.model is required")
	}
	if c.AI.Temperature < 0 || c.AI.Temperature > 1 {
		return fmt.Errorf("ai.temperature must be between 0 and 1")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.HTTP.Port != 0 {
		c.HTTP.Port = other.HTTP.Port
	}

	if other.Ingest.DedupWindow != 0 {
		c.Ingest.DedupWindow = other.Ingest.DedupWindow
	}
	if other.Ingest.SpoolDir != "" {
		c.Ingest.SpoolDir = other.Ingest.SpoolDir
	}
	if len(other.Ingest.SpoolPatterns) > 0 {
		c.Ingest.SpoolPatterns = other.Ingest.SpoolPatterns
	}

	if other.Workflow.DefaultTimeout != 0 {
		c.Workflow.DefaultTimeout = other.Workflow.DefaultTimeout
	}

	if other.Sla.ScanInterval != 0 {
		c.Sla.ScanInterval = other.Sla.ScanInterval
	}
	if other.Sla.BusinessHoursStart != 0 {
		c.Sla.BusinessHoursStart = other.Sla.BusinessHoursStart
	}
	if other.Sla.BusinessHoursEnd != 0 {
		c.Sla.BusinessHoursEnd = other.Sla.BusinessHoursEnd
	}
	if other.Sla.ExcludeWeekends {
		c.Sla.ExcludeWeekends = true
	}

	if other.AI.Endpoint != "" {
		c.AI.Endpoint = other.AI.Endpoint
	}
	if other.AI.Model != "" {
		c.AI.Model = other.AI.Model
	}
	if other.AI.APIKey != "" {
		c.AI.APIKey = other.AI.APIKey
	}
	if other.AI.Temperature != 0 {
		c.AI.Temperature = other.AI.Temperature
	}
	if other.AI.Timeout != 0 {
		c.AI.Timeout = other.AI.Timeout
	}

	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
}
