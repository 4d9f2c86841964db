package workflowrunner

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"
)

// workflowRunnerSchema holds the configuration schema generated from Config.
var workflowRunnerSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the workflow-runner component.
type Config struct {
	// StreamName is the JetStream stream carrying execution requests.
	StreamName string `json:"stream_name" schema:"type:string,description:JetStream stream name,category:basic,default:SIGNALFLOW"`

	// ConsumerName is the durable consumer name. All runner replicas
	// share it, so requests are load-balanced across them.
	ConsumerName string `json:"consumer_name" schema:"type:string,description:Durable consumer name,category:basic,default:workflow-runner"`

	// FilterSubject selects execution request messages.
	FilterSubject string `json:"filter_subject" schema:"type:string,description:Consumer filter subject,category:basic,default:signalflow.execution.request.>"`

	// ExecutionTimeout is the default wall-clock budget per execution,
	// used when the workflow does not set its own.
	ExecutionTimeout string `json:"execution_timeout" schema:"type:string,description:Default execution timeout (duration),category:basic,default:10m"`

	// DedupWindow bounds dedup reservations in the shared stores.
	DedupWindow string `json:"dedup_window" schema:"type:string,description:Signal dedup window (duration),category:basic,default:24h"`

	// AIBaseURL enables ai steps when set. Empty leaves the generator
	// unconfigured and ai steps fail at run time.
	AIBaseURL string `json:"ai_base_url" schema:"type:string,description:OpenAI-compatible API base URL,category:basic,default:"`

	// AIAPIKey is sent as a bearer token when set.
	AIAPIKey string `json:"ai_api_key" schema:"type:string,description:API key for the AI endpoint,category:advanced,default:"`

	// AIModel is the default model for ai steps that do not name one.
	AIModel string `json:"ai_model" schema:"type:string,description:Default AI model,category:basic,default:"`

	// AIRequestTimeout bounds one completion attempt.
	AIRequestTimeout string `json:"ai_request_timeout" schema:"type:string,description:Per-attempt AI request timeout (duration),category:advanced,default:60s"`

	// Ports declares optional port configuration.
	Ports *component.PortConfig `json:"ports,omitempty" schema:"type:ports,description:Port configuration,category:basic"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		StreamName:       "SIGNALFLOW",
		ConsumerName:     "workflow-runner",
		FilterSubject:    "signalflow.execution.request.>",
		ExecutionTimeout: "10m",
		DedupWindow:      "24h",
		AIRequestTimeout: "60s",
	}
}

// Validate verifies the configuration is consistent.
func (c *Config) Validate() error {
	if c.StreamName == "" {
		return fmt.Errorf("stream_name is required")
	}
	if c.ConsumerName == "" {
		return fmt.Errorf("consumer_name is required")
	}
	if c.FilterSubject == "" {
		return fmt.Errorf("filter_subject is required")
	}
	for name, value := range map[string]string{
		"execution_timeout":  c.ExecutionTimeout,
		"dedup_window":       c.DedupWindow,
		"ai_request_timeout": c.AIRequestTimeout,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

// GetExecutionTimeout parses the execution timeout, falling back to
// the default.
func (c *Config) GetExecutionTimeout() time.Duration {
	d, err := time.ParseDuration(c.ExecutionTimeout)
	if err != nil || d <= 0 {
		return 10 * time.Minute
	}
	return d
}

// GetDedupWindow parses the dedup window, falling back to the default.
func (c *Config) GetDedupWindow() time.Duration {
	d, err := time.ParseDuration(c.DedupWindow)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

// GetAIRequestTimeout parses the AI request timeout, falling back to
// the default.
func (c *Config) GetAIRequestTimeout() time.Duration {
	d, err := time.ParseDuration(c.AIRequestTimeout)
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}
