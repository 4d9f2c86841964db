package automationapi

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"
)

// automationAPISchema holds the configuration schema generated from Config.
var automationAPISchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the automation-api component.
type Config struct {
	// DedupWindow bounds dedup reservations in the shared stores.
	DedupWindow string `json:"dedup_window" schema:"type:string,description:Signal dedup window (duration),category:basic,default:24h"`

	// ListLimit caps list responses when the caller does not ask for
	// a page size.
	ListLimit int `json:"list_limit" schema:"type:int,description:Default list page size,category:advanced,default:50"`

	// Ports declares optional port configuration.
	Ports *component.PortConfig `json:"ports,omitempty" schema:"type:ports,description:Port configuration,category:basic"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		DedupWindow: "24h",
		ListLimit:   50,
	}
}

// Validate verifies the configuration is consistent.
func (c *Config) Validate() error {
	if c.DedupWindow != "" {
		if _, err := time.ParseDuration(c.DedupWindow); err != nil {
			return fmt.Errorf("invalid dedup_window: %w", err)
		}
	}
	if c.ListLimit < 0 {
		return fmt.Errorf("list_limit cannot be negative")
	}
	return nil
}

// GetDedupWindow parses the dedup window, falling back to the default.
func (c *Config) GetDedupWindow() time.Duration {
	d, err := time.ParseDuration(c.DedupWindow)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}
