package signalgateway

import (
	"fmt"
	"time"

	"reflect"

	"github.com/c360studio/semstreams/component"
)

// signalGatewaySchema holds the configuration schema generated from Config.
var signalGatewaySchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the signal-gateway component.
type Config struct {
	// DedupWindow bounds how long a signal fingerprint reservation
	// lives. Redeliveries within the window are dropped as duplicates.
	DedupWindow string `json:"dedup_window" schema:"type:string,description:Signal dedup window (duration),category:basic,default:24h"`

	// SpoolDir is a directory watched for dropped JSON signal files.
	// Empty disables the spool watcher.
	SpoolDir string `json:"spool_dir" schema:"type:string,description:Directory watched for spooled signal files,category:basic,default:"`

	// SpoolPatterns are doublestar globs selecting spool files,
	// relative to SpoolDir.
	SpoolPatterns []string `json:"spool_patterns" schema:"type:array,description:Glob patterns for spool files,category:basic"`

	// Ports declares optional port configuration.
	Ports *component.PortConfig `json:"ports,omitempty" schema:"type:ports,description:Port configuration,category:basic"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		DedupWindow:   "24h",
		SpoolPatterns: []string{"**/*.json"},
	}
}

// Validate verifies the configuration is consistent.
func (c *Config) Validate() error {
	if c.DedupWindow != "" {
		if _, err := time.ParseDuration(c.DedupWindow); err != nil {
			return fmt.Errorf("invalid dedup_window: %w", err)
		}
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
