package slamonitor

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"
)

// slaMonitorSchema holds the configuration schema generated from Config.
var slaMonitorSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the sla-monitor component.
type Config struct {
	// ScanInterval is the pause between deadline scan cycles. Each
	// cycle walks every agency with tracked resources.
	ScanInterval string `json:"scan_interval" schema:"type:string,description:Pause between scan cycles (duration),category:basic,default:1m"`

	// DedupWindow bounds dedup reservations in the shared stores.
	DedupWindow string `json:"dedup_window" schema:"type:string,description:Signal dedup window (duration),category:advanced,default:24h"`

	// Ports declares optional port configuration.
	Ports *component.PortConfig `json:"ports,omitempty" schema:"type:ports,description:Port configuration,category:basic"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		ScanInterval: "1m",
		DedupWindow:  "24h",
	}
}

// Validate verifies the configuration is consistent.
func (c *Config) Validate() error {
	for name, value := range map[string]string{
		"scan_interval": c.ScanInterval,
		"dedup_window":  c.DedupWindow,
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

// GetScanInterval parses the scan interval, falling back to the
// default.
func (c *Config) GetScanInterval() time.Duration {
	d, err := time.ParseDuration(c.ScanInterval)
	if err != nil || d <= 0 {
		return time.Minute
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
