package slamonitor

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface required for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the sla-monitor component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "sla-monitor",
		Factory:     NewComponent,
		Schema:      slaMonitorSchema,
		Type:        "processor",
		Protocol:    "nats",
		Domain:      "signalflow",
		Description: "Scans tracked resources for SLA breaches and drives escalation chains",
		Version:     "0.1.0",
	})
}
