package automationapi

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface required for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the automation-api component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "automation-api",
		Factory:     NewComponent,
		Schema:      automationAPISchema,
		Type:        "processor",
		Protocol:    "http",
		Domain:      "signalflow",
		Description: "HTTP API for rules, workflows, executions, and lineage",
		Version:     "0.1.0",
	})
}
