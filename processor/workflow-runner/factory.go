package workflowrunner

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface required for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the workflow-runner component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "workflow-runner",
		Factory:     NewComponent,
		Schema:      workflowRunnerSchema,
		Type:        "processor",
		Protocol:    "nats",
		Domain:      "signalflow",
		Description: "Consumes execution requests and runs workflows through the engine",
		Version:     "0.1.0",
	})
}
