package signalgateway

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface required for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the signal-gateway component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "signal-gateway",
		Factory:     NewComponent,
		Schema:      signalGatewaySchema,
		Type:        "processor",
		Protocol:    "http",
		Domain:      "signalflow",
		Description: "Signal ingestion: HTTP ingest, route CRUD, spool watcher, workflow dispatch",
		Version:     "0.1.0",
	})
}
