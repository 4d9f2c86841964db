// Package slamonitor watches tracked resources against their SLA
// definitions. A scan ticker walks every agency with tracked
// resources, opens breaches for missed deadlines, and walks escalation
// chains; the HTTP surface manages definitions, chains, resources, and
// the breach lifecycle.
package slamonitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/c360studio/signalflow/sla"
	"github.com/c360studio/signalflow/storage"
)

// resourceStore is the slice of the tracked-resource store the HTTP
// handlers need.
type resourceStore interface {
	Upsert(ctx context.Context, r *sla.Resource) error
	Get(ctx context.Context, agencyID, resourceID string) (*sla.Resource, error)
}

// agencySource lists agencies with tracked resources for the scan
// ticker.
type agencySource interface {
	ListAgencies(ctx context.Context) ([]string, error)
}

// Component implements the sla-monitor processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	stores    *storage.Stores
	engine    *sla.Engine
	resources resourceStore
	agencies  agencySource

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	scansRun       atomic.Int64
	scanFailures   atomic.Int64
	requestsServed atomic.Int64
	requestsFailed atomic.Int64
	lastActivityMu sync.RWMutex
	lastActivity   time.Time
}

// NewComponent creates a new sla-monitor processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.ScanInterval == "" {
		config.ScanInterval = defaults.ScanInterval
	}
	if config.DedupWindow == "" {
		config.DedupWindow = defaults.DedupWindow
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:       "sla-monitor",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	registerMetrics()
	c.logger.Debug("Initialized sla-monitor", "scan_interval", c.config.ScanInterval)
	return nil
}

// Start wires the stores and engine, then begins the scan ticker.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	if c.natsClient == nil {
		c.mu.Unlock()
		return fmt.Errorf("NATS client required")
	}

	c.running = true
	c.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	js, err := c.natsClient.JetStream()
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get jetstream: %w", err)
	}

	stores, err := storage.NewStores(subCtx, js, c.config.GetDedupWindow())
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("create stores: %w", err)
	}
	c.stores = stores
	c.resources = stores.Resources
	c.agencies = stores.Resources

	effects := &natsEffects{
		pub:    c.natsClient,
		source: c.name,
		logger: c.logger,
	}
	c.engine = sla.NewEngine(stores.SlaDefinitions, stores.Breaches, stores.BreachEvents, stores.Chains, stores.Resources, effects, c.logger)

	go c.scanLoop(subCtx)

	c.logger.Info("sla-monitor started", "scan_interval", c.config.ScanInterval)
	return nil
}

func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

// scanLoop runs one scan cycle immediately, then one per interval.
func (c *Component) scanLoop(ctx context.Context) {
	c.runScans(ctx)

	ticker := time.NewTicker(c.config.GetScanInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runScans(ctx)
		}
	}
}

// runScans walks every agency with tracked resources and scans each.
// Per-agency failures are logged and counted; the cycle continues.
func (c *Component) runScans(ctx context.Context) {
	c.updateLastActivity()

	agencies, err := c.agencies.ListAgencies(ctx)
	if err != nil {
		c.scanFailures.Add(1)
		c.logger.Error("Failed to list agencies for scan", "error", err)
		return
	}

	for _, agencyID := range agencies {
		result, err := c.engine.RunScan(ctx, agencyID)
		if err != nil {
			c.scanFailures.Add(1)
			c.logger.Error("Agency scan failed", "agency_id", agencyID, "error", err)
			continue
		}
		c.recordScan(result)
	}
}

func (c *Component) recordScan(result *sla.ScanResult) {
	c.scansRun.Add(1)
	scansTotal.Inc()
	breachesDetectedTotal.Add(float64(result.BreachesDetected))
	escalationsFiredTotal.Add(float64(result.LevelsFired))
	scanErrorsTotal.Add(float64(result.ResourceErrors))
}

// Stop gracefully stops the component.
func (c *Component) Stop(_ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	if c.cancel != nil {
		c.cancel()
	}

	c.running = false
	c.logger.Info("sla-monitor stopped",
		"scans_run", c.scansRun.Load(),
		"scan_failures", c.scanFailures.Load())
	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "sla-monitor",
		Type:        "processor",
		Description: "Scans tracked resources for SLA breaches and drives escalation chains",
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Inputs))
	for i, portDef := range c.config.Ports.Inputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionInput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Outputs))
	for i, portDef := range c.config.Ports.Outputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionOutput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return slaMonitorSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	if running {
		status = "running"
	}

	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(c.scanFailures.Load()),
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		LastActivity: c.getLastActivity(),
	}
}

func (c *Component) updateLastActivity() {
	c.lastActivityMu.Lock()
	c.lastActivity = time.Now()
	c.lastActivityMu.Unlock()
}

func (c *Component) getLastActivity() time.Time {
	c.lastActivityMu.RLock()
	defer c.lastActivityMu.RUnlock()
	return c.lastActivity
}
