// Package signalgateway provides the signal ingestion surface of the
// automation core. It exposes HTTP endpoints for signal ingest, retry,
// and route management, watches a spool directory for dropped signal
// files, and dispatches matched workflow executions over JetStream.
package signalgateway

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
	"github.com/c360studio/signalflow/signal"
	"github.com/c360studio/signalflow/storage"
)

// Component implements the signal-gateway processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	stores  *storage.Stores
	router  *signal.Router
	routes  signal.RouteStore
	watcher *spoolWatcher

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	signalsIngested atomic.Int64
	ingestsFailed   atomic.Int64
	lastActivityMu  sync.RWMutex
	lastActivity    time.Time
}

// NewComponent creates a new signal-gateway processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.DedupWindow == "" {
		config.DedupWindow = defaults.DedupWindow
	}
	if len(config.SpoolPatterns) == 0 {
		config.SpoolPatterns = defaults.SpoolPatterns
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:       "signal-gateway",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	registerMetrics()
	c.logger.Debug("Initialized signal-gateway",
		"dedup_window", c.config.DedupWindow,
		"spool_dir", c.config.SpoolDir)
	return nil
}

// Start wires the stores and router and begins watching the spool
// directory when one is configured.
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

	dispatcher := newJetstreamDispatcher(js, c.name, c.logger)
	c.routes = stores.Routes
	c.router = signal.NewRouter(stores.Signals, stores.Routes, nil, dispatcher, c.logger)

	if c.config.SpoolDir != "" {
		watcher, err := newSpoolWatcher(c.config.SpoolDir, c.config.SpoolPatterns, c, c.logger)
		if err != nil {
			c.rollbackStart(cancel)
			return fmt.Errorf("create spool watcher: %w", err)
		}
		c.watcher = watcher
		go watcher.run(subCtx)
	}

	c.logger.Info("signal-gateway started",
		"dedup_window", c.config.DedupWindow,
		"spool_dir", c.config.SpoolDir)
	return nil
}

func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

// ingest runs one ingest through the router and records metrics plus
// the ingestion notification.
func (c *Component) ingest(ctx context.Context, req signal.IngestRequest) (*signal.IngestResult, error) {
	result, err := c.router.Ingest(ctx, req)
	c.updateLastActivity()
	if err != nil {
		c.ingestsFailed.Add(1)
		return nil, err
	}

	if result.IsDuplicate {
		signalsDuplicateTotal.Inc()
	} else {
		c.signalsIngested.Add(1)
		signalsIngestedTotal.WithLabelValues(req.Source, string(result.Signal.Status)).Inc()
	}
	c.publishIngested(ctx, result)
	return result, nil
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
	if c.watcher != nil {
		c.watcher.close()
		c.watcher = nil
	}

	c.running = false
	c.logger.Info("signal-gateway stopped",
		"signals_ingested", c.signalsIngested.Load(),
		"ingests_failed", c.ingestsFailed.Load())
	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "signal-gateway",
		Type:        "processor",
		Description: "Signal ingestion: HTTP ingest, route CRUD, spool watcher, workflow dispatch",
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
	return signalGatewaySchema
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
		ErrorCount: int(c.ingestsFailed.Load()),
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
