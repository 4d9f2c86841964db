// Package workflowrunner executes workflows. It consumes execution
// requests from the SIGNALFLOW work queue, runs them through the
// workflow engine with rule, AI, action, and notification capabilities
// wired in, and publishes a result event per finished execution.
package workflowrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/c360studio/signalflow/ai"
	"github.com/c360studio/signalflow/rule"
	"github.com/c360studio/signalflow/signal"
	"github.com/c360studio/signalflow/storage"
	"github.com/c360studio/signalflow/workflow"
	"github.com/nats-io/nats.go/jetstream"
)

// Component implements the workflow-runner processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	stores *storage.Stores
	engine *workflow.Engine
	pub    publisher

	// JetStream consumer
	consumer jetstream.Consumer

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	executionsRun    atomic.Int64
	executionsFailed atomic.Int64
	lastActivityMu   sync.RWMutex
	lastActivity     time.Time
}

// NewComponent creates a new workflow-runner processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.StreamName == "" {
		config.StreamName = defaults.StreamName
	}
	if config.ConsumerName == "" {
		config.ConsumerName = defaults.ConsumerName
	}
	if config.FilterSubject == "" {
		config.FilterSubject = defaults.FilterSubject
	}
	if config.ExecutionTimeout == "" {
		config.ExecutionTimeout = defaults.ExecutionTimeout
	}
	if config.DedupWindow == "" {
		config.DedupWindow = defaults.DedupWindow
	}
	if config.AIRequestTimeout == "" {
		config.AIRequestTimeout = defaults.AIRequestTimeout
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:       "workflow-runner",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	registerMetrics()
	c.logger.Debug("Initialized workflow-runner",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName,
		"filter_subject", c.config.FilterSubject)
	return nil
}

// Start wires the stores, capabilities, and engine, then begins
// consuming execution requests.
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
	c.pub = c.natsClient

	caps, err := c.buildCapabilities(stores)
	if err != nil {
		c.rollbackStart(cancel)
		return err
	}
	engine := workflow.NewEngine(stores.Workflows, stores.Executions, stores.ExecutionEvents, caps, c.logger)
	engine.SetDefaultTimeout(c.config.GetExecutionTimeout())
	c.engine = engine

	stream, err := js.Stream(subCtx, c.config.StreamName)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get stream %s: %w", c.config.StreamName, err)
	}

	consumerConfig := jetstream.ConsumerConfig{
		Durable:       c.config.ConsumerName,
		FilterSubject: c.config.FilterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.config.GetExecutionTimeout() + time.Minute,
		MaxDeliver:    3,
	}
	consumer, err := stream.CreateOrUpdateConsumer(subCtx, consumerConfig)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("create consumer: %w", err)
	}
	c.consumer = consumer

	go c.consumeLoop(subCtx)

	c.logger.Info("workflow-runner started",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName,
		"filter_subject", c.config.FilterSubject,
		"execution_timeout", c.config.ExecutionTimeout)
	return nil
}

// buildCapabilities assembles the step capabilities. The AI generator
// is optional; without it, ai steps fail at run time.
func (c *Component) buildCapabilities(stores *storage.Stores) (workflow.Capabilities, error) {
	ruleEngine := rule.NewEngine(stores.Rules, stores.RuleEvaluations, stores.RuleAudits, c.logger)

	caps := workflow.Capabilities{
		Rules: &ruleEvaluator{engine: ruleEngine},
		Actions: &entityActionExecutor{
			entities: stores.Entities,
			pub:      c.pub,
			source:   c.name,
			logger:   c.logger,
		},
		Notifier: &natsNotifier{
			pub:    c.pub,
			source: c.name,
			logger: c.logger,
		},
	}

	if c.config.AIBaseURL != "" {
		client, err := ai.NewClient(ai.Config{
			BaseURL:        c.config.AIBaseURL,
			APIKey:         c.config.AIAPIKey,
			Model:          c.config.AIModel,
			RequestTimeout: c.config.GetAIRequestTimeout(),
		}, c.logger)
		if err != nil {
			return workflow.Capabilities{}, fmt.Errorf("create ai client: %w", err)
		}
		caps.AI = client
	}
	return caps, nil
}

func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

// consumeLoop continuously consumes messages from the JetStream consumer.
func (c *Component) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := c.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.handleExecutionRequest(ctx, msg)
		}

		if msgs.Error() != nil && msgs.Error() != context.DeadlineExceeded {
			c.logger.Warn("Message fetch error", "error", msgs.Error())
		}
	}
}

// handleExecutionRequest runs one execution request and acks or naks
// per the outcome.
func (c *Component) handleExecutionRequest(ctx context.Context, msg jetstream.Msg) {
	c.updateLastActivity()

	req, err := signal.ParseEvent[signal.ExecutionRequestedEvent](msg.Data())
	if err == nil {
		err = req.Validate()
	}
	if err != nil {
		requestsRejectedTotal.Inc()
		c.logger.Error("Failed to parse execution request",
			"subject", msg.Subject(),
			"error", err)
		c.nak(msg)
		return
	}

	ack := c.processRequest(ctx, req)
	if ack {
		if err := msg.Ack(); err != nil {
			c.logger.Warn("Failed to ACK message", "error", err)
		}
	} else {
		c.nak(msg)
	}
}

// processRequest executes one request. It reports whether the message
// should be acked: run outcomes recorded on the execution (complete,
// failed, timed out) and permanent request errors ack; infrastructure
// errors nak for redelivery.
func (c *Component) processRequest(ctx context.Context, req *signal.ExecutionRequestedEvent) bool {
	triggerID := req.SignalID
	if req.RouteID != "" {
		triggerID = req.SignalID + "." + req.RouteID
	}
	triggerType := workflow.TriggerSignal
	if req.TriggerType != "" {
		triggerType = workflow.TriggerType(req.TriggerType)
	}

	exec, err := c.engine.ExecuteByID(ctx, req.AgencyID, req.WorkflowID, req.Payload, workflow.ExecuteOptions{
		TriggerID:   triggerID,
		TriggerType: triggerType,
		Source:      req.Source,
	})

	switch {
	case err == nil:
		// A running execution here means the trigger was already
		// claimed by another delivery still in flight; a fresh run
		// always returns a terminal status.
		if exec.Status == workflow.ExecutionRunning {
			duplicateTriggersTotal.Inc()
			c.logger.Info("Trigger already claimed, execution in flight",
				"workflow_id", req.WorkflowID,
				"trigger_id", triggerID,
				"execution_id", exec.ID)
			return true
		}

	case errors.Is(err, workflow.ErrExecutionTimeout):
		// The timed-out execution is recorded; redelivery would only
		// duplicate the work.

	case errors.Is(err, workflow.ErrWorkflowNotActive), errors.Is(err, storage.ErrNotFound):
		c.logger.Warn("Dropping execution request",
			"workflow_id", req.WorkflowID,
			"agency_id", req.AgencyID,
			"error", err)
		return true

	default:
		c.executionsFailed.Add(1)
		c.logger.Error("Execution request failed",
			"workflow_id", req.WorkflowID,
			"agency_id", req.AgencyID,
			"error", err)
		return false
	}

	c.executionsRun.Add(1)
	if exec.Status != workflow.ExecutionComplete {
		c.executionsFailed.Add(1)
	}
	executionsTotal.WithLabelValues(string(exec.Status)).Inc()

	c.logger.Info("Execution finished",
		"workflow_id", exec.WorkflowID,
		"execution_id", exec.ID,
		"status", string(exec.Status))

	c.publishResult(ctx, exec)
	return true
}

// publishResult announces the terminal execution state. Fire and
// forget: the execution record in KV is the source of truth.
func (c *Component) publishResult(ctx context.Context, exec *workflow.Execution) {
	if c.pub == nil {
		return
	}
	event := &ExecutionResultEvent{
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		AgencyID:    exec.AgencyID,
		TriggerID:   exec.TriggerID,
		Status:      exec.Status,
		Error:       exec.Error,
		CompletedAt: exec.CompletedAt,
	}
	msg := message.NewBaseMessage(event.Schema(), event, c.name)
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Warn("Failed to marshal execution result", "execution_id", exec.ID, "error", err)
		return
	}
	if err := c.pub.Publish(ctx, ExecutionResultSubject(exec.ID), data); err != nil {
		c.logger.Warn("Failed to publish execution result",
			"execution_id", exec.ID,
			"error", err)
	}
}

func (c *Component) nak(msg jetstream.Msg) {
	if err := msg.Nak(); err != nil {
		c.logger.Warn("Failed to NAK message", "error", err)
	}
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
	c.logger.Info("workflow-runner stopped",
		"executions_run", c.executionsRun.Load(),
		"executions_failed", c.executionsFailed.Load())
	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "workflow-runner",
		Type:        "processor",
		Description: "Consumes execution requests and runs workflows through the engine",
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
	return workflowRunnerSchema
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
		ErrorCount: int(c.executionsFailed.Load()),
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
