// Package main provides the signalflow binary entry point.
// Signalflow is a multi-tenant automation core that turns external
// signals into rule-gated workflow executions with SLA tracking.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/componentregistry"
	"github.com/c360studio/semstreams/config"
	"github.com/c360studio/semstreams/metric"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/c360studio/semstreams/service"
	"github.com/c360studio/semstreams/types"
	sfconfig "github.com/c360studio/signalflow/config"
	automationapi "github.com/c360studio/signalflow/processor/automation-api"
	signalgateway "github.com/c360studio/signalflow/processor/signal-gateway"
	slamonitor "github.com/c360studio/signalflow/processor/sla-monitor"
	workflowrunner "github.com/c360studio/signalflow/processor/workflow-runner"
	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "signalflow"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 1<<16)
			n := runtime.Stack(buf, false)
			fmt.Fprintf(os.Stderr, "PANIC: %v\n\n%s\n", r, buf[:n])
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		natsURL    string
		logLevel   string
		httpPort   int
	)

	cmd := &cobra.Command{
		Use:   "signalflow",
		Short: "Signal-driven automation core",
		Long: `Signalflow ingests external signals, routes them through versioned
rules into workflow executions, and tracks SLA deadlines with
escalation chains.

It provides:
- Signal ingestion with fingerprint deduplication and routing
- Versioned rule evaluation with audit trails
- Graph-based workflow execution with retries and timeouts
- SLA deadline scans, breach lifecycle, and escalations
- Full lineage from any created record back to its trigger signal

All components communicate via NATS using the semstreams framework.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, natsURL, logLevel, httpPort)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (JSON)")
	cmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server URL (overrides config and env)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().IntVar(&httpPort, "http-port", 0, "HTTP listen port (overrides config)")

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(configPath, natsURL, logLevel string, httpPort int) error {
	printBanner()

	// Configure logging
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Load signalflow settings (defaults, ~/.config/signalflow, signalflow.yaml)
	settings, err := sfconfig.NewLoader(logger).Load()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if httpPort > 0 {
		settings.HTTP.Port = httpPort
	}

	// Load platform configuration
	cfg, err := loadConfig(configPath, settings)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Connect to NATS
	ctx := context.Background()
	natsClient, err := connectToNATS(ctx, cfg, natsURL, logger)
	if err != nil {
		return err
	}
	defer natsClient.Close(ctx)

	// Ensure JetStream streams exist
	if err := ensureStreams(ctx, cfg, natsClient, logger); err != nil {
		return err
	}

	slog.Info("Signalflow ready", "version", Version)

	// Create remaining infrastructure
	metricsRegistry := metric.NewMetricsRegistry()
	platform := extractPlatformMeta(cfg)

	// Create and start config manager (required for component-manager to access component configs)
	configManager, err := config.NewConfigManager(cfg, natsClient, logger)
	if err != nil {
		return fmt.Errorf("create config manager: %w", err)
	}
	if err := configManager.Start(ctx); err != nil {
		return fmt.Errorf("start config manager: %w", err)
	}
	defer configManager.Stop(5 * time.Second)

	slog.Info("Platform identity configured",
		"org", platform.Org,
		"platform", platform.Platform)

	// Create and populate component registry
	componentRegistry := component.NewRegistry()

	// Register all semstreams components
	slog.Debug("Registering semstreams component factories")
	if err := componentregistry.Register(componentRegistry); err != nil {
		return fmt.Errorf("register semstreams components: %w", err)
	}

	// Register signalflow components
	slog.Debug("Registering signalflow component factories")
	if err := signalgateway.Register(componentRegistry); err != nil {
		return fmt.Errorf("register signal-gateway: %w", err)
	}

	if err := workflowrunner.Register(componentRegistry); err != nil {
		return fmt.Errorf("register workflow-runner: %w", err)
	}

	if err := automationapi.Register(componentRegistry); err != nil {
		return fmt.Errorf("register automation-api: %w", err)
	}

	if err := slamonitor.Register(componentRegistry); err != nil {
		return fmt.Errorf("register sla-monitor: %w", err)
	}

	factories := componentRegistry.ListFactories()
	slog.Info("Component factories registered", "count", len(factories))

	// Create service registry and manager (semstreams pattern)
	serviceRegistry := service.NewServiceRegistry()
	if err := service.RegisterAll(serviceRegistry); err != nil {
		return fmt.Errorf("register services: %w", err)
	}

	manager := service.NewServiceManager(serviceRegistry)
	ensureServiceManagerConfig(cfg, settings.HTTP.Port)

	// Create service dependencies
	svcDeps := &service.Dependencies{
		NATSClient:        natsClient,
		MetricsRegistry:   metricsRegistry,
		Logger:            logger,
		Platform:          platform,
		Manager:           configManager,
		ComponentRegistry: componentRegistry,
	}

	// Configure and create services
	if err := configureAndCreateServices(cfg, manager, svcDeps); err != nil {
		return err
	}

	slog.Info("All services configured")

	// Setup signal handling
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	// Start all services (includes HTTP server with health endpoints)
	slog.Info("Starting all services")
	if err := manager.StartAll(signalCtx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	slog.Info("All services started successfully")

	// Block until shutdown signal
	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	// Stop all services
	shutdownTimeout := 30 * time.Second
	if err := manager.StopAll(shutdownTimeout); err != nil {
		slog.Error("Error stopping services", "error", err)
	}

	slog.Info("Signalflow shutdown complete")
	return nil
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║            Signalflow v" + Version + "                  ║")
	fmt.Println("║      Signal-Driven Automation Core            ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}

func loadConfig(configPath string, settings *sfconfig.Config) (*config.Config, error) {
	if configPath != "" {
		// Load from file with environment variable substitution
		return loadConfigWithEnvSubstitution(configPath)
	}

	// Build config programmatically from signalflow settings
	return buildDefaultConfig(settings)
}

// loadConfigWithEnvSubstitution reads a config file and expands environment
// variables before parsing. Supports ${VAR} and $VAR syntax.
func loadConfigWithEnvSubstitution(configPath string) (*config.Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := config.ExpandEnvWithDefaults(string(data))

	// Load using semstreams loader (preserves defaults, validation, env overrides)
	loader := config.NewLoader()
	return loader.LoadFromBytes([]byte(expanded))
}

func buildDefaultConfig(settings *sfconfig.Config) (*config.Config, error) {
	componentSettings := map[string]map[string]any{
		"signal-gateway": {
			"dedup_window":   settings.Ingest.DedupWindow.String(),
			"spool_dir":      settings.Ingest.SpoolDir,
			"spool_patterns": settings.Ingest.SpoolPatterns,
		},
		"workflow-runner": {
			"execution_timeout":  settings.Workflow.DefaultTimeout.String(),
			"dedup_window":       settings.Ingest.DedupWindow.String(),
			"ai_base_url":        settings.AI.Endpoint,
			"ai_api_key":         settings.AI.APIKey,
			"ai_model":           settings.AI.Model,
			"ai_request_timeout": settings.AI.Timeout.String(),
		},
		"automation-api": {
			"dedup_window": settings.Ingest.DedupWindow.String(),
		},
		"sla-monitor": {
			"scan_interval": settings.Sla.ScanInterval.String(),
			"dedup_window":  settings.Ingest.DedupWindow.String(),
		},
	}

	components := config.ComponentConfigs{}
	for name, cs := range componentSettings {
		raw, err := json.Marshal(cs)
		if err != nil {
			return nil, fmt.Errorf("marshal %s config: %w", name, err)
		}
		components[name] = types.ComponentConfig{
			Name:    name,
			Type:    types.ComponentTypeProcessor,
			Enabled: true,
			Config:  raw,
		}
	}

	return &config.Config{
		Version: "1.0.0",
		Platform: config.PlatformConfig{
			Org:         "signalflow",
			ID:          "signalflow-local",
			Environment: "dev",
		},
		NATS: config.NATSConfig{
			URLs:          []string{settings.NATS.URL},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			JetStream: config.JetStreamConfig{
				Enabled: true,
			},
		},
		Services:   types.ServiceConfigs{},
		Components: components,
		Streams: config.StreamConfigs{
			// One work stream carries every signalflow subject: ingested
			// signals, execution requests and results, action tasks,
			// notifications, and SLA breach escalations.
			"SIGNALFLOW": config.StreamConfig{
				Subjects: []string{
					"signalflow.>",
				},
				MaxAge:   "168h",
				Storage:  "file",
				Replicas: 1,
			},
		},
	}, nil
}

func connectToNATS(ctx context.Context, cfg *config.Config, natsURL string, logger *slog.Logger) (*natsclient.Client, error) {
	natsURLs := "nats://localhost:4222"

	// Flag wins, then environment, then config.
	if natsURL != "" {
		natsURLs = natsURL
	} else if envURL := os.Getenv("NATS_URL"); envURL != "" {
		natsURLs = envURL
	} else if envURL := os.Getenv("SIGNALFLOW_NATS_URL"); envURL != "" {
		natsURLs = envURL
	} else if len(cfg.NATS.URLs) > 0 {
		natsURLs = strings.Join(cfg.NATS.URLs, ",")
	}

	logger.Info("Connecting to NATS", "url", natsURLs)

	client, err := natsclient.NewClient(natsURLs,
		natsclient.WithName("signalflow"),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
		natsclient.WithCircuitBreakerThreshold(20), // Higher threshold for startup bursts
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, wrapNATSError(err, natsURLs)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, wrapNATSError(err, natsURLs)
	}

	logger.Info("Connected to NATS", "url", natsURLs)
	return client, nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	// Check for common connection errors
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker compose up -d nats

Or set NATS_URL environment variable to point to your NATS server.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}

func ensureStreams(ctx context.Context, cfg *config.Config, natsClient *natsclient.Client, logger *slog.Logger) error {
	logger.Debug("Creating JetStream streams")
	streamsManager := config.NewStreamsManager(natsClient, logger)

	if err := streamsManager.EnsureStreams(ctx, cfg); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}

	logger.Debug("JetStream streams ready")
	return nil
}

func extractPlatformMeta(cfg *config.Config) types.PlatformMeta {
	platformID := cfg.Platform.InstanceID
	if platformID == "" {
		platformID = cfg.Platform.ID
	}

	return types.PlatformMeta{
		Org:      cfg.Platform.Org,
		Platform: platformID,
	}
}

// ensureServiceManagerConfig ensures service-manager config exists with defaults
func ensureServiceManagerConfig(cfg *config.Config, httpPort int) {
	if cfg.Services == nil {
		cfg.Services = make(types.ServiceConfigs)
	}

	if httpPort <= 0 {
		httpPort = 8080
	}

	if _, exists := cfg.Services["service-manager"]; !exists {
		slog.Debug("Adding default service-manager config")
		defaultConfig := map[string]any{
			"http_port":  httpPort,
			"swagger_ui": false,
			"server_info": map[string]string{
				"title":       "Signalflow API",
				"description": "signal-driven automation core - rules, workflows, and SLAs",
				"version":     Version,
			},
		}
		defaultConfigJSON, _ := json.Marshal(defaultConfig)
		cfg.Services["service-manager"] = types.ServiceConfig{
			Name:    "service-manager",
			Enabled: true,
			Config:  defaultConfigJSON,
		}
		slog.Debug("Service-manager config added", "enabled", true)
	}
}

// configureAndCreateServices configures the manager and creates all services
func configureAndCreateServices(
	cfg *config.Config,
	manager *service.Manager,
	svcDeps *service.Dependencies,
) error {
	slog.Debug("Configuring Manager")
	if err := manager.ConfigureFromServices(cfg.Services, svcDeps); err != nil {
		return fmt.Errorf("configure service manager: %w", err)
	}

	slog.Debug("Creating services from config", "count", len(cfg.Services))
	for name, svcConfig := range cfg.Services {
		if name == "service-manager" {
			slog.Debug("Skipping service-manager (configured directly)")
			continue
		}

		if err := createServiceIfEnabled(manager, name, svcConfig, svcDeps); err != nil {
			return err
		}
	}

	return nil
}

// createServiceIfEnabled creates a service if it's enabled and registered
func createServiceIfEnabled(
	manager *service.Manager,
	name string,
	svcConfig types.ServiceConfig,
	svcDeps *service.Dependencies,
) error {
	slog.Debug("Processing service config", "key", name, "name", svcConfig.Name, "enabled", svcConfig.Enabled)

	if !svcConfig.Enabled {
		slog.Info("Service disabled in config", "name", name)
		return nil
	}

	if !manager.HasConstructor(name) {
		slog.Warn("Service configured but not registered", "key", name, "available_constructors", manager.ListConstructors())
		return nil
	}

	slog.Debug("Creating service", "name", name, "has_constructor", true)
	if _, err := manager.CreateService(name, svcConfig.Config, svcDeps); err != nil {
		return fmt.Errorf("create service %s: %w", name, err)
	}

	slog.Info("Created service", "name", name, "config_name", svcConfig.Name)
	return nil
}
