// Package main runs the Sensate IoT network ingress: the telemetry router,
// the trigger engine with its admin API, and the live data socket server,
// sharing one NATS connection and one set of storage backends.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/sensate-iot/platform-network/config"
	"github.com/sensate-iot/platform-network/metric"
	"github.com/sensate-iot/platform-network/natsclient"
	"github.com/sensate-iot/platform-network/pkg/tlsutil"
	"github.com/sensate-iot/platform-network/service"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "sensate-network"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, shouldExit, err := initializeCLI(args)
	if shouldExit || err != nil {
		return err
	}

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		slog.Info("Configuration is valid", "config", cfg.String())
		return nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := slog.Default()
	registry := metric.NewMetricsRegistry()

	natsClient, err := connectToNATS(ctx, cfg.NATS, registry, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = natsClient.Close(closeCtx)
	}()

	b, err := openBackends(ctx, cfg, registry, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer b.Close()

	manager := service.NewManager(appName,
		service.WithLogger(logger),
		service.WithMetrics(registry),
		service.WithHealthPort(cfg.Health.Port),
	)
	manager.AddCheck("nats", natsClient.Check)
	if b.db != nil {
		manager.AddCheck("postgres", b.db.Ping)
	}

	if err := registerServices(cfg, manager, b, natsClient, registry, logger); err != nil {
		return err
	}

	return runUntilSignal(ctx, manager, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and sets up logging
func initializeCLI(args []string) (*CLIConfig, bool, error) {
	cliCfg, err := parseFlags(args)
	if err != nil {
		return nil, true, err
	}
	if err := validateFlags(cliCfg); err != nil {
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, true, nil
	}
	if cliCfg.ShowHelp {
		return nil, true, nil
	}

	logger := setupLogger(os.Stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting Sensate network ingress",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, false, nil
}

// loadConfig loads the defaults, the optional file layer and the environment
// overrides, and validates the result.
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	loader.EnableValidation(true)
	if path != "" {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// connectToNATS establishes the NATS connection and waits for it to be ready
func connectToNATS(ctx context.Context, cfg config.NATSConfig, registry *metric.MetricsRegistry,
	logger *slog.Logger) (*natsclient.Client, error) {
	servers := "nats://localhost:4222"
	if len(cfg.URLs) > 0 {
		servers = strings.Join(cfg.URLs, ",")
	}

	opts := []natsclient.Option{
		natsclient.WithName(appName),
		natsclient.WithLogger(logger),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
		natsclient.WithMetrics(registry),
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.ReconnectWait))
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}
	if cfg.TLS != nil {
		tlsConfig, err := tlsutil.LoadClientConfig(*cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("NATS TLS: %w", err)
		}
		opts = append(opts, natsclient.WithTLS(tlsConfig))
	}

	client, err := natsclient.NewClient(servers, opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

		if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	return client, nil
}

// runUntilSignal starts the services and stops them once ctx is cancelled
func runUntilSignal(ctx context.Context, manager *service.Manager, shutdownTimeout time.Duration) error {
	if err := manager.StartAll(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	slog.Info("Sensate network ingress started")

	<-ctx.Done()
	slog.Info("Received shutdown signal")

	if err := manager.StopAll(shutdownTimeout); err != nil {
		slog.Error("Error stopping services", "error", err)
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("Sensate network ingress shutdown complete")
	return nil
}
