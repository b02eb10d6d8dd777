// Package main is the entry point for the taskmesh client binary.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Bind the transport engine's UDP socket
//  4. Build the client (task generator + notify_task handler)
//  5. Start the background task generator
//  6. Run the transport engine's I/O loop until SIGINT/SIGTERM
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/taskmesh-io/taskmesh/internal/client"
	"github.com/taskmesh-io/taskmesh/internal/config"
	"github.com/taskmesh-io/taskmesh/internal/netaddr"
	"github.com/taskmesh-io/taskmesh/internal/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliConfig struct {
	bindHost string
	bindPort int

	dispatcherHost string
	dispatcherPort int

	timeout     time.Duration
	maxAttempts int

	generationIntervalMin time.Duration
	generationIntervalMax time.Duration

	logLevel string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &cliConfig{}

	root := &cobra.Command{
		Use:   "taskmesh-client",
		Short: "taskmesh client: generates tasks and observes their completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	f := root.PersistentFlags()
	f.StringVar(&cfg.bindHost, "bind-host", config.EnvOrDefault("TASKMESH_BIND_HOST", ""), "Host to bind the client's UDP socket to")
	f.IntVar(&cfg.bindPort, "bind-port", config.EnvOrDefaultInt("TASKMESH_BIND_PORT", 0), "Port to bind the client's UDP socket to (0 = ephemeral)")
	f.StringVar(&cfg.dispatcherHost, "dispatcher-host", config.EnvOrDefault("TASKMESH_DISPATCHER_HOST", "localhost"), "Dispatcher host")
	f.IntVar(&cfg.dispatcherPort, "dispatcher-port", config.EnvOrDefaultInt("TASKMESH_DISPATCHER_PORT", 9000), "Dispatcher port")
	f.DurationVar(&cfg.timeout, "timeout", config.EnvOrDefaultDuration("TASKMESH_TIMEOUT", transport.DefaultTimeout), "Transport engine socket receive poll / retransmission pacing interval")
	f.IntVar(&cfg.maxAttempts, "max-attempts", config.EnvOrDefaultInt("TASKMESH_MAX_ATTEMPTS", transport.DefaultMaxAttempts), "Maximum transmission attempts before a command fails")
	f.DurationVar(&cfg.generationIntervalMin, "generation-interval-min", config.EnvOrDefaultDuration("TASKMESH_GENERATION_INTERVAL_MIN", client.DefaultGenerationIntervalMin), "Minimum delay between generated tasks")
	f.DurationVar(&cfg.generationIntervalMax, "generation-interval-max", config.EnvOrDefaultDuration("TASKMESH_GENERATION_INTERVAL_MAX", client.DefaultGenerationIntervalMax), "Maximum delay between generated tasks")
	f.StringVar(&cfg.logLevel, "log-level", config.EnvOrDefault("TASKMESH_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("taskmesh-client %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *cliConfig) error {
	logger, err := config.BuildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bindAddr := netaddr.Addr{Host: cfg.bindHost, Port: cfg.bindPort}
	engine, err := transport.New(bindAddr, transport.Options{
		Timeout:     cfg.timeout,
		MaxAttempts: cfg.maxAttempts,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to bind transport engine: %w", err)
	}

	dispatcherAddr, err := netaddr.Resolve(cfg.dispatcherHost, cfg.dispatcherPort)
	if err != nil {
		return fmt.Errorf("failed to resolve dispatcher address: %w", err)
	}

	logger.Info("client starting",
		zap.String("version", version),
		zap.String("bind_addr", engine.LocalAddr().String()),
		zap.String("dispatcher_addr", dispatcherAddr.String()),
	)

	c := client.New(engine, dispatcherAddr, client.Options{
		GenerationIntervalMin: cfg.generationIntervalMin,
		GenerationIntervalMax: cfg.generationIntervalMax,
	}, logger)

	c.Start(ctx)

	go func() {
		<-ctx.Done()
		c.Shutdown()
		engine.Shutdown(false)
	}()

	if err := engine.Serve(ctx); err != nil {
		return fmt.Errorf("transport engine stopped with error: %w", err)
	}

	logger.Info("client stopped")
	return nil
}
