// Package main is the entry point for the taskmesh worker (calculator) binary.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Bind the transport engine's UDP socket
//  4. Build the worker state machine (loads/creates its persisted instance ID)
//  5. Send the initial heartbeat and start the heartbeat loop
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

	"github.com/taskmesh-io/taskmesh/internal/config"
	"github.com/taskmesh-io/taskmesh/internal/netaddr"
	"github.com/taskmesh-io/taskmesh/internal/transport"
	"github.com/taskmesh-io/taskmesh/internal/worker"
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

	heartbeatInterval time.Duration
	taskDurationMin   time.Duration
	taskDurationMax   time.Duration
	stateDir          string

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
		Use:   "taskmesh-worker",
		Short: "taskmesh worker: executes tasks assigned by the dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	f := root.PersistentFlags()
	f.StringVar(&cfg.bindHost, "bind-host", config.EnvOrDefault("TASKMESH_BIND_HOST", ""), "Host to bind the worker's UDP socket to")
	f.IntVar(&cfg.bindPort, "bind-port", config.EnvOrDefaultInt("TASKMESH_BIND_PORT", 0), "Port to bind the worker's UDP socket to (0 = ephemeral)")
	f.StringVar(&cfg.dispatcherHost, "dispatcher-host", config.EnvOrDefault("TASKMESH_DISPATCHER_HOST", "localhost"), "Dispatcher host")
	f.IntVar(&cfg.dispatcherPort, "dispatcher-port", config.EnvOrDefaultInt("TASKMESH_DISPATCHER_PORT", 9000), "Dispatcher port")
	f.DurationVar(&cfg.timeout, "timeout", config.EnvOrDefaultDuration("TASKMESH_TIMEOUT", transport.DefaultTimeout), "Transport engine socket receive poll / retransmission pacing interval")
	f.IntVar(&cfg.maxAttempts, "max-attempts", config.EnvOrDefaultInt("TASKMESH_MAX_ATTEMPTS", transport.DefaultMaxAttempts), "Maximum transmission attempts before a command fails")
	f.DurationVar(&cfg.heartbeatInterval, "heartbeat-interval", config.EnvOrDefaultDuration("TASKMESH_HEARTBEAT_INTERVAL", worker.DefaultHeartbeatInterval), "Heartbeat send interval")
	f.DurationVar(&cfg.taskDurationMin, "task-duration-min", config.EnvOrDefaultDuration("TASKMESH_TASK_DURATION_MIN", worker.DefaultTaskDurationMin), "Minimum simulated task execution duration")
	f.DurationVar(&cfg.taskDurationMax, "task-duration-max", config.EnvOrDefaultDuration("TASKMESH_TASK_DURATION_MAX", worker.DefaultTaskDurationMax), "Maximum simulated task execution duration")
	f.StringVar(&cfg.stateDir, "state-dir", config.EnvOrDefault("TASKMESH_STATE_DIR", defaultStateDir()), "Directory for the worker's persisted instance ID")
	f.StringVar(&cfg.logLevel, "log-level", config.EnvOrDefault("TASKMESH_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("taskmesh-worker %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.taskmesh-worker"
	}
	return ".taskmesh-worker"
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

	logger.Info("worker starting",
		zap.String("version", version),
		zap.String("bind_addr", engine.LocalAddr().String()),
		zap.String("dispatcher_addr", dispatcherAddr.String()),
	)

	w, err := worker.New(engine, dispatcherAddr, worker.Options{
		HeartbeatInterval: cfg.heartbeatInterval,
		TaskDurationMin:   cfg.taskDurationMin,
		TaskDurationMax:   cfg.taskDurationMax,
		StateDir:          cfg.stateDir,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to build worker: %w", err)
	}

	w.Start(ctx)

	go func() {
		<-ctx.Done()
		w.Shutdown(false)
		engine.Shutdown(false)
	}()

	if err := engine.Serve(ctx); err != nil {
		return fmt.Errorf("transport engine stopped with error: %w", err)
	}

	logger.Info("worker stopped")
	return nil
}
