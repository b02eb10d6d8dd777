// Package main is the entry point for the taskmesh dispatcher binary.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Bind the transport engine's UDP socket
//  4. Build the dispatcher (worker/task registries, handlers)
//  5. Start the retry/liveness sweep scheduler
//  6. Start the admin HTTP surface
//  7. Run the transport engine's I/O loop until SIGINT/SIGTERM
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/taskmesh-io/taskmesh/internal/admin"
	"github.com/taskmesh-io/taskmesh/internal/config"
	"github.com/taskmesh-io/taskmesh/internal/dispatcher"
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

	timeout     time.Duration
	maxAttempts int

	inactivityTimeout    time.Duration
	activityPollInterval time.Duration
	timeoutTaskPlacement time.Duration
	retrySweepInterval   time.Duration

	adminAddr   string
	adminSecret string

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
		Use:   "taskmesh-dispatcher",
		Short: "taskmesh dispatcher: matches tasks to workers over a reliable datagram protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newIssueTokenCmd())

	f := root.PersistentFlags()
	f.StringVar(&cfg.bindHost, "bind-host", config.EnvOrDefault("TASKMESH_BIND_HOST", ""), "Host to bind the dispatcher's UDP socket to")
	f.IntVar(&cfg.bindPort, "bind-port", config.EnvOrDefaultInt("TASKMESH_BIND_PORT", 9000), "Port to bind the dispatcher's UDP socket to")
	f.DurationVar(&cfg.timeout, "timeout", config.EnvOrDefaultDuration("TASKMESH_TIMEOUT", transport.DefaultTimeout), "Transport engine socket receive poll / retransmission pacing interval")
	f.IntVar(&cfg.maxAttempts, "max-attempts", config.EnvOrDefaultInt("TASKMESH_MAX_ATTEMPTS", transport.DefaultMaxAttempts), "Maximum transmission attempts before a command fails")
	f.DurationVar(&cfg.inactivityTimeout, "inactivity-timeout", config.EnvOrDefaultDuration("TASKMESH_INACTIVITY_TIMEOUT", dispatcher.DefaultInactivityTimeout), "Worker silence duration before a liveness probe is sent")
	f.DurationVar(&cfg.activityPollInterval, "activity-poll-interval", config.EnvOrDefaultDuration("TASKMESH_ACTIVITY_POLL_INTERVAL", dispatcher.DefaultActivityPollInterval), "Liveness sweep tick interval")
	f.DurationVar(&cfg.timeoutTaskPlacement, "timeout-task-placement", config.EnvOrDefaultDuration("TASKMESH_TIMEOUT_TASK_PLACEMENT", dispatcher.DefaultTimeoutTaskPlacement), "Task age at which placement is abandoned")
	f.DurationVar(&cfg.retrySweepInterval, "retry-sweep-interval", config.EnvOrDefaultDuration("TASKMESH_RETRY_SWEEP_INTERVAL", dispatcher.DefaultRepeaterUnsuccessfulTasksInterval), "Retry sweep tick interval")
	f.StringVar(&cfg.adminAddr, "admin-addr", config.EnvOrDefault("TASKMESH_ADMIN_ADDR", ":9001"), "Address for the read-only admin HTTP API")
	f.StringVar(&cfg.adminSecret, "admin-secret", config.EnvOrDefault("TASKMESH_ADMIN_SECRET", ""), "HMAC secret for admin API bearer tokens (required to mint or validate tokens)")
	f.StringVar(&cfg.logLevel, "log-level", config.EnvOrDefault("TASKMESH_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("taskmesh-dispatcher %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// newIssueTokenCmd mints an admin API bearer token from the configured
// secret, for operators to paste into dashboard tooling.
func newIssueTokenCmd() *cobra.Command {
	var secret string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "issue-admin-token",
		Short: "Mint a bearer token for the admin HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := admin.NewTokenManager(secret, "taskmesh-dispatcher", ttl)
			if err != nil {
				return err
			}
			token, err := mgr.Issue()
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "admin-secret", config.EnvOrDefault("TASKMESH_ADMIN_SECRET", ""), "HMAC secret matching the running dispatcher's --admin-secret")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token validity duration")
	return cmd
}

func run(ctx context.Context, cfg *cliConfig) error {
	logger, err := config.BuildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	// run_id disambiguates log lines across dispatcher restarts in
	// aggregated log storage; it has no protocol meaning.
	logger = logger.With(zap.String("run_id", uuid.NewString()))

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

	logger.Info("dispatcher starting",
		zap.String("version", version),
		zap.String("bind_addr", engine.LocalAddr().String()),
	)

	disp := dispatcher.New(engine, dispatcher.Options{
		InactivityTimeout:                 cfg.inactivityTimeout,
		ActivityPollInterval:              cfg.activityPollInterval,
		TimeoutTaskPlacement:              cfg.timeoutTaskPlacement,
		RepeaterUnsuccessfulTasksInterval: cfg.retrySweepInterval,
	}, logger)

	sweeps, err := dispatcher.NewSweepScheduler(disp, logger)
	if err != nil {
		return fmt.Errorf("failed to build sweep scheduler: %w", err)
	}
	sweeps.Start()
	defer sweeps.Stop() //nolint:errcheck

	var adminServer *http.Server
	if cfg.adminSecret != "" {
		tokenMgr, err := admin.NewTokenManager(cfg.adminSecret, "taskmesh-dispatcher", 24*time.Hour)
		if err != nil {
			return fmt.Errorf("failed to build admin token manager: %w", err)
		}
		hub := admin.NewHub(logger)
		go hub.Run(ctx)
		disp.SetEventSink(func(kind string, data any) {
			hub.Broadcast(admin.Event{Kind: kind, Data: data})
		})

		metrics := admin.NewMetrics()
		disp.SetMetrics(metrics)
		engine.SetMetrics(metrics)

		router := admin.NewRouter(admin.RouterConfig{
			Dispatcher: disp,
			TokenMgr:   tokenMgr,
			Hub:        hub,
			Logger:     logger,
		})
		adminServer = &http.Server{Addr: cfg.adminAddr, Handler: router}
		go func() {
			logger.Info("admin API listening", zap.String("addr", cfg.adminAddr))
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("admin API server error", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("admin-secret not configured, admin HTTP API disabled")
	}

	go func() {
		<-ctx.Done()
		engine.Shutdown(false)
		if adminServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			adminServer.Shutdown(shutdownCtx) //nolint:errcheck
		}
	}()

	if err := engine.Serve(ctx); err != nil {
		return fmt.Errorf("transport engine stopped with error: %w", err)
	}

	logger.Info("dispatcher stopped")
	return nil
}
