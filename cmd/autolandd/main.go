// Command autolandd runs the autoland queue daemon: it scans the bug tracker
// for landing requests, evaluates them against review/approval policy, and
// hands eligible patchsets to the try/branch pusher over the message broker.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mozilla/autoland/internal/broker"
	"github.com/mozilla/autoland/internal/config"
	"github.com/mozilla/autoland/internal/daemon"
	"github.com/mozilla/autoland/internal/dispatcher"
	"github.com/mozilla/autoland/internal/events"
	"github.com/mozilla/autoland/internal/ingest"
	"github.com/mozilla/autoland/internal/logging"
	"github.com/mozilla/autoland/internal/metrics"
	"github.com/mozilla/autoland/internal/oracle"
	"github.com/mozilla/autoland/internal/outbox"
	"github.com/mozilla/autoland/internal/store"
	"github.com/mozilla/autoland/internal/tracker"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "autolandd",
		Short:         "Autoland queue daemon",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "autolandd.yaml", "path to configuration file")

	root.AddCommand(newRunCmd(&configPath))
	root.AddCommand(newPurgeQueueCmd(&configPath))

	return root
}

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the queue daemon until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, *configPath)
		},
	}
}

func newPurgeQueueCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "purge-queue",
		Short: "Delete every queued patchset without dispatching or notifying the tracker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Output: cfg.LogOutput, MaxSizeMB: cfg.LogMaxSizeMB})
			if err != nil {
				return err
			}
			defer logger.Sync()

			s, err := store.Open(cfg.Store.DSN, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			return daemon.PurgeQueue(cmd.Context(), s, logger)
		},
	}
}

func runDaemon(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Output: cfg.LogOutput, MaxSizeMB: cfg.LogMaxSizeMB})
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	m := metrics.New()

	s, err := store.Open(cfg.Store.DSN, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	if err := daemon.SeedBranches(ctx, s, cfg.Branches); err != nil {
		return fmt.Errorf("seeding branches: %w", err)
	}

	trackerClient := tracker.New(tracker.Options{
		BaseURL:       cfg.Tracker.BaseURL,
		AttachmentURL: cfg.Tracker.AttachmentURL,
		APIKey:        cfg.APIKey(),
		Timeout:       cfg.Tracker.Timeout.Duration,
	})

	membership, err := oracle.LoadMembership(cfg.Oracle.PolicyPath)
	if err != nil {
		return fmt.Errorf("loading permission oracle membership: %w", err)
	}
	permissionOracle, err := oracle.New(ctx, cfg.Oracle.PolicyPath, membership)
	if err != nil {
		return fmt.Errorf("compiling permission policy: %w", err)
	}

	b := broker.New(cfg.Broker.Addr)
	defer b.Close()

	ob := outbox.New(s, trackerClient, logger, deadLetterPath(cfg), outbox.WithMetrics(m))
	il := ingest.New(trackerClient, s, permissionOracle, ob, logger, ingest.WithMetrics(m))
	h := events.New(s, trackerClient, ob, logger, events.WithMetrics(m))
	d := dispatcher.New(trackerClient, s, permissionOracle, b, ob, cfg.Broker.Queue, logger, dispatcher.WithMetrics(m))

	dm := daemon.New(s, b, ob, il, h, d, m, cfg.Broker.Queue, cfg.PollInterval.Duration, cfg.PumpInterval.Duration, logger)

	startedAt := time.Now()
	go serveMetrics(cfg.MetricsAddr, m, s, startedAt, logger)

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go func() {
		if err := config.Watch(watchCtx, configPath, logger, func(*config.Config) {
			logger.Warn("configuration changed on disk; restart autolandd to apply branch/tracker/broker changes")
		}); err != nil {
			logger.Warn("config watcher stopped", zap.Error(err))
		}
	}()

	return dm.Run(ctx)
}

func deadLetterPath(cfg *config.Config) string {
	if cfg.LogOutput == "" || cfg.LogOutput == "stderr" {
		return "failed_comments.log"
	}
	return cfg.LogOutput + ".dead-letters"
}

func serveMetrics(addr string, m *metrics.Metrics, s *store.Store, startedAt time.Time, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/healthz", daemon.HealthHandler(startedAt, s))

	logger.Info("serving metrics", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", zap.Error(err))
	}
}
