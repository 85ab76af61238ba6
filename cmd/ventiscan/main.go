package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ventisec/ventiscan/pkg/api"
	"github.com/ventisec/ventiscan/pkg/auth"
	"github.com/ventisec/ventiscan/pkg/config"
	"github.com/ventisec/ventiscan/pkg/controller"
	"github.com/ventisec/ventiscan/pkg/events"
	"github.com/ventisec/ventiscan/pkg/gc"
	"github.com/ventisec/ventiscan/pkg/log"
	"github.com/ventisec/ventiscan/pkg/merge"
	"github.com/ventisec/ventiscan/pkg/partition"
	"github.com/ventisec/ventiscan/pkg/queue"
	"github.com/ventisec/ventiscan/pkg/ratelimit"
	"github.com/ventisec/ventiscan/pkg/registry"
	"github.com/ventisec/ventiscan/pkg/safety"
	"github.com/ventisec/ventiscan/pkg/scan"
	"github.com/ventisec/ventiscan/pkg/specstore"
	"github.com/ventisec/ventiscan/pkg/storage"
	"github.com/ventisec/ventiscan/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "ventiscan",
	Short:   "VentiScan - API security scan orchestrator",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"VentiScan version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.AddCommand(serverCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the scan orchestration service",
	Long: `Run the VentiScan service: the HTTP control API, the scan queue,
the worker controller and the artifact sweeper, all in one process.

Configuration comes from VENTISCAN_* environment variables; the only
required value is VENTISCAN_TOKEN_SIGNING_SECRET.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		return runServer(cfg)
	},
}

func runServer(cfg *config.Config) error {
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	authSvc := auth.NewService(store, cfg.TokenSigningSecret, cfg.TokenLifetime)
	if cfg.AdminSeedLogin != "" && cfg.AdminSeedPassword != "" {
		if err := authSvc.SeedAdmin(cfg.AdminSeedLogin, cfg.AdminSeedPassword); err != nil {
			return fmt.Errorf("seed admin: %w", err)
		}
	}

	limiter := ratelimit.New(cfg.RateLimitOverrides)
	limiter.StartSweeper(ctx, 10*time.Minute)

	validator := safety.NewValidator(cfg.AllowedPorts)
	specs := specstore.NewStore(cfg.ArtifactRoot, safety.NewFetcher(validator, specstore.MaxSpecBytes))
	planner := partition.NewPlanner(cfg.ArtifactRoot, cfg.MaxParallelWorkers)
	merger := merge.New(cfg.ArtifactRoot)

	q := queue.New(cfg.QueueCapacity)
	scans := scan.New(store, broker, q, cfg.ScanTimeout, cfg.Retention(), merger.WriteSnapshot)
	if err := scans.Restore(); err != nil {
		return fmt.Errorf("restore scans: %w", err)
	}

	profiles, err := registry.New(cfg.ScannerProfiles, registry.Defaults{
		ChunkTimeout: cfg.ChunkTimeout,
		Limits: types.ResourceLimits{
			MemoryBytes: cfg.WorkerMemoryLimit,
			CPUCores:    cfg.WorkerCPULimit,
		},
	})
	if err != nil {
		return fmt.Errorf("load scanner profiles: %w", err)
	}

	ctrl := controller.New(q, scans, profiles, controller.ProcessLauncher{}, broker,
		cfg.ArtifactRoot, cfg.MaxParallelWorkers)
	ctrl.Start(ctx)

	sweeper := gc.New(scans, specs, merger, broker, gc.DefaultInterval)
	go sweeper.Run(ctx)

	srv := api.NewServer(cfg, authSvc, limiter, validator, specs, planner, scans, q, profiles, merger, broker)

	logger.Info().
		Str("addr", cfg.ListenAddr).
		Int("max_workers", cfg.MaxParallelWorkers).
		Int("queue_capacity", cfg.QueueCapacity).
		Msg("starting")

	err = srv.Run(ctx)

	// Stop leasing, then wait for in-flight workers to exit or be killed.
	q.Close()
	ctrl.Wait()
	logger.Info().Msg("shutdown complete")
	return err
}
