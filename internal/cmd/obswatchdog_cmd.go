package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/mash/internal/config"
	"github.com/3leaps/mash/internal/observability"
	"github.com/3leaps/mash/pkg/broker"
	"github.com/3leaps/mash/pkg/jobstore"
	"github.com/3leaps/mash/pkg/obswatchdog"
	"github.com/3leaps/mash/pkg/provider"
	providerfile "github.com/3leaps/mash/pkg/provider/file"
	providers3 "github.com/3leaps/mash/pkg/provider/s3"
)

var obsWatchdogCmd = &cobra.Command{
	Use:   "obs-watchdog",
	Short: "Run the OBS Watchdog service",
}

var obsWatchdogRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll the upstream build repository for obs jobs and forward matches to upload",
	RunE:  runOBSWatchdog,
}

func init() {
	rootCmd.AddCommand(obsWatchdogCmd)
	obsWatchdogCmd.AddCommand(obsWatchdogRunCmd)
}

// buildOBSProvider picks the file or S3 provider for the build
// repository depending on which config is set, preferring the bucket
// (S3) over a local base directory so a deployment can be pointed at
// either a mounted mirror or the real OBS object store.
func buildOBSProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	if cfg.Mash.OBSRepoBucket != "" {
		p, err := providers3.New(ctx, providers3.Config{Bucket: cfg.Mash.OBSRepoBucket})
		if err != nil {
			return nil, fmt.Errorf("build s3 provider: %w", err)
		}
		return p, nil
	}
	p, err := providerfile.New(providerfile.Config{BaseDir: cfg.Mash.OBSRepoBaseDir})
	if err != nil {
		return nil, fmt.Errorf("build file provider: %w", err)
	}
	return p, nil
}

func runOBSWatchdog(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := observability.NewLogger("obswatchdog", cfg.Mash.LogDir, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	brokerClient, err := broker.Connect(broker.Config{
		Host:  cfg.Mash.AMQPHost,
		Port:  cfg.Mash.AMQPPort,
		User:  cfg.Mash.AMQPUser,
		Pass:  cfg.Mash.AMQPPass,
		VHost: cfg.Mash.AMQPVHost,
		OnFatal: func(err error) {
			log.Error("broker connection lost, exiting for supervisor restart", zap.Error(err))
		},
	})
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer func() { _ = brokerClient.Close() }()

	store := jobstore.New(fmt.Sprintf("%s/obs_jobs", cfg.Mash.JobDirectoryBase))
	if err := store.EnsureDir(); err != nil {
		return fmt.Errorf("ensure job directory: %w", err)
	}

	repoProvider, err := buildOBSProvider(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = repoProvider.Close() }()

	w, err := obswatchdog.New(obswatchdog.Config{
		Stage:        "obs",
		NextExchange: "mash.upload",
		PollInterval: cfg.Mash.OBSPollInterval,
	}, obswatchdog.Deps{
		Store:      store,
		Broker:     brokerClient,
		Repository: obswatchdog.NewRepository(repoProvider),
		Logger:     log,
	})
	if err != nil {
		return fmt.Errorf("build watchdog: %w", err)
	}

	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start watchdog: %w", err)
	}
	defer func() { _ = w.Stop() }()

	registry := observability.NewRegistry()
	httpServer := observability.NewServer(registry)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		log.Info("metrics server listening", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, httpServer); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()

	log.Info("obs watchdog started")
	<-ctx.Done()
	log.Info("obs watchdog shutting down")
	return nil
}
