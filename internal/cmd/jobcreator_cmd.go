package cmd

import (
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
	"github.com/3leaps/mash/pkg/credentials"
	"github.com/3leaps/mash/pkg/jobdoc"
	"github.com/3leaps/mash/pkg/jobcreator"
)

var jobcreatorCmd = &cobra.Command{
	Use:   "jobcreator",
	Short: "Run the Job Creator service",
}

var jobcreatorRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Accept new job submissions and fan them out to the pipeline",
	RunE:  runJobCreator,
}

func init() {
	rootCmd.AddCommand(jobcreatorCmd)
	jobcreatorCmd.AddCommand(jobcreatorRunCmd)
}

func runJobCreator(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := observability.NewLogger("jobcreator", cfg.Mash.LogDir, cfg.Logging.Level)
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

	stageExchanges := make(map[string]string, len(jobdoc.PipelineOrder))
	for _, stage := range jobdoc.PipelineOrder {
		stageExchanges[stage] = "mash." + stage
	}

	relay := credentials.NewHTTPClient(credentials.HTTPClientConfig{
		BaseURL:        cfg.Mash.CredentialsURL,
		SigningKey:     cfg.Mash.JWTSecret,
		RequestingUser: "jobcreator",
	})

	jc := jobcreator.New(jobcreator.Config{
		ServiceExchange:     "mash.jobcreator",
		CredentialsExchange: "mash.credentials",
		StageExchanges:      stageExchanges,
	}, jobcreator.Deps{
		Broker:       brokerClient,
		AccountRelay: relay,
		Logger:       log,
	})

	if err := jc.Start(ctx); err != nil {
		return fmt.Errorf("start job creator: %w", err)
	}

	registry := observability.NewRegistry()
	httpServer := observability.NewServer(registry)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		log.Info("metrics server listening", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, httpServer); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()

	log.Info("job creator started")
	<-ctx.Done()
	log.Info("job creator shutting down")
	return nil
}
