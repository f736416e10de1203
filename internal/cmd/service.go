package cmd

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/mash/internal/config"
	"github.com/3leaps/mash/internal/observability"
	"github.com/3leaps/mash/pkg/broker"
	"github.com/3leaps/mash/pkg/credentials"
	"github.com/3leaps/mash/pkg/jobdoc"
	"github.com/3leaps/mash/pkg/jobfactory"
	"github.com/3leaps/mash/pkg/jobstore"
	"github.com/3leaps/mash/pkg/listener"
	"github.com/3leaps/mash/pkg/notify"
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Run a single pipeline stage service",
}

var serviceRunCmd = &cobra.Command{
	Use:   "run <stage>",
	Short: "Run the listener for one pipeline stage (obs, upload, create, test, raw_image_upload, replicate, publish, deprecate)",
	Args:  cobra.ExactArgs(1),
	RunE:  runService,
}

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.AddCommand(serviceRunCmd)
}

// stageTopology names the upstream stage and exchanges a given stage
// service binds to, derived from jobdoc.PipelineOrder. The first stage
// (obs) has no upstream listener binding — the Job Creator publishes
// its new-job message directly to obs's own job_document queue — so
// prevService/prevExchange come back empty for it.
func stageTopology(stage string) (prevService, prevExchange, nextExchange string, err error) {
	idx := jobdoc.PipelineIndex(stage)
	if idx < 0 {
		return "", "", "", fmt.Errorf("unknown stage %q", stage)
	}
	if idx > 0 {
		prevService = jobdoc.PipelineOrder[idx-1]
		prevExchange = "mash." + prevService
	}
	if idx < len(jobdoc.PipelineOrder)-1 {
		next := jobdoc.PipelineOrder[idx+1]
		nextExchange = "mash." + next
	} else {
		// The terminal stage forwards its listener message to itself so
		// the Notification Sink sees every job's final outcome,
		// regardless of which stage was last_service.
		nextExchange = "mash." + stage
	}
	return prevService, prevExchange, nextExchange, nil
}

func runService(cmd *cobra.Command, args []string) error {
	stage, ok := jobdoc.CanonicalServiceName(args[0])
	if !ok {
		return fmt.Errorf("unknown stage %q", args[0])
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := observability.NewLogger(stage, cfg.Mash.LogDir, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	brokerClient, err := broker.Connect(broker.Config{
		Host: cfg.Mash.AMQPHost,
		Port: cfg.Mash.AMQPPort,
		User: cfg.Mash.AMQPUser,
		Pass: cfg.Mash.AMQPPass,
		VHost: cfg.Mash.AMQPVHost,
		OnFatal: func(err error) {
			log.Error("broker connection lost, exiting for supervisor restart", zap.Error(err))
		},
	})
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer func() { _ = brokerClient.Close() }()

	store := jobstore.New(fmt.Sprintf("%s/%s_jobs", cfg.Mash.JobDirectoryBase, stage))
	if err := store.EnsureDir(); err != nil {
		return fmt.Errorf("ensure job directory: %w", err)
	}

	credClient, err := credentials.NewBrokerClient(brokerClient, credentials.BrokerClientConfig{
		Exchange:   "mash.credentials",
		RequestKey: "credentials_request",
		ReplyQueue: stage + ".credentials_reply",
	})
	if err != nil {
		return fmt.Errorf("wire credentials client: %w", err)
	}

	limiter := rate.NewLimiter(rate.Limit(1), 5)
	notifySink := notify.New(notify.SMTPConfig{
		Host:     cfg.Mash.SMTPHost,
		Port:     cfg.Mash.SMTPPort,
		Username: cfg.Mash.SMTPUser,
		Password: cfg.Mash.SMTPPass,
		From:     cfg.Mash.SMTPFrom,
		TLS:      cfg.Mash.SMTPTLS,
	}, log, limiter)

	registry := observability.NewRegistry()
	metrics := listener.NewMetrics(registry, stage)

	prevService, prevExchange, nextExchange, err := stageTopology(stage)
	if err != nil {
		return err
	}

	l := listener.New(listener.Config{
		Stage:           stage,
		ServiceExchange: "mash." + stage,
		PrevExchange:    prevExchange,
		PrevService:     prevService,
		NextExchange:    nextExchange,
		WorkerPoolSize:  cfg.Mash.BaseThreadPoolCount,
		ChannelBuffer:   cfg.Mash.BaseThreadPoolCount * 10,
	}, listener.Deps{
		Broker:            brokerClient,
		Store:             store,
		Factory:           jobfactory.New(stage),
		NotifySink:        notifySink,
		CredentialsClient: credClient,
		Logger:            log,
		Metrics:           metrics,
	})

	if err := l.Start(ctx); err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	defer l.Stop()

	httpServer := observability.NewServer(registry)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		log.Info("metrics server listening", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, httpServer); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()

	log.Info("stage service started", zap.String("stage", stage))
	<-ctx.Done()
	log.Info("stage service shutting down", zap.String("stage", stage))
	return nil
}
