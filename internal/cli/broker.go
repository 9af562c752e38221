package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/input-output-hk/catalyst-forge-libs/capture/broker/s3broker"
	"github.com/input-output-hk/catalyst-forge-libs/capture/internal/config"
	"github.com/input-output-hk/catalyst-forge-libs/capture/internal/logger"
	"github.com/input-output-hk/catalyst-forge-libs/capture/internal/server"
)

type brokerFlags struct {
	configPath string
	address    string
	bucket     string
	region     string
	endpoint   string
	logLevel   string
	logFormat  string
}

// NewBrokerCommand returns the capture-broker root command.
func NewBrokerCommand() *cobra.Command {
	f := &brokerFlags{}

	cmd := &cobra.Command{
		Use:   "capture-broker",
		Short: "Serve write grants for capture uploads",
		Long: "Serve the grant broker REST API backed by an S3 bucket. Grants are " +
			"presigned S3 requests; confirmed writes are checked against the stored object.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runBroker(ctx, cmd, f)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.configPath, "config", "c", "", "Path to a YAML config file")
	flags.StringVarP(&f.address, "address", "a", "", "Listen address (default :8080)")
	flags.StringVar(&f.bucket, "bucket", "", "S3 bucket captures are written to")
	flags.StringVar(&f.region, "region", "", "AWS region of the bucket")
	flags.StringVar(&f.endpoint, "endpoint", "", "Custom S3 endpoint")
	flags.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&f.logFormat, "log-format", "", "Log format (text, json)")

	return cmd
}

func (f *brokerFlags) apply(cfg *config.Config) {
	if f.address != "" {
		cfg.Server.Address = f.address
	}
	if f.bucket != "" {
		cfg.Storage.Bucket = f.bucket
	}
	if f.region != "" {
		cfg.Storage.Region = f.region
	}
	if f.endpoint != "" {
		cfg.Storage.Endpoint = f.endpoint
		cfg.Storage.UsePathStyle = true
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Logging.Format = f.logFormat
	}
}

func runBroker(ctx context.Context, cmd *cobra.Command, f *brokerFlags) error {
	cfg, source, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	f.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.New(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
	log.Info("configuration loaded", "source", source, "bucket", cfg.Storage.Bucket)

	registry := s3broker.NewMemoryRegistry()
	broker, err := newS3Broker(ctx, cfg.Storage, cfg.Server.GrantTTL, log, s3broker.WithRegistry(registry))
	if err != nil {
		return err
	}

	srv, err := server.New(broker,
		server.WithLogger(log),
		server.WithNamespace(cfg.Metrics.Namespace),
		server.WithPruneInterval(cfg.Server.PruneInterval),
		server.WithShutdownTimeout(cfg.Server.ShutdownTimeout))
	if err != nil {
		return err
	}
	return srv.Run(ctx, cfg.Server.Address)
}
