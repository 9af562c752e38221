package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/input-output-hk/catalyst-forge-libs/capture"
	"github.com/input-output-hk/catalyst-forge-libs/capture/broker/httpbroker"
	"github.com/input-output-hk/catalyst-forge-libs/capture/capturetypes"
	captureerrors "github.com/input-output-hk/catalyst-forge-libs/capture/errors"
	"github.com/input-output-hk/catalyst-forge-libs/capture/internal/config"
	"github.com/input-output-hk/catalyst-forge-libs/capture/internal/logger"
	"github.com/input-output-hk/catalyst-forge-libs/capture/internal/metrics"
)

type uploadFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	output     string
	quiet      bool

	brokerURL string
	bucket    string
	region    string
	endpoint  string

	caseID      string
	kind        string
	contentType string
	description string
	sourceURL   string
	tags        []string

	partSize       int64
	concurrency    int
	maxAttempts    int
	attemptTimeout time.Duration
	metricsFile    string
}

// uploadResult is the per-file line of the command output.
type uploadResult struct {
	File        string `json:"file"`
	Success     bool   `json:"success"`
	SessionID   string `json:"sessionId,omitempty"`
	Key         string `json:"key,omitempty"`
	URL         string `json:"url,omitempty"`
	Size        int64  `json:"size"`
	Digest      string `json:"digest,omitempty"`
	Attempts    int    `json:"attempts,omitempty"`
	Duration    string `json:"duration,omitempty"`
	ErrorKind   string `json:"errorKind,omitempty"`
	Error       string `json:"error,omitempty"`
	BytesStored bool   `json:"bytesStored,omitempty"`
}

// NewUploadCommand returns the capture-upload root command.
func NewUploadCommand() *cobra.Command {
	f := &uploadFlags{}

	cmd := &cobra.Command{
		Use:   "capture-upload <file>...",
		Short: "Upload screenshots and screen recordings to a case",
		Long: "Upload one or more capture files through a grant broker (--broker-url) " +
			"or straight to an S3 bucket (--bucket). Files are uploaded concurrently; " +
			"interrupting the command cancels every unfinished upload.",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runUpload(ctx, cmd, f, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.configPath, "config", "c", "", "Path to a YAML config file")
	flags.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&f.logFormat, "log-format", "", "Log format (text, json)")
	flags.StringVarP(&f.output, "output", "o", "text", "Result format (text, json)")
	flags.BoolVarP(&f.quiet, "quiet", "q", false, "Do not print progress")

	flags.StringVar(&f.brokerURL, "broker-url", "", "Base URL of the grant broker")
	flags.StringVar(&f.bucket, "bucket", "", "Upload straight to this S3 bucket instead of a broker")
	flags.StringVar(&f.region, "region", "", "AWS region of the bucket")
	flags.StringVar(&f.endpoint, "endpoint", "", "Custom S3 endpoint")

	flags.StringVar(&f.caseID, "case", "", "Case the captures belong to (required)")
	flags.StringVarP(&f.kind, "kind", "k", string(capturetypes.KindScreenshot), "Artifact kind (screenshot, video)")
	flags.StringVar(&f.contentType, "content-type", "", "Declared MIME type (sniffed when empty)")
	flags.StringVar(&f.description, "description", "", "Free-text description")
	flags.StringVar(&f.sourceURL, "source-url", "", "URL of the page the capture was taken from")
	flags.StringSliceVarP(&f.tags, "tag", "t", nil, "Tag to attach (repeatable)")

	flags.Int64Var(&f.partSize, "part-size", 0, "Multi-part slice size in bytes")
	flags.IntVar(&f.concurrency, "concurrency", 0, "Parts uploaded simultaneously")
	flags.IntVar(&f.maxAttempts, "max-attempts", 0, "Attempt cap per operation")
	flags.DurationVar(&f.attemptTimeout, "attempt-timeout", 0, "Timeout of each network attempt")
	flags.StringVar(&f.metricsFile, "metrics-textfile", "", "Write Prometheus metrics to this file on exit")

	_ = cmd.MarkFlagRequired("case")

	return cmd
}

func (f *uploadFlags) apply(cfg *config.Config) {
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Logging.Format = f.logFormat
	}
	if f.brokerURL != "" {
		cfg.Upload.BrokerURL = f.brokerURL
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
	if f.partSize > 0 {
		cfg.Upload.PartSize = f.partSize
	}
	if f.concurrency > 0 {
		cfg.Upload.Concurrency = f.concurrency
	}
	if f.maxAttempts > 0 {
		cfg.Upload.MaxAttempts = f.maxAttempts
	}
	if f.attemptTimeout > 0 {
		cfg.Upload.AttemptTimeout = f.attemptTimeout
	}
	if f.metricsFile != "" {
		cfg.Metrics.Textfile = f.metricsFile
	}
}

func runUpload(ctx context.Context, cmd *cobra.Command, f *uploadFlags, files []string) error {
	kind := capturetypes.ArtifactKind(f.kind)
	if !kind.Valid() {
		return fmt.Errorf("invalid kind %q: must be screenshot or video", f.kind)
	}
	if f.output != "text" && f.output != "json" {
		return fmt.Errorf("invalid output format %q", f.output)
	}

	cfg, source, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	f.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.New(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
	log.Debug("configuration loaded", "source", source)

	broker, err := newUploadBroker(ctx, cfg, log)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	observer, err := metrics.NewPrometheusObserver(cfg.Metrics.Namespace, reg)
	if err != nil {
		return err
	}

	opts := append(cfg.ManagerOptions(), capture.WithLogger(log), capture.WithObserver(observer))
	manager, err := capture.New(broker, nil, opts...)
	if err != nil {
		return err
	}
	defer manager.Close()

	fileOpts := []capture.FileOption{
		capture.WithContentType(f.contentType),
		capture.WithTags(f.tags...),
		capture.WithDescription(f.description),
		capture.WithSourceURL(f.sourceURL),
	}

	var progressOut io.Writer = cmd.ErrOrStderr()
	if f.quiet {
		progressOut = io.Discard
	}
	printer := &progressPrinter{out: progressOut}

	results := make([]uploadResult, len(files))
	var eg errgroup.Group
	for i, file := range files {
		eg.Go(func() error {
			results[i] = uploadOne(ctx, manager, printer, file, f.caseID, kind, fileOpts)
			return nil
		})
	}
	_ = eg.Wait()

	if cfg.Metrics.Textfile != "" {
		if err := prometheus.WriteToTextfile(cfg.Metrics.Textfile, reg); err != nil {
			log.Warn("failed to write metrics", "path", cfg.Metrics.Textfile, "error", err)
		}
	}

	if err := printResults(cmd.OutOrStdout(), f.output, results); err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d uploads failed", failed, len(results))
	}
	return nil
}

func newUploadBroker(ctx context.Context, cfg *config.Config, log *slog.Logger) (capturetypes.Broker, error) {
	if cfg.Upload.BrokerURL != "" {
		opts := []httpbroker.Option{httpbroker.WithLogger(log)}
		for name, value := range cfg.Upload.Headers {
			opts = append(opts, httpbroker.WithHeader(name, value))
		}
		return httpbroker.NewClient(cfg.Upload.BrokerURL, opts...), nil
	}
	if cfg.Storage.Bucket != "" {
		return newS3Broker(ctx, cfg.Storage, cfg.Server.GrantTTL, log)
	}
	return nil, fmt.Errorf("either --broker-url or --bucket is required")
}

func uploadOne(
	ctx context.Context,
	manager *capture.Manager,
	printer *progressPrinter,
	file, caseID string,
	kind capturetypes.ArtifactKind,
	opts []capture.FileOption,
) uploadResult {
	result := uploadResult{File: file}

	abs, err := filepath.Abs(file)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	callbacks := capturetypes.Callbacks{
		OnProgress: func(p capturetypes.Progress) { printer.print(abs, file, p) },
	}

	outcome, err := manager.UploadFile(ctx, abs, caseID, kind, callbacks, opts...)
	if outcome == nil {
		result.ErrorKind = captureerrors.KindOf(err).String()
		if err != nil {
			result.Error = err.Error()
		}
		return result
	}

	result.Success = outcome.Success
	result.SessionID = outcome.SessionID
	result.Key = outcome.Key
	result.URL = outcome.URL
	result.Size = outcome.Size
	result.Digest = outcome.Digest
	result.Attempts = outcome.Attempts
	result.Duration = outcome.Duration.Round(time.Millisecond).String()
	result.BytesStored = outcome.BytesStored
	if !outcome.Success {
		result.ErrorKind = outcome.Kind.String()
		if outcome.Err != nil {
			result.Error = outcome.Err.Error()
		}
	}
	return result
}

func printResults(w io.Writer, format string, results []uploadResult) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	for _, r := range results {
		if r.Success {
			fmt.Fprintf(w, "%s: uploaded %d bytes to %s (%s)\n", r.File, r.Size, r.URL, r.Duration)
			continue
		}
		fmt.Fprintf(w, "%s: %s: %s\n", r.File, r.ErrorKind, r.Error)
		if r.BytesStored {
			fmt.Fprintf(w, "%s: bytes may be stored at %s; reconcile manually\n", r.File, r.Key)
		}
	}
	return nil
}

// progressPrinter writes one line per file each time progress crosses a
// ten percent step. Files are tracked by absolute path and labelled as given.
type progressPrinter struct {
	out  io.Writer
	mu   sync.Mutex
	last map[string]int
}

func (p *progressPrinter) print(path, label string, progress capturetypes.Progress) {
	step := int(progress.Percentage) / 10

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		p.last = make(map[string]int)
	}
	if prev, ok := p.last[path]; ok && prev >= step {
		return
	}
	p.last[path] = step

	line := fmt.Sprintf("%s: %5.1f%% (%d/%d bytes)", label, progress.Percentage, progress.BytesLoaded, progress.BytesTotal)
	if progress.Speed != nil {
		line += fmt.Sprintf(" %.1f KiB/s", *progress.Speed/1024)
	}
	if progress.ETASeconds != nil {
		line += fmt.Sprintf(" eta %s", (time.Duration(*progress.ETASeconds * float64(time.Second))).Round(time.Second))
	}
	fmt.Fprintln(p.out, line)
}
