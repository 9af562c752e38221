// Package cli implements the capture-upload and capture-broker commands.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/input-output-hk/catalyst-forge-libs/capture/broker/s3broker"
	"github.com/input-output-hk/catalyst-forge-libs/capture/internal/config"
)

// newS3Broker builds a broker writing straight to the configured bucket,
// using the default AWS credential chain.
func newS3Broker(
	ctx context.Context,
	storage config.StorageConfig,
	grantTTL time.Duration,
	log *slog.Logger,
	opts ...s3broker.Option,
) (*s3broker.Broker, error) {
	if storage.Bucket == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if storage.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(storage.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if storage.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(storage.Endpoint)
		})
	}
	if storage.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	brokerOpts := []s3broker.Option{
		s3broker.WithLogger(log),
		s3broker.WithGrantTTL(grantTTL),
	}
	if storage.PublicBaseURL != "" {
		brokerOpts = append(brokerOpts, s3broker.WithPublicBaseURL(storage.PublicBaseURL))
	}
	brokerOpts = append(brokerOpts, opts...)

	return s3broker.NewFromConfig(awsCfg, storage.Bucket, s3Opts, brokerOpts...)
}
