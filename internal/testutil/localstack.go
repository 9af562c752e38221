package testutil

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/localstack"
	"github.com/testcontainers/testcontainers-go/wait"
)

// LocalStack is a running LocalStack container serving S3.
type LocalStack struct {
	container *localstack.LocalStackContainer
	endpoint  string
	region    string
}

// StartLocalStack starts a LocalStack container and waits for it to report healthy.
func StartLocalStack(ctx context.Context) (*LocalStack, error) {
	container, err := localstack.Run(ctx,
		"localstack/localstack:latest",
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/_localstack/health").
				WithPort("4566").
				WithStartupTimeout(2*time.Minute),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start LocalStack container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "4566")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	return &LocalStack{
		container: container,
		endpoint:  fmt.Sprintf("http://%s:%s", host, port.Port()),
		region:    "us-east-1",
	}, nil
}

// AWSConfig returns an AWS configuration with static test credentials.
func (l *LocalStack) AWSConfig(ctx context.Context) (aws.Config, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(l.region),
		config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(context.Context) (aws.Credentials, error) {
				return aws.Credentials{AccessKeyID: "test", SecretAccessKey: "test"}, nil
			})),
	)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// S3Options points an S3 client at the container with path-style addressing.
func (l *LocalStack) S3Options() []func(*s3.Options) {
	return []func(*s3.Options){func(o *s3.Options) {
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String(l.endpoint)
	}}
}

// Endpoint returns the container's S3 endpoint.
func (l *LocalStack) Endpoint() string {
	return l.endpoint
}

// Terminate stops and removes the container.
func (l *LocalStack) Terminate(ctx context.Context) error {
	if l.container == nil {
		return nil
	}
	if err := l.container.Terminate(ctx); err != nil {
		return fmt.Errorf("failed to terminate container: %w", err)
	}
	return nil
}

// SetupLocalStack starts LocalStack, creates a fresh bucket and registers
// cleanup. It skips the test in short mode.
func SetupLocalStack(t *testing.T) (*LocalStack, aws.Config, string) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	ls, err := StartLocalStack(ctx)
	if err != nil {
		t.Fatalf("Failed to start LocalStack: %v", err)
	}
	t.Cleanup(func() {
		if err := ls.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate LocalStack container: %v", err)
		}
	})

	cfg, err := ls.AWSConfig(ctx)
	if err != nil {
		t.Fatalf("Failed to load AWS config: %v", err)
	}

	bucket := "capture-" + strings.ToLower(uuid.NewString()[:8])
	client := s3.NewFromConfig(cfg, ls.S3Options()...)
	if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil {
		t.Fatalf("Failed to create bucket: %v", err)
	}
	return ls, cfg, bucket
}
