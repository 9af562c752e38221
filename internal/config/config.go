// Package config loads the YAML configuration shared by the capture
// command-line tools.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/input-output-hk/catalyst-forge-libs/capture"
	"github.com/input-output-hk/catalyst-forge-libs/capture/capturetypes"
	"github.com/input-output-hk/catalyst-forge-libs/capture/internal/logger"
)

// EnvConfigPath names the environment variable holding a config file path.
const EnvConfigPath = "CAPTURE_CONFIG"

// Config is the file-level configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server" json:"server"`
	Storage StorageConfig `yaml:"storage" json:"storage"`
	Upload  UploadConfig  `yaml:"upload" json:"upload"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// ServerConfig configures the broker server.
type ServerConfig struct {
	Address         string        `yaml:"address" json:"address"`
	GrantTTL        time.Duration `yaml:"grantTtl" json:"grantTtl"`
	PruneInterval   time.Duration `yaml:"pruneInterval" json:"pruneInterval"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`
}

// StorageConfig locates the bucket captures are written to.
type StorageConfig struct {
	Bucket        string `yaml:"bucket" json:"bucket"`
	Region        string `yaml:"region" json:"region"`
	Endpoint      string `yaml:"endpoint" json:"endpoint"`
	UsePathStyle  bool   `yaml:"usePathStyle" json:"usePathStyle"`
	PublicBaseURL string `yaml:"publicBaseUrl" json:"publicBaseUrl"`
}

// UploadConfig configures the upload client.
type UploadConfig struct {
	BrokerURL      string            `yaml:"brokerUrl" json:"brokerUrl"`
	Headers        map[string]string `yaml:"headers" json:"headers"`
	PartSize       int64             `yaml:"partSize" json:"partSize"`
	ChunkThreshold int64             `yaml:"chunkThreshold" json:"chunkThreshold"`
	Concurrency    int               `yaml:"concurrency" json:"concurrency"`
	MaxAttempts    int               `yaml:"maxAttempts" json:"maxAttempts"`
	BaseDelay      time.Duration     `yaml:"baseDelay" json:"baseDelay"`
	MaxDelay       time.Duration     `yaml:"maxDelay" json:"maxDelay"`
	MaxJitter      time.Duration     `yaml:"maxJitter" json:"maxJitter"`
	AttemptTimeout time.Duration     `yaml:"attemptTimeout" json:"attemptTimeout"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Namespace string `yaml:"namespace" json:"namespace"`

	// Textfile is where the upload tool writes its metrics on exit (node exporter textfile format)
	Textfile string `yaml:"textfile" json:"textfile"`
}

// Default returns the built-in configuration.
func Default() Config {
	d := capturetypes.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			GrantTTL:        15 * time.Minute,
			PruneInterval:   time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Upload: UploadConfig{
			PartSize:    d.PartSize,
			Concurrency: d.Concurrency,
			MaxAttempts: d.MaxAttempts,
			BaseDelay:   d.BaseDelay,
			MaxDelay:    d.MaxDelay,
			MaxJitter:   d.MaxJitter,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: logger.FormatText,
		},
		Metrics: MetricsConfig{
			Namespace: "capture",
		},
	}
}

// Load reads configuration in order of precedence: environment variables,
// then the config file, then defaults. When path is empty the file named by
// CAPTURE_CONFIG or ./capture.yaml is used if present. It returns the path
// that was read.
func Load(path string) (*Config, string, error) {
	cfg := Default()

	source, err := loadFromFile(&cfg, path)
	if err != nil {
		return nil, "", err
	}

	loadFromEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, source, nil
}

func loadFromFile(cfg *Config, path string) (string, error) {
	candidates := []string{path}
	if path == "" {
		candidates = []string{os.Getenv(EnvConfigPath), "./capture.yaml"}
	}

	for _, p := range candidates {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			// An explicit path must exist
			if errors.Is(err, os.ErrNotExist) && path == "" {
				continue
			}
			return "", fmt.Errorf("failed to read config file %s: %w", p, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return "", fmt.Errorf("failed to parse config file %s: %w", p, err)
		}
		return p, nil
	}
	return "built-in defaults", nil
}

func loadFromEnv(cfg *Config) {
	if val := os.Getenv("CAPTURE_BUCKET"); val != "" {
		cfg.Storage.Bucket = val
	}
	if val := os.Getenv("CAPTURE_S3_ENDPOINT"); val != "" {
		cfg.Storage.Endpoint = val
	}
	if val := os.Getenv("CAPTURE_PUBLIC_BASE_URL"); val != "" {
		cfg.Storage.PublicBaseURL = val
	}
	if val := os.Getenv("CAPTURE_BROKER_URL"); val != "" {
		cfg.Upload.BrokerURL = val
	}
	if val := os.Getenv("CAPTURE_SERVER_ADDRESS"); val != "" {
		cfg.Server.Address = val
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}
}

// Validate checks the configuration for values no component accepts.
func (c *Config) Validate() error {
	var problems []error

	if !logger.ValidLevel(c.Logging.Level) {
		problems = append(problems, fmt.Errorf("invalid log level: %s", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case logger.FormatText, logger.FormatJSON:
	default:
		problems = append(problems, fmt.Errorf("invalid log format: %s", c.Logging.Format))
	}

	if c.Server.GrantTTL <= 0 {
		problems = append(problems, fmt.Errorf("grant TTL must be positive: %s", c.Server.GrantTTL))
	}
	if c.Server.PruneInterval < 0 {
		problems = append(problems, fmt.Errorf("prune interval cannot be negative: %s", c.Server.PruneInterval))
	}

	if c.Upload.BrokerURL != "" {
		if u, err := url.Parse(c.Upload.BrokerURL); err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, fmt.Errorf("invalid broker URL: %s", c.Upload.BrokerURL))
		}
	}
	if c.Upload.PartSize < 0 || c.Upload.ChunkThreshold < 0 {
		problems = append(problems, errors.New("part size and chunk threshold cannot be negative"))
	}
	if c.Upload.Concurrency < 0 || c.Upload.MaxAttempts < 0 {
		problems = append(problems, errors.New("concurrency and max attempts cannot be negative"))
	}

	return errors.Join(problems...)
}

// ManagerOptions maps the upload settings onto session manager options.
// Zero values keep the manager defaults.
func (c *Config) ManagerOptions() []capturetypes.Option {
	u := c.Upload
	opts := []capturetypes.Option{
		capture.WithPartSize(u.PartSize),
		capture.WithChunkThreshold(u.ChunkThreshold),
		capture.WithConcurrency(u.Concurrency),
		capture.WithMaxAttempts(u.MaxAttempts),
	}
	if u.BaseDelay > 0 || u.MaxDelay > 0 || u.MaxJitter > 0 {
		opts = append(opts, capture.WithBackoff(u.BaseDelay, u.MaxDelay, u.MaxJitter))
	}
	if u.AttemptTimeout > 0 {
		opts = append(opts, capture.WithAttemptTimeout(u.AttemptTimeout))
	}
	return opts
}
