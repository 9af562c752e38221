// Package capture provides session manager initialization and shutdown.
package capture

import (
	"log/slog"
	"sync"
	"time"

	"github.com/input-output-hk/catalyst-forge-libs/fs"
	"github.com/input-output-hk/catalyst-forge-libs/fs/billy"

	"github.com/input-output-hk/catalyst-forge-libs/capture/capturetypes"
	"github.com/input-output-hk/catalyst-forge-libs/capture/errors"
	"github.com/input-output-hk/catalyst-forge-libs/capture/internal/grant"
	"github.com/input-output-hk/catalyst-forge-libs/capture/internal/metrics"
	"github.com/input-output-hk/catalyst-forge-libs/capture/internal/operations/upload"
	"github.com/input-output-hk/catalyst-forge-libs/capture/internal/record"
	"github.com/input-output-hk/catalyst-forge-libs/capture/internal/retry"
	"github.com/input-output-hk/catalyst-forge-libs/capture/internal/transfer/httpwrite"
)

// Manager runs upload sessions.
// Sessions are independent; the manager only guards its session table.
//
// Thread Safety: Manager is safe for concurrent use.
type Manager struct {
	// cfg is the resolved configuration
	cfg capturetypes.Config

	grants   *grant.Client
	engine   *upload.Engine
	retrier  *retry.Controller
	records  *record.Store
	logger   *slog.Logger
	observer capturetypes.Observer
	fs       fs.Filesystem
	now      func() time.Time

	// mu protects sessions and closed
	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool

	// wg tracks running session goroutines
	wg sync.WaitGroup
}

// New creates a session manager.
// A nil writer selects the HTTP writer for presigned endpoints.
//
// Example:
//
//	mgr, err := capture.New(broker, nil,
//	    capture.WithConcurrency(4),
//	    capture.WithMaxAttempts(3),
//	)
func New(broker capturetypes.Broker, writer capturetypes.ObjectWriter, opts ...capturetypes.Option) (*Manager, error) {
	if broker == nil {
		return nil, errors.NewError("new", errors.KindInternal, errors.ErrInvalidInput).
			WithMessage("broker is required")
	}

	cfg := capturetypes.DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := checkConfig(&cfg); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	observer := cfg.Observer
	if observer == nil {
		observer = metrics.Nop()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	filesystem := cfg.Filesystem
	if filesystem == nil {
		filesystem = billy.NewOSFS("/")
	}
	if writer == nil {
		writer = httpwrite.New(httpwrite.WithLogger(logger))
	}

	retrier := retry.New(retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		MaxJitter:   cfg.MaxJitter,
	}, retry.WithSleeper(cfg.Sleeper), retry.WithJitterSource(cfg.JitterSource))

	grants := grant.New(broker,
		grant.WithLogger(logger),
		grant.WithClock(now),
		grant.WithExpirySkew(cfg.GrantExpirySkew),
	)

	return &Manager{
		cfg:      cfg,
		grants:   grants,
		engine:   upload.New(grants, writer, retrier, logger),
		retrier:  retrier,
		records:  record.New(cfg.RecordCapacity, cfg.RecordRetention),
		logger:   logger,
		observer: observer,
		fs:       filesystem,
		now:      now,
		sessions: make(map[string]*session),
	}, nil
}

func checkConfig(cfg *capturetypes.Config) error {
	var violations []string
	if cfg.PartSize <= 0 {
		violations = append(violations, "part size must be positive")
	}
	if cfg.Concurrency <= 0 {
		violations = append(violations, "concurrency must be positive")
	}
	if cfg.MaxAttempts < 1 {
		violations = append(violations, "max attempts must be at least 1")
	}
	if cfg.BaseDelay < 0 || cfg.MaxDelay < 0 || cfg.MaxJitter < 0 {
		violations = append(violations, "backoff durations cannot be negative")
	}
	if cfg.AttemptTimeout < 0 {
		violations = append(violations, "attempt timeout cannot be negative")
	}
	if len(violations) > 0 {
		return errors.NewValidationError("new", violations)
	}
	return nil
}

// Config returns a copy of the manager's resolved configuration.
func (m *Manager) Config() capturetypes.Config {
	return m.cfg
}

// Close cancels every running session and waits for them to report their
// outcomes. Sessions submitted after Close fail with ErrManagerClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	live := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		s.requestCancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	for id, s := range m.sessions {
		s.stopReaper()
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) transferConfig() upload.Config {
	return upload.Config{
		Threshold:      m.cfg.Threshold(),
		PartSize:       m.cfg.PartSize,
		Concurrency:    m.cfg.Concurrency,
		AttemptTimeout: m.cfg.AttemptTimeout,
	}
}
