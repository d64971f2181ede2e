// Package reconnect drives retries with capped exponential backoff and
// jitter. It knows nothing about transports; callers pass the attempt.
package reconnect

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"livesession/internal/telemetry"
)

var (
	ErrInvalidMaxAttempts = errors.New("max attempts must be at least 1")
	ErrInvalidDelay       = errors.New("delays must be positive and base must not exceed max")
	ErrInvalidJitter      = errors.New("jitter factor must be between 0 and 1")
)

// Config shapes the backoff.
type Config struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.1,
	}
}

func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return ErrInvalidMaxAttempts
	}
	if c.BaseDelay <= 0 || c.MaxDelay <= 0 || c.BaseDelay > c.MaxDelay {
		return ErrInvalidDelay
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		return ErrInvalidJitter
	}
	return nil
}

// AttemptFunc makes one reconnection attempt.
type AttemptFunc func(ctx context.Context) error

// AttemptHook is told about each attempt before it runs. attempt counts
// from 1.
type AttemptHook func(attempt, maxAttempts int)

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces the real clock, typically with a fake in tests.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithRandom replaces the jitter source. fn must return values in [0,1).
func WithRandom(fn func() float64) Option {
	return func(m *Manager) { m.random = fn }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// Manager runs at most one reconnection loop at a time.
type Manager struct {
	cfg     Config
	clock   clockwork.Clock
	random  func() float64
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu         sync.Mutex
	inProgress bool
	attempts   int
	cancel     context.CancelFunc
	generation int
}

// New validates cfg and builds a Manager.
func New(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		random: rand.Float64,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Delay is the wait before retry number retry (0 for the first retry):
// min(base*2^retry, max), perturbed uniformly by up to ±jitter/2 of that
// capped value.
func (m *Manager) Delay(retry int) time.Duration {
	capped := float64(m.cfg.BaseDelay) * math.Pow(2, float64(retry))
	if capped > float64(m.cfg.MaxDelay) {
		capped = float64(m.cfg.MaxDelay)
	}
	jitter := capped * m.cfg.JitterFactor * (m.random() - 0.5)
	d := time.Duration(capped + jitter)
	if d < 0 {
		return 0
	}
	return d
}

// Reconnect calls attempt until it succeeds or MaxAttempts is exhausted,
// waiting Delay between calls. It returns false immediately when another
// loop is running, and false when ctx ends or Cancel is called.
func (m *Manager) Reconnect(ctx context.Context, attempt AttemptFunc, onAttempt AttemptHook) bool {
	m.mu.Lock()
	if m.inProgress {
		m.mu.Unlock()
		m.logger.Warn("reconnection already in progress")
		return false
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.generation++
	gen := m.generation
	m.inProgress = true
	m.attempts = 0
	m.cancel = cancel
	m.mu.Unlock()

	defer func() {
		cancel()
		m.mu.Lock()
		// After Cancel a newer loop may own the state.
		if m.generation == gen {
			m.inProgress = false
			m.attempts = 0
			m.cancel = nil
		}
		m.mu.Unlock()
	}()

	for n := 1; n <= m.cfg.MaxAttempts; n++ {
		if n > 1 {
			select {
			case <-m.clock.After(m.Delay(n - 2)):
			case <-loopCtx.Done():
				m.logger.Info("reconnection cancelled", "attempt", n-1)
				return false
			}
		}
		if loopCtx.Err() != nil {
			return false
		}

		m.mu.Lock()
		if m.generation == gen {
			m.attempts = n
		}
		m.mu.Unlock()

		if onAttempt != nil {
			onAttempt(n, m.cfg.MaxAttempts)
		}

		err := attempt(loopCtx)
		m.metrics.ReconnectAttempt(ctx, err == nil)
		if err == nil {
			m.logger.Info("reconnected", "attempt", n)
			return true
		}
		m.logger.Warn("reconnection attempt failed", "attempt", n, "max_attempts", m.cfg.MaxAttempts, "error", err)
	}

	m.logger.Error("reconnection gave up", "attempts", m.cfg.MaxAttempts)
	return false
}

// Cancel stops a running loop and resets state. Safe to call at any time.
func (m *Manager) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
	m.generation++
	m.inProgress = false
	m.attempts = 0
	m.cancel = nil
}

// InProgress reports whether a loop is running.
func (m *Manager) InProgress() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inProgress
}

// Attempts is the number of the attempt currently running, or 0.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}
