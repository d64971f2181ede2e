package session

import (
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"livesession/internal/joincode"
	"livesession/internal/telemetry"
)

// Timing defaults.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultStaleThreshold    = 15 * time.Second
	DefaultGracePeriod       = 30 * time.Second
	DefaultOpenTimeout       = 10 * time.Second
	DefaultLeaveDelay        = 100 * time.Millisecond
)

// Timings groups the scheduler and timeout settings of a Manager.
type Timings struct {
	HeartbeatInterval time.Duration
	StaleThreshold    time.Duration
	GracePeriod       time.Duration
	OpenTimeout       time.Duration
	// LeaveDelay is how long an attendee waits after attendee_leave before
	// closing, so the message is delivered.
	LeaveDelay time.Duration
}

// DefaultTimings returns the production timings.
func DefaultTimings() Timings {
	return Timings{
		HeartbeatInterval: DefaultHeartbeatInterval,
		StaleThreshold:    DefaultStaleThreshold,
		GracePeriod:       DefaultGracePeriod,
		OpenTimeout:       DefaultOpenTimeout,
		LeaveDelay:        DefaultLeaveDelay,
	}
}

// withDefaults fills unset durations.
func (t Timings) withDefaults() Timings {
	d := DefaultTimings()
	if t.HeartbeatInterval <= 0 {
		t.HeartbeatInterval = d.HeartbeatInterval
	}
	if t.StaleThreshold <= 0 {
		t.StaleThreshold = d.StaleThreshold
	}
	if t.GracePeriod <= 0 {
		t.GracePeriod = d.GracePeriod
	}
	if t.OpenTimeout <= 0 {
		t.OpenTimeout = d.OpenTimeout
	}
	if t.LeaveDelay <= 0 {
		t.LeaveDelay = d.LeaveDelay
	}
	return t
}

// Option customizes a Manager.
type Option func(*Manager)

func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

func WithTimings(t Timings) Option {
	return func(m *Manager) { m.timings = t.withDefaults() }
}

// WithQRCode replaces the QR renderer. It receives the join URL and returns
// an image data URL.
func WithQRCode(render func(content string) (string, error)) Option {
	return func(m *Manager) { m.renderQR = render }
}

// WithJoinURL sets the origin and application slug used for join URLs.
func WithJoinURL(baseURL, appSlug string) Option {
	return func(m *Manager) {
		if baseURL != "" {
			m.baseURL = baseURL
		}
		if appSlug != "" {
			m.appSlug = appSlug
		}
	}
}

// WithPresenterID replaces the presenter identity generator.
func WithPresenterID(generate func() string) Option {
	return func(m *Manager) { m.newPresenterID = generate }
}

func defaultOptions(m *Manager) {
	m.clock = clockwork.NewRealClock()
	m.logger = slog.Default()
	m.timings = DefaultTimings()
	m.renderQR = joincode.QRDataURL
	m.baseURL = joincode.DefaultBaseURL
	m.appSlug = joincode.DefaultAppSlug
	m.newPresenterID = joincode.GeneratePresenterID
}
