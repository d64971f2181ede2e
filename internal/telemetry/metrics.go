package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "livesession"

// Metrics holds the session instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	attendeesJoined   metric.Int64Counter
	attendeesLeft     metric.Int64Counter
	eventsSent        metric.Int64Counter
	sendFailures      metric.Int64Counter
	heartbeatLatency  metric.Float64Histogram
	reconnectAttempts metric.Int64Counter
	actionsCaptured   metric.Int64Counter
	actionsReplayed   metric.Int64Counter
	framesRouted      metric.Int64Counter
}

// NewMetrics creates the instruments on the global MeterProvider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsFromMeter(otel.Meter(meterName))
}

// NewMetricsFromMeter creates the instruments on meter.
func NewMetricsFromMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.attendeesJoined, "livesession.attendees.joined", "Attendee joins seen by the presenter"},
		{&m.attendeesLeft, "livesession.attendees.left", "Attendees removed by leave or grace expiry"},
		{&m.eventsSent, "livesession.events.sent", "Events sent over data connections by type"},
		{&m.sendFailures, "livesession.events.send_failures", "Per-peer send failures by type"},
		{&m.reconnectAttempts, "livesession.reconnect.attempts", "Reconnection attempts by outcome"},
		{&m.actionsCaptured, "livesession.capture.actions", "Presenter actions captured by type"},
		{&m.actionsReplayed, "livesession.replay.actions", "Attendee replay outcomes by type and mode"},
		{&m.framesRouted, "livesession.broker.frames", "Broker frames routed by type and outcome"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}

	histogram, err := meter.Float64Histogram(
		"livesession.heartbeat.latency",
		metric.WithDescription("Heartbeat round-trip latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	m.heartbeatLatency = histogram
	return m, nil
}

func (m *Metrics) AttendeeJoined(ctx context.Context) {
	if m == nil {
		return
	}
	m.attendeesJoined.Add(ctx, 1)
}

func (m *Metrics) AttendeeLeft(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.attendeesLeft.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) EventSent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.eventsSent.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

func (m *Metrics) SendFailed(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.sendFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

func (m *Metrics) HeartbeatLatency(ctx context.Context, latency time.Duration) {
	if m == nil {
		return
	}
	m.heartbeatLatency.Record(ctx, float64(latency)/float64(time.Millisecond))
}

func (m *Metrics) ReconnectAttempt(ctx context.Context, success bool) {
	if m == nil {
		return
	}
	m.reconnectAttempts.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

func (m *Metrics) ActionCaptured(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.actionsCaptured.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

func (m *Metrics) ActionReplayed(ctx context.Context, eventType, mode, outcome string) {
	if m == nil {
		return
	}
	m.actionsReplayed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", eventType),
		attribute.String("mode", mode),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) FrameRouted(ctx context.Context, frameType string, ok bool) {
	if m == nil {
		return
	}
	m.framesRouted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", frameType),
		attribute.Bool("ok", ok),
	))
}
