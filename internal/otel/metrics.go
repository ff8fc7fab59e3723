package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all pibridge metric instruments.
type Metrics struct {
	PromptDuration    metric.Float64Histogram
	ReplayedUpdates   metric.Int64Counter
	ActiveConnections metric.Int64UpDownCounter
	Connects          metric.Int64Counter
	RateLimitRejects  metric.Int64Counter
	SessionListCount  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.PromptDuration, err = meter.Float64Histogram("pibridge.prompt.duration",
		metric.WithDescription("Prompt round-trip duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ReplayedUpdates, err = meter.Int64Counter("pibridge.replay.updates",
		metric.WithDescription("Session updates emitted during history replay"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveConnections, err = meter.Int64UpDownCounter("pibridge.ws.active",
		metric.WithDescription("Currently open WebSocket connections"),
	)
	if err != nil {
		return nil, err
	}

	m.Connects, err = meter.Int64Counter("pibridge.ws.connects",
		metric.WithDescription("Accepted WebSocket connections"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("pibridge.ratelimit.rejects",
		metric.WithDescription("Connections closed by the rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionListCount, err = meter.Int64Counter("pibridge.sessions.listed",
		metric.WithDescription("Session directory listing calls"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
