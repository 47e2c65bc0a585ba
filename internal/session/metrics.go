package session

import "go.opentelemetry.io/otel/metric"

// Metrics holds the per-session instruments. One Metrics value is shared by
// every session; the instruments are goroutine-safe.
type Metrics struct {
	Active    metric.Int64UpDownCounter
	FramesIn  metric.Int64Counter
	FramesOut metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	active, err := meter.Int64UpDownCounter("scribe_sessions_active",
		metric.WithDescription("Streaming sessions currently running"))
	if err != nil {
		return nil, err
	}
	framesIn, err := meter.Int64Counter("scribe_session_frames_in_total",
		metric.WithDescription("Inbound audio frames accepted"))
	if err != nil {
		return nil, err
	}
	framesOut, err := meter.Int64Counter("scribe_session_frames_out_total",
		metric.WithDescription("Result frames emitted"))
	if err != nil {
		return nil, err
	}
	return &Metrics{Active: active, FramesIn: framesIn, FramesOut: framesOut}, nil
}
