package paysplit

import (
	"time"

	"github.com/crynk/paysplit/logger"
	"github.com/crynk/paysplit/metrics"
	"github.com/crynk/paysplit/types"
)

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger replaces the logger selected by the config.
func WithLogger(log logger.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithMetrics replaces the metrics recorder selected by the config.
func WithMetrics(rec metrics.Recorder) Option {
	return func(e *Engine) {
		if rec != nil {
			e.metrics = rec
		}
	}
}

// WithEventSink attaches a sink for protocol events. Without one, events
// are dropped.
func WithEventSink(sink types.EventSink) Option {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithTimeout overrides the per-operation deadline.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithClock overrides the time source. Used by tests to make payment
// timestamps deterministic.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}
