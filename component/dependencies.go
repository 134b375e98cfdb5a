package component

import (
	"log/slog"

	"github.com/benbjohnson/clock"

	"github.com/bitflowhq/bitflow-core/metric"
)

// Dependencies provides the external dependencies needed by components.
// Components receive this structure at construction rather than individual
// fields, so wiring stays uniform across the engine.
type Dependencies struct {
	Logger  *slog.Logger     // Structured logger (can be nil, defaults to slog.Default())
	Metrics *metric.Registry // Metrics registry for Prometheus (can be nil)
	Clock   clock.Clock      // Time source (can be nil, defaults to wall clock)
}

// GetLogger returns the configured logger or a default logger if none is provided.
func (d *Dependencies) GetLogger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// GetLoggerWithComponent returns a logger configured with component context.
func (d *Dependencies) GetLoggerWithComponent(componentName string) *slog.Logger {
	return d.GetLogger().With("component", componentName)
}

// GetClock returns the configured clock or the wall clock if none is provided.
func (d *Dependencies) GetClock() clock.Clock {
	if d.Clock != nil {
		return d.Clock
	}
	return clock.New()
}
