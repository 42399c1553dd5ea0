package logging

import (
	"log/slog"
)

// LoggerHook derives the logger used for one execution from a base logger.
type LoggerHook interface {
	LoggerFor(base *slog.Logger, executionID string) *slog.Logger
}

// PassthroughHook returns the base logger unchanged.
type PassthroughHook struct{}

// LoggerFor implements LoggerHook.
func (PassthroughHook) LoggerFor(base *slog.Logger, _ string) *slog.Logger {
	return base
}

// CapturingLoggerHook creates loggers whose records are also kept in a
// LogCollector under the execution ID.
type CapturingLoggerHook struct {
	collector *LogCollector
}

// NewCapturingLoggerHook creates a hook that captures into collector.
func NewCapturingLoggerHook(collector *LogCollector) *CapturingLoggerHook {
	return &CapturingLoggerHook{
		collector: collector,
	}
}

// LoggerFor implements LoggerHook.
func (p *CapturingLoggerHook) LoggerFor(base *slog.Logger, executionID string) *slog.Logger {
	return slog.New(NewCapturingHandler(base.Handler(), p.collector, executionID))
}

// Collector returns the collector the hook captures into.
func (p *CapturingLoggerHook) Collector() *LogCollector {
	return p.collector
}
