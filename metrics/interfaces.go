// Package metrics provides interfaces and implementations for Prometheus-compatible metrics.
//
// The package supports two modes of operation:
//   - Scrape mode: metrics are registered with a Prometheus registry and exposed on /metrics
//   - Push mode: metric values are buffered and periodically sent to a Prometheus
//     remote write endpoint, for deployments that are not scraped
//
// Components depend only on Registry, so they are unaware of the mode.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Gauge is a metric that represents a single numerical value that can go up and down.
type Gauge interface {
	// Set sets the Gauge to the given value.
	Set(float64)
	// Add adds the given value, which may be negative.
	Add(float64)
}

// Counter is a metric that represents a single monotonically increasing counter.
type Counter interface {
	// Inc increments the counter by 1.
	Inc()
	// Add adds the given value to the counter. It panics if the value is negative.
	Add(float64)
}

// GaugeVec is a Gauge with labels.
type GaugeVec interface {
	// With returns the Gauge for the given Labels.
	With(prometheus.Labels) Gauge
}

// CounterVec is a Counter with labels.
type CounterVec interface {
	// With returns the Counter for the given Labels.
	With(prometheus.Labels) Counter
}

// Registry creates and registers metrics.
// Implementations handle the differences between push and scrape modes.
type Registry interface {
	NewGauge(opts prometheus.GaugeOpts) (Gauge, error)
	NewGaugeVec(opts prometheus.GaugeOpts, labels []string) (GaugeVec, error)
	NewCounter(opts prometheus.CounterOpts) (Counter, error)
	NewCounterVec(opts prometheus.CounterOpts, labels []string) (CounterVec, error)
}

// Discard returns a Registry whose metrics record nothing.
func Discard() Registry {
	return discard{}
}

type discard struct{}

func (discard) NewGauge(prometheus.GaugeOpts) (Gauge, error) {
	return discardMetric{}, nil
}

func (discard) NewGaugeVec(prometheus.GaugeOpts, []string) (GaugeVec, error) {
	return discardGaugeVec{}, nil
}

func (discard) NewCounter(prometheus.CounterOpts) (Counter, error) {
	return discardMetric{}, nil
}

func (discard) NewCounterVec(prometheus.CounterOpts, []string) (CounterVec, error) {
	return discardCounterVec{}, nil
}

type discardMetric struct{}

func (discardMetric) Set(float64) {}
func (discardMetric) Add(float64) {}
func (discardMetric) Inc()        {}

type discardGaugeVec struct{}

func (discardGaugeVec) With(prometheus.Labels) Gauge { return discardMetric{} }

type discardCounterVec struct{}

func (discardCounterVec) With(prometheus.Labels) Counter { return discardMetric{} }
