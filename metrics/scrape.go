package metrics

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ScrapeRegistry implements Registry for scrape-based metrics collection.
// Metrics are registered with a Prometheus registry and exposed via HTTP.
type ScrapeRegistry struct {
	prom *prometheus.Registry
}

// NewScrapeRegistry creates a ScrapeRegistry with the Go runtime and process
// collectors registered. constLabels, such as the build version, are attached
// to an always-1 tenantflow_build_info gauge.
func NewScrapeRegistry(constLabels prometheus.Labels) (*ScrapeRegistry, error) {
	reg := prometheus.NewRegistry()

	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("registering go collector: %w", err)
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("registering process collector: %w", err)
	}

	info := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "tenantflow_build_info",
		Help:        "Build information of the running server.",
		ConstLabels: constLabels,
	})
	info.Set(1)
	if err := reg.Register(info); err != nil {
		return nil, fmt.Errorf("registering build info: %w", err)
	}

	return &ScrapeRegistry{prom: reg}, nil
}

// Handler returns an http.Handler for the /metrics endpoint.
func (r *ScrapeRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Gatherer returns the underlying registry for tests and custom exporters.
func (r *ScrapeRegistry) Gatherer() prometheus.Gatherer {
	return r.prom
}

// NewGauge creates and registers a new Gauge.
func (r *ScrapeRegistry) NewGauge(opts prometheus.GaugeOpts) (Gauge, error) {
	return register(r.prom, prometheus.NewGauge(opts))
}

// NewGaugeVec creates and registers a new GaugeVec.
func (r *ScrapeRegistry) NewGaugeVec(opts prometheus.GaugeOpts, labels []string) (GaugeVec, error) {
	vec, err := register(r.prom, prometheus.NewGaugeVec(opts, labels))
	if err != nil {
		return nil, err
	}
	return gaugeVec{vec}, nil
}

// NewCounter creates and registers a new Counter.
func (r *ScrapeRegistry) NewCounter(opts prometheus.CounterOpts) (Counter, error) {
	return register(r.prom, prometheus.NewCounter(opts))
}

// NewCounterVec creates and registers a new CounterVec.
func (r *ScrapeRegistry) NewCounterVec(opts prometheus.CounterOpts, labels []string) (CounterVec, error) {
	vec, err := register(r.prom, prometheus.NewCounterVec(opts, labels))
	if err != nil {
		return nil, err
	}
	return counterVec{vec}, nil
}

// register adds c to reg. Registering an identical collector twice returns
// the one registered first, so several engines can share a registry.
func register[C prometheus.Collector](reg *prometheus.Registry, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	var zero C
	return zero, fmt.Errorf("registering metric: %w", err)
}

type gaugeVec struct{ *prometheus.GaugeVec }

func (g gaugeVec) With(labels prometheus.Labels) Gauge {
	return g.GaugeVec.With(labels)
}

type counterVec struct{ *prometheus.CounterVec }

func (c counterVec) With(labels prometheus.Labels) Counter {
	return c.CounterVec.With(labels)
}
