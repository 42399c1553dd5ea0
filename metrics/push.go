package metrics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/prompb"
)

const (
	// DefaultTimeout is the default timeout for HTTP requests
	DefaultTimeout = 30 * time.Second
	// DefaultPushInterval is how often buffered values are sent.
	DefaultPushInterval = 15 * time.Second
)

// PushConfig configures a PushRegistry.
type PushConfig struct {
	// URL is the base URL of the remote write endpoint (e.g., "http://localhost:9090").
	URL string `yaml:"url"`
	// Prefix is prepended to every metric name, followed by an underscore.
	Prefix string `yaml:"prefix"`
	// Job is the job label for all metrics.
	Job string `yaml:"job"`
	// Instance is the instance label for all metrics.
	Instance string `yaml:"instance"`
	// Timeout is the HTTP client timeout. Defaults to DefaultTimeout.
	Timeout time.Duration `yaml:"timeout"`
	// Interval is the flush period used by Run. Defaults to DefaultPushInterval.
	Interval time.Duration `yaml:"interval"`
}

// PushRegistry implements Registry for push-based metrics collection.
// Metric updates only change buffered values; Flush sends the latest value of
// every series in a single remote write request.
type PushRegistry struct {
	url        string
	httpClient *http.Client
	prefix     string
	job        string
	instance   string
	interval   time.Duration
	logger     *slog.Logger

	mu     sync.Mutex
	series map[string]*series
}

type series struct {
	name   string
	labels prometheus.Labels
	value  float64
}

// NewPushRegistry creates a new PushRegistry that pushes metrics to the given URL.
func NewPushRegistry(cfg PushConfig, logger *slog.Logger) *PushRegistry {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = DefaultPushInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PushRegistry{
		url:        strings.TrimSuffix(cfg.URL, "/") + "/api/v1/write",
		httpClient: &http.Client{Timeout: timeout},
		prefix:     cfg.Prefix,
		job:        cfg.Job,
		instance:   cfg.Instance,
		interval:   interval,
		logger:     logger,
		series:     make(map[string]*series),
	}
}

// NewGauge creates a new push-based Gauge.
func (r *PushRegistry) NewGauge(opts prometheus.GaugeOpts) (Gauge, error) {
	return &pushMetric{registry: r, name: opts.Name, labels: opts.ConstLabels}, nil
}

// NewGaugeVec creates a new push-based GaugeVec.
func (r *PushRegistry) NewGaugeVec(opts prometheus.GaugeOpts, labels []string) (GaugeVec, error) {
	return &pushVec{registry: r, name: opts.Name, constLabels: opts.ConstLabels, labels: labels}, nil
}

// NewCounter creates a new push-based Counter.
func (r *PushRegistry) NewCounter(opts prometheus.CounterOpts) (Counter, error) {
	return &pushMetric{registry: r, name: opts.Name, labels: opts.ConstLabels}, nil
}

// NewCounterVec creates a new push-based CounterVec.
func (r *PushRegistry) NewCounterVec(opts prometheus.CounterOpts, labels []string) (CounterVec, error) {
	return pushCounterVec{&pushVec{registry: r, name: opts.Name, constLabels: opts.ConstLabels, labels: labels}}, nil
}

// update applies f to the buffered value of a series, creating it at zero.
func (r *PushRegistry) update(name string, labels prometheus.Labels, f func(float64) float64) {
	key := seriesKey(name, labels)

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.series[key]
	if !ok {
		s = &series{name: name, labels: labels}
		r.series[key] = s
	}
	s.value = f(s.value)
}

// Run flushes buffered values every interval until ctx is done, then flushes
// one last time.
func (r *PushRegistry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				r.logger.Warn("failed to push metrics", "error", err)
			}
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.httpClient.Timeout)
			if err := r.Flush(final); err != nil {
				r.logger.Warn("failed to push final metrics", "error", err)
			}
			cancel()
			return
		}
	}
}

// Flush sends the current value of every series.
func (r *PushRegistry) Flush(ctx context.Context) error {
	now := time.Now().UnixMilli()

	r.mu.Lock()
	keys := make([]string, 0, len(r.series))
	for k := range r.series {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	timeseries := make([]prompb.TimeSeries, 0, len(keys))
	for _, k := range keys {
		s := r.series[k]
		timeseries = append(timeseries, r.toTimeSeries(s.name, s.value, s.labels, now))
	}
	r.mu.Unlock()

	if len(timeseries) == 0 {
		return nil
	}
	return r.send(ctx, &prompb.WriteRequest{Timeseries: timeseries})
}

func (r *PushRegistry) send(ctx context.Context, req *prompb.WriteRequest) error {
	data, err := proto.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling write request: %w", err)
	}
	compressed := snappy.Encode(nil, data)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(compressed))
	if err != nil {
		return fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Encoding", "snappy")
	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	httpReq.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// toTimeSeries converts a buffered value to remote write format.
func (r *PushRegistry) toTimeSeries(name string, value float64, labels prometheus.Labels, ts int64) prompb.TimeSeries {
	metricName := name
	if r.prefix != "" {
		metricName = r.prefix + "_" + name
	}
	promLabels := make([]prompb.Label, 0, len(labels)+3)
	promLabels = append(promLabels, prompb.Label{Name: "__name__", Value: metricName})
	if r.job != "" {
		promLabels = append(promLabels, prompb.Label{Name: "job", Value: r.job})
	}
	if r.instance != "" {
		promLabels = append(promLabels, prompb.Label{Name: "instance", Value: r.instance})
	}
	for _, k := range sortedKeys(labels) {
		promLabels = append(promLabels, prompb.Label{Name: k, Value: labels[k]})
	}

	return prompb.TimeSeries{
		Labels:  promLabels,
		Samples: []prompb.Sample{{Value: value, Timestamp: ts}},
	}
}

// pushMetric is a single buffered series. It serves as both Gauge and Counter.
type pushMetric struct {
	registry *PushRegistry
	name     string
	labels   prometheus.Labels
}

func (m *pushMetric) Set(v float64) {
	m.registry.update(m.name, m.labels, func(float64) float64 { return v })
}

func (m *pushMetric) Add(v float64) {
	m.registry.update(m.name, m.labels, func(cur float64) float64 { return cur + v })
}

func (m *pushMetric) Inc() {
	m.Add(1)
}

// pushVec implements GaugeVec for push mode.
type pushVec struct {
	registry    *PushRegistry
	name        string
	constLabels prometheus.Labels
	labels      []string
}

func (v *pushVec) metric(labels prometheus.Labels) *pushMetric {
	merged := make(prometheus.Labels, len(v.constLabels)+len(labels))
	for k, val := range v.constLabels {
		merged[k] = val
	}
	for _, k := range v.labels {
		merged[k] = labels[k]
	}
	return &pushMetric{registry: v.registry, name: v.name, labels: merged}
}

func (v *pushVec) With(labels prometheus.Labels) Gauge {
	return v.metric(labels)
}

// pushCounterVec adapts pushVec to CounterVec.
type pushCounterVec struct {
	*pushVec
}

func (c pushCounterVec) With(labels prometheus.Labels) Counter {
	return c.metric(labels)
}

func seriesKey(name string, labels prometheus.Labels) string {
	var b strings.Builder
	b.WriteString(name)
	for _, k := range sortedKeys(labels) {
		b.WriteString("," + k + "=" + labels[k])
	}
	return b.String()
}

func sortedKeys(labels prometheus.Labels) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
