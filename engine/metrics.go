package engine

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nomis52/tenantflow/execution"
	"github.com/nomis52/tenantflow/metrics"
)

type engineMetrics struct {
	started  metrics.CounterVec
	finished metrics.CounterVec
	active   metrics.Gauge
	attempts metrics.CounterVec
	retries  metrics.CounterVec
	faults   metrics.Counter
}

func newEngineMetrics(reg metrics.Registry) (*engineMetrics, error) {
	var (
		m   engineMetrics
		err error
	)
	if m.started, err = reg.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantflow_executions_started_total",
		Help: "Executions started, by workflow type",
	}, []string{"workflow_type"}); err != nil {
		return nil, fmt.Errorf("creating started metric: %w", err)
	}
	if m.finished, err = reg.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantflow_executions_finished_total",
		Help: "Executions that reached a terminal status",
	}, []string{"workflow_type", "status"}); err != nil {
		return nil, fmt.Errorf("creating finished metric: %w", err)
	}
	if m.active, err = reg.NewGauge(prometheus.GaugeOpts{
		Name: "tenantflow_executions_active",
		Help: "Executions held in memory that have not finished",
	}); err != nil {
		return nil, fmt.Errorf("creating active metric: %w", err)
	}
	if m.attempts, err = reg.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantflow_activity_attempts_total",
		Help: "Activity attempts by outcome",
	}, []string{"activity", "outcome"}); err != nil {
		return nil, fmt.Errorf("creating attempts metric: %w", err)
	}
	if m.retries, err = reg.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantflow_activity_retries_total",
		Help: "Failed activity attempts that were scheduled for retry",
	}, []string{"activity"}); err != nil {
		return nil, fmt.Errorf("creating retries metric: %w", err)
	}
	if m.faults, err = reg.NewCounter(prometheus.CounterOpts{
		Name: "tenantflow_engine_faults_total",
		Help: "Executions stopped because their history could not be persisted",
	}); err != nil {
		return nil, fmt.Errorf("creating faults metric: %w", err)
	}
	return &m, nil
}

// observe updates the metrics for an event that has just been persisted.
func (m *engineMetrics) observe(x *execution.Execution, e execution.Event, activity string) {
	switch e.Type {
	case execution.EventStarted:
		m.started.With(prometheus.Labels{"workflow_type": x.WorkflowType}).Inc()
	case execution.EventStepSucceeded:
		m.attempts.With(prometheus.Labels{"activity": activity, "outcome": "succeeded"}).Inc()
	case execution.EventStepFailed:
		m.attempts.With(prometheus.Labels{"activity": activity, "outcome": "failed"}).Inc()
	case execution.EventStepRetrying:
		m.attempts.With(prometheus.Labels{"activity": activity, "outcome": "retrying"}).Inc()
		m.retries.With(prometheus.Labels{"activity": activity}).Inc()
	case execution.EventCompleted, execution.EventFailed, execution.EventCancelled, execution.EventTimedOut:
		m.finished.With(prometheus.Labels{"workflow_type": x.WorkflowType, "status": string(x.Status)}).Inc()
	}
}
