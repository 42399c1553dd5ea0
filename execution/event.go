package execution

import (
	"time"

	"github.com/nomis52/tenantflow/failure"
	"github.com/nomis52/tenantflow/tenant"
)

// EventType identifies a history event.
type EventType string

const (
	EventCreated        EventType = "created"
	EventStarted        EventType = "started"
	EventStepScheduled  EventType = "step_scheduled"
	EventStepStarted    EventType = "step_started"
	EventStepSucceeded  EventType = "step_succeeded"
	EventStepFailed     EventType = "step_failed"
	EventStepRetrying   EventType = "step_retrying"
	EventStepSkipped    EventType = "step_skipped"
	EventSignalReceived EventType = "signal_received"
	EventSignalConsumed EventType = "signal_consumed"
	EventSuspended      EventType = "suspended"
	EventResumed        EventType = "resumed"
	EventCompleted      EventType = "completed"
	EventFailed         EventType = "failed"
	EventCancelled      EventType = "cancelled"
	EventTimedOut       EventType = "timed_out"
)

// Event is one entry of an execution's append-only history. Only the fields
// relevant to the event type are set.
type Event struct {
	Seq  int64     `json:"seq"`
	Type EventType `json:"type"`
	Time time.Time `json:"time"`

	// Set on EventCreated.
	ExecutionID  string          `json:"execution_id,omitempty"`
	WorkflowType string          `json:"workflow_type,omitempty"`
	Version      int             `json:"version,omitempty"`
	Tenant       *tenant.Context `json:"tenant,omitempty"`

	Step           string        `json:"step,omitempty"`
	Index          int           `json:"index,omitempty"`
	Activity       string        `json:"activity,omitempty"`
	Attempt        int           `json:"attempt,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	Payload        Payload       `json:"payload,omitempty"`
	Error          string        `json:"error,omitempty"`
	ErrorKind      failure.Kind  `json:"error_kind,omitempty"`
	RetryAt        *time.Time    `json:"retry_at,omitempty"`
	Signal         string        `json:"signal,omitempty"`
	Reason         SuspendReason `json:"reason,omitempty"`
}

// Created starts a new history.
func Created(id, workflowType string, version int, tc tenant.Context, input Payload) Event {
	return Event{
		Type:         EventCreated,
		ExecutionID:  id,
		WorkflowType: workflowType,
		Version:      version,
		Tenant:       &tc,
		Payload:      input,
	}
}

// Started moves a pending execution to running.
func Started() Event {
	return Event{Type: EventStarted}
}

// StepScheduled records that an attempt of a step has been queued.
func StepScheduled(step string, index int, activity string, attempt int, key string) Event {
	return Event{Type: EventStepScheduled, Step: step, Index: index, Activity: activity, Attempt: attempt, IdempotencyKey: key}
}

// StepStarted records that an attempt is running.
func StepStarted(step string, attempt int) Event {
	return Event{Type: EventStepStarted, Step: step, Attempt: attempt}
}

// StepSucceeded records a successful attempt and its output.
func StepSucceeded(step string, attempt int, output Payload) Event {
	return Event{Type: EventStepSucceeded, Step: step, Attempt: attempt, Payload: output}
}

// StepFailed records the final failed attempt of a step.
func StepFailed(step string, attempt int, kind failure.Kind, msg string) Event {
	return Event{Type: EventStepFailed, Step: step, Attempt: attempt, ErrorKind: kind, Error: msg}
}

// StepRetrying records a failed attempt that will be retried at retryAt.
func StepRetrying(step string, attempt int, kind failure.Kind, msg string, retryAt time.Time) Event {
	return Event{Type: EventStepRetrying, Step: step, Attempt: attempt, ErrorKind: kind, Error: msg, RetryAt: &retryAt}
}

// StepSkipped records a conditional step that did not run.
func StepSkipped(step string, index int) Event {
	return Event{Type: EventStepSkipped, Step: step, Index: index}
}

// SignalReceived records a signal delivered to the execution.
func SignalReceived(name string, payload Payload) Event {
	return Event{Type: EventSignalReceived, Signal: name, Payload: payload}
}

// SignalConsumed records that a step consumed the oldest pending signal with
// the given name.
func SignalConsumed(name, step string) Event {
	return Event{Type: EventSignalConsumed, Signal: name, Step: step}
}

// Suspended pauses the execution.
func Suspended(s Suspension) Event {
	return Event{Type: EventSuspended, Reason: s.Reason, Step: s.Step, Signal: s.Signal, Attempt: s.Attempt, Error: s.Message}
}

// Resumed continues a suspended execution.
func Resumed() Event {
	return Event{Type: EventResumed}
}

// Completed finishes the execution successfully with a result.
func Completed(result Payload) Event {
	return Event{Type: EventCompleted, Payload: result}
}

// Failed finishes the execution with a failure.
func Failed(f Failure) Event {
	return Event{Type: EventFailed, Step: f.Step, ErrorKind: f.Kind, Error: f.Message, Attempt: f.Attempts}
}

// Cancelled finishes the execution at the caller's request.
func Cancelled() Event {
	return Event{Type: EventCancelled}
}

// TimedOut finishes an execution that exceeded its workflow timeout.
func TimedOut() Event {
	return Event{Type: EventTimedOut}
}
