// Package execution holds the durable state of a workflow execution.
//
// State is never written directly. Every change is an Event appended to the
// execution's log and folded in by Apply, so replaying the persisted log
// reproduces exactly the state a live execution had:
//
//	x, err := execution.Replay(events)
package execution

import (
	"maps"
	"time"

	"github.com/nomis52/tenantflow/failure"
	"github.com/nomis52/tenantflow/tenant"
)

// Payload is the opaque input or output of a workflow or activity.
type Payload map[string]any

// Clone returns a shallow copy of the payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	return maps.Clone(p)
}

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

// IsTerminal reports whether the status can never change again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// Statuses lists every status in lifecycle order.
func Statuses() []Status {
	return []Status{StatusPending, StatusRunning, StatusSuspended, StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut}
}

// StepStatus is the state of one step within an execution.
type StepStatus string

const (
	StepStatusScheduled StepStatus = "scheduled"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusRetrying  StepStatus = "retrying"
	// StepStatusSkipped marks a conditional step whose condition was false.
	StepStatusSkipped StepStatus = "skipped"
)

// IsTerminal reports whether the step has finished.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusSucceeded || s == StepStatusFailed || s == StepStatusSkipped
}

// StepRecord tracks one step of an execution across all of its attempts.
type StepRecord struct {
	StepName       string       `json:"step_name"`
	Activity       string       `json:"activity,omitempty"`
	Index          int          `json:"index"`
	AttemptCount   int          `json:"attempt_count"`
	Status         StepStatus   `json:"status"`
	LastError      string       `json:"last_error,omitempty"`
	LastErrorKind  failure.Kind `json:"last_error_kind,omitempty"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
	ScheduledAt    time.Time    `json:"scheduled_at"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	RetryAt        *time.Time   `json:"retry_at,omitempty"`
	Output         Payload      `json:"output,omitempty"`
}

// InFlight reports whether the record is waiting on an attempt outcome.
func (r StepRecord) InFlight() bool {
	return !r.Status.IsTerminal()
}

// Failure describes why an execution failed.
type Failure struct {
	Step     string       `json:"step,omitempty"`
	Kind     failure.Kind `json:"kind"`
	Message  string       `json:"message"`
	Attempts int          `json:"attempts,omitempty"`
}

// SuspendReason explains why an execution is suspended.
type SuspendReason string

const (
	// SuspendSignal waits for a named signal.
	SuspendSignal SuspendReason = "signal"
	// SuspendActivity waits for an asynchronous activity completion.
	SuspendActivity SuspendReason = "activity"
	// SuspendVersionConflict waits for an operator to deploy the pinned version.
	SuspendVersionConflict SuspendReason = "version_conflict"
)

// Suspension is the persisted resume point of a suspended execution.
type Suspension struct {
	Reason  SuspendReason `json:"reason"`
	Step    string        `json:"step,omitempty"`
	Signal  string        `json:"signal,omitempty"`
	Attempt int           `json:"attempt,omitempty"`
	Message string        `json:"message,omitempty"`
}

// Signal is an external event delivered to an execution.
type Signal struct {
	Name       string    `json:"name"`
	Payload    Payload   `json:"payload,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	Consumed   bool      `json:"consumed"`
}

// Execution is one run of a workflow definition, pinned to a version.
type Execution struct {
	ID           string             `json:"id"`
	WorkflowType string             `json:"workflow_type"`
	Version      int                `json:"version"`
	Tenant       tenant.Context     `json:"tenant"`
	Status       Status             `json:"status"`
	CurrentStep  int                `json:"current_step"`
	Input        Payload            `json:"input,omitempty"`
	Result       Payload            `json:"result,omitempty"`
	Failure      *Failure           `json:"failure,omitempty"`
	Suspension   *Suspension        `json:"suspension,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	StartedAt    *time.Time         `json:"started_at,omitempty"`
	UpdatedAt    time.Time          `json:"updated_at"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
	History      []StepRecord       `json:"history"`
	Outputs      map[string]Payload `json:"outputs,omitempty"`
	Signals      []Signal           `json:"signals,omitempty"`
	LastSeq      int64              `json:"last_seq"`
	// EngineFault is set by the engine when the execution stopped progressing
	// because its history could not be persisted. It is never stored.
	EngineFault string `json:"engine_fault,omitempty"`
}

// Record returns the most recent record for the named step.
func (x *Execution) Record(step string) (*StepRecord, bool) {
	for i := len(x.History) - 1; i >= 0; i-- {
		if x.History[i].StepName == step {
			return &x.History[i], true
		}
	}
	return nil, false
}

// ActiveStep returns the name of the step most recently scheduled, or "" if
// no step has been scheduled yet.
func (x *Execution) ActiveStep() string {
	if len(x.History) == 0 {
		return ""
	}
	return x.History[len(x.History)-1].StepName
}

// PendingSignal returns the oldest unconsumed signal with the given name.
func (x *Execution) PendingSignal(name string) (Signal, bool) {
	for _, s := range x.Signals {
		if s.Name == name && !s.Consumed {
			return s, true
		}
	}
	return Signal{}, false
}

// ExecutedSteps returns the names of steps in the order they were first
// scheduled.
func (x *Execution) ExecutedSteps() []string {
	names := make([]string, 0, len(x.History))
	for _, r := range x.History {
		names = append(names, r.StepName)
	}
	return names
}

// Clone returns a deep copy that shares no mutable state with x.
func (x *Execution) Clone() *Execution {
	c := *x
	c.Input = x.Input.Clone()
	c.Result = x.Result.Clone()
	if x.Failure != nil {
		f := *x.Failure
		c.Failure = &f
	}
	if x.Suspension != nil {
		s := *x.Suspension
		c.Suspension = &s
	}
	c.History = make([]StepRecord, len(x.History))
	for i, r := range x.History {
		r.Output = r.Output.Clone()
		c.History[i] = r
	}
	if x.Outputs != nil {
		c.Outputs = make(map[string]Payload, len(x.Outputs))
		for k, v := range x.Outputs {
			c.Outputs[k] = v.Clone()
		}
	}
	if x.Signals != nil {
		c.Signals = make([]Signal, len(x.Signals))
		for i, s := range x.Signals {
			s.Payload = s.Payload.Clone()
			c.Signals[i] = s
		}
	}
	return &c
}
