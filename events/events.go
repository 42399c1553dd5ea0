// Package events publishes execution lifecycle notifications.
//
// The engine emits a Notification for every history event it persists. Sinks
// deliver them to subscribers outside the process; delivery is best effort and
// never blocks or fails an execution.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nomis52/tenantflow/execution"
)

// Notification describes one persisted history event of an execution.
type Notification struct {
	ID           string              `json:"id"`
	Type         execution.EventType `json:"type"`
	ExecutionID  string              `json:"execution_id"`
	TenantID     string              `json:"tenant_id"`
	WorkflowType string              `json:"workflow_type"`
	Version      int                 `json:"version"`
	Status       execution.Status    `json:"status"`
	Seq          int64               `json:"seq"`
	Step         string              `json:"step,omitempty"`
	Attempt      int                 `json:"attempt,omitempty"`
	Signal       string              `json:"signal,omitempty"`
	Error        string              `json:"error,omitempty"`
	Time         time.Time           `json:"time"`
}

// FromEvent builds the notification for e, which has just been applied to x.
func FromEvent(x *execution.Execution, e execution.Event) Notification {
	return Notification{
		ID:           uuid.NewString(),
		Type:         e.Type,
		ExecutionID:  x.ID,
		TenantID:     x.Tenant.ID,
		WorkflowType: x.WorkflowType,
		Version:      x.Version,
		Status:       x.Status,
		Seq:          e.Seq,
		Step:         e.Step,
		Attempt:      e.Attempt,
		Signal:       e.Signal,
		Error:        e.Error,
		Time:         e.Time,
	}
}

// IsLifecycle reports whether the notification changes the execution status.
// Step level events return false.
func (n Notification) IsLifecycle() bool {
	switch n.Type {
	case execution.EventStarted, execution.EventSuspended, execution.EventResumed,
		execution.EventCompleted, execution.EventFailed, execution.EventCancelled, execution.EventTimedOut:
		return true
	}
	return false
}

// Sink delivers notifications.
type Sink interface {
	Publish(ctx context.Context, n Notification) error
	Close() error
}

// Discard returns a Sink that drops everything.
func Discard() Sink {
	return discard{}
}

type discard struct{}

func (discard) Publish(context.Context, Notification) error { return nil }
func (discard) Close() error                                { return nil }

// MemorySink keeps every notification it receives. It is used in tests and by
// single process deployments that only want to inspect recent activity.
type MemorySink struct {
	mu            sync.Mutex
	notifications []Notification
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Publish implements Sink.
func (s *MemorySink) Publish(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, n)
	return nil
}

// Close implements Sink.
func (s *MemorySink) Close() error {
	return nil
}

// Notifications returns a copy of everything published so far.
func (s *MemorySink) Notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.notifications...)
}

// Types returns the types of the notifications published for an execution,
// in order.
func (s *MemorySink) Types(executionID string) []execution.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var types []execution.EventType
	for _, n := range s.notifications {
		if n.ExecutionID == executionID {
			types = append(types, n.Type)
		}
	}
	return types
}
