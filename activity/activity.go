package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nomis52/tenantflow/execution"
	"github.com/nomis52/tenantflow/tenant"
)

// ErrResultPending is returned by an activity that completes asynchronously.
// The engine suspends the execution until the outcome is delivered through
// engine.Complete.
var ErrResultPending = errors.New("activity result pending")

// ErrStopped is recorded for a step whose execution was stopped while the step
// was waiting to retry.
var ErrStopped = errors.New("execution stopped")

// Activity is a unit of work invoked by a workflow step.
type Activity interface {
	Execute(ctx context.Context, inv Invocation) (execution.Payload, error)
}

// Func adapts a function to the Activity interface.
type Func func(ctx context.Context, inv Invocation) (execution.Payload, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, inv Invocation) (execution.Payload, error) {
	return f(ctx, inv)
}

// Invocation is everything an activity attempt gets to see. It is not
// persisted.
type Invocation struct {
	ExecutionID string
	Step        string
	Activity    string
	Tenant      tenant.Context
	Input       execution.Payload
	// Timeout bounds each attempt.
	Timeout time.Duration
	// Attempt is 1-based.
	Attempt        int
	IdempotencyKey string
	// NotBefore delays the first attempt, used when resuming a step that was
	// waiting out a backoff.
	NotBefore time.Time
	// Stop is closed when the execution is cancelled.
	Stop <-chan struct{}

	Logger *slog.Logger
	Status *StatusLine
}

// Stopped reports whether the execution was cancelled.
func (inv Invocation) Stopped() bool {
	if inv.Stop == nil {
		return false
	}
	select {
	case <-inv.Stop:
		return true
	default:
		return false
	}
}

// IdempotencyKey returns the key shared by every attempt of a step.
func IdempotencyKey(executionID, step string) string {
	return fmt.Sprintf("%s/%s/1", executionID, step)
}
