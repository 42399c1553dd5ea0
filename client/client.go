// Package client is the facade services use to run workflows on behalf of a
// tenant. Every call is scoped to the tenant carried in its context: a caller
// can only see and control its own tenant's executions, and anything else is
// reported as not found.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nomis52/tenantflow/engine"
	"github.com/nomis52/tenantflow/execution"
	"github.com/nomis52/tenantflow/failure"
	"github.com/nomis52/tenantflow/store"
	"github.com/nomis52/tenantflow/tenant"
)

// ErrAwaitTimedOut is returned by AwaitResult when the execution did not
// finish in time. The execution itself keeps running.
var ErrAwaitTimedOut = errors.New("timed out waiting for execution result")

// Engine is the part of *engine.Engine the client needs.
type Engine interface {
	Start(ctx context.Context, req engine.StartRequest) (string, error)
	Query(ctx context.Context, id string) (*execution.Execution, error)
	Wait(ctx context.Context, id string) (*execution.Execution, error)
	List(ctx context.Context, f store.Filter) ([]store.Header, error)
	Signal(ctx context.Context, id, name string, payload execution.Payload) (bool, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Complete(ctx context.Context, id, step string, attempt int, output execution.Payload, cause error) error
}

// Outcome is how a finished execution ended.
type Outcome struct {
	ExecutionID string             `json:"execution_id"`
	Status      execution.Status   `json:"status"`
	Result      execution.Payload  `json:"result,omitempty"`
	Failure     *execution.Failure `json:"failure,omitempty"`
	// EngineFault is set when the execution halted because its history could
	// not be recorded.
	EngineFault string `json:"engine_fault,omitempty"`
}

// Succeeded reports whether the execution completed.
func (o Outcome) Succeeded() bool {
	return o.Status == execution.StatusCompleted
}

// Client submits and tracks executions for the tenant in each call's context.
type Client struct {
	engine Engine
	logger *slog.Logger
}

// New creates a Client.
func New(e Engine, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{engine: e, logger: logger.With("component", "client")}
}

// Submit starts the active version of workflowType for tc.
func (c *Client) Submit(ctx context.Context, workflowType string, tc tenant.Context, input execution.Payload) (string, error) {
	return c.SubmitVersion(ctx, workflowType, 0, tc, input)
}

// SubmitVersion starts a specific version of workflowType for tc. tc must be
// the tenant of the caller.
func (c *Client) SubmitVersion(ctx context.Context, workflowType string, version int, tc tenant.Context, input execution.Payload) (string, error) {
	caller, err := callerTenant(ctx, "submit")
	if err != nil {
		return "", err
	}
	if caller.ID != tc.ID {
		return "", failure.Errorf(failure.KindAuthorization, "submit %s: tenant %q cannot submit for tenant %q",
			workflowType, caller.ID, tc.ID)
	}
	id, err := c.engine.Start(ctx, engine.StartRequest{
		WorkflowType: workflowType,
		Version:      version,
		Tenant:       tc,
		Input:        input,
	})
	if err != nil {
		return "", err
	}
	c.logger.Debug("submitted execution", "execution_id", id, "tenant_id", tc.ID, "workflow_type", workflowType)
	return id, nil
}

// AwaitResult blocks until the execution finishes or timeout passes. A
// timeout of zero waits as long as ctx allows.
func (c *Client) AwaitResult(ctx context.Context, id string, timeout time.Duration) (Outcome, error) {
	if _, err := c.owned(ctx, "await", id); err != nil {
		return Outcome{}, err
	}

	wctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	x, err := c.engine.Wait(wctx, id)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Outcome{}, fmt.Errorf("%w: %s after %s", ErrAwaitTimedOut, id, timeout)
		}
		if x != nil && failure.Is(err, failure.KindEngineFault) {
			c.logger.Warn("execution halted", "execution_id", id, "error", err)
			return outcomeOf(x), err
		}
		return Outcome{}, err
	}
	return outcomeOf(x), nil
}

func outcomeOf(x *execution.Execution) Outcome {
	return Outcome{
		ExecutionID: x.ID,
		Status:      x.Status,
		Result:      x.Result,
		Failure:     x.Failure,
		EngineFault: x.EngineFault,
	}
}

// Status returns the current status of an execution.
func (c *Client) Status(ctx context.Context, id string) (execution.Status, error) {
	x, err := c.owned(ctx, "status", id)
	if err != nil {
		return "", err
	}
	return x.Status, nil
}

// Describe returns a snapshot of an execution including its history.
func (c *Client) Describe(ctx context.Context, id string) (*execution.Execution, error) {
	return c.owned(ctx, "describe", id)
}

// List returns the caller's executions matching f. f.TenantID is always
// replaced by the caller's tenant.
func (c *Client) List(ctx context.Context, f store.Filter) ([]store.Header, error) {
	caller, err := callerTenant(ctx, "list")
	if err != nil {
		return nil, err
	}
	f.TenantID = caller.ID
	return c.engine.List(ctx, f)
}

// Signal delivers a signal to an execution. It reports false when the
// execution no longer accepts signals.
func (c *Client) Signal(ctx context.Context, id, name string, payload execution.Payload) (bool, error) {
	if _, err := c.owned(ctx, "signal", id); err != nil {
		return false, err
	}
	return c.engine.Signal(ctx, id, name, payload)
}

// Cancel cancels an execution. It reports false when the execution had
// already finished.
func (c *Client) Cancel(ctx context.Context, id string) (bool, error) {
	if _, err := c.owned(ctx, "cancel", id); err != nil {
		return false, err
	}
	return c.engine.Cancel(ctx, id)
}

// Complete delivers the outcome of an activity that finishes asynchronously.
func (c *Client) Complete(ctx context.Context, id, step string, attempt int, output execution.Payload, cause error) error {
	if _, err := c.owned(ctx, "complete", id); err != nil {
		return err
	}
	return c.engine.Complete(ctx, id, step, attempt, output, cause)
}

// owned loads an execution and checks it belongs to the caller's tenant.
// Executions of other tenants look exactly like missing ones.
func (c *Client) owned(ctx context.Context, op, id string) (*execution.Execution, error) {
	caller, err := callerTenant(ctx, op)
	if err != nil {
		return nil, err
	}
	x, err := c.engine.Query(ctx, id)
	if err != nil {
		return nil, err
	}
	if x.Tenant.ID != caller.ID {
		c.logger.Warn("cross-tenant access refused", "op", op, "execution_id", id, "tenant_id", caller.ID)
		return nil, failure.Wrap(failure.KindNotFound, op, fmt.Errorf("%w: %s", store.ErrNotFound, id))
	}
	return x, nil
}

func callerTenant(ctx context.Context, op string) (tenant.Context, error) {
	tc, ok := tenant.FromContext(ctx)
	if !ok || tc.IsZero() {
		return tenant.Context{}, failure.Errorf(failure.KindAuthorization, "%s: no tenant in context", op)
	}
	return tc, nil
}
