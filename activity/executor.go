package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/nomis52/tenantflow/execution"
	"github.com/nomis52/tenantflow/failure"
	"github.com/nomis52/tenantflow/retry"
	"github.com/nomis52/tenantflow/tenant"
)

const (
	// DefaultTimeout bounds attempts of activities with no configured timeout.
	DefaultTimeout = time.Minute
	// DefaultConcurrency is the number of attempts that may run at once.
	DefaultConcurrency = 64
)

// Recorder receives the lifecycle of each attempt. The engine implements it by
// appending history events. An error from the Recorder stops the step.
type Recorder interface {
	Scheduled(attempt int, key string) error
	Started(attempt int) error
	Succeeded(attempt int, out execution.Payload) error
	Failed(attempt int, kind failure.Kind, err error) error
	Retrying(attempt int, kind failure.Kind, err error, retryAt time.Time) error
}

// Outcome is how a call to Execute ended.
type Outcome int

const (
	// Succeeded means an attempt returned output.
	Succeeded Outcome = iota
	// Failed means the step failed terminally.
	Failed
	// Pending means the activity will complete asynchronously.
	Pending
	// Stopped means the execution was cancelled. The outcome of the attempt
	// in flight, if any, has been recorded.
	Stopped
	// Fault means the Recorder could not record a transition.
	Fault
	// Interrupted means the caller's context ended between attempts. Nothing
	// was recorded for the interrupted wait, so recovery resumes from history.
	Interrupted
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Pending:
		return "pending"
	case Stopped:
		return "stopped"
	case Fault:
		return "fault"
	case Interrupted:
		return "interrupted"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is returned by Execute.
type Result struct {
	Outcome  Outcome
	Output   execution.Payload
	Kind     failure.Kind
	Err      error
	Attempts int
}

// Executor runs activity invocations with retries.
type Executor struct {
	registry *Registry
	decider  *retry.Decider
	slots    *semaphore.Weighted
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithConcurrency bounds the number of attempts running at once.
func WithConcurrency(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.slots = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithDecider sets the retry decider.
func WithDecider(d *retry.Decider) ExecutorOption {
	return func(e *Executor) {
		e.decider = d
	}
}

// WithTracer sets the tracer used for attempt spans.
func WithTracer(t trace.Tracer) ExecutorOption {
	return func(e *Executor) {
		e.tracer = t
	}
}

// WithLogger sets the executor's logger.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = l
	}
}

// NewExecutor creates an Executor for the activities in registry.
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry: registry,
		decider:  retry.NewDecider(),
		slots:    semaphore.NewWeighted(DefaultConcurrency),
		tracer:   otel.Tracer("github.com/nomis52/tenantflow/activity"),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs inv until it succeeds, fails terminally, suspends or is
// stopped. ctx must carry the execution's tenant.
func (e *Executor) Execute(ctx context.Context, inv Invocation, policy retry.Policy, rec Recorder) Result {
	logger := inv.Logger
	if logger == nil {
		logger = e.logger
	}
	logger = logger.With("execution_id", inv.ExecutionID, "step", inv.Step, "activity", inv.Activity)

	tc, ok := tenant.FromContext(ctx)
	if !ok || tc.ID != inv.Tenant.ID {
		err := failure.Errorf(failure.KindAuthorization, "invocation for tenant %q does not match the execution's tenant %q",
			inv.Tenant.ID, tc.ID)
		logger.Error("rejected invocation", "error", err)
		return Result{Outcome: Failed, Kind: failure.KindAuthorization, Err: err}
	}

	binding, ok := e.registry.Lookup(inv.Activity)
	if !ok {
		err := failure.Errorf(failure.KindValidation, "activity %q is not registered", inv.Activity)
		return Result{Outcome: Failed, Kind: failure.KindValidation, Err: err}
	}

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	key := inv.IdempotencyKey
	if key == "" {
		key = IdempotencyKey(inv.ExecutionID, inv.Step)
	}

	attempt := max(inv.Attempt, 1)
	lastKind := failure.KindUnknown
	if wait := inv.NotBefore.Sub(e.now()); wait > 0 {
		if r, ok := e.backoff(ctx, inv, rec, attempt-1, lastKind, ErrStopped, wait); !ok {
			return r
		}
	}

	for {
		if inv.Stopped() {
			return Result{Outcome: Stopped, Attempts: attempt - 1}
		}
		if err := rec.Scheduled(attempt, key); err != nil {
			return e.fault(logger, attempt, err)
		}
		if err := e.slots.Acquire(ctx, 1); err != nil {
			return Result{Outcome: Interrupted, Err: err, Attempts: attempt}
		}
		if err := rec.Started(attempt); err != nil {
			e.slots.Release(1)
			return e.fault(logger, attempt, err)
		}

		attemptInv := inv
		attemptInv.Attempt = attempt
		attemptInv.IdempotencyKey = key
		attemptInv.Timeout = timeout
		attemptInv.Logger = logger.With("attempt", attempt)

		start := e.now()
		out, err := e.run(ctx, binding.Activity, attemptInv)
		e.slots.Release(1)

		if err == nil {
			attemptInv.Logger.Info("attempt succeeded", "duration", e.now().Sub(start))
			if rerr := rec.Succeeded(attempt, out); rerr != nil {
				return e.fault(logger, attempt, rerr)
			}
			return Result{Outcome: Succeeded, Output: out, Attempts: attempt}
		}
		if errors.Is(err, ErrResultPending) {
			attemptInv.Logger.Info("attempt pending asynchronous completion")
			return Result{Outcome: Pending, Attempts: attempt}
		}

		kind := failure.Classify(err)
		attemptInv.Logger.Warn("attempt failed", "error", err, "kind", kind, "duration", e.now().Sub(start))

		if inv.Stopped() {
			if rerr := rec.Failed(attempt, kind, err); rerr != nil {
				return e.fault(logger, attempt, rerr)
			}
			return Result{Outcome: Stopped, Kind: kind, Err: err, Attempts: attempt}
		}

		decision := e.decider.Decide(kind, attempt, policy)
		if !decision.Retry {
			if rerr := rec.Failed(attempt, kind, err); rerr != nil {
				return e.fault(logger, attempt, rerr)
			}
			return Result{Outcome: Failed, Kind: kind, Err: err, Attempts: attempt}
		}

		retryAt := e.now().Add(decision.After)
		if rerr := rec.Retrying(attempt, kind, err, retryAt); rerr != nil {
			return e.fault(logger, attempt, rerr)
		}
		logger.Info("retrying step", "attempt", attempt, "backoff", decision.After)
		lastKind = kind
		if r, ok := e.backoff(ctx, inv, rec, attempt, lastKind, err, decision.After); !ok {
			return r
		}
		attempt++
	}
}

// backoff waits before the attempt after the given one. It returns false with
// the result to report when the wait was cut short.
func (e *Executor) backoff(ctx context.Context, inv Invocation, rec Recorder, attempt int, kind failure.Kind, cause error, d time.Duration) (Result, bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return Result{}, true
	case <-inv.Stop:
		if attempt < 1 {
			return Result{Outcome: Stopped}, false
		}
		if err := rec.Failed(attempt, kind, fmt.Errorf("%w while waiting to retry: %v", ErrStopped, cause)); err != nil {
			return Result{Outcome: Fault, Kind: failure.KindEngineFault, Err: err, Attempts: attempt}, false
		}
		return Result{Outcome: Stopped, Kind: kind, Err: cause, Attempts: attempt}, false
	case <-ctx.Done():
		return Result{Outcome: Interrupted, Err: ctx.Err(), Attempts: attempt}, false
	}
}

func (e *Executor) fault(logger *slog.Logger, attempt int, err error) Result {
	logger.Error("failed to record step transition", "attempt", attempt, "error", err)
	return Result{
		Outcome:  Fault,
		Kind:     failure.KindEngineFault,
		Err:      failure.Wrap(failure.KindEngineFault, "record step", err),
		Attempts: attempt,
	}
}

type attemptResult struct {
	out execution.Payload
	err error
}

// run performs one attempt under a hard timeout. The attempt context keeps the
// values of ctx but not its cancellation.
func (e *Executor) run(ctx context.Context, a Activity, inv Invocation) (execution.Payload, error) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), inv.Timeout)
	defer cancel()

	actx, span := e.tracer.Start(actx, "activity "+inv.Activity, trace.WithAttributes(
		attribute.String("tenantflow.execution_id", inv.ExecutionID),
		attribute.String("tenantflow.tenant_id", inv.Tenant.ID),
		attribute.String("tenantflow.step", inv.Step),
		attribute.Int("tenantflow.attempt", inv.Attempt),
	))
	defer span.End()

	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptResult{err: failure.Errorf(failure.KindEngineFault, "activity %q panicked: %v", inv.Activity, r)}
			}
		}()
		out, err := a.Execute(actx, inv)
		done <- attemptResult{out: out, err: err}
	}()

	var res attemptResult
	select {
	case res = <-done:
	case <-actx.Done():
		res.err = failure.Wrap(failure.KindTimeout, "activity "+inv.Activity,
			fmt.Errorf("attempt exceeded %s: %w", inv.Timeout, actx.Err()))
	}

	if res.err != nil && !errors.Is(res.err, ErrResultPending) {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
	}
	return res.out, res.err
}
