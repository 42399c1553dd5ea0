// Package engine drives workflow executions.
//
// Each active execution has a single driver goroutine that walks the
// definition's steps in order, invoking activities through an
// activity.Executor. Every state change is an execution.Event appended to the
// store before it becomes visible, so an engine restarted over the same store
// continues where the previous one stopped:
//
//	eng, err := engine.New(workflows, activities, executor, engine.WithStore(st))
//	n, err := eng.Recover(ctx)
//	id, err := eng.Start(ctx, engine.StartRequest{WorkflowType: "user_onboarding", Tenant: tc, Input: in})
//	x, err := eng.Wait(ctx, id)
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nomis52/tenantflow/activity"
	"github.com/nomis52/tenantflow/events"
	"github.com/nomis52/tenantflow/execution"
	"github.com/nomis52/tenantflow/failure"
	"github.com/nomis52/tenantflow/logging"
	"github.com/nomis52/tenantflow/metrics"
	"github.com/nomis52/tenantflow/retry"
	"github.com/nomis52/tenantflow/store"
	"github.com/nomis52/tenantflow/tenant"
	"github.com/nomis52/tenantflow/workflow"
)

// DefaultStoreTimeout bounds a single store operation.
const DefaultStoreTimeout = 10 * time.Second

// ErrShutdown is returned by operations on an engine that has been shut down.
var ErrShutdown = errors.New("engine is shut down")

// StartRequest describes a new execution.
type StartRequest struct {
	// ID is optional. A random UUID is used when empty.
	ID           string
	WorkflowType string
	// Version 0 selects the active version.
	Version int
	Tenant  tenant.Context
	Input   execution.Payload
}

// Engine runs workflow executions against a store.
type Engine struct {
	workflows  *workflow.Registry
	activities *activity.Registry
	executor   *activity.Executor

	store          store.Store
	sink           events.Sink
	statuses       *activity.StatusHandler
	hook           logging.LoggerHook
	registry       metrics.Registry
	metrics        *engineMetrics
	logger         *slog.Logger
	policy         retry.Policy
	decider        *retry.Decider
	defaultTimeout time.Duration
	storeTimeout   time.Duration
	now            func() time.Time
	newID          func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	runs     map[string]*run
	shutdown bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets where histories are persisted. The default keeps them in
// memory.
func WithStore(s store.Store) Option {
	return func(e *Engine) {
		e.store = s
	}
}

// WithSink sets where lifecycle notifications are published.
func WithSink(s events.Sink) Option {
	return func(e *Engine) {
		e.sink = s
	}
}

// WithStatusHandler sets where activities report their progress.
func WithStatusHandler(h *activity.StatusHandler) Option {
	return func(e *Engine) {
		e.statuses = h
	}
}

// WithLoggerHook sets the hook that derives each execution's logger.
func WithLoggerHook(h logging.LoggerHook) Option {
	return func(e *Engine) {
		e.hook = h
	}
}

// WithMetrics sets the registry for engine metrics.
func WithMetrics(r metrics.Registry) Option {
	return func(e *Engine) {
		e.registry = r
	}
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l.With("component", "engine")
	}
}

// WithDefaultPolicy sets the retry policy for steps whose step and activity
// configure none.
func WithDefaultPolicy(p retry.Policy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithDecider sets the decider applied to failed asynchronous completions.
func WithDecider(d *retry.Decider) Option {
	return func(e *Engine) {
		e.decider = d
	}
}

// WithDefaultTimeout sets the attempt timeout for steps whose step and
// activity configure none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.defaultTimeout = d
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithIDGenerator overrides how execution IDs are generated.
func WithIDGenerator(f func() string) Option {
	return func(e *Engine) {
		e.newID = f
	}
}

// New creates an Engine. Call Recover before accepting requests to resume
// executions left by a previous process.
func New(workflows *workflow.Registry, activities *activity.Registry, executor *activity.Executor, opts ...Option) (*Engine, error) {
	e := &Engine{
		workflows:      workflows,
		activities:     activities,
		executor:       executor,
		store:          store.NewMemoryStore(),
		sink:           events.Discard(),
		statuses:       activity.NewStatusHandler(),
		hook:           logging.PassthroughHook{},
		registry:       metrics.Discard(),
		logger:         slog.Default().With("component", "engine"),
		policy:         retry.DefaultPolicy(),
		decider:        retry.NewDecider(),
		defaultTimeout: activity.DefaultTimeout,
		storeTimeout:   DefaultStoreTimeout,
		now:            time.Now,
		newID:          uuid.NewString,
		runs:           make(map[string]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid default retry policy: %w", err)
	}
	m, err := newEngineMetrics(e.registry)
	if err != nil {
		return nil, err
	}
	e.metrics = m
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// Start persists a new execution and begins driving it. The created and
// started events are appended together, so a persisted execution is never
// pending.
func (e *Engine) Start(ctx context.Context, req StartRequest) (string, error) {
	if req.Tenant.IsZero() {
		return "", failure.Errorf(failure.KindAuthorization, "start %s: no tenant", req.WorkflowType)
	}
	if caller, ok := tenant.FromContext(ctx); ok && caller.ID != req.Tenant.ID {
		return "", failure.Errorf(failure.KindAuthorization, "start %s: caller tenant %q cannot start executions for %q",
			req.WorkflowType, caller.ID, req.Tenant.ID)
	}
	if req.WorkflowType == "" {
		return "", failure.Errorf(failure.KindValidation, "start: workflow type is required")
	}
	def, err := e.workflows.Resolve(req.WorkflowType, req.Version)
	if err != nil {
		return "", err
	}
	id := req.ID
	if id == "" {
		id = e.newID()
	}

	r := newRun(id, e.executionLogger(id, req.Tenant, def))
	r.setDefinition(def)

	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return "", ErrShutdown
	}
	if _, exists := e.runs[id]; exists {
		e.mu.Unlock()
		return "", failure.Errorf(failure.KindValidation, "execution %s already exists", id)
	}
	e.runs[id] = r
	e.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	err = e.appendLocked(r,
		execution.Created(id, def.Type, def.Version, req.Tenant, req.Input.Clone()),
		execution.Started(),
	)
	if err != nil {
		e.mu.Lock()
		delete(e.runs, id)
		e.mu.Unlock()
		if errors.Is(err, store.ErrSequenceConflict) {
			return "", failure.Wrap(failure.KindValidation, "start", fmt.Errorf("execution %s already exists: %w", id, err))
		}
		return "", err
	}
	e.metrics.active.Add(1)
	e.armTimeoutLocked(r)
	r.logger.Info("execution started", "workflow", def.String())
	e.driveLocked(r)
	return id, nil
}

// Query returns a snapshot of an execution. It works in every status and
// never changes anything.
func (e *Engine) Query(ctx context.Context, id string) (*execution.Execution, error) {
	if r := e.active(id); r != nil {
		return r.snapshot(), nil
	}
	x, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return x, nil
}

// List returns the headers of stored executions matching f.
func (e *Engine) List(ctx context.Context, f store.Filter) ([]store.Header, error) {
	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	headers, err := e.store.List(ctx, f)
	if err != nil {
		return nil, failure.Wrap(failure.KindTransient, "list executions", err)
	}
	return headers, nil
}

// Progress returns the latest status message reported by each step of a
// running execution.
func (e *Engine) Progress(id string) map[string]string {
	return e.statuses.Execution(id)
}

// Wait blocks until the execution is terminal, halts on an engine fault or
// ctx is done. A halted execution is returned together with a
// failure.KindEngineFault error.
func (e *Engine) Wait(ctx context.Context, id string) (*execution.Execution, error) {
	r, err := e.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-r.halted:
		r.mu.Lock()
		fault := r.fault
		r.mu.Unlock()
		return r.snapshot(), fault
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown stops every driver and waits for them to exit. Attempts in flight
// are abandoned without recording an outcome; Recover re-dispatches them.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.shutdown = true
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	e.cancel()
	for _, r := range runs {
		r.mu.Lock()
		r.stopTimer()
		r.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("engine stopped", "executions", len(runs))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for drivers to stop: %w", ctx.Err())
	}
}

// active returns the in-memory run for id, if any.
func (e *Engine) active(id string) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[id]
}

// acquire returns the run for id, loading it from the store when it is not in
// memory. Non-terminal executions found in the store are adopted and resumed.
func (e *Engine) acquire(ctx context.Context, id string) (*run, error) {
	if r := e.active(id); r != nil {
		return r, nil
	}
	x, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if x.Status.IsTerminal() {
		r := newRun(id, e.logger.With("execution_id", id))
		r.exec = x
		r.finish()
		return r, nil
	}
	return e.adopt(x)
}

func (e *Engine) load(ctx context.Context, id string) (*execution.Execution, error) {
	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()

	_, history, err := e.store.Load(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, failure.Wrap(failure.KindNotFound, "load execution", err)
	}
	if err != nil {
		return nil, failure.Wrap(failure.KindTransient, "load execution", err)
	}
	x, err := execution.Replay(history)
	if err != nil {
		return nil, failure.Wrap(failure.KindEngineFault, "replay execution "+id, err)
	}
	return x, nil
}

// appendLocked assigns sequence numbers to events, checks them against a
// clone of the execution, persists them and then makes them visible. r.mu
// must be held. A store failure marks the run faulted; nothing is appended to
// it afterwards.
func (e *Engine) appendLocked(r *run, evs ...execution.Event) error {
	if r.fault != nil {
		return r.fault
	}
	next := r.exec.Clone()
	now := e.now()
	for i := range evs {
		evs[i].Seq = next.LastSeq + 1
		evs[i].Time = now
		if err := next.Apply(evs[i]); err != nil {
			return failure.Wrap(failure.KindValidation, "append "+string(evs[i].Type), err)
		}
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.ctx), e.storeTimeout)
	defer cancel()
	if err := e.store.Append(ctx, store.HeaderOf(next), evs...); err != nil {
		r.halt(failure.Wrap(failure.KindEngineFault, "persist history", err))
		r.logger.Error("failed to persist history, execution halted", "error", err)
		e.metrics.faults.Inc()
		return r.fault
	}

	wasTerminal := r.exec.Status.IsTerminal()
	r.exec = next
	for _, ev := range evs {
		activityName := ""
		if ev.Step != "" {
			if rec, ok := next.Record(ev.Step); ok {
				activityName = rec.Activity
			}
		}
		e.metrics.observe(next, ev, activityName)
		if err := e.sink.Publish(ctx, events.FromEvent(next, ev)); err != nil {
			r.logger.Warn("failed to publish notification", "type", ev.Type, "error", err)
		}
	}

	if !wasTerminal && next.Status.IsTerminal() {
		e.finishLocked(r)
	}
	return nil
}

// finishLocked releases what a run holds once its execution is terminal.
func (e *Engine) finishLocked(r *run) {
	x := r.exec
	r.stopTimer()
	r.closeStop()
	r.finish()
	e.statuses.Forget(x.ID)
	e.metrics.active.Add(-1)

	attrs := []any{"status", x.Status}
	if x.Failure != nil {
		attrs = append(attrs, "failed_step", x.Failure.Step, "kind", x.Failure.Kind, "error", x.Failure.Message)
	}
	r.logger.Info("execution finished", attrs...)
	e.releaseLocked(r)
}

// releaseLocked forgets a terminal run once its driver has exited.
func (e *Engine) releaseLocked(r *run) {
	if r.driving || !r.exec.Status.IsTerminal() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runs[r.exec.ID] == r {
		delete(e.runs, r.exec.ID)
	}
}

func (e *Engine) executionLogger(id string, tc tenant.Context, def workflow.Definition) *slog.Logger {
	base := e.logger.With(
		"execution_id", id,
		"tenant_id", tc.ID,
		"workflow_type", def.Type,
		"workflow_version", def.Version,
	)
	return e.hook.LoggerFor(base, id)
}

// armTimeoutLocked schedules the workflow timeout, if the definition has one.
func (e *Engine) armTimeoutLocked(r *run) {
	if !r.hasDef || r.def.Timeout <= 0 || r.timer != nil || r.exec.StartedAt == nil {
		return
	}
	remaining := r.exec.StartedAt.Add(r.def.Timeout).Sub(e.now())
	r.timer = time.AfterFunc(max(remaining, 0), func() {
		e.expire(r)
	})
}

// expire times out an execution that exceeded its workflow timeout.
func (e *Engine) expire(r *run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exec.Status != execution.StatusRunning && r.exec.Status != execution.StatusSuspended {
		return
	}
	if err := e.appendLocked(r, execution.TimedOut()); err != nil {
		r.logger.Error("failed to time out execution", "error", err)
		return
	}
	r.logger.Warn("execution timed out", "timeout", r.def.Timeout)
}
