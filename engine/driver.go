package engine

import (
	"time"

	"github.com/nomis52/tenantflow/activity"
	"github.com/nomis52/tenantflow/execution"
	"github.com/nomis52/tenantflow/failure"
	"github.com/nomis52/tenantflow/retry"
	"github.com/nomis52/tenantflow/tenant"
	"github.com/nomis52/tenantflow/workflow"
)

// driveLocked starts the driver goroutine unless one is already running.
func (e *Engine) driveLocked(r *run) {
	if r.driving || r.fault != nil {
		return
	}
	if e.ctx.Err() != nil {
		return
	}
	r.driving = true
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.drive(r)
	}()
}

// drive advances the execution until it suspends, finishes or halts.
func (e *Engine) drive(r *run) {
	r.mu.Lock()
	defer func() {
		r.driving = false
		e.releaseLocked(r)
		r.mu.Unlock()
	}()

	for {
		if r.fault != nil || r.exec.Status != execution.StatusRunning || e.ctx.Err() != nil {
			return
		}
		if !r.hasDef && !e.resolveLocked(r) {
			return
		}

		x := r.exec
		if x.CurrentStep >= len(r.def.Steps) {
			if err := e.appendLocked(r, execution.Completed(aggregate(x))); err != nil {
				r.logger.Error("failed to complete execution", "error", err)
			}
			return
		}

		index := x.CurrentStep
		step := r.def.Steps[index]
		rec, seen := x.Record(step.Name)

		if seen && rec.Status == execution.StepStatusFailed {
			// The step failure was persisted but the execution failure was not.
			e.failLocked(r, step.Name, rec.LastErrorKind, rec.LastError, rec.AttemptCount)
			return
		}
		if !seen && step.When != nil && !step.When(x.Clone().Outputs) {
			if err := e.appendLocked(r, execution.StepSkipped(step.Name, index)); err != nil {
				return
			}
			r.logger.Info("skipped step", "step", step.Name)
			continue
		}
		if step.AwaitSignal != "" {
			if !e.awaitSignalLocked(r, step, index) {
				return
			}
			continue
		}

		inv, policy := e.invocation(r, step, index)
		rec2 := &stepRecorder{engine: e, run: r, step: step, index: index}
		ctx := tenant.WithContext(e.ctx, x.Tenant)

		r.mu.Unlock()
		res := e.executor.Execute(ctx, inv, policy, rec2)
		r.mu.Lock()

		if !e.handleResultLocked(r, step, res) {
			return
		}
	}
}

// handleResultLocked acts on how a step ended. It returns true when the driver
// should carry on with the next step.
func (e *Engine) handleResultLocked(r *run, step workflow.Step, res activity.Result) bool {
	if r.fault != nil {
		return false
	}
	if r.exec.Status.IsTerminal() {
		return false
	}

	switch res.Outcome {
	case activity.Succeeded:
		return true

	case activity.Failed:
		e.failLocked(r, step.Name, res.Kind, errorMessage(res.Err), res.Attempts)
		return false

	case activity.Pending:
		// The completion may already have been delivered.
		if rec, ok := r.exec.Record(step.Name); ok && rec.AttemptCount == res.Attempts {
			switch rec.Status {
			case execution.StepStatusSucceeded, execution.StepStatusRetrying:
				return true
			case execution.StepStatusFailed:
				e.failLocked(r, step.Name, rec.LastErrorKind, rec.LastError, rec.AttemptCount)
				return false
			}
		}
		err := e.appendLocked(r, execution.Suspended(execution.Suspension{
			Reason:  execution.SuspendActivity,
			Step:    step.Name,
			Attempt: res.Attempts,
		}))
		if err == nil {
			r.logger.Info("waiting for asynchronous completion", "step", step.Name, "attempt", res.Attempts)
		}
		return false

	case activity.Fault:
		if r.halt(res.Err) {
			e.metrics.faults.Inc()
		}
		r.logger.Error("execution halted", "step", step.Name, "error", res.Err)
		return false
	}

	// Stopped and Interrupted leave the history as it is.
	return false
}

func (e *Engine) failLocked(r *run, step string, kind failure.Kind, msg string, attempts int) {
	err := e.appendLocked(r, execution.Failed(execution.Failure{
		Step:     step,
		Kind:     kind,
		Message:  msg,
		Attempts: attempts,
	}))
	if err != nil {
		r.logger.Error("failed to record execution failure", "step", step, "error", err)
	}
}

// awaitSignalLocked runs a signal step. It returns true when the signal was
// consumed and the driver can continue.
func (e *Engine) awaitSignalLocked(r *run, step workflow.Step, index int) bool {
	x := r.exec
	attempt := 1
	if rec, ok := x.Record(step.Name); ok {
		attempt = rec.AttemptCount
	} else {
		key := activity.IdempotencyKey(x.ID, step.Name)
		if err := e.appendLocked(r, execution.StepScheduled(step.Name, index, "", 1, key)); err != nil {
			return false
		}
	}

	sig, ok := r.exec.PendingSignal(step.AwaitSignal)
	if !ok {
		err := e.appendLocked(r, execution.Suspended(execution.Suspension{
			Reason: execution.SuspendSignal,
			Step:   step.Name,
			Signal: step.AwaitSignal,
		}))
		if err == nil {
			r.logger.Info("waiting for signal", "step", step.Name, "signal", step.AwaitSignal)
		}
		return false
	}

	err := e.appendLocked(r,
		execution.SignalConsumed(sig.Name, step.Name),
		execution.StepSucceeded(step.Name, attempt, sig.Payload.Clone()),
	)
	if err != nil {
		return false
	}
	r.logger.Info("consumed signal", "step", step.Name, "signal", sig.Name)
	return true
}

// resolveLocked loads the pinned definition of the execution. When it is not
// deployed, or no longer matches the history, the execution is suspended until
// Deploy resumes it.
func (e *Engine) resolveLocked(r *run) bool {
	x := r.exec
	def, err := e.workflows.Resolve(x.WorkflowType, x.Version)
	if err == nil && workflow.SupportsHistory(def, x.ExecutedSteps()) {
		r.setDefinition(def)
		e.armTimeoutLocked(r)
		return true
	}
	msg := "workflow version is not deployed"
	if err == nil {
		msg = "deployed workflow version does not match the execution history"
	}
	err = e.appendLocked(r, execution.Suspended(execution.Suspension{
		Reason:  execution.SuspendVersionConflict,
		Message: msg,
	}))
	if err == nil {
		r.logger.Warn("execution suspended on version conflict", "version", x.Version, "reason", msg)
	}
	return false
}

// invocation builds the invocation for the next attempt of step, resuming
// from its record when one exists.
func (e *Engine) invocation(r *run, step workflow.Step, index int) (activity.Invocation, retry.Policy) {
	x := r.exec
	policy, timeout := e.stepSettings(step)

	attempt := 1
	var notBefore time.Time
	if rec, ok := x.Record(step.Name); ok {
		switch rec.Status {
		case execution.StepStatusRetrying:
			attempt = rec.AttemptCount + 1
			if rec.RetryAt != nil {
				notBefore = *rec.RetryAt
			}
		case execution.StepStatusScheduled, execution.StepStatusRunning:
			attempt = rec.AttemptCount
		}
	}

	logger := r.logger.With("step", step.Name)
	return activity.Invocation{
		ExecutionID:    x.ID,
		Step:           step.Name,
		Activity:       step.Activity,
		Tenant:         x.Tenant,
		Input:          stepInput(x),
		Timeout:        timeout,
		Attempt:        attempt,
		IdempotencyKey: activity.IdempotencyKey(x.ID, step.Name),
		NotBefore:      notBefore,
		Stop:           r.stop,
		Logger:         r.logger,
		Status:         activity.NewStatusLine(x.ID, step.Name, logger, e.statuses),
	}, policy
}

// stepSettings resolves the retry policy and attempt timeout of a step: the
// step's own settings win over the activity's, which win over the engine
// defaults.
func (e *Engine) stepSettings(step workflow.Step) (retry.Policy, time.Duration) {
	policy := e.policy
	timeout := e.defaultTimeout
	if b, ok := e.activities.Lookup(step.Activity); ok {
		if b.Policy != nil {
			policy = *b.Policy
		}
		if b.Timeout > 0 {
			timeout = b.Timeout
		}
	}
	if step.Policy != nil {
		policy = *step.Policy
	}
	if step.Timeout > 0 {
		timeout = step.Timeout
	}
	return policy, timeout
}

// stepInput is the execution input merged with the outputs of earlier steps
// under their step names.
func stepInput(x *execution.Execution) execution.Payload {
	in := x.Input.Clone()
	if in == nil {
		in = execution.Payload{}
	}
	if len(x.Outputs) > 0 {
		steps := make(map[string]any, len(x.Outputs))
		for name, out := range x.Outputs {
			steps[name] = map[string]any(out.Clone())
		}
		in["steps"] = steps
	}
	return in
}

// aggregate is the result of a completed execution: every step output keyed
// by step name.
func aggregate(x *execution.Execution) execution.Payload {
	result := make(execution.Payload, len(x.Outputs))
	for name, out := range x.Outputs {
		result[name] = map[string]any(out.Clone())
	}
	return result
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// stepRecorder appends the attempt lifecycle of one step to its execution.
type stepRecorder struct {
	engine *Engine
	run    *run
	step   workflow.Step
	index  int
}

func (s *stepRecorder) append(ev execution.Event) error {
	s.run.mu.Lock()
	defer s.run.mu.Unlock()
	return s.engine.appendLocked(s.run, ev)
}

func (s *stepRecorder) Scheduled(attempt int, key string) error {
	return s.append(execution.StepScheduled(s.step.Name, s.index, s.step.Activity, attempt, key))
}

func (s *stepRecorder) Started(attempt int) error {
	return s.append(execution.StepStarted(s.step.Name, attempt))
}

func (s *stepRecorder) Succeeded(attempt int, out execution.Payload) error {
	return s.append(execution.StepSucceeded(s.step.Name, attempt, out))
}

func (s *stepRecorder) Failed(attempt int, kind failure.Kind, err error) error {
	return s.append(execution.StepFailed(s.step.Name, attempt, kind, errorMessage(err)))
}

// Retrying records the retry, or the failure of the step when the execution
// finished while the attempt was running.
func (s *stepRecorder) Retrying(attempt int, kind failure.Kind, err error, retryAt time.Time) error {
	s.run.mu.Lock()
	defer s.run.mu.Unlock()
	if s.run.exec.Status.IsTerminal() {
		if aerr := s.engine.appendLocked(s.run, execution.StepFailed(s.step.Name, attempt, kind, errorMessage(err))); aerr != nil {
			return aerr
		}
		return activity.ErrStopped
	}
	return s.engine.appendLocked(s.run, execution.StepRetrying(s.step.Name, attempt, kind, errorMessage(err), retryAt))
}

var _ activity.Recorder = (*stepRecorder)(nil)
