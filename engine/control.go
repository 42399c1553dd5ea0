package engine

import (
	"context"
	"fmt"

	"github.com/nomis52/tenantflow/execution"
	"github.com/nomis52/tenantflow/failure"
	"github.com/nomis52/tenantflow/retry"
)

// Signal delivers a named signal. It is accepted while the execution is
// running or suspended; a suspended execution waiting for this signal
// resumes. Signals nobody waits for yet are kept until a step consumes them.
func (e *Engine) Signal(ctx context.Context, id, name string, payload execution.Payload) (bool, error) {
	if name == "" {
		return false, failure.Errorf(failure.KindValidation, "signal %s: name is required", id)
	}
	r, err := e.acquire(ctx, id)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.exec.AcceptsSignals() {
		return false, nil
	}

	evs := []execution.Event{execution.SignalReceived(name, payload.Clone())}
	s := r.exec.Suspension
	if s != nil && s.Reason == execution.SuspendSignal && s.Signal == name {
		evs = append(evs, execution.Resumed())
	}
	if err := e.appendLocked(r, evs...); err != nil {
		return false, err
	}
	r.logger.Info("signal received", "signal", name)
	e.driveLocked(r)
	return true, nil
}

// Cancel finishes an execution that is not yet terminal. The attempt in flight,
// if any, is told to stop and still records its own outcome.
func (e *Engine) Cancel(ctx context.Context, id string) (bool, error) {
	r, err := e.acquire(ctx, id)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.exec.CanCancel() {
		return false, nil
	}
	if err := e.appendLocked(r, execution.Cancelled()); err != nil {
		return false, err
	}
	r.logger.Info("execution cancelled", "step", r.exec.ActiveStep())
	return true, nil
}

// Complete delivers the outcome of an activity attempt that returned
// activity.ErrResultPending. A nil cause completes the step with output;
// otherwise the step's retry policy decides between another attempt and
// failing the execution. Repeated deliveries for the same attempt are ignored.
func (e *Engine) Complete(ctx context.Context, id, step string, attempt int, output execution.Payload, cause error) error {
	r, err := e.acquire(ctx, id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	x := r.exec

	outcome := execution.StepSucceeded(step, attempt, output.Clone())
	if cause != nil {
		outcome = execution.StepFailed(step, attempt, failure.Classify(cause), cause.Error())
	}
	if x.IsDuplicate(outcome) {
		r.logger.Info("ignoring duplicate completion", "step", step, "attempt", attempt)
		return nil
	}
	rec, ok := x.Record(step)
	if !ok || rec.AttemptCount != attempt || !rec.InFlight() || rec.Status == execution.StepStatusRetrying {
		return failure.Errorf(failure.KindValidation, "complete %s: step %q attempt %d is not awaiting completion", id, step, attempt)
	}

	var evs []execution.Event
	waiting := x.Suspension != nil && x.Suspension.Reason == execution.SuspendActivity && x.Suspension.Step == step
	if waiting {
		evs = append(evs, execution.Resumed())
	}

	switch {
	case cause == nil || x.Status.IsTerminal():
		evs = append(evs, outcome)
	default:
		kind := failure.Classify(cause)
		decision, err := e.decide(r, step, attempt, kind)
		if err != nil {
			return err
		}
		if decision.Retry {
			evs = append(evs, execution.StepRetrying(step, attempt, kind, cause.Error(), e.now().Add(decision.After)))
		} else {
			evs = append(evs, outcome, execution.Failed(execution.Failure{
				Step:     step,
				Kind:     kind,
				Message:  cause.Error(),
				Attempts: attempt,
			}))
		}
	}

	if err := e.appendLocked(r, evs...); err != nil {
		return err
	}
	r.logger.Info("asynchronous completion delivered", "step", step, "attempt", attempt, "error", cause)
	if waiting {
		e.driveLocked(r)
	}
	return nil
}

func (e *Engine) decide(r *run, stepName string, attempt int, kind failure.Kind) (retry.Decision, error) {
	if !r.hasDef {
		return retry.Decision{}, failure.Errorf(failure.KindVersionConflict,
			"workflow %s v%d is not deployed", r.exec.WorkflowType, r.exec.Version)
	}
	for _, s := range r.def.Steps {
		if s.Name == stepName {
			policy, _ := e.stepSettings(s)
			return e.decider.Decide(kind, attempt, policy), nil
		}
	}
	return retry.Decision{}, fmt.Errorf("step %q is not part of %s", stepName, r.def)
}
