package execution

import (
	"errors"
	"fmt"
	"time"

	"github.com/nomis52/tenantflow/failure"
)

var (
	// ErrSequence is returned when an event does not directly follow the last
	// applied event.
	ErrSequence = errors.New("event out of sequence")
	// ErrInvalidEvent is returned for events that are malformed or refer to
	// steps in the wrong state.
	ErrInvalidEvent = errors.New("invalid event")
)

// Replay rebuilds an execution from its persisted history.
func Replay(events []Event) (*Execution, error) {
	x := &Execution{}
	for _, e := range events {
		if err := x.Apply(e); err != nil {
			return nil, err
		}
	}
	if x.LastSeq == 0 {
		return nil, fmt.Errorf("%w: empty history", ErrInvalidEvent)
	}
	return x, nil
}

// Apply folds one event into x. Events must arrive in sequence order. When
// Apply fails x may be partially updated, so callers apply to a Clone.
func (x *Execution) Apply(e Event) error {
	if e.Seq != x.LastSeq+1 {
		return fmt.Errorf("%w: got seq %d, want %d", ErrSequence, e.Seq, x.LastSeq+1)
	}
	if (x.LastSeq == 0) != (e.Type == EventCreated) {
		return fmt.Errorf("%w: history must begin with exactly one %s event", ErrInvalidEvent, EventCreated)
	}
	if err := x.apply(e); err != nil {
		return fmt.Errorf("applying %s (seq %d): %w", e.Type, e.Seq, err)
	}
	x.LastSeq = e.Seq
	x.UpdatedAt = e.Time
	return nil
}

func (x *Execution) apply(e Event) error {
	t := e.Time
	switch e.Type {
	case EventCreated:
		if e.ExecutionID == "" || e.WorkflowType == "" || e.Tenant == nil || e.Tenant.IsZero() {
			return fmt.Errorf("%w: created event needs an id, workflow type and tenant", ErrInvalidEvent)
		}
		*x = Execution{
			ID:           e.ExecutionID,
			WorkflowType: e.WorkflowType,
			Version:      e.Version,
			Tenant:       *e.Tenant,
			Status:       StatusPending,
			Input:        e.Payload.Clone(),
			CreatedAt:    t,
			History:      []StepRecord{},
			Outputs:      make(map[string]Payload),
		}
		return nil

	case EventStarted:
		if err := x.fire(triggerStart); err != nil {
			return err
		}
		x.StartedAt = &t
		return nil

	case EventStepScheduled:
		return x.applyScheduled(e)

	case EventStepStarted:
		rec, err := x.attemptRecord(e)
		if err != nil {
			return err
		}
		if rec.Status != StepStatusScheduled {
			return fmt.Errorf("%w: step %q is %s, not scheduled", ErrInvalidEvent, e.Step, rec.Status)
		}
		rec.Status = StepStatusRunning
		rec.StartedAt = &t
		return nil

	case EventStepSucceeded:
		rec, err := x.outcomeRecord(e)
		if err != nil {
			return err
		}
		rec.Status = StepStatusSucceeded
		rec.Output = e.Payload.Clone()
		rec.CompletedAt = &t
		rec.RetryAt = nil
		if !x.Status.IsTerminal() {
			x.Outputs[rec.StepName] = e.Payload.Clone()
			x.CurrentStep = rec.Index + 1
		}
		return nil

	case EventStepFailed:
		rec, err := x.outcomeRecord(e)
		if err != nil {
			return err
		}
		rec.Status = StepStatusFailed
		rec.LastError = e.Error
		rec.LastErrorKind = e.ErrorKind
		rec.CompletedAt = &t
		rec.RetryAt = nil
		return nil

	case EventStepRetrying:
		if x.Status != StatusRunning {
			return fmt.Errorf("%w: cannot retry a step of a %s execution", ErrInvalidEvent, x.Status)
		}
		rec, err := x.attemptRecord(e)
		if err != nil {
			return err
		}
		if rec.Status != StepStatusScheduled && rec.Status != StepStatusRunning {
			return fmt.Errorf("%w: step %q is %s", ErrInvalidEvent, e.Step, rec.Status)
		}
		rec.Status = StepStatusRetrying
		rec.LastError = e.Error
		rec.LastErrorKind = e.ErrorKind
		rec.RetryAt = e.RetryAt
		return nil

	case EventStepSkipped:
		if x.Status != StatusRunning {
			return fmt.Errorf("%w: cannot skip a step of a %s execution", ErrInvalidEvent, x.Status)
		}
		if _, ok := x.Record(e.Step); ok {
			return fmt.Errorf("%w: step %q already has a record", ErrInvalidEvent, e.Step)
		}
		x.History = append(x.History, StepRecord{
			StepName:    e.Step,
			Index:       e.Index,
			Status:      StepStatusSkipped,
			ScheduledAt: t,
			CompletedAt: &t,
		})
		x.CurrentStep = e.Index + 1
		return nil

	case EventSignalReceived:
		if !x.AcceptsSignals() {
			return fmt.Errorf("%w: %s execution does not accept signals", ErrInvalidEvent, x.Status)
		}
		if e.Signal == "" {
			return fmt.Errorf("%w: signal needs a name", ErrInvalidEvent)
		}
		x.Signals = append(x.Signals, Signal{Name: e.Signal, Payload: e.Payload.Clone(), ReceivedAt: t})
		return nil

	case EventSignalConsumed:
		if x.Status != StatusRunning {
			return fmt.Errorf("%w: cannot consume a signal in a %s execution", ErrInvalidEvent, x.Status)
		}
		for i := range x.Signals {
			if x.Signals[i].Name == e.Signal && !x.Signals[i].Consumed {
				x.Signals[i].Consumed = true
				return nil
			}
		}
		return fmt.Errorf("%w: no pending %q signal", ErrInvalidEvent, e.Signal)

	case EventSuspended:
		if err := x.fire(triggerSuspend); err != nil {
			return err
		}
		x.Suspension = &Suspension{Reason: e.Reason, Step: e.Step, Signal: e.Signal, Attempt: e.Attempt, Message: e.Error}
		return nil

	case EventResumed:
		if err := x.fire(triggerResume); err != nil {
			return err
		}
		x.Suspension = nil
		return nil

	case EventCompleted:
		if err := x.fire(triggerComplete); err != nil {
			return err
		}
		x.Result = e.Payload.Clone()
		x.finish(t)
		return nil

	case EventFailed:
		if err := x.fire(triggerFail); err != nil {
			return err
		}
		x.Failure = &Failure{Step: e.Step, Kind: e.ErrorKind, Message: e.Error, Attempts: e.Attempt}
		x.finish(t)
		return nil

	case EventCancelled:
		if err := x.fire(triggerCancel); err != nil {
			return err
		}
		x.finish(t)
		return nil

	case EventTimedOut:
		if err := x.fire(triggerTimeout); err != nil {
			return err
		}
		x.Failure = &Failure{Step: x.ActiveStep(), Kind: failure.KindTimeout, Message: "workflow timeout exceeded"}
		x.finish(t)
		return nil
	}

	return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, e.Type)
}

func (x *Execution) finish(t time.Time) {
	x.CompletedAt = &t
	x.Suspension = nil
}

func (x *Execution) applyScheduled(e Event) error {
	if x.Status != StatusRunning {
		return fmt.Errorf("%w: cannot schedule a step of a %s execution", ErrInvalidEvent, x.Status)
	}
	if e.Step == "" || e.Attempt < 1 {
		return fmt.Errorf("%w: scheduled event needs a step and attempt", ErrInvalidEvent)
	}
	t := e.Time
	rec, ok := x.Record(e.Step)
	if !ok {
		if e.Attempt != 1 {
			return fmt.Errorf("%w: first attempt of %q must be 1, got %d", ErrInvalidEvent, e.Step, e.Attempt)
		}
		x.History = append(x.History, StepRecord{
			StepName:       e.Step,
			Activity:       e.Activity,
			Index:          e.Index,
			AttemptCount:   1,
			Status:         StepStatusScheduled,
			IdempotencyKey: e.IdempotencyKey,
			ScheduledAt:    t,
		})
		x.CurrentStep = e.Index
		return nil
	}

	switch {
	case rec.Status == StepStatusRetrying && e.Attempt == rec.AttemptCount+1:
	case (rec.Status == StepStatusScheduled || rec.Status == StepStatusRunning) && e.Attempt == rec.AttemptCount:
		// An attempt interrupted by a restart is dispatched again.
	default:
		return fmt.Errorf("%w: cannot schedule attempt %d of %q (%s, attempt %d)",
			ErrInvalidEvent, e.Attempt, e.Step, rec.Status, rec.AttemptCount)
	}
	rec.AttemptCount = e.Attempt
	rec.Status = StepStatusScheduled
	rec.ScheduledAt = t
	rec.StartedAt = nil
	rec.RetryAt = nil
	return nil
}

// attemptRecord returns the record for e's step, checking e refers to its
// current attempt.
func (x *Execution) attemptRecord(e Event) (*StepRecord, error) {
	rec, ok := x.Record(e.Step)
	if !ok {
		return nil, fmt.Errorf("%w: step %q was never scheduled", ErrInvalidEvent, e.Step)
	}
	if rec.AttemptCount != e.Attempt {
		return nil, fmt.Errorf("%w: step %q is on attempt %d, event is for attempt %d",
			ErrInvalidEvent, e.Step, rec.AttemptCount, e.Attempt)
	}
	return rec, nil
}

// outcomeRecord validates a step outcome. Outcomes are accepted after the
// execution becomes terminal so that an attempt which was in flight at
// cancellation still records how it ended.
func (x *Execution) outcomeRecord(e Event) (*StepRecord, error) {
	if x.Status == StatusPending {
		return nil, fmt.Errorf("%w: execution has not started", ErrInvalidEvent)
	}
	rec, err := x.attemptRecord(e)
	if err != nil {
		return nil, err
	}
	if !rec.InFlight() {
		return nil, fmt.Errorf("%w: step %q already %s", ErrInvalidEvent, e.Step, rec.Status)
	}
	return rec, nil
}

// IsDuplicate reports whether e repeats a step outcome that was already
// recorded, such as a second completion callback for the same attempt.
func (x *Execution) IsDuplicate(e Event) bool {
	if e.Type != EventStepSucceeded && e.Type != EventStepFailed {
		return false
	}
	rec, ok := x.Record(e.Step)
	if !ok {
		return false
	}
	if e.Attempt < rec.AttemptCount {
		return true
	}
	return e.Attempt == rec.AttemptCount && rec.Status.IsTerminal()
}
