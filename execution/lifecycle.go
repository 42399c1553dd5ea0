package execution

import (
	"context"
	"errors"
	"fmt"

	"github.com/qmuntal/stateless"
)

// ErrInvalidTransition is returned when an event is not permitted in the
// execution's current state.
var ErrInvalidTransition = errors.New("invalid transition")

type trigger string

const (
	triggerStart    trigger = "start"
	triggerSuspend  trigger = "suspend"
	triggerResume   trigger = "resume"
	triggerComplete trigger = "complete"
	triggerFail     trigger = "fail"
	triggerCancel   trigger = "cancel"
	triggerTimeout  trigger = "timeout"
)

// lifecycle binds the status state machine to x. Terminal states permit no
// triggers, so any attempt to leave them fails.
func lifecycle(x *Execution) *stateless.StateMachine {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) {
			return x.Status, nil
		},
		func(_ context.Context, s stateless.State) error {
			x.Status = s.(Status)
			return nil
		},
		stateless.FiringImmediate,
	)

	sm.Configure(StatusPending).
		Permit(triggerStart, StatusRunning).
		Permit(triggerCancel, StatusCancelled).
		Permit(triggerFail, StatusFailed)

	sm.Configure(StatusRunning).
		Permit(triggerSuspend, StatusSuspended).
		Permit(triggerComplete, StatusCompleted).
		Permit(triggerFail, StatusFailed).
		Permit(triggerCancel, StatusCancelled).
		Permit(triggerTimeout, StatusTimedOut)

	sm.Configure(StatusSuspended).
		Permit(triggerResume, StatusRunning).
		Permit(triggerFail, StatusFailed).
		Permit(triggerCancel, StatusCancelled).
		Permit(triggerTimeout, StatusTimedOut)

	return sm
}

func (x *Execution) fire(t trigger) error {
	if err := lifecycle(x).Fire(t); err != nil {
		return fmt.Errorf("%w: cannot %s a %s execution", ErrInvalidTransition, t, x.Status)
	}
	return nil
}

// CanCancel reports whether Cancel is permitted in the current status.
func (x *Execution) CanCancel() bool {
	return x.permits(triggerCancel)
}

// AcceptsSignals reports whether signals may be delivered in the current status.
func (x *Execution) AcceptsSignals() bool {
	return x.Status == StatusRunning || x.Status == StatusSuspended
}

func (x *Execution) permits(t trigger) bool {
	ok, err := lifecycle(x).CanFire(t)
	return err == nil && ok
}
