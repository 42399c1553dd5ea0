package activity

import (
	"log/slog"

	"github.com/nomis52/tenantflow/execution"
)

// StatusLine is bound to one step of one execution. Activities call Set to
// report what they are doing.
type StatusLine struct {
	logger      *slog.Logger
	handler     *StatusHandler
	executionID string
	step        string
}

// NewStatusLine creates a status line. The handler is optional; without one,
// status updates are only logged.
func NewStatusLine(executionID, step string, logger *slog.Logger, handler *StatusHandler) *StatusLine {
	return &StatusLine{
		logger:      logger,
		handler:     handler,
		executionID: executionID,
		step:        step,
	}
}

// Set logs status and stores it in the handler. A nil StatusLine is a no-op.
func (sl *StatusLine) Set(status string) {
	if sl == nil {
		return
	}
	if sl.logger != nil {
		sl.logger.Info(status, "status", true)
	}
	if sl.handler != nil {
		sl.handler.Set(sl.executionID, sl.step, status)
	}
}

// CaptureError runs f and, when it fails, sets the error as the step status.
//
//	return activity.CaptureError(inv.Status, func() (execution.Payload, error) {
//	    inv.Status.Set("provisioning schema")
//	    return provision(ctx)
//	})
func CaptureError(sl *StatusLine, f func() (execution.Payload, error)) (execution.Payload, error) {
	out, err := f()
	if err != nil {
		sl.Set("failed: " + err.Error())
	}
	return out, err
}
