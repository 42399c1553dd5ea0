package handlers

import (
	"log/slog"
	"net/http"

	"github.com/nomis52/tenantflow/execution"
	"github.com/nomis52/tenantflow/failure"
)

// SignalRequest is the request body for POST /api/v1/executions/{id}/signal.
type SignalRequest struct {
	Name    string            `json:"name"`
	Payload execution.Payload `json:"payload,omitempty"`
}

// AcceptedResponse reports whether a control request changed the execution.
type AcceptedResponse struct {
	Accepted bool `json:"accepted"`
}

// SignalHandler delivers signals to executions.
type SignalHandler struct {
	executions Executions
	logger     *slog.Logger
}

// NewSignalHandler creates a new SignalHandler.
func NewSignalHandler(logger *slog.Logger, executions Executions) *SignalHandler {
	return &SignalHandler{executions: executions, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *SignalHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req SignalRequest
	if err := decodeBody(w, r, &req); err != nil {
		badRequest(w, "invalid JSON: %v", err)
		return
	}
	if req.Name == "" {
		badRequest(w, "name is required")
		return
	}
	accepted, err := h.executions.Signal(r.Context(), r.PathValue("id"), req.Name, req.Payload)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, AcceptedResponse{Accepted: accepted})
}

// CancelHandler cancels executions.
type CancelHandler struct {
	executions Executions
	logger     *slog.Logger
}

// NewCancelHandler creates a new CancelHandler.
func NewCancelHandler(logger *slog.Logger, executions Executions) *CancelHandler {
	return &CancelHandler{executions: executions, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *CancelHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	accepted, err := h.executions.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, AcceptedResponse{Accepted: accepted})
}

// CompleteRequest is the request body for POST /api/v1/executions/{id}/complete.
// Exactly one of Output and Error describes the outcome; a missing Error
// completes the step.
type CompleteRequest struct {
	Step    string            `json:"step"`
	Attempt int               `json:"attempt"`
	Output  execution.Payload `json:"output,omitempty"`
	Error   *CompletionError  `json:"error,omitempty"`
}

// CompletionError is a failed asynchronous activity outcome.
type CompletionError struct {
	// Kind is a failure kind name such as "transient". Unknown kinds are
	// treated as transient.
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

func (e *CompletionError) cause() error {
	kind, err := failure.ParseKind(e.Kind)
	if err != nil || kind == failure.KindUnknown {
		kind = failure.KindTransient
	}
	msg := e.Message
	if msg == "" {
		msg = "activity failed"
	}
	return failure.Errorf(kind, "%s", msg)
}

// CompleteHandler delivers asynchronous activity outcomes.
type CompleteHandler struct {
	executions Executions
	logger     *slog.Logger
}

// NewCompleteHandler creates a new CompleteHandler.
func NewCompleteHandler(logger *slog.Logger, executions Executions) *CompleteHandler {
	return &CompleteHandler{executions: executions, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *CompleteHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := decodeBody(w, r, &req); err != nil {
		badRequest(w, "invalid JSON: %v", err)
		return
	}
	if req.Step == "" || req.Attempt < 1 {
		badRequest(w, "step and a positive attempt are required")
		return
	}
	var cause error
	if req.Error != nil {
		cause = req.Error.cause()
	}
	if err := h.executions.Complete(r.Context(), r.PathValue("id"), req.Step, req.Attempt, req.Output, cause); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
