package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/nomis52/tenantflow/client"
	"github.com/nomis52/tenantflow/execution"
	"github.com/nomis52/tenantflow/store"
	"github.com/nomis52/tenantflow/tenant"
)

const maxListLimit = 500

// StartRequest is the request body for POST /api/v1/executions.
type StartRequest struct {
	WorkflowType string `json:"workflow_type"`
	Version      int    `json:"version,omitempty"`
	// TenantID is optional and must name the caller's tenant when set.
	TenantID string            `json:"tenant_id,omitempty"`
	Input    execution.Payload `json:"input,omitempty"`
	// Wait, when set, holds the response until the execution finishes or the
	// duration passes, e.g. "30s".
	Wait string `json:"wait,omitempty"`
}

// StartResponse is the response to a started execution.
type StartResponse struct {
	ExecutionID string             `json:"execution_id"`
	Status      execution.Status   `json:"status,omitempty"`
	Result      execution.Payload  `json:"result,omitempty"`
	Failure     *execution.Failure `json:"failure,omitempty"`
}

// StartHandler starts executions for the caller's tenant.
type StartHandler struct {
	executions Executions
	logger     *slog.Logger
}

// NewStartHandler creates a new StartHandler.
func NewStartHandler(logger *slog.Logger, executions Executions) *StartHandler {
	return &StartHandler{executions: executions, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *StartHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := decodeBody(w, r, &req); err != nil {
		badRequest(w, "invalid JSON: %v", err)
		return
	}
	if req.WorkflowType == "" {
		badRequest(w, "workflow_type is required")
		return
	}
	var wait time.Duration
	if req.Wait != "" {
		d, err := time.ParseDuration(req.Wait)
		if err != nil || d < 0 {
			badRequest(w, "invalid wait %q", req.Wait)
			return
		}
		wait = d
	}

	tc := callerTenant(r)
	if req.TenantID != "" && req.TenantID != tc.ID {
		tc = tenant.New(req.TenantID)
	}
	id, err := h.executions.SubmitVersion(r.Context(), req.WorkflowType, req.Version, tc, req.Input)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.Header().Set("Location", "/api/v1/executions/"+id)
	if wait == 0 {
		writeJSON(w, http.StatusAccepted, StartResponse{ExecutionID: id})
		return
	}

	out, err := h.executions.AwaitResult(r.Context(), id, wait)
	if errors.Is(err, client.ErrAwaitTimedOut) {
		writeJSON(w, http.StatusAccepted, StartResponse{ExecutionID: id})
		return
	}
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, StartResponse{
		ExecutionID: id,
		Status:      out.Status,
		Result:      out.Result,
		Failure:     out.Failure,
	})
}

// ExecutionResponse is an execution snapshot with the live status lines of
// its running steps.
type ExecutionResponse struct {
	*execution.Execution
	Progress map[string]string `json:"progress,omitempty"`
}

// GetHandler returns one execution.
type GetHandler struct {
	executions Executions
	progress   ProgressProvider
	logger     *slog.Logger
}

// NewGetHandler creates a new GetHandler. progress may be nil.
func NewGetHandler(logger *slog.Logger, executions Executions, progress ProgressProvider) *GetHandler {
	return &GetHandler{executions: executions, progress: progress, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *GetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	x, err := h.executions.Describe(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	resp := ExecutionResponse{Execution: x}
	if h.progress != nil && !x.Status.IsTerminal() {
		resp.Progress = h.progress.Progress(x.ID)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListResponse is the response for GET /api/v1/executions.
type ListResponse struct {
	Executions []store.Header `json:"executions"`
}

// ListHandler lists the caller's executions. Query parameters:
//   - workflow_type: only this type
//   - status: comma separated statuses
//   - active: "true" for unfinished executions only
//   - limit: at most this many, newest first
type ListHandler struct {
	executions Executions
	logger     *slog.Logger
}

// NewListHandler creates a new ListHandler.
func NewListHandler(logger *slog.Logger, executions Executions) *ListHandler {
	return &ListHandler{executions: executions, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *ListHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{WorkflowType: q.Get("workflow_type"), Limit: maxListLimit}

	if s := q.Get("status"); s != "" {
		for _, name := range strings.Split(s, ",") {
			status := execution.Status(strings.TrimSpace(name))
			if !slices.Contains(execution.Statuses(), status) {
				badRequest(w, "unknown status %q", name)
				return
			}
			f.Statuses = append(f.Statuses, status)
		}
	}
	if a := q.Get("active"); a != "" {
		active, err := strconv.ParseBool(a)
		if err != nil {
			badRequest(w, "invalid active %q", a)
			return
		}
		f.NonTerminal = active
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			badRequest(w, "invalid limit %q", l)
			return
		}
		f.Limit = min(n, maxListLimit)
	}

	headers, err := h.executions.List(r.Context(), f)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if headers == nil {
		headers = []store.Header{}
	}
	writeJSON(w, http.StatusOK, ListResponse{Executions: headers})
}

// ResultHandler waits for an execution to finish. The timeout query
// parameter bounds the wait; the response is 202 with the current status when
// it passes first.
type ResultHandler struct {
	executions Executions
	logger     *slog.Logger
	maxWait    time.Duration
}

// NewResultHandler creates a new ResultHandler. maxWait caps the timeout a
// caller may ask for.
func NewResultHandler(logger *slog.Logger, executions Executions, maxWait time.Duration) *ResultHandler {
	return &ResultHandler{executions: executions, logger: logger, maxWait: maxWait}
}

// ServeHTTP implements http.Handler.
func (h *ResultHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	timeout := h.maxWait
	if t := r.URL.Query().Get("timeout"); t != "" {
		d, err := time.ParseDuration(t)
		if err != nil || d <= 0 {
			badRequest(w, "invalid timeout %q", t)
			return
		}
		timeout = min(d, h.maxWait)
	}

	out, err := h.executions.AwaitResult(r.Context(), id, timeout)
	if errors.Is(err, client.ErrAwaitTimedOut) {
		x, err := h.executions.Describe(r.Context(), id)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		writeJSON(w, http.StatusAccepted, StartResponse{ExecutionID: id, Status: x.Status})
		return
	}
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, StartResponse{
		ExecutionID: out.ExecutionID,
		Status:      out.Status,
		Result:      out.Result,
		Failure:     out.Failure,
	})
}
