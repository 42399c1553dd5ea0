package handlers

import (
	"log/slog"
	"net/http"

	"github.com/nomis52/tenantflow/logging"
)

// LogsResponse is the response for GET /api/v1/executions/{id}/logs.
type LogsResponse struct {
	ExecutionID string             `json:"execution_id"`
	Logs        []logging.LogEntry `json:"logs"`
	// Dropped counts the oldest entries discarded to bound memory.
	Dropped int `json:"dropped,omitempty"`
}

// LogsHandler returns the logs captured while an execution ran. Logs are
// kept in memory, so executions that finished before the last restart have
// none.
type LogsHandler struct {
	executions Executions
	logs       LogProvider
	logger     *slog.Logger
}

// NewLogsHandler creates a new LogsHandler.
func NewLogsHandler(logger *slog.Logger, executions Executions, logs LogProvider) *LogsHandler {
	return &LogsHandler{executions: executions, logs: logs, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *LogsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	// Describe enforces tenant ownership.
	if _, err := h.executions.Describe(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	entries := h.logs.GetLogs(id)
	if entries == nil {
		entries = []logging.LogEntry{}
	}
	writeJSON(w, http.StatusOK, LogsResponse{
		ExecutionID: id,
		Logs:        entries,
		Dropped:     h.logs.Dropped(id),
	})
}
