package handlers

import (
	"net/http"

	"github.com/nomis52/tenantflow/workflow"
)

// WorkflowsResponse is the JSON response for /api/v1/workflows.
type WorkflowsResponse struct {
	Workflows []workflow.Summary `json:"workflows"`
}

// WorkflowsHandler lists the deployed workflow types and their versions.
type WorkflowsHandler struct {
	catalog CatalogProvider
}

// NewWorkflowsHandler creates a new WorkflowsHandler.
func NewWorkflowsHandler(catalog CatalogProvider) *WorkflowsHandler {
	return &WorkflowsHandler{catalog: catalog}
}

// ServeHTTP implements http.Handler.
func (h *WorkflowsHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	summaries := h.catalog.Catalog()
	if summaries == nil {
		summaries = []workflow.Summary{}
	}
	writeJSON(w, http.StatusOK, WorkflowsResponse{Workflows: summaries})
}
