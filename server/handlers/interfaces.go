// Package handlers provides HTTP handlers for the tenantflow server.
//
// Each handler is in its own file and implements http.Handler. Handlers use
// interfaces to access server dependencies, avoiding circular imports. Every
// execution handler acts for the tenant the server's middleware put in the
// request context.
package handlers

import (
	"context"
	"time"

	"github.com/nomis52/tenantflow/client"
	"github.com/nomis52/tenantflow/execution"
	"github.com/nomis52/tenantflow/logging"
	"github.com/nomis52/tenantflow/store"
	"github.com/nomis52/tenantflow/tenant"
	"github.com/nomis52/tenantflow/workflow"
)

// Executions is the tenant-scoped execution API.
type Executions interface {
	SubmitVersion(ctx context.Context, workflowType string, version int, tc tenant.Context, input execution.Payload) (string, error)
	AwaitResult(ctx context.Context, id string, timeout time.Duration) (client.Outcome, error)
	Describe(ctx context.Context, id string) (*execution.Execution, error)
	List(ctx context.Context, f store.Filter) ([]store.Header, error)
	Signal(ctx context.Context, id, name string, payload execution.Payload) (bool, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Complete(ctx context.Context, id, step string, attempt int, output execution.Payload, cause error) error
}

// ProgressProvider reports the live status lines of running steps.
type ProgressProvider interface {
	Progress(id string) map[string]string
}

// LogProvider provides access to captured execution logs.
type LogProvider interface {
	GetLogs(key string) []logging.LogEntry
	Dropped(key string) int
}

// CatalogProvider lists the deployed workflow definitions.
type CatalogProvider interface {
	Catalog() []workflow.Summary
}

var _ Executions = (*client.Client)(nil)
