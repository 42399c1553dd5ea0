package activities

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nomis52/tenantflow/activity"
	"github.com/nomis52/tenantflow/execution"
	"github.com/nomis52/tenantflow/failure"
)

// WorkspaceQuota is the tenant quota limiting how many workspaces it may own.
const WorkspaceQuota = "workspaces"

// Workspace is an isolated environment provisioned for a tenant.
type Workspace struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Schema    string    `json:"schema"`
	Ready     bool      `json:"ready"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Workspaces provisions workspaces. Provision is keyed by the step's
// idempotency key so a repeated call returns the same workspace.
type Workspaces interface {
	Count(ctx context.Context, tenantID string) (int, error)
	// Provision starts provisioning. A workspace that is not Ready yet is
	// finished out of band and reported through the completion callback.
	Provision(ctx context.Context, key string, w Workspace) (Workspace, error)
	Activate(ctx context.Context, tenantID, id string) error
}

// MemoryWorkspaces provisions workspaces in memory. With Deferred set,
// Provision leaves workspaces not ready, as an external provisioner would.
type MemoryWorkspaces struct {
	Deferred bool

	mu    sync.Mutex
	byKey map[string]Workspace
}

// NewMemoryWorkspaces creates an empty MemoryWorkspaces.
func NewMemoryWorkspaces() *MemoryWorkspaces {
	return &MemoryWorkspaces{byKey: make(map[string]Workspace)}
}

// Count implements Workspaces.
func (m *MemoryWorkspaces) Count(_ context.Context, tenantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, w := range m.byKey {
		if w.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

// Provision implements Workspaces.
func (m *MemoryWorkspaces) Provision(_ context.Context, key string, w Workspace) (Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byKey[key]; ok {
		return existing, nil
	}
	w.Ready = !m.Deferred
	m.byKey[key] = w
	return w, nil
}

// Activate implements Workspaces.
func (m *MemoryWorkspaces) Activate(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, w := range m.byKey {
		if w.ID == id && w.TenantID == tenantID {
			w.Active = true
			m.byKey[key] = w
			return nil
		}
	}
	return failure.Errorf(failure.KindNotFound, "workspace %s not found for tenant %s", id, tenantID)
}

// Get returns a workspace by ID.
func (m *MemoryWorkspaces) Get(id string) (Workspace, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.byKey {
		if w.ID == id {
			return w, true
		}
	}
	return Workspace{}, false
}

// CheckQuota refuses to provision past the tenant's workspace quota, and
// requires the workspaces feature when RequireFeature is set.
type CheckQuota struct {
	Workspaces     Workspaces
	RequireFeature string
}

// Execute implements activity.Activity.
func (a *CheckQuota) Execute(ctx context.Context, inv activity.Invocation) (execution.Payload, error) {
	tc := inv.Tenant
	if a.RequireFeature != "" && !tc.HasFeature(a.RequireFeature) {
		return nil, failure.Errorf(failure.KindAuthorization, "%s: tenant %s does not have feature %q",
			CheckQuotaName, tc.ID, a.RequireFeature)
	}
	used, err := a.Workspaces.Count(ctx, tc.ID)
	if err != nil {
		return nil, fmt.Errorf("counting workspaces: %w", err)
	}
	limit, limited := tc.Quota(WorkspaceQuota)
	if limited && int64(used) >= limit {
		return nil, failure.Errorf(failure.KindAuthorization, "%s: tenant %s has used %d of %d workspaces",
			CheckQuotaName, tc.ID, used, limit)
	}
	out := execution.Payload{"used": used}
	if limited {
		out["limit"] = limit
	}
	return out, nil
}

var schemaUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// schemaName derives a database schema name from the tenant and workspace.
func schemaName(tenantID, workspace string) string {
	s := strings.ToLower(tenantID + "_" + workspace)
	s = strings.Trim(schemaUnsafe.ReplaceAllString(s, "_"), "_")
	if len(s) > 63 {
		s = s[:63]
	}
	return "ws_" + s
}

// ProvisionWorkspace creates the workspace and its database schema. When the
// provisioner finishes out of band the step suspends until the completion
// callback arrives.
type ProvisionWorkspace struct {
	Workspaces Workspaces
	Now        func() time.Time
}

// Execute implements activity.Activity.
func (a *ProvisionWorkspace) Execute(ctx context.Context, inv activity.Invocation) (execution.Payload, error) {
	return activity.CaptureError(inv.Status, func() (execution.Payload, error) {
		name, err := stringField(ProvisionWorkspaceName, inv.Input, "workspace")
		if err != nil {
			return nil, err
		}
		now := time.Now
		if a.Now != nil {
			now = a.Now
		}

		inv.Status.Set("provisioning workspace " + name)
		w, err := a.Workspaces.Provision(ctx, inv.IdempotencyKey, Workspace{
			ID:        uuid.NewString(),
			TenantID:  inv.Tenant.ID,
			Name:      name,
			Schema:    schemaName(inv.Tenant.ID, name),
			CreatedAt: now().UTC(),
		})
		if err != nil {
			return nil, fmt.Errorf("provisioning workspace %s: %w", name, err)
		}
		if !w.Ready {
			inv.Status.Set("waiting for provisioner")
			return nil, activity.ErrResultPending
		}
		return execution.Payload{"workspace_id": w.ID, "schema": w.Schema}, nil
	})
}

// ActivateWorkspace makes a provisioned workspace available to its tenant.
type ActivateWorkspace struct {
	Workspaces Workspaces
}

// Execute implements activity.Activity.
func (a *ActivateWorkspace) Execute(ctx context.Context, inv activity.Invocation) (execution.Payload, error) {
	id, err := stepString(ActivateWorkspaceName, inv.Input, ProvisionWorkspaceName, "workspace_id")
	if err != nil {
		return nil, err
	}
	if err := a.Workspaces.Activate(ctx, inv.Tenant.ID, id); err != nil {
		return nil, err
	}
	inv.Status.Set("workspace " + id + " is active")
	return execution.Payload{"workspace_id": id, "active": true}, nil
}

var (
	_ activity.Activity = (*CheckQuota)(nil)
	_ activity.Activity = (*ProvisionWorkspace)(nil)
	_ activity.Activity = (*ActivateWorkspace)(nil)
)
