// Package provisioning defines the workspace_provisioning workflow. A
// workspace is provisioned for the tenant, then waits for an operator to
// approve it before it is activated and the tenant admin is told.
package provisioning

import (
	"time"

	"github.com/nomis52/tenantflow/activities"
	"github.com/nomis52/tenantflow/workflow"
	"github.com/nomis52/tenantflow/workflows"
)

// Type is the workflow type.
const Type = "workspace_provisioning"

// ApprovalSignal resumes an execution waiting for approval. Its payload
// becomes the output of the approval step.
const ApprovalSignal = "approve"

const defaultTimeout = 7 * 24 * time.Hour

// Steps, in order.
const (
	StepCheckQuota  = "check_quota"
	StepProvision   = "provision_workspace"
	StepApproval    = "approval"
	StepActivate    = "activate_workspace"
	StepNotifyAdmin = "notify_admin"
)

// Definitions returns every version of workspace_provisioning.
func Definitions(p workflows.Params) []workflow.Definition {
	return []workflow.Definition{{
		Type:        Type,
		Version:     1,
		Description: "Provision a workspace, wait for approval and activate it",
		Timeout:     p.Timeout(Type, defaultTimeout),
		Steps: []workflow.Step{
			{Name: StepCheckQuota, Activity: activities.CheckQuotaName, Policy: p.Policy(StepCheckQuota)},
			{Name: StepProvision, Activity: activities.ProvisionWorkspaceName, Policy: p.Policy(StepProvision)},
			{Name: StepApproval, AwaitSignal: ApprovalSignal},
			{Name: StepActivate, Activity: activities.ActivateWorkspaceName, Policy: p.Policy(StepActivate)},
			{Name: StepNotifyAdmin, Activity: activities.SendWorkspaceReadyName, Policy: p.Policy(StepNotifyAdmin)},
		},
	}}
}

var _ workflows.Builder = Definitions
