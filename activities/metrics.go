package activities

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nomis52/tenantflow/activity"
	"github.com/nomis52/tenantflow/execution"
	"github.com/nomis52/tenantflow/metrics"
)

// RecordSignup counts onboarded users by tenant tier. It is the last step of
// onboarding so the counter only moves for completed signups.
type RecordSignup struct {
	signups metrics.CounterVec
}

// NewRecordSignup registers the signup counter with registry.
func NewRecordSignup(registry metrics.Registry) (*RecordSignup, error) {
	signups, err := registry.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantflow_signups_total",
		Help: "Users onboarded, by tenant tier and whether the account was new",
	}, []string{"tier", "new_account"})
	if err != nil {
		return nil, fmt.Errorf("creating signups metric: %w", err)
	}
	return &RecordSignup{signups: signups}, nil
}

// Execute implements activity.Activity.
func (a *RecordSignup) Execute(_ context.Context, inv activity.Invocation) (execution.Payload, error) {
	tier := inv.Tenant.Tier
	if tier == "" {
		tier = "none"
	}
	created, _ := stepOutput(inv.Input, CreateUserName, "created")
	isNew := "false"
	if b, ok := created.(bool); ok && b {
		isNew = "true"
	}
	a.signups.With(prometheus.Labels{"tier": tier, "new_account": isNew}).Inc()
	return execution.Payload{"recorded": true}, nil
}

var _ activity.Activity = (*RecordSignup)(nil)
