package cron

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/nomis52/tenantflow/config"
	"github.com/nomis52/tenantflow/execution"
	"github.com/nomis52/tenantflow/tenant"
)

// Submitter starts executions on behalf of a tenant.
type Submitter interface {
	SubmitVersion(ctx context.Context, workflowType string, version int, tc tenant.Context, input execution.Payload) (string, error)
}

// Manager owns one CronTrigger per configured cron job.
type Manager struct {
	triggers []*CronTrigger
	jobs     []config.CronJob
	logger   *slog.Logger
}

// NewManager creates a Manager for jobs. Each job must name one of the
// available workflow types, and a tenant known to dir when dir is not nil.
//
// Returns an error if:
//   - Any workflow type is not in available
//   - Any tenant is unknown
//   - Any cron expression is invalid
func NewManager(jobs []config.CronJob, sub Submitter, dir tenant.Directory, available []string, logger *slog.Logger) (*Manager, error) {
	jobs = slices.Clone(jobs)
	triggers := make([]*CronTrigger, 0, len(jobs))
	for i, job := range jobs {
		name := job.Name
		if name == "" {
			name = fmt.Sprintf("%s#%d", job.Workflow, i)
			jobs[i].Name = name
		}
		if !slices.Contains(available, job.Workflow) {
			return nil, fmt.Errorf("cron job %s: unknown workflow %q (available: %s)",
				name, job.Workflow, strings.Join(available, ", "))
		}
		tc := tenant.New(job.Tenant)
		if dir != nil {
			known, ok := dir.Lookup(job.Tenant)
			if !ok {
				return nil, fmt.Errorf("cron job %s: unknown tenant %q", name, job.Tenant)
			}
			tc = known
		}

		trigger, err := NewCronTrigger(job.Schedule, submitJob(sub, jobs[i], tc, logger), logger.With("cron_job", name))
		if err != nil {
			return nil, fmt.Errorf("creating trigger for cron job %s (%s): %w", name, job.Schedule, err)
		}
		triggers = append(triggers, trigger)
	}

	for i, trigger := range triggers {
		logger.Info("cron job registered",
			"name", jobs[i].Name,
			"workflow", jobs[i].Workflow,
			"tenant", jobs[i].Tenant,
			"schedule", jobs[i].Schedule,
			"next_run", trigger.NextRun(),
		)
	}

	return &Manager{
		triggers: triggers,
		jobs:     jobs,
		logger:   logger,
	}, nil
}

func submitJob(sub Submitter, job config.CronJob, tc tenant.Context, logger *slog.Logger) Job {
	return func(ctx context.Context) error {
		ctx = tenant.WithContext(ctx, tc)
		id, err := sub.SubmitVersion(ctx, job.Workflow, job.Version, tc, execution.Payload(job.Input).Clone())
		if err != nil {
			return fmt.Errorf("submitting %s for tenant %s: %w", job.Workflow, tc.ID, err)
		}
		logger.Info("scheduled execution submitted",
			"cron_job", job.Name,
			"execution_id", id,
			"workflow", job.Workflow,
			"tenant", tc.ID,
		)
		return nil
	}
}

// Start launches all triggers. Each trigger runs in its own goroutine.
// Returns immediately. All goroutines exit when ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	for _, trigger := range m.triggers {
		trigger.Start(ctx)
	}
}

// Len returns the number of cron jobs.
func (m *Manager) Len() int {
	return len(m.triggers)
}

// NextRun returns the earliest scheduled run time across all triggers.
// Returns zero time if there are no triggers.
func (m *Manager) NextRun() time.Time {
	if len(m.triggers) == 0 {
		return time.Time{}
	}

	earliest := m.triggers[0].NextRun()
	for _, trigger := range m.triggers[1:] {
		if next := trigger.NextRun(); next.Before(earliest) {
			earliest = next
		}
	}
	return earliest
}
