package workflows_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/nomis52/tenantflow/activities"
	"github.com/nomis52/tenantflow/activity"
	"github.com/nomis52/tenantflow/engine"
	"github.com/nomis52/tenantflow/execution"
	"github.com/nomis52/tenantflow/retry"
	"github.com/nomis52/tenantflow/tenant"
	"github.com/nomis52/tenantflow/workflow"
	"github.com/nomis52/tenantflow/workflows"
	"github.com/nomis52/tenantflow/workflows/onboarding"
	"github.com/nomis52/tenantflow/workflows/provisioning"
)

var acme = tenant.New("acme", tenant.WithTier("pro"))

type mailbox struct {
	mu   sync.Mutex
	sent []activities.Message
}

func (m *mailbox) Send(_ context.Context, msg activities.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mailbox) templates() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, msg := range m.sent {
		out = append(out, msg.Template)
	}
	return out
}

type fixture struct {
	engine     *engine.Engine
	mail       *mailbox
	users      *activities.MemoryUsers
	workspaces *activities.MemoryWorkspaces
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	f := &fixture{
		mail:       &mailbox{},
		users:      activities.NewMemoryUsers(),
		workspaces: activities.NewMemoryWorkspaces(),
	}

	acts := activity.NewRegistry()
	require.NoError(t, activities.Register(acts, activities.Deps{
		Users:      f.users,
		Workspaces: f.workspaces,
		Mailer:     f.mail,
		BcryptCost: bcrypt.MinCost,
		Logger:     logger,
	}))
	defs := workflow.NewRegistry(logger)
	require.NoError(t, workflows.Register(defs, workflows.Params{}, onboarding.Definitions, provisioning.Definitions))

	e, err := engine.New(defs, acts, activity.NewExecutor(acts, activity.WithLogger(logger)), engine.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	f.engine = e
	return f
}

func (f *fixture) start(t *testing.T, workflowType string, version int, input execution.Payload) string {
	t.Helper()
	id, err := f.engine.Start(context.Background(), engine.StartRequest{
		WorkflowType: workflowType,
		Version:      version,
		Tenant:       acme,
		Input:        input,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) wait(t *testing.T, id string) *execution.Execution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	x, err := f.engine.Wait(ctx, id)
	require.NoError(t, err)
	return x
}

func (f *fixture) waitSuspended(t *testing.T, id string, reason execution.SuspendReason) *execution.Execution {
	t.Helper()
	var x *execution.Execution
	require.Eventually(t, func() bool {
		var err error
		x, err = f.engine.Query(context.Background(), id)
		return err == nil && x.Suspension != nil && x.Suspension.Reason == reason
	}, 10*time.Second, 5*time.Millisecond)
	return x
}

func TestUserOnboarding(t *testing.T) {
	f := newFixture(t)
	input := execution.Payload{"email": "New@Acme.test", "password": "correct horse", "name": "New User"}

	x := f.wait(t, f.start(t, onboarding.Type, 0, input))

	require.Equal(t, execution.StatusCompleted, x.Status, "failure: %+v", x.Failure)
	assert.Equal(t, 2, x.Version, "the latest version is active")
	assert.Equal(t, []string{
		onboarding.StepValidateEmail, onboarding.StepHashPassword, onboarding.StepCreateUser,
		onboarding.StepSendWelcome, onboarding.StepRecordSignup,
	}, x.ExecutedSteps())
	assert.Equal(t, []string{"welcome"}, f.mail.templates())

	u, ok, err := f.users.Get(context.Background(), "acme", "new@acme.test")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, activities.CheckPassword(u.PasswordHash, "correct horse"))

	// Signing up again finds the account and skips the welcome email.
	x = f.wait(t, f.start(t, onboarding.Type, 1, input))
	require.Equal(t, execution.StatusCompleted, x.Status)
	rec, ok := x.Record(onboarding.StepSendWelcome)
	require.True(t, ok)
	assert.Equal(t, execution.StepStatusSkipped, rec.Status)
	assert.Len(t, f.mail.templates(), 1)
}

func TestUserOnboarding_InvalidEmailFailsFast(t *testing.T) {
	f := newFixture(t)

	x := f.wait(t, f.start(t, onboarding.Type, 0, execution.Payload{"email": "nope", "password": "correct horse"}))

	assert.Equal(t, execution.StatusFailed, x.Status)
	require.NotNil(t, x.Failure)
	assert.Equal(t, onboarding.StepValidateEmail, x.Failure.Step)
	assert.Equal(t, 1, x.Failure.Attempts)
}

func TestWorkspaceProvisioning(t *testing.T) {
	f := newFixture(t)
	f.workspaces.Deferred = true
	ctx := context.Background()

	id := f.start(t, provisioning.Type, 0, execution.Payload{"workspace": "Sales", "admin_email": "admin@acme.test"})

	x := f.waitSuspended(t, id, execution.SuspendActivity)
	assert.Equal(t, provisioning.StepProvision, x.Suspension.Step)
	require.NoError(t, f.engine.Complete(ctx, id, x.Suspension.Step, x.Suspension.Attempt,
		execution.Payload{"workspace_id": "ws-1", "schema": "ws_acme_sales"}, nil))

	x = f.waitSuspended(t, id, execution.SuspendSignal)
	assert.Equal(t, provisioning.ApprovalSignal, x.Suspension.Signal)

	// The external provisioner owns ws-1; activation looks it up by ID.
	_, err := f.workspaces.Provision(ctx, "external", activities.Workspace{ID: "ws-1", TenantID: "acme"})
	require.NoError(t, err)

	accepted, err := f.engine.Signal(ctx, id, provisioning.ApprovalSignal, execution.Payload{"by": "ops"})
	require.NoError(t, err)
	require.True(t, accepted)

	x = f.wait(t, id)
	require.Equal(t, execution.StatusCompleted, x.Status, "failure: %+v", x.Failure)
	assert.Equal(t, execution.Payload{"by": "ops"}, x.Outputs[provisioning.StepApproval])
	w, ok := f.workspaces.Get("ws-1")
	require.True(t, ok)
	assert.True(t, w.Active)
	assert.Equal(t, []string{"workspace_ready"}, f.mail.templates())
}

func TestParams(t *testing.T) {
	p := workflows.Params{
		Policies: map[string]retry.Policy{onboarding.StepSendWelcome: {MaxAttempts: 5}},
		Timeouts: map[string]time.Duration{onboarding.Type: time.Minute},
	}
	defs := onboarding.Definitions(p)
	require.Len(t, defs, 2)
	assert.Equal(t, time.Minute, defs[0].Timeout)
	assert.True(t, workflow.IsCompatible(defs[0], defs[1]))

	step, ok := defs[0].Step(3)
	require.True(t, ok)
	require.NotNil(t, step.Policy)
	assert.Equal(t, 5, step.Policy.MaxAttempts)
	assert.Nil(t, defs[0].Steps[0].Policy)

	assert.Equal(t, 7*24*time.Hour, provisioning.Definitions(workflows.Params{})[0].Timeout)
}
