package client

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/tenantflow/activity"
	"github.com/nomis52/tenantflow/engine"
	"github.com/nomis52/tenantflow/execution"
	"github.com/nomis52/tenantflow/failure"
	"github.com/nomis52/tenantflow/store"
	"github.com/nomis52/tenantflow/tenant"
	"github.com/nomis52/tenantflow/workflow"
)

type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) Start(ctx context.Context, req engine.StartRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockEngine) Query(ctx context.Context, id string) (*execution.Execution, error) {
	args := m.Called(ctx, id)
	x, _ := args.Get(0).(*execution.Execution)
	return x, args.Error(1)
}

func (m *MockEngine) Wait(ctx context.Context, id string) (*execution.Execution, error) {
	args := m.Called(ctx, id)
	x, _ := args.Get(0).(*execution.Execution)
	return x, args.Error(1)
}

func (m *MockEngine) List(ctx context.Context, f store.Filter) ([]store.Header, error) {
	args := m.Called(ctx, f)
	hs, _ := args.Get(0).([]store.Header)
	return hs, args.Error(1)
}

func (m *MockEngine) Signal(ctx context.Context, id, name string, payload execution.Payload) (bool, error) {
	args := m.Called(ctx, id, name, payload)
	return args.Bool(0), args.Error(1)
}

func (m *MockEngine) Cancel(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockEngine) Complete(ctx context.Context, id, step string, attempt int, output execution.Payload, cause error) error {
	args := m.Called(ctx, id, step, attempt, output, cause)
	return args.Error(0)
}

var (
	acme   = tenant.New("acme")
	globex = tenant.New("globex")
)

func as(tc tenant.Context) context.Context {
	return tenant.WithContext(context.Background(), tc)
}

func owned(id string, tc tenant.Context, status execution.Status) *execution.Execution {
	return &execution.Execution{ID: id, Tenant: tc, Status: status, WorkflowType: "user_onboarding", Version: 1}
}

func TestSubmit(t *testing.T) {
	m := new(MockEngine)
	m.On("Start", mock.Anything, engine.StartRequest{
		WorkflowType: "user_onboarding",
		Tenant:       acme,
		Input:        execution.Payload{"email": "a@acme.test"},
	}).Return("exec-1", nil)
	c := New(m, nil)

	id, err := c.Submit(as(acme), "user_onboarding", acme, execution.Payload{"email": "a@acme.test"})

	require.NoError(t, err)
	assert.Equal(t, "exec-1", id)
	m.AssertExpectations(t)
}

func TestSubmit_TenantChecks(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
	}{
		{"no tenant in context", context.Background()},
		{"other tenant", as(globex)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := new(MockEngine)
			c := New(m, nil)

			_, err := c.SubmitVersion(tt.ctx, "user_onboarding", 2, acme, nil)

			require.Error(t, err)
			assert.Equal(t, failure.KindAuthorization, failure.KindOf(err))
			m.AssertNotCalled(t, "Start", mock.Anything, mock.Anything)
		})
	}
}

func TestCrossTenantLooksMissing(t *testing.T) {
	m := new(MockEngine)
	m.On("Query", mock.Anything, "exec-1").Return(owned("exec-1", acme, execution.StatusRunning), nil)
	c := New(m, nil)
	ctx := as(globex)

	_, err := c.Status(ctx, "exec-1")
	assert.True(t, failure.Is(err, failure.KindNotFound))
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = c.Describe(ctx, "exec-1")
	assert.True(t, failure.Is(err, failure.KindNotFound))

	_, err = c.Signal(ctx, "exec-1", "approve", nil)
	assert.True(t, failure.Is(err, failure.KindNotFound))

	_, err = c.Cancel(ctx, "exec-1")
	assert.True(t, failure.Is(err, failure.KindNotFound))

	err = c.Complete(ctx, "exec-1", "export", 1, nil, nil)
	assert.True(t, failure.Is(err, failure.KindNotFound))

	_, err = c.AwaitResult(ctx, "exec-1", time.Second)
	assert.True(t, failure.Is(err, failure.KindNotFound))

	m.AssertNotCalled(t, "Signal", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	m.AssertNotCalled(t, "Cancel", mock.Anything, mock.Anything)
	m.AssertNotCalled(t, "Wait", mock.Anything, mock.Anything)
}

func TestStatusAndControl(t *testing.T) {
	m := new(MockEngine)
	m.On("Query", mock.Anything, "exec-1").Return(owned("exec-1", acme, execution.StatusSuspended), nil)
	m.On("Signal", mock.Anything, "exec-1", "approve", execution.Payload{"by": "ops"}).Return(true, nil)
	m.On("Cancel", mock.Anything, "exec-1").Return(false, nil)
	c := New(m, nil)
	ctx := as(acme)

	status, err := c.Status(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSuspended, status)

	accepted, err := c.Signal(ctx, "exec-1", "approve", execution.Payload{"by": "ops"})
	require.NoError(t, err)
	assert.True(t, accepted)

	accepted, err = c.Cancel(ctx, "exec-1")
	require.NoError(t, err)
	assert.False(t, accepted)
	m.AssertExpectations(t)
}

func TestListIsScopedToCaller(t *testing.T) {
	m := new(MockEngine)
	m.On("List", mock.Anything, store.Filter{TenantID: "acme", NonTerminal: true}).
		Return([]store.Header{{ID: "exec-1", TenantID: "acme"}}, nil)
	c := New(m, nil)

	hs, err := c.List(as(acme), store.Filter{TenantID: "globex", NonTerminal: true})

	require.NoError(t, err)
	assert.Len(t, hs, 1)
	m.AssertExpectations(t)
}

func TestAwaitResult(t *testing.T) {
	t.Run("finished", func(t *testing.T) {
		m := new(MockEngine)
		m.On("Query", mock.Anything, "exec-1").Return(owned("exec-1", acme, execution.StatusRunning), nil)
		done := owned("exec-1", acme, execution.StatusFailed)
		done.Failure = &execution.Failure{Step: "send_welcome", Kind: failure.KindTimeout, Attempts: 3}
		m.On("Wait", mock.Anything, "exec-1").Return(done, nil)
		c := New(m, nil)

		out, err := c.AwaitResult(as(acme), "exec-1", time.Second)

		require.NoError(t, err)
		assert.False(t, out.Succeeded())
		assert.Equal(t, execution.StatusFailed, out.Status)
		assert.Equal(t, "send_welcome", out.Failure.Step)
	})

	t.Run("timed out", func(t *testing.T) {
		m := new(MockEngine)
		m.On("Query", mock.Anything, "exec-1").Return(owned("exec-1", acme, execution.StatusRunning), nil)
		m.On("Wait", mock.Anything, "exec-1").Return(nil, context.DeadlineExceeded)
		c := New(m, nil)

		_, err := c.AwaitResult(as(acme), "exec-1", 10*time.Millisecond)

		assert.ErrorIs(t, err, ErrAwaitTimedOut)
	})

	t.Run("caller gave up", func(t *testing.T) {
		m := new(MockEngine)
		m.On("Query", mock.Anything, "exec-1").Return(owned("exec-1", acme, execution.StatusRunning), nil)
		m.On("Wait", mock.Anything, "exec-1").Return(nil, context.Canceled)
		c := New(m, nil)
		ctx, cancel := context.WithCancel(as(acme))
		cancel()

		_, err := c.AwaitResult(ctx, "exec-1", time.Second)

		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, errors.Is(err, ErrAwaitTimedOut))
	})

	t.Run("engine fault", func(t *testing.T) {
		m := new(MockEngine)
		m.On("Query", mock.Anything, "exec-1").Return(owned("exec-1", acme, execution.StatusRunning), nil)
		halted := owned("exec-1", acme, execution.StatusRunning)
		halted.EngineFault = "persist history: disk full"
		m.On("Wait", mock.Anything, "exec-1").Return(halted, failure.Errorf(failure.KindEngineFault, "disk full"))
		c := New(m, nil)

		out, err := c.AwaitResult(as(acme), "exec-1", time.Second)

		assert.True(t, failure.Is(err, failure.KindEngineFault))
		assert.Equal(t, "exec-1", out.ExecutionID)
		assert.Equal(t, execution.StatusRunning, out.Status)
		assert.Equal(t, "persist history: disk full", out.EngineFault)
	})
}

func TestClientWithEngine(t *testing.T) {
	activities := activity.NewRegistry()
	require.NoError(t, activities.Register("greet", activity.Func(func(_ context.Context, inv activity.Invocation) (execution.Payload, error) {
		return execution.Payload{"greeting": "hello " + inv.Tenant.ID}, nil
	})))
	workflows := workflow.NewRegistry(slog.Default())
	_, err := workflows.Register(workflow.Definition{Type: "greet", Version: 1, Steps: []workflow.Step{
		{Name: "greet", Activity: "greet"},
	}})
	require.NoError(t, err)
	eng, err := engine.New(workflows, activities, activity.NewExecutor(activities))
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })
	c := New(eng, nil)

	id, err := c.Submit(as(acme), "greet", acme, nil)
	require.NoError(t, err)

	out, err := c.AwaitResult(as(acme), id, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, out.Succeeded())
	assert.Equal(t, map[string]any{"greeting": "hello acme"}, out.Result["greet"])

	_, err = c.Status(as(globex), id)
	assert.True(t, failure.Is(err, failure.KindNotFound))
}

// brokenStore fails every append after the first n.
type brokenStore struct {
	store.Store
	n     int32
	calls atomic.Int32
}

func (s *brokenStore) Append(ctx context.Context, h store.Header, evs ...execution.Event) error {
	if s.calls.Add(1) > s.n {
		return errors.New("disk full")
	}
	return s.Store.Append(ctx, h, evs...)
}

func TestClientWithEngine_HaltedExecution(t *testing.T) {
	activities := activity.NewRegistry()
	require.NoError(t, activities.Register("greet", activity.Func(func(context.Context, activity.Invocation) (execution.Payload, error) {
		return nil, nil
	})))
	workflows := workflow.NewRegistry(slog.Default())
	_, err := workflows.Register(workflow.Definition{Type: "greet", Version: 1, Steps: []workflow.Step{
		{Name: "greet", Activity: "greet"},
	}})
	require.NoError(t, err)
	eng, err := engine.New(workflows, activities, activity.NewExecutor(activities),
		engine.WithStore(&brokenStore{Store: store.NewMemoryStore(), n: 2}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })
	c := New(eng, nil)

	id, err := c.Submit(as(acme), "greet", acme, nil)
	require.NoError(t, err)

	start := time.Now()
	out, err := c.AwaitResult(as(acme), id, 5*time.Second)
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindEngineFault), "got %v", err)
	assert.False(t, errors.Is(err, ErrAwaitTimedOut))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, id, out.ExecutionID)
	assert.Contains(t, out.EngineFault, "disk full")
}
