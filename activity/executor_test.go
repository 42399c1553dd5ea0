package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/tenantflow/execution"
	"github.com/nomis52/tenantflow/failure"
	"github.com/nomis52/tenantflow/retry"
	"github.com/nomis52/tenantflow/tenant"
)

type fakeRecorder struct {
	mu     sync.Mutex
	events []string
	kinds  []failure.Kind
}

func (r *fakeRecorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
}

func (r *fakeRecorder) Scheduled(attempt int, key string) error {
	r.add(fmt.Sprintf("scheduled:%d", attempt))
	return nil
}

func (r *fakeRecorder) Started(attempt int) error {
	r.add(fmt.Sprintf("started:%d", attempt))
	return nil
}

func (r *fakeRecorder) Succeeded(attempt int, out execution.Payload) error {
	r.add(fmt.Sprintf("succeeded:%d", attempt))
	return nil
}

func (r *fakeRecorder) Failed(attempt int, kind failure.Kind, err error) error {
	r.mu.Lock()
	r.kinds = append(r.kinds, kind)
	r.mu.Unlock()
	r.add(fmt.Sprintf("failed:%d", attempt))
	return nil
}

func (r *fakeRecorder) Retrying(attempt int, kind failure.Kind, err error, retryAt time.Time) error {
	r.mu.Lock()
	r.kinds = append(r.kinds, kind)
	r.mu.Unlock()
	r.add(fmt.Sprintf("retrying:%d", attempt))
	return nil
}

func (r *fakeRecorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) Scheduled(attempt int, key string) error {
	return m.Called(attempt, key).Error(0)
}

func (m *mockRecorder) Started(attempt int) error {
	return m.Called(attempt).Error(0)
}

func (m *mockRecorder) Succeeded(attempt int, out execution.Payload) error {
	return m.Called(attempt, out).Error(0)
}

func (m *mockRecorder) Failed(attempt int, kind failure.Kind, err error) error {
	return m.Called(attempt, kind, err).Error(0)
}

func (m *mockRecorder) Retrying(attempt int, kind failure.Kind, err error, retryAt time.Time) error {
	return m.Called(attempt, kind, err, retryAt).Error(0)
}

var acme = tenant.New("acme")

func fastPolicy(maxAttempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts:       maxAttempts,
		InitialBackoff:    time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        5 * time.Millisecond,
		RetryableKinds:    []failure.Kind{failure.KindTransient, failure.KindTimeout},
	}
}

func newTestExecutor(t *testing.T, name string, a Activity) *Executor {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(name, a))
	return NewExecutor(reg,
		WithDecider(retry.NewDecider(retry.WithJitter(func() float64 { return 1 }))),
		WithLogger(slog.Default()),
	)
}

func invocation(name string) Invocation {
	return Invocation{
		ExecutionID: "exec-1",
		Step:        name,
		Activity:    name,
		Tenant:      acme,
		Timeout:     time.Second,
		Attempt:     1,
	}
}

func tenantCtx() context.Context {
	return tenant.WithContext(context.Background(), acme)
}

func TestExecute_SucceedsFirstAttempt(t *testing.T) {
	var gotKey string
	exec := newTestExecutor(t, "echo", Func(func(ctx context.Context, inv Invocation) (execution.Payload, error) {
		gotKey = inv.IdempotencyKey
		tc, ok := tenant.FromContext(ctx)
		assert.True(t, ok)
		assert.Equal(t, "acme", tc.ID)
		return execution.Payload{"ok": true}, nil
	}))
	rec := &fakeRecorder{}

	res := exec.Execute(tenantCtx(), invocation("echo"), fastPolicy(3), rec)

	assert.Equal(t, Succeeded, res.Outcome)
	assert.Equal(t, execution.Payload{"ok": true}, res.Output)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "exec-1/echo/1", gotKey)
	assert.Equal(t, []string{"scheduled:1", "started:1", "succeeded:1"}, rec.Events())
}

func TestExecute_TimeoutTimeoutThenSuccess(t *testing.T) {
	var calls int
	var mu sync.Mutex
	exec := newTestExecutor(t, "send_email", Func(func(ctx context.Context, inv Invocation) (execution.Payload, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return execution.Payload{"sent": true}, nil
	}))
	rec := &fakeRecorder{}
	inv := invocation("send_email")
	inv.Timeout = 20 * time.Millisecond

	res := exec.Execute(tenantCtx(), inv, fastPolicy(3), rec)

	require.Equal(t, Succeeded, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []string{
		"scheduled:1", "started:1", "retrying:1",
		"scheduled:2", "started:2", "retrying:2",
		"scheduled:3", "started:3", "succeeded:3",
	}, rec.Events())
	assert.Equal(t, []failure.Kind{failure.KindTimeout, failure.KindTimeout}, rec.kinds)
}

func TestExecute_HardTimeoutIgnoresActivity(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	exec := newTestExecutor(t, "stuck", Func(func(ctx context.Context, inv Invocation) (execution.Payload, error) {
		<-release
		return nil, nil
	}))
	rec := &fakeRecorder{}
	inv := invocation("stuck")
	inv.Timeout = 10 * time.Millisecond

	res := exec.Execute(tenantCtx(), inv, fastPolicy(1), rec)

	assert.Equal(t, Failed, res.Outcome)
	assert.Equal(t, failure.KindTimeout, res.Kind)
	assert.Equal(t, []string{"scheduled:1", "started:1", "failed:1"}, rec.Events())
}

func TestExecute_Failures(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		policy     retry.Policy
		wantKind   failure.Kind
		wantEvents []string
	}{
		{
			name:       "single attempt policy",
			err:        errors.New("smtp unavailable"),
			policy:     fastPolicy(1),
			wantKind:   failure.KindTransient,
			wantEvents: []string{"scheduled:1", "started:1", "failed:1"},
		},
		{
			name:       "non retryable kind",
			err:        failure.Errorf(failure.KindValidation, "bad address"),
			policy:     fastPolicy(5),
			wantKind:   failure.KindValidation,
			wantEvents: []string{"scheduled:1", "started:1", "failed:1"},
		},
		{
			name:     "retries exhausted",
			err:      errors.New("connection reset"),
			policy:   fastPolicy(2),
			wantKind: failure.KindTransient,
			wantEvents: []string{
				"scheduled:1", "started:1", "retrying:1",
				"scheduled:2", "started:2", "failed:2",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := newTestExecutor(t, "act", Func(func(ctx context.Context, inv Invocation) (execution.Payload, error) {
				return nil, tt.err
			}))
			rec := &fakeRecorder{}

			res := exec.Execute(tenantCtx(), invocation("act"), tt.policy, rec)

			assert.Equal(t, Failed, res.Outcome)
			assert.Equal(t, tt.wantKind, res.Kind)
			assert.ErrorIs(t, res.Err, tt.err)
			assert.Equal(t, tt.wantEvents, rec.Events())
		})
	}
}

func TestExecute_PanicIsEngineFault(t *testing.T) {
	exec := newTestExecutor(t, "boom", Func(func(ctx context.Context, inv Invocation) (execution.Payload, error) {
		panic("nil map")
	}))
	rec := &fakeRecorder{}

	res := exec.Execute(tenantCtx(), invocation("boom"), fastPolicy(3), rec)

	assert.Equal(t, Failed, res.Outcome)
	assert.Equal(t, failure.KindEngineFault, res.Kind)
	assert.Contains(t, res.Err.Error(), "panicked")
	assert.Equal(t, []string{"scheduled:1", "started:1", "failed:1"}, rec.Events())
}

func TestExecute_Pending(t *testing.T) {
	exec := newTestExecutor(t, "approve", Func(func(ctx context.Context, inv Invocation) (execution.Payload, error) {
		return nil, fmt.Errorf("queued for review: %w", ErrResultPending)
	}))
	rec := &fakeRecorder{}

	res := exec.Execute(tenantCtx(), invocation("approve"), fastPolicy(3), rec)

	assert.Equal(t, Pending, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, []string{"scheduled:1", "started:1"}, rec.Events())
}

func TestExecute_TenantMismatch(t *testing.T) {
	called := false
	exec := newTestExecutor(t, "act", Func(func(ctx context.Context, inv Invocation) (execution.Payload, error) {
		called = true
		return nil, nil
	}))
	rec := &fakeRecorder{}
	ctx := tenant.WithContext(context.Background(), tenant.New("globex"))

	res := exec.Execute(ctx, invocation("act"), fastPolicy(3), rec)

	assert.Equal(t, Failed, res.Outcome)
	assert.Equal(t, failure.KindAuthorization, res.Kind)
	assert.False(t, called)
	assert.Empty(t, rec.Events())

	res = exec.Execute(context.Background(), invocation("act"), fastPolicy(3), rec)
	assert.Equal(t, failure.KindAuthorization, res.Kind)
}

func TestExecute_UnknownActivity(t *testing.T) {
	exec := NewExecutor(NewRegistry())

	res := exec.Execute(tenantCtx(), invocation("missing"), fastPolicy(3), &fakeRecorder{})

	assert.Equal(t, Failed, res.Outcome)
	assert.Equal(t, failure.KindValidation, res.Kind)
}

func TestExecute_StopDuringBackoff(t *testing.T) {
	stop := make(chan struct{})
	exec := newTestExecutor(t, "flaky", Func(func(ctx context.Context, inv Invocation) (execution.Payload, error) {
		return nil, errors.New("try later")
	}))
	rec := &fakeRecorder{}
	inv := invocation("flaky")
	inv.Stop = stop
	policy := fastPolicy(5)
	policy.InitialBackoff = time.Hour
	policy.MaxBackoff = time.Hour

	done := make(chan Result, 1)
	go func() {
		done <- exec.Execute(tenantCtx(), inv, policy, rec)
	}()

	require.Eventually(t, func() bool {
		ev := rec.Events()
		return len(ev) > 0 && ev[len(ev)-1] == "retrying:1"
	}, time.Second, 5*time.Millisecond)
	close(stop)

	select {
	case res := <-done:
		assert.Equal(t, Stopped, res.Outcome)
		assert.Equal(t, 1, res.Attempts)
	case <-time.After(time.Second):
		t.Fatal("executor did not stop")
	}
	assert.Equal(t, []string{"scheduled:1", "started:1", "retrying:1", "failed:1"}, rec.Events())
}

func TestExecute_StopDuringAttemptRecordsOutcome(t *testing.T) {
	stop := make(chan struct{})
	exec := newTestExecutor(t, "slow", Func(func(ctx context.Context, inv Invocation) (execution.Payload, error) {
		close(stop)
		return nil, errors.New("interrupted by operator")
	}))
	rec := &fakeRecorder{}
	inv := invocation("slow")
	inv.Stop = stop

	res := exec.Execute(tenantCtx(), inv, fastPolicy(5), rec)

	assert.Equal(t, Stopped, res.Outcome)
	assert.Equal(t, []string{"scheduled:1", "started:1", "failed:1"}, rec.Events())
}

func TestExecute_InterruptedDuringBackoff(t *testing.T) {
	exec := newTestExecutor(t, "flaky", Func(func(ctx context.Context, inv Invocation) (execution.Payload, error) {
		return nil, errors.New("try later")
	}))
	rec := &fakeRecorder{}
	policy := fastPolicy(5)
	policy.InitialBackoff = time.Hour
	policy.MaxBackoff = time.Hour
	ctx, cancel := context.WithCancel(tenantCtx())

	done := make(chan Result, 1)
	go func() {
		done <- exec.Execute(ctx, invocation("flaky"), policy, rec)
	}()
	require.Eventually(t, func() bool {
		return len(rec.Events()) == 3
	}, time.Second, 5*time.Millisecond)
	cancel()

	res := <-done
	assert.Equal(t, Interrupted, res.Outcome)
	assert.Equal(t, []string{"scheduled:1", "started:1", "retrying:1"}, rec.Events())
}

func TestExecute_ResumesAfterNotBefore(t *testing.T) {
	exec := newTestExecutor(t, "act", Func(func(ctx context.Context, inv Invocation) (execution.Payload, error) {
		return execution.Payload{"attempt": inv.Attempt}, nil
	}))
	rec := &fakeRecorder{}
	inv := invocation("act")
	inv.Attempt = 2
	inv.NotBefore = time.Now().Add(10 * time.Millisecond)

	res := exec.Execute(tenantCtx(), inv, fastPolicy(3), rec)

	assert.Equal(t, Succeeded, res.Outcome)
	assert.Equal(t, execution.Payload{"attempt": 2}, res.Output)
	assert.Equal(t, []string{"scheduled:2", "started:2", "succeeded:2"}, rec.Events())
}

func TestExecute_RecorderErrorIsFault(t *testing.T) {
	exec := newTestExecutor(t, "act", Func(func(ctx context.Context, inv Invocation) (execution.Payload, error) {
		return execution.Payload{}, nil
	}))
	rec := &mockRecorder{}
	rec.On("Scheduled", 1, "exec-1/act/1").Return(nil)
	rec.On("Started", 1).Return(nil)
	rec.On("Succeeded", 1, mock.Anything).Return(errors.New("disk full"))

	res := exec.Execute(tenantCtx(), invocation("act"), fastPolicy(3), rec)

	assert.Equal(t, Fault, res.Outcome)
	assert.Equal(t, failure.KindEngineFault, res.Kind)
	rec.AssertExpectations(t)
}

func TestExecute_ConcurrencyLimit(t *testing.T) {
	var mu sync.Mutex
	running, peak := 0, 0
	reg := NewRegistry()
	require.NoError(t, reg.Register("work", Func(func(ctx context.Context, inv Invocation) (execution.Payload, error) {
		mu.Lock()
		running++
		peak = max(peak, running)
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return nil, nil
	})))
	exec := NewExecutor(reg, WithConcurrency(2))

	var wg sync.WaitGroup
	for i := range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inv := invocation("work")
			inv.ExecutionID = fmt.Sprintf("exec-%d", i)
			exec.Execute(tenantCtx(), inv, fastPolicy(1), &fakeRecorder{})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, 2)
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "succeeded", Succeeded.String())
	assert.Equal(t, "interrupted", Interrupted.String())
	assert.Equal(t, "outcome(42)", Outcome(42).String())
}
