package activities

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/nomis52/tenantflow/activity"
	"github.com/nomis52/tenantflow/execution"
	"github.com/nomis52/tenantflow/failure"
	"github.com/nomis52/tenantflow/metrics"
	"github.com/nomis52/tenantflow/tenant"
)

var acme = tenant.New("acme", tenant.WithTier("pro"), tenant.WithQuotas(map[string]int64{WorkspaceQuota: 1}))

func invocation(step string, in execution.Payload) activity.Invocation {
	return activity.Invocation{
		ExecutionID:    "exec-1",
		Step:           step,
		Activity:       step,
		Tenant:         acme,
		Input:          in,
		Attempt:        1,
		IdempotencyKey: activity.IdempotencyKey("exec-1", step),
		Logger:         slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
}

func withSteps(in execution.Payload, steps map[string]any) execution.Payload {
	out := in.Clone()
	if out == nil {
		out = execution.Payload{}
	}
	out["steps"] = steps
	return out
}

func TestValidateEmail(t *testing.T) {
	dir, err := tenant.NewStaticDirectory([]tenant.Entry{
		{ID: "acme", Domains: []string{"acme.test"}},
		{ID: "globex", Domains: []string{"globex.test"}},
	})
	require.NoError(t, err)
	a := &ValidateEmail{Domains: dir}

	tests := []struct {
		name  string
		input execution.Payload
		want  execution.Payload
		kind  failure.Kind
	}{
		{"normalised", execution.Payload{"email": " New.User@ACME.test "}, execution.Payload{"email": "new.user@acme.test", "domain": "acme.test"}, 0},
		{"unknown domain allowed", execution.Payload{"email": "a@gmail.com"}, execution.Payload{"email": "a@gmail.com", "domain": "gmail.com"}, 0},
		{"missing", execution.Payload{}, nil, failure.KindValidation},
		{"not a string", execution.Payload{"email": 42}, nil, failure.KindValidation},
		{"malformed", execution.Payload{"email": "not-an-address"}, nil, failure.KindValidation},
		{"display name", execution.Payload{"email": "Bob <bob@acme.test>"}, nil, failure.KindValidation},
		{"bare host", execution.Payload{"email": "root@localhost"}, nil, failure.KindValidation},
		{"other tenant's domain", execution.Payload{"email": "spy@globex.test"}, nil, failure.KindAuthorization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := a.Execute(context.Background(), invocation(ValidateEmailName, tt.input))
			if tt.kind != 0 {
				require.Error(t, err)
				assert.Equal(t, tt.kind, failure.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestHashPassword(t *testing.T) {
	a := &HashPassword{Cost: bcrypt.MinCost}

	out, err := a.Execute(context.Background(), invocation(HashPasswordName, execution.Payload{"password": "correct horse"}))
	require.NoError(t, err)
	hash, ok := out["password_hash"].(string)
	require.True(t, ok)
	assert.NotContains(t, hash, "correct horse")
	assert.True(t, CheckPassword(hash, "correct horse"))
	assert.False(t, CheckPassword(hash, "wrong horse"))

	_, err = a.Execute(context.Background(), invocation(HashPasswordName, execution.Payload{"password": "short"}))
	assert.True(t, failure.Is(err, failure.KindValidation))
}

func TestCreateUser_IsIdempotentPerEmail(t *testing.T) {
	users := NewMemoryUsers()
	a := &CreateUser{Users: users}
	in := withSteps(execution.Payload{"name": "New User"}, map[string]any{
		ValidateEmailName: map[string]any{"email": "new@acme.test"},
		HashPasswordName:  map[string]any{"password_hash": "$2a$hash"},
	})

	first, err := a.Execute(context.Background(), invocation(CreateUserName, in))
	require.NoError(t, err)
	assert.Equal(t, true, first["created"])

	second, err := a.Execute(context.Background(), invocation(CreateUserName, in))
	require.NoError(t, err)
	assert.Equal(t, false, second["created"])
	assert.Equal(t, first["user_id"], second["user_id"])
	assert.Equal(t, 1, users.Len())

	u, ok, err := users.Get(context.Background(), "acme", "new@acme.test")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "New User", u.Name)
	assert.Equal(t, "$2a$hash", u.PasswordHash)
}

func TestCreateUser_NeedsEarlierSteps(t *testing.T) {
	a := &CreateUser{Users: NewMemoryUsers()}
	_, err := a.Execute(context.Background(), invocation(CreateUserName, execution.Payload{}))
	assert.True(t, failure.Is(err, failure.KindValidation))
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (m *recordingMailer) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func TestSendEmail_SendsOncePerKey(t *testing.T) {
	mailer := &recordingMailer{}
	a := &SendEmail{
		Mailer:         mailer,
		Guard:          activity.NewMemoryGuard(),
		Template:       "welcome",
		RecipientStep:  ValidateEmailName,
		RecipientField: "email",
	}
	in := withSteps(nil, map[string]any{ValidateEmailName: map[string]any{"email": "new@acme.test"}})
	inv := invocation(SendWelcomeEmailName, in)

	out, err := a.Execute(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, true, out["sent"])

	inv.Attempt = 2
	out, err = a.Execute(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, true, out["deduplicated"])

	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "new@acme.test", mailer.sent[0].To)
	assert.Equal(t, "acme", mailer.sent[0].TenantID)
	assert.Equal(t, inv.IdempotencyKey, mailer.sent[0].IdempotencyKey)
}

func TestSendEmail_FailureReleasesKey(t *testing.T) {
	mailer := &recordingMailer{err: errors.New("smtp unavailable")}
	a := &SendEmail{Mailer: mailer, Guard: activity.NewMemoryGuard(), Template: "workspace_ready", RecipientField: "admin_email"}
	inv := invocation(SendWorkspaceReadyName, execution.Payload{"admin_email": "admin@acme.test"})

	_, err := a.Execute(context.Background(), inv)
	require.Error(t, err)
	assert.Equal(t, failure.KindTransient, failure.Classify(err))

	mailer.err = nil
	out, err := a.Execute(context.Background(), inv)
	require.NoError(t, err)
	assert.Nil(t, out["deduplicated"])
	assert.Len(t, mailer.sent, 1)
}

func TestRecordSignup(t *testing.T) {
	reg, err := metrics.NewScrapeRegistry(nil)
	require.NoError(t, err)
	a, err := NewRecordSignup(reg)
	require.NoError(t, err)

	in := withSteps(nil, map[string]any{CreateUserName: map[string]any{"created": true}})
	_, err = a.Execute(context.Background(), invocation(RecordSignupName, in))
	require.NoError(t, err)

	families, err := reg.Gatherer().Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != "tenantflow_signups_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
			for _, l := range m.GetLabel() {
				if l.GetName() == "tier" {
					assert.Equal(t, "pro", l.GetValue())
				}
			}
		}
	}
	assert.Equal(t, 1.0, total)
}

func TestCheckQuota(t *testing.T) {
	ws := NewMemoryWorkspaces()
	a := &CheckQuota{Workspaces: ws}

	out, err := a.Execute(context.Background(), invocation(CheckQuotaName, nil))
	require.NoError(t, err)
	assert.Equal(t, execution.Payload{"used": 0, "limit": int64(1)}, out)

	_, err = ws.Provision(context.Background(), "k1", Workspace{ID: "w1", TenantID: "acme"})
	require.NoError(t, err)
	_, err = a.Execute(context.Background(), invocation(CheckQuotaName, nil))
	assert.True(t, failure.Is(err, failure.KindAuthorization))

	gated := &CheckQuota{Workspaces: NewMemoryWorkspaces(), RequireFeature: "workspaces"}
	_, err = gated.Execute(context.Background(), invocation(CheckQuotaName, nil))
	assert.True(t, failure.Is(err, failure.KindAuthorization))
}

func TestProvisionAndActivateWorkspace(t *testing.T) {
	ws := NewMemoryWorkspaces()
	provision := &ProvisionWorkspace{Workspaces: ws}
	inv := invocation(ProvisionWorkspaceName, execution.Payload{"workspace": "Sales EU"})

	out, err := provision.Execute(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, "ws_acme_sales_eu", out["schema"])
	id := out["workspace_id"].(string)

	again, err := provision.Execute(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, id, again["workspace_id"], "same idempotency key, same workspace")

	activate := &ActivateWorkspace{Workspaces: ws}
	_, err = activate.Execute(context.Background(), invocation(ActivateWorkspaceName,
		withSteps(nil, map[string]any{ProvisionWorkspaceName: map[string]any{"workspace_id": id}})))
	require.NoError(t, err)
	w, ok := ws.Get(id)
	require.True(t, ok)
	assert.True(t, w.Active)
}

func TestProvisionWorkspace_Deferred(t *testing.T) {
	ws := NewMemoryWorkspaces()
	ws.Deferred = true
	a := &ProvisionWorkspace{Workspaces: ws}

	_, err := a.Execute(context.Background(), invocation(ProvisionWorkspaceName, execution.Payload{"workspace": "lab"}))
	assert.ErrorIs(t, err, activity.ErrResultPending)
}

func TestSchemaName(t *testing.T) {
	assert.Equal(t, "ws_acme_sales_eu", schemaName("acme", "Sales EU"))
	assert.Equal(t, "ws_a_b", schemaName("a", "--b--"))
	assert.LessOrEqual(t, len(schemaName("tenant", strings.Repeat("x", 200))), 66)
}

func TestRegister(t *testing.T) {
	reg := activity.NewRegistry()
	require.NoError(t, Register(reg, Deps{}))

	assert.ElementsMatch(t, []string{
		ValidateEmailName, HashPasswordName, CreateUserName, SendWelcomeEmailName, RecordSignupName,
		CheckQuotaName, ProvisionWorkspaceName, ActivateWorkspaceName, SendWorkspaceReadyName,
	}, reg.Names())

	b, ok := reg.Lookup(SendWelcomeEmailName)
	require.True(t, ok)
	assert.NotZero(t, b.Timeout)

	assert.Error(t, Register(reg, Deps{}), "names are registered once")
}
