package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/tenantflow/activity"
	"github.com/nomis52/tenantflow/client"
	"github.com/nomis52/tenantflow/engine"
	"github.com/nomis52/tenantflow/execution"
	"github.com/nomis52/tenantflow/logging"
	"github.com/nomis52/tenantflow/tenant"
	"github.com/nomis52/tenantflow/workflow"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// newTestServer runs a real engine with a single "greet" workflow.
func newTestServer(t *testing.T, opts ...Option) *httptest.Server {
	t.Helper()
	logger := testLogger()

	acts := activity.NewRegistry()
	require.NoError(t, acts.Register("greet", activity.Func(func(_ context.Context, inv activity.Invocation) (execution.Payload, error) {
		inv.Logger.Info("greeting", "name", inv.Input["name"])
		return execution.Payload{"greeting": "hello " + inv.Input["name"].(string)}, nil
	})))
	defs := workflow.NewRegistry(logger)
	_, err := defs.Register(workflow.Definition{
		Type:    "greet",
		Version: 1,
		Steps:   []workflow.Step{{Name: "greet", Activity: "greet"}},
	})
	require.NoError(t, err)

	collector := logging.NewLogCollector(0, 0)
	e, err := engine.New(defs, acts, activity.NewExecutor(acts, activity.WithLogger(logger)),
		engine.WithLogger(logger),
		engine.WithLoggerHook(logging.NewCapturingLoggerHook(collector)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

	resolver := tenant.NewResolver(tenant.ResolverConfig{}, nil, logger)
	opts = append([]Option{WithLogs(collector), WithProgress(e)}, opts...)
	s, err := New(logger, client.New(e, logger), defs, resolver, opts...)
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func call(t *testing.T, ts *httptest.Server, method, path, tenantID string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	if tenantID != "" {
		req.Header.Set(tenant.DefaultHeader, tenantID)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t)

	code, body := call(t, ts, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "version")
}

func TestServer_RequiresTenant(t *testing.T) {
	ts := newTestServer(t)

	code, body := call(t, ts, http.MethodGet, "/api/v1/workflows", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "authorization", body["kind"])

	code, body = call(t, ts, http.MethodGet, "/api/v1/workflows", "acme", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["workflows"], 1)
}

func TestServer_ExecutionLifecycle(t *testing.T) {
	ts := newTestServer(t)

	code, body := call(t, ts, http.MethodPost, "/api/v1/executions", "acme", map[string]any{
		"workflow_type": "greet",
		"input":         map[string]any{"name": "ada"},
		"wait":          "5s",
	})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, map[string]any{"greet": map[string]any{"greeting": "hello ada"}}, body["result"])
	id := body["execution_id"].(string)

	code, body = call(t, ts, http.MethodGet, "/api/v1/executions/"+id, "acme", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "acme", body["tenant"].(map[string]any)["id"])
	assert.Len(t, body["history"], 1)

	code, body = call(t, ts, http.MethodGet, "/api/v1/executions/"+id+"/logs", "acme", nil)
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body["logs"])

	code, body = call(t, ts, http.MethodPost, "/api/v1/executions/"+id+"/cancel", "acme", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["accepted"], "finished executions cannot be cancelled")

	code, body = call(t, ts, http.MethodGet, "/api/v1/executions", "acme", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["executions"], 1)
}

func TestServer_TenantIsolation(t *testing.T) {
	ts := newTestServer(t)

	code, body := call(t, ts, http.MethodPost, "/api/v1/executions", "acme", map[string]any{
		"workflow_type": "greet",
		"input":         map[string]any{"name": "ada"},
	})
	require.Equal(t, http.StatusAccepted, code, body)
	id := body["execution_id"].(string)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/executions/" + id},
		{http.MethodGet, "/api/v1/executions/" + id + "/logs"},
		{http.MethodPost, "/api/v1/executions/" + id + "/cancel"},
	} {
		code, _ := call(t, ts, tc.method, tc.path, "globex", nil)
		assert.Equal(t, http.StatusNotFound, code, tc.path)
	}

	code, body = call(t, ts, http.MethodGet, "/api/v1/executions", "globex", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["executions"])

	code, _ = call(t, ts, http.MethodPost, "/api/v1/executions", "globex", map[string]any{
		"workflow_type": "greet",
		"tenant_id":     "acme",
	})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = call(t, ts, http.MethodPost, "/api/v1/executions", "acme", map[string]any{"workflow_type": "missing"})
	assert.Equal(t, http.StatusNotFound, code)
}

type fakeVerifier map[string]tenant.Claims

func (f fakeVerifier) Verify(_ context.Context, raw string) (*tenant.Claims, error) {
	c, ok := f[raw]
	if !ok {
		return nil, errors.New("bad signature")
	}
	return &c, nil
}

func TestServer_BearerTokens(t *testing.T) {
	ts := newTestServer(t, WithVerifier(fakeVerifier{
		"acme-token":   {Subject: "u1", TenantID: "acme"},
		"no-tenant":    {Subject: "u2"},
		"globex-token": {Subject: "u3", TenantID: "globex"},
	}))
	get := func(token, header string) int {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/executions", nil)
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if header != "" {
			req.Header.Set(tenant.DefaultHeader, header)
		}
		resp, err := ts.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, get("acme-token", ""))
	assert.Equal(t, http.StatusOK, get("globex-token", "acme"), "the header cannot override the token")
	assert.Equal(t, http.StatusUnauthorized, get("", "acme"), "the header alone is not enough")
	assert.Equal(t, http.StatusUnauthorized, get("forged", ""))
	assert.Equal(t, http.StatusUnauthorized, get("no-tenant", ""))
}

func TestServer_MetricsHandler(t *testing.T) {
	ts := newTestServer(t, WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"metric":1}`))
	})))

	code, body := call(t, ts, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["metric"])
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(testLogger(), nil, nil, nil)
	assert.Error(t, err)
}
