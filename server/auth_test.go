package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/tenantflow/tenant"
)

// unsignedKeySet accepts any signature and returns the token payload.
type unsignedKeySet struct{}

func (unsignedKeySet) VerifySignature(_ context.Context, jwt string) ([]byte, error) {
	parts := strings.Split(jwt, ".")
	if len(parts) != 3 {
		return nil, errors.New("malformed jwt")
	}
	return base64.RawURLEncoding.DecodeString(parts[1])
}

const (
	testIssuer   = "https://id.example.test"
	testClientID = "tenantflow"
)

func fakeToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	enc := func(v any) string {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		return base64.RawURLEncoding.EncodeToString(b)
	}
	header := enc(map[string]any{"alg": "RS256", "typ": "JWT", "kid": "test"})
	sig := base64.RawURLEncoding.EncodeToString([]byte("signature"))
	return header + "." + enc(claims) + "." + sig
}

func testVerifier() *OIDCVerifier {
	return newOIDCVerifier(oidc.NewVerifier(testIssuer, unsignedKeySet{}, &oidc.Config{ClientID: testClientID}))
}

func TestOIDCVerifier_Verify(t *testing.T) {
	v := testVerifier()
	now := time.Now()

	tests := []struct {
		name    string
		claims  map[string]any
		want    *tenant.Claims
		wantErr bool
	}{
		{
			name: "tenant claim",
			claims: map[string]any{
				"iss": testIssuer, "aud": testClientID, "sub": "user-1",
				"exp": now.Add(time.Hour).Unix(), "tenant_id": "acme", "email": "u@acme.test",
			},
			want: &tenant.Claims{Subject: "user-1", TenantID: "acme", Email: "u@acme.test"},
		},
		{
			name: "email only",
			claims: map[string]any{
				"iss": testIssuer, "aud": testClientID, "sub": "user-2",
				"exp": now.Add(time.Hour).Unix(), "email": "u@globex.test",
			},
			want: &tenant.Claims{Subject: "user-2", Email: "u@globex.test"},
		},
		{
			name: "expired",
			claims: map[string]any{
				"iss": testIssuer, "aud": testClientID, "sub": "user-1",
				"exp": now.Add(-time.Hour).Unix(), "tenant_id": "acme",
			},
			wantErr: true,
		},
		{
			name: "wrong issuer",
			claims: map[string]any{
				"iss": "https://evil.test", "aud": testClientID, "sub": "user-1",
				"exp": now.Add(time.Hour).Unix(), "tenant_id": "acme",
			},
			wantErr: true,
		},
		{
			name: "wrong audience",
			claims: map[string]any{
				"iss": testIssuer, "aud": "someone-else", "sub": "user-1",
				"exp": now.Add(time.Hour).Unix(), "tenant_id": "acme",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Verify(context.Background(), fakeToken(t, tt.claims))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := v.Verify(context.Background(), "not-a-jwt")
	assert.Error(t, err)
}

func TestTenantMiddleware_WithOIDC(t *testing.T) {
	dir, err := tenant.NewStaticDirectory([]tenant.Entry{
		{ID: "globex", Tier: "free", Domains: []string{"globex.test"}},
	})
	require.NoError(t, err)
	resolver := tenant.NewResolver(tenant.ResolverConfig{}, dir, testLogger())

	var seen tenant.Context
	h := tenantMiddleware(resolver, testVerifier(), testLogger(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = tenant.FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	token := fakeToken(t, map[string]any{
		"iss": testIssuer, "aud": testClientID, "sub": "user-2",
		"exp": time.Now().Add(time.Hour).Unix(), "email": "ops@globex.test",
	})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/executions", nil)
	req.Header.Set("Authorization", "bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "globex", seen.ID)
	assert.Equal(t, "free", seen.Tier, "tenant details come from the directory")

	req = httptest.NewRequest(http.MethodGet, "/api/v1/executions", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer  abc ", "abc", true},
		{"Bearer", "", false},
		{"Bearer ", "", false},
		{"Basic abc", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		got, ok := bearerToken(req)
		assert.Equal(t, tt.ok, ok, tt.header)
		assert.Equal(t, tt.want, got, tt.header)
	}
}
