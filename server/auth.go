package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc"

	"github.com/nomis52/tenantflow/failure"
	"github.com/nomis52/tenantflow/tenant"
)

// TokenVerifier verifies a bearer token and returns its identity claims.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*tenant.Claims, error)
}

// OIDCVerifier verifies ID and access tokens issued by an OpenID Connect
// provider.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers the provider at issuer. When clientID is empty
// the token audience is not checked, as access tokens often carry an API
// audience instead of the client ID.
func NewOIDCVerifier(ctx context.Context, issuer, clientID string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discovering oidc provider %s: %w", issuer, err)
	}
	return newOIDCVerifier(provider.Verifier(&oidc.Config{
		ClientID:          clientID,
		SkipClientIDCheck: clientID == "",
	})), nil
}

func newOIDCVerifier(v *oidc.IDTokenVerifier) *OIDCVerifier {
	return &OIDCVerifier{verifier: v}
}

// Verify implements TokenVerifier.
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (*tenant.Claims, error) {
	token, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, err
	}
	var claims tenant.Claims
	if err := token.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decoding token claims: %w", err)
	}
	if claims.Subject == "" {
		claims.Subject = token.Subject
	}
	return &claims, nil
}

// tenantMiddleware resolves the caller's tenant and stores it in the request
// context. With a verifier configured every request needs a valid bearer
// token; without one the tenant header is used. Requests that end up
// without a tenant are rejected with 401.
func tenantMiddleware(resolver *tenant.Resolver, verifier TokenVerifier, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var claims *tenant.Claims
		if verifier != nil {
			raw, ok := bearerToken(r)
			if !ok {
				unauthorized(w, "missing bearer token")
				return
			}
			c, err := verifier.Verify(r.Context(), raw)
			if err != nil {
				logger.Info("rejected bearer token", "error", err, "path", r.URL.Path)
				unauthorized(w, "invalid bearer token")
				return
			}
			claims = c
		}

		tc := resolver.Resolve(r.Header, claims)
		if tc.IsZero() {
			unauthorized(w, "no tenant")
			return
		}
		next.ServeHTTP(w, r.WithContext(tenant.WithContext(r.Context(), tc)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSON(w, http.StatusUnauthorized, map[string]string{
		"error": msg,
		"kind":  failure.KindAuthorization.String(),
	})
}
