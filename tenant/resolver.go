package tenant

import (
	"log/slog"
	"net/http"
	"strings"
)

// DefaultHeader is the request header consulted when no verified claims exist.
const DefaultHeader = "X-Tenant-ID"

// Claims are the identity claims extracted from a verified bearer token.
type Claims struct {
	Subject  string `json:"sub"`
	TenantID string `json:"tenant_id"`
	Email    string `json:"email"`
}

// Directory looks up the details of known tenants.
type Directory interface {
	// Lookup returns the tenant with the given ID.
	Lookup(id string) (Context, bool)
	// LookupDomain returns the tenant that owns an email domain.
	LookupDomain(domain string) (Context, bool)
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	// DefaultTenantID is used when neither claims nor headers name a tenant.
	// If empty, unresolved requests yield a zero Context.
	DefaultTenantID string `yaml:"default_tenant_id"`
	// Header is the header consulted when no claims are present.
	Header string `yaml:"header"`
}

// Resolver determines the tenant for an inbound request.
type Resolver struct {
	defaultID string
	header    string
	dir       Directory
	logger    *slog.Logger
}

// NewResolver creates a Resolver. dir may be nil.
func NewResolver(cfg ResolverConfig, dir Directory, logger *slog.Logger) *Resolver {
	header := cfg.Header
	if header == "" {
		header = DefaultHeader
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		defaultID: cfg.DefaultTenantID,
		header:    header,
		dir:       dir,
		logger:    logger,
	}
}

// Resolve returns the tenant for a request. It never fails.
//
// Verified claims are authoritative: their tenant_id wins, then the tenant that
// owns the email domain. The header is only consulted when claims is nil, so a
// caller holding a token cannot switch tenants with a header. Anything left
// unresolved falls back to the default tenant.
func (r *Resolver) Resolve(headers http.Header, claims *Claims) Context {
	var id string
	switch {
	case claims != nil:
		id = strings.TrimSpace(claims.TenantID)
		if id == "" && r.dir != nil {
			if domain := emailDomain(claims.Email); domain != "" {
				if tc, ok := r.dir.LookupDomain(domain); ok {
					return tc
				}
			}
		}
		if id != "" && headers != nil {
			if h := strings.TrimSpace(headers.Get(r.header)); h != "" && h != id {
				r.logger.Warn("ignoring tenant header that disagrees with token",
					"header_tenant", h,
					"claim_tenant", id,
					"subject", claims.Subject,
				)
			}
		}
	case headers != nil:
		id = strings.TrimSpace(headers.Get(r.header))
	}

	if id == "" {
		id = r.defaultID
	}
	if id == "" {
		return Context{}
	}
	if r.dir != nil {
		if tc, ok := r.dir.Lookup(id); ok {
			return tc
		}
	}
	return New(id)
}

func emailDomain(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}
