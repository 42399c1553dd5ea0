package activities

import (
	"context"
	"net/mail"
	"strings"

	"github.com/nomis52/tenantflow/activity"
	"github.com/nomis52/tenantflow/execution"
	"github.com/nomis52/tenantflow/failure"
	"github.com/nomis52/tenantflow/tenant"
)

// DomainOwner finds the tenant that owns an email domain.
type DomainOwner interface {
	LookupDomain(domain string) (tenant.Context, bool)
}

// ValidateEmail checks the address a user signs up with and normalises it.
type ValidateEmail struct {
	// Field is the input field holding the address. Defaults to "email".
	Field string
	// Domains is optional. When set, addresses on a domain owned by another
	// tenant are refused.
	Domains DomainOwner
}

// Execute implements activity.Activity.
func (a *ValidateEmail) Execute(_ context.Context, inv activity.Invocation) (execution.Payload, error) {
	return activity.CaptureError(inv.Status, func() (execution.Payload, error) {
		field := a.Field
		if field == "" {
			field = "email"
		}
		raw, err := stringField(ValidateEmailName, inv.Input, field)
		if err != nil {
			return nil, err
		}

		addr, err := mail.ParseAddress(raw)
		if err != nil || addr.Name != "" {
			return nil, invalid(ValidateEmailName, "%q is not a valid email address", raw)
		}
		email := strings.ToLower(addr.Address)
		at := strings.LastIndex(email, "@")
		domain := email[at+1:]
		if !strings.Contains(domain, ".") {
			return nil, invalid(ValidateEmailName, "email domain %q is not fully qualified", domain)
		}

		if a.Domains != nil {
			if owner, ok := a.Domains.LookupDomain(domain); ok && owner.ID != inv.Tenant.ID {
				return nil, failure.Errorf(failure.KindAuthorization,
					"%s: domain %q belongs to another tenant", ValidateEmailName, domain)
			}
		}

		inv.Status.Set("email address is valid")
		return execution.Payload{"email": email, "domain": domain}, nil
	})
}

var _ activity.Activity = (*ValidateEmail)(nil)
