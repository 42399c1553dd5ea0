// Package activities contains the activities behind the built-in workflows:
// user onboarding and workspace provisioning.
package activities

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nomis52/tenantflow/activity"
	"github.com/nomis52/tenantflow/metrics"
)

// Activity names as referenced by workflow steps.
const (
	ValidateEmailName      = "validate_email"
	HashPasswordName       = "hash_password"
	CreateUserName         = "create_user"
	SendWelcomeEmailName   = "send_welcome_email"
	RecordSignupName       = "record_signup"
	CheckQuotaName         = "check_quota"
	ProvisionWorkspaceName = "provision_workspace"
	ActivateWorkspaceName  = "activate_workspace"
	SendWorkspaceReadyName = "send_workspace_ready_email"
)

// Deps are the services the activities use. Nil fields get in-memory
// implementations.
type Deps struct {
	Users      UserStore
	Workspaces Workspaces
	Mailer     Mailer
	Guard      activity.Guard
	Domains    DomainOwner
	Metrics    metrics.Registry
	BcryptCost int
	Logger     *slog.Logger
}

func (d *Deps) setDefaults() {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Users == nil {
		d.Users = NewMemoryUsers()
	}
	if d.Workspaces == nil {
		d.Workspaces = NewMemoryWorkspaces()
	}
	if d.Mailer == nil {
		d.Mailer = LogMailer{Logger: d.Logger.With("component", "mailer")}
	}
	if d.Guard == nil {
		d.Guard = activity.NewMemoryGuard()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Discard()
	}
}

// Register adds every built-in activity to reg. Bindings carry the default
// timeouts; configuration can override them with Registry.Configure.
func Register(reg *activity.Registry, deps Deps) error {
	deps.setDefaults()

	recordSignup, err := NewRecordSignup(deps.Metrics)
	if err != nil {
		return err
	}

	bindings := []struct {
		name string
		a    activity.Activity
		opts []activity.Option
	}{
		{ValidateEmailName, &ValidateEmail{Domains: deps.Domains}, nil},
		{HashPasswordName, &HashPassword{Cost: deps.BcryptCost}, []activity.Option{activity.WithTimeout(5 * time.Second)}},
		{CreateUserName, &CreateUser{Users: deps.Users}, nil},
		{SendWelcomeEmailName, &SendEmail{
			Mailer:         deps.Mailer,
			Guard:          deps.Guard,
			Template:       "welcome",
			RecipientStep:  ValidateEmailName,
			RecipientField: "email",
		}, []activity.Option{activity.WithTimeout(10 * time.Second)}},
		{RecordSignupName, recordSignup, nil},
		{CheckQuotaName, &CheckQuota{Workspaces: deps.Workspaces}, nil},
		{ProvisionWorkspaceName, &ProvisionWorkspace{Workspaces: deps.Workspaces}, []activity.Option{activity.WithTimeout(2 * time.Minute)}},
		{ActivateWorkspaceName, &ActivateWorkspace{Workspaces: deps.Workspaces}, nil},
		{SendWorkspaceReadyName, &SendEmail{
			Mailer:         deps.Mailer,
			Guard:          deps.Guard,
			Template:       "workspace_ready",
			RecipientField: "admin_email",
		}, []activity.Option{activity.WithTimeout(10 * time.Second)}},
	}
	for _, b := range bindings {
		if err := reg.Register(b.name, b.a, b.opts...); err != nil {
			return fmt.Errorf("registering activity %s: %w", b.name, err)
		}
	}
	deps.Logger.Debug("registered activities", "count", len(bindings))
	return nil
}
