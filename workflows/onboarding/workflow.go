// Package onboarding defines the user_onboarding workflow: validate the
// signup address, hash the password, create the account and welcome the
// user.
package onboarding

import (
	"time"

	"github.com/nomis52/tenantflow/activities"
	"github.com/nomis52/tenantflow/workflow"
	"github.com/nomis52/tenantflow/workflows"
)

// Type is the workflow type.
const Type = "user_onboarding"

const defaultTimeout = time.Hour

// Steps, in order.
const (
	StepValidateEmail = "validate_email"
	StepHashPassword  = "hash_password"
	StepCreateUser    = "create_user"
	StepSendWelcome   = "send_welcome"
	StepRecordSignup  = "record_signup"
)

// Definitions returns every version of user_onboarding. Version 2 appends
// the signup metric, so executions pinned to version 1 are unaffected.
func Definitions(p workflows.Params) []workflow.Definition {
	v1 := []workflow.Step{
		{Name: StepValidateEmail, Activity: activities.ValidateEmailName, Policy: p.Policy(StepValidateEmail)},
		{Name: StepHashPassword, Activity: activities.HashPasswordName, Policy: p.Policy(StepHashPassword)},
		{Name: StepCreateUser, Activity: activities.CreateUserName, Policy: p.Policy(StepCreateUser)},
		{
			Name:     StepSendWelcome,
			Activity: activities.SendWelcomeEmailName,
			Policy:   p.Policy(StepSendWelcome),
			// Existing accounts were welcomed when they were created.
			When: workflow.OutputTrue(StepCreateUser, "created"),
		},
	}
	v2 := append(append([]workflow.Step{}, v1...),
		workflow.Step{Name: StepRecordSignup, Activity: activities.RecordSignupName, Policy: p.Policy(StepRecordSignup)},
	)

	timeout := p.Timeout(Type, defaultTimeout)
	return []workflow.Definition{
		{Type: Type, Version: 1, Description: "Create a user account and send the welcome email", Timeout: timeout, Steps: v1},
		{Type: Type, Version: 2, Description: "Create a user account, send the welcome email and count the signup", Timeout: timeout, Steps: v2},
	}
}

var _ workflows.Builder = Definitions
