// Package workflow defines versioned workflow definitions and the registry that
// resolves them.
//
// # Definitions
//
// A Definition is an ordered list of steps identified by (Type, Version). Each
// step either invokes a named activity or waits for a named signal:
//
//	workflow.Definition{
//	    Type:    "user_onboarding",
//	    Version: 1,
//	    Steps: []workflow.Step{
//	        {Name: "validate_email", Activity: "validate_email"},
//	        {Name: "send_welcome_email", Activity: "send_email", Timeout: 30 * time.Second},
//	        {Name: "grant_trial", Activity: "grant_trial", When: workflow.OutputEquals("validate_email", "plan", "trial")},
//	    },
//	}
//
// Steps run strictly in order. A step with a When condition is skipped when the
// condition evaluates to false against the outputs of earlier steps.
//
// # Versioning
//
// Executions are pinned to the version they started with. Deploying a new
// version never changes which definition an in-flight execution follows, and
// recovery always resolves the exact pinned version.
//
// A definition is compatible with another when it keeps all of the other's
// steps, by name and unit of work, as a prefix in the same order. Appending
// steps is compatible. Removing, renaming or reordering steps is not.
//
// Registering a definition for an existing (Type, Version) is only allowed when
// the replacement is compatible with the registered one; otherwise the
// registry returns a version conflict. Registering a new version that is
// incompatible with its predecessor is allowed but flagged as breaking, since
// in-flight executions stay on their pinned version.
package workflow
