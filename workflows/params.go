// Package workflows holds the workflow definitions tenantflow ships with.
// Unlike the generic workflow package, which versions and resolves
// definitions, this package decides which steps the built-in workflows run.
package workflows

import (
	"fmt"
	"time"

	"github.com/nomis52/tenantflow/retry"
	"github.com/nomis52/tenantflow/workflow"
)

// Params tunes the built-in definitions.
type Params struct {
	// Policies overrides the retry policy of individual steps, by step name.
	Policies map[string]retry.Policy
	// Timeouts overrides the workflow timeout, by workflow type.
	Timeouts map[string]time.Duration
}

// Policy returns the configured policy for a step, or nil to keep the
// activity's default.
func (p Params) Policy(step string) *retry.Policy {
	if policy, ok := p.Policies[step]; ok {
		return &policy
	}
	return nil
}

// Timeout returns the configured timeout for a workflow type, or def.
func (p Params) Timeout(workflowType string, def time.Duration) time.Duration {
	if d, ok := p.Timeouts[workflowType]; ok {
		return d
	}
	return def
}

// Builder produces the versions of one workflow type, oldest first.
type Builder func(Params) []workflow.Definition

// Register adds every version produced by builders to reg.
func Register(reg *workflow.Registry, p Params, builders ...Builder) error {
	for _, build := range builders {
		for _, def := range build(p) {
			if _, err := reg.Register(def); err != nil {
				return fmt.Errorf("registering %s: %w", def, err)
			}
		}
	}
	return nil
}
