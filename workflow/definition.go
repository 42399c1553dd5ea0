package workflow

import (
	"fmt"
	"reflect"
	"time"

	"github.com/nomis52/tenantflow/execution"
	"github.com/nomis52/tenantflow/retry"
)

// Condition decides whether a step runs, given the outputs of earlier steps
// keyed by step name.
type Condition func(outputs map[string]execution.Payload) bool

// OutputEquals is a Condition that holds when a previous step's output field
// equals want.
func OutputEquals(step, field string, want any) Condition {
	return func(outputs map[string]execution.Payload) bool {
		out, ok := outputs[step]
		if !ok {
			return false
		}
		got, ok := out[field]
		return ok && reflect.DeepEqual(got, want)
	}
}

// OutputTrue is a Condition that holds when a previous step's output field is
// the boolean true.
func OutputTrue(step, field string) Condition {
	return OutputEquals(step, field, true)
}

// Not negates a condition.
func Not(c Condition) Condition {
	return func(outputs map[string]execution.Payload) bool {
		return !c(outputs)
	}
}

// Step is a single unit of a workflow.
type Step struct {
	// Name identifies the step within the definition.
	Name string
	// Activity is the registered activity the step invokes.
	Activity string
	// AwaitSignal makes the step wait for a signal with this name instead of
	// invoking an activity. The signal payload becomes the step output.
	AwaitSignal string
	// Timeout bounds each attempt. Zero uses the activity's configured timeout.
	Timeout time.Duration
	// Policy overrides the activity's retry policy for this step.
	Policy *retry.Policy
	// When makes the step conditional.
	When Condition
}

// unit returns what the step does, used for compatibility checks.
func (s Step) unit() string {
	if s.AwaitSignal != "" {
		return "signal:" + s.AwaitSignal
	}
	return "activity:" + s.Activity
}

// Definition is a versioned, ordered list of steps.
type Definition struct {
	Type        string
	Version     int
	Description string
	// Timeout bounds the whole execution. Zero means no limit.
	Timeout time.Duration
	Steps   []Step
}

// Validate checks the definition is well formed.
func (d Definition) Validate() error {
	if d.Type == "" {
		return fmt.Errorf("workflow type is required")
	}
	if d.Version < 1 {
		return fmt.Errorf("workflow %s: version must be at least 1, got %d", d.Type, d.Version)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %s v%d: at least one step is required", d.Type, d.Version)
	}
	if d.Timeout < 0 {
		return fmt.Errorf("workflow %s v%d: timeout must not be negative", d.Type, d.Version)
	}

	seen := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("workflow %s v%d: step %d has no name", d.Type, d.Version, i)
		}
		if seen[s.Name] {
			return fmt.Errorf("workflow %s v%d: duplicate step %q", d.Type, d.Version, s.Name)
		}
		seen[s.Name] = true

		if (s.Activity == "") == (s.AwaitSignal == "") {
			return fmt.Errorf("workflow %s v%d: step %q needs exactly one of an activity or a signal", d.Type, d.Version, s.Name)
		}
		if s.Timeout < 0 {
			return fmt.Errorf("workflow %s v%d: step %q timeout must not be negative", d.Type, d.Version, s.Name)
		}
		if s.Policy != nil {
			if err := s.Policy.Validate(); err != nil {
				return fmt.Errorf("workflow %s v%d: step %q: %w", d.Type, d.Version, s.Name, err)
			}
		}
	}
	return nil
}

// StepNames returns the step names in order.
func (d Definition) StepNames() []string {
	names := make([]string, len(d.Steps))
	for i, s := range d.Steps {
		names[i] = s.Name
	}
	return names
}

// Step returns the step at index i.
func (d Definition) Step(i int) (Step, bool) {
	if i < 0 || i >= len(d.Steps) {
		return Step{}, false
	}
	return d.Steps[i], true
}

// String returns "type@vN".
func (d Definition) String() string {
	return fmt.Sprintf("%s@v%d", d.Type, d.Version)
}

// IsCompatible reports whether executions following running can continue on
// next: next must keep every step of running, in order, as a prefix.
func IsCompatible(running, next Definition) bool {
	if running.Type != next.Type || len(next.Steps) < len(running.Steps) {
		return false
	}
	for i, s := range running.Steps {
		n := next.Steps[i]
		if n.Name != s.Name || n.unit() != s.unit() {
			return false
		}
	}
	return true
}

// SupportsHistory reports whether def can resume an execution that has already
// scheduled the given steps, in order.
func SupportsHistory(def Definition, executed []string) bool {
	if len(executed) > len(def.Steps) {
		return false
	}
	for i, name := range executed {
		if def.Steps[i].Name != name {
			return false
		}
	}
	return true
}
