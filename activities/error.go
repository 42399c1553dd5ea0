package activities

import (
	"fmt"
	"strings"

	"github.com/nomis52/tenantflow/execution"
	"github.com/nomis52/tenantflow/failure"
)

// invalid reports bad input. Validation errors are never retried.
func invalid(activity, format string, args ...any) error {
	return failure.Wrap(failure.KindValidation, activity, fmt.Errorf(format, args...))
}

// stringField returns a required, non-empty string from the invocation input.
func stringField(activity string, in execution.Payload, key string) (string, error) {
	v, ok := in[key]
	if !ok {
		return "", invalid(activity, "input field %q is required", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", invalid(activity, "input field %q must be a string, got %T", key, v)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", invalid(activity, "input field %q is empty", key)
	}
	return s, nil
}

// stepOutput returns a field from the output of an earlier step, which the
// engine passes under the "steps" key of the input.
func stepOutput(in execution.Payload, step, key string) (any, bool) {
	steps, ok := in["steps"].(map[string]any)
	if !ok {
		return nil, false
	}
	out, ok := steps[step].(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := out[key]
	return v, ok
}

// stepString is stepOutput for string fields that must be present.
func stepString(activity string, in execution.Payload, step, key string) (string, error) {
	v, ok := stepOutput(in, step, key)
	if !ok {
		return "", invalid(activity, "output %q of step %q is missing", key, step)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", invalid(activity, "output %q of step %q must be a non-empty string", key, step)
	}
	return s, nil
}
