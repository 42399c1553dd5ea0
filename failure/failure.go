// Package failure defines the error taxonomy shared by every tenantflow component.
//
// Errors carry a Kind which drives retry decisions and the HTTP status returned
// to callers. Use Wrap or Errorf to attach a kind and KindOf to read it back:
//
//	err := failure.Errorf(failure.KindValidation, "input: missing %q", "email")
//	failure.KindOf(err) // KindValidation
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind int

const (
	// KindUnknown is an error that carries no classification.
	KindUnknown Kind = iota
	// KindValidation is bad input or a malformed definition. Never retried.
	KindValidation
	// KindAuthorization is a missing or mismatched tenant.
	KindAuthorization
	// KindNotFound is a reference to an execution, workflow or activity that does not exist.
	KindNotFound
	// KindTransient is a temporary failure such as an unavailable dependency.
	KindTransient
	// KindTimeout is an attempt that exceeded its deadline.
	KindTimeout
	// KindVersionConflict is a workflow version that cannot serve an execution.
	KindVersionConflict
	// KindEngineFault is an internal inconsistency, usually a persistence failure.
	KindEngineFault
)

var kindNames = map[Kind]string{
	KindUnknown:         "unknown",
	KindValidation:      "validation",
	KindAuthorization:   "authorization",
	KindNotFound:        "not_found",
	KindTransient:       "transient",
	KindTimeout:         "timeout",
	KindVersionConflict: "version_conflict",
	KindEngineFault:     "engine_fault",
}

// String returns the string representation of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind converts a kind name back to a Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown error kind %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Retryable reports whether errors of this kind are worth another attempt
// under the default retry policy.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindTimeout
}

// Error is an error annotated with a Kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap annotates err with a kind. It returns nil if err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf formats a new error of the given kind. The %w verb is supported.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in err's chain.
// Deadline errors that were never classified are reported as KindTimeout.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// Classify is KindOf for errors returned by activities: anything left
// unclassified is assumed to be transient.
func Classify(err error) Kind {
	if k := KindOf(err); k != KindUnknown {
		return k
	}
	return KindTransient
}

// Is reports whether err has the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
