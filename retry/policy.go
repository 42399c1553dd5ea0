// Package retry decides whether a failed activity attempt is retried and how long
// to wait before the next one.
package retry

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/nomis52/tenantflow/failure"
)

const (
	defaultMaxAttempts       = 3
	defaultInitialBackoff    = time.Second
	defaultBackoffMultiplier = 2.0
	defaultMaxBackoff        = time.Minute
)

// Policy configures retries for a single activity or step.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	// BackoffMultiplier grows the delay between consecutive attempts.
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier"`
	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration `yaml:"max_backoff" json:"max_backoff"`
	// RetryableKinds lists the error kinds that are retried.
	RetryableKinds []failure.Kind `yaml:"retryable_kinds" json:"retryable_kinds"`
}

// DefaultPolicy returns the policy used when neither the step nor the activity
// configures one.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       defaultMaxAttempts,
		InitialBackoff:    defaultInitialBackoff,
		BackoffMultiplier: defaultBackoffMultiplier,
		MaxBackoff:        defaultMaxBackoff,
		RetryableKinds:    []failure.Kind{failure.KindTransient, failure.KindTimeout},
	}
}

// SetDefaults fills unset fields from DefaultPolicy. RetryableKinds is left
// alone when set, so an explicit empty list is not possible from YAML; use
// MaxAttempts: 1 to disable retries instead.
func (p *Policy) SetDefaults() {
	d := DefaultPolicy()
	if p.MaxAttempts == 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialBackoff == 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.BackoffMultiplier == 0 {
		p.BackoffMultiplier = d.BackoffMultiplier
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.RetryableKinds == nil {
		p.RetryableKinds = d.RetryableKinds
	}
}

// Validate checks the policy is usable.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.InitialBackoff < 0 {
		return fmt.Errorf("initial_backoff must not be negative")
	}
	if p.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be at least 1, got %v", p.BackoffMultiplier)
	}
	if p.MaxBackoff < p.InitialBackoff {
		return fmt.Errorf("max_backoff (%s) must not be less than initial_backoff (%s)", p.MaxBackoff, p.InitialBackoff)
	}
	return nil
}

// Retryable reports whether the policy retries errors of the given kind.
func (p Policy) Retryable(kind failure.Kind) bool {
	return slices.Contains(p.RetryableKinds, kind)
}

// Backoff returns the un-jittered delay that follows the given failed attempt:
// min(MaxBackoff, InitialBackoff * BackoffMultiplier^(attempt-1)).
// It is non-decreasing in attempt.
func Backoff(p Policy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.InitialBackoff) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay >= float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(delay)
}
