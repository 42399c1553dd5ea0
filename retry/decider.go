package retry

import (
	"math/rand/v2"
	"time"

	"github.com/nomis52/tenantflow/failure"
)

const (
	minJitter = 0.5
	maxJitter = 1.0
)

// Decision is the outcome of Decide: retry after a delay, or give up.
type Decision struct {
	Retry bool
	After time.Duration
}

// GiveUp is the decision to stop retrying.
func GiveUp() Decision {
	return Decision{}
}

// RetryAfter is the decision to try again once d has elapsed.
func RetryAfter(d time.Duration) Decision {
	return Decision{Retry: true, After: d}
}

// Decider applies a Policy to failed attempts.
type Decider struct {
	jitter func() float64
}

// Option configures a Decider.
type Option func(*Decider)

// WithJitter overrides the jitter source. f must return a factor in [0.5, 1.0].
func WithJitter(f func() float64) Option {
	return func(d *Decider) {
		d.jitter = f
	}
}

// NewDecider creates a Decider with uniform jitter in [0.5, 1.0).
func NewDecider(opts ...Option) *Decider {
	d := &Decider{
		jitter: func() float64 {
			return minJitter + rand.Float64()*(maxJitter-minJitter)
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decide returns GiveUp when attempt has reached p.MaxAttempts or kind is not
// retryable under p. Otherwise the execution waits Backoff(p, attempt) scaled
// by jitter.
func (d *Decider) Decide(kind failure.Kind, attempt int, p Policy) Decision {
	if attempt >= p.MaxAttempts || !p.Retryable(kind) {
		return GiveUp()
	}
	j := d.jitter()
	if j < minJitter {
		j = minJitter
	} else if j > maxJitter {
		j = maxJitter
	}
	return RetryAfter(time.Duration(float64(Backoff(p, attempt)) * j))
}
