package activity

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/nomis52/tenantflow/retry"
)

// Binding is a registered activity with its defaults.
type Binding struct {
	Name     string
	Activity Activity
	// Policy is nil when the activity uses the engine default.
	Policy *retry.Policy
	// Timeout is zero when the activity uses the engine default.
	Timeout time.Duration
}

// Option configures a Binding at registration.
type Option func(*Binding)

// WithPolicy sets the activity's retry policy.
func WithPolicy(p retry.Policy) Option {
	return func(b *Binding) {
		b.Policy = &p
	}
}

// WithTimeout sets the activity's attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(b *Binding) {
		b.Timeout = d
	}
}

// Registry maps activity names to implementations.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]Binding
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{bindings: make(map[string]Binding)}
}

// Register adds an activity under name.
func (r *Registry) Register(name string, a Activity, opts ...Option) error {
	if name == "" {
		return fmt.Errorf("activity name is required")
	}
	if a == nil {
		return fmt.Errorf("activity %q: implementation is nil", name)
	}
	b := Binding{Name: name, Activity: a}
	for _, opt := range opts {
		opt(&b)
	}
	if err := validate(b); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bindings[name]; ok {
		return fmt.Errorf("activity %q already registered", name)
	}
	r.bindings[name] = b
	return nil
}

// Configure overrides the policy and timeout of a registered activity. Nil and
// zero values leave the current setting unchanged.
func (r *Registry) Configure(name string, policy *retry.Policy, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[name]
	if !ok {
		return fmt.Errorf("activity %q is not registered", name)
	}
	if policy != nil {
		p := *policy
		b.Policy = &p
	}
	if timeout != 0 {
		b.Timeout = timeout
	}
	if err := validate(b); err != nil {
		return err
	}
	r.bindings[name] = b
	return nil
}

// Lookup returns the binding for name.
func (r *Registry) Lookup(name string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[name]
	return b, ok
}

// Names returns the registered activity names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.bindings))
}

func validate(b Binding) error {
	if b.Timeout < 0 {
		return fmt.Errorf("activity %q: timeout must not be negative", b.Name)
	}
	if b.Policy != nil {
		if err := b.Policy.Validate(); err != nil {
			return fmt.Errorf("activity %q: %w", b.Name, err)
		}
	}
	return nil
}
