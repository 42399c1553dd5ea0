// Package tenant carries the identity of the tenant on whose behalf work runs.
//
// A Context is resolved once at the edge of the system by a Resolver and then
// travels through context.Context to every workflow and activity.
package tenant

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
)

// Context identifies a tenant and the features and quotas it is entitled to.
// Values are immutable: constructors and accessors copy the underlying sets.
type Context struct {
	ID       string
	Name     string
	Tier     string
	features map[string]struct{}
	quotas   map[string]int64
}

// Option configures a Context.
type Option func(*Context)

// WithName sets the display name.
func WithName(name string) Option {
	return func(c *Context) { c.Name = name }
}

// WithTier sets the subscription tier.
func WithTier(tier string) Option {
	return func(c *Context) { c.Tier = tier }
}

// WithFeatures enables the given feature flags.
func WithFeatures(features ...string) Option {
	return func(c *Context) {
		for _, f := range features {
			c.features[f] = struct{}{}
		}
	}
}

// WithQuotas sets resource quotas.
func WithQuotas(quotas map[string]int64) Option {
	return func(c *Context) {
		maps.Copy(c.quotas, quotas)
	}
}

// New creates a tenant Context.
func New(id string, opts ...Option) Context {
	c := Context{
		ID:       id,
		features: make(map[string]struct{}),
		quotas:   make(map[string]int64),
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// IsZero reports whether no tenant was resolved.
func (c Context) IsZero() bool {
	return c.ID == ""
}

// HasFeature reports whether the feature flag is enabled.
func (c Context) HasFeature(name string) bool {
	_, ok := c.features[name]
	return ok
}

// Features returns the enabled feature flags, sorted.
func (c Context) Features() []string {
	return slices.Sorted(maps.Keys(c.features))
}

// Quota returns the quota for a resource.
func (c Context) Quota(name string) (int64, bool) {
	q, ok := c.quotas[name]
	return q, ok
}

// Quotas returns a copy of all quotas.
func (c Context) Quotas() map[string]int64 {
	return maps.Clone(c.quotas)
}

type wireContext struct {
	ID       string           `json:"id"`
	Name     string           `json:"name,omitempty"`
	Tier     string           `json:"tier,omitempty"`
	Features []string         `json:"features,omitempty"`
	Quotas   map[string]int64 `json:"quotas,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (c Context) MarshalJSON() ([]byte, error) {
	w := wireContext{ID: c.ID, Name: c.Name, Tier: c.Tier, Quotas: c.quotas}
	if len(c.features) > 0 {
		w.Features = c.Features()
	}
	if len(c.quotas) == 0 {
		w.Quotas = nil
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Context) UnmarshalJSON(data []byte) error {
	var w wireContext
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*c = New(w.ID, WithName(w.Name), WithTier(w.Tier), WithFeatures(w.Features...), WithQuotas(w.Quotas))
	return nil
}

type contextKey struct{}

// WithContext returns a copy of ctx carrying the tenant.
func WithContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, contextKey{}, tc)
}

// FromContext returns the tenant carried by ctx.
func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(contextKey{}).(Context)
	if !ok || tc.IsZero() {
		return Context{}, false
	}
	return tc, true
}
