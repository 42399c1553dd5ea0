package tenant

import (
	"fmt"
	"strings"
)

// Entry describes a tenant in configuration.
type Entry struct {
	ID       string           `yaml:"id"`
	Name     string           `yaml:"name"`
	Tier     string           `yaml:"tier"`
	Domains  []string         `yaml:"domains"`
	Features []string         `yaml:"features"`
	Quotas   map[string]int64 `yaml:"quotas"`
}

// StaticDirectory is a Directory built from configuration entries.
type StaticDirectory struct {
	byID     map[string]Context
	byDomain map[string]string
}

// NewStaticDirectory builds a directory. It rejects duplicate IDs and domains
// claimed by more than one tenant.
func NewStaticDirectory(entries []Entry) (*StaticDirectory, error) {
	d := &StaticDirectory{
		byID:     make(map[string]Context, len(entries)),
		byDomain: make(map[string]string),
	}
	for _, e := range entries {
		if e.ID == "" {
			return nil, fmt.Errorf("tenant entry is missing an id")
		}
		if _, dup := d.byID[e.ID]; dup {
			return nil, fmt.Errorf("duplicate tenant id %q", e.ID)
		}
		d.byID[e.ID] = New(e.ID,
			WithName(e.Name),
			WithTier(e.Tier),
			WithFeatures(e.Features...),
			WithQuotas(e.Quotas),
		)
		for _, domain := range e.Domains {
			domain = strings.ToLower(strings.TrimSpace(domain))
			if owner, dup := d.byDomain[domain]; dup {
				return nil, fmt.Errorf("domain %q claimed by tenants %q and %q", domain, owner, e.ID)
			}
			d.byDomain[domain] = e.ID
		}
	}
	return d, nil
}

// Lookup implements Directory.
func (d *StaticDirectory) Lookup(id string) (Context, bool) {
	tc, ok := d.byID[id]
	return tc, ok
}

// LookupDomain implements Directory.
func (d *StaticDirectory) LookupDomain(domain string) (Context, bool) {
	id, ok := d.byDomain[strings.ToLower(domain)]
	if !ok {
		return Context{}, false
	}
	return d.Lookup(id)
}

// Len returns the number of tenants.
func (d *StaticDirectory) Len() int {
	return len(d.byID)
}
