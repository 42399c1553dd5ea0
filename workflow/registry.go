package workflow

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/nomis52/tenantflow/failure"
)

var (
	// ErrUnknownWorkflow is returned for a workflow type with no registered versions.
	ErrUnknownWorkflow = errors.New("unknown workflow type")
	// ErrUnknownVersion is returned when a specific version is not registered.
	ErrUnknownVersion = errors.New("unknown workflow version")
	// ErrIncompatible is returned when a redeploy would break executions pinned
	// to the same version.
	ErrIncompatible = errors.New("incompatible workflow definition")
)

// Deployment describes the effect of registering a definition.
type Deployment struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
	// Replaced is true when an existing (type, version) was redeployed.
	Replaced bool `json:"replaced"`
	// Breaking is true when the definition is incompatible with the previous
	// version. Executions pinned to older versions are unaffected.
	Breaking bool `json:"breaking"`
}

// Summary describes a registered workflow type.
type Summary struct {
	Type        string `json:"type"`
	Versions    []int  `json:"versions"`
	Active      int    `json:"active"`
	Description string `json:"description,omitempty"`
}

// Registry stores definitions by type and version. It is the version manager:
// new executions get the active version and existing ones resolve their pinned
// version.
type Registry struct {
	mu     sync.RWMutex
	defs   map[string]map[int]Definition
	pinned map[string]int
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		defs:   make(map[string]map[int]Definition),
		pinned: make(map[string]int),
		logger: logger,
	}
}

// Register adds a definition. Redeploying an existing version must be
// compatible with what is registered.
func (r *Registry) Register(def Definition) (Deployment, error) {
	if err := def.Validate(); err != nil {
		return Deployment{}, failure.Wrap(failure.KindValidation, "register workflow", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	dep := Deployment{Type: def.Type, Version: def.Version}
	versions, ok := r.defs[def.Type]
	if !ok {
		versions = make(map[int]Definition)
		r.defs[def.Type] = versions
	}

	if existing, ok := versions[def.Version]; ok {
		if !IsCompatible(existing, def) {
			return Deployment{}, failure.Wrap(failure.KindVersionConflict, "register workflow",
				fmt.Errorf("%w: %s removes or reorders steps of the deployed version", ErrIncompatible, def))
		}
		dep.Replaced = true
	} else if prev, ok := previousVersion(versions, def.Version); ok && !IsCompatible(prev, def) {
		dep.Breaking = true
		r.logger.Warn("registered breaking workflow version",
			"workflow_type", def.Type,
			"version", def.Version,
			"previous_version", prev.Version,
		)
	}

	versions[def.Version] = def
	r.logger.Info("registered workflow",
		"workflow_type", def.Type,
		"version", def.Version,
		"steps", len(def.Steps),
		"replaced", dep.Replaced,
	)
	return dep, nil
}

func previousVersion(versions map[int]Definition, v int) (Definition, bool) {
	best := 0
	for candidate := range versions {
		if candidate < v && candidate > best {
			best = candidate
		}
	}
	def, ok := versions[best]
	return def, ok
}

// Resolve returns the definition for a type and version. Version 0 resolves
// the active version.
func (r *Registry) Resolve(workflowType string, version int) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.defs[workflowType]
	if !ok || len(versions) == 0 {
		return Definition{}, failure.Wrap(failure.KindNotFound, "resolve workflow",
			fmt.Errorf("%w: %q", ErrUnknownWorkflow, workflowType))
	}
	if version == 0 {
		version = r.activeLocked(workflowType)
	}
	def, ok := versions[version]
	if !ok {
		return Definition{}, failure.Wrap(failure.KindVersionConflict, "resolve workflow",
			fmt.Errorf("%w: %s@v%d", ErrUnknownVersion, workflowType, version))
	}
	return def, nil
}

// SetActive pins the version new executions of a type start on. Passing 0
// unpins the type so the latest version is used.
func (r *Registry) SetActive(workflowType string, version int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if version == 0 {
		delete(r.pinned, workflowType)
		return nil
	}
	versions, ok := r.defs[workflowType]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownWorkflow, workflowType)
	}
	if _, ok := versions[version]; !ok {
		return fmt.Errorf("%w: %s@v%d", ErrUnknownVersion, workflowType, version)
	}
	r.pinned[workflowType] = version
	return nil
}

// Active returns the version new executions of the type start on.
func (r *Registry) Active(workflowType string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.defs[workflowType]; !ok {
		return 0, false
	}
	return r.activeLocked(workflowType), true
}

func (r *Registry) activeLocked(workflowType string) int {
	if v, ok := r.pinned[workflowType]; ok {
		return v
	}
	return slices.Max(slices.Collect(maps.Keys(r.defs[workflowType])))
}

// Types returns the registered workflow types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.defs))
}

// Catalog summarises every registered type.
func (r *Registry) Catalog() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Summary, 0, len(r.defs))
	for _, typ := range slices.Sorted(maps.Keys(r.defs)) {
		versions := slices.Sorted(maps.Keys(r.defs[typ]))
		active := r.activeLocked(typ)
		out = append(out, Summary{
			Type:        typ,
			Versions:    versions,
			Active:      active,
			Description: r.defs[typ][active].Description,
		})
	}
	return out
}
