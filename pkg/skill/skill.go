// Package skill implements the typed capability registry and dispatcher.
//
// A skill is a named, schema-typed operation the agent can call: either a
// local handler running in-process or a remote workflow on the engine.
// The registry is populated at startup and read-only afterwards; dispatch
// validates input and output against the registered schemas.
package skill

import (
	"context"
	"fmt"

	"github.com/redlineai/redline/pkg/registry"
)

// Backend selects where a skill executes.
type Backend string

const (
	BackendLocal  Backend = "local"
	BackendRemote Backend = "remote"
)

// Handler is a local skill implementation.
type Handler func(ctx context.Context, input map[string]any) (map[string]any, error)

// Registration describes one skill.
type Registration struct {
	ID           string         `json:"id"`
	Description  string         `json:"description,omitempty"`
	InputSchema  map[string]any `json:"input_schema"`
	OutputSchema map[string]any `json:"output_schema"`
	Backend      Backend        `json:"backend"`

	// Exactly one of Handler (local) or WorkflowID (remote) is set,
	// matching Backend.
	Handler    Handler `json:"-"`
	WorkflowID string  `json:"workflow_id,omitempty"`

	// Domains scopes visibility; empty means visible to every domain.
	Domains []string `json:"domains,omitempty"`
}

// VisibleTo reports whether the skill is exported to the given domain.
func (r *Registration) VisibleTo(domainID string) bool {
	if len(r.Domains) == 0 {
		return true
	}
	for _, d := range r.Domains {
		if d == domainID {
			return true
		}
	}
	return false
}

// Registry holds skill registrations keyed by id.
type Registry struct {
	*registry.BaseRegistry[*Registration]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[*Registration]()}
}

// Register validates and stores a registration. It fails on a missing
// schema, a duplicate id, or backend metadata that does not match the
// declared backend.
func (r *Registry) Register(reg *Registration) error {
	if reg.ID == "" {
		return fmt.Errorf("skill id cannot be empty")
	}
	if reg.InputSchema == nil || reg.OutputSchema == nil {
		return fmt.Errorf("skill %s: input and output schemas are required", reg.ID)
	}
	switch reg.Backend {
	case BackendLocal:
		if reg.Handler == nil {
			return fmt.Errorf("skill %s: local backend requires a handler", reg.ID)
		}
		if reg.WorkflowID != "" {
			return fmt.Errorf("skill %s: local backend must not set a workflow id", reg.ID)
		}
	case BackendRemote:
		if reg.WorkflowID == "" {
			return fmt.Errorf("skill %s: remote backend requires a workflow id", reg.ID)
		}
		if reg.Handler != nil {
			return fmt.Errorf("skill %s: remote backend must not set a handler", reg.ID)
		}
	default:
		return fmt.Errorf("skill %s: unknown backend %q", reg.ID, reg.Backend)
	}
	return r.BaseRegistry.Register(reg.ID, reg)
}
