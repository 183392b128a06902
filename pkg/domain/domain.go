// Package domain holds the review domain plugins: immutable bundles of
// parser config, checklist, and skill preferences, registered at startup
// and looked up by id when a task starts.
package domain

import (
	"fmt"

	"github.com/redlineai/redline/pkg/clausetree"
	"github.com/redlineai/redline/pkg/registry"
)

// Priority ranks a checklist item.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// ChecklistItem names one clause the graph must review.
type ChecklistItem struct {
	ClauseID        string   `json:"clause_id"`
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	Priority        Priority `json:"priority"`
	RequiredSkills  []string `json:"required_skills,omitempty"`
	SuggestedSkills []string `json:"suggested_skills,omitempty"`
}

// Plugin is one review domain. Plugins are immutable after registration.
type Plugin struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Subtypes     []string          `json:"subtypes,omitempty"`
	ParserConfig clausetree.Config `json:"parser_config"`
	Checklist    []ChecklistItem   `json:"checklist"`

	// SystemPrompt frames the agent for this domain.
	SystemPrompt string `json:"-"`
}

// Registry stores plugins by id. Registration is idempotent: registering
// the same id again replaces the previous plugin, so package init order
// and test re-registration never fail.
type Registry struct {
	base *registry.BaseRegistry[*Plugin]
}

func NewRegistry() *Registry {
	return &Registry{base: registry.NewBaseRegistry[*Plugin]()}
}

func (r *Registry) Register(p *Plugin) error {
	if p.ID == "" {
		return fmt.Errorf("domain plugin id cannot be empty")
	}
	if len(p.Checklist) == 0 {
		return fmt.Errorf("domain plugin %s: checklist cannot be empty", p.ID)
	}
	return r.base.Replace(p.ID, p)
}

func (r *Registry) Get(id string) (*Plugin, bool) {
	return r.base.Get(id)
}

func (r *Registry) IDs() []string {
	return r.base.Keys()
}

// Clear removes every plugin. Destructive; for tests.
func (r *Registry) Clear() {
	r.base.Clear()
}

// SupportsSubtype reports whether the plugin accepts the material subtype.
// An empty subtype list accepts everything.
func (p *Plugin) SupportsSubtype(subtype string) bool {
	if len(p.Subtypes) == 0 || subtype == "" {
		return true
	}
	for _, s := range p.Subtypes {
		if s == subtype {
			return true
		}
	}
	return false
}
