// Package registry maps stage ids to Stage implementations. The mapping
// is built explicitly at startup and handed to the scheduler, rather than
// being a process-wide singleton filled by import side effects.
package registry

import (
	"fmt"
	"sort"

	"chemd/internal/stage"
)

type Registry struct {
	stages map[string]stage.Stage
}

func New() *Registry {
	return &Registry{stages: make(map[string]stage.Stage)}
}

// Register adds a stage under its id. Duplicate ids are a wiring bug.
func (r *Registry) Register(s stage.Stage) error {
	id := s.ID()
	if id == "" {
		return fmt.Errorf("stage with empty id")
	}
	if _, exists := r.stages[id]; exists {
		return fmt.Errorf("duplicate stage id: %s", id)
	}
	r.stages[id] = s
	return nil
}

// MustRegister is Register for static startup wiring.
func (r *Registry) MustRegister(s stage.Stage) {
	if err := r.Register(s); err != nil {
		panic(err)
	}
}

// Resolve returns the stage registered under id.
func (r *Registry) Resolve(id string) (stage.Stage, bool) {
	s, ok := r.stages[id]
	return s, ok
}

// IDs returns registered ids, sorted for stable output.
func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.stages))
	for id := range r.stages {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
