package registry

import (
	"context"
	"sync"

	"autorun/internal/core"
)

// StaticDef is a Go-defined task unit.
type StaticDef struct {
	ID          string
	Name        string
	Description string
	Schedule    string
	Body        core.BodyFunc
}

// StaticSource serves units defined in code. Set may be called between
// reloads to change what the next scan returns.
type StaticSource struct {
	mu   sync.Mutex
	defs []StaticDef
}

// NewStaticSource creates a source holding defs.
func NewStaticSource(defs ...StaticDef) *StaticSource {
	return &StaticSource{defs: defs}
}

// Set replaces the definitions returned by subsequent scans.
func (s *StaticSource) Set(defs ...StaticDef) {
	s.mu.Lock()
	s.defs = defs
	s.mu.Unlock()
}

func (s *StaticSource) Scan(context.Context) ([]Unit, []Rejection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	units := make([]Unit, 0, len(s.defs))
	for _, def := range s.defs {
		fields := map[string]any{"id": def.ID, "name": def.Name}
		if def.Description != "" {
			fields["description"] = def.Description
		}
		if def.Schedule != "" {
			fields["schedule"] = def.Schedule
		}
		unit := Unit{Path: def.ID, Fields: fields}
		if def.Body != nil {
			unit.Body = def.Body
		}
		units = append(units, unit)
	}
	return units, nil, nil
}
