package store

import (
	"context"

	"autorun/internal/core"
)

// Document is the persisted history: one entry per task id. It is always
// read and written whole.
type Document struct {
	Functions map[string]*TaskHistory `json:"functions"`
}

// TaskHistory is the chronological execution list of one task. Name is the
// display name at the time of the latest recorded start.
type TaskHistory struct {
	Name       string           `json:"name"`
	Executions []core.Execution `json:"executions"`
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{Functions: make(map[string]*TaskHistory)}
}

func (d *Document) normalize() *Document {
	if d == nil {
		return NewDocument()
	}
	if d.Functions == nil {
		d.Functions = make(map[string]*TaskHistory)
	}
	for id, h := range d.Functions {
		if h == nil {
			delete(d.Functions, id)
		}
	}
	return d
}

// Backend persists the whole document.
type Backend interface {
	// Load returns the stored document, or an empty one when nothing has
	// been stored yet.
	Load(ctx context.Context) (*Document, error)
	Save(ctx context.Context, doc *Document) error
	Close() error
}
