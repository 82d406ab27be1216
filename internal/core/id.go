package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewExecutionID returns a time-ordered identifier (UUIDv7), so sorting ids
// lexically sorts executions by start. Falls back to a timestamp string if the
// random source fails.
func NewExecutionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("%d", time.Now().UTC().UnixNano())
	}
	return id.String()
}
