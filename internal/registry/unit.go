package registry

import (
	"fmt"
	"math"
	"path"
	"strings"
	"time"

	"autorun/internal/core"
)

// Unit is a raw task definition as read from a source, before validation.
type Unit struct {
	// Path locates the unit inside its source (slash separated). The default
	// task id is Path without its extension.
	Path   string
	Fields map[string]any
	Body   core.Body
	// BodyProblem explains why Body is nil, when the loader knows.
	BodyProblem string
}

// Rejection records a unit that was excluded from the registry.
type Rejection struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// ValidationError is returned by Validate for units that cannot become tasks.
type ValidationError struct {
	Source string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Source, e.Reason)
}

func invalid(u Unit, format string, args ...any) *ValidationError {
	return &ValidationError{Source: u.Path, Reason: fmt.Sprintf(format, args...)}
}

// Validate turns a unit into a task descriptor. A schedule that is present
// but not a string is rejected; a string schedule that fails to parse is kept
// on the task with ScheduleError set so it stays runnable by hand.
func Validate(u Unit) (core.Task, error) {
	id, err := unitID(u)
	if err != nil {
		return core.Task{}, err
	}

	name, present, ok := stringField(u.Fields, "name")
	switch {
	case !present:
		return core.Task{}, invalid(u, "missing required field: name")
	case !ok:
		return core.Task{}, invalid(u, "field name must be a string")
	case strings.TrimSpace(name) == "":
		return core.Task{}, invalid(u, "field name must not be empty")
	}

	if u.Body == nil {
		if u.BodyProblem != "" {
			return core.Task{}, invalid(u, "%s", u.BodyProblem)
		}
		return core.Task{}, invalid(u, "missing callable body")
	}

	description, present, ok := stringField(u.Fields, "description")
	if present && !ok {
		return core.Task{}, invalid(u, "field description must be a string")
	}

	schedule, present, ok := stringField(u.Fields, "schedule")
	if present && !ok {
		return core.Task{}, invalid(u, "field schedule must be a string")
	}
	schedule = strings.TrimSpace(schedule)

	timeout, err := parseTimeout(u.Fields["timeout"])
	if err != nil {
		return core.Task{}, invalid(u, "field timeout: %v", err)
	}

	task := core.Task{
		ID:          id,
		Name:        strings.TrimSpace(name),
		Description: strings.TrimSpace(description),
		Schedule:    schedule,
		Timeout:     timeout,
		Source:      u.Path,
		Body:        u.Body,
	}
	if schedule != "" {
		if _, err := core.ParseCron(schedule); err != nil {
			task.ScheduleError = err.Error()
		}
	}
	return task, nil
}

func unitID(u Unit) (string, error) {
	explicit, present, ok := stringField(u.Fields, "id")
	if present {
		if !ok {
			return "", invalid(u, "field id must be a string")
		}
		if explicit = strings.TrimSpace(explicit); explicit == "" {
			return "", invalid(u, "field id must not be empty")
		}
		return explicit, nil
	}
	derived := strings.TrimSuffix(u.Path, path.Ext(u.Path))
	if derived == "" {
		return "", invalid(u, "cannot derive an id")
	}
	return derived, nil
}

// stringField reports whether key is present with a non-null value and
// whether that value is a string.
func stringField(fields map[string]any, key string) (value string, present bool, ok bool) {
	raw, exists := fields[key]
	if !exists || raw == nil {
		return "", false, false
	}
	s, ok := raw.(string)
	return s, true, ok
}

// parseTimeout accepts a Go duration string or a number of seconds.
func parseTimeout(raw any) (time.Duration, error) {
	var d time.Duration
	switch v := raw.(type) {
	case nil:
		return 0, nil
	case string:
		v = strings.TrimSpace(v)
		if v == "" {
			return 0, nil
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return 0, err
		}
		d = parsed
	case int:
		d = time.Duration(v) * time.Second
	case int64:
		d = time.Duration(v) * time.Second
	case uint64:
		if v > math.MaxInt32 {
			return 0, fmt.Errorf("%d seconds is too large", v)
		}
		d = time.Duration(v) * time.Second
	case float64:
		d = time.Duration(v * float64(time.Second))
	default:
		return 0, fmt.Errorf("must be a duration string or seconds, got %T", raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return d, nil
}
