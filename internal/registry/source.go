package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"autorun/internal/core"

	"github.com/dop251/goja"
	yaml "go.yaml.in/yaml/v3"
)

// DirSource reads task units from a directory tree.
//
// Supported units:
//   - *.yaml, *.yml, *.json: declarative units whose body is a shell command
//   - *.js: CommonJS-style modules exporting an execute function
//
// Hidden entries and entries starting with "_" are skipped.
type DirSource struct {
	Root string
	// LogDir receives per-execution output of command units.
	LogDir string
	Logger *slog.Logger
}

// NewDirSource creates a source rooted at dir.
func NewDirSource(dir, logDir string, logger *slog.Logger) *DirSource {
	return &DirSource{Root: dir, LogDir: logDir, Logger: logger}
}

// Scan walks the directory. A missing root is created and yields no units.
func (d *DirSource) Scan(ctx context.Context) ([]Unit, []Rejection, error) {
	if _, err := os.Stat(d.Root); errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(d.Root, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create functions dir: %w", err)
		}
		d.logger().Info("created functions dir", "dir", d.Root)
		return nil, nil, nil
	} else if err != nil {
		return nil, nil, fmt.Errorf("stat functions dir: %w", err)
	}

	var (
		units      []Unit
		rejections []Rejection
	)
	err := filepath.WalkDir(d.Root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			if p == d.Root {
				return err
			}
			rejections = append(rejections, Rejection{Source: d.rel(p), Reason: err.Error()})
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p != d.Root && skipName(entry.Name()) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			return nil
		}
		rel := d.rel(p)
		var (
			unit Unit
			lerr error
		)
		switch strings.ToLower(filepath.Ext(p)) {
		case ".yaml", ".yml", ".json":
			unit, lerr = d.loadDeclarative(p, rel)
		case ".js":
			unit, lerr = d.loadScript(ctx, p, rel)
		default:
			return nil
		}
		if lerr != nil {
			rejections = append(rejections, Rejection{Source: rel, Reason: lerr.Error()})
			return nil
		}
		units = append(units, unit)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("walk functions dir: %w", err)
	}
	return units, rejections, nil
}

func (d *DirSource) loadDeclarative(p, rel string) (Unit, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return Unit{}, fmt.Errorf("read unit: %w", err)
	}
	fields := map[string]any{}
	if strings.EqualFold(filepath.Ext(p), ".json") {
		if err := json.Unmarshal(data, &fields); err != nil {
			return Unit{}, fmt.Errorf("parse json: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &fields); err != nil {
		return Unit{}, fmt.Errorf("parse yaml: %w", err)
	}
	if fields == nil {
		return Unit{}, errors.New("unit is empty")
	}

	unit := Unit{Path: rel, Fields: fields}
	command, present, ok := stringField(fields, "command")
	switch {
	case !present:
		unit.BodyProblem = "missing required field: command"
		return unit, nil
	case !ok:
		unit.BodyProblem = "field command must be a string"
		return unit, nil
	case strings.TrimSpace(command) == "":
		unit.BodyProblem = "field command must not be empty"
		return unit, nil
	}

	workDir, _, _ := stringField(fields, "workdir")
	if workDir != "" && !filepath.IsAbs(workDir) {
		workDir = filepath.Join(filepath.Dir(p), workDir)
	}
	env, err := stringMap(fields["env"])
	if err != nil {
		return Unit{}, fmt.Errorf("field env: %w", err)
	}
	unit.Body = &core.CommandBody{
		Command: command,
		WorkDir: workDir,
		Env:     env,
		LogDir:  d.LogDir,
	}
	return unit, nil
}

func (d *DirSource) loadScript(ctx context.Context, p, rel string) (Unit, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return Unit{}, fmt.Errorf("read unit: %w", err)
	}
	source := string(data)
	_, exports, err := core.LoadScript(ctx, p, source, d.logger())
	if err != nil {
		return Unit{}, err
	}

	unit := Unit{Path: rel, Fields: map[string]any{}}
	for _, key := range exports.Keys() {
		value := exports.Get(key)
		if _, isFn := goja.AssertFunction(value); isFn {
			continue
		}
		unit.Fields[key] = value.Export()
	}

	execute := exports.Get("execute")
	switch _, callable := goja.AssertFunction(execute); {
	case callable:
		unit.Body = &core.ScriptBody{Path: p, Source: source, Logger: d.logger()}
	case execute == nil || goja.IsUndefined(execute):
		unit.BodyProblem = "missing required export: execute"
	default:
		unit.BodyProblem = "execute must be a function"
	}
	return unit, nil
}

func (d *DirSource) rel(p string) string {
	rel, err := filepath.Rel(d.Root, p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return path.Clean(filepath.ToSlash(rel))
}

func (d *DirSource) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return d.Logger
}

func skipName(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")
}

func stringMap(raw any) (map[string]string, error) {
	if raw == nil {
		return nil, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("must be a mapping, got %T", raw)
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprint(v)
	}
	return out, nil
}
