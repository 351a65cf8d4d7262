// Package validate checks that an agent produced well-formed output. It
// never looks at what the output says, only that it is present and
// structurally valid.
package validate

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"github.com/joescharf/hound/internal/pipeline"
)

//go:embed schemas/*.json
var schemasFS embed.FS

// Validator kinds accepted in a pipeline definition.
const (
	KindNone       = "none"
	KindFile       = "file"
	KindJSON       = "json"
	KindJSONSchema = "json_schema"
)

// Result is the outcome of one validation.
type Result struct {
	Valid  bool
	Reason string
}

func ok() Result { return Result{Valid: true} }
func invalid(f string, a ...any) Result { return Result{Reason: fmt.Sprintf(f, a...)} }

// Validator checks the artifacts an agent left in workdir. Artifact paths
// are relative to workdir.
type Validator interface {
	Validate(ctx context.Context, workdir string, artifacts []string) Result
}

// Func adapts a function to Validator.
type Func func(ctx context.Context, workdir string, artifacts []string) Result

func (f Func) Validate(ctx context.Context, workdir string, artifacts []string) Result {
	return f(ctx, workdir, artifacts)
}

// Registry maps every agent in a pipeline to its validator. It is built
// once and never changes.
type Registry struct {
	byAgent map[string]Validator
}

// Build compiles a validator for every agent of p. Unknown kinds, missing
// paths and schemas that do not compile are errors here, not at run time.
func Build(p *pipeline.Pipeline) (*Registry, error) {
	r := &Registry{byAgent: make(map[string]Validator)}
	for _, def := range p.Agents() {
		v, err := build(p, def)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", def.Name, err)
		}
		r.byAgent[def.Name] = v
	}
	return r, nil
}

// For returns the validator of the named agent.
func (r *Registry) For(agent string) (Validator, error) {
	v, ok := r.byAgent[agent]
	if !ok {
		return nil, fmt.Errorf("no validator registered for agent %s", agent)
	}
	return v, nil
}

// Agents returns the registered agent names, sorted.
func (r *Registry) Agents() []string {
	names := make([]string, 0, len(r.byAgent))
	for n := range r.byAgent {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func build(p *pipeline.Pipeline, def *pipeline.AgentDefinition) (Validator, error) {
	vs := def.Validator
	targets := def.Deliverables
	if vs.Path != "" {
		targets = []string{vs.Path}
	}

	switch vs.Kind {
	case KindNone, "":
		return Func(func(context.Context, string, []string) Result { return ok() }), nil
	case KindFile:
		if len(targets) == 0 {
			return nil, fmt.Errorf("validator %s needs a path or deliverables", vs.Kind)
		}
		return files(targets, nil), nil
	case KindJSON:
		if len(targets) == 0 {
			return nil, fmt.Errorf("validator %s needs a path or deliverables", vs.Kind)
		}
		return files(targets, func(name string, data []byte) Result {
			if !json.Valid(data) {
				return invalid("%s is not valid JSON", name)
			}
			return ok()
		}), nil
	case KindJSONSchema:
		if vs.Path == "" {
			return nil, fmt.Errorf("validator %s needs a path", vs.Kind)
		}
		schema, err := loadSchema(p, vs.Schema)
		if err != nil {
			return nil, err
		}
		return files(targets, func(name string, data []byte) Result {
			result := schema.ValidateJSON(data)
			if result.IsValid() {
				return ok()
			}
			return invalid("%s: schema validation failed: %v", name, result.Errors)
		}), nil
	}
	return nil, fmt.Errorf("unknown validator kind %q", vs.Kind)
}

// files checks that every target exists and is non-empty, then applies
// check to its content.
func files(targets []string, check func(name string, data []byte) Result) Validator {
	return Func(func(ctx context.Context, workdir string, _ []string) Result {
		for _, name := range targets {
			if err := ctx.Err(); err != nil {
				return invalid("validation cancelled: %v", err)
			}
			data, err := os.ReadFile(filepath.Join(workdir, filepath.FromSlash(name)))
			if os.IsNotExist(err) {
				return invalid("missing deliverable %s", name)
			}
			if err != nil {
				return invalid("read %s: %v", name, err)
			}
			if len(strings.TrimSpace(string(data))) == 0 {
				return invalid("deliverable %s is empty", name)
			}
			if check != nil {
				if r := check(name, data); !r.Valid {
					return r
				}
			}
		}
		return ok()
	})
}

// loadSchema compiles a built-in schema by name or a schema file relative to
// the pipeline definition.
func loadSchema(p *pipeline.Pipeline, ref string) (*jsonschema.Schema, error) {
	if ref == "" {
		return nil, fmt.Errorf("json_schema validator needs a schema")
	}
	data, err := schemasFS.ReadFile("schemas/" + ref + ".json")
	if err != nil {
		data, err = os.ReadFile(p.ResolvePath(ref))
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", ref, err)
		}
	}
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(data)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", ref, err)
	}
	return schema, nil
}
