// Package pipeline holds the static phase and agent graph a session runs.
// A Pipeline is built once at process start and never mutated.
package pipeline

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultPipeline []byte

// ValidatorSpec names the validator kind for an agent and its arguments.
type ValidatorSpec struct {
	Kind   string `yaml:"kind"`
	Path   string `yaml:"path,omitempty"`
	Schema string `yaml:"schema,omitempty"`
}

// AgentDefinition is the static description of one agent.
type AgentDefinition struct {
	Name         string        `yaml:"name"`
	Prompt       string        `yaml:"prompt,omitempty"`
	Deliverables []string      `yaml:"deliverables,omitempty"`
	Validator    ValidatorSpec `yaml:"validator"`

	// Set by Load.
	Phase      string `yaml:"-"`
	Parallel   bool   `yaml:"-"`
	BatchIndex int    `yaml:"-"`
}

// Phase is an ordered group of agents sharing prerequisites.
type Phase struct {
	Name     string             `yaml:"name"`
	Requires []string           `yaml:"requires,omitempty"`
	Agents   []*AgentDefinition `yaml:"agents,omitempty"`
	Parallel []*AgentDefinition `yaml:"parallel,omitempty"`

	Order int `yaml:"-"`
}

// Members returns the sequential agents followed by the parallel batch.
func (p *Phase) Members() []*AgentDefinition {
	out := make([]*AgentDefinition, 0, len(p.Agents)+len(p.Parallel))
	out = append(out, p.Agents...)
	return append(out, p.Parallel...)
}

// Pipeline is the full phase graph.
type Pipeline struct {
	Name    string        `yaml:"name"`
	Stagger time.Duration `yaml:"stagger,omitempty"`
	Phases  []*Phase      `yaml:"phases"`

	// Dir is the directory relative paths (prompts, schemas) resolve against.
	Dir string `yaml:"-"`
	// Ref identifies the exact definition a session was started with.
	Ref string `yaml:"-"`

	agents map[string]*AgentDefinition
	phases map[string]*Phase
}

// Default returns the embedded default pipeline.
func Default() (*Pipeline, error) {
	return Parse(defaultPipeline, "")
}

// Load reads and validates a pipeline definition file. An empty path
// returns the embedded default.
func Load(path string) (*Pipeline, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve pipeline path: %w", err)
	}
	return Parse(data, filepath.Dir(abs))
}

// Parse decodes a YAML pipeline definition and validates the phase graph.
func Parse(data []byte, dir string) (*Pipeline, error) {
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse pipeline: %w", err)
	}
	p.Dir = dir
	sum := sha256.Sum256(data)
	p.Ref = fmt.Sprintf("%s@%s", p.Name, hex.EncodeToString(sum[:])[:12])
	if err := p.index(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Pipeline) index() error {
	if p.Name == "" {
		return fmt.Errorf("pipeline name is required")
	}
	if len(p.Phases) == 0 {
		return fmt.Errorf("pipeline %s has no phases", p.Name)
	}
	p.agents = make(map[string]*AgentDefinition)
	p.phases = make(map[string]*Phase)

	for i, ph := range p.Phases {
		if ph.Name == "" {
			return fmt.Errorf("phase %d has no name", i)
		}
		if _, dup := p.phases[ph.Name]; dup {
			return fmt.Errorf("duplicate phase: %s", ph.Name)
		}
		ph.Order = i
		if ph.Requires == nil && i > 0 {
			ph.Requires = []string{p.Phases[i-1].Name}
		}
		for _, req := range ph.Requires {
			if _, ok := p.phases[req]; !ok {
				return fmt.Errorf("phase %s requires unknown or later phase %s", ph.Name, req)
			}
		}
		p.phases[ph.Name] = ph

		if len(ph.Members()) == 0 {
			return fmt.Errorf("phase %s has no agents", ph.Name)
		}
		for j, a := range ph.Parallel {
			a.Parallel = true
			a.BatchIndex = j
		}
		for _, a := range ph.Members() {
			if a.Name == "" {
				return fmt.Errorf("phase %s has an agent with no name", ph.Name)
			}
			if _, dup := p.agents[a.Name]; dup {
				return fmt.Errorf("duplicate agent: %s", a.Name)
			}
			if a.Validator.Kind == "" {
				a.Validator.Kind = "none"
			}
			a.Phase = ph.Name
			p.agents[a.Name] = a
		}
	}
	return nil
}

// Agent returns the named agent definition.
func (p *Pipeline) Agent(name string) (*AgentDefinition, bool) {
	a, ok := p.agents[name]
	return a, ok
}

// Phase returns the named phase.
func (p *Pipeline) Phase(name string) (*Phase, bool) {
	ph, ok := p.phases[name]
	return ph, ok
}

// Agents returns every agent in phase order.
func (p *Pipeline) Agents() []*AgentDefinition {
	var out []*AgentDefinition
	for _, ph := range p.Phases {
		out = append(out, ph.Members()...)
	}
	return out
}

// Prerequisites returns every agent that must be completed before any agent
// of the named phase may start. Requirements are transitive.
func (p *Pipeline) Prerequisites(phase string) []*AgentDefinition {
	seen := make(map[string]bool)
	var out []*AgentDefinition
	var walk func(name string)
	walk = func(name string) {
		ph, ok := p.phases[name]
		if !ok {
			return
		}
		for _, req := range ph.Requires {
			if seen[req] {
				continue
			}
			seen[req] = true
			walk(req)
			if rp, ok := p.phases[req]; ok {
				out = append(out, rp.Members()...)
			}
		}
	}
	walk(phase)
	return out
}

// ResolvePath resolves a path from the definition against the pipeline dir.
func (p *Pipeline) ResolvePath(rel string) string {
	if rel == "" || filepath.IsAbs(rel) || p.Dir == "" {
		return rel
	}
	return filepath.Join(p.Dir, rel)
}
