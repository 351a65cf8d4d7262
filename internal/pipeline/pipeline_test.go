package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	p, err := Default()
	require.NoError(t, err)

	assert.Equal(t, "default", p.Name)
	assert.Equal(t, 2*time.Second, p.Stagger)
	require.Len(t, p.Phases, 5)
	assert.Len(t, p.Agents(), 13)
	assert.Contains(t, p.Ref, "default@")

	vuln, ok := p.Phase("vulnerability-analysis")
	require.True(t, ok)
	assert.Len(t, vuln.Parallel, 5)
	assert.Equal(t, []string{"recon"}, vuln.Requires)

	xss, ok := p.Agent("xss-vuln")
	require.True(t, ok)
	assert.True(t, xss.Parallel)
	assert.Equal(t, 1, xss.BatchIndex)
	assert.Equal(t, "vulnerability-analysis", xss.Phase)
	assert.Equal(t, "json_schema", xss.Validator.Kind)
}

func TestParse_DefaultsRequiresToPreviousPhase(t *testing.T) {
	p, err := Parse([]byte(`
name: t
phases:
  - name: a
    agents: [{name: one}]
  - name: b
    agents: [{name: two}]
`), "")
	require.NoError(t, err)

	b, _ := p.Phase("b")
	assert.Equal(t, []string{"a"}, b.Requires)
	a, _ := p.Phase("a")
	assert.Empty(t, a.Requires)

	two, _ := p.Agent("two")
	assert.Equal(t, "none", two.Validator.Kind)
	assert.False(t, two.Parallel)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no name", "phases: [{name: a, agents: [{name: x}]}]", "name is required"},
		{"no phases", "name: t", "no phases"},
		{"duplicate agent", "name: t\nphases:\n  - {name: a, agents: [{name: x}]}\n  - {name: b, agents: [{name: x}]}", "duplicate agent"},
		{"duplicate phase", "name: t\nphases:\n  - {name: a, agents: [{name: x}]}\n  - {name: a, agents: [{name: y}]}", "duplicate phase"},
		{"forward requirement", "name: t\nphases:\n  - {name: a, requires: [b], agents: [{name: x}]}\n  - {name: b, agents: [{name: y}]}", "unknown or later phase"},
		{"empty phase", "name: t\nphases:\n  - {name: a}", "has no agents"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml), "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPrerequisites_Transitive(t *testing.T) {
	p, err := Default()
	require.NoError(t, err)

	var names []string
	for _, a := range p.Prerequisites("exploitation") {
		names = append(names, a.Name)
	}
	assert.Contains(t, names, "pre-recon")
	assert.Contains(t, names, "recon")
	assert.Contains(t, names, "authz-vuln")
	assert.NotContains(t, names, "xss-exploit")

	assert.Empty(t, p.Prerequisites("pre-recon"))
}

func TestLoad_ResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: t\nphases:\n  - {name: a, agents: [{name: x, prompt: prompts/x.txt}]}\n"), 0644))

	p, err := Load(path)
	require.NoError(t, err)
	x, _ := p.Agent("x")
	assert.Equal(t, filepath.Join(dir, "prompts", "x.txt"), p.ResolvePath(x.Prompt))
	assert.Equal(t, "/abs/x", p.ResolvePath("/abs/x"))
}
