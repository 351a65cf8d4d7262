// Package invoke runs one attempt of an external agent. The pipeline treats
// an invocation as opaque: it only sees success or failure and the
// artifacts left in the working directory.
package invoke

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Request describes one agent attempt.
type Request struct {
	SessionID    string
	Agent        string
	Phase        string
	Attempt      int
	TargetURL    string
	Workdir      string
	Prompt       string
	Deliverables []string
}

// Result is what a successful attempt reports back.
type Result struct {
	Artifacts []string
	CostUSD   float64
	Duration  time.Duration
	Output    string
}

// Invoker runs external agents. Errors should be classifiable by
// failure.Classify; implementations wrap them with a kind when they know it.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}

// Func adapts a function to Invoker.
type Func func(ctx context.Context, req Request) (Result, error)

func (f Func) Invoke(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }

// Prompts resolves prompt names to instructions. A name with a matching
// <name>.md or <name>.txt file in Dir uses the file; anything else is used
// as the instruction text itself.
type Prompts struct {
	Dir string
}

// Resolve returns the prompt text for name.
func (p Prompts) Resolve(name string) (string, error) {
	if p.Dir == "" || name == "" || strings.ContainsAny(name, " \n") {
		return name, nil
	}
	for _, ext := range []string{".md", ".txt"} {
		data, err := os.ReadFile(filepath.Join(p.Dir, name+ext))
		if err == nil {
			return string(data), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("read prompt %s: %w", name, err)
		}
	}
	return name, nil
}

// Render substitutes {{TARGET_URL}}, {{AGENT}} and {{WORKDIR}} in a prompt.
func Render(prompt string, req Request) string {
	return strings.NewReplacer(
		"{{TARGET_URL}}", req.TargetURL,
		"{{AGENT}}", req.Agent,
		"{{WORKDIR}}", req.Workdir,
	).Replace(prompt)
}
