package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/joescharf/hound/internal/failure"
)

// maxOutput bounds how much of an agent's output is kept in memory.
const maxOutput = 64 << 10

// Command runs each attempt as a child process in the attempt's working
// directory. The request is passed in HOUND_* environment variables. If the
// last line of stdout is a JSON object it is read as the attempt report:
//
//	{"cost_usd": 0.42, "artifacts": ["deliverables/recon_deliverable.md"]}
type Command struct {
	Path    string
	Args    []string
	Prompts Prompts
}

type report struct {
	CostUSD   float64  `json:"cost_usd"`
	Artifacts []string `json:"artifacts"`
}

// tailBuffer keeps the last maxOutput bytes written to it.
type tailBuffer struct{ bytes.Buffer }

func (b *tailBuffer) Write(p []byte) (int, error) {
	n, err := b.Buffer.Write(p)
	if over := b.Len() - maxOutput; over > 0 {
		b.Next(over)
	}
	return n, err
}

func (c *Command) Invoke(ctx context.Context, req Request) (Result, error) {
	if c.Path == "" {
		return Result{}, failure.New(failure.KindTool, "agent.command is not configured")
	}
	prompt, err := c.Prompts.Resolve(req.Prompt)
	if err != nil {
		return Result{}, failure.Wrap(err, failure.KindTool)
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = req.Workdir
	cmd.WaitDelay = 2 * time.Second
	cmd.Env = append(os.Environ(),
		"HOUND_SESSION="+req.SessionID,
		"HOUND_AGENT="+req.Agent,
		"HOUND_PHASE="+req.Phase,
		fmt.Sprintf("HOUND_ATTEMPT=%d", req.Attempt),
		"HOUND_TARGET_URL="+req.TargetURL,
		"HOUND_WORKDIR="+req.Workdir,
		"HOUND_PROMPT="+Render(prompt, req),
		"HOUND_DELIVERABLES="+strings.Join(req.Deliverables, ","),
	)
	var stdout, stderr tailBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	res := Result{Duration: time.Since(start), Output: stdout.String(), Artifacts: req.Deliverables}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, failure.Wrap(fmt.Errorf("agent %s: %w", req.Agent, ctxErr), kindForContext(ctxErr))
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			// Could not start the process at all.
			return res, failure.Wrap(fmt.Errorf("run %s: %w", c.Path, err), failure.KindTool)
		}
		kind := failure.Classify(errors.New(msg)).Kind
		if kind == failure.KindUnknown {
			kind = failure.KindTool
		}
		return res, failure.Wrap(fmt.Errorf("%s exited %d: %s", c.Path, exitErr.ExitCode(), lastLine(msg)), kind)
	}

	if rep, ok := parseReport(res.Output); ok {
		res.CostUSD = rep.CostUSD
		if len(rep.Artifacts) > 0 {
			res.Artifacts = rep.Artifacts
		}
	}
	return res, nil
}

func kindForContext(err error) failure.Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return failure.KindTimeout
	}
	return failure.KindInterrupted
}

func parseReport(out string) (report, bool) {
	line := lastLine(out)
	if !strings.HasPrefix(line, "{") {
		return report{}, false
	}
	var r report
	if err := json.Unmarshal([]byte(line), &r); err != nil {
		return report{}, false
	}
	return r, true
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
