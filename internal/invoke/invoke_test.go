package invoke

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/hound/internal/failure"
)

func script(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts")
	}
	path := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func request(t *testing.T) Request {
	return Request{
		SessionID:    "s1",
		Agent:        "recon",
		Phase:        "recon",
		Attempt:      2,
		TargetURL:    "https://juice.example",
		Workdir:      t.TempDir(),
		Prompt:       "map {{TARGET_URL}}",
		Deliverables: []string{"deliverables/recon.md"},
	}
}

func TestCommand_PassesRequestAndReadsReport(t *testing.T) {
	c := &Command{Path: script(t, `
mkdir -p deliverables
printf '%s|%s|%s|%s' "$HOUND_AGENT" "$HOUND_ATTEMPT" "$HOUND_PROMPT" "$HOUND_DELIVERABLES" > deliverables/recon.md
echo working
echo '{"cost_usd": 0.25, "artifacts": ["deliverables/recon.md"]}'
`)}
	req := request(t)

	res, err := c.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 0.25, res.CostUSD)
	assert.Equal(t, []string{"deliverables/recon.md"}, res.Artifacts)
	assert.Contains(t, res.Output, "working")

	data, err := os.ReadFile(filepath.Join(req.Workdir, "deliverables/recon.md"))
	require.NoError(t, err)
	assert.Equal(t, "recon|2|map https://juice.example|deliverables/recon.md", string(data))
}

func TestCommand_ClassifiesExitFromStderr(t *testing.T) {
	tests := []struct {
		stderr string
		kind   failure.Kind
	}{
		{"Error: 429 Too Many Requests", failure.KindRateLimit},
		{"invalid x-api-key", failure.KindCredential},
		{"connect: connection refused", failure.KindNetwork},
		{"something odd", failure.KindTool},
		{"", failure.KindTool},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind)+"/"+tt.stderr, func(t *testing.T) {
			c := &Command{Path: script(t, "echo '"+tt.stderr+"' >&2\nexit 3\n")}
			_, err := c.Invoke(context.Background(), request(t))
			require.Error(t, err)
			assert.Equal(t, tt.kind, failure.KindOf(err))
			assert.Contains(t, err.Error(), "exited 3")
		})
	}
}

func TestCommand_Timeout(t *testing.T) {
	c := &Command{Path: script(t, "exec sleep 5\n")}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := c.Invoke(ctx, request(t))
	require.Error(t, err)
	assert.Equal(t, failure.KindTimeout, failure.KindOf(err))
}

func TestCommand_NotConfigured(t *testing.T) {
	_, err := (&Command{}).Invoke(context.Background(), request(t))
	assert.Equal(t, failure.KindTool, failure.KindOf(err))
}

func TestCommand_MissingBinary(t *testing.T) {
	c := &Command{Path: filepath.Join(t.TempDir(), "nope")}
	_, err := c.Invoke(context.Background(), request(t))
	assert.Equal(t, failure.KindTool, failure.KindOf(err))
}

func TestPrompts_Resolve(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "recon.md"), []byte("full recon prompt"), 0644))
	p := Prompts{Dir: dir}

	got, err := p.Resolve("recon")
	require.NoError(t, err)
	assert.Equal(t, "full recon prompt", got)

	got, err = p.Resolve("unknown-name")
	require.NoError(t, err)
	assert.Equal(t, "unknown-name", got)

	got, err = p.Resolve("look at the login form")
	require.NoError(t, err)
	assert.Equal(t, "look at the login form", got)
}

func TestBuildPrompt(t *testing.T) {
	req := request(t)
	system, user := buildPrompt("Find XSS in {{TARGET_URL}}", req)

	assert.Contains(t, system, "JSON object")
	assert.Contains(t, user, "Agent: recon (phase recon, attempt 2)")
	assert.Contains(t, user, "- deliverables/recon.md")
	assert.Contains(t, user, "Find XSS in https://juice.example")
}

func TestParseDeliverables(t *testing.T) {
	files, err := parseDeliverables("```json\n{\"a.md\": \"# A\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a.md": "# A"}, files)

	_, err = parseDeliverables("{}")
	assert.Error(t, err)
	_, err = parseDeliverables("not json")
	assert.Error(t, err)
}

func TestWriteDeliverables(t *testing.T) {
	dir := t.TempDir()
	written, err := writeDeliverables(dir, map[string]string{"b/x.json": "{}", "a.md": "A"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md", "b/x.json"}, written)
	assert.FileExists(t, filepath.Join(dir, "b/x.json"))

	_, err = writeDeliverables(dir, map[string]string{"../escape.md": "x"})
	assert.Error(t, err)
	_, err = writeDeliverables(dir, map[string]string{"/etc/passwd": "x"})
	assert.Error(t, err)
}

func TestClassifyAPIError_FallsBackToMessage(t *testing.T) {
	err := classifyAPIError(errors.New("dial tcp: connection reset by peer"))
	assert.Equal(t, failure.KindNetwork, failure.KindOf(err))
}
