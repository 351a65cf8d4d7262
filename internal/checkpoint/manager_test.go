package checkpoint

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/hound/internal/audit"
	"github.com/joescharf/hound/internal/failure"
	"github.com/joescharf/hound/internal/invoke"
	"github.com/joescharf/hound/internal/models"
	"github.com/joescharf/hound/internal/pipeline"
	"github.com/joescharf/hound/internal/retry"
	"github.com/joescharf/hound/internal/store"
	"github.com/joescharf/hound/internal/validate"
	"github.com/joescharf/hound/internal/vcs"
)

const testPipeline = `
name: test
stagger: 5ms
phases:
  - name: A
    agents:
      - name: recon
        deliverables: [out/recon.md]
        validator: {kind: file}
  - name: B
    parallel:
      - {name: x1, deliverables: [out/x1.json], validator: {kind: json}}
      - {name: x2, deliverables: [out/x2.json], validator: {kind: json}}
      - {name: x3, deliverables: [out/x3.json], validator: {kind: json}}
      - {name: x4, deliverables: [out/x4.json], validator: {kind: json}}
      - {name: x5, deliverables: [out/x5.json], validator: {kind: json}}
  - name: C
    agents:
      - name: report
        deliverables: [out/report.md]
        validator: {kind: file}
`

// behavior decides the outcome of one attempt; nil writes valid deliverables.
type behavior func(req invoke.Request) error

// scripted is a fake invoker driven per agent and attempt.
type scripted struct {
	mu    sync.Mutex
	rules map[string]behavior
	calls map[string]int
}

func newScripted() *scripted {
	return &scripted{rules: make(map[string]behavior), calls: make(map[string]int)}
}

func (s *scripted) on(agent string, b behavior) { s.rules[agent] = b }

func (s *scripted) count(agent string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[agent]
}

func (s *scripted) Invoke(ctx context.Context, req invoke.Request) (invoke.Result, error) {
	s.mu.Lock()
	s.calls[req.Agent]++
	rule := s.rules[req.Agent]
	s.mu.Unlock()

	if rule != nil {
		err := rule(req)
		if errors.Is(err, errSkipWrite) {
			return invoke.Result{Artifacts: req.Deliverables}, nil
		}
		if err != nil {
			return invoke.Result{}, err
		}
	}
	if err := writeDeliverables(req, `{"ok": true}`); err != nil {
		return invoke.Result{}, err
	}
	return invoke.Result{Artifacts: req.Deliverables, CostUSD: 0.01, Duration: time.Millisecond}, nil
}

func writeDeliverables(req invoke.Request, content string) error {
	for _, d := range req.Deliverables {
		path := filepath.Join(req.Workdir, d)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return err
		}
	}
	return nil
}

func failTimes(n int, err error) behavior {
	var mu sync.Mutex
	seen := 0
	return func(invoke.Request) error {
		mu.Lock()
		defer mu.Unlock()
		seen++
		if seen <= n {
			return err
		}
		return nil
	}
}

type fixture struct {
	m     *Manager
	store *store.SQLiteStore
	audit *audit.Log
	vcs   *vcs.Memory
	inv   *scripted
	t     Target
}

func newFixture(t *testing.T, opts ...func(*Deps)) *fixture {
	t.Helper()
	dir := t.TempDir()

	p, err := pipeline.Parse([]byte(testPipeline), "")
	require.NoError(t, err)
	reg, err := validate.Build(p)
	require.NoError(t, err)
	st, err := store.NewSQLiteStore(filepath.Join(dir, "hound.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })
	log, err := audit.Open(filepath.Join(dir, "audit"))
	require.NoError(t, err)

	f := &fixture{
		store: st,
		audit: log,
		vcs:   vcs.NewMemory(),
		inv:   newScripted(),
		t:     Target{SessionID: "0123456789abcdef", TargetURL: "https://juice.example", RepoPath: filepath.Join(dir, "repo")},
	}
	d := Deps{
		Pipeline:   p,
		Store:      st,
		Audit:      log,
		VCS:        f.vcs,
		Invoker:    f.inv,
		Validators: reg,
		Policy:     retry.NewPolicy(3, time.Millisecond, 2*time.Millisecond),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(&d)
	}
	f.m, err = New(d)
	require.NoError(t, err)

	_, err = f.m.Create(context.Background(), f.t)
	require.NoError(t, err)
	return f
}

func (f *fixture) session(t *testing.T) *models.Session {
	t.Helper()
	s, err := f.store.Load(context.Background(), f.t.SessionID)
	require.NoError(t, err)
	return s
}

func (f *fixture) events(t *testing.T) []models.AuditEvent {
	t.Helper()
	evs, err := f.audit.ReadAll(f.t.SessionID)
	require.NoError(t, err)
	return evs
}

func countKind(evs []models.AuditEvent, agent string, kind models.EventKind) int {
	n := 0
	for _, ev := range evs {
		if ev.Agent == agent && ev.Kind == kind {
			n++
		}
	}
	return n
}

func indexOf(evs []models.AuditEvent, agent string, kind models.EventKind) int {
	for i, ev := range evs {
		if ev.Agent == agent && ev.Kind == kind {
			return i
		}
	}
	return -1
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestCreate_RejectsExistingSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.Create(context.Background(), f.t)
	assert.Error(t, err)
}

func TestRunAll_ExampleScenario(t *testing.T) {
	f := newFixture(t)
	f.inv.on("recon", failTimes(2, failure.Wrap(errors.New("connection reset by peer"), failure.KindNetwork)))
	var x3 sync.Mutex
	x3Calls := 0
	f.inv.on("x3", func(req invoke.Request) error {
		x3.Lock()
		defer x3.Unlock()
		x3Calls++
		if x3Calls == 1 {
			// Malformed output: written, then rejected by the validator.
			return invalidJSON(req)
		}
		return nil
	})

	require.NoError(t, f.m.RunAll(context.Background(), f.t))

	evs := f.events(t)
	assert.Equal(t, 3, countKind(evs, "recon", models.EventAgentStarted))
	assert.Equal(t, 2, countKind(evs, "recon", models.EventAgentFailed))
	assert.Equal(t, 1, countKind(evs, "recon", models.EventAgentCompleted))

	reconDone := indexOf(evs, "recon", models.EventAgentCompleted)
	for _, x := range []string{"x1", "x2", "x3", "x4", "x5"} {
		assert.Greater(t, indexOf(evs, x, models.EventAgentStarted), reconDone, "%s starts after recon completes", x)
	}

	assert.Equal(t, 1, countKind(evs, "x3", models.EventValidationFailed))
	assert.Equal(t, 1, countKind(evs, "x3", models.EventCheckpointRolledBack))
	assert.Equal(t, 2, countKind(evs, "x3", models.EventAgentStarted))

	sess := f.session(t)
	assert.Equal(t, models.SessionStatusCompleted, sess.Status)
	for _, rec := range sess.Agents {
		assert.Equal(t, models.AgentStatusCompleted, rec.Status, rec.Name)
		assert.False(t, rec.OpenCheckpoint, rec.Name)
	}
	assert.Equal(t, 3, sess.Agent("recon").Attempts)
	assert.Equal(t, 2, sess.Agent("x3").Attempts)
	for _, x := range []string{"x1", "x2", "x4", "x5"} {
		assert.Equal(t, 1, sess.Agent(x).Attempts, x)
	}

	// Every isolated member's work landed in the main tree.
	for _, name := range []string{"out/recon.md", "out/x1.json", "out/x3.json", "out/x5.json", "out/report.md"} {
		assert.FileExists(t, filepath.Join(f.t.RepoPath, name))
	}
	data, err := os.ReadFile(filepath.Join(f.t.RepoPath, "out/x3.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok": true}`, string(data))
}

func invalidJSON(req invoke.Request) error {
	if err := writeDeliverables(req, `{"ok": `); err != nil {
		return err
	}
	return errSkipWrite
}

// errSkipWrite lets a behavior report success without the default write.
var errSkipWrite = errors.New("skip write")

func TestRunAll_RetryCeiling(t *testing.T) {
	f := newFixture(t)
	f.inv.on("recon", func(invoke.Request) error {
		return failure.Wrap(errors.New("503 service unavailable"), failure.KindServer)
	})

	err := f.m.RunAll(context.Background(), f.t)
	require.Error(t, err)
	assert.Equal(t, failure.KindServer, failure.KindOf(err))
	assert.Contains(t, err.Error(), "agent recon")
	assert.Contains(t, err.Error(), "attempt 3")
	assert.Contains(t, err.Error(), "checkpoint mem-")

	assert.Equal(t, 3, f.inv.count("recon"))
	sess := f.session(t)
	rec := sess.Agent("recon")
	assert.Equal(t, models.AgentStatusFailed, rec.Status)
	assert.True(t, rec.Terminal)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, models.SessionStatusFailed, sess.Status)

	// Phase gating: nothing downstream left pending.
	for _, name := range []string{"x1", "x2", "x3", "x4", "x5", "report"} {
		assert.Equal(t, models.AgentStatusPending, sess.Agent(name).Status, name)
		assert.Zero(t, f.inv.count(name), name)
	}

	// A second run does not retry a terminal failure.
	err = f.m.RunAll(context.Background(), f.t)
	require.Error(t, err)
	assert.Equal(t, 3, f.inv.count("recon"))
}

func TestRunAll_FatalErrorIsTerminalImmediately(t *testing.T) {
	f := newFixture(t)
	f.inv.on("recon", func(invoke.Request) error {
		return failure.Wrap(errors.New("invalid x-api-key"), failure.KindCredential)
	})

	err := f.m.RunAll(context.Background(), f.t)
	require.Error(t, err)
	assert.Equal(t, failure.KindCredential, failure.KindOf(err))
	assert.Equal(t, 1, f.inv.count("recon"))
	assert.True(t, f.session(t).Agent("recon").Terminal)
}

func TestRunAll_FailedAttemptRollsBackExactly(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(f.t.RepoPath, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(f.t.RepoPath, "app.js"), []byte("v1"), 0644))
	before, err := vcs.ContentHash(f.t.RepoPath)
	require.NoError(t, err)

	f.inv.on("recon", func(req invoke.Request) error {
		_ = os.WriteFile(filepath.Join(req.Workdir, "app.js"), []byte("clobbered"), 0644)
		_ = os.WriteFile(filepath.Join(req.Workdir, "junk.txt"), []byte("junk"), 0644)
		return failure.Wrap(errors.New("forbidden"), failure.KindAuth)
	})
	require.Error(t, f.m.RunAll(context.Background(), f.t))

	after, err := vcs.ContentHash(f.t.RepoPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRunBatch_SiblingFailureDoesNotCancelOthers(t *testing.T) {
	f := newFixture(t)
	f.inv.on("x2", func(invoke.Request) error {
		return failure.Wrap(errors.New("usage limit reached"), failure.KindQuota)
	})
	f.inv.on("x4", func(invoke.Request) error {
		time.Sleep(30 * time.Millisecond)
		return nil
	})

	err := f.m.RunAll(context.Background(), f.t)
	require.Error(t, err)
	assert.Equal(t, failure.KindQuota, failure.KindOf(err))

	sess := f.session(t)
	assert.True(t, sess.Agent("x2").TerminallyFailed())
	for _, x := range []string{"x1", "x3", "x4", "x5"} {
		assert.Equal(t, models.AgentStatusCompleted, sess.Agent(x).Status, x)
	}
	assert.Equal(t, models.AgentStatusPending, sess.Agent("report").Status, "next phase blocked")
	assert.Equal(t, "B", sess.CurrentPhase)
}

func TestRunBatch_StaggersMembers(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Stagger = 20 * time.Millisecond })
	var mu sync.Mutex
	starts := make(map[string]time.Time)
	for _, x := range []string{"x1", "x2", "x3", "x4", "x5"} {
		f.inv.on(x, func(req invoke.Request) error {
			mu.Lock()
			starts[req.Agent] = time.Now()
			mu.Unlock()
			return nil
		})
	}

	require.NoError(t, f.m.RunPhase(context.Background(), f.t, "A"))
	require.NoError(t, f.m.RunPhase(context.Background(), f.t, "B"))

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, starts["x5"].Sub(starts["x1"]), 60*time.Millisecond)
}

func TestRunPhase_PrerequisiteLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	before := len(f.events(t))

	err := f.m.RunPhase(context.Background(), f.t, "B")
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindPrerequisite))

	err = f.m.RunAgent(context.Background(), f.t, "report")
	assert.True(t, failure.Is(err, failure.KindPrerequisite))

	assert.Len(t, f.events(t), before)
	for _, rec := range f.session(t).Agents {
		assert.Equal(t, models.AgentStatusPending, rec.Status)
	}
}

func TestRunAgent_UnknownNames(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.m.RunAgent(context.Background(), f.t, "ghost"))
	assert.Error(t, f.m.RunPhase(context.Background(), f.t, "Z"))
	assert.Error(t, f.m.Rerun(context.Background(), f.t, "ghost"))
}

func TestAttempt_Timeout(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.AttemptTimeout = 20 * time.Millisecond })
	f.inv.on("recon", func(req invoke.Request) error {
		time.Sleep(100 * time.Millisecond)
		return errors.New("too late")
	})

	err := f.m.RunAgent(context.Background(), f.t, "recon")
	require.Error(t, err)
	assert.Equal(t, failure.KindTimeout, failure.KindOf(err))
	assert.Equal(t, string(failure.KindTimeout), f.session(t).Agent("recon").LastErrorKind)
	assert.Equal(t, 3, f.inv.count("recon"))
}

func TestRerun_ClearsTerminalFailure(t *testing.T) {
	f := newFixture(t)
	fail := true
	f.inv.on("recon", func(invoke.Request) error {
		if fail {
			return failure.Wrap(errors.New("unauthorized"), failure.KindAuth)
		}
		return nil
	})
	require.Error(t, f.m.RunAgent(context.Background(), f.t, "recon"))
	require.True(t, f.session(t).Agent("recon").Terminal)

	fail = false
	require.NoError(t, f.m.Rerun(context.Background(), f.t, "recon"))
	rec := f.session(t).Agent("recon")
	assert.Equal(t, models.AgentStatusCompleted, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, 1, countKind(f.events(t), "recon", models.EventAgentReset))
}

func TestRecover_InterruptedAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(f.t.RepoPath, "app.js"), []byte("v1"), 0644))
	before, err := vcs.ContentHash(f.t.RepoPath)
	require.NoError(t, err)

	// Simulate a process that died mid-invocation.
	_, err = f.m.record(ctx, f.t, models.AuditEvent{Kind: models.EventAgentStarted, Agent: "recon", Payload: models.EventPayload{Attempt: 1}})
	require.NoError(t, err)
	ckpt, err := f.vcs.CreateCheckpoint(ctx, f.t.RepoPath, "recon")
	require.NoError(t, err)
	_, err = f.m.record(ctx, f.t, models.AuditEvent{Kind: models.EventCheckpointCreated, Agent: "recon", Payload: models.EventPayload{Attempt: 1, CheckpointID: ckpt}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(f.t.RepoPath, "half-written.md"), []byte("..."), 0644))
	require.Equal(t, models.AgentStatusRunning, f.session(t).Agent("recon").Status)

	require.NoError(t, f.m.Recover(ctx, f.t))

	after, err := vcs.ContentHash(f.t.RepoPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	rec := f.session(t).Agent("recon")
	assert.Equal(t, models.AgentStatusFailed, rec.Status)
	assert.Equal(t, string(failure.KindInterrupted), rec.LastErrorKind)
	assert.False(t, rec.Terminal)
	assert.False(t, rec.OpenCheckpoint)

	// The lineage continues from attempt 2.
	require.NoError(t, f.m.RunAgent(ctx, f.t, "recon"))
	assert.Equal(t, 2, f.session(t).Agent("recon").Attempts)
}

func TestRollbackTo_ResetsLaterAgents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.m.RunPhase(ctx, f.t, "A"))
	require.NoError(t, f.m.RunPhase(ctx, f.t, "B"))

	cps, err := f.m.Checkpoints(f.t)
	require.NoError(t, err)
	var x1 string
	for _, cp := range cps {
		if cp.Agent == "x1" {
			x1 = cp.ID
		}
	}
	require.NotEmpty(t, x1)

	sess, err := f.m.RollbackTo(ctx, f.t, x1)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusCompleted, sess.Agent("recon").Status)
	assert.Equal(t, models.AgentStatusRolledBack, sess.Agent("x1").Status)
	assert.Equal(t, models.AgentStatusPending, sess.Agent("report").Status)
	assert.FileExists(t, filepath.Join(f.t.RepoPath, "out/recon.md"))
	assert.NoFileExists(t, filepath.Join(f.t.RepoPath, "out/x1.json"))

	_, err = f.m.RollbackTo(ctx, f.t, "mem-9999")
	assert.Error(t, err)

	require.NoError(t, f.m.RunAll(ctx, f.t))
	assert.Equal(t, models.SessionStatusCompleted, f.session(t).Status)
}

func TestRollbackTo_RestoresAttemptBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flaky := failure.Wrap(errors.New("connection reset by peer"), failure.KindNetwork)
	f.inv.on("recon", failTimes(2, flaky))
	require.NoError(t, f.m.RunPhase(ctx, f.t, "A"))
	require.Equal(t, 3, f.session(t).Agent("recon").Attempts)

	cps, err := f.m.Checkpoints(f.t)
	require.NoError(t, err)
	var last string
	for _, cp := range cps {
		if cp.Agent == "recon" {
			last = cp.ID
		}
	}
	require.NotEmpty(t, last)

	sess, err := f.m.RollbackTo(ctx, f.t, last)
	require.NoError(t, err)
	assert.Equal(t, 0, sess.Agent("recon").Attempts)

	f.inv.on("recon", failTimes(2, flaky))
	require.NoError(t, f.m.RunPhase(ctx, f.t, "A"))
	rec := f.session(t).Agent("recon")
	assert.Equal(t, models.AgentStatusCompleted, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
}
