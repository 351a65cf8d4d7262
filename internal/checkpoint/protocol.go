package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joescharf/hound/internal/failure"
	"github.com/joescharf/hound/internal/invoke"
	"github.com/joescharf/hound/internal/models"
	"github.com/joescharf/hound/internal/pipeline"
	"github.com/joescharf/hound/internal/retry"
)

// errNotRunnable is returned by runLineage for a record that is terminally
// failed and needs an operator re-run.
var errNotRunnable = errors.New("agent is terminally failed; re-run it to clear")

// runLineage runs attempts of def until it completes, fails terminally or a
// non-agent error (audit, lock, cancellation) aborts it. Transient failures
// are absorbed here.
func (m *Manager) runLineage(ctx context.Context, t Target, def *pipeline.AgentDefinition) error {
	for {
		sess, err := m.store.Load(ctx, t.SessionID)
		if err != nil {
			return err
		}
		rec := sess.Agent(def.Name)
		if rec == nil {
			return fmt.Errorf("session %s has no record for agent %s", t.SessionID, def.Name)
		}
		switch {
		case rec.Status == models.AgentStatusCompleted:
			return nil
		case rec.TerminallyFailed():
			return &failure.Error{
				Kind:         failure.Kind(rec.LastErrorKind),
				Agent:        def.Name,
				Attempt:      rec.Attempts,
				CheckpointID: rec.CheckpointID,
				Err:          errNotRunnable,
			}
		case !rec.Runnable():
			return fmt.Errorf("agent %s is %s", def.Name, rec.Status)
		}

		n := rec.Attempts + 1
		terminal, err := m.attempt(ctx, t, def, n)
		if err == nil {
			return nil
		}
		if terminal || !isAgentFailure(err) || ctx.Err() != nil {
			return err
		}

		delay := m.policy.NextDelay(n)
		m.logger.Warn("agent attempt failed, retrying",
			"session", t.SessionID, "agent", def.Name, "attempt", n,
			"kind", failure.KindOf(err), "delay", delay, "error", err)
		if err := retry.Wait(ctx, delay); err != nil {
			return err
		}
	}
}

// isAgentFailure reports whether err was recorded as agent_failed, as
// opposed to an infrastructure error that aborted the attempt.
func isAgentFailure(err error) bool {
	switch failure.KindOf(err) {
	case failure.KindAudit, failure.KindLockTimeout, failure.KindCorrupted:
		return false
	}
	return true
}

// attempt runs one attempt of def. It reports whether a failure was
// terminal for the lineage.
func (m *Manager) attempt(ctx context.Context, t Target, def *pipeline.AgentDefinition, n int) (terminal bool, err error) {
	m.setInflight(t, def.Name, true)
	defer m.setInflight(t, def.Name, false)

	ctx, span := m.startAttemptSpan(ctx, t, def, n)
	defer func() { m.endAttemptSpan(span, err) }()

	log := m.logger.With("session", t.SessionID, "agent", def.Name, "attempt", n)

	// Step 2: mark running.
	if _, err := m.record(ctx, t, models.AuditEvent{
		Kind: models.EventAgentStarted, Agent: def.Name,
		Payload: models.EventPayload{Attempt: n},
	}); err != nil {
		return true, err
	}
	log.Info("agent started")

	workdir := t.RepoPath
	if def.Parallel {
		wd, err := m.vcs.Isolate(ctx, t.RepoPath, isolationName(t, def))
		if err != nil {
			return m.fail(ctx, t, def, n, "", failure.Wrap(err, failure.KindCheckpoint))
		}
		workdir = wd
		defer func() {
			if err := m.vcs.Release(context.WithoutCancel(ctx), t.RepoPath, wd); err != nil {
				log.Warn("release isolated workdir", "workdir", wd, "error", err)
			}
		}()
	}

	// Step 3: checkpoint before anything can touch the tree.
	ckpt, err := m.vcs.CreateCheckpoint(ctx, workdir, fmt.Sprintf("%s attempt %d", def.Name, n))
	if err != nil {
		return m.fail(ctx, t, def, n, "", failure.Wrap(err, failure.KindCheckpoint))
	}
	if _, err := m.record(ctx, t, models.AuditEvent{
		Kind: models.EventCheckpointCreated, Agent: def.Name,
		Payload: models.EventPayload{Attempt: n, CheckpointID: ckpt},
	}); err != nil {
		m.rollbackQuietly(ctx, workdir, ckpt, log)
		return true, err
	}
	log = log.With("checkpoint", ckpt)

	// Step 4: invoke.
	res, err := m.invoke(ctx, t, def, n, workdir)
	if err != nil {
		return m.rollbackAndFail(ctx, t, def, n, workdir, ckpt, err, "")
	}

	// Step 5: validate, then commit.
	m.addSpanEvent(ctx, "validating")
	v, err := m.validators.For(def.Name)
	if err != nil {
		return m.rollbackAndFail(ctx, t, def, n, workdir, ckpt, failure.Wrap(err, failure.KindValidation), err.Error())
	}
	if r := v.Validate(ctx, workdir, res.Artifacts); !r.Valid {
		verr := failure.New(failure.KindValidation, "validation failed: %s", r.Reason)
		return m.rollbackAndFail(ctx, t, def, n, workdir, ckpt, verr, r.Reason)
	}

	commit, err := m.vcs.Commit(ctx, workdir, ckpt, fmt.Sprintf("%s: attempt %d completed", def.Name, n))
	if err != nil {
		return m.rollbackAndFail(ctx, t, def, n, workdir, ckpt, failure.Wrap(err, failure.KindCheckpoint), "")
	}
	if def.Parallel {
		if err := m.integrateWork(ctx, t, workdir, commit); err != nil {
			return m.rollbackAndFail(ctx, t, def, n, workdir, ckpt, err, err.Error())
		}
	}

	if _, err := m.record(ctx, t, models.AuditEvent{
		Kind: models.EventCheckpointCommitted, Agent: def.Name,
		Payload: models.EventPayload{Attempt: n, CheckpointID: ckpt},
	}); err != nil {
		return true, err
	}
	if _, err := m.record(ctx, t, models.AuditEvent{
		Kind: models.EventAgentCompleted, Agent: def.Name,
		Payload: models.EventPayload{
			Attempt:      n,
			CheckpointID: ckpt,
			CostUSD:      res.CostUSD,
			DurationMs:   res.Duration.Milliseconds(),
		},
	}); err != nil {
		return true, err
	}
	log.Info("agent completed", "cost_usd", res.CostUSD, "duration", res.Duration.Round(time.Millisecond))
	return false, nil
}

func isolationPrefix(t Target) string {
	id := t.SessionID
	if len(id) > 8 {
		id = id[:8]
	}
	return id + "-"
}

func isolationName(t Target, def *pipeline.AgentDefinition) string {
	return isolationPrefix(t) + def.Name
}

// invoke runs the external call under the per-attempt timeout and maps
// context errors onto timeout and interrupted kinds.
func (m *Manager) invoke(ctx context.Context, t Target, def *pipeline.AgentDefinition, n int, workdir string) (invoke.Result, error) {
	actx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	res, err := m.invoker.Invoke(actx, invoke.Request{
		SessionID:    t.SessionID,
		Agent:        def.Name,
		Phase:        def.Phase,
		Attempt:      n,
		TargetURL:    t.TargetURL,
		Workdir:      workdir,
		Prompt:       def.Prompt,
		Deliverables: def.Deliverables,
	})
	switch {
	case err == nil:
		return res, nil
	case ctx.Err() != nil:
		return res, failure.Wrap(fmt.Errorf("attempt interrupted: %w", ctx.Err()), failure.KindInterrupted)
	case errors.Is(actx.Err(), context.DeadlineExceeded):
		return res, failure.Wrap(fmt.Errorf("attempt exceeded %s: %w", m.timeout, err), failure.KindTimeout)
	}
	var fe *failure.Error
	if errors.As(err, &fe) {
		return res, err
	}
	return res, failure.Wrap(err, failure.Classify(err).Kind)
}

func (m *Manager) integrateWork(ctx context.Context, t Target, workdir, commit string) error {
	l := m.integrationLock(t.SessionID)
	l.Lock()
	defer l.Unlock()
	if err := m.vcs.Integrate(ctx, t.RepoPath, workdir, commit); err != nil {
		if failure.Is(err, failure.KindValidation) {
			return err
		}
		return failure.Wrap(err, failure.KindCheckpoint)
	}
	return nil
}

// rollbackAndFail restores the checkpoint and records the failure. A
// validation reason adds a validation_failed event before agent_failed.
func (m *Manager) rollbackAndFail(ctx context.Context, t Target, def *pipeline.AgentDefinition, n int, workdir, ckpt string, cause error, reason string) (bool, error) {
	// Cleanup must finish even when the attempt was cancelled.
	cctx := context.WithoutCancel(ctx)

	if err := m.vcs.Rollback(cctx, workdir, ckpt); err != nil {
		m.logger.Error("rollback failed; working tree needs manual inspection",
			"session", t.SessionID, "agent", def.Name, "attempt", n, "checkpoint", ckpt, "error", err)
		return m.fail(cctx, t, def, n, ckpt, &failure.Error{
			Kind: failure.KindCheckpoint,
			Err:  fmt.Errorf("rollback after %v: %w", cause, err),
		})
	}
	if _, err := m.record(cctx, t, models.AuditEvent{
		Kind: models.EventCheckpointRolledBack, Agent: def.Name,
		Payload: models.EventPayload{Attempt: n, CheckpointID: ckpt},
	}); err != nil {
		return true, err
	}
	if failure.Is(cause, failure.KindValidation) {
		if reason == "" {
			reason = cause.Error()
		}
		if _, err := m.record(cctx, t, models.AuditEvent{
			Kind: models.EventValidationFailed, Agent: def.Name,
			Payload: models.EventPayload{Attempt: n, CheckpointID: ckpt, Reason: reason},
		}); err != nil {
			return true, err
		}
	}
	return m.fail(cctx, t, def, n, ckpt, cause)
}

// fail records agent_failed and returns the annotated error. Whether the
// failure is terminal is decided by the retry policy.
func (m *Manager) fail(ctx context.Context, t Target, def *pipeline.AgentDefinition, n int, ckpt string, cause error) (bool, error) {
	fe := failure.WithAgent(cause, def.Name, n, ckpt)
	terminal := !m.policy.ShouldRetry(n, fe.Kind)
	msg := ""
	if fe.Err != nil {
		msg = fe.Err.Error()
	}

	if _, err := m.record(context.WithoutCancel(ctx), t, models.AuditEvent{
		Kind: models.EventAgentFailed, Agent: def.Name,
		Payload: models.EventPayload{
			Attempt:      n,
			CheckpointID: ckpt,
			ErrorKind:    string(fe.Kind),
			Error:        msg,
			Terminal:     terminal,
		},
	}); err != nil {
		return true, err
	}
	event := "agent attempt failed"
	if terminal {
		event = "agent failed terminally"
	}
	m.logger.Error(event, "session", t.SessionID, "agent", def.Name, "attempt", n,
		"checkpoint", ckpt, "kind", fe.Kind, "error", fe.Err)
	return terminal, fe
}

func (m *Manager) rollbackQuietly(ctx context.Context, workdir, ckpt string, log *slog.Logger) {
	if err := m.vcs.Rollback(context.WithoutCancel(ctx), workdir, ckpt); err != nil {
		log.Warn("rollback after audit failure", "error", err)
	}
}
