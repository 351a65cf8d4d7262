package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/joescharf/hound/internal/checkpoint"
	"github.com/joescharf/hound/internal/models"
	"github.com/joescharf/hound/internal/projection"
	"github.com/joescharf/hound/internal/runlock"
	"github.com/joescharf/hound/internal/store"
)

// StartOrContinue creates the session for targetURL and repoPath if it has
// never been started, then runs every phase that is not yet complete.
func (e *Engine) StartOrContinue(ctx context.Context, targetURL, repoPath string) (*models.Session, error) {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolve repository path: %w", err)
	}
	id, err := SessionID(targetURL, abs)
	if err != nil {
		return nil, err
	}
	t := checkpoint.Target{SessionID: id, TargetURL: targetURL, RepoPath: abs}

	rl := runlock.New(e.audit.Dir(id))
	if err := rl.Acquire(); err != nil {
		return nil, err
	}
	defer func() {
		if err := rl.Release(); err != nil {
			e.logger.Warn("release run lock", "session", id, "error", err)
		}
	}()

	if _, _, err := e.reconcile(ctx, id); errors.Is(err, ErrNoSession) {
		if _, err := e.manager.Create(ctx, t); err != nil {
			return nil, err
		}
		e.logger.Info("session created", "session", id, "target", targetURL, "repo", abs)
	} else if err != nil {
		return nil, err
	}

	runErr := e.manager.RunAll(ctx, t)
	sess, err := e.manager.Load(ctx, t)
	if err != nil {
		return nil, errors.Join(runErr, err)
	}
	return sess, runErr
}

// Report is the result of Status.
type Report struct {
	Session     *models.Session
	Checkpoints []checkpoint.CheckpointInfo
	// Repaired is set when the stored projection had drifted from the log.
	Repaired bool
}

// LastCheckpoint returns the most recent checkpoint created for agent.
func (r *Report) LastCheckpoint(agent string) string {
	for i := len(r.Checkpoints) - 1; i >= 0; i-- {
		if r.Checkpoints[i].Agent == agent {
			return r.Checkpoints[i].ID
		}
	}
	return ""
}

// Status reconciles and returns the session with its checkpoint history.
// It does not take the run lock and never starts agents.
func (e *Engine) Status(ctx context.Context, ref Ref) (*Report, error) {
	id, err := ref.id()
	if err != nil {
		return nil, err
	}
	sess, repaired, err := e.reconcile(ctx, id)
	if err != nil {
		return nil, err
	}
	cps, err := e.manager.Checkpoints(targetOf(sess))
	if err != nil {
		return nil, err
	}
	return &Report{Session: sess, Checkpoints: cps, Repaired: repaired}, nil
}

// AgentInfo describes one agent of the pipeline definition.
type AgentInfo struct {
	Name         string
	Phase        string
	Requires     []string
	Parallel     bool
	BatchIndex   int
	Validator    string
	Deliverables []string
}

// ListAgents returns the pipeline's agents in phase order.
func (e *Engine) ListAgents() []AgentInfo {
	var out []AgentInfo
	for _, def := range e.pipe.Agents() {
		ph, _ := e.pipe.Phase(def.Phase)
		out = append(out, AgentInfo{
			Name:         def.Name,
			Phase:        def.Phase,
			Requires:     ph.Requires,
			Parallel:     def.Parallel,
			BatchIndex:   def.BatchIndex,
			Validator:    def.Validator.Kind,
			Deliverables: def.Deliverables,
		})
	}
	return out
}

// RunAll runs every incomplete phase of an existing session.
func (e *Engine) RunAll(ctx context.Context, ref Ref) (*models.Session, error) {
	id, err := ref.id()
	if err != nil {
		return nil, err
	}
	return e.withRun(ctx, id, func(t checkpoint.Target) error {
		return e.manager.RunAll(ctx, t)
	})
}

// RunPhase runs one phase. Its prerequisites must be complete.
func (e *Engine) RunPhase(ctx context.Context, ref Ref, phase string) (*models.Session, error) {
	id, err := ref.id()
	if err != nil {
		return nil, err
	}
	return e.withRun(ctx, id, func(t checkpoint.Target) error {
		return e.manager.RunPhase(ctx, t, phase)
	})
}

// RunAgent runs one agent. The prerequisites of its phase must be complete.
func (e *Engine) RunAgent(ctx context.Context, ref Ref, agent string) (*models.Session, error) {
	id, err := ref.id()
	if err != nil {
		return nil, err
	}
	return e.withRun(ctx, id, func(t checkpoint.Target) error {
		return e.manager.RunAgent(ctx, t, agent)
	})
}

// Rerun resets an agent, clearing a terminal failure, and runs it again.
func (e *Engine) Rerun(ctx context.Context, ref Ref, agent string) (*models.Session, error) {
	id, err := ref.id()
	if err != nil {
		return nil, err
	}
	return e.withRun(ctx, id, func(t checkpoint.Target) error {
		return e.manager.Rerun(ctx, t, agent)
	})
}

// RollbackTo restores the repository to a checkpoint and resets every agent
// that ran from it onwards.
func (e *Engine) RollbackTo(ctx context.Context, ref Ref, checkpointID string) (*models.Session, error) {
	id, err := ref.id()
	if err != nil {
		return nil, err
	}
	return e.withRun(ctx, id, func(t checkpoint.Target) error {
		_, err := e.manager.RollbackTo(ctx, t, checkpointID)
		return err
	})
}

// ListSessions reconciles every session with an audit log, then lists the
// stored sessions most recently updated first.
func (e *Engine) ListSessions(ctx context.Context) ([]store.SessionSummary, error) {
	repaired, err := e.reconciler.All(ctx)
	if err != nil {
		return nil, err
	}
	if len(repaired) > 0 {
		e.logger.Debug("sessions repaired", "count", len(repaired))
	}
	return e.store.ListSessions(ctx)
}

// DeleteSessions removes the stored projection and the audit log of each
// session. With all set every known session is removed. A session that is
// being run by another process is skipped with an error.
func (e *Engine) DeleteSessions(ctx context.Context, ids []string, all bool) ([]string, error) {
	if all {
		known, err := e.knownSessions(ctx)
		if err != nil {
			return nil, err
		}
		ids = known
	}
	var deleted []string
	var errs []error
	for _, id := range ids {
		if err := e.deleteSession(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("delete session %s: %w", id, err))
			continue
		}
		deleted = append(deleted, id)
	}
	return deleted, errors.Join(errs...)
}

func (e *Engine) deleteSession(ctx context.Context, id string) error {
	rl := runlock.New(e.audit.Dir(id))
	if err := rl.Acquire(); err != nil {
		return err
	}
	if err := e.store.Delete(ctx, id); err != nil {
		rl.Release()
		return err
	}
	// Removes the lock file along with the log.
	if err := e.audit.Delete(id); err != nil {
		rl.Release()
		return err
	}
	e.logger.Info("session deleted", "session", id)
	return nil
}

func (e *Engine) knownSessions(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	logged, err := e.audit.Sessions()
	if err != nil {
		return nil, err
	}
	for _, id := range logged {
		seen[id] = true
	}
	stored, err := e.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range stored {
		seen[s.ID] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Snapshot folds the session's audit log without touching the store. It is
// safe to call from a process other than the one running the session.
func (e *Engine) Snapshot(ctx context.Context, sessionID string) (*models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	events, err := e.audit.ReadAll(sessionID)
	if err != nil {
		return nil, err
	}
	sess, err := projection.Fold(e.pipe, events)
	if errors.Is(err, projection.ErrNoSession) {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, sessionID)
	}
	return sess, err
}
