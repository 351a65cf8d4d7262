package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joescharf/hound/internal/failure"
	"github.com/joescharf/hound/internal/models"
	"github.com/joescharf/hound/internal/pipeline"
	"github.com/joescharf/hound/internal/retry"
)

// checkPrerequisites fails with a prerequisite error, without touching any
// state, unless every agent of the phase's prerequisite phases is completed.
func (m *Manager) checkPrerequisites(sess *models.Session, phase string) error {
	var missing []string
	for _, def := range m.pipe.Prerequisites(phase) {
		rec := sess.Agent(def.Name)
		if rec == nil || rec.Status != models.AgentStatusCompleted {
			missing = append(missing, def.Name)
		}
	}
	if len(missing) > 0 {
		return failure.New(failure.KindPrerequisite, "phase %s requires completed agents: %v", phase, missing)
	}
	return nil
}

// RunAll runs every phase in order, skipping completed ones. It stops at
// the first phase that does not complete.
func (m *Manager) RunAll(ctx context.Context, t Target) error {
	if err := m.Recover(ctx, t); err != nil {
		return err
	}
	for _, ph := range m.pipe.Phases {
		if err := m.runPhase(ctx, t, ph); err != nil {
			return err
		}
	}
	return nil
}

// RunPhase runs the named phase once its prerequisites are completed.
func (m *Manager) RunPhase(ctx context.Context, t Target, name string) error {
	ph, ok := m.pipe.Phase(name)
	if !ok {
		return fmt.Errorf("unknown phase: %s", name)
	}
	if err := m.Recover(ctx, t); err != nil {
		return err
	}
	return m.runPhase(ctx, t, ph)
}

// RunAgent runs a single agent lineage once its phase's prerequisites are
// completed. A completed agent is left alone.
func (m *Manager) RunAgent(ctx context.Context, t Target, name string) error {
	def, ok := m.pipe.Agent(name)
	if !ok {
		return fmt.Errorf("unknown agent: %s", name)
	}
	if err := m.Recover(ctx, t); err != nil {
		return err
	}
	sess, err := m.store.Load(ctx, t.SessionID)
	if err != nil {
		return err
	}
	if err := m.checkPrerequisites(sess, def.Phase); err != nil {
		return err
	}
	return m.runLineage(ctx, t, def)
}

// Rerun clears the agent's terminal status and attempt count with an
// agent_reset event, then runs it from pending.
func (m *Manager) Rerun(ctx context.Context, t Target, name string) error {
	def, ok := m.pipe.Agent(name)
	if !ok {
		return fmt.Errorf("unknown agent: %s", name)
	}
	if err := m.Recover(ctx, t); err != nil {
		return err
	}
	sess, err := m.store.Load(ctx, t.SessionID)
	if err != nil {
		return err
	}
	if err := m.checkPrerequisites(sess, def.Phase); err != nil {
		return err
	}
	if _, err := m.record(ctx, t, models.AuditEvent{
		Kind: models.EventAgentReset, Agent: def.Name,
		Payload: models.EventPayload{Operator: true},
	}); err != nil {
		return err
	}
	m.logger.Info("agent reset by operator", "session", t.SessionID, "agent", def.Name)
	return m.runLineage(ctx, t, def)
}

func (m *Manager) runPhase(ctx context.Context, t Target, ph *pipeline.Phase) (err error) {
	sess, err := m.store.Load(ctx, t.SessionID)
	if err != nil {
		return err
	}
	if phaseCompleted(sess, ph) {
		return nil
	}
	if err := m.checkPrerequisites(sess, ph.Name); err != nil {
		return err
	}

	ctx, span := m.startPhaseSpan(ctx, t, ph)
	defer func() { m.endPhaseSpan(span, err) }()
	m.logger.Info("phase started", "session", t.SessionID, "phase", ph.Name)

	for _, def := range ph.Agents {
		if err := m.runLineage(ctx, t, def); err != nil {
			return err
		}
	}
	if len(ph.Parallel) > 0 {
		if err := m.runBatch(ctx, t, ph.Parallel); err != nil {
			return err
		}
	}

	m.logger.Info("phase completed", "session", t.SessionID, "phase", ph.Name)
	return nil
}

func phaseCompleted(sess *models.Session, ph *pipeline.Phase) bool {
	for _, def := range ph.Members() {
		if rec := sess.Agent(def.Name); rec == nil || rec.Status != models.AgentStatusCompleted {
			return false
		}
	}
	return true
}

// runBatch launches every unfinished member with its stagger offset and
// waits for each to reach a terminal state. A member's failure never
// cancels its siblings. The batch succeeds only if every member completed.
func (m *Manager) runBatch(ctx context.Context, t Target, members []*pipeline.AgentDefinition) error {
	sess, err := m.store.Load(ctx, t.SessionID)
	if err != nil {
		return err
	}

	type task struct {
		def  *pipeline.AgentDefinition
		done chan error
	}
	var tasks []task
	for _, def := range members {
		if rec := sess.Agent(def.Name); rec != nil && rec.Status == models.AgentStatusCompleted {
			continue
		}
		tk := task{def: def, done: make(chan error, 1)}
		offset := time.Duration(len(tasks)) * m.stagger
		tasks = append(tasks, tk)

		go func() {
			if err := retry.Wait(ctx, offset); err != nil {
				tk.done <- err
				return
			}
			tk.done <- m.runLineage(ctx, t, tk.def)
		}()
	}

	var errs []error
	for _, tk := range tasks {
		if err := <-tk.done; err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
