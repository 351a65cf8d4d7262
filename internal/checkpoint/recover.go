package checkpoint

import (
	"context"
	"fmt"

	"github.com/joescharf/hound/internal/failure"
	"github.com/joescharf/hound/internal/models"
)

// Recover closes out attempts that a previous process left running. Each
// such attempt is rolled back to its checkpoint and recorded as an
// interrupted failure, so normal retry rules decide what happens next.
// Attempts running in this process are left alone.
func (m *Manager) Recover(ctx context.Context, t Target) error {
	sess, err := m.store.Load(ctx, t.SessionID)
	if err != nil {
		return err
	}

	var stale []*models.AgentRecord
	for _, rec := range sess.Agents {
		if rec.Status == models.AgentStatusRunning && !m.isInflight(t, rec.Name) {
			stale = append(stale, rec)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	isolated := false
	for _, rec := range stale {
		def, ok := m.pipe.Agent(rec.Name)
		if !ok {
			continue
		}
		log := m.logger.With("session", t.SessionID, "agent", rec.Name, "attempt", rec.Attempts, "checkpoint", rec.CheckpointID)
		log.Warn("recovering interrupted attempt")

		// Parallel members worked in an isolated copy that is simply
		// discarded; only sequential agents touched the main tree.
		if def.Parallel {
			isolated = true
		} else if rec.CheckpointID != "" {
			if err := m.vcs.Rollback(ctx, t.RepoPath, rec.CheckpointID); err != nil {
				return failure.WithAgent(err, rec.Name, rec.Attempts, rec.CheckpointID)
			}
			if _, err := m.record(ctx, t, models.AuditEvent{
				Kind: models.EventCheckpointRolledBack, Agent: rec.Name,
				Payload: models.EventPayload{Attempt: rec.Attempts, CheckpointID: rec.CheckpointID},
			}); err != nil {
				return err
			}
		}

		cause := failure.Wrap(fmt.Errorf("attempt %d did not finish before the previous run stopped", rec.Attempts), failure.KindInterrupted)
		if _, err := m.fail(ctx, t, def, rec.Attempts, rec.CheckpointID, cause); err != nil && !failure.Is(err, failure.KindInterrupted) {
			return err
		}
	}

	if isolated {
		if err := m.vcs.Cleanup(ctx, t.RepoPath, isolationPrefix(t)); err != nil {
			m.logger.Warn("cleanup isolated workdirs", "session", t.SessionID, "error", err)
		}
	}
	return nil
}
