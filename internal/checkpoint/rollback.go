package checkpoint

import (
	"context"
	"fmt"
	"strings"

	"github.com/joescharf/hound/internal/failure"
	"github.com/joescharf/hound/internal/models"
)

// CheckpointInfo describes a checkpoint recorded in a session's audit log.
type CheckpointInfo struct {
	ID      string
	Agent   string
	Attempt int
	Event   models.AuditEvent
}

// Checkpoints lists every checkpoint of the session in creation order.
func (m *Manager) Checkpoints(t Target) ([]CheckpointInfo, error) {
	var out []CheckpointInfo
	for ev, err := range m.audit.Events(t.SessionID) {
		if err != nil {
			return nil, err
		}
		if ev.Kind == models.EventCheckpointCreated {
			out = append(out, CheckpointInfo{ID: ev.Payload.CheckpointID, Agent: ev.Agent, Attempt: ev.Payload.Attempt, Event: ev})
		}
	}
	return out, nil
}

// RollbackTo restores the target repository to checkpointID and resets
// every agent whose latest attempt began at or after that checkpoint's
// attempt. It is destructive and recorded as an operator event.
func (m *Manager) RollbackTo(ctx context.Context, t Target, checkpointID string) (*models.Session, error) {
	if err := m.Recover(ctx, t); err != nil {
		return nil, err
	}
	cps, err := m.Checkpoints(t)
	if err != nil {
		return nil, err
	}
	found, err := findCheckpoint(cps, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", t.SessionID, err)
	}
	checkpointID = found.ID

	if err := m.vcs.Rollback(ctx, t.RepoPath, checkpointID); err != nil {
		return nil, failure.WithAgent(err, found.Agent, found.Attempt, checkpointID)
	}
	sess, err := m.record(ctx, t, models.AuditEvent{
		Kind: models.EventCheckpointRolledBack,
		Payload: models.EventPayload{
			CheckpointID: checkpointID,
			Operator:     true,
			Reason:       fmt.Sprintf("operator rollback to %s (%s attempt %d)", checkpointID, found.Agent, found.Attempt),
		},
	})
	if err != nil {
		return nil, err
	}
	m.logger.Warn("operator rollback", "session", t.SessionID, "checkpoint", checkpointID, "agent", found.Agent)
	return sess, nil
}

// minPrefix is the shortest abbreviated checkpoint id accepted.
const minPrefix = 7

// findCheckpoint matches id exactly or as an unambiguous prefix.
func findCheckpoint(cps []CheckpointInfo, id string) (*CheckpointInfo, error) {
	var match *CheckpointInfo
	for i := range cps {
		switch {
		case cps[i].ID == id:
			return &cps[i], nil
		case len(id) >= minPrefix && strings.HasPrefix(cps[i].ID, id):
			if match != nil && match.ID != cps[i].ID {
				return nil, fmt.Errorf("checkpoint %s is ambiguous", id)
			}
			match = &cps[i]
		}
	}
	if match == nil {
		return nil, fmt.Errorf("no checkpoint %s", id)
	}
	return match, nil
}
