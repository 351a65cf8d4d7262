// Package projection folds a session's audit events into its Session
// record. Fold is pure: it performs no I/O and the same events always
// produce the same Session.
package projection

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/joescharf/hound/internal/failure"
	"github.com/joescharf/hound/internal/models"
	"github.com/joescharf/hound/internal/pipeline"
)

// ErrNoSession is returned when there are no events to fold.
var ErrNoSession = errors.New("session has no events")

type agentMarks struct {
	lastStarted int
	lastEnded   int
}

// Fold replays events in order onto a fresh Session with one pending record
// per pipeline agent. Events for agents the pipeline does not define are
// ignored.
func Fold(p *pipeline.Pipeline, events []models.AuditEvent) (*models.Session, error) {
	if len(events) == 0 {
		return nil, ErrNoSession
	}
	first := events[0]
	if first.Kind != models.EventSessionCreated {
		return nil, failure.New(failure.KindCorrupted, "session %s: first audit event is %s, not %s", first.SessionID, first.Kind, models.EventSessionCreated)
	}

	s := &models.Session{
		ID:        first.SessionID,
		TargetURL: first.Payload.TargetURL,
		RepoPath:  first.Payload.RepoPath,
		ConfigRef: first.Payload.ConfigRef,
		CreatedAt: first.Timestamp.UTC(),
	}
	byName := make(map[string]*models.AgentRecord)
	marks := make(map[string]*agentMarks)
	for _, def := range p.Agents() {
		rec := &models.AgentRecord{Name: def.Name, Phase: def.Phase, Status: models.AgentStatusPending}
		s.Agents = append(s.Agents, rec)
		byName[def.Name] = rec
		marks[def.Name] = &agentMarks{lastStarted: -1, lastEnded: -1}
	}
	// checkpoint id -> index of the agent_started that opened its attempt
	checkpointStart := make(map[string]int)

	for i, ev := range events {
		if ev.SessionID != s.ID {
			return nil, failure.New(failure.KindCorrupted, "audit event %s belongs to session %s, not %s", ev.ID, ev.SessionID, s.ID)
		}
		if i > 0 && ev.Kind == models.EventSessionCreated {
			return nil, failure.New(failure.KindCorrupted, "session %s: duplicate %s at event %d", s.ID, ev.Kind, i)
		}
		s.UpdatedAt = ev.Timestamp.UTC()

		if ev.Kind == models.EventCheckpointRolledBack && ev.Payload.Operator {
			threshold, ok := checkpointStart[ev.Payload.CheckpointID]
			if !ok {
				continue
			}
			for _, rec := range s.Agents {
				m := marks[rec.Name]
				if max(m.lastStarted, m.lastEnded) < threshold || rec.Status == models.AgentStatusPending {
					continue
				}
				rec.Status = models.AgentStatusRolledBack
				rec.Attempts = 0
				rec.Terminal = false
				rec.OpenCheckpoint = false
			}
			continue
		}

		rec, ok := byName[ev.Agent]
		if !ok {
			continue
		}
		m := marks[ev.Agent]
		ts := ev.Timestamp.UTC()

		switch ev.Kind {
		case models.EventAgentStarted:
			rec.Status = models.AgentStatusRunning
			rec.Attempts++
			rec.StartedAt = &ts
			rec.EndedAt = nil
			rec.CheckpointID = ""
			rec.OpenCheckpoint = false
			rec.Terminal = false
			m.lastStarted = i
		case models.EventCheckpointCreated:
			rec.CheckpointID = ev.Payload.CheckpointID
			rec.OpenCheckpoint = true
			checkpointStart[ev.Payload.CheckpointID] = max(m.lastStarted, 0)
		case models.EventCheckpointCommitted:
			rec.OpenCheckpoint = false
		case models.EventCheckpointRolledBack:
			rec.Status = models.AgentStatusRolledBack
			rec.OpenCheckpoint = false
		case models.EventValidationFailed:
			rec.LastErrorKind = string(failure.KindValidation)
			rec.LastError = ev.Payload.Reason
		case models.EventAgentFailed:
			rec.Status = models.AgentStatusFailed
			rec.LastErrorKind = ev.Payload.ErrorKind
			rec.LastError = ev.Payload.Error
			rec.Terminal = ev.Payload.Terminal
			rec.EndedAt = &ts
			m.lastEnded = i
		case models.EventAgentCompleted:
			rec.Status = models.AgentStatusCompleted
			rec.LastErrorKind = ""
			rec.LastError = ""
			rec.Terminal = false
			rec.CostUSD = ev.Payload.CostUSD
			rec.DurationMs = ev.Payload.DurationMs
			rec.EndedAt = &ts
			m.lastEnded = i
		case models.EventAgentReset:
			rec.Status = models.AgentStatusPending
			rec.Attempts = 0
			rec.Terminal = false
			rec.LastErrorKind = ""
			rec.LastError = ""
			rec.OpenCheckpoint = false
		}
	}

	s.Status, s.CurrentPhase = summarize(p, byName)
	return s, nil
}

func summarize(p *pipeline.Pipeline, byName map[string]*models.AgentRecord) (models.SessionStatus, string) {
	status := models.SessionStatusCompleted
	current := ""
	for _, ph := range p.Phases {
		for _, def := range ph.Members() {
			rec := byName[def.Name]
			if rec.TerminallyFailed() {
				status = models.SessionStatusFailed
			}
			if rec.Status != models.AgentStatusCompleted {
				if current == "" {
					current = ph.Name
				}
				if status == models.SessionStatusCompleted {
					status = models.SessionStatusActive
				}
			}
		}
	}
	if current == "" {
		current = p.Phases[len(p.Phases)-1].Name
	}
	return status, current
}

// Encode returns the canonical (RFC 8785) JSON encoding of a session. Equal
// sessions always encode to identical bytes.
func Encode(s *models.Session) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize session: %w", err)
	}
	return canonical, nil
}

// Equal reports whether two sessions have identical canonical encodings.
func Equal(a, b *models.Session) bool {
	if a == nil || b == nil {
		return a == b
	}
	ea, errA := Encode(a)
	eb, errB := Encode(b)
	return errA == nil && errB == nil && string(ea) == string(eb)
}
