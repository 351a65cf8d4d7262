package models

import "time"

// SessionStatus represents the overall state of a pipeline session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// Session is the compact, mutable projection of one pipeline run against a
// target URL and repository. It is always derivable from the audit log.
type Session struct {
	ID           string         `json:"id"`
	TargetURL    string         `json:"target_url"`
	RepoPath     string         `json:"repo_path"`
	ConfigRef    string         `json:"config_ref"`
	Status       SessionStatus  `json:"status"`
	CurrentPhase string         `json:"current_phase"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Agents       []*AgentRecord `json:"agents"`
}

// Agent returns the record for the named agent, or nil.
func (s *Session) Agent(name string) *AgentRecord {
	for _, a := range s.Agents {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Agents = make([]*AgentRecord, len(s.Agents))
	for i, a := range s.Agents {
		rec := *a
		if a.StartedAt != nil {
			t := *a.StartedAt
			rec.StartedAt = &t
		}
		if a.EndedAt != nil {
			t := *a.EndedAt
			rec.EndedAt = &t
		}
		c.Agents[i] = &rec
	}
	return &c
}
