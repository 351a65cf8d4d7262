package models

import "time"

// AgentStatus represents the state of one agent within a session.
type AgentStatus string

const (
	AgentStatusPending    AgentStatus = "pending"
	AgentStatusRunning    AgentStatus = "running"
	AgentStatusCompleted  AgentStatus = "completed"
	AgentStatusFailed     AgentStatus = "failed"
	AgentStatusRolledBack AgentStatus = "rolled_back"
)

// AgentRecord is the per-session execution record of one agent.
// Attempts counts agent_started events since the last operator reset.
type AgentRecord struct {
	Name           string      `json:"name"`
	Phase          string      `json:"phase"`
	Status         AgentStatus `json:"status"`
	Attempts       int         `json:"attempts"`
	LastErrorKind  string      `json:"last_error_kind,omitempty"`
	LastError      string      `json:"last_error,omitempty"`
	CheckpointID   string      `json:"checkpoint_id,omitempty"`
	OpenCheckpoint bool        `json:"open_checkpoint,omitempty"`
	Terminal       bool        `json:"terminal,omitempty"`
	CostUSD        float64     `json:"cost_usd,omitempty"`
	DurationMs     int64       `json:"duration_ms,omitempty"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	EndedAt        *time.Time  `json:"ended_at,omitempty"`
}

// Runnable reports whether the scheduler may start a new attempt for the
// record without an operator re-run.
func (r *AgentRecord) Runnable() bool {
	switch r.Status {
	case AgentStatusPending, AgentStatusRolledBack:
		return true
	case AgentStatusFailed:
		return !r.Terminal
	}
	return false
}

// TerminallyFailed reports whether the record is failed with no attempts left.
func (r *AgentRecord) TerminallyFailed() bool {
	return r.Status == AgentStatusFailed && r.Terminal
}
