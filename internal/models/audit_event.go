package models

import "time"

// EventKind identifies the type of an audit event.
type EventKind string

const (
	EventSessionCreated       EventKind = "session_created"
	EventAgentStarted         EventKind = "agent_started"
	EventAgentCompleted       EventKind = "agent_completed"
	EventAgentFailed          EventKind = "agent_failed"
	EventAgentReset           EventKind = "agent_reset"
	EventCheckpointCreated    EventKind = "checkpoint_created"
	EventCheckpointCommitted  EventKind = "checkpoint_committed"
	EventCheckpointRolledBack EventKind = "checkpoint_rolled_back"
	EventValidationFailed     EventKind = "validation_failed"
)

// AuditEvent is one immutable line of a session's audit log.
type AuditEvent struct {
	ID        string       `json:"id"`
	Kind      EventKind    `json:"kind"`
	SessionID string       `json:"session_id"`
	Agent     string       `json:"agent,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	Payload   EventPayload `json:"payload"`
}

// EventPayload carries the optional, kind-specific event fields.
type EventPayload struct {
	Attempt      int     `json:"attempt,omitempty"`
	CheckpointID string  `json:"checkpoint_id,omitempty"`
	ErrorKind    string  `json:"error_kind,omitempty"`
	Error        string  `json:"error,omitempty"`
	Reason       string  `json:"reason,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	DurationMs   int64   `json:"duration_ms,omitempty"`
	Terminal     bool    `json:"terminal,omitempty"`
	Operator     bool    `json:"operator,omitempty"`

	// session_created only
	TargetURL string `json:"target_url,omitempty"`
	RepoPath  string `json:"repo_path,omitempty"`
	ConfigRef string `json:"config_ref,omitempty"`
}
