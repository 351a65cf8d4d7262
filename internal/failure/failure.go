// Package failure defines the pipeline error taxonomy and maps raw errors
// from external collaborators onto it.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies a class of failure.
type Kind string

const (
	// Retryable external kinds.
	KindNetwork     Kind = "network"
	KindRateLimit   Kind = "rate_limit"
	KindServer      Kind = "server_error"
	KindTool        Kind = "tool_error"
	KindTimeout     Kind = "timeout"
	KindInterrupted Kind = "interrupted"

	// Non-retryable external kinds.
	KindAuth       Kind = "auth"
	KindCredential Kind = "invalid_credential"
	KindQuota      Kind = "quota_exceeded"

	// Pipeline kinds.
	KindValidation   Kind = "validation"
	KindPrerequisite Kind = "prerequisite"
	KindLockTimeout  Kind = "lock_timeout"
	KindCorrupted    Kind = "corrupted_state"
	KindAudit        Kind = "audit_write"
	KindCheckpoint   Kind = "checkpoint"
	KindUnknown      Kind = "unknown"
)

// Retryable reports whether a failure of this kind may succeed on a later
// attempt. Validation is retryable up to the attempt ceiling.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindRateLimit, KindServer, KindTool, KindTimeout, KindInterrupted, KindValidation, KindUnknown:
		return true
	}
	return false
}

// Transient reports whether the kind is a TransientExternalError.
func (k Kind) Transient() bool {
	switch k {
	case KindNetwork, KindRateLimit, KindServer, KindTool, KindTimeout, KindInterrupted:
		return true
	}
	return false
}

// Fatal reports whether the kind is a FatalExternalError.
func (k Kind) Fatal() bool {
	switch k {
	case KindAuth, KindCredential, KindQuota:
		return true
	}
	return false
}

// Error is a classified pipeline failure. Its message always names the
// agent, kind, attempt and last checkpoint so an operator can act on it.
type Error struct {
	Kind         Kind
	Agent        string
	Attempt      int
	CheckpointID string
	Err          error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Agent != "" {
		fmt.Fprintf(&b, "agent %s: ", e.Agent)
	}
	fmt.Fprintf(&b, "%s", e.Kind)
	if e.Attempt > 0 {
		fmt.Fprintf(&b, " (attempt %d", e.Attempt)
		if e.CheckpointID != "" {
			fmt.Fprintf(&b, ", checkpoint %s", e.CheckpointID)
		}
		b.WriteString(")")
	} else if e.CheckpointID != "" {
		fmt.Fprintf(&b, " (checkpoint %s)", e.CheckpointID)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error of the given kind.
func New(kind Kind, format string, a ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, a...)}
}

// Wrap classifies cause with an explicit kind. A nil cause returns nil.
func Wrap(cause error, kind Kind) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Err: cause}
}

// WithAgent returns a copy of err annotated with agent context. Unclassified
// errors are classified first.
func WithAgent(err error, agent string, attempt int, checkpointID string) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		c := *fe
		c.Agent = agent
		c.Attempt = attempt
		c.CheckpointID = checkpointID
		return &c
	}
	return &Error{Kind: Classify(err).Kind, Agent: agent, Attempt: attempt, CheckpointID: checkpointID, Err: err}
}

// KindOf returns the kind of a classified error, or KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err is classified with the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}
